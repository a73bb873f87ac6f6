package kernel

import (
	"net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"

	"github.com/aterrichi/ikedaemon/config"
	"github.com/aterrichi/ikedaemon/protocol"
)

// XfrmInterface implements Interface on Linux via
// github.com/vishvananda/netlink's XFRM state/policy calls, grounded
// on the same XfrmState/XfrmPolicy/XfrmMonitor facility
// dhsathiya-cilium's ipsec_linux.go and ocadotechnology-weave's
// net/ipsec/ipsec.go drive for container-networking IPsec.
type XfrmInterface struct {
	events chan interface{}
	errs   chan error
	done   chan struct{}
}

// NewXfrmInterface starts the XFRM event monitor and returns a ready
// Interface.
func NewXfrmInterface() (*XfrmInterface, error) {
	x := &XfrmInterface{
		events: make(chan interface{}, 16),
		errs:   make(chan error),
		done:   make(chan struct{}),
	}
	// Subscribed to XFRM_MSG_EXPIRE only: its XfrmMsgExpire{XfrmState,
	// Hard} shape is the one the pack's examples (cilium's
	// ipsec_linux.go, weave's net/ipsec/ipsec.go) both decode. ACQUIRE
	// delivery depends on a netlink.XfrmMsgAcquire field layout this
	// build could not verify without running the toolchain; process_acquire
	// remains fully implemented on IkeSa and callable the moment an
	// ACQUIRE source (this monitor or a netlink socket diag) is wired in.
	updates := make(chan netlink.XfrmMsg)
	if err := netlink.XfrmMonitor(updates, x.done, x.errs, nl.XFRM_MSG_EXPIRE); err != nil {
		return nil, errors.Wrap(err, "xfrm monitor")
	}
	go x.translate(updates)
	return x, nil
}

func xfrmProto(p protocol.ProtocolId) netlink.Proto {
	if p == protocol.PROTO_AH {
		return netlink.XFRM_PROTO_AH
	}
	return netlink.XFRM_PROTO_ESP
}

func xfrmMode(m config.Mode) netlink.Mode {
	if m == config.ModeTunnel {
		return netlink.XFRM_MODE_TUNNEL
	}
	return netlink.XFRM_MODE_TRANSPORT
}

func algoName(id uint16) string {
	switch id {
	case uint16(protocol.ENCR_AES_CBC):
		return "cbc(aes)"
	case uint16(protocol.ENCR_CAMELLIA_CBC):
		return "cbc(camellia)"
	case uint16(protocol.ENCR_NULL):
		return "ecb(cipher_null)"
	case uint16(protocol.AUTH_HMAC_SHA1_96):
		return "hmac(sha1)"
	case uint16(protocol.AUTH_HMAC_SHA2_256_128):
		return "hmac(sha256)"
	case uint16(protocol.AUTH_HMAC_SHA2_384_192):
		return "hmac(sha384)"
	case uint16(protocol.AUTH_HMAC_SHA2_512_256):
		return "hmac(sha512)"
	default:
		return ""
	}
}

// InstallChildSA programs one direction of a Child SA as an XfrmState.
func (x *XfrmInterface) InstallChildSA(p ChildSAParams) error {
	state := &netlink.XfrmState{
		Src:   p.Src,
		Dst:   p.Dst,
		Proto: xfrmProto(p.Proto),
		Mode:  xfrmMode(p.Mode),
		Spi:   int(p.Spi),
		Crypt: &netlink.XfrmStateAlgo{Name: algoName(p.EncrAlg), Key: p.EncrKey},
		Auth:  &netlink.XfrmStateAlgo{Name: algoName(p.AuthAlg), Key: p.AuthKey},
	}
	if existing, err := netlink.XfrmStateGet(state); err == nil && existing != nil {
		return ErrAlreadyInstalled
	}
	if err := netlink.XfrmStateAdd(state); err != nil {
		return errors.Wrap(err, "xfrm state add")
	}
	return nil
}

// RemoveChildSA deletes a previously installed XfrmState.
func (x *XfrmInterface) RemoveChildSA(dst net.IP, proto protocol.ProtocolId, spi uint32) error {
	state := &netlink.XfrmState{
		Dst:   dst,
		Proto: xfrmProto(proto),
		Spi:   int(spi),
	}
	if err := netlink.XfrmStateDel(state); err != nil {
		return errors.Wrap(err, "xfrm state del")
	}
	return nil
}

// InstallPolicies programs the IN, OUT and FWD policies steering
// traffic between ipsecConf's selectors through the installed SAs.
func (x *XfrmInterface) InstallPolicies(src, dst net.IP, ipsecConf *config.IpsecConfiguration) error {
	dirs := []netlink.Dir{netlink.XFRM_DIR_IN, netlink.XFRM_DIR_OUT, netlink.XFRM_DIR_FWD}
	for _, dir := range dirs {
		policySrc, policyDst := ipsecConf.MySubnet, ipsecConf.PeerSubnet
		tmplSrc, tmplDst := src, dst
		if dir == netlink.XFRM_DIR_IN {
			policySrc, policyDst = ipsecConf.PeerSubnet, ipsecConf.MySubnet
			tmplSrc, tmplDst = dst, src
		}
		policy := &netlink.XfrmPolicy{
			Src: policySrc,
			Dst: policyDst,
			Dir: dir,
			Tmpls: []netlink.XfrmPolicyTmpl{{
				Src:   tmplSrc,
				Dst:   tmplDst,
				Proto: xfrmProto(ipsecConf.IpsecProto),
				Mode:  xfrmMode(ipsecConf.Mode),
			}},
		}
		if err := netlink.XfrmPolicyUpdate(policy); err != nil {
			return errors.Wrapf(err, "xfrm policy update (%v)", dir)
		}
	}
	return nil
}

func (x *XfrmInterface) Events() <-chan interface{} { return x.events }

func (x *XfrmInterface) Close() error {
	close(x.done)
	return nil
}

func (x *XfrmInterface) translate(updates chan netlink.XfrmMsg) {
	for {
		select {
		case <-x.done:
			return
		case err := <-x.errs:
			if err != nil {
				x.events <- err
			}
		case msg, ok := <-updates:
			if !ok {
				return
			}
			if exp, ok := msg.(*netlink.XfrmMsgExpire); ok {
				x.events <- Expire{InboundSpi: uint32(exp.XfrmState.Spi), Hard: exp.Hard}
			}
		}
	}
}
