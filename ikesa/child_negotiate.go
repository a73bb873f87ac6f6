package ikesa

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/big"
	"net"

	"github.com/go-kit/kit/log/level"

	"github.com/aterrichi/ikedaemon/config"
	ikecrypto "github.com/aterrichi/ikedaemon/crypto"
	"github.com/aterrichi/ikedaemon/kernel"
	"github.com/aterrichi/ikedaemon/protocol"
)

func cryptoRandRead(b []byte) (int, error) { return crand.Read(b) }

// matchIpsecConf returns the configured protect entry for an IPsec
// protocol, the closest analogue this config model has to matching on
// negotiated selectors (spec.md's "matching policy in configuration.protect").
func (sa *IkeSa) matchIpsecConf(proto protocol.ProtocolId) *config.IpsecConfiguration {
	for _, ic := range sa.Config.Protect {
		if ic.IpsecProto == proto {
			return ic
		}
	}
	if len(sa.Config.Protect) > 0 {
		return sa.Config.Protect[0]
	}
	return nil
}

// addrIP extracts the bare IP from a net.Addr, the shape transport
// hands IkeSa as LocalAddr/PeerAddr.
func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		host, _, err := net.SplitHostPort(a.String())
		if err != nil {
			return net.ParseIP(a.String())
		}
		return net.ParseIP(host)
	}
}

// pendingChildDh returns the shared secret contribution of an
// in-progress rekey's ephemeral DH, nil when the negotiation carries
// none (the IKE_AUTH first child never does, per RFC 7296 section 1.3).
func (sa *IkeSa) pendingChildDh(peerPublic *big.Int) []byte {
	if sa.pendingChild == nil || sa.pendingChild.dhGroup == nil || peerPublic == nil {
		return nil
	}
	shared, err := sa.pendingChild.dhGroup.SharedSecret(sa.pendingChild.dhPriv, peerPublic)
	if err != nil {
		return nil
	}
	return sa.pendingChild.dhGroup.FixedWidthBytes(shared)
}

func directionalKeys(sa *IkeSa, ck *ikecrypto.ChildKeys) (inEncr, inAuth, outEncr, outAuth []byte) {
	if sa.IsInitiator {
		return ck.EncrR, ck.AuthR, ck.EncrI, ck.AuthI
	}
	return ck.EncrI, ck.AuthI, ck.EncrR, ck.AuthR
}

// installChildKeys programs both directions of a Child SA and its
// policies via C8, logging (never failing the exchange on) kernel errors.
func (sa *IkeSa) installChildKeys(proto protocol.ProtocolId, ipsecConf *config.IpsecConfiguration, algos ikecrypto.Algorithms, inboundSpi, outboundSpi uint32, inEncr, inAuth, outEncr, outAuth []byte) {
	if sa.Kernel == nil {
		return
	}
	localIP, peerIP := addrIP(sa.LocalAddr), addrIP(sa.PeerAddr)
	in := kernel.ChildSAParams{
		Inbound: true, Src: peerIP, Dst: localIP,
		Proto: proto, Mode: ipsecConf.Mode, Spi: inboundSpi,
		EncrAlg: algos.EncrId, EncrKey: inEncr,
		AuthAlg: algos.IntegId, AuthKey: inAuth,
	}
	if err := sa.Kernel.InstallChildSA(in); err != nil && err != kernel.ErrAlreadyInstalled {
		level.Error(sa.Logger).Log("msg", "install inbound child sa failed", "err", err)
	}
	out := kernel.ChildSAParams{
		Inbound: false, Src: localIP, Dst: peerIP,
		Proto: proto, Mode: ipsecConf.Mode, Spi: outboundSpi,
		EncrAlg: algos.EncrId, EncrKey: outEncr,
		AuthAlg: algos.IntegId, AuthKey: outAuth,
	}
	if err := sa.Kernel.InstallChildSA(out); err != nil && err != kernel.ErrAlreadyInstalled {
		level.Error(sa.Logger).Log("msg", "install outbound child sa failed", "err", err)
	}
	if err := sa.Kernel.InstallPolicies(localIP, peerIP, ipsecConf); err != nil {
		level.Error(sa.Logger).Log("msg", "install policies failed", "err", err)
	}
}

// removeChildKeys tears down both directions of a previously installed
// Child SA (invariant 4: the kernel plane is cleared before the
// in-memory record is dropped), logging kernel errors rather than
// failing the caller — by the time a Child SA is being retired there
// is no exchange left to fail back to the peer.
func (sa *IkeSa) removeChildKeys(c *ChildSA) {
	if sa.Kernel == nil || c == nil {
		return
	}
	localIP, peerIP := addrIP(sa.LocalAddr), addrIP(sa.PeerAddr)
	if err := sa.Kernel.RemoveChildSA(localIP, c.ProtocolId, c.InboundSpi); err != nil {
		level.Error(sa.Logger).Log("msg", "remove inbound child sa failed", "err", err)
	}
	if err := sa.Kernel.RemoveChildSA(peerIP, c.ProtocolId, c.OutboundSpi); err != nil {
		level.Error(sa.Logger).Log("msg", "remove outbound child sa failed", "err", err)
	}
}

// negotiateAndInstallChild is the responder side of a Child SA
// negotiation, shared by IKE_AUTH (section 4.1.5) and CREATE_CHILD_SA
// new/rekey-child (section 4.1.6). checkMode gates the
// USE_TRANSPORT_MODE comparison against local policy: it only applies
// to a negotiation originating a Child SA (IKE_AUTH, CREATE_CHILD_SA
// new-child); a rekey inherits the mode of the Child SA it replaces
// rather than renegotiating it. peerWantsTransport reflects whether the
// peer's request carried a USE_TRANSPORT_MODE notify (its absence means
// tunnel, RFC 7296 section 1.3.1). Returns the installed ChildSA, the
// SA proposal to echo back (carrying this side's freshly chosen SPI),
// and the narrowed TSi/TSr to echo back.
func (sa *IkeSa) negotiateAndInstallChild(sap *protocol.SaPayload, tsiPl, tsrPl *protocol.TrafficSelectorPayload, checkMode, peerWantsTransport bool) (*ChildSA, *protocol.SaProposal, []*protocol.Selector, []*protocol.Selector, error) {
	if sap == nil || tsiPl == nil || tsrPl == nil || len(sap.Proposals) == 0 {
		return nil, nil, nil, nil, protocol.Notify(protocol.TS_UNACCEPTABLE, "missing SA/TS payloads")
	}
	proto := sap.Proposals[0].ProtocolId
	ipsecConf := sa.matchIpsecConf(proto)
	if ipsecConf == nil {
		return nil, nil, nil, nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "no configured protect entry for protocol %v", proto)
	}
	if checkMode && peerWantsTransport != (ipsecConf.Mode == config.ModeTransport) {
		return nil, nil, nil, nil, protocol.Notify(protocol.TS_UNACCEPTABLE, "mode mismatch: peer requested transport=%v, policy wants %v", peerWantsTransport, ipsecConf.Mode == config.ModeTransport)
	}

	chosen, err := NegotiateProposal([]protocol.Transforms{ipsecConf.Encr}, sap.Proposals, proto)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	narrowedTsi, narrowedTsr, err := NarrowSelectors(
		tsiPl.Selectors, tsrPl.Selectors,
		[]*protocol.Selector{SelectorsFromSubnet(ipsecConf.PeerSubnet, ipsecConf.IpProto)},
		[]*protocol.Selector{SelectorsFromSubnet(ipsecConf.MySubnet, ipsecConf.IpProto)},
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	mySpiBytes := make([]byte, 4)
	if _, err := cryptoRandRead(mySpiBytes); err != nil {
		return nil, nil, nil, nil, err
	}
	algos := ikecrypto.AlgorithmsFromTransforms(chosen.Transforms)
	childKeys, err := ikecrypto.DeriveChildKeys(sa.ikePrfId(), sa.skD, algos, sa.nonceI(), sa.nonceR(), nil)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	inboundSpi := binary.BigEndian.Uint32(mySpiBytes)
	outboundSpi := binary.BigEndian.Uint32(chosen.Spi)
	inEncr, inAuth, outEncr, outAuth := directionalKeys(sa, childKeys)
	sa.installChildKeys(proto, ipsecConf, algos, inboundSpi, outboundSpi, inEncr, inAuth, outEncr, outAuth)

	child := newChildSA(inboundSpi, outboundSpi, proto, ipsecConf.Mode, ipsecConf.Encr, childKeys, narrowedTsi, narrowedTsr, ipsecConf.Lifetime)
	myProposal := &protocol.SaProposal{Number: chosen.Number, ProtocolId: proto, Spi: mySpiBytes, Transforms: chosen.Transforms}
	return child, myProposal, narrowedTsi, narrowedTsr, nil
}

// finishChildFromResponse is the initiator side completion of the
// same negotiation, consuming the responder's chosen SA/TSi/TSr.
func (sa *IkeSa) finishChildFromResponse(sap *protocol.SaPayload, tsiPl, tsrPl *protocol.TrafficSelectorPayload) (*ChildSA, error) {
	if sa.pendingChild == nil {
		return nil, nil
	}
	if sap == nil || len(sap.Proposals) == 0 || tsiPl == nil || tsrPl == nil {
		return nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "missing SA/TS in response")
	}
	chosen := sap.Proposals[0]
	ipsecConf := sa.matchIpsecConf(sa.pendingChild.proto)
	if ipsecConf == nil {
		return nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "no matching protect entry")
	}

	algos := ikecrypto.AlgorithmsFromTransforms(chosen.Transforms)
	childKeys, err := ikecrypto.DeriveChildKeys(sa.ikePrfId(), sa.skD, algos, sa.nonceI(), sa.nonceR(), nil)
	if err != nil {
		return nil, err
	}

	inboundSpi := sa.pendingChild.mySpi
	outboundSpi := binary.BigEndian.Uint32(chosen.Spi)
	inEncr, inAuth, outEncr, outAuth := directionalKeys(sa, childKeys)
	sa.installChildKeys(sa.pendingChild.proto, ipsecConf, algos, inboundSpi, outboundSpi, inEncr, inAuth, outEncr, outAuth)

	return newChildSA(inboundSpi, outboundSpi, sa.pendingChild.proto, ipsecConf.Mode, ipsecConf.Encr, childKeys, tsiPl.Selectors, tsrPl.Selectors, ipsecConf.Lifetime), nil
}
