package ikesa

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/go-kit/kit/log/level"

	"github.com/aterrichi/ikedaemon/config"
	ikecrypto "github.com/aterrichi/ikedaemon/crypto"
	"github.com/aterrichi/ikedaemon/protocol"
)

func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// skPi/skPr return SK_pi/SK_pr regardless of this IkeSa's own role:
// MyCrypto/PeerCrypto are bound per-direction (i2r/r2i), not per-key-name.
func (sa *IkeSa) skPi() []byte {
	if sa.IsInitiator {
		return sa.MyCrypto.SkP
	}
	return sa.PeerCrypto.SkP
}

func (sa *IkeSa) skPr() []byte {
	if sa.IsInitiator {
		return sa.PeerCrypto.SkP
	}
	return sa.MyCrypto.SkP
}

// initiatorSignedOctets/responderSignedOctets build the AUTH payload's
// SignedOctets (RFC 7296 section 2.15): the real bytes of the
// IKE_SA_INIT message the signer sent, the other side's nonce, and a
// PRF over the signer's own ID payload keyed by its own SK_p.
func (sa *IkeSa) initiatorSignedOctets(idi *protocol.IdPayload) ([]byte, error) {
	maced, err := ikecrypto.Prf(sa.MyCrypto.PrfId, sa.skPi(), idi.Encode())
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, sa.initReqBytes...)
	out = append(out, sa.nonceR()...)
	out = append(out, maced...)
	return out, nil
}

func (sa *IkeSa) responderSignedOctets(idr *protocol.IdPayload) ([]byte, error) {
	maced, err := ikecrypto.Prf(sa.MyCrypto.PrfId, sa.skPr(), idr.Encode())
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, sa.initResBytes...)
	out = append(out, sa.nonceI()...)
	out = append(out, maced...)
	return out, nil
}

// startAuthExchange sends IKE_AUTH immediately after a successful
// IKE_SA_INIT exchange (section 4.1.5), proposing the first
// configured protected subnet's Child SA.
func (sa *IkeSa) startAuthExchange() ([]byte, error) {
	if len(sa.Config.Protect) == 0 {
		sa.transitionToDeleted()
		return nil, nil
	}
	ipsecConf := sa.Config.Protect[0]

	octets, err := sa.initiatorSignedOctets(sa.Config.LocalId)
	if err != nil {
		return nil, err
	}
	auth, err := ikecrypto.PskAuth(sa.MyCrypto.PrfId, sa.Config.Psk, octets)
	if err != nil {
		return nil, err
	}

	childSpi := make([]byte, 4)
	if _, err := rand.Read(childSpi); err != nil {
		return nil, err
	}
	tsi := []*protocol.Selector{SelectorsFromSubnet(ipsecConf.MySubnet, ipsecConf.IpProto)}
	tsr := []*protocol.Selector{SelectorsFromSubnet(ipsecConf.PeerSubnet, ipsecConf.IpProto)}

	sa.pendingChild = &pendingChildNegotiation{
		proto:    ipsecConf.IpsecProto,
		mySpi:    binary.BigEndian.Uint32(childSpi),
		localTsi: tsi,
		localTsr: tsr,
	}

	pls := []protocol.Payload{
		sa.Config.LocalId,
		&protocol.AuthPayload{Method: protocol.AUTH_SHARED_KEY_MIC, Data: auth},
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{
			protocol.ProposalFromTransforms(ipsecConf.IpsecProto, childSpi, ipsecConf.Encr),
		}},
		protocol.NewTrafficSelectorPayload(true, tsi),
		protocol.NewTrafficSelectorPayload(false, tsr),
	}
	if ipsecConf.Mode == config.ModeTransport {
		pls = append(pls, &protocol.NotifyPayload{ProtocolId: protocol.PROTO_IKE, NotificationType: protocol.USE_TRANSPORT_MODE})
	}

	sa.State = AUTH_REQ_SENT
	return sa.sendRequest(protocol.IKE_AUTH, pls)
}

// handleAuthRequest is the responder side of section 4.1.5.
func (sa *IkeSa) handleAuthRequest(msg *protocol.Message) ([]byte, error) {
	if sa.State != INIT_RES_SENT {
		return nil, nil
	}
	idi, _ := msg.Payloads.Get(protocol.PayloadTypeIDi).(*protocol.IdPayload)
	authPl, _ := msg.Payloads.Get(protocol.PayloadTypeAUTH).(*protocol.AuthPayload)
	if idi == nil || authPl == nil {
		sa.transitionToDeleted()
		return nil, protocol.Notify(protocol.AUTHENTICATION_FAILED, "missing IDi/AUTH")
	}
	if authPl.Method != protocol.AUTH_SHARED_KEY_MIC {
		sa.transitionToDeleted()
		return nil, protocol.Notify(protocol.AUTHENTICATION_FAILED, "unsupported auth method %d", authPl.Method)
	}

	octets, err := sa.initiatorSignedOctets(idi)
	if err != nil {
		sa.transitionToDeleted()
		return nil, protocol.Notify(protocol.AUTHENTICATION_FAILED, "%v", err)
	}
	want, err := ikecrypto.PskAuth(sa.MyCrypto.PrfId, sa.Config.Psk, octets)
	if err != nil || !constantTimeEqual(want, authPl.Data) {
		sa.transitionToDeleted()
		return nil, protocol.Notify(protocol.AUTHENTICATION_FAILED, "AUTH mismatch")
	}

	respPls := []protocol.Payload{sa.Config.PeerId}
	rOctets, err := sa.responderSignedOctets(sa.Config.PeerId)
	if err != nil {
		return nil, err
	}
	rAuth, err := ikecrypto.PskAuth(sa.MyCrypto.PrfId, sa.Config.Psk, rOctets)
	if err != nil {
		return nil, err
	}
	respPls = append(respPls, &protocol.AuthPayload{Method: protocol.AUTH_SHARED_KEY_MIC, Data: rAuth})

	sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	tsiPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	tsrPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	peerWantsTransport := findNotify(msg, protocol.USE_TRANSPORT_MODE) != nil
	child, myProposal, narrowedTsi, narrowedTsr, childErr := sa.negotiateAndInstallChild(sap, tsiPl, tsrPl, true, peerWantsTransport)

	sa.State = ESTABLISHED
	if childErr == nil {
		sa.ChildSAs = append(sa.ChildSAs, child)
		respPls = append(respPls,
			&protocol.SaPayload{Proposals: []*protocol.SaProposal{myProposal}},
			protocol.NewTrafficSelectorPayload(true, narrowedTsi),
			protocol.NewTrafficSelectorPayload(false, narrowedTsr),
		)
	} else if ne, ok := childErr.(*protocol.NotifyError); ok {
		respPls = append(respPls, &protocol.NotifyPayload{ProtocolId: protocol.PROTO_IKE, NotificationType: ne.Type})
	}

	h := sa.responseHeader(msg)
	resp, err := protocol.Encode(h, respPls, sa.encryptContext())
	if err != nil {
		return nil, err
	}
	level.Info(sa.Logger).Log("msg", "IKE SA established", "peer_spi", sa.PeerSpi, "child_installed", childErr == nil)
	return resp, nil
}

// handleAuthResponse is the initiator side completion of section 4.1.5.
func (sa *IkeSa) handleAuthResponse(msg *protocol.Message) ([]byte, error) {
	if sa.State != AUTH_REQ_SENT {
		return nil, nil
	}
	if np, ok := msg.Payloads.Get(protocol.PayloadTypeN).(*protocol.NotifyPayload); ok {
		if np.NotificationType == protocol.AUTHENTICATION_FAILED {
			sa.transitionToDeleted()
			return nil, nil
		}
	}
	idr, _ := msg.Payloads.Get(protocol.PayloadTypeIDr).(*protocol.IdPayload)
	authPl, _ := msg.Payloads.Get(protocol.PayloadTypeAUTH).(*protocol.AuthPayload)
	if idr == nil || authPl == nil {
		sa.transitionToDeleted()
		return nil, nil
	}
	octets, err := sa.responderSignedOctets(idr)
	if err != nil {
		sa.transitionToDeleted()
		return nil, nil
	}
	want, err := ikecrypto.PskAuth(sa.MyCrypto.PrfId, sa.Config.Psk, octets)
	if err != nil || !constantTimeEqual(want, authPl.Data) {
		sa.transitionToDeleted()
		return nil, nil
	}

	sa.State = ESTABLISHED
	sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	tsiPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	tsrPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	if child, err := sa.finishChildFromResponse(sap, tsiPl, tsrPl); err == nil && child != nil {
		sa.ChildSAs = append(sa.ChildSAs, child)
	}
	sa.pendingChild = nil
	sa.armEstablishedTimers()
	return sa.drainQueues()
}

// ikeSaHardLifetimeMargin bounds how long past rekey_ike_sa_at the IKE
// SA is allowed to live before delete_ike_sa_at forces it down, the
// backstop for a rekey that never completes.
const ikeSaHardLifetimeMargin = 30 * time.Second

// armEstablishedTimers schedules DPD, IKE SA rekey, and the hard
// delete backstop once ESTABLISHED.
func (sa *IkeSa) armEstablishedTimers() {
	sa.touchDpd()
	if sa.Config.Lifetime > 0 {
		rekeyAt := sa.clock().Add(sa.Config.Lifetime)
		sa.RekeyIkeSaAt = &rekeyAt
		deleteAt := rekeyAt.Add(ikeSaHardLifetimeMargin)
		sa.DeleteIkeSaAt = &deleteAt
	}
}
