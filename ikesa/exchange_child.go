package ikesa

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"

	"github.com/go-kit/kit/log/level"

	"github.com/aterrichi/ikedaemon/config"
	ikecrypto "github.com/aterrichi/ikedaemon/crypto"
	"github.com/aterrichi/ikedaemon/protocol"
)

func uint32Spi(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// startNewChildExchange sends CREATE_CHILD_SA for a new Child SA
// triggered by a kernel Acquire event (section 4.1.6 "New child").
func (sa *IkeSa) startNewChildExchange(t AcquireTrigger) ([]byte, error) {
	var ipsecConf = sa.matchIpsecConfByIndex(t.PolicyIndex)
	if ipsecConf == nil {
		return nil, nil
	}
	spiBytes := make([]byte, 4)
	if _, err := rand.Read(spiBytes); err != nil {
		return nil, err
	}
	nonce, err := freshNonce()
	if err != nil {
		return nil, err
	}

	sa.pendingChild = &pendingChildNegotiation{
		proto:      ipsecConf.IpsecProto,
		mySpi:      binary.BigEndian.Uint32(spiBytes),
		localTsi:   t.Tsi,
		localTsr:   t.Tsr,
		localNonce: nonce,
	}

	pls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{
			protocol.ProposalFromTransforms(ipsecConf.IpsecProto, spiBytes, ipsecConf.Encr),
		}},
		&protocol.NoncePayload{Nonce: nonce},
		protocol.NewTrafficSelectorPayload(true, t.Tsi),
		protocol.NewTrafficSelectorPayload(false, t.Tsr),
	}
	if ipsecConf.Mode == config.ModeTransport {
		pls = append(pls, &protocol.NotifyPayload{ProtocolId: protocol.PROTO_IKE, NotificationType: protocol.USE_TRANSPORT_MODE})
	}
	sa.State = NEW_CHILD_REQ_SENT
	return sa.sendRequest(protocol.CREATE_CHILD_SA, pls)
}

// startRekeyChildExchange sends CREATE_CHILD_SA carrying REKEY_SA(spi)
// for the Child SA identified by inboundSpi (section 4.1.6 "Rekey
// child").
func (sa *IkeSa) startRekeyChildExchange(inboundSpi uint32) ([]byte, error) {
	child := sa.childBySpi(inboundSpi)
	if child == nil {
		return nil, nil
	}
	ipsecConf := sa.matchIpsecConf(child.ProtocolId)
	if ipsecConf == nil {
		return nil, nil
	}
	spiBytes := make([]byte, 4)
	if _, err := rand.Read(spiBytes); err != nil {
		return nil, err
	}
	nonce, err := freshNonce()
	if err != nil {
		return nil, err
	}

	sa.pendingChild = &pendingChildNegotiation{
		proto:      child.ProtocolId,
		mySpi:      binary.BigEndian.Uint32(spiBytes),
		localTsi:   child.Tsi,
		localTsr:   child.Tsr,
		localNonce: nonce,
		rekeyOf:    child,
	}
	sa.RekeyingChildSA = child

	pls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{
			protocol.ProposalFromTransforms(child.ProtocolId, spiBytes, ipsecConf.Encr),
		}},
		&protocol.NoncePayload{Nonce: nonce},
		protocol.NewTrafficSelectorPayload(true, child.Tsi),
		protocol.NewTrafficSelectorPayload(false, child.Tsr),
		&protocol.NotifyPayload{ProtocolId: child.ProtocolId, NotificationType: protocol.REKEY_SA, Spi: uint32Spi(child.OutboundSpi)},
	}
	sa.State = REK_CHILD_REQ_SENT
	return sa.sendRequest(protocol.CREATE_CHILD_SA, pls)
}

// startDeleteChildExchange sends an INFORMATIONAL DELETE for the Child
// SA identified by inboundSpi: the direct path from a hard expiry
// (section 4.1.1), and the follow-up after a successful rekey (section
// 4.1.6).
func (sa *IkeSa) startDeleteChildExchange(inboundSpi uint32) ([]byte, error) {
	child := sa.childBySpi(inboundSpi)
	if child == nil {
		return nil, nil
	}
	sa.RekeyingChildSA = child
	sa.State = DEL_CHILD_REQ_SENT
	pls := []protocol.Payload{
		&protocol.DeletePayload{ProtocolId: child.ProtocolId, SpiSize: 4, Spis: [][]byte{uint32Spi(child.OutboundSpi)}},
	}
	return sa.sendRequest(protocol.INFORMATIONAL, pls)
}

// startRekeyIkeSaExchange sends CREATE_CHILD_SA proposing the IKE
// protocol with fresh DH (section 4.1.6 "Rekey IKE SA").
func (sa *IkeSa) startRekeyIkeSaExchange() ([]byte, error) {
	group, err := dhGroupFor(sa.Config.Ike)
	if err != nil {
		return nil, err
	}
	priv, pub, err := group.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	newSpi, err := randomSpi()
	if err != nil {
		return nil, err
	}
	nonce, err := freshNonce()
	if err != nil {
		return nil, err
	}

	sa.pendingChild = &pendingChildNegotiation{
		isRekeyIke: true,
		dhGroup:    group,
		dhPriv:     priv,
		newSpi:     newSpi,
		localNonce: nonce,
	}

	pls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{
			protocol.ProposalFromTransforms(protocol.PROTO_IKE, newSpi[:], sa.Config.Ike),
		}},
		&protocol.KePayload{DhTransformId: group.Id, KeyData: group.FixedWidthBytes(pub)},
		&protocol.NoncePayload{Nonce: nonce},
	}
	sa.State = REK_IKE_SA_REQ_SENT
	return sa.sendRequest(protocol.CREATE_CHILD_SA, pls)
}

// matchIpsecConfByIndex finds the configured protect entry an Acquire
// event's policy_index refers to.
func (sa *IkeSa) matchIpsecConfByIndex(index uint32) *config.IpsecConfiguration {
	for _, ic := range sa.Config.Protect {
		if ic.Index == index {
			return ic
		}
	}
	return nil
}

// handleCreateChildRequest is the responder side of section 4.1.6,
// dispatching on the request's distinguishing notify/proposal and
// applying collision resolution (section 4.1.8) when a rekey of our
// own is already in flight.
func (sa *IkeSa) handleCreateChildRequest(msg *protocol.Message) ([]byte, error) {
	sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	if sap == nil || len(sap.Proposals) == 0 {
		return nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "missing SA payload")
	}
	proto := sap.Proposals[0].ProtocolId
	rekeyNotify := findNotify(msg, protocol.REKEY_SA)

	if sa.State == REK_IKE_SA_REQ_SENT {
		return nil, protocol.Notify(protocol.TEMPORARY_FAILURE, "rekey-IKE collision")
	}

	if proto == protocol.PROTO_IKE {
		return sa.handleRekeyIkeRequest(msg, sap)
	}

	if rekeyNotify != nil {
		target := sa.childBySpi(binary.BigEndian.Uint32(rekeyNotify.Spi))
		if sa.State == REK_CHILD_REQ_SENT && sa.RekeyingChildSA != nil && target != nil && sa.RekeyingChildSA.InboundSpi == target.InboundSpi {
			noncePl, _ := msg.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
			if sa.pendingChild != nil && noncePl != nil {
				sa.pendingChild.collidingPeerNonce = append([]byte{}, noncePl.Nonce...)
			}
			return nil, protocol.Notify(protocol.TEMPORARY_FAILURE, "rekey-child collision")
		}
		if target == nil {
			return nil, protocol.Notify(protocol.CHILD_SA_NOT_FOUND, "unknown rekey target")
		}
	}

	tsiPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
	tsrPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
	peerWantsTransport := findNotify(msg, protocol.USE_TRANSPORT_MODE) != nil
	child, myProposal, narrowedTsi, narrowedTsr, err := sa.negotiateAndInstallChild(sap, tsiPl, tsrPl, rekeyNotify == nil, peerWantsTransport)
	if err != nil {
		return nil, err
	}
	sa.ChildSAs = append(sa.ChildSAs, child)
	if rekeyNotify != nil {
		if old := sa.childBySpi(binary.BigEndian.Uint32(rekeyNotify.Spi)); old != nil {
			child.RekeyOf = old.InboundSpi
		}
	}

	respPls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{myProposal}},
		protocol.NewTrafficSelectorPayload(true, narrowedTsi),
		protocol.NewTrafficSelectorPayload(false, narrowedTsr),
	}
	h := sa.responseHeader(msg)
	return protocol.Encode(h, respPls, sa.encryptContext())
}

// handleRekeyIkeRequest is the responder side of a rekey-IKE
// CREATE_CHILD_SA: negotiate a fresh IKE proposal/DH/nonce, derive a
// replacement IkeSa, link it via NewIkeSA, and move this SA to
// REKEYED to await the peer's follow-up DELETE(IKE).
func (sa *IkeSa) handleRekeyIkeRequest(msg *protocol.Message, sap *protocol.SaPayload) ([]byte, error) {
	ke, _ := msg.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	noncePl, _ := msg.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if ke == nil || noncePl == nil {
		return nil, protocol.Notify(protocol.INVALID_SYNTAX, "missing KE/NONCE in rekey-IKE request")
	}
	chosen, err := NegotiateProposal([]protocol.Transforms{sa.Config.Ike}, sap.Proposals, protocol.PROTO_IKE)
	if err != nil {
		return nil, err
	}
	group, err := dhGroupFor(sa.Config.Ike)
	if err != nil {
		return nil, err
	}
	if ke.DhTransformId != group.Id {
		return nil, protocol.Notify(protocol.INVALID_KE_PAYLOAD, "want dh group %d", group.Id)
	}
	priv, pub, err := group.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := group.SharedSecret(priv, bytesToBigInt(ke.KeyData))
	if err != nil {
		return nil, protocol.Notify(protocol.INVALID_KE_PAYLOAD, "%v", err)
	}
	myNonce, err := freshNonce()
	if err != nil {
		return nil, err
	}

	var newPeerSpi protocol.Spi
	copy(newPeerSpi[:], chosen.Spi)
	var newMySpi protocol.Spi
	if _, err := rand.Read(newMySpi[:]); err != nil {
		return nil, err
	}

	newSa := &IkeSa{
		IsInitiator: sa.IsInitiator,
		LocalAddr:   sa.LocalAddr,
		PeerAddr:    sa.PeerAddr,
		Config:      sa.Config,
		Kernel:      sa.Kernel,
		Logger:      sa.Logger,
		State:       ESTABLISHED,
		MySpi:       newMySpi,
		PeerSpi:     newPeerSpi,
		MyNonce:     myNonce,
		PeerNonce:   append([]byte{}, noncePl.Nonce...),
		now:         sa.now,
	}
	algos := ikecrypto.AlgorithmsFromTransforms(chosen.Transforms)
	if err := newSa.deriveIkeKeys(algos, group.FixedWidthBytes(shared)); err != nil {
		return nil, err
	}
	newSa.armEstablishedTimers()
	sa.scheduleChildRekeysOnto(newSa)

	sa.NewIkeSA = newSa
	sa.State = REKEYED

	respPls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{chosen}},
		&protocol.KePayload{DhTransformId: group.Id, KeyData: group.FixedWidthBytes(pub)},
		&protocol.NoncePayload{Nonce: myNonce},
	}
	h := sa.responseHeader(msg)
	resp, err := protocol.Encode(h, respPls, sa.encryptContext())
	if err != nil {
		return nil, err
	}
	level.Info(sa.Logger).Log("msg", "IKE SA rekeyed", "old_peer_spi", sa.PeerSpi, "new_peer_spi", newSa.PeerSpi)
	return resp, nil
}

// scheduleChildRekeysOnto carries over knowledge of the existing Child
// SAs to a freshly rekeyed IkeSa: they are not migrated silently, each
// is instead queued for its own rekey once newSa reaches ESTABLISHED
// (section 4.1.6's "child SAs do not migrate automatically").
func (sa *IkeSa) scheduleChildRekeysOnto(newSa *IkeSa) {
	newSa.ChildSAs = append(newSa.ChildSAs, sa.ChildSAs...)
	for _, c := range sa.ChildSAs {
		newSa.ExpireQueue = append(newSa.ExpireQueue, ExpireTrigger{InboundSpi: c.InboundSpi, Hard: false})
	}
}

// handleCreateChildResponse is the initiator side completion of
// section 4.1.6's three CREATE_CHILD_SA uses, including collision
// abandonment (section 4.1.8).
func (sa *IkeSa) handleCreateChildResponse(msg *protocol.Message) ([]byte, error) {
	if np, ok := msg.Payloads.Get(protocol.PayloadTypeN).(*protocol.NotifyPayload); ok && np.NotificationType == protocol.TEMPORARY_FAILURE {
		return sa.handleChildCollisionAbandon()
	}

	switch sa.State {
	case NEW_CHILD_REQ_SENT:
		sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
		tsiPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
		tsrPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
		child, err := sa.finishChildFromResponse(sap, tsiPl, tsrPl)
		sa.pendingChild = nil
		sa.State = ESTABLISHED
		if err == nil && child != nil {
			sa.ChildSAs = append(sa.ChildSAs, child)
		}
		return sa.drainQueues()

	case REK_CHILD_REQ_SENT:
		sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
		tsiPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSi).(*protocol.TrafficSelectorPayload)
		tsrPl, _ := msg.Payloads.Get(protocol.PayloadTypeTSr).(*protocol.TrafficSelectorPayload)
		child, err := sa.finishChildFromResponse(sap, tsiPl, tsrPl)
		old := sa.RekeyingChildSA
		sa.pendingChild = nil
		if err == nil && child != nil {
			child.RekeyOf = old.InboundSpi
			sa.ChildSAs = append(sa.ChildSAs, child)
			return sa.startDeleteChildExchange(old.InboundSpi)
		}
		sa.RekeyingChildSA = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()

	case DEL_CHILD_REQ_SENT:
		if old := sa.RekeyingChildSA; old != nil {
			sa.removeChild(old.InboundSpi)
		}
		sa.RekeyingChildSA = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()

	case REK_IKE_SA_REQ_SENT:
		return sa.handleRekeyIkeResponse(msg)

	default:
		return nil, nil
	}
}

// handleRekeyIkeResponse completes the initiator side of a rekey-IKE
// exchange: derive the replacement IkeSa, then immediately start
// deleting this (now superseded) IKE SA.
func (sa *IkeSa) handleRekeyIkeResponse(msg *protocol.Message) ([]byte, error) {
	pc := sa.pendingChild
	sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	ke, _ := msg.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	noncePl, _ := msg.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if pc == nil || sap == nil || len(sap.Proposals) == 0 || ke == nil || noncePl == nil {
		sa.pendingChild = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()
	}
	chosen := sap.Proposals[0]
	shared, err := pc.dhGroup.SharedSecret(pc.dhPriv, bytesToBigInt(ke.KeyData))
	if err != nil {
		sa.pendingChild = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()
	}

	var newPeerSpi protocol.Spi
	copy(newPeerSpi[:], chosen.Spi)
	newSa := &IkeSa{
		IsInitiator: sa.IsInitiator,
		LocalAddr:   sa.LocalAddr,
		PeerAddr:    sa.PeerAddr,
		Config:      sa.Config,
		Kernel:      sa.Kernel,
		Logger:      sa.Logger,
		State:       ESTABLISHED,
		MySpi:       pc.newSpi,
		PeerSpi:     newPeerSpi,
		MyNonce:     pc.localNonce,
		PeerNonce:   append([]byte{}, noncePl.Nonce...),
		now:         sa.now,
	}
	algos := ikecrypto.AlgorithmsFromTransforms(chosen.Transforms)
	if err := newSa.deriveIkeKeys(algos, pc.dhGroup.FixedWidthBytes(shared)); err != nil {
		sa.pendingChild = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()
	}
	newSa.armEstablishedTimers()
	sa.scheduleChildRekeysOnto(newSa)

	sa.NewIkeSA = newSa
	sa.pendingChild = nil
	sa.State = DEL_AFTER_REKEY_IKE_SA_REQ_SENT
	level.Info(sa.Logger).Log("msg", "IKE SA rekeyed", "old_peer_spi", sa.PeerSpi, "new_peer_spi", newSa.PeerSpi)

	return sa.sendRequest(protocol.INFORMATIONAL, []protocol.Payload{
		&protocol.DeletePayload{ProtocolId: protocol.PROTO_IKE, SpiSize: 8},
	})
}

// handleChildCollisionAbandon runs when this IkeSa's own in-flight
// request comes back TEMPORARY_FAILURE: section 4.1.8's resolution.
// For a child rekey collision the winner (the higher nonce) retries;
// the loser abandons and keeps its existing Child SA.
func (sa *IkeSa) handleChildCollisionAbandon() ([]byte, error) {
	switch sa.State {
	case REK_CHILD_REQ_SENT:
		old := sa.RekeyingChildSA
		pc := sa.pendingChild
		sa.pendingChild = nil
		sa.RekeyingChildSA = nil
		sa.State = ESTABLISHED
		if old != nil && pc != nil && pc.collidingPeerNonce != nil && bytes.Compare(pc.localNonce, pc.collidingPeerNonce) > 0 {
			return sa.startRekeyChildExchange(old.InboundSpi)
		}
		return sa.drainQueues()
	case NEW_CHILD_REQ_SENT, DEL_CHILD_REQ_SENT:
		sa.pendingChild = nil
		sa.RekeyingChildSA = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()
	case REK_IKE_SA_REQ_SENT:
		sa.pendingChild = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()
	default:
		return nil, nil
	}
}

// removeChild drops the Child SA identified by inboundSpi, clearing its
// kernel-plane state first (invariant 4) before dropping the in-memory
// record.
func (sa *IkeSa) removeChild(inboundSpi uint32) {
	out := sa.ChildSAs[:0]
	for _, c := range sa.ChildSAs {
		if c.InboundSpi != inboundSpi {
			out = append(out, c)
			continue
		}
		sa.removeChildKeys(c)
	}
	sa.ChildSAs = out
}

func findNotify(msg *protocol.Message, t protocol.NotificationType) *protocol.NotifyPayload {
	for _, p := range msg.Payloads.GetAll(protocol.PayloadTypeN) {
		if np, ok := p.(*protocol.NotifyPayload); ok && np.NotificationType == t {
			return np
		}
	}
	return nil
}
