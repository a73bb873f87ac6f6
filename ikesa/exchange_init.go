package ikesa

import (
	"math/big"

	"github.com/go-kit/kit/log/level"

	ikecrypto "github.com/aterrichi/ikedaemon/crypto"
	"github.com/aterrichi/ikedaemon/protocol"
)

// dhGroupFor looks up the DH group a configured IKE transform set
// names, failing if this build has no computational support for it
// (see crypto.Groups's scoping note).
func dhGroupFor(trs protocol.Transforms) (*ikecrypto.DhGroup, error) {
	tr, ok := trs[protocol.TRANSFORM_TYPE_DH]
	if !ok {
		return nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "no DH transform configured")
	}
	g, ok := ikecrypto.Groups[protocol.DhTransformId(tr.TransformId)]
	if !ok {
		return nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "unsupported DH group %d", tr.TransformId)
	}
	return g, nil
}

// startInitExchange builds and sends the first IKE_SA_INIT request
// (section 4.1.4), generating this side's ephemeral DH key pair and
// nonce.
func (sa *IkeSa) startInitExchange() ([]byte, error) {
	group, err := dhGroupFor(sa.Config.Ike)
	if err != nil {
		return nil, err
	}
	priv, pub, err := group.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	nonce, err := freshNonce()
	if err != nil {
		return nil, err
	}
	sa.dhGroup = group
	sa.dhPriv = priv
	sa.MyNonce = nonce

	sa.State = INIT_REQ_SENT

	pls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{
			protocol.ProposalFromTransforms(protocol.PROTO_IKE, sa.MySpi[:], sa.Config.Ike),
		}},
		&protocol.KePayload{DhTransformId: group.Id, KeyData: group.FixedWidthBytes(pub)},
		&protocol.NoncePayload{Nonce: nonce},
	}
	b, err := sa.sendRequest(protocol.IKE_SA_INIT, pls)
	if err != nil {
		return nil, err
	}
	sa.initReqBytes = b
	return b, nil
}

// handleInitRequest is the responder side of section 4.1.4.
func (sa *IkeSa) handleInitRequest(msg *protocol.Message, raw []byte) ([]byte, error) {
	if sa.State != INITIAL {
		return nil, nil
	}
	sa.initReqBytes = append([]byte{}, raw...)
	sa.PeerSpi = msg.IkeHeader.SpiI

	sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	ke, _ := msg.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	nonce, _ := msg.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if sap == nil || ke == nil || nonce == nil {
		return nil, protocol.Notify(protocol.INVALID_SYNTAX, "missing SA/KE/NONCE in IKE_SA_INIT")
	}

	chosen, err := NegotiateProposal([]protocol.Transforms{sa.Config.Ike}, sap.Proposals, protocol.PROTO_IKE)
	if err != nil {
		sa.transitionToDeleted()
		return nil, err
	}
	chosenAlgos := ikecrypto.AlgorithmsFromTransforms(chosen.Transforms)
	group, err := dhGroupFor(sa.Config.Ike)
	if err != nil {
		sa.transitionToDeleted()
		return nil, err
	}
	if ke.DhTransformId != group.Id {
		return nil, protocol.NotifyData(protocol.INVALID_KE_PAYLOAD, dhGroupData(group.Id), "want dh group %d", group.Id)
	}

	priv, pub, err := group.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	peerPub := bytesToBigInt(ke.KeyData)
	shared, err := group.SharedSecret(priv, peerPub)
	if err != nil {
		return nil, protocol.Notify(protocol.INVALID_KE_PAYLOAD, "%v", err)
	}

	myNonce, err := freshNonce()
	if err != nil {
		return nil, err
	}
	sa.MyNonce = myNonce
	sa.PeerNonce = append([]byte{}, nonce.Nonce...)

	if err := sa.deriveIkeKeys(chosenAlgos, group.FixedWidthBytes(shared)); err != nil {
		return nil, err
	}

	h := sa.responseHeader(msg)
	h.SpiR = sa.MySpi
	respPls := []protocol.Payload{
		&protocol.SaPayload{Proposals: []*protocol.SaProposal{chosen}},
		&protocol.KePayload{DhTransformId: group.Id, KeyData: group.FixedWidthBytes(pub)},
		&protocol.NoncePayload{Nonce: myNonce},
	}
	resp, err := protocol.Encode(h, respPls, nil)
	if err != nil {
		return nil, err
	}
	sa.initResBytes = resp
	sa.State = INIT_RES_SENT
	level.Debug(sa.Logger).Log("msg", "IKE_SA_INIT accepted", "peer_spi", sa.PeerSpi)
	return resp, nil
}

// handleInitResponse is the initiator side completion of section
// 4.1.4, immediately followed (same process_message call) by sending
// IKE_AUTH per section 4.1.5.
func (sa *IkeSa) handleInitResponse(msg *protocol.Message, raw []byte) ([]byte, error) {
	if sa.State != INIT_REQ_SENT {
		return nil, nil
	}
	sa.initResBytes = append([]byte{}, raw...)
	sa.PeerSpi = msg.IkeHeader.SpiR

	n := msg.Payloads.Get(protocol.PayloadTypeN)
	if np, ok := n.(*protocol.NotifyPayload); ok && np.NotificationType == protocol.INVALID_KE_PAYLOAD {
		return sa.restartInitWithDh(np)
	}

	sap, _ := msg.Payloads.Get(protocol.PayloadTypeSA).(*protocol.SaPayload)
	ke, _ := msg.Payloads.Get(protocol.PayloadTypeKE).(*protocol.KePayload)
	nonce, _ := msg.Payloads.Get(protocol.PayloadTypeNonce).(*protocol.NoncePayload)
	if sap == nil || ke == nil || nonce == nil || len(sap.Proposals) == 0 {
		sa.transitionToDeleted()
		return nil, nil
	}
	chosenAlgos := ikecrypto.AlgorithmsFromTransforms(sap.Proposals[0].Transforms)

	peerPub := bytesToBigInt(ke.KeyData)
	shared, err := sa.dhGroup.SharedSecret(sa.dhPriv, peerPub)
	if err != nil {
		sa.transitionToDeleted()
		return nil, nil
	}
	sa.PeerNonce = append([]byte{}, nonce.Nonce...)

	if err := sa.deriveIkeKeys(chosenAlgos, sa.dhGroup.FixedWidthBytes(shared)); err != nil {
		sa.transitionToDeleted()
		return nil, err
	}

	return sa.startAuthExchange()
}

// restartInitWithDh implements the INVALID_KE_PAYLOAD retry: per the
// RFC 7296 section 1.2 reading spec.md's open question resolves on,
// the retried IKE_SA_INIT reuses message-id 0 and the same initiator
// SPI, discarding the abandoned request_in_flight.
func (sa *IkeSa) restartInitWithDh(np *protocol.NotifyPayload) ([]byte, error) {
	if len(np.Data) < 2 {
		sa.transitionToDeleted()
		return nil, nil
	}
	wantDh := protocol.DhTransformId(uint16(np.Data[0])<<8 | uint16(np.Data[1]))
	group, ok := ikecrypto.Groups[wantDh]
	if !ok {
		sa.transitionToDeleted()
		return nil, nil
	}
	retried := *sa.Config
	retriedIke := protocol.Transforms{}
	for k, v := range sa.Config.Ike {
		retriedIke[k] = v
	}
	retriedIke[protocol.TRANSFORM_TYPE_DH] = &protocol.SaTransform{Type: protocol.TRANSFORM_TYPE_DH, TransformId: uint16(group.Id)}
	retried.Ike = retriedIke
	sa.Config = &retried

	sa.RequestInFlight = nil
	sa.RetransmitAt = nil
	sa.RetransmitCount = 0
	sa.MyMsgId = 0
	return sa.startInitExchange()
}

// bytesToBigInt parses a fixed-width big-endian DH value off the wire.
func bytesToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// dhGroupData encodes an INVALID_KE_PAYLOAD notify's data: the
// 2-octet DH Group Number the responder actually wants (RFC 7296
// section 3.10.1).
func dhGroupData(id protocol.DhTransformId) []byte {
	return []byte{byte(uint16(id) >> 8), byte(uint16(id))}
}
