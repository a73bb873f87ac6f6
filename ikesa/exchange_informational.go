package ikesa

import (
	"encoding/binary"

	"github.com/go-kit/kit/log/level"

	"github.com/aterrichi/ikedaemon/protocol"
)

// handleInformationalRequest is the responder side of section 4.1.7:
// DELETE payloads (child or IKE SA) and/or an empty payload list
// (liveness / DPD probe).
func (sa *IkeSa) handleInformationalRequest(msg *protocol.Message) ([]byte, error) {
	dels := msg.Payloads.GetAll(protocol.PayloadTypeD)
	if len(dels) == 0 {
		h := sa.responseHeader(msg)
		return protocol.Encode(h, nil, sa.encryptContext())
	}

	if sa.State == REK_IKE_SA_REQ_SENT && hasIkeDelete(dels) {
		return nil, protocol.Notify(protocol.TEMPORARY_FAILURE, "rekey-IKE collision with peer delete")
	}

	var respPls []protocol.Payload
	deleteIke := false
	for _, p := range dels {
		d, ok := p.(*protocol.DeletePayload)
		if !ok {
			continue
		}
		if d.ProtocolId == protocol.PROTO_IKE {
			deleteIke = true
			continue
		}
		var acked [][]byte
		for _, spi := range d.Spis {
			if len(spi) < 4 {
				continue
			}
			inboundSpi := binary.BigEndian.Uint32(spi)
			if sa.childBySpi(inboundSpi) != nil {
				acked = append(acked, spi)
				sa.removeChild(inboundSpi)
			}
		}
		if len(acked) > 0 {
			respPls = append(respPls, &protocol.DeletePayload{ProtocolId: d.ProtocolId, SpiSize: d.SpiSize, Spis: acked})
		}
	}

	h := sa.responseHeader(msg)
	resp, err := protocol.Encode(h, respPls, sa.encryptContext())
	if err != nil {
		return nil, err
	}
	if deleteIke {
		level.Info(sa.Logger).Log("msg", "peer deleted IKE SA", "peer_spi", sa.PeerSpi)
		sa.transitionToDeleted()
	}
	return resp, nil
}

// handleInformationalResponse is the initiator side completion: an
// acked Child SA delete (section 4.1.6's rekey follow-up or a direct
// hard-expire delete), a DPD liveness probe's empty response, or the
// final ack of our own IKE SA delete (section 4.1.6 "Rekey IKE SA",
// and direct IKE SA teardown).
func (sa *IkeSa) handleInformationalResponse(msg *protocol.Message) ([]byte, error) {
	switch sa.State {
	case DEL_IKE_SA_REQ_SENT, DEL_AFTER_REKEY_IKE_SA_REQ_SENT:
		sa.transitionToDeleted()
		return nil, nil
	case DEL_CHILD_REQ_SENT:
		if old := sa.RekeyingChildSA; old != nil {
			sa.removeChild(old.InboundSpi)
		}
		sa.RekeyingChildSA = nil
		sa.State = ESTABLISHED
		return sa.drainQueues()
	default:
		return sa.drainQueues()
	}
}

func hasIkeDelete(dels []protocol.Payload) bool {
	for _, p := range dels {
		if d, ok := p.(*protocol.DeletePayload); ok && d.ProtocolId == protocol.PROTO_IKE {
			return true
		}
	}
	return false
}

// startDeleteIkeSaExchange tears down this IKE SA and every Child SA
// it carries directly (not via rekey), entering DEL_IKE_SA_REQ_SENT.
func (sa *IkeSa) startDeleteIkeSaExchange() ([]byte, error) {
	if sa.State != ESTABLISHED {
		return nil, nil
	}
	sa.State = DEL_IKE_SA_REQ_SENT
	return sa.sendRequest(protocol.INFORMATIONAL, []protocol.Payload{
		&protocol.DeletePayload{ProtocolId: protocol.PROTO_IKE, SpiSize: 8},
	})
}
