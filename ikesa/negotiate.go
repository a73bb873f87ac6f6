package ikesa

import (
	"github.com/aterrichi/ikedaemon/protocol"
)

// NegotiateProposal implements the proposal negotiator (C3): given the
// locally acceptable transform sets (in preference order) and the
// proposals a peer offered for protoId, return the first local
// candidate whose every required transform type is present among the
// peer's offered values for that protocol, built with the peer's
// proposal number and SPI. Grounded on the teacher's
// Config.CheckProposals, generalized from a single configured
// combination to a preference-ordered list.
func NegotiateProposal(local []protocol.Transforms, remote []*protocol.SaProposal, protoId protocol.ProtocolId) (*protocol.SaProposal, error) {
	for _, cand := range local {
		for _, rp := range remote {
			if rp.ProtocolId != protoId {
				continue
			}
			if !cand.Within(rp.Transforms) {
				continue
			}
			return &protocol.SaProposal{
				Number:     rp.Number,
				ProtocolId: protoId,
				Spi:        append([]byte{}, rp.Spi...),
				Transforms: cand.AsList(),
			}, nil
		}
	}
	return nil, protocol.Notify(protocol.NO_PROPOSAL_CHOSEN, "no acceptable %v proposal", protoId)
}
