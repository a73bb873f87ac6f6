package ikesa

import (
	"bytes"
	"net"

	"github.com/aterrichi/ikedaemon/protocol"
)

// NarrowSelectors implements the Traffic-Selector negotiator (C4):
// narrows each offered selector against the matching local selector,
// keeping only the overlapping IP/port/protocol range. Returns
// TS_UNACCEPTABLE if either side's intersection is empty.
func NarrowSelectors(offeredTsi, offeredTsr, localTsi, localTsr []*protocol.Selector) ([]*protocol.Selector, []*protocol.Selector, error) {
	narrowedTsi := narrowAgainst(offeredTsi, localTsi)
	narrowedTsr := narrowAgainst(offeredTsr, localTsr)
	if len(narrowedTsi) == 0 || len(narrowedTsr) == 0 {
		return nil, nil, protocol.Notify(protocol.TS_UNACCEPTABLE, "no overlap between offered and configured selectors")
	}
	return narrowedTsi, narrowedTsr, nil
}

func narrowAgainst(offered, local []*protocol.Selector) []*protocol.Selector {
	var out []*protocol.Selector
	for _, o := range offered {
		for _, l := range local {
			if n, ok := intersectSelector(o, l); ok {
				out = append(out, n)
			}
		}
	}
	return out
}

func intersectSelector(a, b *protocol.Selector) (*protocol.Selector, bool) {
	if a.Type != b.Type {
		return nil, false
	}
	ipProto, ok := intersectIpProto(a.IpProtocolId, b.IpProtocolId)
	if !ok {
		return nil, false
	}
	startPort := maxUint16(a.StartPort, b.StartPort)
	endPort := minUint16(a.EndPort, b.EndPort)
	if startPort > endPort {
		return nil, false
	}
	start, ok := maxIP(a.StartAddress, b.StartAddress)
	if !ok {
		return nil, false
	}
	end, ok := minIP(a.EndAddress, b.EndAddress)
	if !ok {
		return nil, false
	}
	if bytes.Compare(start, end) > 0 {
		return nil, false
	}
	return &protocol.Selector{
		Type:         a.Type,
		IpProtocolId: ipProto,
		StartPort:    startPort,
		EndPort:      endPort,
		StartAddress: start,
		EndAddress:   end,
	}, true
}

// intersectIpProto treats 0 as "any protocol"; a specific value on
// either side narrows to that value, two different specific values
// have no overlap.
func intersectIpProto(a, b uint8) (uint8, bool) {
	if a == 0 {
		return b, true
	}
	if b == 0 {
		return a, true
	}
	if a == b {
		return a, true
	}
	return 0, false
}

func maxUint16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

func minUint16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

// maxIP/minIP compare same-family addresses as big-endian unsigned
// integers; normalizing both operands to the same byte width first.
func maxIP(a, b net.IP) (net.IP, bool) {
	a, b, ok := normalizeIPPair(a, b)
	if !ok {
		return nil, false
	}
	if bytes.Compare(a, b) >= 0 {
		return a, true
	}
	return b, true
}

func minIP(a, b net.IP) (net.IP, bool) {
	a, b, ok := normalizeIPPair(a, b)
	if !ok {
		return nil, false
	}
	if bytes.Compare(a, b) <= 0 {
		return a, true
	}
	return b, true
}

func normalizeIPPair(a, b net.IP) (net.IP, net.IP, bool) {
	if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
		return a4, b4, true
	}
	a16, b16 := a.To16(), b.To16()
	if a16 != nil && b16 != nil {
		return a16, b16, true
	}
	return nil, nil, false
}

// SelectorsFromSubnet builds a single Selector spanning an entire
// subnet and the full port range, the shape configured protected
// subnets offer during IKE_AUTH/CREATE_CHILD_SA.
func SelectorsFromSubnet(subnet *net.IPNet, ipProto uint8) *protocol.Selector {
	first := subnet.IP.Mask(subnet.Mask)
	last := make(net.IP, len(first))
	for i := range first {
		last[i] = first[i] | ^subnet.Mask[i]
	}
	t := protocol.TS_IPV4_ADDR_RANGE
	if first.To4() == nil {
		t = protocol.TS_IPV6_ADDR_RANGE
	}
	return &protocol.Selector{
		Type:         t,
		IpProtocolId: ipProto,
		StartPort:    0,
		EndPort:      65535,
		StartAddress: first,
		EndAddress:   last,
	}
}
