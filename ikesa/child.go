package ikesa

import (
	"time"

	"github.com/aterrichi/ikedaemon/config"
	"github.com/aterrichi/ikedaemon/crypto"
	"github.com/aterrichi/ikedaemon/protocol"
)

// ChildSA is one negotiated Child SA (C6): SPIs, the directional
// algorithms/keys derived for it, its narrowed selectors, and its
// lifetime.
type ChildSA struct {
	InboundSpi, OutboundSpi uint32

	ProtocolId protocol.ProtocolId
	Mode       config.Mode

	Algos protocol.Transforms
	Keys  *crypto.ChildKeys

	Tsi, Tsr []*protocol.Selector

	CreatedAt    time.Time
	Lifetime     time.Duration
	SoftExpireAt time.Time

	// RekeyOf is the inbound SPI of the Child SA this one replaced in a
	// rekey; zero for a Child SA that replaced none. It is not cleared
	// once the replaced SA is deleted.
	RekeyOf uint32
}

func newChildSA(inbound, outbound uint32, proto protocol.ProtocolId, mode config.Mode, algos protocol.Transforms, keys *crypto.ChildKeys, tsi, tsr []*protocol.Selector, lifetime time.Duration) *ChildSA {
	now := time.Now()
	return &ChildSA{
		InboundSpi:   inbound,
		OutboundSpi:  outbound,
		ProtocolId:   proto,
		Mode:         mode,
		Algos:        algos,
		Keys:         keys,
		Tsi:          tsi,
		Tsr:          tsr,
		CreatedAt:    now,
		Lifetime:     lifetime,
		SoftExpireAt: now.Add(lifetime),
	}
}
