// Package config implements the configuration view (C9): an
// immutable, per-peer record of PSK, identities, lifetimes, algorithm
// preferences and protected subnets, consumed by the ikesa package.
//
// Field names and defaults are grounded on original_source's
// configuration.py (IkeConfiguration/IpsecConfiguration namedtuples),
// adapted to Go as validated value structs instead of a dict-keyed
// loader.
package config

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/aterrichi/ikedaemon/protocol"
)

// IpsecConfiguration describes one Child SA this daemon protects
// traffic with (spec.md section 6's "ipsec_conf protecting record").
type IpsecConfiguration struct {
	MySubnet, PeerSubnet   *net.IPNet
	MyPort, PeerPort       uint16
	IpProto                uint8
	Mode                   Mode
	IpsecProto             protocol.ProtocolId
	Encr, Integ            protocol.Transforms
	Lifetime               time.Duration
	Index                  uint32
}

// Mode is the IPsec encapsulation mode: transport or tunnel.
type Mode uint8

const (
	ModeTransport Mode = iota
	ModeTunnel
)

// IkeConfiguration is the full, immutable per-peer view an IkeSa
// consults: PSK, identities, IKE SA lifetime/DPD interval, the
// negotiable IKE transform set, and the list of Child SAs to protect.
type IkeConfiguration struct {
	Psk              []byte
	LocalId, PeerId  *protocol.IdPayload
	Lifetime         time.Duration
	Dpd              time.Duration
	Ike              protocol.Transforms
	Protect          []*IpsecConfiguration
}

const (
	defaultIkeLifetime = 15 * time.Minute
	defaultDpdInterval = 60 * time.Second
	defaultChildLifetime = 5 * time.Minute
	defaultLocalId       = "https://example.com/ikedaemon"
)

// Params is the plain-data shape a configuration file or flag parser
// populates before Load validates it into an IkeConfiguration.
type Params struct {
	Psk              string
	LocalId, PeerId  string
	LifetimeSeconds  int
	DpdSeconds       int
	Ike              protocol.Transforms
	Protect          []ProtectParams
}

// ProtectParams is the plain-data shape for one protected subnet pair.
type ProtectParams struct {
	MySubnet, PeerSubnet string
	MyPort, PeerPort     uint16
	IpProto              uint8
	Mode                 Mode
	IpsecProto           protocol.ProtocolId
	Esp                  protocol.Transforms
	LifetimeSeconds      int
	Index                uint32
}

// Load validates p into an immutable IkeConfiguration, applying the
// same defaults original_source's _load_ike_conf/_load_ipsec_conf do:
// a 15-minute IKE lifetime, a 60-second DPD interval, a 5-minute child
// lifetime, and transport mode.
func Load(p Params) (*IkeConfiguration, error) {
	if len(p.Psk) == 0 {
		return nil, errors.New("configuration: psk must not be empty")
	}
	if len(p.Ike) == 0 {
		return nil, errors.New("configuration: ike transform set must not be empty")
	}
	if len(p.Protect) == 0 {
		return nil, errors.New("configuration: at least one protected subnet pair is required")
	}

	localId := p.LocalId
	if localId == "" {
		localId = defaultLocalId
	}
	peerId := p.PeerId
	if peerId == "" {
		peerId = defaultLocalId
	}

	lifetime := defaultIkeLifetime
	if p.LifetimeSeconds > 0 {
		lifetime = time.Duration(p.LifetimeSeconds) * time.Second
	}
	dpd := defaultDpdInterval
	if p.DpdSeconds > 0 {
		dpd = time.Duration(p.DpdSeconds) * time.Second
	}

	cfg := &IkeConfiguration{
		Psk:      append([]byte{}, p.Psk...),
		LocalId:  protocol.NewIdPayload(true, protocol.ID_FQDN, []byte(localId)),
		PeerId:   protocol.NewIdPayload(false, protocol.ID_FQDN, []byte(peerId)),
		Lifetime: lifetime,
		Dpd:      dpd,
		Ike:      p.Ike,
	}

	for i, pp := range p.Protect {
		ic, err := loadIpsecConf(pp)
		if err != nil {
			return nil, errors.Wrapf(err, "protected subnet %d", i)
		}
		cfg.Protect = append(cfg.Protect, ic)
	}
	return cfg, nil
}

func loadIpsecConf(pp ProtectParams) (*IpsecConfiguration, error) {
	my, err := parseSubnet(pp.MySubnet)
	if err != nil {
		return nil, errors.Wrap(err, "my_subnet")
	}
	peer, err := parseSubnet(pp.PeerSubnet)
	if err != nil {
		return nil, errors.Wrap(err, "peer_subnet")
	}
	if len(pp.Esp) == 0 {
		return nil, errors.New("esp transform set must not be empty")
	}
	ipsecProto := pp.IpsecProto
	if ipsecProto == 0 {
		ipsecProto = protocol.PROTO_ESP
	}
	lifetime := defaultChildLifetime
	if pp.LifetimeSeconds > 0 {
		lifetime = time.Duration(pp.LifetimeSeconds) * time.Second
	}
	return &IpsecConfiguration{
		MySubnet:   my,
		PeerSubnet: peer,
		MyPort:     pp.MyPort,
		PeerPort:   pp.PeerPort,
		IpProto:    pp.IpProto,
		Mode:       pp.Mode,
		IpsecProto: ipsecProto,
		Encr:       pp.Esp,
		Integ:      pp.Esp,
		Lifetime:   lifetime,
		Index:      pp.Index,
	}, nil
}

func parseSubnet(s string) (*net.IPNet, error) {
	if s == "" {
		return nil, errors.New("must not be empty")
	}
	if !containsSlash(s) {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, errors.Errorf("invalid address %q", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, errors.Errorf("invalid subnet %q: %v", s, err)
	}
	return network, nil
}

func containsSlash(s string) bool {
	for _, r := range s {
		if r == '/' {
			return true
		}
	}
	return false
}
