// Package kernel implements the kernel-plane adapter (C8): the narrow
// interface IkeSa uses to install/remove Child SAs and policies, and
// to learn about ACQUIRE/EXPIRE events from the kernel's IPsec
// implementation. The interface is deliberately thin; ikesa never
// touches netlink/XFRM types directly.
package kernel

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/aterrichi/ikedaemon/config"
	"github.com/aterrichi/ikedaemon/protocol"
)

// ErrAlreadyInstalled is returned by InstallChildSA when a Child SA
// with the same (SPI, destination, protocol) is already present in
// the kernel plane. Per spec.md section 5, callers treat this as
// unrecoverable for that child rather than retrying.
var ErrAlreadyInstalled = errors.New("kernel: child sa already installed")

// ChildSAParams names everything InstallChildSA needs for one
// direction of one Child SA.
type ChildSAParams struct {
	Inbound            bool
	Src, Dst           net.IP
	SrcSelector, DstSelector *protocol.Selector
	Proto              protocol.ProtocolId
	Mode               config.Mode
	Spi                uint32
	EncrAlg            uint16
	EncrKey            []byte
	AuthAlg            uint16
	AuthKey            []byte
}

// Acquire is delivered when kernel policy matches traffic with no
// installed SA yet — the initiator-side trigger for process_acquire.
type Acquire struct {
	Tsi, Tsr    []*protocol.Selector
	PolicyIndex uint32
}

// Expire is delivered when an installed SA's lifetime counter fires.
// Hard expiries require deletion; soft expiries request a rekey.
type Expire struct {
	InboundSpi uint32
	Hard       bool
}

// Interface is the kernel IPsec plane (C8), implemented concretely by
// XfrmInterface on Linux.
type Interface interface {
	// InstallChildSA programs one direction's SA. Returns
	// ErrAlreadyInstalled if (p.Spi, p.Dst, p.Proto) already exists.
	InstallChildSA(p ChildSAParams) error
	// RemoveChildSA removes a previously installed SA.
	RemoveChildSA(dst net.IP, proto protocol.ProtocolId, spi uint32) error
	// InstallPolicies programs the IN/OUT/FWD policies steering
	// traffic matching ipsecConf's selectors into the installed SAs.
	InstallPolicies(src, dst net.IP, ipsecConf *config.IpsecConfiguration) error
	// Events returns the channel kernel events arrive on: Acquire and
	// Expire records, and error values reported by the event monitor.
	Events() <-chan interface{}
	// Close stops the kernel event monitor.
	Close() error
}

// DefaultChildLifetimeMargin is a 30-second margin before a Child SA's
// hard lifetime. Nothing in this module reads it: InstallChildSA sets
// no lifetime limits on the XFRM state, so no soft Expire is requested
// from the kernel plane.
const DefaultChildLifetimeMargin = 30 * time.Second
