package dispatch

import (
	"net"
	"testing"

	"github.com/go-kit/kit/log"

	"github.com/aterrichi/ikedaemon/config"
	"github.com/aterrichi/ikedaemon/ikesa"
	"github.com/aterrichi/ikedaemon/kernel"
	"github.com/aterrichi/ikedaemon/protocol"
)

// fakeConn stands in for transport.Conn: WritePacket just records what
// would have gone on the wire, and ReadPacket is never exercised since
// these tests drive handlePacket directly instead of Run's read loop.
type fakeConn struct {
	local  net.Addr
	writes []sentPacket
}

type sentPacket struct {
	b  []byte
	to net.Addr
}

func (c *fakeConn) ReadPacket() ([]byte, net.Addr, net.IP, error) {
	select {}
}
func (c *fakeConn) WritePacket(b []byte, to net.Addr) error {
	c.writes = append(c.writes, sentPacket{b: append([]byte{}, b...), to: to})
	return nil
}
func (c *fakeConn) LocalAddr() net.Addr { return c.local }
func (c *fakeConn) Close() error        { return nil }

// fakeKernel is a no-op kernel.Interface: the dispatcher tests here
// exercise SPI routing and exchange sequencing, not the kernel plane
// itself (kernel/xfrm_linux_test.go covers that in isolation).
type fakeKernel struct{}

func (fakeKernel) InstallChildSA(kernel.ChildSAParams) error { return nil }
func (fakeKernel) RemoveChildSA(net.IP, protocol.ProtocolId, uint32) error {
	return nil
}
func (fakeKernel) InstallPolicies(net.IP, net.IP, *config.IpsecConfiguration) error {
	return nil
}
func (fakeKernel) Events() <-chan interface{} { return nil }
func (fakeKernel) Close() error               { return nil }

func testLogger() log.Logger { return log.NewNopLogger() }

func dispatchPairedConfigs(t *testing.T) (left, right *config.IkeConfiguration) {
	t.Helper()
	left, err := config.Load(config.Params{
		Psk:     "correct horse battery staple",
		LocalId: "left.example.com",
		PeerId:  "right.example.com",
		Ike:     protocol.IKE_AES256_CBC_SHA256_DH2048,
		Protect: []config.ProtectParams{{
			MySubnet:   "10.0.1.1",
			PeerSubnet: "10.0.2.1",
			Esp:        protocol.ESP_AES256_CBC_SHA256,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	right, err = config.Load(config.Params{
		Psk:     "correct horse battery staple",
		LocalId: "right.example.com",
		PeerId:  "left.example.com",
		Ike:     protocol.IKE_AES256_CBC_SHA256_DH2048,
		Protect: []config.ProtectParams{{
			MySubnet:   "10.0.2.1",
			PeerSubnet: "10.0.1.1",
			Esp:        protocol.ESP_AES256_CBC_SHA256,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return left, right
}

// TestDispatcherRoutesFullHandshake drives an IKE_SA_INIT/IKE_AUTH
// exchange through two Dispatchers' handlePacket, checking that SPI
// lookup registers the responder's session on first sight and that
// both sides land on exactly one ESTABLISHED session.
func TestDispatcherRoutesFullHandshake(t *testing.T) {
	leftCfg, rightCfg := dispatchPairedConfigs(t)
	addrA := &net.UDPAddr{IP: net.ParseIP("10.0.1.1"), Port: protocol.IkePort}
	addrB := &net.UDPAddr{IP: net.ParseIP("10.0.2.1"), Port: protocol.IkePort}

	connA := &fakeConn{local: addrA}
	connB := &fakeConn{local: addrB}
	dA := New(connA, fakeKernel{}, leftCfg, testLogger())
	dB := New(connB, fakeKernel{}, rightCfg, testLogger())

	if err := dA.OpenInitiator(addrB); err != nil {
		t.Fatal(err)
	}
	if len(connA.writes) != 1 {
		t.Fatalf("expected one IKE_SA_INIT datagram, got %d", len(connA.writes))
	}
	req1 := connA.writes[0]
	if req1.to != addrB {
		t.Errorf("IKE_SA_INIT addressed to %v, want %v", req1.to, addrB)
	}

	dB.handlePacket(inboundPacket{raw: req1.b, from: addrA})
	if len(connB.writes) != 1 {
		t.Fatalf("expected a responder IKE_SA_INIT reply, got %d writes", len(connB.writes))
	}
	if len(dB.sessions) != 1 {
		t.Fatalf("responder should have registered one session, got %d", len(dB.sessions))
	}
	resp1 := connB.writes[0]

	dA.handlePacket(inboundPacket{raw: resp1.b, from: addrB})
	if len(connA.writes) != 2 {
		t.Fatalf("expected a follow-up IKE_AUTH request, got %d writes", len(connA.writes))
	}
	req2 := connA.writes[1]

	dB.handlePacket(inboundPacket{raw: req2.b, from: addrA})
	if len(connB.writes) != 2 {
		t.Fatalf("expected an IKE_AUTH response, got %d writes", len(connB.writes))
	}
	resp2 := connB.writes[1]

	dA.handlePacket(inboundPacket{raw: resp2.b, from: addrB})
	if len(connA.writes) != 2 {
		t.Fatalf("initiator should send nothing further once IKE_AUTH completes, got %d writes", len(connA.writes))
	}

	if len(dA.sessions) != 1 || len(dB.sessions) != 1 {
		t.Fatalf("expected exactly one session per dispatcher, got %d/%d", len(dA.sessions), len(dB.sessions))
	}
	for _, e := range dA.sessions {
		if e.sa.State != ikesa.ESTABLISHED {
			t.Errorf("initiator session state = %v, want ESTABLISHED", e.sa.State)
		}
	}
	for _, e := range dB.sessions {
		if e.sa.State != ikesa.ESTABLISHED {
			t.Errorf("responder session state = %v, want ESTABLISHED", e.sa.State)
		}
	}
}

// TestDispatcherDropsUnroutablePacket exercises the lookupOrCreate
// fallthrough: a datagram that names no known SPI and isn't a fresh
// IKE_SA_INIT request is dropped without registering anything or
// writing a reply.
func TestDispatcherDropsUnroutablePacket(t *testing.T) {
	_, rightCfg := dispatchPairedConfigs(t)
	addrA := &net.UDPAddr{IP: net.ParseIP("10.0.1.1"), Port: protocol.IkePort}
	addrB := &net.UDPAddr{IP: net.ParseIP("10.0.2.1"), Port: protocol.IkePort}
	connB := &fakeConn{local: addrB}
	dB := New(connB, fakeKernel{}, rightCfg, testLogger())

	h := &protocol.IkeHeader{
		ExchangeType: protocol.INFORMATIONAL,
		Flags:        protocol.FlagResponse,
		MsgLength:    protocol.IkeHeaderLen,
	}
	raw := h.Encode()

	dB.handlePacket(inboundPacket{raw: raw, from: addrA})
	if len(connB.writes) != 0 {
		t.Errorf("unroutable packet should produce no reply, got %d writes", len(connB.writes))
	}
	if len(dB.sessions) != 0 {
		t.Errorf("unroutable packet should not register a session, got %d", len(dB.sessions))
	}
}

// TestDispatcherFansOutExpireToOwningSession checks that a kernel
// Expire event only reaches the session that actually owns the named
// Child SA, and that it drives a rekey CREATE_CHILD_SA out.
func TestDispatcherFansOutExpireToOwningSession(t *testing.T) {
	leftCfg, rightCfg := dispatchPairedConfigs(t)
	addrA := &net.UDPAddr{IP: net.ParseIP("10.0.1.1"), Port: protocol.IkePort}
	addrB := &net.UDPAddr{IP: net.ParseIP("10.0.2.1"), Port: protocol.IkePort}
	connA := &fakeConn{local: addrA}
	connB := &fakeConn{local: addrB}
	dA := New(connA, fakeKernel{}, leftCfg, testLogger())
	dB := New(connB, fakeKernel{}, rightCfg, testLogger())

	if err := dA.OpenInitiator(addrB); err != nil {
		t.Fatal(err)
	}
	dB.handlePacket(inboundPacket{raw: connA.writes[0].b, from: addrA})
	dA.handlePacket(inboundPacket{raw: connB.writes[0].b, from: addrB})
	dB.handlePacket(inboundPacket{raw: connA.writes[1].b, from: addrA})
	dA.handlePacket(inboundPacket{raw: connB.writes[1].b, from: addrB})

	var childSpi uint32
	for _, e := range dA.sessions {
		childSpi = e.sa.ChildSAs[0].InboundSpi
	}

	dA.handleKernelEvent(kernel.Expire{InboundSpi: childSpi, Hard: false})
	if len(connA.writes) != 3 {
		t.Fatalf("expire event should have produced a rekey request, got %d writes", len(connA.writes))
	}

	// An Expire naming a SPI this dispatcher doesn't own must not
	// produce any additional traffic.
	dA.handleKernelEvent(kernel.Expire{InboundSpi: childSpi + 1, Hard: false})
	if len(connA.writes) != 3 {
		t.Errorf("expire for an unowned SPI should be ignored, got %d writes", len(connA.writes))
	}
}
