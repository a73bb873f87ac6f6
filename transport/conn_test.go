package transport

import (
	"bytes"
	"testing"

	"github.com/go-kit/kit/log"
)

// TestListenRoundTrip exercises the real loopback socket path: Listen
// on ephemeral ports, write a datagram between two Conns, and read it
// back with the sender's address recovered.
func TestListenRoundTrip(t *testing.T) {
	logger := log.NewNopLogger()

	a, err := Listen("udp4", "127.0.0.1:0", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Listen("udp4", "127.0.0.1:0", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	payload := []byte("ike datagram")
	if err := a.WritePacket(payload, b.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	got, from, localIP, err := b.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read %q, want %q", got, payload)
	}
	if from == nil {
		t.Fatal("expected a non-nil remote address")
	}
	if from.String() != a.LocalAddr().String() {
		t.Errorf("remote addr = %v, want %v", from, a.LocalAddr())
	}
	// localIP recovery depends on IP_PKTINFO support in the runtime
	// environment; Listen degrades gracefully without it, so only
	// check it when the kernel actually supplied one.
	if localIP != nil && localIP.String() != "127.0.0.1" {
		t.Errorf("recovered local IP = %v, want 127.0.0.1", localIP)
	}
}

// TestListenRejectsNonUdpNetwork checks the explicit network-name
// guard rather than silently falling back to a default transport.
func TestListenRejectsNonUdpNetwork(t *testing.T) {
	_, err := Listen("tcp", "127.0.0.1:0", log.NewNopLogger())
	if err != ErrUdpOnly {
		t.Fatalf("err = %v, want ErrUdpOnly", err)
	}
}
