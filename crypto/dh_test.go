package crypto

import (
	"testing"

	"github.com/aterrichi/ikedaemon/protocol"
)

func TestDhSharedSecretAgrees(t *testing.T) {
	for id, group := range Groups {
		ourPriv, ourPub, err := group.GenerateKeyPair()
		if err != nil {
			t.Fatalf("group %v: generate: %v", id, err)
		}
		peerPriv, peerPub, err := group.GenerateKeyPair()
		if err != nil {
			t.Fatalf("group %v: generate peer: %v", id, err)
		}

		ours, err := group.SharedSecret(ourPriv, peerPub)
		if err != nil {
			t.Fatalf("group %v: shared secret: %v", id, err)
		}
		theirs, err := group.SharedSecret(peerPriv, ourPub)
		if err != nil {
			t.Fatalf("group %v: peer shared secret: %v", id, err)
		}
		if ours.Cmp(theirs) != 0 {
			t.Errorf("group %v: shared secrets disagree", id)
		}
	}
}

func TestDhFixedWidthBytes(t *testing.T) {
	group := Groups[protocol.MODP_2048]
	_, pub, err := group.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b := group.FixedWidthBytes(pub)
	if len(b) != 256 {
		t.Errorf("2048-bit group public value encoded to %d bytes, want 256", len(b))
	}
}

func TestDhRejectsOutOfRangePeerValue(t *testing.T) {
	group := Groups[protocol.MODP_2048]
	priv, _, err := group.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := group.SharedSecret(priv, group.Prime); err == nil {
		t.Error("expected an error for a peer public value equal to the prime")
	}
}
