package crypto

import (
	"bytes"
	"testing"

	"github.com/aterrichi/ikedaemon/protocol"
)

func aes256Sha256() Algorithms {
	return AlgorithmsFromTransforms(protocol.IKE_AES256_CBC_SHA256_DH2048.AsList())
}

func espAes128Sha1() Algorithms {
	return AlgorithmsFromTransforms(protocol.ESP_AES128_CBC_SHA1_96.AsList())
}

// TestDeriveIkeKeysAgree checks spec invariant 4: both sides of an
// exchange, given the same Ni, Nr, g^ir and SPIs, derive identical
// IKE SA keys.
func TestDeriveIkeKeysAgree(t *testing.T) {
	ike := aes256Sha256()
	esp := espAes128Sha1()

	ni := bytes.Repeat([]byte{0x11}, 32)
	nr := bytes.Repeat([]byte{0x22}, 32)
	shared := bytes.Repeat([]byte{0x33}, 256)
	var spiI, spiR [8]byte
	copy(spiI[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(spiR[:], []byte{8, 7, 6, 5, 4, 3, 2, 1})

	a, err := DeriveIkeKeys(ike, esp, ni, nr, shared, spiI, spiR)
	if err != nil {
		t.Fatalf("first derivation: %v", err)
	}
	b, err := DeriveIkeKeys(ike, esp, ni, nr, shared, spiI, spiR)
	if err != nil {
		t.Fatalf("second derivation: %v", err)
	}

	fields := []struct {
		name   string
		x, y   []byte
	}{
		{"SK_d", a.SkD, b.SkD},
		{"SK_ai", a.SkAi, b.SkAi},
		{"SK_ar", a.SkAr, b.SkAr},
		{"SK_ei", a.SkEi, b.SkEi},
		{"SK_er", a.SkEr, b.SkEr},
		{"SK_pi", a.SkPi, b.SkPi},
		{"SK_pr", a.SkPr, b.SkPr},
	}
	for _, f := range fields {
		if !bytes.Equal(f.x, f.y) {
			t.Errorf("%s differs between two derivations with identical inputs", f.name)
		}
	}

	prfLen, _ := ike.PrfOutputLen()
	if len(a.SkD) != prfLen {
		t.Errorf("SK_d length = %d, want %d", len(a.SkD), prfLen)
	}
	integLen, _ := ike.IntegKeyLen()
	if len(a.SkAi) != integLen || len(a.SkAr) != integLen {
		t.Errorf("SK_ai/ar length = %d/%d, want %d", len(a.SkAi), len(a.SkAr), integLen)
	}
	encrLen, _ := ike.EncrKeyLen()
	if len(a.SkEi) != encrLen || len(a.SkEr) != encrLen {
		t.Errorf("SK_ei/er length = %d/%d, want %d", len(a.SkEi), len(a.SkEr), encrLen)
	}
}

// TestDeriveIkeKeysSensitiveToSpi checks that swapping the SPI order
// (a mistake an initiator/responder could make) changes the keys,
// since SPIi|SPIr is part of PRF+'s seed data.
func TestDeriveIkeKeysSensitiveToSpi(t *testing.T) {
	ike := aes256Sha256()
	esp := espAes128Sha1()
	ni := bytes.Repeat([]byte{0x11}, 32)
	nr := bytes.Repeat([]byte{0x22}, 32)
	shared := bytes.Repeat([]byte{0x33}, 256)
	var spiI, spiR [8]byte
	copy(spiI[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(spiR[:], []byte{8, 7, 6, 5, 4, 3, 2, 1})

	a, err := DeriveIkeKeys(ike, esp, ni, nr, shared, spiI, spiR)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveIkeKeys(ike, esp, ni, nr, shared, spiR, spiI)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.SkD, b.SkD) {
		t.Error("SK_d unchanged after swapping SPIi/SPIr, expected it to differ")
	}
}

// TestDeriveChildKeysOrderAndLength checks the Child SA KEYMAT split
// order (EncrI, AuthI, EncrR, AuthR) and lengths, with and without a
// rekey's ephemeral DH contribution.
func TestDeriveChildKeysOrderAndLength(t *testing.T) {
	esp := espAes128Sha1()
	skD := bytes.Repeat([]byte{0x44}, 32)
	ni := bytes.Repeat([]byte{0x11}, 32)
	nr := bytes.Repeat([]byte{0x22}, 32)

	ck, err := DeriveChildKeys(uint16(protocol.PRF_HMAC_SHA2_256), skD, esp, ni, nr, nil)
	if err != nil {
		t.Fatalf("without DH: %v", err)
	}
	encrLen, _ := esp.EncrKeyLen()
	authLen, _ := esp.IntegKeyLen()
	if len(ck.EncrI) != encrLen || len(ck.EncrR) != encrLen {
		t.Errorf("EncrI/EncrR length = %d/%d, want %d", len(ck.EncrI), len(ck.EncrR), encrLen)
	}
	if len(ck.AuthI) != authLen || len(ck.AuthR) != authLen {
		t.Errorf("AuthI/AuthR length = %d/%d, want %d", len(ck.AuthI), len(ck.AuthR), authLen)
	}
	keymat, err := prfPlus(uint16(protocol.PRF_HMAC_SHA2_256), skD, append(append([]byte{}, ni...), nr...), 2*encrLen+2*authLen)
	if err != nil {
		t.Fatalf("prf+: %v", err)
	}
	split := append(append(append(append([]byte{}, ck.EncrI...), ck.AuthI...), ck.EncrR...), ck.AuthR...)
	if !bytes.Equal(split, keymat) {
		t.Error("KEYMAT not split in EncrI, AuthI, EncrR, AuthR order")
	}

	withDh, err := DeriveChildKeys(uint16(protocol.PRF_HMAC_SHA2_256), skD, esp, ni, nr, bytes.Repeat([]byte{0x55}, 256))
	if err != nil {
		t.Fatalf("with DH: %v", err)
	}
	if bytes.Equal(ck.EncrI, withDh.EncrI) {
		t.Error("rekey DH contribution had no effect on derived keys")
	}
}

func TestPskAuthDeterministic(t *testing.T) {
	psk := []byte("shared secret")
	octets := []byte("message octets signed by the initiator")
	a, err := PskAuth(uint16(protocol.PRF_HMAC_SHA2_256), psk, octets)
	if err != nil {
		t.Fatal(err)
	}
	b, err := PskAuth(uint16(protocol.PRF_HMAC_SHA2_256), psk, octets)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("PskAuth not deterministic for identical inputs")
	}
	other, err := PskAuth(uint16(protocol.PRF_HMAC_SHA2_256), []byte("different secret"), octets)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, other) {
		t.Error("PskAuth ignored the PSK")
	}
}

func TestPskAuthRejectsEmptyPsk(t *testing.T) {
	if _, err := PskAuth(uint16(protocol.PRF_HMAC_SHA2_256), nil, []byte("octets")); err == nil {
		t.Error("expected an error for an empty PSK")
	}
}
