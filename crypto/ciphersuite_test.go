package crypto

import (
	"bytes"
	"testing"

	"github.com/go-kit/kit/log"

	"github.com/aterrichi/ikedaemon/protocol"
)

func testSuite(t *testing.T, trs protocol.Transforms) *CipherSuite {
	t.Helper()
	algos := AlgorithmsFromTransforms(trs.AsList())
	encrLen, err := algos.EncrKeyLen()
	if err != nil {
		t.Fatal(err)
	}
	integLen, err := algos.IntegKeyLen()
	if err != nil {
		t.Fatal(err)
	}
	suite, err := algos.BindKeys(bytes.Repeat([]byte{0xAA}, encrLen), bytes.Repeat([]byte{0xBB}, integLen), log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	return suite
}

// TestCipherSuiteRoundTrip checks the round-trip law from spec.md
// section 8: Decrypt(Encrypt(p)) == p.
func TestCipherSuiteRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		trs  protocol.Transforms
	}{
		{"aes128-sha1", protocol.ESP_AES128_CBC_SHA1_96},
		{"aes256-sha256", protocol.ESP_AES256_CBC_SHA256},
		{"null-sha1", protocol.ESP_NULL_SHA1_96},
	}
	plaintexts := [][]byte{
		{},
		[]byte("short"),
		bytes.Repeat([]byte{0x5A}, 15),
		bytes.Repeat([]byte{0x5A}, 16),
		bytes.Repeat([]byte{0x5A}, 1000),
	}

	for _, c := range cases {
		suite := testSuite(t, c.trs)
		for _, pt := range plaintexts {
			ct, err := suite.Encrypt(pt)
			if err != nil {
				t.Fatalf("%s: encrypt: %v", c.name, err)
			}
			got, err := suite.Decrypt(ct)
			if err != nil {
				t.Fatalf("%s: decrypt: %v", c.name, err)
			}
			if !bytes.Equal(got, pt) {
				t.Errorf("%s: round trip mismatch: got %x, want %x", c.name, got, pt)
			}
		}
	}
}

// TestCipherSuiteDetectsTampering checks that a flipped ciphertext or
// ICV byte is rejected rather than silently decrypted.
func TestCipherSuiteDetectsTampering(t *testing.T) {
	suite := testSuite(t, protocol.ESP_AES256_CBC_SHA256)
	ct, err := suite.Encrypt([]byte("authenticate me"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte{}, ct...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := suite.Decrypt(tampered); err == nil {
		t.Error("expected a MAC failure after tampering with the ICV")
	}

	tampered2 := append([]byte{}, ct...)
	tampered2[0] ^= 0xFF
	if _, err := suite.Decrypt(tampered2); err == nil {
		t.Error("expected a MAC failure after tampering with the IV/ciphertext")
	}
}

func TestCipherSuiteEncryptProducesDistinctIVs(t *testing.T) {
	suite := testSuite(t, protocol.ESP_AES256_CBC_SHA256)
	a, err := suite.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := suite.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of identical plaintext produced identical ciphertext; IV not varying")
	}
}
