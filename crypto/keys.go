package crypto

import (
	"crypto/hmac"

	"github.com/pkg/errors"
)

// prf computes PRF(key, data) for the given PRF transform id.
func prf(prfId uint16, key, data []byte) ([]byte, error) {
	hf, _, err := macHash(prfId)
	if err != nil {
		return nil, err
	}
	h := hmac.New(hf, key)
	h.Write(data)
	return h.Sum(nil), nil
}

// prfPlus computes PRF+(key, data) per RFC 7296 section 2.13:
// T1 = PRF(key, data | 0x01)
// T2 = PRF(key, T1 | data | 0x02)
// ...
// truncated to n bytes.
func prfPlus(prfId uint16, key, data []byte, n int) ([]byte, error) {
	var out, t []byte
	for i := byte(1); len(out) < n; i++ {
		block, err := prf(prfId, key, append(append(append([]byte{}, t...), data...), i))
		if err != nil {
			return nil, err
		}
		t = block
		out = append(out, block...)
	}
	return out[:n], nil
}

// Prf exposes PRF(key, data) for the given PRF/INTEG transform id to
// callers outside this package, e.g. the AUTH payload's MACedID term.
func Prf(prfId uint16, key, data []byte) ([]byte, error) {
	return prf(prfId, key, data)
}

// IkeKeys holds the seven IKE SA keys derived in SKEYSEED/KEYMAT order.
type IkeKeys struct {
	SkD, SkAi, SkAr, SkEi, SkEr, SkPi, SkPr []byte
}

// DeriveIkeKeys computes SKEYSEED and the seven IKE keys (C5, spec.md
// section 4.5): SKEYSEED = PRF(Ni|Nr, g^ir); KEYMAT = PRF+(SKEYSEED,
// Ni|Nr|SPIi|SPIr), split in SK_d/ai/ar/ei/er/pi/pr order.
func DeriveIkeKeys(ike, esp Algorithms, ni, nr, sharedSecret []byte, spiI, spiR [8]byte) (*IkeKeys, error) {
	skeyseed, err := prf(ike.PrfId, append(append([]byte{}, ni...), nr...), sharedSecret)
	if err != nil {
		return nil, err
	}

	prfLen, err := ike.PrfOutputLen()
	if err != nil {
		return nil, err
	}
	integKeyLen, err := ike.IntegKeyLen()
	if err != nil {
		return nil, err
	}
	encrKeyLen, err := ike.EncrKeyLen()
	if err != nil {
		return nil, err
	}

	total := prfLen + 2*integKeyLen + 2*encrKeyLen + 2*prfLen
	data := append(append(append(append([]byte{}, ni...), nr...), spiI[:]...), spiR[:]...)
	keymat, err := prfPlus(ike.PrfId, skeyseed, data, total)
	if err != nil {
		return nil, err
	}

	k := &IkeKeys{}
	off := 0
	take := func(n int) []byte {
		b := keymat[off : off+n]
		off += n
		return b
	}
	k.SkD = take(prfLen)
	k.SkAi = take(integKeyLen)
	k.SkAr = take(integKeyLen)
	k.SkEi = take(encrKeyLen)
	k.SkEr = take(encrKeyLen)
	k.SkPi = take(prfLen)
	k.SkPr = take(prfLen)
	return k, nil
}

// ChildKeys holds the four directional keys derived for a Child SA.
type ChildKeys struct {
	EncrI, AuthI, EncrR, AuthR []byte
}

// DeriveChildKeys computes a Child SA's keying material (C5): KEYMAT =
// PRF+(SK_d, [g^ir |] Ni | Nr), split into
// SK_ei_child, SK_ai_child, SK_er_child, SK_ar_child in that order.
// dhSharedSecret is nil when the rekey carries no ephemeral DH.
func DeriveChildKeys(ikePrfId uint16, skD []byte, esp Algorithms, ni, nr, dhSharedSecret []byte) (*ChildKeys, error) {
	encrKeyLen, err := esp.EncrKeyLen()
	if err != nil {
		return nil, err
	}
	integKeyLen, err := esp.IntegKeyLen()
	if err != nil {
		return nil, err
	}
	total := 2*encrKeyLen + 2*integKeyLen

	data := append(append([]byte{}, dhSharedSecret...), ni...)
	data = append(data, nr...)
	keymat, err := prfPlus(ikePrfId, skD, data, total)
	if err != nil {
		return nil, err
	}

	k := &ChildKeys{}
	off := 0
	take := func(n int) []byte {
		b := keymat[off : off+n]
		off += n
		return b
	}
	k.EncrI = take(encrKeyLen)
	k.AuthI = take(integKeyLen)
	k.EncrR = take(encrKeyLen)
	k.AuthR = take(integKeyLen)
	return k, nil
}

// PskAuth computes the PSK AUTH payload data per RFC 7296
// section 2.15: AUTH = PRF(PRF(SharedSecret, "Key Pad for IKEv2"), SignedOctets).
func PskAuth(prfId uint16, psk, signedOctets []byte) ([]byte, error) {
	if len(psk) == 0 {
		return nil, errors.New("empty PSK")
	}
	padKey, err := prf(prfId, psk, []byte("Key Pad for IKEv2"))
	if err != nil {
		return nil, err
	}
	return prf(prfId, padKey, signedOctets)
}
