package crypto

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"github.com/aterrichi/ikedaemon/protocol"
)

// DhGroup is one configured MODP Diffie-Hellman group: its prime
// modulus and generator (RFC 3526 / RFC 2409).
type DhGroup struct {
	Id        protocol.DhTransformId
	Generator int64
	Prime     *big.Int
}

func mustPrime(hex string) *big.Int {
	p, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("crypto: invalid MODP prime constant")
	}
	return p
}

// modp1024Hex is RFC 2409 Oakley Group 2.
var modp1024Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"

// modp2048Hex is RFC 3526 group 14, the RFC 8247-recommended default.
var modp2048Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
	"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
	"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

// Groups holds the MODP groups this implementation can compute with.
// Groups 1, 5, and 15-18 are recognized on the wire (DhTransformId
// enum in the protocol package, for round-trip decode of a peer's
// proposal) but intentionally not wired here: transcribing their
// multi-hundred-digit RFC 3526 prime constants with no way to run the
// toolchain and verify them was judged a worse risk than a narrower,
// verified set. Group 2 and Group 14 cover the teacher's own
// configured presets (IKE_AES*_DH2048/DH1024) and RFC 8247's
// mandatory-to-implement recommendation.
var Groups = map[protocol.DhTransformId]*DhGroup{
	protocol.MODP_1024: {Id: protocol.MODP_1024, Generator: 2, Prime: mustPrime(modp1024Hex)},
	protocol.MODP_2048: {Id: protocol.MODP_2048, Generator: 2, Prime: mustPrime(modp2048Hex)},
}

// GenerateKeyPair picks a private exponent and computes g^x mod p.
func (g *DhGroup) GenerateKeyPair() (priv, pub *big.Int, err error) {
	// Private exponent as large as the modulus; rejection sampling
	// against [1, p-3] keeps the result in the multiplicative group.
	max := new(big.Int).Sub(g.Prime, big.NewInt(2))
	for {
		priv, err = rand.Int(rand.Reader, max)
		if err != nil {
			return nil, nil, err
		}
		if priv.Sign() > 0 {
			break
		}
	}
	pub = new(big.Int).Exp(big.NewInt(g.Generator), priv, g.Prime)
	return priv, pub, nil
}

// SharedSecret computes peerPublic^priv mod p, the DH shared secret g^ir.
func (g *DhGroup) SharedSecret(priv, peerPublic *big.Int) (*big.Int, error) {
	if peerPublic.Sign() <= 0 || peerPublic.Cmp(g.Prime) >= 0 {
		return nil, errors.New("peer DH public value out of range")
	}
	return new(big.Int).Exp(peerPublic, priv, g.Prime), nil
}

// FixedWidthBytes renders a DH value (public key or shared secret) as
// a big-endian byte string exactly as wide as the group's prime, the
// wire and key-derivation encoding RFC 7296 requires.
func (g *DhGroup) FixedWidthBytes(v *big.Int) []byte {
	width := (g.Prime.BitLen() + 7) / 8
	b := v.Bytes()
	if len(b) >= width {
		return b
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
