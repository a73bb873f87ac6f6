// Package crypto implements the primitives (C1) and key schedule (C5)
// an IkeSa needs: cipher-suite selection from negotiated transforms,
// PRF/PRF+, SKEYSEED/KEYMAT derivation, and the Encrypted (SK) payload
// wrapper consumed by protocol.CipherContext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/dgryski/go-camellia"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/aterrichi/ikedaemon/protocol"
)

// macHash returns a fresh hash.Hash constructor for a PRF/INTEG transform ID.
func macHash(id uint16) (func() hash.Hash, int, error) {
	switch id {
	case uint16(protocol.PRF_HMAC_SHA1), uint16(protocol.AUTH_HMAC_SHA1_96):
		return sha1.New, sha1.Size, nil
	case uint16(protocol.PRF_HMAC_SHA2_256), uint16(protocol.AUTH_HMAC_SHA2_256_128):
		return sha256.New, sha256.Size, nil
	case uint16(protocol.PRF_HMAC_SHA2_384), uint16(protocol.AUTH_HMAC_SHA2_384_192):
		return sha512.New384, sha512.Size384, nil
	case uint16(protocol.PRF_HMAC_SHA2_512), uint16(protocol.AUTH_HMAC_SHA2_512_256):
		return sha512.New, sha512.Size, nil
	default:
		return nil, 0, errors.Errorf("unsupported PRF/INTEG transform id %d", id)
	}
}

// truncatedMacLen returns the on-wire ICV length for an INTEG transform
// (the HMAC output is truncated per RFC 4868/2404).
func truncatedMacLen(id uint16) (int, error) {
	switch id {
	case uint16(protocol.AUTH_HMAC_SHA1_96):
		return 12, nil
	case uint16(protocol.AUTH_HMAC_SHA2_256_128):
		return 16, nil
	case uint16(protocol.AUTH_HMAC_SHA2_384_192):
		return 24, nil
	case uint16(protocol.AUTH_HMAC_SHA2_512_256):
		return 32, nil
	default:
		return 0, errors.Errorf("unsupported INTEG transform id %d", id)
	}
}

// blockCipher builds the cipher.Block for an ENCR transform.
func blockCipher(id uint16, key []byte) (cipher.Block, error) {
	switch id {
	case uint16(protocol.ENCR_AES_CBC):
		return aes.NewCipher(key)
	case uint16(protocol.ENCR_CAMELLIA_CBC):
		return camellia.NewCipher(key)
	case uint16(protocol.ENCR_NULL):
		return nullBlock{}, nil
	default:
		return nil, errors.Errorf("unsupported ENCR transform id %d", id)
	}
}

// nullBlock implements cipher.Block as the identity transform, for
// ESP_NULL_SHA1_96 test/debug configurations.
type nullBlock struct{}

func (nullBlock) BlockSize() int                   { return 1 }
func (nullBlock) Encrypt(dst, src []byte)          { copy(dst, src) }
func (nullBlock) Decrypt(dst, src []byte)          { copy(dst, src) }

func encrKeyLen(id uint16, keyLengthBits uint16) (int, error) {
	switch id {
	case uint16(protocol.ENCR_AES_CBC), uint16(protocol.ENCR_CAMELLIA_CBC):
		if keyLengthBits == 0 {
			return 0, errors.New("ENCR transform requires a Key-Length attribute")
		}
		return int(keyLengthBits) / 8, nil
	case uint16(protocol.ENCR_NULL):
		return 0, nil
	default:
		return 0, errors.Errorf("unsupported ENCR transform id %d", id)
	}
}

// CipherSuite holds the concrete algorithms and one direction's keys
// for a single IKE or child SA, and implements protocol.CipherContext.
type CipherSuite struct {
	EncrId, PrfId, IntegId uint16
	EncrKey                []byte
	IntegKey               []byte
	Logger                 log.Logger

	blockSize int
	macLen    int
}

// Algorithms names the transforms chosen for one SA direction, prior
// to binding concrete keys.
type Algorithms struct {
	EncrId, PrfId, IntegId uint16
	KeyLenBits             uint16
}

// AlgorithmsFromTransforms extracts the algorithm identifiers from a
// negotiated proposal's transform list.
func AlgorithmsFromTransforms(trs []*protocol.SaTransform) Algorithms {
	var a Algorithms
	for _, tr := range trs {
		switch tr.Type {
		case protocol.TRANSFORM_TYPE_ENCR:
			a.EncrId = tr.TransformId
			a.KeyLenBits = tr.KeyLength
		case protocol.TRANSFORM_TYPE_PRF:
			a.PrfId = tr.TransformId
		case protocol.TRANSFORM_TYPE_INTEG:
			a.IntegId = tr.TransformId
		}
	}
	return a
}

// EncrKeyLen returns the byte length of this suite's encryption key.
func (a Algorithms) EncrKeyLen() (int, error) { return encrKeyLen(a.EncrId, a.KeyLenBits) }

// IntegKeyLen returns the byte length of this suite's integrity key
// (equal to the underlying hash's output size, per RFC 7296 section 2.13).
func (a Algorithms) IntegKeyLen() (int, error) {
	if a.IntegId == 0 {
		return 0, nil
	}
	_, size, err := macHash(uint16(a.IntegId))
	return size, err
}

// PrfOutputLen returns the byte length of one PRF application's output.
func (a Algorithms) PrfOutputLen() (int, error) {
	_, size, err := macHash(a.PrfId)
	return size, err
}

// BindKeys returns a CipherSuite bound to concrete encryption/integrity
// keys for one direction.
func (a Algorithms) BindKeys(encrKey, integKey []byte, logger log.Logger) (*CipherSuite, error) {
	block, err := blockCipher(a.EncrId, encrKey)
	if err != nil {
		return nil, err
	}
	macLen, err := truncatedMacLen(a.IntegId)
	if err != nil && a.IntegId != 0 {
		return nil, err
	}
	return &CipherSuite{
		EncrId:    a.EncrId,
		PrfId:     a.PrfId,
		IntegId:   a.IntegId,
		EncrKey:   encrKey,
		IntegKey:  integKey,
		Logger:    logger,
		blockSize: block.BlockSize(),
		macLen:    macLen,
	}, nil
}

// mac computes the truncated HMAC over b using the suite's integrity key.
func (s *CipherSuite) mac(b []byte) ([]byte, error) {
	hf, _, err := macHash(s.IntegId)
	if err != nil {
		return nil, err
	}
	h := hmac.New(hf, s.IntegKey)
	h.Write(b)
	return h.Sum(nil)[:s.macLen], nil
}

// Decrypt implements protocol.CipherContext: body is IV || ciphertext || ICV.
func (s *CipherSuite) Decrypt(body []byte) ([]byte, error) {
	if len(body) < s.blockSize+s.macLen {
		return nil, errors.New("SK payload too short")
	}
	icv := body[len(body)-s.macLen:]
	signed := body[:len(body)-s.macLen]
	want, err := s.mac(signed)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(want, icv) {
		level.Debug(s.Logger).Log("msg", "SK payload MAC mismatch")
		return nil, errors.New("invalid mac")
	}
	iv := signed[:s.blockSize]
	ct := signed[s.blockSize:]
	if len(ct) == 0 || len(ct)%s.blockSize != 0 {
		return nil, errors.New("ciphertext not block aligned")
	}
	pt := make([]byte, len(ct))
	if s.EncrId == uint16(protocol.ENCR_NULL) {
		copy(pt, ct)
	} else {
		block, err := blockCipher(s.EncrId, s.EncrKey)
		if err != nil {
			return nil, err
		}
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	}
	padLen := int(pt[len(pt)-1])
	if padLen+1 > len(pt) {
		return nil, errors.New("invalid padding")
	}
	return pt[:len(pt)-padLen-1], nil
}

// Encrypt implements protocol.CipherContext: pads, encrypts, appends ICV.
func (s *CipherSuite) Encrypt(plain []byte) ([]byte, error) {
	padLen := s.blockSize - (len(plain)+1)%s.blockSize
	if padLen == s.blockSize {
		padLen = 0
	}
	padded := append(append([]byte{}, plain...), make([]byte, padLen+1)...)
	padded[len(padded)-1] = uint8(padLen)

	iv := make([]byte, s.blockSize)
	if s.EncrId != uint16(protocol.ENCR_NULL) {
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
	}
	ct := make([]byte, len(padded))
	if s.EncrId == uint16(protocol.ENCR_NULL) {
		copy(ct, padded)
	} else {
		block, err := blockCipher(s.EncrId, s.EncrKey)
		if err != nil {
			return nil, err
		}
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	}
	signed := append(append([]byte{}, iv...), ct...)
	icv, err := s.mac(signed)
	if err != nil {
		return nil, err
	}
	return append(signed, icv...), nil
}
