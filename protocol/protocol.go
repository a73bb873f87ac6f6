// Package protocol implements the IKEv2 wire format: message header,
// payload encode/decode, and the Encrypted (SK) payload wrapper.
//
// Layouts follow RFC 7296 section 3.
package protocol

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	IkePort     = 500
	IkeNattPort = 4500

	Ikev2MajorVersion = 2
	Ikev2MinorVersion = 0

	IkeHeaderLen = 28

	PayloadHeaderLength = 4
)

// Spi is an IKE SA's Security Parameter Index: 8 opaque bytes.
type Spi [8]byte

func (s Spi) String() string { return hex.EncodeToString(s[:]) }

func (s Spi) IsZero() bool { return s == Spi{} }

type ExchangeType uint8

const (
	IKE_SA_INIT     ExchangeType = 34
	IKE_AUTH        ExchangeType = 35
	CREATE_CHILD_SA ExchangeType = 36
	INFORMATIONAL   ExchangeType = 37
)

func (e ExchangeType) String() string {
	switch e {
	case IKE_SA_INIT:
		return "IKE_SA_INIT"
	case IKE_AUTH:
		return "IKE_AUTH"
	case CREATE_CHILD_SA:
		return "CREATE_CHILD_SA"
	case INFORMATIONAL:
		return "INFORMATIONAL"
	default:
		return "UNKNOWN"
	}
}

type PayloadType uint8

const (
	PayloadTypeNone    PayloadType = 0
	PayloadTypeSA      PayloadType = 33
	PayloadTypeKE      PayloadType = 34
	PayloadTypeIDi     PayloadType = 35
	PayloadTypeIDr     PayloadType = 36
	PayloadTypeCERT    PayloadType = 37
	PayloadTypeCERTREQ PayloadType = 38
	PayloadTypeAUTH    PayloadType = 39
	PayloadTypeNonce   PayloadType = 40
	PayloadTypeN       PayloadType = 41
	PayloadTypeD       PayloadType = 42
	PayloadTypeV       PayloadType = 43
	PayloadTypeTSi     PayloadType = 44
	PayloadTypeTSr     PayloadType = 45
	PayloadTypeSK      PayloadType = 46
	PayloadTypeCP      PayloadType = 47
	PayloadTypeEAP     PayloadType = 48
)

type Flags uint8

const (
	FlagResponse  Flags = 1 << 5
	FlagVersion   Flags = 1 << 4
	FlagInitiator Flags = 1 << 3
)

func (f Flags) IsResponse() bool  { return f&FlagResponse != 0 }
func (f Flags) IsInitiator() bool { return f&FlagInitiator != 0 }

type ProtocolId uint8

const (
	PROTO_IKE ProtocolId = 1
	PROTO_AH  ProtocolId = 2
	PROTO_ESP ProtocolId = 3
)

type TransformType uint8

const (
	TRANSFORM_TYPE_ENCR  TransformType = 1
	TRANSFORM_TYPE_PRF   TransformType = 2
	TRANSFORM_TYPE_INTEG TransformType = 3
	TRANSFORM_TYPE_DH    TransformType = 4
	TRANSFORM_TYPE_ESN   TransformType = 5
)

type EncrTransformId uint16

const (
	ENCR_DES_IV64    EncrTransformId = 1
	ENCR_DES         EncrTransformId = 2
	ENCR_3DES        EncrTransformId = 3
	ENCR_NULL        EncrTransformId = 11
	ENCR_AES_CBC     EncrTransformId = 12
	ENCR_AES_CTR     EncrTransformId = 13
	ENCR_CAMELLIA_CBC EncrTransformId = 23
)

type PrfTransformId uint16

const (
	PRF_HMAC_MD5      PrfTransformId = 1
	PRF_HMAC_SHA1     PrfTransformId = 2
	PRF_HMAC_SHA2_256 PrfTransformId = 5
	PRF_HMAC_SHA2_384 PrfTransformId = 6
	PRF_HMAC_SHA2_512 PrfTransformId = 7
)

type AuthTransformId uint16

const (
	AUTH_NONE              AuthTransformId = 0
	AUTH_HMAC_MD5_96       AuthTransformId = 1
	AUTH_HMAC_SHA1_96      AuthTransformId = 2
	AUTH_HMAC_SHA2_256_128 AuthTransformId = 12
	AUTH_HMAC_SHA2_384_192 AuthTransformId = 13
	AUTH_HMAC_SHA2_512_256 AuthTransformId = 14
)

type DhTransformId uint16

const (
	MODP_NONE DhTransformId = 0
	MODP_768  DhTransformId = 1
	MODP_1024 DhTransformId = 2
	MODP_1536 DhTransformId = 5
	MODP_2048 DhTransformId = 14
	MODP_3072 DhTransformId = 15
	MODP_4096 DhTransformId = 16
	MODP_6144 DhTransformId = 17
	MODP_8192 DhTransformId = 18
)

type EsnTransformId uint16

const (
	ESN_NONE EsnTransformId = 0
	ESN      EsnTransformId = 1
)

// IkeHeader is the 28-byte fixed IKEv2 message header.
type IkeHeader struct {
	SpiI, SpiR                 Spi
	NextPayload                PayloadType
	MajorVersion, MinorVersion uint8
	ExchangeType               ExchangeType
	Flags                      Flags
	MsgId                      uint32
	MsgLength                  uint32
}

func DecodeIkeHeader(b []byte, logger log.Logger) (*IkeHeader, error) {
	if len(b) < IkeHeaderLen {
		level.Debug(logger).Log("msg", "header too short", "len", len(b))
		return nil, ErrInvalidSyntax
	}
	h := &IkeHeader{}
	copy(h.SpiI[:], b[0:8])
	copy(h.SpiR[:], b[8:16])
	h.NextPayload = PayloadType(b[16])
	h.MajorVersion = b[17] >> 4
	h.MinorVersion = b[17] & 0x0f
	h.ExchangeType = ExchangeType(b[18])
	h.Flags = Flags(b[19])
	h.MsgId = binary.BigEndian.Uint32(b[20:24])
	h.MsgLength = binary.BigEndian.Uint32(b[24:28])
	if h.MsgLength < IkeHeaderLen || int(h.MsgLength) != len(b) {
		level.Debug(logger).Log("msg", "bad message length", "declared", h.MsgLength, "actual", len(b))
		return nil, ErrInvalidSyntax
	}
	return h, nil
}

func (h *IkeHeader) Encode() []byte {
	b := make([]byte, IkeHeaderLen)
	copy(b[0:8], h.SpiI[:])
	copy(b[8:16], h.SpiR[:])
	b[16] = uint8(h.NextPayload)
	b[17] = h.MajorVersion<<4 | h.MinorVersion
	b[18] = uint8(h.ExchangeType)
	b[19] = uint8(h.Flags)
	binary.BigEndian.PutUint32(b[20:24], h.MsgId)
	binary.BigEndian.PutUint32(b[24:28], h.MsgLength)
	return b
}
