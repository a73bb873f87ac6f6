package protocol

import (
	"net"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// CipherContext encrypts/decrypts and authenticates the Encrypted (SK)
// payload body. Implemented by crypto.CipherSuite against one
// direction's keys; kept as an interface here so the codec never
// imports the crypto package.
type CipherContext interface {
	// Decrypt authenticates and decrypts an SK payload body (IV +
	// ciphertext + padding + pad-length + ICV), returning the
	// plaintext payload chain.
	Decrypt(body []byte) ([]byte, error)
	// Encrypt pads, encrypts, and authenticates a plaintext payload
	// chain into an SK payload body.
	Encrypt(plain []byte) ([]byte, error)
}

// Payloads is an ordered, type-indexed collection of decoded payloads.
type Payloads struct {
	Array []Payload
	ByType map[PayloadType][]Payload
}

func newPayloads() *Payloads {
	return &Payloads{ByType: make(map[PayloadType][]Payload)}
}

func (p *Payloads) add(pl Payload) {
	p.Array = append(p.Array, pl)
	p.ByType[pl.Type()] = append(p.ByType[pl.Type()], pl)
}

// Get returns the first payload of the given type, or nil.
func (p *Payloads) Get(t PayloadType) Payload {
	if l := p.ByType[t]; len(l) > 0 {
		return l[0]
	}
	return nil
}

// GetAll returns every payload of the given type.
func (p *Payloads) GetAll(t PayloadType) []Payload {
	return p.ByType[t]
}

// Message is a fully decoded IKEv2 datagram.
type Message struct {
	IkeHeader  *IkeHeader
	Payloads   *Payloads
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

func newPayloadBody(t PayloadType) Payload {
	switch t {
	case PayloadTypeSA:
		return &SaPayload{}
	case PayloadTypeKE:
		return &KePayload{}
	case PayloadTypeIDi:
		return &IdPayload{payloadType: PayloadTypeIDi}
	case PayloadTypeIDr:
		return &IdPayload{payloadType: PayloadTypeIDr}
	case PayloadTypeAUTH:
		return &AuthPayload{}
	case PayloadTypeNonce:
		return &NoncePayload{}
	case PayloadTypeN:
		return &NotifyPayload{}
	case PayloadTypeD:
		return &DeletePayload{}
	case PayloadTypeTSi:
		return &TrafficSelectorPayload{payloadType: PayloadTypeTSi}
	case PayloadTypeTSr:
		return &TrafficSelectorPayload{payloadType: PayloadTypeTSr}
	default:
		return newOpaquePayload(t)
	}
}

// decodePayloadChain walks a chain of generic-payload-header-prefixed
// payloads starting with first, stopping at the payload whose header
// names no next payload.
func decodePayloadChain(first PayloadType, b []byte) (*Payloads, error) {
	pls := newPayloads()
	next := first
	for next != PayloadTypeNone {
		hdr, err := decodePayloadHeader(b)
		if err != nil {
			return nil, err
		}
		if int(hdr.PayloadLength) < PayloadHeaderLength || int(hdr.PayloadLength) > len(b) {
			return nil, ErrInvalidSyntax
		}
		body := b[PayloadHeaderLength:hdr.PayloadLength]
		pl := newPayloadBody(next)
		if err := pl.Decode(body); err != nil {
			return nil, err
		}
		pls.add(pl)
		b = b[hdr.PayloadLength:]
		next = hdr.NextPayload
	}
	return pls, nil
}

// DecodeHeader parses just the fixed 28-byte header, used by the
// dispatcher to route a datagram before full decode/decrypt.
func DecodeHeader(b []byte, logger log.Logger) (*IkeHeader, error) {
	return DecodeIkeHeader(b, logger)
}

// Decode fully parses an IKEv2 datagram. ctx is required whenever the
// payload chain contains an Encrypted (SK) payload (i.e. every
// exchange but IKE_SA_INIT); pass nil only when certain none is present.
func Decode(b []byte, ctx CipherContext, logger log.Logger) (*Message, error) {
	h, err := DecodeIkeHeader(b, logger)
	if err != nil {
		return nil, err
	}
	rest := b[IkeHeaderLen:]
	if h.NextPayload != PayloadTypeSK {
		pls, err := decodePayloadChain(h.NextPayload, rest)
		if err != nil {
			return nil, err
		}
		return &Message{IkeHeader: h, Payloads: pls}, nil
	}
	hdr, err := decodePayloadHeader(rest)
	if err != nil {
		return nil, err
	}
	if int(hdr.PayloadLength) > len(rest) {
		return nil, ErrInvalidSyntax
	}
	if ctx == nil {
		return nil, errors.New("encrypted payload present but no cipher context given")
	}
	skBody := rest[PayloadHeaderLength:hdr.PayloadLength]
	plain, err := ctx.Decrypt(skBody)
	if err != nil {
		return nil, err
	}
	pls, err := decodePayloadChain(hdr.NextPayload, plain)
	if err != nil {
		return nil, err
	}
	return &Message{IkeHeader: h, Payloads: pls}, nil
}

// Encode serializes the message, wrapping every payload after the
// header in an Encrypted (SK) payload when ctx is non-nil.
func Encode(h *IkeHeader, pls []Payload, ctx CipherContext) ([]byte, error) {
	if ctx == nil {
		body, first := encodeChain(pls)
		h.NextPayload = first
		h.MsgLength = uint32(IkeHeaderLen + len(body))
		return append(h.Encode(), body...), nil
	}
	inner, first := encodeChain(pls)
	skBody, err := ctx.Encrypt(inner)
	if err != nil {
		return nil, err
	}
	// The SK payload's own generic header carries the type of the
	// first payload inside the encrypted chain, per RFC 7296 section 3.14.
	skHeader := encodePayloadHeader(first, len(skBody))
	h.NextPayload = PayloadTypeSK
	h.MsgLength = uint32(IkeHeaderLen + len(skHeader) + len(skBody))
	out := h.Encode()
	out = append(out, skHeader...)
	out = append(out, skBody...)
	return out, nil
}

// encodeChain encodes an ordered slice of payloads, wiring up each
// one's NextPayload field, and returns the type of the first payload
// (PayloadTypeNone if pls is empty).
func encodeChain(pls []Payload) ([]byte, PayloadType) {
	if len(pls) == 0 {
		return nil, PayloadTypeNone
	}
	var out []byte
	for i, pl := range pls {
		next := PayloadType(PayloadTypeNone)
		if i < len(pls)-1 {
			next = pls[i+1].Type()
		}
		body := pl.Encode()
		out = append(out, encodePayloadHeader(next, len(body))...)
		out = append(out, body...)
	}
	return out, pls[0].Type()
}
