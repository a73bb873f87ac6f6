package protocol

import (
	"encoding/binary"
	"net"
)

const (
	minLenAttribute       = 4
	minLenTransform       = 8
	minLenProposal        = 8
	minLenSelector        = 8
	minLenTrafficSelector = 4
	attributeTypeKeyLength uint16 = 14
)

// PayloadHeader is the 4-byte generic payload header prefixing every
// payload substructure.
type PayloadHeader struct {
	NextPayload   PayloadType
	IsCritical    bool
	PayloadLength uint16
}

func (h *PayloadHeader) NextPayloadType() PayloadType { return h.NextPayload }

func encodePayloadHeader(pt PayloadType, bodyLen int) []byte {
	b := make([]byte, PayloadHeaderLength)
	b[0] = uint8(pt)
	binary.BigEndian.PutUint16(b[2:4], uint16(bodyLen+PayloadHeaderLength))
	return b
}

func decodePayloadHeader(b []byte) (*PayloadHeader, error) {
	if len(b) < PayloadHeaderLength {
		return nil, ErrInvalidSyntax
	}
	h := &PayloadHeader{NextPayload: PayloadType(b[0])}
	if b[1]&0x80 != 0 {
		h.IsCritical = true
	}
	h.PayloadLength = binary.BigEndian.Uint16(b[2:4])
	return h, nil
}

// Payload is any IKEv2 payload body (header stripped, handled by the
// Message codec).
type Payload interface {
	Type() PayloadType
	Encode() []byte
	Decode([]byte) error
}

// --- SA / proposal / transform ---

// SaTransform is one Transform substructure of a proposal.
type SaTransform struct {
	Type        TransformType
	TransformId uint16
	KeyLength   uint16 // bits; 0 when not applicable
	isLast      bool
}

func (t *SaTransform) Equal(other *SaTransform) bool {
	if t == nil || other == nil {
		return false
	}
	return t.Type == other.Type && t.TransformId == other.TransformId && t.KeyLength == other.KeyLength
}

func decodeTransform(b []byte) (*SaTransform, int, error) {
	if len(b) < minLenTransform {
		return nil, 0, ErrInvalidSyntax
	}
	trLen := int(binary.BigEndian.Uint16(b[2:4]))
	if trLen < minLenTransform || trLen > len(b) {
		return nil, 0, ErrInvalidSyntax
	}
	tr := &SaTransform{
		isLast:      b[0] == 0,
		Type:        TransformType(b[4]),
		TransformId: binary.BigEndian.Uint16(b[6:8]),
	}
	rest := b[minLenTransform:trLen]
	for len(rest) > 0 {
		if len(rest) < minLenAttribute {
			return nil, 0, ErrInvalidSyntax
		}
		at := binary.BigEndian.Uint16(rest[0:2]) &^ 0x8000
		alen := binary.BigEndian.Uint16(rest[2:4])
		if at == attributeTypeKeyLength {
			tr.KeyLength = alen
		}
		rest = rest[minLenAttribute:]
	}
	return tr, trLen, nil
}

func encodeTransform(tr *SaTransform, isLast bool) []byte {
	b := make([]byte, minLenTransform)
	if !isLast {
		b[0] = 3
	}
	b[4] = uint8(tr.Type)
	binary.BigEndian.PutUint16(b[6:8], tr.TransformId)
	if tr.KeyLength != 0 {
		attr := make([]byte, minLenAttribute)
		binary.BigEndian.PutUint16(attr[0:2], 0x8000|attributeTypeKeyLength)
		binary.BigEndian.PutUint16(attr[2:4], tr.KeyLength)
		b = append(b, attr...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// SaProposal is one Proposal substructure: a protocol and its ordered
// transforms, grouped by TransformType.
type SaProposal struct {
	Number     uint8
	ProtocolId ProtocolId
	Spi        []byte
	Transforms []*SaTransform
}

// TransformsOfType returns every transform of a given type, in wire order.
func (p *SaProposal) TransformsOfType(t TransformType) []*SaTransform {
	var out []*SaTransform
	for _, tr := range p.Transforms {
		if tr.Type == t {
			out = append(out, tr)
		}
	}
	return out
}

func decodeProposal(b []byte) (*SaProposal, int, error) {
	if len(b) < minLenProposal {
		return nil, 0, ErrInvalidSyntax
	}
	isLast := b[0] == 0
	propLen := int(binary.BigEndian.Uint16(b[2:4]))
	if propLen < minLenProposal || propLen > len(b) {
		return nil, 0, ErrInvalidSyntax
	}
	prop := &SaProposal{
		Number:     b[4],
		ProtocolId: ProtocolId(b[5]),
	}
	spiSize := int(b[6])
	numTransforms := int(b[7])
	if minLenProposal+spiSize > propLen {
		return nil, 0, ErrInvalidSyntax
	}
	prop.Spi = append([]byte{}, b[minLenProposal:minLenProposal+spiSize]...)
	rest := b[minLenProposal+spiSize : propLen]
	for len(rest) > 0 {
		tr, used, err := decodeTransform(rest)
		if err != nil {
			return nil, 0, err
		}
		prop.Transforms = append(prop.Transforms, tr)
		rest = rest[used:]
		if tr.isLast {
			break
		}
	}
	if len(prop.Transforms) != numTransforms {
		return nil, 0, ErrInvalidSyntax
	}
	_ = isLast
	return prop, propLen, nil
}

func encodeProposal(prop *SaProposal, isLast bool) []byte {
	b := make([]byte, minLenProposal)
	if !isLast {
		b[0] = 2
	}
	b[4] = prop.Number
	b[5] = uint8(prop.ProtocolId)
	b[6] = uint8(len(prop.Spi))
	b[7] = uint8(len(prop.Transforms))
	b = append(b, prop.Spi...)
	for i, tr := range prop.Transforms {
		b = append(b, encodeTransform(tr, i == len(prop.Transforms)-1)...)
	}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

type SaPayload struct {
	Proposals []*SaProposal
}

func (s *SaPayload) Type() PayloadType { return PayloadTypeSA }

func (s *SaPayload) Encode() []byte {
	var b []byte
	for i, p := range s.Proposals {
		b = append(b, encodeProposal(p, i == len(s.Proposals)-1)...)
	}
	return b
}

func (s *SaPayload) Decode(b []byte) error {
	for len(b) > 0 {
		p, used, err := decodeProposal(b)
		if err != nil {
			return err
		}
		s.Proposals = append(s.Proposals, p)
		b = b[used:]
	}
	return nil
}

// --- Key Exchange ---

type KePayload struct {
	DhTransformId DhTransformId
	KeyData       []byte
}

func (s *KePayload) Type() PayloadType { return PayloadTypeKE }

func (s *KePayload) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], uint16(s.DhTransformId))
	return append(b, s.KeyData...)
}

func (s *KePayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrInvalidSyntax
	}
	s.DhTransformId = DhTransformId(binary.BigEndian.Uint16(b[0:2]))
	s.KeyData = append([]byte{}, b[4:]...)
	return nil
}

// --- Identification ---

type IdType uint8

const (
	ID_IPV4_ADDR   IdType = 1
	ID_FQDN        IdType = 2
	ID_RFC822_ADDR IdType = 3
	ID_IPV6_ADDR   IdType = 5
	ID_KEY_ID      IdType = 11
)

type IdPayload struct {
	payloadType PayloadType // PayloadTypeIDi or PayloadTypeIDr
	IdType      IdType
	Data        []byte
}

func NewIdPayload(initiator bool, idType IdType, data []byte) *IdPayload {
	pt := PayloadTypeIDr
	if initiator {
		pt = PayloadTypeIDi
	}
	return &IdPayload{payloadType: pt, IdType: idType, Data: data}
}

func (s *IdPayload) Type() PayloadType { return s.payloadType }

func (s *IdPayload) Encode() []byte {
	b := []byte{uint8(s.IdType), 0, 0, 0}
	return append(b, s.Data...)
}

func (s *IdPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrInvalidSyntax
	}
	s.IdType = IdType(b[0])
	s.Data = append([]byte{}, b[4:]...)
	return nil
}

// --- Auth ---

type AuthMethod uint8

const (
	AUTH_RSA_DIGITAL_SIGNATURE AuthMethod = 1
	AUTH_SHARED_KEY_MIC        AuthMethod = 2
)

type AuthPayload struct {
	Method AuthMethod
	Data   []byte
}

func (s *AuthPayload) Type() PayloadType { return PayloadTypeAUTH }

func (s *AuthPayload) Encode() []byte {
	b := []byte{uint8(s.Method), 0, 0, 0}
	return append(b, s.Data...)
}

func (s *AuthPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrInvalidSyntax
	}
	s.Method = AuthMethod(b[0])
	s.Data = append([]byte{}, b[4:]...)
	return nil
}

// --- Nonce ---

type NoncePayload struct {
	Nonce []byte
}

func (s *NoncePayload) Type() PayloadType { return PayloadTypeNonce }
func (s *NoncePayload) Encode() []byte    { return s.Nonce }
func (s *NoncePayload) Decode(b []byte) error {
	if len(b) < 16 || len(b) > 256 {
		return ErrInvalidSyntax
	}
	s.Nonce = append([]byte{}, b...)
	return nil
}

// --- Notify ---

type NotifyPayload struct {
	ProtocolId       ProtocolId
	NotificationType NotificationType
	Spi              []byte
	Data             []byte
}

func (s *NotifyPayload) Type() PayloadType { return PayloadTypeN }

func (s *NotifyPayload) Encode() []byte {
	b := []byte{uint8(s.ProtocolId), uint8(len(s.Spi)), 0, 0}
	binary.BigEndian.PutUint16(b[2:4], uint16(s.NotificationType))
	b = append(b, s.Spi...)
	b = append(b, s.Data...)
	return b
}

func (s *NotifyPayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrInvalidSyntax
	}
	s.ProtocolId = ProtocolId(b[0])
	spiLen := int(b[1])
	if len(b) < 4+spiLen {
		return ErrInvalidSyntax
	}
	s.NotificationType = NotificationType(binary.BigEndian.Uint16(b[2:4]))
	s.Spi = append([]byte{}, b[4:4+spiLen]...)
	s.Data = append([]byte{}, b[4+spiLen:]...)
	return nil
}

// --- Delete ---

type DeletePayload struct {
	ProtocolId ProtocolId
	SpiSize    uint8
	Spis       [][]byte
}

func (s *DeletePayload) Type() PayloadType { return PayloadTypeD }

func (s *DeletePayload) Encode() []byte {
	b := []byte{uint8(s.ProtocolId), s.SpiSize, 0, 0}
	binary.BigEndian.PutUint16(b[2:4], uint16(len(s.Spis)))
	for _, spi := range s.Spis {
		b = append(b, spi...)
	}
	return b
}

func (s *DeletePayload) Decode(b []byte) error {
	if len(b) < 4 {
		return ErrInvalidSyntax
	}
	s.ProtocolId = ProtocolId(b[0])
	s.SpiSize = b[1]
	numSpis := int(binary.BigEndian.Uint16(b[2:4]))
	rest := b[4:]
	if len(rest) != numSpis*int(s.SpiSize) {
		return ErrInvalidSyntax
	}
	for i := 0; i < numSpis; i++ {
		s.Spis = append(s.Spis, append([]byte{}, rest[i*int(s.SpiSize):(i+1)*int(s.SpiSize)]...))
	}
	return nil
}

// --- Traffic Selectors ---

type SelectorType uint8

const (
	TS_IPV4_ADDR_RANGE SelectorType = 7
	TS_IPV6_ADDR_RANGE SelectorType = 8
)

type Selector struct {
	Type                     SelectorType
	IpProtocolId             uint8
	StartPort, EndPort       uint16
	StartAddress, EndAddress net.IP
}

func decodeSelector(b []byte) (*Selector, int, error) {
	if len(b) < minLenSelector {
		return nil, 0, ErrInvalidSyntax
	}
	stype := SelectorType(b[0])
	slen := int(binary.BigEndian.Uint16(b[2:4]))
	if slen > len(b) {
		return nil, 0, ErrInvalidSyntax
	}
	iplen := net.IPv4len
	if stype == TS_IPV6_ADDR_RANGE {
		iplen = net.IPv6len
	}
	if slen != minLenSelector+2*iplen {
		return nil, 0, ErrInvalidSyntax
	}
	sel := &Selector{
		Type:         stype,
		IpProtocolId: b[1],
		StartPort:    binary.BigEndian.Uint16(b[4:6]),
		EndPort:      binary.BigEndian.Uint16(b[6:8]),
		StartAddress: append(net.IP{}, b[8:8+iplen]...),
		EndAddress:   append(net.IP{}, b[8+iplen:8+2*iplen]...),
	}
	return sel, slen, nil
}

func encodeSelector(sel *Selector) []byte {
	var start, end []byte
	if sel.Type == TS_IPV6_ADDR_RANGE {
		start, end = sel.StartAddress.To16(), sel.EndAddress.To16()
	} else {
		start, end = sel.StartAddress.To4(), sel.EndAddress.To4()
	}
	b := make([]byte, minLenSelector)
	b[0] = uint8(sel.Type)
	b[1] = sel.IpProtocolId
	binary.BigEndian.PutUint16(b[4:6], sel.StartPort)
	binary.BigEndian.PutUint16(b[6:8], sel.EndPort)
	b = append(b, start...)
	b = append(b, end...)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

type TrafficSelectorPayload struct {
	payloadType PayloadType // PayloadTypeTSi or PayloadTypeTSr
	Selectors   []*Selector
}

func NewTrafficSelectorPayload(initiator bool, selectors []*Selector) *TrafficSelectorPayload {
	pt := PayloadTypeTSr
	if initiator {
		pt = PayloadTypeTSi
	}
	return &TrafficSelectorPayload{payloadType: pt, Selectors: selectors}
}

func (s *TrafficSelectorPayload) Type() PayloadType { return s.payloadType }

func (s *TrafficSelectorPayload) Encode() []byte {
	b := []byte{uint8(len(s.Selectors)), 0, 0, 0}
	for _, sel := range s.Selectors {
		b = append(b, encodeSelector(sel)...)
	}
	return b
}

func (s *TrafficSelectorPayload) Decode(b []byte) error {
	if len(b) < minLenTrafficSelector {
		return ErrInvalidSyntax
	}
	numSel := int(b[0])
	rest := b[4:]
	for len(rest) > 0 {
		sel, used, err := decodeSelector(rest)
		if err != nil {
			return err
		}
		s.Selectors = append(s.Selectors, sel)
		rest = rest[used:]
	}
	if len(s.Selectors) != numSel {
		return ErrInvalidSyntax
	}
	return nil
}

// --- Recognize-only stubs: round-trip safety for payloads this spec
// never acts on (certificate auth and EAP are explicit Non-goals). ---

type opaquePayload struct {
	t    PayloadType
	body []byte
}

func (s *opaquePayload) Type() PayloadType  { return s.t }
func (s *opaquePayload) Encode() []byte     { return s.body }
func (s *opaquePayload) Decode(b []byte) error {
	s.body = append([]byte{}, b...)
	return nil
}

func newOpaquePayload(t PayloadType) Payload { return &opaquePayload{t: t} }
