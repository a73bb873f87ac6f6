package protocol

import (
	"bytes"
	"net"
	"testing"

	"github.com/go-kit/kit/log"
)

func testLogger() log.Logger { return log.NewNopLogger() }

func sampleHeader(next PayloadType, ex ExchangeType, flags Flags, msgId uint32) *IkeHeader {
	h := &IkeHeader{
		NextPayload:  next,
		MajorVersion: Ikev2MajorVersion,
		MinorVersion: Ikev2MinorVersion,
		ExchangeType: ex,
		Flags:        flags,
		MsgId:        msgId,
	}
	copy(h.SpiI[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(h.SpiR[:], []byte{8, 7, 6, 5, 4, 3, 2, 1})
	return h
}

func TestIkeHeaderRoundTrip(t *testing.T) {
	h := sampleHeader(PayloadTypeSA, IKE_SA_INIT, FlagInitiator, 0)
	h.MsgLength = IkeHeaderLen
	b := h.Encode()
	got, err := DecodeIkeHeader(b, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got.SpiI != h.SpiI || got.SpiR != h.SpiR || got.ExchangeType != h.ExchangeType ||
		got.Flags != h.Flags || got.MsgId != h.MsgId || got.NextPayload != h.NextPayload {
		t.Errorf("header round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeIkeHeaderRejectsLengthMismatch(t *testing.T) {
	h := sampleHeader(PayloadTypeSA, IKE_SA_INIT, FlagInitiator, 0)
	h.MsgLength = IkeHeaderLen
	b := h.Encode()
	b = append(b, 0, 0, 0) // declared length no longer matches buffer
	if _, err := DecodeIkeHeader(b, testLogger()); err == nil {
		t.Error("expected an error for a message-length/buffer-length mismatch")
	}
}

func TestDecodeIkeHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeIkeHeader(make([]byte, IkeHeaderLen-1), testLogger()); err == nil {
		t.Error("expected an error for a too-short header")
	}
}

func TestMessagePlaintextRoundTrip(t *testing.T) {
	h := sampleHeader(PayloadTypeNone, IKE_SA_INIT, FlagInitiator, 0)
	sa := &SaPayload{Proposals: []*SaProposal{
		ProposalFromTransforms(PROTO_IKE, []byte{1, 2, 3, 4, 5, 6, 7, 8}, IKE_AES256_CBC_SHA256_DH2048),
	}}
	ke := &KePayload{DhTransformId: MODP_2048, KeyData: bytes.Repeat([]byte{0x42}, 256)}
	nonce := &NoncePayload{Nonce: bytes.Repeat([]byte{0x24}, 32)}

	b, err := Encode(h, []Payload{sa, ke, nonce}, nil)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := Decode(b, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	gotSa, ok := msg.Payloads.Get(PayloadTypeSA).(*SaPayload)
	if !ok {
		t.Fatal("decoded SA payload missing or wrong type")
	}
	if len(gotSa.Proposals) != 1 || len(gotSa.Proposals[0].Transforms) != 4 {
		t.Errorf("SA payload round trip mismatch: %+v", gotSa.Proposals)
	}

	gotKe, ok := msg.Payloads.Get(PayloadTypeKE).(*KePayload)
	if !ok {
		t.Fatal("decoded KE payload missing or wrong type")
	}
	if gotKe.DhTransformId != MODP_2048 || !bytes.Equal(gotKe.KeyData, ke.KeyData) {
		t.Errorf("KE payload round trip mismatch: %+v", gotKe)
	}

	gotNonce, ok := msg.Payloads.Get(PayloadTypeNonce).(*NoncePayload)
	if !ok {
		t.Fatal("decoded Nonce payload missing or wrong type")
	}
	if !bytes.Equal(gotNonce.Nonce, nonce.Nonce) {
		t.Errorf("Nonce payload round trip mismatch")
	}
}

// fakeCipherContext is a no-op stand-in for crypto.CipherSuite so the
// codec's SK-wrapping path can be tested without importing crypto
// (which would create an import cycle with this package).
type fakeCipherContext struct{}

func (fakeCipherContext) Encrypt(plain []byte) ([]byte, error) { return append([]byte{0xFF}, plain...), nil }
func (fakeCipherContext) Decrypt(body []byte) ([]byte, error) {
	if len(body) == 0 || body[0] != 0xFF {
		return nil, ErrInvalidSyntax
	}
	return body[1:], nil
}

func TestMessageEncryptedRoundTrip(t *testing.T) {
	h := sampleHeader(PayloadTypeNone, IKE_AUTH, FlagInitiator, 1)
	idi := NewIdPayload(true, ID_FQDN, []byte("initiator.example.com"))
	auth := &AuthPayload{Method: AUTH_SHARED_KEY_MIC, Data: bytes.Repeat([]byte{0x11}, 32)}

	ctx := fakeCipherContext{}
	b, err := Encode(h, []Payload{idi, auth}, ctx)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := Decode(b, ctx, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	gotIdi, ok := msg.Payloads.Get(PayloadTypeIDi).(*IdPayload)
	if !ok || gotIdi.IdType != ID_FQDN || !bytes.Equal(gotIdi.Data, idi.Data) {
		t.Errorf("IDi payload round trip mismatch: %+v", gotIdi)
	}
	gotAuth, ok := msg.Payloads.Get(PayloadTypeAUTH).(*AuthPayload)
	if !ok || gotAuth.Method != AUTH_SHARED_KEY_MIC || !bytes.Equal(gotAuth.Data, auth.Data) {
		t.Errorf("AUTH payload round trip mismatch: %+v", gotAuth)
	}
}

func TestDecodeEncryptedWithoutCipherContextFails(t *testing.T) {
	h := sampleHeader(PayloadTypeNone, IKE_AUTH, FlagInitiator, 1)
	ctx := fakeCipherContext{}
	b, err := Encode(h, []Payload{&AuthPayload{Method: AUTH_SHARED_KEY_MIC}}, ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(b, nil, testLogger()); err == nil {
		t.Error("expected an error decoding an SK-wrapped message with no cipher context")
	}
}

func TestTrafficSelectorRoundTrip(t *testing.T) {
	sel := &Selector{
		Type:         TS_IPV4_ADDR_RANGE,
		IpProtocolId: 0,
		StartPort:    0,
		EndPort:      65535,
		StartAddress: net.ParseIP("10.0.0.0").To4(),
		EndAddress:   net.ParseIP("10.0.0.255").To4(),
	}
	ts := NewTrafficSelectorPayload(true, []*Selector{sel})
	encoded := ts.Encode()

	got := &TrafficSelectorPayload{payloadType: PayloadTypeTSi}
	if err := got.Decode(encoded); err != nil {
		t.Fatal(err)
	}
	if len(got.Selectors) != 1 {
		t.Fatalf("expected 1 selector, got %d", len(got.Selectors))
	}
	if !got.Selectors[0].StartAddress.Equal(sel.StartAddress) || !got.Selectors[0].EndAddress.Equal(sel.EndAddress) {
		t.Errorf("selector address round trip mismatch: %+v", got.Selectors[0])
	}
	if got.Selectors[0].EndPort != sel.EndPort {
		t.Errorf("selector port round trip mismatch: got %d, want %d", got.Selectors[0].EndPort, sel.EndPort)
	}
}

func TestDeletePayloadRoundTrip(t *testing.T) {
	del := &DeletePayload{
		ProtocolId: PROTO_ESP,
		SpiSize:    4,
		Spis:       [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}},
	}
	got := &DeletePayload{}
	if err := got.Decode(del.Encode()); err != nil {
		t.Fatal(err)
	}
	if got.ProtocolId != del.ProtocolId || got.SpiSize != del.SpiSize || len(got.Spis) != 2 {
		t.Errorf("delete payload round trip mismatch: %+v", got)
	}
	if !bytes.Equal(got.Spis[0], del.Spis[0]) || !bytes.Equal(got.Spis[1], del.Spis[1]) {
		t.Errorf("delete payload SPI round trip mismatch: %+v", got.Spis)
	}
}

func TestNotifyPayloadRoundTrip(t *testing.T) {
	n := &NotifyPayload{
		ProtocolId:       PROTO_ESP,
		NotificationType: CHILD_SA_NOT_FOUND,
		Spi:              []byte{9, 9, 9, 9},
		Data:             nil,
	}
	got := &NotifyPayload{}
	if err := got.Decode(n.Encode()); err != nil {
		t.Fatal(err)
	}
	if got.ProtocolId != n.ProtocolId || got.NotificationType != n.NotificationType || !bytes.Equal(got.Spi, n.Spi) {
		t.Errorf("notify payload round trip mismatch: %+v", got)
	}
}
