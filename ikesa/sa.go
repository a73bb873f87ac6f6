package ikesa

import (
	"crypto/rand"
	"math/big"
	"net"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/aterrichi/ikedaemon/config"
	ikecrypto "github.com/aterrichi/ikedaemon/crypto"
	"github.com/aterrichi/ikedaemon/kernel"
	"github.com/aterrichi/ikedaemon/protocol"
)

// MaxRetransmissions bounds how many times an unacknowledged request
// is resent before the IkeSa gives up and moves to DELETED.
const MaxRetransmissions = 4

const retransmitBackoff = 2 * time.Second

// PendingRequest is the last request this IkeSa sent as initiator and
// has not yet received a matching response for.
type PendingRequest struct {
	Bytes []byte
	MsgId uint32
}

// PendingResponse is the last response this IkeSa sent as responder,
// kept so a retransmitted request (message_id == peer_msg_id-1) can be
// answered with the identical bytes rather than re-run.
type PendingResponse struct {
	Bytes []byte
	MsgId uint32
}

// AcquireTrigger is a deferred process_acquire call, queued while the
// IkeSa cannot originate a new exchange.
type AcquireTrigger struct {
	Tsi, Tsr    []*protocol.Selector
	PolicyIndex uint32
}

// ExpireTrigger is a deferred process_expire call.
type ExpireTrigger struct {
	InboundSpi uint32
	Hard       bool
}

// pendingChildNegotiation carries state across the request/response
// halves of a CREATE_CHILD_SA or IKE_AUTH exchange this IkeSa
// initiated, since both halves run inside one IkeSa value.
type pendingChildNegotiation struct {
	proto              protocol.ProtocolId
	mySpi              uint32
	localTsi, localTsr []*protocol.Selector
	dhGroup            *ikecrypto.DhGroup
	dhPriv             *big.Int
	isRekeyIke         bool
	rekeyOf            *ChildSA

	// localNonce is the NONCE this side sent with a CREATE_CHILD_SA
	// request, kept for the section 4.1.8 collision nonce comparison.
	localNonce []byte
	// collidingPeerNonce is set when an inbound request collided with
	// this negotiation, holding the peer's nonce for that comparison.
	collidingPeerNonce []byte
	// newSpi is this side's freshly generated IKE SPI proposed for a
	// rekey-IKE exchange.
	newSpi protocol.Spi
}

// IkeSa is the per-association IKEv2 state machine (C7).
type IkeSa struct {
	IsInitiator bool
	LocalAddr, PeerAddr net.Addr

	Config *config.IkeConfiguration
	Kernel kernel.Interface
	Logger log.Logger

	State State

	MySpi, PeerSpi protocol.Spi
	MyMsgId, PeerMsgId uint32

	RequestInFlight  *PendingRequest
	LastResponseSent *PendingResponse

	MyCrypto, PeerCrypto *ikecrypto.KeySet
	MyNonce, PeerNonce   []byte
	skD                  []byte

	ChildSAs []*ChildSA

	AcquireQueue []AcquireTrigger
	ExpireQueue  []ExpireTrigger

	RetransmitAt   *time.Time
	StartDpdAt     *time.Time
	RekeyIkeSaAt   *time.Time
	DeleteIkeSaAt  *time.Time
	RetransmitCount int

	NewIkeSA        *IkeSa
	RekeyingChildSA *ChildSA

	// dhGroup/dhPriv hold the ephemeral DH state generated for the
	// IKE_SA_INIT request this IkeSa sent, needed again once the
	// response arrives to compute g^ir.
	dhGroup *ikecrypto.DhGroup
	dhPriv  *big.Int

	// initReqBytes/initResBytes are the raw IKE_SA_INIT request/response
	// datagrams, kept on both sides to compute/verify the IKE_AUTH
	// AUTH payload's SignedOctets (RFC 7296 section 2.15).
	initReqBytes, initResBytes []byte

	pendingChild *pendingChildNegotiation

	now func() time.Time
}

func (sa *IkeSa) clock() time.Time {
	if sa.now != nil {
		return sa.now()
	}
	return time.Now()
}

// NewInitiator creates an IkeSa that will originate IKE_SA_INIT.
func NewInitiator(cfg *config.IkeConfiguration, k kernel.Interface, localAddr, peerAddr net.Addr, logger log.Logger) (*IkeSa, error) {
	spi, err := randomSpi()
	if err != nil {
		return nil, err
	}
	return &IkeSa{
		IsInitiator: true,
		LocalAddr:   localAddr,
		PeerAddr:    peerAddr,
		Config:      cfg,
		Kernel:      k,
		Logger:      logger,
		State:       INITIAL,
		MySpi:       spi,
	}, nil
}

// NewResponder creates an IkeSa that will respond to an inbound
// IKE_SA_INIT request carrying the peer's SPI.
func NewResponder(cfg *config.IkeConfiguration, k kernel.Interface, localAddr, peerAddr net.Addr, peerSpi protocol.Spi, logger log.Logger) (*IkeSa, error) {
	spi, err := randomSpi()
	if err != nil {
		return nil, err
	}
	return &IkeSa{
		IsInitiator: false,
		LocalAddr:   localAddr,
		PeerAddr:    peerAddr,
		Config:      cfg,
		Kernel:      k,
		Logger:      logger,
		State:       INITIAL,
		MySpi:       spi,
		PeerSpi:     peerSpi,
	}, nil
}

func randomSpi() (protocol.Spi, error) {
	var spi protocol.Spi
	for {
		if _, err := rand.Read(spi[:]); err != nil {
			return spi, err
		}
		if !spi.IsZero() {
			return spi, nil
		}
	}
}

func freshNonce() ([]byte, error) {
	n := make([]byte, 32)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// spiPair returns (initiator, responder) SPIs in wire order regardless
// of this IkeSa's own role.
func (sa *IkeSa) spiPair() (i, r protocol.Spi) {
	if sa.IsInitiator {
		return sa.MySpi, sa.PeerSpi
	}
	return sa.PeerSpi, sa.MySpi
}

// nonceI/nonceR return the initiator's/responder's nonce regardless of
// this IkeSa's own role.
func (sa *IkeSa) nonceI() []byte {
	if sa.IsInitiator {
		return sa.MyNonce
	}
	return sa.PeerNonce
}

func (sa *IkeSa) nonceR() []byte {
	if sa.IsInitiator {
		return sa.PeerNonce
	}
	return sa.MyNonce
}

// deriveIkeKeys computes SKEYSEED and the seven IKE keys (C5) and
// binds MyCrypto/PeerCrypto according to this IkeSa's role.
func (sa *IkeSa) deriveIkeKeys(ike ikecrypto.Algorithms, sharedSecret []byte) error {
	spiI, spiR := sa.spiPair()
	keys, err := ikecrypto.DeriveIkeKeys(ike, ikecrypto.Algorithms{}, sa.nonceI(), sa.nonceR(), sharedSecret, spiI, spiR)
	if err != nil {
		return err
	}
	i2r, r2i, err := ikecrypto.DeriveKeySets(ike, keys, sa.Logger)
	if err != nil {
		return err
	}
	if sa.IsInitiator {
		sa.MyCrypto, sa.PeerCrypto = i2r, r2i
	} else {
		sa.MyCrypto, sa.PeerCrypto = r2i, i2r
	}
	sa.skD = keys.SkD
	return nil
}

// ikePrfId returns the IKE SA's negotiated PRF transform id, needed
// for child key derivation (PRF+(SK_d, ...)) after MyCrypto/PeerCrypto
// are bound.
func (sa *IkeSa) ikePrfId() uint16 {
	if sa.MyCrypto != nil {
		return sa.MyCrypto.PrfId
	}
	return sa.PeerCrypto.PrfId
}

// --- 4.1.1 entry points ---

// ProcessAcquire is the initiator-side trigger from the kernel policy
// plane (C8 Acquire event). Returns the outbound datagram to send, if
// any.
func (sa *IkeSa) ProcessAcquire(t AcquireTrigger) ([]byte, error) {
	if sa.State == DELETED {
		return nil, nil
	}
	// Queue behind an exchange already in flight as initiator (invariant
	// 1), the responder's own in-progress IKE_AUTH, or a superseded SA
	// awaiting its peer's rekey-follow-up delete.
	if sa.State.isExchangeInFlight() || sa.State == INIT_RES_SENT || sa.State == REKEYED {
		sa.AcquireQueue = append(sa.AcquireQueue, t)
		return nil, nil
	}
	if sa.State == INITIAL {
		return sa.startInitExchange()
	}
	return sa.startNewChildExchange(t)
}

// ProcessExpire is a lifetime event from the kernel plane: hard=true
// schedules a delete, hard=false schedules a rekey.
func (sa *IkeSa) ProcessExpire(t ExpireTrigger) ([]byte, error) {
	if sa.State == DELETED {
		return nil, nil
	}
	if !sa.hasChild(t.InboundSpi) {
		return nil, nil
	}
	if sa.State.isExchangeInFlight() || sa.State == INIT_RES_SENT || sa.State == REKEYED {
		sa.ExpireQueue = append(sa.ExpireQueue, t)
		return nil, nil
	}
	if t.Hard {
		return sa.startDeleteChildExchange(t.InboundSpi)
	}
	return sa.startRekeyChildExchange(t.InboundSpi)
}

// HasChild reports whether this IkeSa owns the Child SA identified by
// inboundSpi, letting the dispatcher route a kernel Expire event to
// the right association.
func (sa *IkeSa) HasChild(inboundSpi uint32) bool {
	return sa.hasChild(inboundSpi)
}

func (sa *IkeSa) hasChild(inboundSpi uint32) bool {
	for _, c := range sa.ChildSAs {
		if c.InboundSpi == inboundSpi {
			return true
		}
	}
	return false
}

func (sa *IkeSa) childBySpi(inboundSpi uint32) *ChildSA {
	for _, c := range sa.ChildSAs {
		if c.InboundSpi == inboundSpi {
			return c
		}
	}
	return nil
}

// drainQueues consumes the next queued trigger once the IkeSa returns
// to ESTABLISHED (4.1.10), synchronously producing a datagram.
func (sa *IkeSa) drainQueues() ([]byte, error) {
	if sa.State != ESTABLISHED {
		return nil, nil
	}
	if len(sa.ExpireQueue) > 0 {
		t := sa.ExpireQueue[0]
		sa.ExpireQueue = sa.ExpireQueue[1:]
		return sa.ProcessExpire(t)
	}
	if len(sa.AcquireQueue) > 0 {
		t := sa.AcquireQueue[0]
		sa.AcquireQueue = sa.AcquireQueue[1:]
		return sa.ProcessAcquire(t)
	}
	return nil, nil
}

// --- 4.1.2/4.1.3 inbound dispatch ---

// ProcessMessage is the unified inbound handler.
func (sa *IkeSa) ProcessMessage(raw []byte, from net.Addr) ([]byte, error) {
	if sa.State == DELETED {
		return nil, nil
	}
	h, err := protocol.DecodeHeader(raw, sa.Logger)
	if err != nil {
		level.Debug(sa.Logger).Log("msg", "drop: header decode error", "err", err)
		return nil, nil
	}
	if h.Flags.IsResponse() {
		return sa.handleInboundResponse(raw, h)
	}
	return sa.handleInboundRequest(raw, h, from)
}

func (sa *IkeSa) handleInboundRequest(raw []byte, h *protocol.IkeHeader, from net.Addr) ([]byte, error) {
	if h.MsgId == sa.PeerMsgId-1 && sa.LastResponseSent != nil && sa.LastResponseSent.MsgId == h.MsgId {
		return sa.LastResponseSent.Bytes, nil
	}
	if h.MsgId != sa.PeerMsgId {
		level.Debug(sa.Logger).Log("msg", "drop: unexpected request message id", "got", h.MsgId, "want", sa.PeerMsgId)
		return nil, nil
	}
	if h.Flags.IsInitiator() == sa.IsInitiator {
		level.Debug(sa.Logger).Log("msg", "drop: initiator flag matches our own role")
		return nil, nil
	}

	ctx := sa.decryptContext()
	msg, err := protocol.Decode(raw, ctx, sa.Logger)
	if err != nil {
		level.Debug(sa.Logger).Log("msg", "drop: decode/decrypt error", "err", err)
		return nil, nil
	}

	resp, err := sa.dispatchRequest(msg, raw)
	if err != nil {
		if ne, ok := err.(*protocol.NotifyError); ok {
			resp = sa.buildNotifyResponse(msg, ne)
		} else {
			level.Debug(sa.Logger).Log("msg", "drop: unhandled request", "err", err)
			return nil, nil
		}
	}
	if resp == nil {
		return nil, nil
	}
	sa.LastResponseSent = &PendingResponse{Bytes: resp, MsgId: h.MsgId}
	sa.PeerMsgId++
	sa.touchDpd()
	return resp, nil
}

func (sa *IkeSa) handleInboundResponse(raw []byte, h *protocol.IkeHeader) ([]byte, error) {
	if sa.RequestInFlight == nil || h.MsgId != sa.RequestInFlight.MsgId {
		level.Debug(sa.Logger).Log("msg", "drop: unexpected response message id")
		return nil, nil
	}
	ctx := sa.decryptContext()
	msg, err := protocol.Decode(raw, ctx, sa.Logger)
	if err != nil {
		level.Debug(sa.Logger).Log("msg", "drop: decode/decrypt error", "err", err)
		return nil, nil
	}

	sa.RequestInFlight = nil
	sa.MyMsgId++
	sa.RetransmitAt = nil
	sa.RetransmitCount = 0
	sa.touchDpd()

	out, err := sa.dispatchResponse(msg, raw)
	if err != nil {
		return nil, err
	}
	if out != nil {
		return out, nil
	}
	return sa.drainQueues()
}

func (sa *IkeSa) dispatchRequest(msg *protocol.Message, raw []byte) ([]byte, error) {
	switch msg.IkeHeader.ExchangeType {
	case protocol.IKE_SA_INIT:
		return sa.handleInitRequest(msg, raw)
	case protocol.IKE_AUTH:
		return sa.handleAuthRequest(msg)
	case protocol.CREATE_CHILD_SA:
		return sa.handleCreateChildRequest(msg)
	case protocol.INFORMATIONAL:
		return sa.handleInformationalRequest(msg)
	default:
		return nil, errors.Errorf("unrecognised exchange type %v for state %v", msg.IkeHeader.ExchangeType, sa.State)
	}
}

func (sa *IkeSa) dispatchResponse(msg *protocol.Message, raw []byte) ([]byte, error) {
	switch msg.IkeHeader.ExchangeType {
	case protocol.IKE_SA_INIT:
		return sa.handleInitResponse(msg, raw)
	case protocol.IKE_AUTH:
		return sa.handleAuthResponse(msg)
	case protocol.CREATE_CHILD_SA:
		return sa.handleCreateChildResponse(msg)
	case protocol.INFORMATIONAL:
		return sa.handleInformationalResponse(msg)
	default:
		return nil, errors.Errorf("unrecognised exchange type %v in response", msg.IkeHeader.ExchangeType)
	}
}

// decryptContext returns the CipherContext to decrypt an inbound
// message with: the peer's direction keys, or nil until IKE_SA_INIT
// has derived them (IKE_SA_INIT is never encrypted).
func (sa *IkeSa) decryptContext() protocol.CipherContext {
	if sa.PeerCrypto == nil {
		return nil
	}
	return sa.PeerCrypto
}

func (sa *IkeSa) encryptContext() protocol.CipherContext {
	if sa.MyCrypto == nil {
		return nil
	}
	return sa.MyCrypto
}

// buildNotifyResponse answers a failed request with a single Notify
// payload, the uniform shape for every NotifyError the per-exchange
// handlers raise.
func (sa *IkeSa) buildNotifyResponse(req *protocol.Message, ne *protocol.NotifyError) []byte {
	h := sa.responseHeader(req)
	n := &protocol.NotifyPayload{ProtocolId: protocol.PROTO_IKE, NotificationType: ne.Type, Data: ne.Data}
	b, err := protocol.Encode(h, []protocol.Payload{n}, sa.encryptContext())
	if err != nil {
		level.Debug(sa.Logger).Log("msg", "failed to encode notify response", "err", err)
		return nil
	}
	return b
}

func (sa *IkeSa) responseHeader(req *protocol.Message) *protocol.IkeHeader {
	return &protocol.IkeHeader{
		SpiI:         req.IkeHeader.SpiI,
		SpiR:         req.IkeHeader.SpiR,
		MajorVersion: protocol.Ikev2MajorVersion,
		MinorVersion: protocol.Ikev2MinorVersion,
		ExchangeType: req.IkeHeader.ExchangeType,
		Flags:        protocol.FlagResponse | sa.responderInitiatorFlag(),
		MsgId:        req.IkeHeader.MsgId,
	}
}

func (sa *IkeSa) responderInitiatorFlag() protocol.Flags {
	if sa.IsInitiator {
		return protocol.FlagInitiator
	}
	return 0
}

func (sa *IkeSa) requestHeader(exchangeType protocol.ExchangeType) *protocol.IkeHeader {
	h := &protocol.IkeHeader{
		MajorVersion: protocol.Ikev2MajorVersion,
		MinorVersion: protocol.Ikev2MinorVersion,
		ExchangeType: exchangeType,
		MsgId:        sa.MyMsgId,
	}
	if sa.IsInitiator {
		h.SpiI, h.SpiR = sa.MySpi, sa.PeerSpi
		h.Flags = protocol.FlagInitiator
	} else {
		h.SpiI, h.SpiR = sa.PeerSpi, sa.MySpi
	}
	return h
}

// sendRequest encodes pls as a request, records it as RequestInFlight,
// arms the retransmission timer, and returns its bytes.
func (sa *IkeSa) sendRequest(exchangeType protocol.ExchangeType, pls []protocol.Payload) ([]byte, error) {
	h := sa.requestHeader(exchangeType)
	b, err := protocol.Encode(h, pls, sa.encryptContext())
	if err != nil {
		return nil, err
	}
	sa.RequestInFlight = &PendingRequest{Bytes: b, MsgId: sa.MyMsgId}
	at := sa.clock().Add(retransmitBackoff)
	sa.RetransmitAt = &at
	sa.RetransmitCount = 0
	return b, nil
}

// --- 4.1.9 retransmission and DPD ---

// CheckRetransmissionTimer returns a retransmitted datagram when due.
func (sa *IkeSa) CheckRetransmissionTimer() ([]byte, error) {
	if sa.RequestInFlight == nil || sa.RetransmitAt == nil {
		return nil, nil
	}
	if sa.clock().Before(*sa.RetransmitAt) {
		return nil, nil
	}
	if sa.RetransmitCount >= MaxRetransmissions {
		sa.transitionToDeleted()
		return nil, nil
	}
	sa.RetransmitCount++
	at := sa.clock().Add(retransmitBackoff * time.Duration(1<<uint(sa.RetransmitCount)))
	sa.RetransmitAt = &at
	return sa.RequestInFlight.Bytes, nil
}

// touchDpd reschedules the dead-peer-detection deadline on any
// received, valid traffic.
func (sa *IkeSa) touchDpd() {
	if sa.Config == nil || sa.State != ESTABLISHED {
		return
	}
	at := sa.clock().Add(sa.Config.Dpd)
	sa.StartDpdAt = &at
}

// CheckDeadPeerDetectionTimer sends an empty INFORMATIONAL liveness
// check when the peer has been silent for the configured interval.
func (sa *IkeSa) CheckDeadPeerDetectionTimer() ([]byte, error) {
	if sa.State != ESTABLISHED || sa.StartDpdAt == nil {
		return nil, nil
	}
	if sa.clock().Before(*sa.StartDpdAt) {
		return nil, nil
	}
	sa.StartDpdAt = nil
	return sa.sendRequest(protocol.INFORMATIONAL, nil)
}

// CheckRekeyIkeSaTimer starts an IKE SA rekey when due.
func (sa *IkeSa) CheckRekeyIkeSaTimer() ([]byte, error) {
	if sa.State != ESTABLISHED || sa.RekeyIkeSaAt == nil {
		return nil, nil
	}
	if sa.clock().Before(*sa.RekeyIkeSaAt) {
		return nil, nil
	}
	sa.RekeyIkeSaAt = nil
	return sa.startRekeyIkeSaExchange()
}

// CheckDeleteIkeSaTimer tears the IKE SA down directly once
// delete_ike_sa_at fires: the backstop for a rekey that never
// completed before the configured lifetime ran out.
func (sa *IkeSa) CheckDeleteIkeSaTimer() ([]byte, error) {
	if sa.State != ESTABLISHED || sa.DeleteIkeSaAt == nil {
		return nil, nil
	}
	if sa.clock().Before(*sa.DeleteIkeSaAt) {
		return nil, nil
	}
	sa.DeleteIkeSaAt = nil
	return sa.startDeleteIkeSaExchange()
}

// transitionToDeleted tears down every Child SA this IkeSa still owns
// (invariant 4: deleting an IKE SA deletes its children in the kernel
// plane first) before moving to DELETED.
func (sa *IkeSa) transitionToDeleted() {
	for _, c := range sa.ChildSAs {
		sa.removeChildKeys(c)
	}
	sa.ChildSAs = nil
	sa.State = DELETED
	sa.RequestInFlight = nil
	sa.RetransmitAt = nil
	sa.StartDpdAt = nil
	sa.RekeyIkeSaAt = nil
	sa.DeleteIkeSaAt = nil
	sa.AcquireQueue = nil
	sa.ExpireQueue = nil
}
