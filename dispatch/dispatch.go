// Package dispatch implements the dispatcher (C10): the SPI-keyed
// table of live IkeSa values, the read/write loop over a transport.Conn,
// the kernel Acquire/Expire fan-in, and the periodic timer sweep.
// Grounded on the teacher's Session.Run select-loop in session.go,
// generalized from one goroutine per Session to one goroutine driving
// many IkeSa values, each one serialized behind its own mutex instead
// of its own goroutine+channel pair.
package dispatch

import (
	"net"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/aterrichi/ikedaemon/config"
	"github.com/aterrichi/ikedaemon/ikesa"
	"github.com/aterrichi/ikedaemon/kernel"
	"github.com/aterrichi/ikedaemon/protocol"
	"github.com/aterrichi/ikedaemon/transport"
)

// timerSweepInterval bounds the latency between a timer becoming due
// and the dispatcher acting on it.
const timerSweepInterval = 1 * time.Second

// entry pairs one IkeSa with the mutex serializing access to it,
// matching spec.md section 5's "no internal suspension points; the
// dispatcher serializes per-SA work" model.
type entry struct {
	mu sync.Mutex
	sa *ikesa.IkeSa
}

// Dispatcher owns the Conn, the kernel plane, and every live IkeSa,
// keyed by this daemon's own SPI for that association.
type Dispatcher struct {
	conn   transport.Conn
	kernel kernel.Interface
	cfg    *config.IkeConfiguration
	logger log.Logger

	mu       sync.Mutex
	sessions map[protocol.Spi]*entry

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Dispatcher ready to Run.
func New(conn transport.Conn, k kernel.Interface, cfg *config.IkeConfiguration, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		conn:     conn,
		kernel:   k,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[protocol.Spi]*entry),
		done:     make(chan struct{}),
	}
}

// OpenInitiator creates and registers a new initiator-role IkeSa
// towards peerAddr and writes its IKE_SA_INIT datagram to the peer.
func (d *Dispatcher) OpenInitiator(peerAddr net.Addr) error {
	sa, err := ikesa.NewInitiator(d.cfg, d.kernel, d.conn.LocalAddr(), peerAddr, d.logger)
	if err != nil {
		return err
	}
	e := &entry{sa: sa}
	d.mu.Lock()
	d.sessions[sa.MySpi] = e
	d.mu.Unlock()

	e.mu.Lock()
	out, err := sa.ProcessAcquire(ikesa.AcquireTrigger{})
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return d.writeOut(out, peerAddr)
}

// Run drives inbound packets, kernel events, and the timer sweep until
// Close is called. Blocks the calling goroutine.
func (d *Dispatcher) Run() {
	kernelEvents := d.kernel.Events()
	ticker := time.NewTicker(timerSweepInterval)
	defer ticker.Stop()

	packets := make(chan inboundPacket)
	go d.readLoop(packets)

	for {
		select {
		case <-d.done:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			d.handlePacket(pkt)
		case evt, ok := <-kernelEvents:
			if !ok {
				kernelEvents = nil
				continue
			}
			d.handleKernelEvent(evt)
		case <-ticker.C:
			d.sweepTimers()
		}
	}
}

// Close stops Run and releases the underlying connection.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	return d.conn.Close()
}

type inboundPacket struct {
	raw  []byte
	from net.Addr
}

func (d *Dispatcher) readLoop(out chan<- inboundPacket) {
	defer close(out)
	for {
		b, from, _, err := d.conn.ReadPacket()
		if err != nil {
			level.Info(d.logger).Log("msg", "read loop stopped", "err", err)
			return
		}
		select {
		case out <- inboundPacket{raw: b, from: from}:
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) handlePacket(pkt inboundPacket) {
	h, err := protocol.DecodeHeader(pkt.raw, d.logger)
	if err != nil {
		level.Debug(d.logger).Log("msg", "drop: unparseable header", "err", err)
		return
	}

	e, isNew := d.lookupOrCreate(h, pkt.from)
	if e == nil {
		level.Debug(d.logger).Log("msg", "drop: no matching IKE SA and not a new IKE_SA_INIT")
		return
	}

	e.mu.Lock()
	out, err := e.sa.ProcessMessage(pkt.raw, pkt.from)
	spi := e.sa.MySpi
	deleted := e.sa.State == ikesa.DELETED
	rekeyedOnto := e.sa.NewIkeSA
	e.mu.Unlock()

	if err != nil {
		level.Info(d.logger).Log("msg", "process message error", "err", err)
	}
	if isNew && out == nil && err != nil {
		d.forget(spi)
	}
	if rekeyedOnto != nil {
		d.registerRekeyed(spi, rekeyedOnto)
	}
	if deleted {
		d.forget(spi)
	}
	d.writeOut(out, pkt.from)
}

// lookupOrCreate finds the IkeSa this datagram belongs to, keyed on
// whichever of SpiI/SpiR is already registered, or allocates a fresh
// responder for an inbound IKE_SA_INIT request.
func (d *Dispatcher) lookupOrCreate(h *protocol.IkeHeader, from net.Addr) (*entry, bool) {
	d.mu.Lock()
	if e, ok := d.sessions[h.SpiI]; ok {
		d.mu.Unlock()
		return e, false
	}
	if e, ok := d.sessions[h.SpiR]; ok {
		d.mu.Unlock()
		return e, false
	}
	d.mu.Unlock()

	if h.Flags.IsResponse() || h.ExchangeType != protocol.IKE_SA_INIT || !h.SpiR.IsZero() {
		return nil, false
	}

	sa, err := ikesa.NewResponder(d.cfg, d.kernel, d.conn.LocalAddr(), from, h.SpiI, d.logger)
	if err != nil {
		level.Info(d.logger).Log("msg", "failed to create responder SA", "err", err)
		return nil, false
	}
	e := &entry{sa: sa}
	d.mu.Lock()
	d.sessions[sa.MySpi] = e
	d.mu.Unlock()
	return e, true
}

func (d *Dispatcher) forget(spi protocol.Spi) {
	d.mu.Lock()
	delete(d.sessions, spi)
	d.mu.Unlock()
}

// registerRekeyed indexes a freshly negotiated post-rekey IkeSa under
// its own SPI once its predecessor surfaces one via NewIkeSA.
func (d *Dispatcher) registerRekeyed(oldSpi protocol.Spi, newSa *ikesa.IkeSa) {
	d.mu.Lock()
	if _, already := d.sessions[newSa.MySpi]; !already {
		d.sessions[newSa.MySpi] = &entry{sa: newSa}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) handleKernelEvent(evt interface{}) {
	switch e := evt.(type) {
	case kernel.Acquire:
		d.forEachSession(func(entry *entry) []byte {
			out, err := entry.sa.ProcessAcquire(ikesa.AcquireTrigger{Tsi: e.Tsi, Tsr: e.Tsr, PolicyIndex: e.PolicyIndex})
			if err != nil {
				level.Info(d.logger).Log("msg", "process acquire error", "err", err)
			}
			return out
		})
	case kernel.Expire:
		d.forEachOwning(e.InboundSpi, func(entry *entry) []byte {
			out, err := entry.sa.ProcessExpire(ikesa.ExpireTrigger{InboundSpi: e.InboundSpi, Hard: e.Hard})
			if err != nil {
				level.Info(d.logger).Log("msg", "process expire error", "err", err)
			}
			return out
		})
	}
}

// sweepTimers drives retransmission, DPD, and rekey/delete timers
// across every live IkeSa once per tick.
func (d *Dispatcher) sweepTimers() {
	d.forEachSession(func(entry *entry) []byte {
		for _, check := range []func() ([]byte, error){
			entry.sa.CheckRetransmissionTimer,
			entry.sa.CheckDeadPeerDetectionTimer,
			entry.sa.CheckRekeyIkeSaTimer,
			entry.sa.CheckDeleteIkeSaTimer,
		} {
			out, err := check()
			if err != nil {
				level.Info(d.logger).Log("msg", "timer check error", "err", err)
			}
			if out != nil {
				return out
			}
		}
		return nil
	})
}

// forEachSession runs fn against every currently registered IkeSa
// under its own lock, writing out whatever datagram fn returns.
func (d *Dispatcher) forEachSession(fn func(*entry) []byte) {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.sessions))
	for _, e := range d.sessions {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		out := fn(e)
		peerAddr := e.sa.PeerAddr
		deleted := e.sa.State == ikesa.DELETED
		spi := e.sa.MySpi
		e.mu.Unlock()

		if deleted {
			d.forget(spi)
		}
		d.writeOut(out, peerAddr)
	}
}

// forEachOwning runs fn only against the session holding the Child SA
// identified by inboundSpi.
func (d *Dispatcher) forEachOwning(inboundSpi uint32, fn func(*entry) []byte) {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.sessions))
	for _, e := range d.sessions {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		owns := e.sa.HasChild(inboundSpi)
		var out []byte
		if owns {
			out = fn(e)
		}
		peerAddr := e.sa.PeerAddr
		e.mu.Unlock()
		if owns {
			d.writeOut(out, peerAddr)
			return
		}
	}
}

func (d *Dispatcher) writeOut(b []byte, to net.Addr) error {
	if b == nil || to == nil {
		return nil
	}
	if err := d.conn.WritePacket(b, to); err != nil {
		level.Info(d.logger).Log("msg", "write failed", "err", err)
		return err
	}
	return nil
}
