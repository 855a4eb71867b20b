// Package hub implements the Broadcast Engine (C3) and Input Merger
// (C4): the two halves of the multiplexer that respectively fan device
// output out to every attached sink and fan every sink's input back
// into the device.
//
// Grounded on the original implementation's hub.rs (handle_event's
// device-readable branch for C3, forward_to_device/try_device_write for
// C4) and on the teacher's Service.handleIncomingPackets /
// handleCloseConnections dispatch-without-blocking shape.
package hub

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/allannielsen/crabterm/chunk"
	"github.com/allannielsen/crabterm/device"
	"github.com/allannielsen/crabterm/internal/logging"
	"github.com/allannielsen/crabterm/registry"
)

// Hub owns the broadcast and merge loops for one device session.
type Hub struct {
	session *device.Session
	reg     *registry.Registry

	drainDeadline time.Duration
	announceOn    bool
	sourceReadBuf int

	consoleMu sync.Mutex
	console   Sink

	log *logging.Logger
}

// Config tunes drain-deadline eviction, announcement behaviour, and
// per-client source read sizing.
type Config struct {
	DrainDeadline time.Duration
	Announce      bool
	SourceReadBuf int // spec.md §9 SOURCE_READ_BUF: per-client read buffer size
}

func (c Config) withDefaults() Config {
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 500 * time.Millisecond
	}
	if c.SourceReadBuf <= 0 {
		c.SourceReadBuf = 32 * 1024
	}
	return c
}

// New creates a Hub driving session against reg.
func New(session *device.Session, reg *registry.Registry, cfg Config, log *logging.Logger) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		session:       session,
		reg:           reg,
		drainDeadline: cfg.DrainDeadline,
		announceOn:    cfg.Announce,
		sourceReadBuf: cfg.SourceReadBuf,
		log:           log,
	}
}

// SetConsole registers the local console as an exempt sink. Passing nil
// runs headless (spec.md §6 --headless).
func (h *Hub) SetConsole(c Sink) {
	h.consoleMu.Lock()
	h.console = c
	h.consoleMu.Unlock()
}

func (h *Hub) consoleSink() Sink {
	h.consoleMu.Lock()
	defer h.consoleMu.Unlock()
	return h.console
}

// Run drives both the broadcast loop and the device-event announcer
// until ctx is cancelled. Call from its own goroutine; client readers
// are started independently via ServeClient as clients attach.
func (h *Hub) Run(ctx context.Context) {
	go h.announceLoop(ctx)
	h.broadcastLoop(ctx)
}

// broadcastLoop is C3: every chunk read from the device is fanned out
// to every attached sink without ever blocking on the device reader.
func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-h.session.Reads():
			if !ok {
				return
			}
			h.broadcast(ctx, c)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, c *chunk.Chunk) {
	clients := h.reg.Snapshot()
	console := h.consoleSink()

	total := len(clients)
	if console != nil {
		total++
	}
	c.Retain(total)

	for _, cl := range clients {
		h.deliver(cl, c)
	}
	if console != nil {
		select {
		case console.SinkChan() <- c:
		case <-ctx.Done():
			c.Release()
		}
	}
	c.Release() // hub's own staging reference from device.Session.readLoop
}

// deliver attempts a single non-blocking enqueue onto a client's sink.
// spec.md §4.3's eviction algorithm has no hysteresis: a client whose
// queue is already full when a new chunk arrives is evicted on that
// overflowing enqueue, not after some grace period of being full. A
// momentary one-chunk burst a client hasn't drained yet is therefore
// fatal to it exactly like every other overflow; the forgiveness a slow
// client gets is the bounded post-detach drain window in evict, not a
// pre-eviction grace period here.
//
// A client already Draining (concurrently detached since broadcast's
// snapshot was taken) is never enqueued to (spec.md §4.3 edge cases).
func (h *Hub) deliver(cl *registry.Client, c *chunk.Chunk) {
	if cl.State() != registry.StateAttached {
		c.Release()
		return
	}

	if cl.TryEnqueue(c) {
		return
	}

	c.Release() // this delivery attempt is dropped, not queued
	h.evict(cl)
}

// evict detaches a client and gives its writer goroutine up to the
// drain deadline to flush whatever was already sitting in its sink
// before the connection is actually closed (spec.md §4.2's
// detach(id, reason) contract: mark Draining, flush up to
// DRAIN_DEADLINE, then Close).
func (h *Hub) evict(cl *registry.Client) {
	h.log.Info("evicting client %d: sink overflowed", cl.ID)
	h.reg.Detach(cl)
	cl.WaitDrained(h.drainDeadline)
	cl.Conn.Close()
	cl.Finish()
}

// announceLoop watches device lifecycle events and broadcasts a short
// human-readable line to every non-exempt sink and the console,
// matching the original's all_clients_str behaviour, gated by
// --no-announce.
func (h *Hub) announceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.session.Events():
			if !ok {
				return
			}
			if !h.announceOn {
				continue
			}
			var msg string
			switch ev.Kind {
			case device.EventConnected:
				msg = "Info: device connected (generation " + strconv.FormatUint(ev.Generation, 10) + ")\r\n"
			case device.EventDisconnected:
				msg = "Error: device disconnected: " + errString(ev.Err) + "\r\n"
			}
			h.announce(ctx, msg)
		}
	}
}

func (h *Hub) announce(ctx context.Context, msg string) {
	c := chunk.New([]byte(msg), 1)
	h.broadcast(ctx, c)
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

// ServeClient is C4 for one attached client: it reads from cl.Conn and
// serialises every burst into the device, pausing (without busy-looping)
// while the device is down and resuming once it reconnects. Returns
// when the client disconnects or ctx is cancelled; the caller is
// responsible for detaching cl from the registry afterwards.
func (h *Hub) ServeClient(ctx context.Context, cl *registry.Client) {
	buf := make([]byte, h.sourceReadBuf)
	for {
		n, err := cl.Conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if !h.Forward(ctx, buf[:n]) {
			return
		}
	}
}

// Forward writes data to the device, waiting out a disconnect instead
// of busy-retrying or propagating the error to the caller (spec.md
// §4.4 "device-down behaviour": pause client source reads until C1
// reports a new generation, then resume; no error is propagated to the
// client). Every source of client input — registered TCP clients via
// ServeClient and the local console via main's forward callback — must
// go through this same path so a transient device flap never takes a
// source down. Returns false only if ctx was cancelled.
func (h *Hub) Forward(ctx context.Context, data []byte) bool {
	_, err := h.session.Write(ctx, data)
	if err == nil {
		return true
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	// device.ErrDisconnected: drop this burst and wait for the next
	// generation change before accepting more client input.
	_, changed := h.session.Generation()
	select {
	case <-changed:
		return true // drop this burst; caller reads fresh input next
	case <-ctx.Done():
		return false
	}
}
