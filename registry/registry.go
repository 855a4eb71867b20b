// Package registry implements the Client Registry (C2): the set of
// currently-attached sinks/sources, mutated only through Attach/Detach
// and otherwise read via point-in-time snapshots so the broadcast and
// merge loops never hold the registry lock while doing I/O.
//
// Grounded on the teacher's lib/server/service.go: a map mutated by
// Accept/handleCloseConnections under one mutex, iterated elsewhere via
// a copy, adapted from connection-handle bookkeeping to sink bookkeeping.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allannielsen/crabterm/chunk"
)

// State is a Client's lifecycle stage.
type State int

const (
	StateAttached State = iota
	StateDraining
	StateClosed
)

// maxSinkSlots bounds the sink channel's slot count. The real admission
// control is sinkCapBytes (spec.md §9 SINK_CAP is a byte budget); this
// just needs to be generous enough that a burst of small chunks never
// hits the slot limit before the byte budget does.
const maxSinkSlots = 4096

// Client is one attached TCP sink/source pair. Sink is the bounded
// outbound queue the broadcast engine (C3) enqueues Chunks into; the
// client's own goroutine drains it and writes to Conn. Source is read
// directly by the input merger (C4) from Conn.
type Client struct {
	ID   uint64
	Conn net.Conn

	mu    sync.Mutex
	state State
	sink  chan *chunk.Chunk

	sinkCapBytes int64
	sinkBytes    int64 // atomic; bytes currently enqueued, tracked separately from slot count
}

func newClient(id uint64, conn net.Conn, sinkCapBytes int) *Client {
	return &Client{
		ID:           id,
		Conn:         conn,
		sink:         make(chan *chunk.Chunk, maxSinkSlots),
		sinkCapBytes: int64(sinkCapBytes),
	}
}

// Sink returns the client's bounded outbound queue.
func (c *Client) Sink() chan *chunk.Chunk { return c.sink }

// SinkID, SinkChan and Exempt implement hub.Sink so the broadcast engine
// can treat registry clients uniformly with the local console.
func (c *Client) SinkID() uint64              { return c.ID }
func (c *Client) SinkChan() chan *chunk.Chunk { return c.sink }
func (c *Client) Exempt() bool                { return false }

// TryEnqueue admits ck onto the sink if doing so would not exceed the
// byte budget (spec.md §9 SINK_CAP, a byte count rather than a Chunk
// count: a handful of max-size Chunks must not be able to balloon a
// slow client's queue far past the configured budget). Returns false,
// without enqueueing, if the budget would be exceeded or the sink's
// slot count is unexpectedly saturated.
func (c *Client) TryEnqueue(ck *chunk.Chunk) bool {
	n := int64(ck.Len())
	for {
		cur := atomic.LoadInt64(&c.sinkBytes)
		if cur+n > c.sinkCapBytes {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.sinkBytes, cur, cur+n) {
			break
		}
	}
	select {
	case c.sink <- ck:
		return true
	default:
		atomic.AddInt64(&c.sinkBytes, -n)
		return false
	}
}

// NoteDequeued must be called by whatever drains SinkChan (a writer
// goroutine) after it finishes with a Chunk of length n, so TryEnqueue's
// byte budget reflects what is actually still queued.
func (c *Client) NoteDequeued(n int) {
	atomic.AddInt64(&c.sinkBytes, -int64(n))
}

// State returns the client's current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// WaitDrained blocks until the client's sink queue has emptied out (its
// writer goroutine has caught up) or deadline has elapsed, whichever
// comes first. This is the bounded flush window spec.md §4.2 calls
// DRAIN_DEADLINE: it gives bytes already enqueued at the moment of
// detach a chance to reach the socket before the connection is closed
// out from under the writer. A non-positive deadline returns at once.
func (c *Client) WaitDrained(deadline time.Duration) {
	if deadline <= 0 {
		return
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if len(c.sink) == 0 {
			return
		}
		select {
		case <-timer.C:
			return
		case <-ticker.C:
		}
	}
}

// Finish marks the client closed. Call once the connection has actually
// been closed, after any drain window.
func (c *Client) Finish() {
	c.setState(StateClosed)
}

// Registry is the id -> Client map. Attach and Detach are linearised by
// mu; Snapshot copies the live set for lock-free iteration by C3/C4.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*Client
	sinkCap int
}

// New creates an empty Registry whose clients get a sink byte budget of
// sinkCapBytes (spec.md §9 SINK_CAP, config.Config.SinkCapacity).
func New(sinkCapBytes int) *Registry {
	return &Registry{
		clients: make(map[uint64]*Client),
		sinkCap: sinkCapBytes,
	}
}

// Attach registers a new client and returns its handle.
func (r *Registry) Attach(conn net.Conn) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := newClient(r.nextID, conn, r.sinkCap)
	r.clients[c.ID] = c
	return c
}

// Detach removes a client from the registry so the broadcast engine
// stops targeting it with new deliveries, and marks it Draining: bytes
// already sitting in its sink may still reach the socket via its
// writer goroutine during the caller's subsequent drain window. Safe to
// call more than once for the same client; the caller is responsible
// for the eventual WaitDrained/Conn.Close/Finish sequence (spec.md
// §4.2's detach(id, reason) contract).
func (r *Registry) Detach(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.ID)
	r.mu.Unlock()
	c.setState(StateDraining)
}

// Snapshot returns the currently attached clients as a stable slice.
// Callers must not mutate it; the registry never does either, so it is
// safe to retain the reference across one broadcast/merge iteration.
func (r *Registry) Snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Len returns the number of currently attached clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
