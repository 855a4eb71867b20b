package hub

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/allannielsen/crabterm/chunk"
	"github.com/allannielsen/crabterm/device"
	"github.com/allannielsen/crabterm/internal/logging"
	"github.com/allannielsen/crabterm/registry"
)

func TestMain(m *testing.M) {
	chunk.InitPool(32)
	m.Run()
}

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelTrace, "test")
}

func TestBroadcastDeliversToFastClient(t *testing.T) {
	reg := registry.New(4)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	cl := reg.Attach(c1)

	h := New(nil, reg, Config{DrainDeadline: 50 * time.Millisecond}, testLogger())

	ck := chunk.New([]byte("abc"), 1)
	h.broadcast(context.Background(), ck)

	select {
	case got := <-cl.SinkChan():
		defer got.Release()
		if string(got.Bytes()) != "abc" {
			t.Fatalf("got %q, want %q", got.Bytes(), "abc")
		}
	case <-time.After(time.Second):
		t.Fatal("client never received broadcast chunk")
	}
}

func TestSlowClientEvictedOnOverflowingEnqueue(t *testing.T) {
	reg := registry.New(1) // sink capacity 1: second chunk overflows it
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	cl := reg.Attach(c1)

	h := New(nil, reg, Config{DrainDeadline: 10 * time.Millisecond}, testLogger())

	// First broadcast fills the sink (client never drains it).
	h.broadcast(context.Background(), chunk.New([]byte("1"), 1))
	if reg.Len() != 1 {
		t.Fatalf("client evicted too early after first full delivery")
	}

	// Second broadcast overflows the already-full sink: the client must
	// be evicted right away, with no grace period (spec.md §4.3).
	h.broadcast(context.Background(), chunk.New([]byte("2"), 1))
	if reg.Len() != 0 {
		t.Fatal("client not evicted immediately on the overflowing enqueue")
	}
	if cl.State() != registry.StateClosed {
		t.Fatalf("State() = %v, want StateClosed after eviction's drain window", cl.State())
	}
}

func TestEvictFlushesAlreadyQueuedBytesBeforeClosing(t *testing.T) {
	reg := registry.New(2)
	c1, c2 := net.Pipe()
	defer c2.Close()
	cl := reg.Attach(c1)

	h := New(nil, reg, Config{DrainDeadline: 200 * time.Millisecond}, testLogger())

	// Fill the sink without draining it yet, then trigger eviction with a
	// third chunk that overflows it.
	h.broadcast(context.Background(), chunk.New([]byte("1"), 1))
	h.broadcast(context.Background(), chunk.New([]byte("2"), 1))

	done := make(chan struct{})
	go func() {
		h.broadcast(context.Background(), chunk.New([]byte("3"), 1))
		close(done)
	}()

	// Drain the two already-queued chunks ourselves, standing in for the
	// client's writer goroutine, before the drain deadline elapses.
	(<-cl.SinkChan()).Release()
	(<-cl.SinkChan()).Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evict never returned")
	}
	if cl.State() != registry.StateClosed {
		t.Fatalf("State() = %v, want StateClosed", cl.State())
	}
}

func TestFastClientUnaffectedBySlowPeer(t *testing.T) {
	reg := registry.New(1)
	slowA, slowB := net.Pipe()
	defer slowA.Close()
	defer slowB.Close()
	fastA, fastB := net.Pipe()
	defer fastA.Close()
	defer fastB.Close()

	reg.Attach(slowA)
	fast := reg.Attach(fastA)

	h := New(nil, reg, Config{DrainDeadline: 10 * time.Millisecond}, testLogger())

	h.broadcast(context.Background(), chunk.New([]byte("x"), 1))
	// Drain the fast client's queue as it would in production
	// (tcpserver.writeLoop: release, then NoteDequeued).
	select {
	case got := <-fast.SinkChan():
		n := got.Len()
		got.Release()
		fast.NoteDequeued(n)
	case <-time.After(time.Second):
		t.Fatal("fast client never received chunk")
	}

	h.broadcast(context.Background(), chunk.New([]byte("y"), 1))
	select {
	case got := <-fast.SinkChan():
		got.Release()
	case <-time.After(time.Second):
		t.Fatal("fast client starved by slow peer")
	}
}

type blockingSink struct {
	ch chan *chunk.Chunk
}

func (s *blockingSink) SinkID() uint64              { return 999 }
func (s *blockingSink) SinkChan() chan *chunk.Chunk { return s.ch }
func (s *blockingSink) Exempt() bool                { return true }

func TestExemptSinkNeverEvictedBlocksInstead(t *testing.T) {
	reg := registry.New(4)
	h := New(nil, reg, Config{DrainDeadline: time.Millisecond}, testLogger())

	console := &blockingSink{ch: make(chan *chunk.Chunk)} // unbuffered: broadcast must block, not drop
	h.SetConsole(console)

	done := make(chan struct{})
	go func() {
		h.broadcast(context.Background(), chunk.New([]byte("z"), 1))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("broadcast returned before the exempt sink was drained")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case got := <-console.ch:
		got.Release()
	case <-time.After(time.Second):
		t.Fatal("exempt sink never received the chunk")
	}
	<-done
}

type neverOpens struct{}

func (neverOpens) String() string { return "never" }
func (neverOpens) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return nil, io.ErrClosedPipe
}

func TestServeClientParksOnPermanentlyDownDeviceUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := device.New(neverOpens{}, device.Config{
		ReconnectBackoffMin: time.Millisecond,
		ReconnectBackoffMax: 2 * time.Millisecond,
	}, testLogger())
	go sess.Run(ctx)

	reg := registry.New(4)
	h := New(sess, reg, Config{}, testLogger())

	clientConn, peer := net.Pipe()
	defer clientConn.Close()
	defer peer.Close()
	cl := reg.Attach(clientConn)

	serveDone := make(chan struct{})
	go func() {
		h.ServeClient(ctx, cl)
		close(serveDone)
	}()

	go func() { peer.Write([]byte("hello")) }()

	// The device never connects, so ServeClient must park waiting for a
	// generation change rather than busy-looping or returning.
	select {
	case <-serveDone:
		t.Fatal("ServeClient returned before ctx was cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(time.Second):
		t.Fatal("ServeClient did not exit after ctx was cancelled")
	}
}
