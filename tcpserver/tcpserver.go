// Package tcpserver accepts TCP clients and attaches them to the
// registry, starting the per-client writer and handing the merger
// reader loop off to the hub.
//
// Grounded on the original's io/tcp_server.rs for the accept/attach
// shape and bureau-foundation-bureau's bridge.Bridge acceptLoop for the
// context-cancellable accept-loop pattern.
package tcpserver

import (
	"context"
	"net"
	"time"

	"github.com/allannielsen/crabterm/hub"
	"github.com/allannielsen/crabterm/internal/logging"
	"github.com/allannielsen/crabterm/registry"
)

// Listener accepts TCP clients on one address and wires each one into
// reg/h until ctx is cancelled or Close is called.
type Listener struct {
	ln            net.Listener
	reg           *registry.Registry
	hub           *hub.Hub
	drainDeadline time.Duration
	log           *logging.Logger
}

// Listen opens a TCP listener on addr (e.g. ":2323"). drainDeadline is
// the bounded flush window (spec.md §4.2 DRAIN_DEADLINE) given to a
// disconnecting client's writer goroutine before its socket is closed.
func Listen(addr string, reg *registry.Registry, h *hub.Hub, drainDeadline time.Duration, log *logging.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, reg: reg, hub: h, drainDeadline: drainDeadline, log: log}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new clients.
func (l *Listener) Close() error { return l.ln.Close() }

// Run accepts clients until ctx is cancelled or the listener is closed.
// Each accepted client is attached to the registry, given a writer
// goroutine draining its sink, and a reader goroutine running the
// hub's input-merger loop; both exit and detach the client when the
// connection closes.
func (l *Listener) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("accept error: %v", err)
			return
		}
		cl := l.reg.Attach(conn)
		l.log.Info("client %d attached from %s", cl.ID, conn.RemoteAddr())
		go l.serve(ctx, cl)
	}
}

func (l *Listener) serve(ctx context.Context, cl *registry.Client) {
	done := make(chan struct{})
	writerCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go func() {
		defer close(done)
		l.writeLoop(writerCtx, cl)
	}()

	l.hub.ServeClient(ctx, cl)

	// Stop targeting this client with new broadcasts, then give its
	// writer goroutine up to the drain deadline to flush whatever was
	// already queued before the socket is actually closed (spec.md
	// §4.2's detach(id, reason) contract).
	l.reg.Detach(cl)
	cl.WaitDrained(l.drainDeadline)
	cl.Conn.Close()
	stopWriter()
	cl.Finish()
	<-done
	l.log.Info("client %d detached", cl.ID)
}

func (l *Listener) writeLoop(ctx context.Context, cl *registry.Client) {
	defer drainRemaining(cl)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-cl.SinkChan():
			if !ok {
				return
			}
			n := c.Len()
			_, err := cl.Conn.Write(c.Bytes())
			c.Release()
			cl.NoteDequeued(n)
			if err != nil {
				return
			}
		}
	}
}

// drainRemaining releases any Chunks still sitting in the client's sink
// when its writer goroutine exits, so a client that disconnects with a
// full queue doesn't leak pool elements or leave its byte budget
// permanently consumed.
func drainRemaining(cl *registry.Client) {
	for {
		select {
		case c, ok := <-cl.SinkChan():
			if !ok {
				return
			}
			n := c.Len()
			c.Release()
			cl.NoteDequeued(n)
		default:
			return
		}
	}
}
