package device

import (
	"context"
	"io"
	"sync"
)

// EchoEndpoint is a loopback device: every byte written to it becomes
// readable again in order. It needs no real hardware or network peer,
// so it doubles as the production "echo" device variant (spec.md §6)
// and as the multiplexer's own test harness.
type EchoEndpoint struct{}

func (e *EchoEndpoint) String() string { return "echo" }

func (e *EchoEndpoint) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	return newEchoConn(), nil
}

type echoConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newEchoConn() *echoConn {
	c := &echoConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *echoConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.buf = append(c.buf, p...)
	c.cond.Broadcast()
	return len(p), nil
}

func (c *echoConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 && c.closed {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *echoConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}
