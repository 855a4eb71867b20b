// Package console implements the local console: a pseudo-client
// attached directly to the controlling terminal rather than a TCP
// socket, exempt from the slow-client eviction policy (spec.md §9) and
// able to intercept a small set of keybindings before bytes reach the
// device.
//
// Grounded on the original's io/console.rs for the raw-mode/keybind
// shape; raw-mode enter/exit calls are grounded on
// bureau-foundation-bureau's cmd/bureau/cli/login.go use of
// golang.org/x/term.
package console

import (
	"context"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/allannielsen/crabterm/chunk"
	"github.com/allannielsen/crabterm/internal/logging"
	"github.com/allannielsen/crabterm/iofilter"
	"github.com/allannielsen/crabterm/keybind"
)

// Console is the local terminal sink/source. It satisfies hub.Sink and
// is always exempt from eviction: the operator's own terminal is never
// dropped for being slow.
type Console struct {
	in  io.Reader
	out io.Writer
	fd  int

	restore func() error

	sink    chan *chunk.Chunk
	filter  *iofilter.Timestamp
	actions keybind.Table
	log     *logging.Logger

	quitOnce sync.Once
	quit     chan struct{}
}

// New creates a Console reading/writing os.Stdin/os.Stdout. actions is
// the keybinding table loaded by the config package; cap is the
// console's sink queue depth (generous, since it is never evicted but
// should still bound memory if the terminal emulator itself stalls).
func New(actions keybind.Table, cap int, log *logging.Logger) *Console {
	return &Console{
		in:      os.Stdin,
		out:     os.Stdout,
		fd:      int(os.Stdin.Fd()),
		sink:    make(chan *chunk.Chunk, cap),
		filter:  iofilter.NewTimestamp(),
		actions: actions,
		log:     log,
		quit:    make(chan struct{}),
	}
}

// Done returns a channel closed the moment the operator quits via the
// configured keybinding, mirroring the original's hub.rs quit_requested
// flag that main.rs's event loop breaks on. main selects on this
// alongside the OS signal channel so quitting the console tears down
// the whole process rather than leaving the device/listener running
// headless.
func (c *Console) Done() <-chan struct{} { return c.quit }

// SinkID, SinkChan and Exempt implement hub.Sink.
func (c *Console) SinkID() uint64             { return 0 }
func (c *Console) SinkChan() chan *chunk.Chunk { return c.sink }
func (c *Console) Exempt() bool               { return true }

// EnterRaw puts the controlling terminal into raw mode so device bytes
// reach the screen without local echo or line buffering, and keystrokes
// reach ReadLoop as they are typed rather than a line at a time.
func (c *Console) EnterRaw() error {
	if !term.IsTerminal(c.fd) {
		return nil
	}
	state, err := term.MakeRaw(c.fd)
	if err != nil {
		return err
	}
	c.restore = func() error { return term.Restore(c.fd, state) }
	return nil
}

// Restore leaves raw mode, if it was entered. Safe to call multiple
// times or without a prior EnterRaw.
func (c *Console) Restore() error {
	if c.restore == nil {
		return nil
	}
	restore := c.restore
	c.restore = nil
	return restore()
}

// WriteLoop drains the console's sink and writes chunks to the
// terminal, applying the timestamp filter if toggled on. Runs until ctx
// is cancelled.
func (c *Console) WriteLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-c.sink:
			if !ok {
				return
			}
			data := c.filter.Apply(ch.Bytes())
			if _, err := c.out.Write(data); err != nil {
				c.log.Warn("console write error: %v", err)
			}
			ch.Release()
		}
	}
}

// ReadLoop is C4 for the console: it reads keystrokes, intercepts the
// configured keybindings (quit, send-literal, toggle-filter), and
// forwards everything else to fwd exactly like a registered client's
// input. A binding is recognised only when its whole key sequence
// starts a single read (or directly follows another binding in it); a
// sequence split across two reads, or preceded by other bytes in the
// same read, is forwarded to fwd unchanged. Runs until ctx is cancelled
// or a Quit action is read.
func (c *Console) ReadLoop(ctx context.Context, fwd func(ctx context.Context, data []byte) bool) {
	buf := make([]byte, 1024)
	for {
		n, err := c.in.Read(buf)
		if err != nil {
			return
		}
		data := buf[:n]
		for len(data) > 0 {
			act, rest, consumed := c.actions.Match(data)
			if !consumed {
				if !fwd(ctx, data) {
					return
				}
				break
			}
			switch act.Kind {
			case keybind.ActionQuit:
				c.quitOnce.Do(func() { close(c.quit) })
				return
			case keybind.ActionSend:
				if !fwd(ctx, act.Payload) {
					return
				}
			case keybind.ActionFilterToggle:
				c.filter.Toggle()
			}
			data = rest
		}
	}
}
