package tcpserver

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/allannielsen/crabterm/chunk"
	"github.com/allannielsen/crabterm/device"
	"github.com/allannielsen/crabterm/hub"
	"github.com/allannielsen/crabterm/internal/logging"
	"github.com/allannielsen/crabterm/registry"
)

func TestMain(m *testing.M) {
	chunk.InitPool(16)
	m.Run()
}

func testLogger() *logging.Logger {
	return logging.New(io.Discard, logging.LevelTrace, "test")
}

func TestAcceptedClientEchoesThroughDevice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := device.New(&device.EchoEndpoint{}, device.Config{}, testLogger())
	go sess.Run(ctx)

	reg := registry.New(4)
	h := hub.New(sess, reg, hub.Config{}, testLogger())
	go h.Run(ctx)

	ln, err := Listen("127.0.0.1:0", reg, h, 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go ln.Run(ctx)

	// Let the echo device finish its first connect before a client
	// writes anything; a write arriving before the device is up is
	// correctly dropped, which this test is not exercising.
	gen, _ := sess.Generation()
	for gen == 0 {
		time.Sleep(time.Millisecond)
		gen, _ = sess.Generation()
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want %q", buf[:n], "hi")
	}
}
