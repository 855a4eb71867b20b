// Command crabterm bridges one byte-oriented device (a serial port or a
// remote TCP endpoint) with zero or more TCP clients and, unless
// --headless, the local controlling terminal.
//
// Flag surface mirrors the original implementation's clap definition
// (see SPEC_FULL.md §A3); parsing uses github.com/spf13/pflag, the CLI
// library wired from bureau-foundation-bureau's command layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/allannielsen/crabterm/chunk"
	"github.com/allannielsen/crabterm/config"
	"github.com/allannielsen/crabterm/console"
	"github.com/allannielsen/crabterm/device"
	"github.com/allannielsen/crabterm/hub"
	"github.com/allannielsen/crabterm/internal/logging"
	"github.com/allannielsen/crabterm/registry"
	"github.com/allannielsen/crabterm/tcpserver"
)

func main() {
	var (
		baud       = pflag.IntP("baudrate", "b", 0, "serial baud rate (default 115200)")
		port       = pflag.IntP("port", "p", 0, "TCP listen port for remote clients")
		headless   = pflag.Bool("headless", false, "run without attaching the local console")
		configPath = pflag.StringP("config", "c", "", "path to a YAML config file (default ~/.crabterm)")
		logFile    = pflag.StringP("log-file", "l", "", "write logs to this file instead of stderr")
		logLevel   = pflag.StringP("log-level", "L", "", "error|warn|info|debug|trace (default info)")
		noAnnounce = pflag.Bool("no-announce", false, "suppress device connect/disconnect announcements")
		verbose    = pflag.CountP("verbose", "v", "increase log verbosity (repeatable)")
	)
	pflag.Parse()

	cfg := config.Default()
	path := *configPath
	if path == "" {
		// No -c: fall back to ~/.crabterm; ReadConfig yields the
		// defaults when that file does not exist.
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".crabterm")
		}
	}
	if path != "" {
		loaded, err := config.ReadConfig(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "crabterm: config error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	applyFlagOverrides(&cfg, *baud, *port, *headless, *logFile, *logLevel, *noAnnounce, *verbose)
	config.AppConfig = cfg

	if pflag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "crabterm: usage: crabterm [flags] <serial-path|tcp:host:port|echo>")
		os.Exit(2)
	}
	endpoint, err := parseDevice(pflag.Arg(0), cfg.Baud)
	if err != nil {
		fmt.Fprintln(os.Stderr, "crabterm:", err)
		os.Exit(2)
	}

	log := newLogger(cfg)

	chunk.InitPool(sinkSlots(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := device.New(endpoint, device.Config{
		ReconnectBackoffMin: cfg.ReconnectBackoffMin,
		ReconnectBackoffMax: cfg.ReconnectBackoffMax,
		ReadCap:             cfg.ReadCap,
	}, log.With("device"))
	go sess.Run(ctx)

	reg := registry.New(cfg.SinkCapacity)
	h := hub.New(sess, reg, hub.Config{
		DrainDeadline: cfg.DrainDeadline,
		Announce:      cfg.Announce,
		SourceReadBuf: cfg.SourceReadBuf,
	}, log.With("hub"))
	go h.Run(ctx)

	var con *console.Console
	if !cfg.Headless {
		con = console.New(cfg.KeybindTable(), sinkSlots(cfg), log.With("console"))
		if err := con.EnterRaw(); err != nil {
			log.Warn("could not enter raw terminal mode: %v", err)
		}
		h.SetConsole(con)
		go con.WriteLoop(ctx)
		go con.ReadLoop(ctx, h.Forward)
	}

	var ln *tcpserver.Listener
	if cfg.ListenAddr != "" {
		var lerr error
		ln, lerr = tcpserver.Listen(cfg.ListenAddr, reg, h, cfg.DrainDeadline, log.With("tcpserver"))
		if lerr != nil {
			log.Error("listen error: %v", lerr)
			os.Exit(1)
		}
		log.Info("listening on %s", ln.Addr())
		go ln.Run(ctx)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	// A quit keybinding on the console tears down the whole process
	// exactly like an OS signal would (original hub.rs's quit_requested,
	// consumed by main.rs's event loop break), not just the console's
	// own read loop.
	var consoleQuit <-chan struct{}
	if con != nil {
		consoleQuit = con.Done()
	}

	select {
	case <-sig:
		log.Info("shutdown signal received")
	case <-consoleQuit:
		log.Info("quit keybinding pressed")
	}

	shutdown(cancel, ln, reg, sess, con, cfg.DrainDeadline, log)
}

// shutdown implements spec.md §5's cancellation scenario S6: stop
// accepting new clients, give each already-attached client's sink up
// to drainDeadline to flush through its still-running writer goroutine,
// only then cancel ctx (which stops the broadcast/merge loops and the
// device session) and close the device out from under any blocked read.
func shutdown(cancel context.CancelFunc, ln *tcpserver.Listener, reg *registry.Registry, sess *device.Session, con *console.Console, drainDeadline time.Duration, log *logging.Logger) {
	if ln != nil {
		ln.Close()
	}

	clients := reg.Snapshot()
	deadlineAt := time.Now().Add(drainDeadline)
	for _, cl := range clients {
		cl.WaitDrained(time.Until(deadlineAt))
		cl.Conn.Close()
		cl.Finish()
	}
	log.Info("drained %d client(s) before shutdown", len(clients))

	cancel()
	sess.Close()
	if con != nil {
		con.Restore()
	}
}

func applyFlagOverrides(cfg *config.Config, baud, port int, headless bool, logFile, logLevel string, noAnnounce bool, verbose int) {
	if baud > 0 {
		cfg.Baud = baud
	}
	if port > 0 {
		cfg.ListenAddr = ":" + strconv.Itoa(port)
	}
	if headless {
		cfg.Headless = true
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if noAnnounce {
		cfg.Announce = false
	}
	for i := 0; i < verbose; i++ {
		cfg.LogLevel = bumpLevel(cfg.LogLevel)
	}
}

func bumpLevel(cur string) string {
	switch logging.ParseLevel(cur) {
	case logging.LevelError:
		return "warn"
	case logging.LevelWarn:
		return "info"
	case logging.LevelInfo:
		return "debug"
	default:
		return "trace"
	}
}

func newLogger(cfg config.Config) *logging.Logger {
	w := os.Stderr
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			return logging.New(f, logging.ParseLevel(cfg.LogLevel), "main")
		}
	}
	return logging.New(w, logging.ParseLevel(cfg.LogLevel), "main")
}

// sinkSlots converts the byte-denominated SinkCapacity (spec.md §9
// SINK_CAP) into a Chunk-slot count with headroom for a handful of
// max-size Chunks staged concurrently, floored at a sane minimum. Used
// both to size the ring pool and, for the console (which is exempt from
// eviction and never enforces a byte budget — see DESIGN.md's console
// exemption decision), its sink channel's slot count.
func sinkSlots(cfg config.Config) int {
	n := (cfg.SinkCapacity / chunk.Cap) * 4
	if n < 64 {
		n = 64
	}
	return n
}

// parseDevice resolves the positional device argument into an Endpoint,
// mirroring the original main.rs's parse_device: a bare "echo" selects
// the loopback device, "tcp:host:port" dials a remote device, and
// anything else is treated as a local serial port path.
func parseDevice(arg string, baud int) (device.Endpoint, error) {
	switch {
	case arg == "echo":
		return &device.EchoEndpoint{}, nil
	case strings.HasPrefix(arg, "tcp:"):
		addr := strings.TrimPrefix(arg, "tcp:")
		if addr == "" {
			return nil, fmt.Errorf("tcp device requires host:port, got %q", arg)
		}
		return &device.TCPEndpoint{Addr: addr, Timeout: 5 * time.Second}, nil
	default:
		if baud <= 0 {
			baud = 115200
		}
		return &device.SerialEndpoint{Path: arg, Baud: baud}, nil
	}
}
