// Package iofilter implements output filters applied only to the local
// console's sink (never to TCP client sinks), per spec.md §1. Grounded
// on the original's iofilter/timestamp.rs.
package iofilter

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"
)

// Timestamp prefixes each output line with a timestamp while toggled
// on. It is stateful only in whether it is enabled; it does not buffer
// partial lines across calls, matching the original's best-effort
// per-write prefixing.
type Timestamp struct {
	enabled atomic.Bool
}

// NewTimestamp returns a Timestamp filter, initially disabled.
func NewTimestamp() *Timestamp {
	return &Timestamp{}
}

// Toggle flips the filter on/off, driven by the console's filter-toggle
// keybinding.
func (t *Timestamp) Toggle() {
	t.enabled.Store(!t.enabled.Load())
}

// Apply prefixes every line in data with the current time if enabled,
// otherwise returns data unchanged.
func (t *Timestamp) Apply(data []byte) []byte {
	if !t.enabled.Load() {
		return data
	}
	prefix := []byte(fmt.Sprintf("[%s] ", time.Now().Format("15:04:05.000")))
	lines := bytes.SplitAfter(data, []byte("\n"))
	var out []byte
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		out = append(out, prefix...)
		out = append(out, line...)
	}
	return out
}
