package hub

import "github.com/allannielsen/crabterm/chunk"

// Sink is anything the broadcast engine (C3) can fan device output out
// to: a registered TCP client or the local console. Exempt sinks (the
// console) are never evicted for being slow; the broadcast loop blocks
// on them instead of dropping data, per spec.md §9's console exemption.
type Sink interface {
	SinkID() uint64
	SinkChan() chan *chunk.Chunk
	Exempt() bool
}
