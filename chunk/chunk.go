// Package chunk implements the Chunk: an immutable, reference-counted
// byte buffer produced by one device read and shared by every sink at
// the moment of broadcast. Its backing memory comes from a
// github.com/Clouded-Sabre/ringpool ring so that steady-state device
// traffic does not allocate a new buffer per read; the last sink to
// finish with a Chunk returns its buffer to the pool.
package chunk

import (
	rp "github.com/Clouded-Sabre/ringpool/lib"
	"sync/atomic"
)

// Cap is the maximum size of a single Chunk (spec READ_CAP). It is also
// the fixed buffer length every pooled element is allocated with.
const Cap = 64 * 1024

// payload is the ringpool element's backing store. It implements
// rp.DataInterface, the same contract the teacher's Payload type
// fulfils for ringpool.
type payload struct {
	buf []byte
}

func newPayload(_ ...interface{}) rp.DataInterface {
	return &payload{buf: make([]byte, Cap)}
}

func (p *payload) Reset() {
	// The pool hands this buffer to a brand-new Chunk next; callers always
	// write an explicit length-bounded slice before reading it back, so
	// zeroing is unnecessary work on the hot path.
}

// PrintContent satisfies rp.DataInterface. Not used on crabterm's hot path.
func (p *payload) PrintContent() {}

// Pool is the process-wide ring of reusable read buffers. Sized by
// InitPool at startup.
var Pool *rp.RingPool

// InitPool must be called once at startup before any device begins
// reading, sizing the ring to hold `size` elements of Cap bytes each.
func InitPool(size int) {
	Pool = rp.NewRingPool("crabterm-chunks: ", size, newPayload, Cap)
}

// Chunk is an opaque, immutable burst of device bytes shared by
// reference across every sink attached at the moment of broadcast.
type Chunk struct {
	element *rp.Element
	bytes   []byte
	refs    int32
}

// New copies data (at most Cap bytes of it) into a freshly obtained pool
// element's backing buffer. refs is set to the number of holders that
// will each call Release exactly once.
func New(data []byte, refs int) *Chunk {
	el := Pool.GetElement()
	buf := el.Data.(*payload).buf
	n := copy(buf, data)
	return &Chunk{element: el, bytes: buf[:n], refs: int32(refs)}
}

// Bytes returns the chunk's immutable content. Callers must not mutate
// the returned slice.
func (c *Chunk) Bytes() []byte {
	return c.bytes
}

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int {
	return len(c.bytes)
}

// Retain adds n holders to the chunk's reference count. Callers use
// this when fanning a single read out to n sinks that will each call
// Release exactly once, mirroring the teacher's GetChunk's n-holder
// pattern rather than calling New n times.
func (c *Chunk) Retain(n int) {
	atomic.AddInt32(&c.refs, int32(n))
}

// Release decrements the chunk's reference count. The last holder to
// call Release returns the backing buffer to the pool. Calling Release
// more times than there are holders is a programming error; it is not
// guarded against, mirroring the teacher's unchecked ReturnChunk.
func (c *Chunk) Release() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		Pool.ReturnElement(c.element)
	}
}
