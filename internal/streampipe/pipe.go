// Package streampipe implements a bounded, single-producer/single-consumer
// byte pipe with high/low water-mark backpressure, the same shape smux's
// per-stream receive buffer uses but generalized to a standalone
// writer/reader pair instead of a multiplexed stream.
package streampipe

import (
	"context"
	"sync"

	"github.com/xtaci/smux"
)

// defaultChunk is the minimum size requested per GetWritableMemory call
// when the caller asks for less, matching the read buffer size used
// throughout the relay path.
const defaultChunk = 4096

// maxPooled is smux's Allocator ceiling; requests above this fall back to
// a plain, unpooled allocation.
const maxPooled = 65536

// FlushResult is returned by Writer.Flush.
type FlushResult struct {
	// Completed is true iff the reader half has already completed the
	// pipe.
	Completed bool
}

// ReadResult is returned by Reader.Read. Buffer may be a non-contiguous
// sequence of segments backed by pooled memory; callers must not retain
// segments past the next AdvanceTo call that releases them.
type ReadResult struct {
	Buffer    [][]byte
	Completed bool
}

// Flatten copies a ReadResult's segments into one contiguous slice. Proxy
// framing trades a small copy for simpler NUL-scanning across segment
// boundaries.
func Flatten(segs [][]byte) []byte {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	out := make([]byte, 0, total)
	for _, s := range segs {
		out = append(out, s...)
	}
	return out
}

// TotalLen returns the summed length of a ReadResult's segments.
func TotalLen(segs [][]byte) int {
	n := 0
	for _, s := range segs {
		n += len(s)
	}
	return n
}

type segment struct {
	buf    []byte
	pooled *[]byte
}

type pipe struct {
	mu sync.Mutex

	segs     []segment
	size     int
	examined int

	writerDone bool
	readerDone bool

	pending       *[]byte
	pendingPooled bool

	highWater int
	lowWater  int

	readReady  chan struct{}
	writeReady chan struct{}

	alloc *smux.Allocator
}

// Writer is the producer half of a Pipe.
type Writer struct{ p *pipe }

// Reader is the consumer half of a Pipe.
type Reader struct{ p *pipe }

// New constructs a pipe and returns its writer and reader halves. alloc
// may be nil, in which case a private allocator is created.
func New(highWater, lowWater int, alloc *smux.Allocator) (*Writer, *Reader) {
	if alloc == nil {
		alloc = smux.NewAllocator()
	}
	p := &pipe{
		highWater:  highWater,
		lowWater:   lowWater,
		readReady:  make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
		alloc:      alloc,
	}
	return &Writer{p: p}, &Reader{p: p}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// GetWritableMemory returns a writable region of at least min bytes. The
// caller must call Advance before the next call to GetWritableMemory or
// Flush.
func (w *Writer) GetWritableMemory(min int) []byte {
	p := w.p
	size := min
	if size < defaultChunk {
		size = defaultChunk
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if size > maxPooled {
		buf := make([]byte, size)
		p.pending = &buf
		p.pendingPooled = false
		return buf
	}
	buf := p.alloc.Get(size)
	p.pending = buf
	p.pendingPooled = true
	return *buf
}

// Advance marks n bytes of the most recently returned writable region as
// produced.
func (w *Writer) Advance(n int) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil || n <= 0 {
		return
	}
	seg := segment{buf: (*p.pending)[:n]}
	if p.pendingPooled {
		seg.pooled = p.pending
	}
	p.segs = append(p.segs, seg)
	p.size += n
	p.pending = nil
	p.pendingPooled = false
}

// Flush makes produced bytes visible to the reader. If unread bytes
// exceed the high-water mark, Flush does not return until the reader
// advances below the low-water mark, the reader completes, or ctx is
// done.
func (w *Writer) Flush(ctx context.Context) (FlushResult, error) {
	p := w.p
	p.mu.Lock()
	for p.highWater > 0 && p.size > p.highWater && !p.readerDone {
		p.mu.Unlock()
		select {
		case <-p.writeReady:
		case <-ctx.Done():
			return FlushResult{}, ctx.Err()
		}
		p.mu.Lock()
	}
	completed := p.readerDone
	p.mu.Unlock()

	if !completed {
		notify(p.readReady)
	}
	return FlushResult{Completed: completed}, nil
}

// Complete signals EOF to the reader half. Double-complete is a no-op.
func (w *Writer) Complete() {
	p := w.p
	p.mu.Lock()
	if p.writerDone {
		p.mu.Unlock()
		return
	}
	p.writerDone = true
	p.mu.Unlock()
	notify(p.readReady)
}

// Read suspends until the buffer is non-empty (past what was previously
// examined) or the writer has completed, then returns the full unread
// buffer. Per the pipe's completion contract, any bytes still queued are
// always delivered before Read reports completed with an empty buffer —
// a writer that completes immediately after its final Flush can never
// race a reader into losing the final frame.
func (r *Reader) Read(ctx context.Context) (ReadResult, error) {
	p := r.p
	p.mu.Lock()
	for p.size <= p.examined && !p.writerDone {
		p.mu.Unlock()
		select {
		case <-p.readReady:
		case <-ctx.Done():
			return ReadResult{}, ctx.Err()
		}
		p.mu.Lock()
	}

	var bufs [][]byte
	if p.size > 0 {
		bufs = make([][]byte, len(p.segs))
		for i, s := range p.segs {
			bufs[i] = s.buf
		}
	}
	completed := p.writerDone
	p.mu.Unlock()

	return ReadResult{Buffer: bufs, Completed: completed}, nil
}

// AdvanceTo releases the consumed prefix and records how far the reader
// examined the buffer, so Read does not re-fire until bytes past
// examined arrive or the writer completes.
func (r *Reader) AdvanceTo(consumed, examined int) {
	p := r.p
	p.mu.Lock()
	p.consumeLocked(consumed)
	rem := examined - consumed
	if rem < 0 {
		rem = 0
	}
	if rem > p.size {
		rem = p.size
	}
	p.examined = rem
	belowLow := p.size <= p.lowWater
	p.mu.Unlock()

	if belowLow {
		notify(p.writeReady)
	}
}

func (p *pipe) consumeLocked(n int) {
	for n > 0 && len(p.segs) > 0 {
		head := &p.segs[0]
		if n < len(head.buf) {
			head.buf = head.buf[n:]
			p.size -= n
			n = 0
			break
		}
		n -= len(head.buf)
		p.size -= len(head.buf)
		if head.pooled != nil {
			_ = p.alloc.Put(head.pooled)
		}
		p.segs = p.segs[1:]
	}
}

// Complete signals EOF to the writer half: the writer's next Flush
// returns Completed=true. Double-complete is a no-op.
func (r *Reader) Complete() {
	p := r.p
	p.mu.Lock()
	if p.readerDone {
		p.mu.Unlock()
		return
	}
	p.readerDone = true
	p.mu.Unlock()
	notify(p.writeReady)
}
