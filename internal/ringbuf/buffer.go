// Package ringbuf implements the bounded scrollback buffer each
// terminal session uses to retain recent PTY output for replay.
//
// The buffer is capped by both total bytes and total lines. Eviction
// happens one fragment at a time, where a fragment is the chunk of
// bytes produced by a single PTY read; this guarantees eviction never
// splits a multi-byte UTF-8 codepoint or a partial escape sequence
// that a byte-offset truncation could corrupt.
package ringbuf

import (
	"bytes"
	"sync"
)

// fragment is one chunk of buffered output plus its precomputed line
// count, so Append/evict never need to re-scan already-buffered bytes.
type fragment struct {
	data  []byte
	lines int
}

// Buffer is a bounded, fragment-evicting scrollback buffer. Safe for
// concurrent use.
type Buffer struct {
	mu sync.Mutex

	fragments []fragment
	byteCap   int
	lineCap   int

	totalBytes int
	totalLines int

	// evicted counts bytes dropped over the buffer's lifetime, exposed
	// for telemetry (Overflow-adjacent but not itself an error: the
	// buffer is allowed to drop old history, only slow subscribers hit
	// Overflow).
	evicted int64
}

// New creates a Buffer bounded by byteCap bytes and lineCap newlines.
// A non-positive cap disables that dimension's limit.
func New(byteCap, lineCap int) *Buffer {
	return &Buffer{byteCap: byteCap, lineCap: lineCap}
}

// Append adds a chunk of output to the buffer, evicting the oldest
// fragments as needed to respect the configured caps. data is copied;
// the caller's slice may be reused afterward.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	owned := make([]byte, len(data))
	copy(owned, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	f := fragment{data: owned, lines: bytes.Count(owned, []byte{'\n'})}
	b.fragments = append(b.fragments, f)
	b.totalBytes += len(owned)
	b.totalLines += f.lines

	for b.overCap() && len(b.fragments) > 0 {
		oldest := b.fragments[0]
		b.fragments = b.fragments[1:]
		b.totalBytes -= len(oldest.data)
		b.totalLines -= oldest.lines
		b.evicted += int64(len(oldest.data))
	}
}

func (b *Buffer) overCap() bool {
	if b.byteCap > 0 && b.totalBytes > b.byteCap {
		return true
	}
	if b.lineCap > 0 && b.totalLines > b.lineCap {
		return true
	}
	return false
}

// Snapshot returns a copy of all currently buffered bytes, oldest
// first.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.totalBytes)
	for _, f := range b.fragments {
		out = append(out, f.data...)
	}
	return out
}

// Len returns the current buffered byte count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// Lines returns the current buffered newline count.
func (b *Buffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalLines
}

// Evicted returns the cumulative number of bytes dropped due to
// eviction since the buffer was created.
func (b *Buffer) Evicted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Reset clears all buffered content.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragments = nil
	b.totalBytes = 0
	b.totalLines = 0
}
