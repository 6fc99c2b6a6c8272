// Package logbuf provides the rolling buffer used to capture command output.
package logbuf

import (
	"strings"
	"sync"
)

// Ring is a fixed-capacity buffer that keeps the most recent output,
// bounded both in bytes and in lines. Whichever cap binds first wins and
// the oldest data is evicted first.
//
// Bytes are stored in a circular array addressed by absolute offsets, so
// the retained window is always [start, written). Newline offsets are
// tracked in a queue so the line cap can advance start without rescanning.
//
// All methods are safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	maxLines int

	// written is the total number of bytes ever written.
	written uint64
	// start is the absolute offset of the oldest retained byte.
	start uint64
	// newlines holds absolute offsets of '\n' bytes in [start, written).
	newlines []uint64
}

// New creates a ring bounded by maxBytes and maxLines. A line is a run of
// bytes ended by '\n'; a trailing run without a newline counts as a line too.
func New(maxBytes, maxLines int) *Ring {
	if maxBytes < 1 {
		maxBytes = 1
	}
	if maxLines < 1 {
		maxLines = 1
	}
	return &Ring{
		data:     make([]byte, maxBytes),
		maxBytes: maxBytes,
		maxLines: maxLines,
	}
}

// Write appends p, evicting from the front as needed. It never fails, so
// it can sit behind an io.Writer for a streaming copy.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	// Only the last maxBytes of an oversized write can survive.
	if len(p) > r.maxBytes {
		skipped := len(p) - r.maxBytes
		r.written += uint64(skipped)
		p = p[skipped:]
	}

	for i, b := range p {
		pos := r.written + uint64(i)
		r.data[pos%uint64(r.maxBytes)] = b
		if b == '\n' {
			r.newlines = append(r.newlines, pos)
		}
	}
	r.written += uint64(len(p))

	if r.written-r.start > uint64(r.maxBytes) {
		r.start = r.written - uint64(r.maxBytes)
	}
	r.dropNewlinesBefore(r.start)

	for r.lines() > r.maxLines {
		// Cut through the oldest complete line.
		r.start = r.newlines[0] + 1
		r.newlines = r.newlines[1:]
	}

	r.compact()
	return n, nil
}

// Bytes returns a copy of the retained data
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := int(r.written - r.start)
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = r.data[(r.start+uint64(i))%uint64(r.maxBytes)]
	}
	return out
}

// String returns the retained data. A multi-byte rune cut by eviction is
// replaced rather than emitted broken.
func (r *Ring) String() string {
	return strings.ToValidUTF8(string(r.Bytes()), "�")
}

// Len returns the number of retained bytes
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.written - r.start)
}

// Lines returns the number of retained lines
func (r *Ring) Lines() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines()
}

// Truncated reports whether anything was evicted
func (r *Ring) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start > 0
}

// Written returns the total number of bytes ever written
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Ring) lines() int {
	count := len(r.newlines)
	if r.written > r.start {
		last := r.written - 1
		if count == 0 || r.newlines[count-1] != last {
			count++
		}
	}
	return count
}

func (r *Ring) dropNewlinesBefore(offset uint64) {
	i := 0
	for i < len(r.newlines) && r.newlines[i] < offset {
		i++
	}
	r.newlines = r.newlines[i:]
}

// compact keeps the newline queue from growing its backing array forever
// while its head is being sliced away.
func (r *Ring) compact() {
	if cap(r.newlines) > 2*r.maxLines+64 && len(r.newlines) < cap(r.newlines)/4 {
		r.newlines = append([]uint64(nil), r.newlines...)
	}
}
