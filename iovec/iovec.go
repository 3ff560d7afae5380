// Package iovec provides scatter/gather helpers over ordered segment lists.
//
// A Vec describes one logical buffer made of several memory segments, usually
// slices of the TCMU data area shared with the kernel. None of the helpers
// allocate segment memory; they only copy bytes between a flat buffer and the
// segments or move a cursor across them.
package iovec

import (
	"bytes"
	"io"
)

// NoMismatch is returned by Compare when no differing byte was found.
const NoMismatch = -1

// Vec is an ordered list of segments forming a single logical buffer.
type Vec [][]byte

// Len returns the sum of the segment lengths.
func (v Vec) Len() int {
	n := 0
	for _, seg := range v {
		n += len(seg)
	}
	return n
}

// Length returns the total length of v.
func Length(v Vec) int {
	return v.Len()
}

// Clone returns a copy of the segment headers. The segment memory is shared,
// so seeking the clone leaves v untouched while writes through it are visible.
func Clone(v Vec) Vec {
	if v == nil {
		return nil
	}
	out := make(Vec, len(v))
	copy(out, v)
	return out
}

// CopyInto copies src into the segments of v, spanning as many segments as
// needed. It stops early when v is shorter than src and returns the number of
// bytes copied.
func CopyInto(v Vec, src []byte) int {
	copied := 0
	for _, seg := range v {
		if copied == len(src) {
			break
		}
		copied += copy(seg, src[copied:])
	}
	return copied
}

// CopyFrom copies the contents of v into dst and returns the number of bytes
// copied, which is less than len(dst) when v is shorter.
func CopyFrom(dst []byte, v Vec) int {
	copied := 0
	for _, seg := range v {
		if copied == len(dst) {
			break
		}
		copied += copy(dst[copied:], seg)
	}
	return copied
}

// Seek advances the start of v by count bytes. Fully traversed segments are
// dropped from the list and the first remaining segment is resliced in place.
// It returns the number of bytes actually skipped, which is smaller than count
// only when v holds fewer bytes.
func Seek(v *Vec, count int) int {
	if v == nil || count <= 0 {
		return 0
	}

	segs := *v
	skipped := 0
	for len(segs) > 0 && count > 0 {
		if count >= len(segs[0]) {
			count -= len(segs[0])
			skipped += len(segs[0])
			segs = segs[1:]
			continue
		}
		segs[0] = segs[0][count:]
		skipped += count
		count = 0
	}
	*v = segs
	return skipped
}

// Zero clears every byte of every segment.
func Zero(v Vec) {
	for _, seg := range v {
		clear(seg)
	}
}

// Compare compares buf against the concatenation of the segments of v over
// size bytes. It returns the offset of the first differing byte, or
// NoMismatch. Running out of bytes on either side before size counts as a
// mismatch at that offset.
func Compare(buf []byte, v Vec, size int) int {
	off := 0
	for _, seg := range v {
		if off >= size {
			return NoMismatch
		}
		n := min(len(seg), size-off)
		if off+n > len(buf) {
			n = len(buf) - off
		}
		if !bytes.Equal(buf[off:off+n], seg[:n]) {
			for i := 0; i < n; i++ {
				if buf[off+i] != seg[i] {
					return off + i
				}
			}
		}
		off += n
		if off == len(buf) && off < size {
			return off
		}
	}
	if off < size {
		return off
	}
	return NoMismatch
}

// Cursor walks a Vec sequentially. It implements io.Reader and io.Writer over
// the remaining segments.
type Cursor struct {
	v Vec
}

// NewCursor returns a cursor positioned at the start of v. The cursor works on
// its own copy of the segment headers.
func NewCursor(v Vec) *Cursor {
	return &Cursor{v: Clone(v)}
}

// Read implements io.Reader.
func (c *Cursor) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.v.Len() == 0 {
		return 0, io.EOF
	}
	n := CopyFrom(p, c.v)
	Seek(&c.v, n)
	return n, nil
}

// Write implements io.Writer. A write larger than the remaining space copies
// what fits and returns io.ErrShortWrite.
func (c *Cursor) Write(p []byte) (int, error) {
	n := CopyInto(c.v, p)
	Seek(&c.v, n)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Seek skips count bytes and returns how many were skipped.
func (c *Cursor) Seek(count int) int {
	return Seek(&c.v, count)
}

// Remaining returns the number of bytes left after the cursor.
func (c *Cursor) Remaining() int {
	return c.v.Len()
}

// Vec returns the remaining segments.
func (c *Cursor) Vec() Vec {
	return c.v
}
