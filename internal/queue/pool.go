package queue

import (
	"sync"

	"github.com/ehrlich-b/go-tcmu/iovec"
)

// Bounce buffers for handlers whose storage wants one contiguous buffer
// while the command's data is scattered over several ring segments.
// Size-bucketed pools (4KB, 64KB, 1MB); larger requests are allocated.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size4k  = 4 * 1024
	size64k = 64 * 1024
	size1m  = 1024 * 1024
)

var bouncePool = struct {
	pool4k  sync.Pool
	pool64k sync.Pool
	pool1m  sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool1m:  sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
}

// GetBuffer returns a buffer of exactly size bytes.
// Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size4k:
		return (*bouncePool.pool4k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*bouncePool.pool64k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*bouncePool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		bouncePool.pool4k.Put(&buf)
	case size64k:
		bouncePool.pool64k.Put(&buf)
	case size1m:
		bouncePool.pool1m.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}

// Gather returns the first n bytes of v as one contiguous slice. A single
// segment is returned as is; otherwise the data is copied into a pooled
// buffer. release must be called once the slice is no longer used.
func Gather(v iovec.Vec, n int) (buf []byte, release func()) {
	if len(v) > 0 && len(v[0]) >= n {
		return v[0][:n], func() {}
	}
	buf = GetBuffer(uint32(n))
	iovec.CopyFrom(buf, v)
	return buf, func() { PutBuffer(buf) }
}

// Bounce returns a contiguous buffer of n bytes that is later scattered into
// v with the returned flush function. A single large enough segment is used
// directly.
func Bounce(v iovec.Vec, n int) (buf []byte, flush func() int) {
	if len(v) > 0 && len(v[0]) >= n {
		return v[0][:n], func() int { return n }
	}
	buf = GetBuffer(uint32(n))
	return buf, func() int {
		copied := iovec.CopyInto(v, buf)
		PutBuffer(buf)
		return copied
	}
}
