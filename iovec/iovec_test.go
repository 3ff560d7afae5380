package iovec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeVec(sizes ...int) Vec {
	v := make(Vec, len(sizes))
	for i, n := range sizes {
		v[i] = make([]byte, n)
	}
	return v
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestLength(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		want  int
	}{
		{"empty", nil, 0},
		{"single", []int{512}, 512},
		{"several", []int{1, 0, 4096, 3}, 4100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := makeVec(tt.sizes...)
			assert.Equal(t, tt.want, v.Len())
			assert.Equal(t, tt.want, Length(v))
		})
	}
}

func TestCopyRoundTrip(t *testing.T) {
	geometries := [][]int{
		{64},
		{1, 1, 1, 1},
		{3, 5, 7, 11, 13},
		{0, 16, 0, 16},
		{4096, 512, 17},
	}
	for _, sizes := range geometries {
		v := makeVec(sizes...)
		total := v.Len()
		for _, n := range []int{0, 1, total / 2, total, total + 9} {
			src := pattern(n)
			copied := CopyInto(v, src)
			assert.Equal(t, min(n, total), copied, "sizes=%v n=%d", sizes, n)

			dst := make([]byte, n)
			got := CopyFrom(dst, v)
			assert.Equal(t, copied, got)
			assert.True(t, bytes.Equal(src[:copied], dst[:got]), "sizes=%v n=%d", sizes, n)
		}
	}
}

func TestCopyMidSegment(t *testing.T) {
	v := makeVec(4, 4, 4)
	Seek(&v, 6)
	require.Len(t, v, 2)
	require.Len(t, v[0], 2)

	n := CopyInto(v, []byte{1, 2, 3, 4, 5})
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{1, 2}, v[0])
	assert.Equal(t, []byte{3, 4, 5, 0}, v[1])
}

func TestSeek(t *testing.T) {
	for _, count := range []int{0, 1, 3, 4, 5, 9, 12, 13, 100} {
		v := makeVec(4, 0, 5, 3)
		total := v.Len()
		skipped := Seek(&v, count)
		want := min(count, total)
		assert.Equal(t, want, skipped, "count=%d", count)
		assert.Equal(t, total-want, v.Len(), "count=%d", count)
	}
}

func TestSeekThenCopyResumes(t *testing.T) {
	backing := makeVec(3, 3, 3)
	data := pattern(9)
	CopyInto(backing, data)

	v := Clone(backing)
	Seek(&v, 4)
	out := make([]byte, 5)
	require.Equal(t, 5, CopyFrom(out, v))
	assert.Equal(t, data[4:], out)
}

func TestSeekNil(t *testing.T) {
	assert.Equal(t, 0, Seek(nil, 10))
	var v Vec
	assert.Equal(t, 0, Seek(&v, 10))
}

func TestZero(t *testing.T) {
	v := makeVec(2, 5, 1)
	CopyInto(v, bytes.Repeat([]byte{0xff}, 8))
	Zero(v)
	out := make([]byte, 8)
	CopyFrom(out, v)
	assert.Equal(t, make([]byte, 8), out)
}

func TestCompare(t *testing.T) {
	ref := pattern(20)
	v := makeVec(7, 6, 7)
	CopyInto(v, ref)

	assert.Equal(t, NoMismatch, Compare(ref, v, 20))
	assert.Equal(t, NoMismatch, Compare(ref, v, 0))

	for _, at := range []int{0, 6, 7, 13, 19} {
		changed := append([]byte(nil), ref...)
		changed[at] ^= 0xff
		assert.Equal(t, at, Compare(changed, v, 20), "mismatch at %d", at)
	}

	changed := append([]byte(nil), ref...)
	changed[15] ^= 1
	assert.Equal(t, NoMismatch, Compare(changed, v, 15), "mismatch outside size")
}

func TestCompareShort(t *testing.T) {
	ref := pattern(8)
	v := makeVec(4)
	CopyInto(v, ref)
	assert.Equal(t, 4, Compare(ref, v, 8))
	assert.Equal(t, 2, Compare(ref[:2], v, 4))
}

func TestCursor(t *testing.T) {
	v := makeVec(3, 2, 4)
	w := NewCursor(v)
	n, err := w.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 5, w.Remaining())

	n, err = w.Write([]byte("efghijk"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 5, n)

	r := NewCursor(v)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", string(got))

	// the original headers are untouched by cursor seeks
	assert.Equal(t, 9, v.Len())
}
