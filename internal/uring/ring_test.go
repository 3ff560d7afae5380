package uring

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "backing"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

// exerciseRing writes, syncs and reads back through r.
func exerciseRing(t *testing.T, r Ring) {
	f := tempFile(t, 8192)
	fd := int(f.Fd())
	done := make(chan Result, 1)
	cb := func(res Result) { done <- res }

	payload := []byte("tcmu ring payload")
	require.NoError(t, r.Write(fd, payload, 4096, 11, cb))
	res := wait(t, done)
	require.NoError(t, res.Error())
	assert.Equal(t, uint64(11), res.UserData())
	assert.Equal(t, int32(len(payload)), res.Value())

	require.NoError(t, r.Fsync(fd, 12, cb))
	res = wait(t, done)
	require.NoError(t, res.Error())
	assert.Equal(t, uint64(12), res.UserData())

	buf := make([]byte, len(payload))
	require.NoError(t, r.Read(fd, buf, 4096, 13, cb))
	res = wait(t, done)
	require.NoError(t, res.Error())
	assert.Equal(t, int32(len(payload)), res.Value())
	assert.Equal(t, payload, buf)

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Read(fd, buf, 0, 14, cb), ErrClosed)
}

func TestSyncRing(t *testing.T) {
	exerciseRing(t, NewSyncRing())
}

func TestIOURing(t *testing.T) {
	r, err := NewRing(Config{Entries: 8})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	exerciseRing(t, r)
}

func TestSyncRingReportsErrno(t *testing.T) {
	r := NewSyncRing()
	defer r.Close()

	done := make(chan Result, 1)
	require.NoError(t, r.Read(-1, make([]byte, 8), 0, 7, func(res Result) { done <- res }))
	res := wait(t, done)
	assert.ErrorIs(t, res.Error(), syscall.EBADF)
	assert.Equal(t, -int32(syscall.EBADF), res.Value())
}

func TestNewResult(t *testing.T) {
	ok := newResult(1, 512)
	assert.NoError(t, ok.Error())
	assert.Equal(t, int32(512), ok.Value())

	bad := newResult(2, -int32(syscall.EIO))
	assert.Equal(t, syscall.EIO, bad.Error())
	assert.Equal(t, uint64(2), bad.UserData())
}

func TestNewRingOrFallback(t *testing.T) {
	r := NewRingOrFallback(Config{})
	require.NotNil(t, r)
	assert.NoError(t, r.Close())
}
