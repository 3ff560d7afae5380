package uring

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// syncRing runs each operation on its own goroutine with pread/pwrite/fsync.
type syncRing struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewSyncRing returns a Ring that needs no io_uring support.
func NewSyncRing() Ring {
	return &syncRing{}
}

func (r *syncRing) start(userData uint64, done Completion, op func() (int, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrClosed
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		n, err := op()
		res := &result{userData: userData, value: int32(n)}
		if err != nil {
			errno, ok := err.(syscall.Errno)
			if !ok {
				errno = syscall.EIO
			}
			res.value = -int32(errno)
			res.err = err
		}
		done(res)
	}()
	return nil
}

func (r *syncRing) Read(fd int, buf []byte, off int64, userData uint64, done Completion) error {
	return r.start(userData, done, func() (int, error) {
		return unix.Pread(fd, buf, off)
	})
}

func (r *syncRing) Write(fd int, buf []byte, off int64, userData uint64, done Completion) error {
	return r.start(userData, done, func() (int, error) {
		return unix.Pwrite(fd, buf, off)
	})
}

func (r *syncRing) Fsync(fd int, userData uint64, done Completion) error {
	return r.start(userData, done, func() (int, error) {
		return 0, unix.Fsync(fd)
	})
}

func (r *syncRing) Close() error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
