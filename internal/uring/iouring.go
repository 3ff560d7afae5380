package uring

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/pkg/errors"
)

// wakeUserData tags the NOP that wakes the reaper on Close.
const wakeUserData = ^uint64(0)

type result struct {
	userData uint64
	value    int32
	err      error
}

func (r *result) UserData() uint64 { return r.userData }
func (r *result) Value() int32     { return r.value }
func (r *result) Error() error     { return r.err }

func newResult(userData uint64, res int32) *result {
	r := &result{userData: userData, value: res}
	if res < 0 {
		r.err = syscall.Errno(-res)
	}
	return r
}

type pending struct {
	buf  []byte // keeps the buffer reachable while the kernel uses it
	done Completion
}

// iouRing implements Ring with giouring. Submissions are serialized by mu;
// a single reaper goroutine consumes completions.
type iouRing struct {
	ring *giouring.Ring

	mu      sync.Mutex
	next    uint64
	ops     map[uint64]pending
	closing bool

	inflight  sync.WaitGroup
	reaped    chan struct{}
	closeOnce sync.Once
}

func newIOURing(config Config) (*iouRing, error) {
	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, errors.Wrap(err, "io_uring setup")
	}
	r := &iouRing{
		ring:   ring,
		ops:    make(map[uint64]pending),
		reaped: make(chan struct{}),
	}
	go r.reap()
	return r, nil
}

func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// submit reserves an SQE, lets prep fill it and submits it. The caller's
// userData is returned in the Result; the ring keys its own bookkeeping on
// an internal sequence number.
func (r *iouRing) submit(buf []byte, userData uint64, done Completion, prep func(*giouring.SubmissionQueueEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return ErrClosed
	}

	sqe := r.ring.GetSQE()
	if sqe == nil {
		// SQ full: flush what is queued and retry once
		if _, err := r.ring.Submit(); err != nil {
			return errors.Wrap(err, "io_uring submit")
		}
		if sqe = r.ring.GetSQE(); sqe == nil {
			return errors.New("uring: submission queue full")
		}
	}
	prep(sqe)
	key := r.next
	r.next++
	if r.next == wakeUserData {
		r.next = 0
	}
	sqe.UserData = key

	user := userData
	r.ops[key] = pending{buf: buf, done: func(res Result) {
		done(newResult(user, res.Value()))
	}}
	r.inflight.Add(1)
	if _, err := r.ring.Submit(); err != nil {
		delete(r.ops, key)
		r.inflight.Done()
		return errors.Wrap(err, "io_uring submit")
	}
	return nil
}

func (r *iouRing) Read(fd int, buf []byte, off int64, userData uint64, done Completion) error {
	return r.submit(buf, userData, done, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(fd, bufAddr(buf), uint32(len(buf)), uint64(off))
	})
}

func (r *iouRing) Write(fd int, buf []byte, off int64, userData uint64, done Completion) error {
	return r.submit(buf, userData, done, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWrite(fd, bufAddr(buf), uint32(len(buf)), uint64(off))
	})
}

func (r *iouRing) Fsync(fd int, userData uint64, done Completion) error {
	return r.submit(nil, userData, done, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(fd, 0)
	})
}

// reap runs until the wake NOP submitted by Close is seen.
func (r *iouRing) reap() {
	defer close(r.reaped)
	for {
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			r.failAll(err)
			return
		}
		key, res := cqe.UserData, cqe.Res
		r.ring.CQESeen(cqe)
		if key == wakeUserData {
			return
		}

		r.mu.Lock()
		op, ok := r.ops[key]
		delete(r.ops, key)
		r.mu.Unlock()
		if !ok {
			continue
		}
		op.done(&result{userData: key, value: res})
		r.inflight.Done()
	}
}

// failAll completes every pending operation with err when the ring broke.
func (r *iouRing) failAll(err error) {
	r.mu.Lock()
	ops := r.ops
	r.ops = make(map[uint64]pending)
	r.closing = true
	r.mu.Unlock()
	for key, op := range ops {
		op.done(&result{userData: key, value: -int32(syscall.EIO), err: err})
		r.inflight.Done()
	}
}

func (r *iouRing) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()

		r.inflight.Wait()

		select {
		case <-r.reaped:
			// the reaper already stopped after a ring failure
		default:
			r.mu.Lock()
			if sqe := r.ring.GetSQE(); sqe != nil {
				sqe.PrepareNop()
				sqe.UserData = wakeUserData
				_, err = r.ring.Submit()
			} else {
				err = errors.New("uring: no SQE for shutdown")
			}
			r.mu.Unlock()
			if err != nil {
				// the reaper still owns the ring
				return
			}
			<-r.reaped
		}
		r.ring.QueueExit()
	})
	return errors.Wrap(err, "close io_uring")
}
