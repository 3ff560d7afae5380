// Package uring provides the asynchronous file I/O ring used by file-backed
// handlers to complete SCSI commands off the command-ring goroutine.
package uring

import (
	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/logging"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("uring: ring closed")

// Ring submits positioned reads, writes and fsyncs and reports each
// completion through a callback. Callbacks run on the ring's reaper
// goroutine and must not block.
type Ring interface {
	// Close stops the reaper after in-flight operations complete and
	// releases the ring.
	Close() error

	// Read reads len(buf) bytes at off from fd. buf must stay valid until
	// done is called.
	Read(fd int, buf []byte, off int64, userData uint64, done Completion) error

	// Write writes buf at off to fd.
	Write(fd int, buf []byte, off int64, userData uint64, done Completion) error

	// Fsync flushes fd to stable storage.
	Fsync(fd int, userData uint64, done Completion) error
}

// Completion receives the result of one operation.
type Completion func(Result)

// Result represents the result of an operation
type Result interface {
	// UserData returns the user data associated with this result
	UserData() uint64

	// Value returns the result value (bytes transferred, or negative errno)
	Value() int32

	// Error returns an error if the operation failed
	Error() error
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of submission entries
}

// NewRing creates an io_uring backed ring.
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	if config.Entries == 0 {
		config.Entries = 64
	}
	logger.Debug("creating io_uring", "entries", config.Entries)

	ring, err := newIOURing(config)
	if err != nil {
		logger.Warn("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Info("created io_uring", "entries", config.Entries)
	return ring, nil
}

// NewRingOrFallback returns an io_uring ring, or a pread/pwrite ring when
// io_uring is unavailable (old kernels, seccomp-restricted containers).
func NewRingOrFallback(config Config) Ring {
	ring, err := NewRing(config)
	if err != nil {
		logging.Default().Info("using thread-based file I/O", "reason", err)
		return NewSyncRing()
	}
	return ring
}
