// Package backend provides block handlers and the stores behind them
package backend

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/interfaces"
)

// ErrOutOfRange is returned for accesses past the end of a store.
var ErrOutOfRange = errors.New("backend: access beyond end of store")

// Memory provides a RAM-based store
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	unmapped int64
}

// NewMemory creates a new memory store of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

func (m *Memory) check(off int64, n int) error {
	if m.data == nil {
		return errors.New("backend: memory store closed")
	}
	if off < 0 || off+int64(n) > m.size {
		return errors.Wrapf(ErrOutOfRange, "[%d,+%d) of %d", off, n, m.size)
	}
	return nil
}

// ReadAt implements the Store interface
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the Store interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the Store interface
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Close implements the Store interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Flush implements the Store interface
func (m *Memory) Flush() error {
	return nil
}

// Unmap implements the Unmapper interface
func (m *Memory) Unmap(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(offset, int(length)); err != nil {
		return err
	}
	clear(m.data[offset : offset+length])
	m.unmapped += length
	return nil
}

// WriteZeroes implements the ZeroWriter interface
func (m *Memory) WriteZeroes(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(offset, int(length)); err != nil {
		return err
	}
	clear(m.data[offset : offset+length])
	return nil
}

// SyncRange implements the RangeSyncer interface
func (m *Memory) SyncRange(offset, length int64) error {
	return nil
}

// Resize implements the Resizer interface
func (m *Memory) Resize(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newSize < 0 {
		return errors.Errorf("backend: invalid size %d", newSize)
	}
	if newSize > int64(cap(m.data)) {
		data := make([]byte, newSize)
		copy(data, m.data)
		m.data = data
	} else {
		m.data = m.data[:newSize]
		if newSize > m.size {
			clear(m.data[m.size:])
		}
	}
	m.size = newSize
	return nil
}

// Stats implements the Stater interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":           "memory",
		"size":           m.size,
		"allocated":      len(m.data),
		"unmapped_bytes": m.unmapped,
	}
}

// Compile-time interface checks
var (
	_ interfaces.Store       = (*Memory)(nil)
	_ interfaces.Unmapper    = (*Memory)(nil)
	_ interfaces.ZeroWriter  = (*Memory)(nil)
	_ interfaces.RangeSyncer = (*Memory)(nil)
	_ interfaces.Stater      = (*Memory)(nil)
	_ interfaces.Resizer     = (*Memory)(nil)
)
