package tcmu

import (
	"context"
	"sync"

	"github.com/ehrlich-b/go-tcmu/internal/ring"
	"github.com/ehrlich-b/go-tcmu/iovec"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// MockStore provides an in-memory Store for testing.
// It implements all optional interfaces and tracks method calls for verification.
type MockStore struct {
	data    []byte
	size    int64
	closed  bool
	flushed bool
	synced  bool
	stats   map[string]interface{}

	// Method call tracking
	mu         sync.RWMutex
	readCalls  int
	writeCalls int
	flushCalls int
	syncCalls  int
	unmapCalls int
}

// NewMockStore creates a new mock store with the specified size.
func NewMockStore(size int64) *MockStore {
	return &MockStore{
		data:  make([]byte, size),
		size:  size,
		stats: make(map[string]interface{}),
	}
}

// ReadAt implements the Store interface
func (m *MockStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, ErrInvalidParameters
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements the Store interface
func (m *MockStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, ErrInvalidParameters
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements the Store interface
func (m *MockStore) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Close implements the Store interface
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Store interface
func (m *MockStore) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	m.flushed = true
	return nil
}

// Unmap implements the Unmapper interface
func (m *MockStore) Unmap(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmapCalls++
	m.zero(offset, length)
	return nil
}

// WriteZeroes implements the ZeroWriter interface
func (m *MockStore) WriteZeroes(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	m.zero(offset, length)
	return nil
}

func (m *MockStore) zero(offset, length int64) {
	if offset >= m.size {
		return
	}
	end := min(offset+length, m.size)
	clear(m.data[offset:end])
}

// SyncRange implements the RangeSyncer interface
func (m *MockStore) SyncRange(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls++
	m.synced = true
	return nil
}

// Stats implements the Stater interface
func (m *MockStore) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	for k, v := range m.stats {
		stats[k] = v
	}

	stats["read_calls"] = m.readCalls
	stats["write_calls"] = m.writeCalls
	stats["flush_calls"] = m.flushCalls
	stats["sync_calls"] = m.syncCalls
	stats["unmap_calls"] = m.unmapCalls

	return stats
}

// Resize implements the Resizer interface
func (m *MockStore) Resize(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newSize < 0 {
		return ErrInvalidParameters
	}

	if newSize > m.size {
		newData := make([]byte, newSize)
		copy(newData, m.data)
		m.data = newData
	} else if newSize < m.size {
		m.data = m.data[:newSize]
	}

	m.size = newSize
	return nil
}

// Testing utility methods

// Bytes returns a copy of the stored data
func (m *MockStore) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// IsClosed returns true if the store has been closed
func (m *MockStore) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called
func (m *MockStore) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// IsSynced returns true if SyncRange has been called
func (m *MockStore) IsSynced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// CallCounts returns the number of times each method has been called
func (m *MockStore) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
		"sync":  m.syncCalls,
		"unmap": m.unmapCalls,
	}
}

// Reset resets all call counters and state flags
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.syncCalls = 0
	m.unmapCalls = 0
	m.flushed = false
	m.synced = false
}

// SetCustomStats allows setting custom statistics for testing
func (m *MockStore) SetCustomStats(stats map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = make(map[string]interface{})
	for k, v := range stats {
		m.stats[k] = v
	}
}

// MockHandler is a Handler that records the commands and lifecycle calls
// it sees. Fn decides the status; without it every command falls back to
// the built-in emulation.
type MockHandler struct {
	Name string
	Fn   func(dev *Device, cmd *Command) scsi.Status

	// ReconfigErr is returned by Reconfig when set
	ReconfigErr error

	mu        sync.Mutex
	opcodes   []uint8
	opens     int
	closes    int
	flushes   int
	reconfigs []Reconfig
	tmrs      []TMR
}

// NewMockHandler creates a mock handler for subtype.
func NewMockHandler(subtype string) *MockHandler {
	return &MockHandler{Name: subtype}
}

func (h *MockHandler) Subtype() string { return h.Name }

// HandleCommand implements the Handler interface
func (h *MockHandler) HandleCommand(dev *Device, cmd *Command) scsi.Status {
	h.mu.Lock()
	h.opcodes = append(h.opcodes, cmd.Opcode())
	fn := h.Fn
	h.mu.Unlock()
	if fn == nil {
		return scsi.NotHandled
	}
	return fn(dev, cmd)
}

// Open implements the Opener interface
func (h *MockHandler) Open(dev *Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens++
	return nil
}

// Close implements the Opener interface
func (h *MockHandler) Close(dev *Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

// Flush implements the Flusher interface
func (h *MockHandler) Flush(ctx context.Context, dev *Device) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushes++
	return nil
}

// Reconfig implements the Reconfigurer interface
func (h *MockHandler) Reconfig(dev *Device, change Reconfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ReconfigErr != nil {
		return h.ReconfigErr
	}
	h.reconfigs = append(h.reconfigs, change)
	return nil
}

// HandleTMR implements the TMRHandler interface
func (h *MockHandler) HandleTMR(dev *Device, tmr TMR) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tmrs = append(h.tmrs, tmr)
}

// Opcodes returns the opcodes of the commands handed to the handler
func (h *MockHandler) Opcodes() []uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint8(nil), h.opcodes...)
}

// CallCounts returns the number of lifecycle calls
func (h *MockHandler) CallCounts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int{
		"open":     h.opens,
		"close":    h.closes,
		"flush":    h.flushes,
		"reconfig": len(h.reconfigs),
		"tmr":      len(h.tmrs),
	}
}

// Reconfigs returns the configuration changes the handler accepted
func (h *MockHandler) Reconfigs() []Reconfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reconfig(nil), h.reconfigs...)
}

// Result is the completion of a command submitted through a Loopback.
type Result struct {
	ID     uint16
	Status scsi.SAMStatus
	Sense  scsi.SenseBuffer
	// Data is a copy of the command's data segments after completion.
	Data []byte
}

// Loopback serves a device from an in-memory ring and plays the kernel
// side, so handlers can be tested without target_core_user.
type Loopback struct {
	dev  *Device
	fake *ring.FakeRing

	events chan struct{}

	mu      sync.Mutex
	nextID  uint16
	waiters map[uint16]*waiter
}

type waiter struct {
	data iovec.Vec
	done chan Result
}

// NewLoopback starts serving a detached device with handler h.
func NewLoopback(ctx context.Context, h Handler, config DeviceConfig, options *Options) (*Loopback, error) {
	opts := DefaultOptions()
	if options != nil {
		opts = *options
	}
	l := &Loopback{
		dev:     NewDevice(h, config),
		fake:    ring.NewFakeRing(64<<10, 4<<20),
		events:  make(chan struct{}, 1),
		waiters: make(map[uint16]*waiter),
	}
	if o, ok := h.(Opener); ok {
		if err := o.Open(l.dev); err != nil {
			return nil, wrapErr("OPEN", err)
		}
	}
	if err := l.dev.start(ctx, l.fake.Mem, l, &opts); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loopback) Device() *Device { return l.dev }

// Wait implements the kernel notification side of the ring.
func (l *Loopback) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.events:
		return nil
	}
}

// Kick collects the completions the device posted.
func (l *Loopback) Kick() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.fake.Reap() {
		w, ok := l.waiters[c.ID]
		if !ok {
			continue
		}
		delete(l.waiters, c.ID)
		res := Result{ID: c.ID, Status: scsi.SAMStatus(c.Status), Data: make([]byte, w.data.Len())}
		copy(res.Sense[:], c.Sense[:])
		iovec.CopyFrom(res.Data, w.data)
		w.done <- res
	}
	return nil
}

// Start queues a command whose data area is split into segments of the
// given sizes and returns a channel delivering its completion.
func (l *Loopback) Start(cdb []byte, data []byte, segs ...int) <-chan Result {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	w := &waiter{done: make(chan Result, 1)}
	w.data = l.fake.Queue(id, cdb, data, segs...)
	l.waiters[id] = w
	l.mu.Unlock()

	select {
	case l.events <- struct{}{}:
	default:
	}
	return w.done
}

// Submit queues one command and waits for its completion.
func (l *Loopback) Submit(ctx context.Context, cdb []byte, data []byte, segs ...int) (Result, error) {
	select {
	case res := <-l.Start(cdb, data, segs...):
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops the device and closes its handler.
func (l *Loopback) Close() error {
	err := l.dev.stop()
	if cerr := closeHandler(l.dev); err == nil {
		err = cerr
	}
	return err
}

// Compile-time interface checks
var (
	_ Store       = (*MockStore)(nil)
	_ Unmapper    = (*MockStore)(nil)
	_ ZeroWriter  = (*MockStore)(nil)
	_ RangeSyncer = (*MockStore)(nil)
	_ Stater      = (*MockStore)(nil)
	_ Resizer     = (*MockStore)(nil)

	_ Handler      = (*MockHandler)(nil)
	_ Opener       = (*MockHandler)(nil)
	_ Flusher      = (*MockHandler)(nil)
	_ Reconfigurer = (*MockHandler)(nil)
	_ TMRHandler   = (*MockHandler)(nil)
)
