package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/ring"
	"github.com/ehrlich-b/go-tcmu/internal/uapi"
	"github.com/ehrlich-b/go-tcmu/iovec"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// State is the position of a command in the per-cmd_id state machine
type State int32

const (
	StateReceived      State = iota // Taken from the ring; not yet handed out
	StateDispatched                 // Handed to the dispatcher
	StateCompletedSync              // Dispatcher returned a terminal status
	StatePendingAsync               // Dispatcher returned AsyncHandled
	StateCompleted                  // Completed through the callback; waiting to be posted
	StateAcknowledged               // Completion posted into the ring; command retired
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDispatched:
		return "dispatched"
	case StateCompletedSync:
		return "completed-sync"
	case StatePendingAsync:
		return "pending-async"
	case StateCompleted:
		return "completed"
	case StateAcknowledged:
		return "acknowledged"
	}
	return "unknown"
}

var (
	// ErrBlocked is returned by a Dispatcher that raced with a block request.
	// The command is parked and dispatched again after unblock.
	ErrBlocked = errors.New("queue: device blocked")

	// ErrAlreadyCompleted reports a second completion of the same command.
	ErrAlreadyCompleted = errors.New("queue: command already completed")

	// ErrStopped is returned by Drain when the runner exits with commands
	// still outstanding.
	ErrStopped = errors.New("queue: runner stopped")
)

// Cmd is one outstanding command. The CDB and data segments alias the ring
// mapping and are dropped once the completion has been acknowledged.
type Cmd struct {
	id    uint16
	op    uint8
	bytes uint64
	req   atomic.Pointer[ring.Request]
	sense scsi.SenseBuffer

	state      atomic.Int32
	completed  atomic.Bool
	status     scsi.Status
	dispatched bool

	r     *Runner
	start time.Time
	done  chan struct{}
}

func newCmd(r *Runner, req *ring.Request) *Cmd {
	c := &Cmd{
		id:    req.ID,
		bytes: uint64(req.IOV.Len()),
		r:     r,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	if len(req.CDB) > 0 {
		c.op = req.CDB[0]
	}
	c.req.Store(req)
	return c
}

func (c *Cmd) ID() uint16 { return c.id }

// CDB returns the command descriptor block, or nil once retired.
func (c *Cmd) CDB() []byte {
	if req := c.req.Load(); req != nil {
		return req.CDB
	}
	return nil
}

// IOV returns the data segments, or nil once retired.
func (c *Cmd) IOV() iovec.Vec {
	if req := c.req.Load(); req != nil {
		return req.IOV
	}
	return nil
}

func (c *Cmd) Sense() *scsi.SenseBuffer { return &c.sense }
func (c *Cmd) State() State              { return State(c.state.Load()) }
func (c *Cmd) Done() <-chan struct{}     { return c.done }

// Status returns the completion status. Valid once the command is completed.
func (c *Cmd) Status() scsi.Status { return c.status }

// Complete hands the command's final status to the runner. It may be called
// from any goroutine, exactly once.
func (c *Cmd) Complete(st scsi.Status) error {
	return c.finish(st, StateCompleted)
}

func (c *Cmd) finish(st scsi.Status, to State) error {
	if !c.completed.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrAlreadyCompleted, "cmd %d", c.id)
	}
	c.status = st
	c.state.Store(int32(to))
	c.r.enqueue(c)
	return nil
}

// Dispatcher processes commands taken from the ring.
type Dispatcher interface {
	// Blocked reports whether new commands must stay in the ring.
	Blocked() bool
	// Dispatch returns the status of a synchronously handled command, or
	// scsi.AsyncHandled when the command is completed later through
	// Cmd.Complete.
	Dispatch(cmd *Cmd) (scsi.Status, error)
}

// Notifier is the kernel event channel of a device.
type Notifier interface {
	// Wait blocks until the kernel signals new entries, ctx is done or an
	// implementation-defined timeout passes.
	Wait(ctx context.Context) error
	// Kick tells the kernel that completions were posted.
	Kick() error
}

// Observer receives per-command measurements.
type Observer interface {
	ObserveCommand(op uint8, bytes uint64, latencyNs uint64, st scsi.Status)
	ObserveQueueDepth(depth uint32)
}

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type tracer interface {
	Tracef(format string, args ...interface{})
}

type Config struct {
	Name        string
	Mem         []byte // the mapped uio region, mailbox first
	Notifier    Notifier
	Dispatcher  Dispatcher
	MaxInflight int
	Logger      Logger
	Observer    Observer
	// OnFatal is called once when the device can no longer be served,
	// typically after ring corruption.
	OnFatal func(error)
	// OnTMR is called for task management notifications.
	OnTMR func(ring.TMR)
}

// Runner drives the command ring of one device from a single goroutine.
type Runner struct {
	name        string
	engine      *ring.Engine
	notifier    Notifier
	dispatcher  Dispatcher
	maxInflight int
	logger      Logger
	observer    Observer
	onFatal     func(error)
	onTMR       func(ring.TMR)

	// loop goroutine only
	outstanding map[uint16]*Cmd
	parked      []*Cmd
	active      int

	inflight atomic.Int32

	mu          sync.Mutex
	completions []*Cmd
	wake        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	err    error
}

// NewRunner validates the mapped ring and returns a runner ready to Start.
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Notifier == nil || config.Dispatcher == nil {
		return nil, errors.New("queue: notifier and dispatcher are required")
	}
	if config.Logger != nil {
		config.Logger.Debugf("creating queue runner for device %s", config.Name)
	}

	engine, err := ring.New(config.Mem)
	if err != nil {
		return nil, errors.Wrapf(err, "device %s", config.Name)
	}
	if config.MaxInflight <= 0 {
		config.MaxInflight = constants.DefaultMaxInflight
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		name:        config.Name,
		engine:      engine,
		notifier:    config.Notifier,
		dispatcher:  config.Dispatcher,
		maxInflight: config.MaxInflight,
		logger:      config.Logger,
		observer:    config.Observer,
		onFatal:     config.OnFatal,
		onTMR:       config.OnTMR,
		outstanding: make(map[uint16]*Cmd),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	engine.OnTMR = r.handleTMR
	return r, nil
}

// Start begins processing commands
func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Printf("starting command ring for device %s", r.name)
	}
	events := make(chan struct{}, 1)
	r.wg.Add(2)
	go r.waitLoop(events)
	go r.ioLoop(events)
}

// Stop stops the runner and waits for its goroutines to exit
func (r *Runner) Stop() error {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Err returns the error that stopped the loop, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Poke wakes the loop, e.g. after the device was unblocked.
func (r *Runner) Poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Outstanding returns the number of commands taken from the ring whose
// completion has not been acknowledged.
func (r *Runner) Outstanding() int { return int(r.inflight.Load()) }

// Drain waits until no command is outstanding.
func (r *Runner) Drain(ctx context.Context) error {
	t := time.NewTicker(constants.DrainPollInterval)
	defer t.Stop()
	for r.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			if r.inflight.Load() > 0 {
				return errors.Wrapf(ErrStopped, "%d commands outstanding", r.inflight.Load())
			}
			return nil
		case <-t.C:
		}
	}
	return nil
}

// waitLoop turns kernel notifications into loop wakeups.
func (r *Runner) waitLoop(events chan<- struct{}) {
	defer r.wg.Done()
	for {
		err := r.notifier.Wait(r.ctx)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			r.fail(errors.Wrap(err, "wait for kernel event"))
			return
		}
		select {
		case events <- struct{}{}:
		default:
		}
	}
}

// ioLoop is the main command processing loop
func (r *Runner) ioLoop(events <-chan struct{}) {
	defer r.wg.Done()
	defer close(r.done)

	for {
		if err := r.Process(); err != nil {
			r.fail(err)
			return
		}
		select {
		case <-r.ctx.Done():
			if r.logger != nil {
				r.logger.Debugf("device %s: command loop stopping", r.name)
			}
			return
		case <-events:
		case <-r.wake:
		}
	}
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	first := r.err == nil
	if first {
		r.err = err
	}
	r.mu.Unlock()
	if !first {
		return
	}
	if r.logger != nil {
		r.logger.Printf("device %s: stopping command processing: %v", r.name, err)
	}
	if r.onFatal != nil {
		r.onFatal(err)
	}
	r.cancel()
}

// Process runs one iteration: post queued completions, take new commands
// from the ring unless blocked, post what completed synchronously and
// notify the kernel once for the batch.
func (r *Runner) Process() error {
	posted, err := r.postCompletions()
	if err != nil {
		return err
	}

	if !r.dispatcher.Blocked() {
		if err := r.dispatchParked(); err != nil {
			return err
		}
		if err := r.drain(); err != nil {
			return err
		}
		n, err := r.postCompletions()
		if err != nil {
			return err
		}
		posted += n
	}

	if r.observer != nil {
		r.observer.ObserveQueueDepth(uint32(r.inflight.Load()))
	}
	if posted > 0 {
		if err := r.notifier.Kick(); err != nil {
			return errors.Wrap(err, "notify kernel")
		}
	}
	return nil
}

func (r *Runner) drain() error {
	for !r.dispatcher.Blocked() {
		req, ok, err := r.engine.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := r.receive(req); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) receive(req *ring.Request) error {
	if _, dup := r.outstanding[req.ID]; dup {
		return errors.Wrapf(ring.ErrRingCorrupt, "cmd_id %d is already outstanding", req.ID)
	}
	cmd := newCmd(r, req)
	r.outstanding[req.ID] = cmd
	r.inflight.Add(1)

	if r.active >= r.maxInflight {
		if r.logger != nil {
			r.logger.Debugf("device %s: %d commands in flight, rejecting cmd %d", r.name, r.active, req.ID)
		}
		return cmd.finish(scsi.NoResource, StateCompletedSync)
	}
	r.active++
	cmd.dispatched = true
	r.dispatch(cmd)
	return nil
}

func (r *Runner) dispatchParked() error {
	parked := r.parked
	r.parked = nil
	for i, cmd := range parked {
		if r.dispatcher.Blocked() {
			r.parked = append(r.parked, parked[i:]...)
			return nil
		}
		r.dispatch(cmd)
	}
	return nil
}

func (r *Runner) dispatch(cmd *Cmd) {
	cmd.state.Store(int32(StateDispatched))
	if t, ok := r.logger.(tracer); ok {
		t.Tracef("device %s: cmd %d %s", r.name, cmd.id, scsi.Describe(cmd.CDB()))
	}

	st, err := r.dispatcher.Dispatch(cmd)
	if errors.Is(err, ErrBlocked) {
		cmd.state.Store(int32(StateReceived))
		r.parked = append(r.parked, cmd)
		return
	}
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("device %s: dispatch of cmd %d failed: %v", r.name, cmd.id, err)
		}
		st = scsi.HWErr
	}

	if st == scsi.AsyncHandled {
		cmd.state.CompareAndSwap(int32(StateDispatched), int32(StatePendingAsync))
		return
	}
	if err := cmd.finish(st, StateCompletedSync); err != nil && r.logger != nil {
		r.logger.Printf("device %s: cmd %d returned %s after completing itself", r.name, cmd.id, st)
	}
}

func (r *Runner) enqueue(cmd *Cmd) {
	r.mu.Lock()
	r.completions = append(r.completions, cmd)
	r.mu.Unlock()
	r.Poke()
}

func (r *Runner) postCompletions() (int, error) {
	r.mu.Lock()
	batch := r.completions
	r.completions = nil
	r.mu.Unlock()

	for i, cmd := range batch {
		sam := scsi.StatusToSAM(cmd.status, &cmd.sense)
		if err := r.engine.Post(cmd.id, uint8(sam), (*[uapi.TCMU_SENSE_BUFFERSIZE]byte)(&cmd.sense)); err != nil {
			return i, err
		}
		r.retire(cmd)
	}
	return len(batch), nil
}

func (r *Runner) retire(cmd *Cmd) {
	delete(r.outstanding, cmd.id)
	if cmd.dispatched {
		r.active--
	}
	cmd.req.Store(nil)
	cmd.state.Store(int32(StateAcknowledged))
	r.inflight.Add(-1)
	close(cmd.done)

	if r.observer != nil {
		r.observer.ObserveCommand(cmd.op, cmd.bytes, uint64(time.Since(cmd.start).Nanoseconds()), cmd.status)
	}
}

func (r *Runner) handleTMR(tmr ring.TMR) {
	if r.logger != nil {
		r.logger.Debugf("device %s: task management type %d for %d commands", r.name, tmr.Type, len(tmr.CmdIDs))
	}
	if r.onTMR != nil {
		r.onTMR(tmr)
	}
}
