// Package tcmu serves SCSI logical units from userspace through the Linux
// target_core_user (TCMU) ring.
package tcmu

import (
	"context"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/ehrlich-b/go-tcmu/internal/ctrl"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/internal/queue"
)

// Options contains the settings shared by all devices of a Target.
type Options struct {
	// Context bounds the lifetime of every device (if nil, uses context.Background())
	Context context.Context

	// Logger for runner messages (if nil, the device logger is used)
	Logger Logger

	// Observer for metrics collection (if nil, each device feeds its own Metrics)
	Observer Observer

	// ConfigFSRoot is the target core's configfs root
	ConfigFSRoot string

	// MaxInflight bounds the commands handed to a handler per device;
	// more are answered with TASK SET FULL.
	MaxInflight int

	// DevDir and SysfsDir locate the uio nodes.
	DevDir   string
	SysfsDir string
}

// DefaultOptions returns default target options
func DefaultOptions() Options {
	return Options{
		Context:      context.Background(),
		ConfigFSRoot: DefaultConfigFSRoot,
		MaxInflight:  DefaultMaxInflight,
		DevDir:       "/dev",
		SysfsDir:     "/sys/class/uio",
	}
}

// uioRing is an open, mapped uio device.
type uioRing interface {
	queue.Notifier
	Name() ctrl.DeviceName
	FD() int
	Mem() []byte
	Close() error
}

// eventSource delivers control-channel events and takes their replies.
type eventSource interface {
	Receive(ctx context.Context) ([]ctrl.Event, error)
	Reply(ev ctrl.Event, status int32) error
	Close() error
}

type entry struct {
	dev  *Device
	ring uioRing
}

// Target is the daemon context: it owns the handler registry and every
// device the kernel created for those handlers.
type Target struct {
	opts   Options
	cfgfs  *ctrl.ConfigFS
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	devices  map[int]*entry

	events   eventSource
	openRing func(ctx context.Context, minor int) (uioRing, error)
}

// NewTarget creates a target with no handlers and no devices.
func NewTarget(options *Options) *Target {
	opts := DefaultOptions()
	if options != nil {
		if options.Context != nil {
			opts.Context = options.Context
		}
		if options.ConfigFSRoot != "" {
			opts.ConfigFSRoot = options.ConfigFSRoot
		}
		if options.MaxInflight > 0 {
			opts.MaxInflight = options.MaxInflight
		}
		if options.DevDir != "" {
			opts.DevDir = options.DevDir
		}
		if options.SysfsDir != "" {
			opts.SysfsDir = options.SysfsDir
		}
		opts.Logger = options.Logger
		opts.Observer = options.Observer
	}

	logger := logging.Default()
	if l, ok := opts.Logger.(*logging.Logger); ok && l != nil {
		logger = l
	}

	t := &Target{
		opts:     opts,
		cfgfs:    ctrl.NewConfigFS(opts.ConfigFSRoot),
		logger:   logger,
		handlers: make(map[string]Handler),
		devices:  make(map[int]*entry),
	}
	t.ctx, t.cancel = context.WithCancel(opts.Context)
	t.openRing = func(ctx context.Context, minor int) (uioRing, error) {
		return ctrl.OpenUIO(ctx, t.opts.DevDir, t.opts.SysfsDir, minor)
	}
	return t
}

// RegisterHandler makes h serve devices of its subtype.
func (t *Target) RegisterHandler(h Handler) error {
	if h == nil || h.Subtype() == "" {
		return NewError("REGISTER_HANDLER", ErrCodeInvalidParameters, "handler without subtype")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.handlers[h.Subtype()]; dup {
		return NewError("REGISTER_HANDLER", ErrCodeInvalidParameters, "subtype "+h.Subtype()+" already registered")
	}
	t.handlers[h.Subtype()] = h
	t.logger.Info("handler registered", "subtype", h.Subtype())
	return nil
}

// Handler returns the handler registered for subtype.
func (t *Target) Handler(subtype string) (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handlers[subtype]
	return h, ok
}

// Handlers returns the registered handlers ordered by subtype.
func (t *Target) Handlers() []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].Subtype() < hs[j].Subtype() })
	return hs
}

// Device returns the device served for uio minor.
func (t *Target) Device(minor int) (*Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.devices[minor]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// Devices returns the served devices ordered by minor.
func (t *Target) Devices() []*Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	devs := make([]*Device, 0, len(t.devices))
	for _, e := range t.devices {
		devs = append(devs, e.dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Minor() < devs[j].Minor() })
	return devs
}

// ConfigFS returns the attribute store devices are attached to.
func (t *Target) ConfigFS() *ctrl.ConfigFS { return t.cfgfs }

// Start subscribes to the control channel and picks up the devices that
// already exist. Netlink events are held back by the kernel meanwhile so
// no device is seen twice.
func (t *Target) Start(ctx context.Context) error {
	if err := t.cfgfs.BlockNetlink(); err != nil {
		t.logger.Warn("cannot block netlink events", "error", err)
	} else {
		defer func() {
			if err := t.cfgfs.UnblockNetlink(); err != nil {
				t.logger.Warn("cannot unblock netlink events", "error", err)
			}
		}()
	}
	if err := t.cfgfs.ResetNetlink(); err != nil {
		t.logger.Debug("cannot reset netlink requests", "error", err)
	}

	if t.events == nil {
		nl, err := ctrl.OpenNetlink(t.logger)
		if err != nil {
			return wrapErr("OPEN_NETLINK", err)
		}
		t.events = nl
	}
	return t.Scan(ctx)
}

// Scan adds every tcmu uio device not served yet. Devices whose handler
// is unknown or that fail to open are logged and skipped.
func (t *Target) Scan(ctx context.Context) error {
	minors, err := ctrl.Scan(t.opts.SysfsDir)
	if err != nil {
		return wrapErr("SCAN", err)
	}
	for _, minor := range minors {
		if _, ok := t.Device(minor); ok {
			continue
		}
		if err := t.AddDevice(ctx, minor); err != nil {
			t.logger.Warn("skipping device", "minor", minor, "error", err)
		}
	}
	return nil
}

// Serve handles control-channel events until ctx is done.
func (t *Target) Serve(ctx context.Context) error {
	if t.events == nil {
		return NewError("SERVE", ErrCodeInvalidParameters, "target not started")
	}
	for {
		events, err := t.events.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return wrapErr("RECEIVE", err)
		}
		for _, ev := range events {
			t.handleEvent(ctx, ev)
		}
	}
}

func (t *Target) handleEvent(ctx context.Context, ev ctrl.Event) {
	t.logger.Debug("control event", "kind", ev.Kind.String(), "device", ev.Device, "minor", ev.Minor)

	var err error
	switch ev.Kind {
	case ctrl.EventAdded:
		err = t.AddDevice(ctx, int(ev.Minor))
	case ctrl.EventRemoved:
		err = t.RemoveDevice(int(ev.Minor))
	case ctrl.EventReconfig:
		err = t.reconfig(ev)
	default:
		err = NewErrorWithErrno("EVENT", ErrCodeNotSupported, syscall.EOPNOTSUPP)
	}

	var status int32
	if err != nil {
		t.logger.Error("control event failed", "kind", ev.Kind.String(), "device", ev.Device, "error", err)
		status = -int32(errnoOf(err))
	}
	if rerr := t.events.Reply(ev, status); rerr != nil {
		t.logger.Error("control event reply failed", "device", ev.Device, "error", rerr)
	}
}

// AddDevice opens the uio device of minor and starts serving it.
func (t *Target) AddDevice(ctx context.Context, minor int) error {
	if _, ok := t.Device(minor); ok {
		return nil
	}

	r, err := t.openRing(ctx, minor)
	if err != nil {
		return wrapErr("OPEN_UIO", err)
	}
	name := r.Name()

	h, ok := t.Handler(name.Subtype)
	if !ok {
		r.Close()
		return &Error{Op: "ADD_DEVICE", Device: name.Device, CmdID: -1, Code: ErrCodeHandlerNotFound,
			Errno: syscall.ENOENT, Msg: "no handler for subtype " + name.Subtype}
	}
	if cc, ok := h.(ConfigChecker); ok {
		if err := cc.CheckConfig(name.CfgString); err != nil {
			r.Close()
			return &Error{Op: "CHECK_CONFIG", Device: name.Device, CmdID: -1, Code: ErrCodeInvalidParameters,
				Errno: syscall.EINVAL, Msg: err.Error(), Inner: err}
		}
	}

	dev := newDevice(name, minor, h, t.cfgfs, t.logger, DefaultAttrs())
	dev.SetFD(r.FD())
	if err := dev.loadKernelAttrs(); err != nil {
		r.Close()
		return err
	}

	if o, ok := h.(Opener); ok {
		if err := o.Open(dev); err != nil {
			r.Close()
			return wrapErr("OPEN", err)
		}
	}

	if err := dev.start(t.ctx, r.Mem(), r, &t.opts); err != nil {
		err = multierr.Append(err, closeHandler(dev))
		return multierr.Append(err, r.Close())
	}

	t.mu.Lock()
	t.devices[minor] = &entry{dev: dev, ring: r}
	t.mu.Unlock()
	dev.logger.Info("device added", "minor", minor, "subtype", name.Subtype,
		"block_size", dev.BlockSize(), "num_lbas", dev.NumLBAs())
	return nil
}

// RemoveDevice stops serving minor and releases it.
func (t *Target) RemoveDevice(minor int) error {
	t.mu.Lock()
	e, ok := t.devices[minor]
	delete(t.devices, minor)
	t.mu.Unlock()
	if !ok {
		return &Error{Op: "REMOVE_DEVICE", CmdID: -1, Code: ErrCodeDeviceNotFound, Errno: syscall.ENODEV,
			Msg: "no device for minor"}
	}

	err := multierr.Combine(
		e.dev.stop(),
		closeHandler(e.dev),
		wrapErr("CLOSE_UIO", e.ring.Close()),
	)
	e.dev.SetFD(-1)
	e.dev.logger.Info("device removed", "minor", minor)
	return err
}

func closeHandler(dev *Device) error {
	if o, ok := dev.handler.(Opener); ok {
		return wrapErr("CLOSE", o.Close(dev))
	}
	return nil
}

// reconfigQuiesceTimeout bounds the wait for running HandleCommand calls
// before a configuration change is applied.
const reconfigQuiesceTimeout = 30 * time.Second

// reconfig applies one kernel configuration change with the device
// blocked. Handlers that implement Reconfigurer see the change first and
// may refuse it.
func (t *Target) reconfig(ev ctrl.Event) error {
	dev, ok := t.Device(int(ev.Minor))
	if !ok {
		return &Error{Op: "RECONFIG", Device: ev.Device, CmdID: -1, Code: ErrCodeDeviceNotFound,
			Errno: syscall.ENODEV, Msg: "no device for minor"}
	}
	change := Reconfig{CfgString: ev.Cfg, Size: ev.Size, WriteCache: ev.WriteCache}

	if err := dev.Block(); err != nil {
		dev.logger.Warn("kernel block failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(t.ctx, reconfigQuiesceTimeout)
	err := dev.Quiesce(ctx)
	cancel()
	if err == nil {
		err = dev.applyReconfig(change)
	}
	if uerr := dev.Unblock(); uerr != nil {
		dev.logger.Warn("kernel unblock failed", "error", uerr)
	}
	return err
}

func (d *Device) applyReconfig(change Reconfig) error {
	if r, ok := d.handler.(Reconfigurer); ok {
		if err := r.Reconfig(d, change); err != nil {
			return wrapErr("RECONFIG", err)
		}
	} else if change.CfgString != nil {
		return NewErrorWithErrno("RECONFIG", ErrCodeNotSupported, syscall.EOPNOTSUPP)
	}

	if change.Size != nil {
		if err := d.UpdateNumLBAs(*change.Size); err != nil {
			return err
		}
	}
	if change.WriteCache != nil {
		d.SetWriteCacheEnabled(*change.WriteCache)
	}
	if change.CfgString != nil {
		d.SetCfgString(*change.CfgString)
	}
	d.logger.Info("device reconfigured")
	return nil
}

// Close removes every device and leaves the control channel.
func (t *Target) Close() error {
	t.mu.Lock()
	minors := make([]int, 0, len(t.devices))
	for m := range t.devices {
		minors = append(minors, m)
	}
	t.mu.Unlock()

	var err error
	for _, m := range minors {
		err = multierr.Append(err, t.RemoveDevice(m))
	}
	t.cancel()
	if t.events != nil {
		err = multierr.Append(err, t.events.Close())
		t.events = nil
	}
	return err
}
