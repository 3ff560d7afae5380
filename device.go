package tcmu

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/ctrl"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/internal/ring"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// Device is one SCSI logical unit served from userspace. Attributes are
// read through getters and changed through setters; commands see a single
// consistent snapshot of them.
type Device struct {
	name    ctrl.DeviceName
	minor   int
	handler Handler
	cfgfs   *ctrl.ConfigFS // nil when not attached to configfs
	logger  *logging.Logger

	// attrs is replaced, never modified in place. attrMu serializes writers.
	attrs  atomic.Pointer[scsi.Attrs]
	attrMu sync.Mutex

	mu            sync.Mutex
	fd            int
	cfgString     string
	private       any
	daemonPrivate any
	port          *scsi.TargetPort

	// blocked is checked before every dispatch decision. dispatching counts
	// the dispatches that passed the check and have not returned yet.
	blocked     atomic.Bool
	dispatching atomic.Int32

	fenced   atomic.Bool
	fenceErr atomic.Pointer[error]

	// capacityChanged latches a size change until the next media command.
	capacityChanged atomic.Bool

	runner  *queue.Runner
	metrics *Metrics
}

// DeviceConfig describes a device created outside a Target, e.g. in tests.
type DeviceConfig struct {
	Name      string // configfs device name
	Subtype   string
	CfgString string
	Attrs     scsi.Attrs
	Logger    *logging.Logger
}

// DefaultAttrs returns the attributes a new device starts with.
func DefaultAttrs() scsi.Attrs {
	return scsi.Attrs{
		BlockSize:    DefaultBlockSize,
		MaxXferLen:   DefaultMaxXferLen,
		OptUnmapGran: DefaultOptUnmapGran,
	}
}

// NewDevice creates a device that is not attached to the kernel.
func NewDevice(h Handler, config DeviceConfig) *Device {
	subtype := config.Subtype
	if subtype == "" && h != nil {
		subtype = h.Subtype()
	}
	name := ctrl.DeviceName{Device: config.Name, Subtype: subtype, CfgString: config.CfgString}
	attrs := config.Attrs
	if attrs.BlockSize == 0 {
		def := DefaultAttrs()
		attrs.BlockSize = def.BlockSize
		if attrs.MaxXferLen == 0 {
			attrs.MaxXferLen = def.MaxXferLen
		}
	}
	return newDevice(name, -1, h, nil, config.Logger, attrs)
}

func newDevice(name ctrl.DeviceName, minor int, h Handler, cfgfs *ctrl.ConfigFS, logger *logging.Logger, attrs scsi.Attrs) *Device {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Device{
		name:      name,
		minor:     minor,
		handler:   h,
		cfgfs:     cfgfs,
		logger:    logger.WithDevice(name.Device),
		fd:        -1,
		cfgString: name.CfgString,
		metrics:   NewMetrics(),
	}
	d.attrs.Store(&attrs)
	return d
}

// Name is the configfs name of the device.
func (d *Device) Name() string { return d.name.Device }

// UIOName is the full uio name, tcm-user/<hba>/<dev>/<subtype>/<cfgstring>.
func (d *Device) UIOName() string { return d.name.String() }

func (d *Device) Subtype() string { return d.name.Subtype }

// Minor is the uio minor number, or -1 for a detached device.
func (d *Device) Minor() int { return d.minor }

func (d *Device) Handler() Handler { return d.handler }

func (d *Device) Logger() *logging.Logger { return d.logger }

func (d *Device) Metrics() *Metrics { return d.metrics }

func (d *Device) FD() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fd
}

func (d *Device) SetFD(fd int) {
	d.mu.Lock()
	d.fd = fd
	d.mu.Unlock()
}

func (d *Device) CfgString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgString
}

func (d *Device) SetCfgString(s string) {
	d.mu.Lock()
	d.cfgString = s
	d.mu.Unlock()
}

// Private is the handler's per-device payload.
func (d *Device) Private() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.private
}

func (d *Device) SetPrivate(p any) {
	d.mu.Lock()
	d.private = p
	d.mu.Unlock()
}

// DaemonPrivate is reserved for the program embedding the library.
func (d *Device) DaemonPrivate() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.daemonPrivate
}

func (d *Device) SetDaemonPrivate(p any) {
	d.mu.Lock()
	d.daemonPrivate = p
	d.mu.Unlock()
}

// TargetPort returns the port reported in INQUIRY, or nil.
func (d *Device) TargetPort() *scsi.TargetPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

func (d *Device) SetTargetPort(p *scsi.TargetPort) {
	d.mu.Lock()
	d.port = p
	d.mu.Unlock()
}

// Attrs returns the current attribute snapshot.
func (d *Device) Attrs() scsi.Attrs { return *d.attrs.Load() }

// update applies fn to a copy of the attributes and publishes it.
func (d *Device) update(fn func(a *scsi.Attrs)) {
	d.attrMu.Lock()
	defer d.attrMu.Unlock()
	a := *d.attrs.Load()
	fn(&a)
	d.attrs.Store(&a)
}

func (d *Device) NumLBAs() uint64           { return d.attrs.Load().NumLBAs }
func (d *Device) BlockSize() uint32         { return d.attrs.Load().BlockSize }
func (d *Device) MaxXferLen() uint32        { return d.attrs.Load().MaxXferLen }
func (d *Device) OptUnmapGran() uint32      { return d.attrs.Load().OptUnmapGran }
func (d *Device) UnmapGranAlign() uint32    { return d.attrs.Load().UnmapGranAlign }
func (d *Device) WriteCacheEnabled() bool   { return d.attrs.Load().WriteCache }
func (d *Device) SolidStateMedia() bool     { return d.attrs.Load().SolidState }
func (d *Device) UnmapEnabled() bool        { return d.attrs.Load().Unmap }
func (d *Device) Readiness() scsi.Readiness { return d.attrs.Load().Readiness }

func (d *Device) SetNumLBAs(n uint64) {
	d.update(func(a *scsi.Attrs) { a.NumLBAs = n })
}

func (d *Device) SetBlockSize(n uint32) {
	d.update(func(a *scsi.Attrs) { a.BlockSize = n })
}

func (d *Device) SetMaxXferLen(n uint32) {
	d.update(func(a *scsi.Attrs) { a.MaxXferLen = n })
}

func (d *Device) SetOptUnmapGran(n uint32) {
	d.update(func(a *scsi.Attrs) { a.OptUnmapGran = n })
}

func (d *Device) SetUnmapGranAlign(n uint32) {
	d.update(func(a *scsi.Attrs) { a.UnmapGranAlign = n })
}

func (d *Device) SetWriteCacheEnabled(v bool) {
	d.update(func(a *scsi.Attrs) { a.WriteCache = v })
}

func (d *Device) SetSolidStateMedia(v bool) {
	d.update(func(a *scsi.Attrs) { a.SolidState = v })
}

// SetUnmapEnabled advertises thin provisioning; zeroes reports whether
// unmapped blocks read back as zeroes.
func (d *Device) SetUnmapEnabled(v bool, zeroes bool) {
	d.update(func(a *scsi.Attrs) {
		a.Unmap = v
		a.UnmapZeroes = v && zeroes
	})
}

func (d *Device) SetReadiness(r scsi.Readiness) {
	d.update(func(a *scsi.Attrs) { a.Readiness = r })
}

// SetIdentity sets the unit serial number and product reported by INQUIRY.
func (d *Device) SetIdentity(wwn, product string) {
	d.update(func(a *scsi.Attrs) {
		a.WWN = wwn
		a.Product = product
	})
}

// UpdateNumLBAs sets the LBA count for a new size in bytes and latches the
// capacity-changed condition reported to the next media command.
func (d *Device) UpdateNumLBAs(newSize uint64) error {
	var err error
	d.update(func(a *scsi.Attrs) {
		if a.BlockSize == 0 {
			err = NewDeviceError("UPDATE_NUM_LBAS", d.Name(), ErrCodeInvalidParameters, "block size is not set")
			return
		}
		a.NumLBAs = newSize / uint64(a.BlockSize)
	})
	if err != nil {
		return err
	}
	d.capacityChanged.Store(true)
	d.logger.Info("capacity changed", "size", newSize, "num_lbas", d.NumLBAs())
	return nil
}

// CapacityChanged reports whether a size change is waiting to be reported.
func (d *Device) CapacityChanged() bool { return d.capacityChanged.Load() }

// Blocked reports whether new commands are held in the ring.
func (d *Device) Blocked() bool { return d.blocked.Load() }

// Block stops dispatch of new commands. Commands already handed to the
// handler keep running. When attached to configfs the kernel is asked to
// stop queueing as well. Handlers may call Block from HandleCommand.
func (d *Device) Block() error {
	d.blocked.Store(true)
	d.logger.Debug("device blocked")
	return d.kernelAction("block_dev", 1)
}

// Unblock resumes dispatch, starting with commands that were left in the
// ring.
func (d *Device) Unblock() error {
	d.blocked.Store(false)
	err := d.kernelAction("block_dev", 0)
	d.poke()
	d.logger.Debug("device unblocked")
	return err
}

// Reset clears the block gate and the latched capacity change.
func (d *Device) Reset() error {
	d.capacityChanged.Store(false)
	return d.Unblock()
}

func (d *Device) kernelAction(name string, val uint64) error {
	if d.cfgfs == nil || !d.cfgfs.FileSupported(d.name, name) {
		return nil
	}
	return wrapErr("EXEC_ACTION", d.cfgfs.ExecAction(d.name, name, val))
}

// Fenced reports whether the device refuses all commands.
func (d *Device) Fenced() bool { return d.fenced.Load() }

// FenceReason is the error passed to Fence, or nil.
func (d *Device) FenceReason() error {
	if p := d.fenceErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Fence makes every following command complete with scsi.Fenced without
// reaching the handler.
func (d *Device) Fence(reason error) {
	d.fenceErr.Store(&reason)
	if !d.fenced.Swap(true) {
		d.logger.Error("device fenced", "reason", reason)
	}
}

func (d *Device) Unfence() {
	d.fenced.Store(false)
	d.fenceErr.Store(nil)
}

// Outstanding returns the number of commands taken from the ring whose
// completion has not been acknowledged.
func (d *Device) Outstanding() int {
	if d.runner == nil {
		return 0
	}
	return d.runner.Outstanding()
}

// Drain waits until no command is outstanding.
func (d *Device) Drain(ctx context.Context) error {
	if d.runner == nil {
		return nil
	}
	return wrapErr("DRAIN", d.runner.Drain(ctx))
}

// Quiesce waits until no HandleCommand call that started before the device
// was blocked is still running. Asynchronous commands may still be
// outstanding afterwards. It must not be called from a handler.
func (d *Device) Quiesce(ctx context.Context) error {
	t := time.NewTicker(constants.DrainPollInterval)
	defer t.Stop()
	for d.dispatching.Load() > 0 {
		select {
		case <-ctx.Done():
			return wrapErr("QUIESCE", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// Flush drains outstanding commands and then flushes the handler's cache.
func (d *Device) Flush(ctx context.Context) error {
	if err := d.Drain(ctx); err != nil {
		return err
	}
	if f, ok := d.handler.(Flusher); ok {
		return wrapErr("FLUSH", f.Flush(ctx, d))
	}
	return nil
}

func (d *Device) poke() {
	if d.runner != nil {
		d.runner.Poke()
	}
}

// configfs access

func (d *Device) configFS(op string) (*ctrl.ConfigFS, error) {
	if d.cfgfs == nil {
		return nil, NewDeviceError(op, d.Name(), ErrCodeNotSupported, "device is not attached to configfs")
	}
	return d.cfgfs, nil
}

// cfgfsPath resolves a path relative to the device's configfs directory.
func (d *Device) cfgfsPath(cfs *ctrl.ConfigFS, rel string) string {
	return filepath.Join(cfs.DevDir(d.name), rel)
}

// CfgfsString reads a file below the device's configfs directory.
func (d *Device) CfgfsString(rel string) (string, error) {
	cfs, err := d.configFS("CFGFS_READ")
	if err != nil {
		return "", err
	}
	s, err := cfs.ReadString(d.cfgfsPath(cfs, rel))
	return s, wrapErr("CFGFS_READ", err)
}

func (d *Device) SetCfgfsString(rel, val string) error {
	cfs, err := d.configFS("CFGFS_WRITE")
	if err != nil {
		return err
	}
	return wrapErr("CFGFS_WRITE", cfs.WriteString(d.cfgfsPath(cfs, rel), val))
}

func (d *Device) CfgfsInt(rel string) (int64, error) {
	cfs, err := d.configFS("CFGFS_READ")
	if err != nil {
		return 0, err
	}
	v, err := cfs.ReadInt(d.cfgfsPath(cfs, rel))
	return v, wrapErr("CFGFS_READ", err)
}

func (d *Device) SetCfgfsUint(rel string, val uint64) error {
	cfs, err := d.configFS("CFGFS_WRITE")
	if err != nil {
		return err
	}
	return wrapErr("CFGFS_WRITE", cfs.WriteUint(d.cfgfsPath(cfs, rel), val))
}

// Attribute reads attrib/<name>, e.g. hw_block_size or emulate_write_cache.
func (d *Device) Attribute(name string) (int64, error) {
	cfs, err := d.configFS("ATTRIBUTE")
	if err != nil {
		return 0, err
	}
	v, err := cfs.Attribute(d.name, name)
	return v, wrapErr("ATTRIBUTE", err)
}

func (d *Device) FileSupported(name string) bool {
	return d.cfgfs != nil && d.cfgfs.FileSupported(d.name, name)
}

func (d *Device) ExecAction(name string, val uint64) error {
	cfs, err := d.configFS("EXEC_ACTION")
	if err != nil {
		return err
	}
	return wrapErr("EXEC_ACTION", cfs.ExecAction(d.name, name, val))
}

func (d *Device) SetControl(key string, val uint64) error {
	cfs, err := d.configFS("SET_CONTROL")
	if err != nil {
		return err
	}
	return wrapErr("SET_CONTROL", cfs.SetControl(d.name, key, val))
}

// SetDevSize reports the current NumLBAs*BlockSize to the kernel.
func (d *Device) SetDevSize() error {
	cfs, err := d.configFS("SET_DEV_SIZE")
	if err != nil {
		return err
	}
	a := d.Attrs()
	return wrapErr("SET_DEV_SIZE", cfs.SetDevSize(d.name, a.NumLBAs*uint64(a.BlockSize)))
}

// DevSize returns the size in bytes configured in the kernel.
func (d *Device) DevSize() (int64, error) {
	cfs, err := d.configFS("DEV_SIZE")
	if err != nil {
		return 0, err
	}
	v, err := cfs.DevSize(d.name)
	return v, wrapErr("DEV_SIZE", err)
}

// WWN returns the kernel's unit serial number for the device.
func (d *Device) WWN() (string, error) {
	cfs, err := d.configFS("WWN")
	if err != nil {
		return "", err
	}
	v, err := cfs.WWN(d.name)
	return v, wrapErr("WWN", err)
}

// loadKernelAttrs fills the snapshot from configfs. Missing attributes keep
// their defaults.
func (d *Device) loadKernelAttrs() error {
	bs, err := d.Attribute("hw_block_size")
	if err != nil {
		return err
	}
	if bs <= 0 {
		return NewDeviceError("ATTRIBUTE", d.Name(), ErrCodeInvalidParameters, "invalid hw_block_size "+strconv.FormatInt(bs, 10))
	}
	d.SetBlockSize(uint32(bs))

	size, err := d.DevSize()
	if err != nil {
		return err
	}
	d.SetNumLBAs(uint64(size) / uint64(bs))

	if v, err := d.Attribute("hw_max_sectors"); err == nil && v > 0 {
		d.SetMaxXferLen(uint32(v))
	}
	if v, err := d.Attribute("emulate_write_cache"); err == nil {
		d.SetWriteCacheEnabled(v != 0)
	}
	if v, err := d.Attribute("is_nonrot"); err == nil {
		d.SetSolidStateMedia(v != 0)
	}
	if wwn, err := d.WWN(); err == nil && wwn != "" {
		d.update(func(a *scsi.Attrs) { a.WWN = wwn })
	}
	return nil
}

// TMR is a task management notification from the kernel naming the
// commands it aborted.
type TMR struct {
	Type   uint8
	CmdIDs []uint16
}

// TMRHandler is implemented by handlers that want task management
// notifications.
type TMRHandler interface {
	HandleTMR(dev *Device, tmr TMR)
}

// start serves the ring mapped at mem until stop.
func (d *Device) start(ctx context.Context, mem []byte, n queue.Notifier, opts *Options) error {
	var logger queue.Logger = d.logger
	if opts.Logger != nil {
		logger = opts.Logger
	}
	var observer Observer = NewMetricsObserver(d.metrics)
	if opts.Observer != nil {
		observer = opts.Observer
	}

	r, err := queue.NewRunner(ctx, queue.Config{
		Name:        d.Name(),
		Mem:         mem,
		Notifier:    n,
		Dispatcher:  dispatcher{d},
		MaxInflight: opts.MaxInflight,
		Logger:      logger,
		Observer:    observer,
		OnFatal:     d.Fence,
		OnTMR: func(tmr ring.TMR) {
			if h, ok := d.handler.(TMRHandler); ok {
				h.HandleTMR(d, TMR{Type: tmr.Type, CmdIDs: tmr.CmdIDs})
			}
		},
	})
	if err != nil {
		return wrapErr("START", err)
	}
	d.runner = r
	r.Start()
	return nil
}

// stop ends command processing. Commands still held by the handler are
// abandoned.
func (d *Device) stop() error {
	if d.runner == nil {
		return nil
	}
	d.metrics.Stop()
	err := d.runner.Stop()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return wrapErr("STOP", err)
}
