package tcmu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tcmu/internal/ctrl"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/internal/ring"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// fakeUIO is a uio device backed by an in-memory ring.
type fakeUIO struct {
	name   ctrl.DeviceName
	ring   *ring.FakeRing
	events chan struct{}
	kicks  chan struct{}
	closed bool
}

func newFakeUIO(name ctrl.DeviceName) *fakeUIO {
	return &fakeUIO{
		name:   name,
		ring:   ring.NewFakeRing(4096, 64<<10),
		events: make(chan struct{}, 1),
		kicks:  make(chan struct{}, 16),
	}
}

func (u *fakeUIO) Name() ctrl.DeviceName { return u.name }
func (u *fakeUIO) FD() int               { return 100 }
func (u *fakeUIO) Mem() []byte           { return u.ring.Mem }

func (u *fakeUIO) Close() error {
	u.closed = true
	return nil
}

func (u *fakeUIO) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.events:
		return nil
	}
}

func (u *fakeUIO) Kick() error {
	select {
	case u.kicks <- struct{}{}:
	default:
	}
	return nil
}

// fakeEvents is a control channel fed by the test.
type fakeEvents struct {
	in      chan ctrl.Event
	replies chan int32
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{in: make(chan ctrl.Event, 4), replies: make(chan int32, 4)}
}

func (f *fakeEvents) Receive(ctx context.Context) ([]ctrl.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-f.in:
		return []ctrl.Event{ev}, nil
	}
}

func (f *fakeEvents) Reply(ev ctrl.Event, status int32) error {
	f.replies <- status
	return nil
}

func (f *fakeEvents) Close() error { return nil }

func (f *fakeEvents) send(t *testing.T, ev ctrl.Event) int32 {
	t.Helper()
	f.in <- ev
	select {
	case st := <-f.replies:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("no reply to control event")
	}
	return 0
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type targetFixture struct {
	target *Target
	events *fakeEvents
	uios   map[int]*fakeUIO
	sysfs  string
	cfgfs  string
}

// newTargetFixture builds configfs and sysfs trees for the uio devices in
// names, keyed by minor.
func newTargetFixture(t *testing.T, names map[int]string) *targetFixture {
	t.Helper()
	dir := t.TempDir()
	f := &targetFixture{
		events: newFakeEvents(),
		uios:   make(map[int]*fakeUIO),
		sysfs:  filepath.Join(dir, "sys"),
		cfgfs:  filepath.Join(dir, "config"),
	}
	require.NoError(t, os.MkdirAll(f.sysfs, 0o755))

	modParams := filepath.Join(dir, "params")
	writeFile(t, filepath.Join(modParams, "block_netlink"), "0")
	writeFile(t, filepath.Join(modParams, "reset_netlink"), "0")

	for minor, raw := range names {
		f.addUIO(t, minor, raw)
	}

	f.target = NewTarget(&Options{
		ConfigFSRoot: f.cfgfs,
		SysfsDir:     f.sysfs,
		DevDir:       filepath.Join(dir, "dev"),
		Logger:       logging.Nop(),
	})
	f.target.ConfigFS().WithModuleParams(modParams)
	f.target.events = f.events
	f.target.openRing = func(ctx context.Context, minor int) (uioRing, error) {
		u, ok := f.uios[minor]
		if !ok {
			return nil, syscall.ENOENT
		}
		return u, nil
	}
	t.Cleanup(func() { f.target.Close() })
	return f
}

func (f *targetFixture) addUIO(t *testing.T, minor int, raw string) {
	t.Helper()
	name, err := ctrl.ParseDeviceName(raw)
	require.NoError(t, err)
	writeFile(t, filepath.Join(f.sysfs, "uio"+strconv.Itoa(minor), "name"), raw+"\n")

	dev := filepath.Join(f.cfgfs, "core", name.ConfigDir())
	writeFile(t, filepath.Join(dev, "attrib", "hw_block_size"), "4096\n")
	writeFile(t, filepath.Join(dev, "attrib", "hw_max_sectors"), "256\n")
	writeFile(t, filepath.Join(dev, "attrib", "emulate_write_cache"), "1\n")
	writeFile(t, filepath.Join(dev, "attrib", "is_nonrot"), "1\n")
	writeFile(t, filepath.Join(dev, "info"), "Status: ACTIVATED  Max Queue Depth: 0  SectorSize: 4096  HwMaxSectors: 256\n        Config: "+name.CfgString+" Size: 1048576 MaxDataAreaMB: 8\n")
	writeFile(t, filepath.Join(dev, "wwn", "vpd_unit_serial"), "T10 VPD Unit Serial Number: 6001405abcdef\n")
	writeFile(t, filepath.Join(dev, "action", "block_dev"), "0")
	f.uios[minor] = newFakeUIO(name)
}

func (f *targetFixture) blockDev(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.cfgfs, "core", "user_0", name, "action", "block_dev"))
	require.NoError(t, err)
	return string(b)
}

func (f *targetFixture) serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.target.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestRegisterHandler(t *testing.T) {
	target := NewTarget(nil)
	require.NoError(t, target.RegisterHandler(NewMockHandler("file")))
	require.NoError(t, target.RegisterHandler(NewMockHandler("glfs")))

	err := target.RegisterHandler(NewMockHandler("file"))
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
	err = target.RegisterHandler(NewMockHandler(""))
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))

	h, ok := target.Handler("file")
	require.True(t, ok)
	assert.Equal(t, "file", h.Subtype())

	hs := target.Handlers()
	require.Len(t, hs, 2)
	assert.Equal(t, "file", hs[0].Subtype())
	assert.Equal(t, "glfs", hs[1].Subtype())
}

func TestTargetStartScansDevices(t *testing.T) {
	f := newTargetFixture(t, map[int]string{
		3: "tcm-user/0/lun0/mock/size=1M",
		5: "tcm-user/0/lun1/other/x",
	})
	h := NewMockHandler("mock")
	require.NoError(t, f.target.RegisterHandler(h))

	require.NoError(t, f.target.Start(context.Background()))

	devs := f.target.Devices()
	require.Len(t, devs, 1, "device with an unknown handler is skipped")
	dev := devs[0]
	assert.Equal(t, 3, dev.Minor())
	assert.Equal(t, "lun0", dev.Name())
	assert.Equal(t, "size=1M", dev.CfgString())
	assert.Equal(t, 100, dev.FD())
	assert.Equal(t, uint32(4096), dev.BlockSize())
	assert.Equal(t, uint64(256), dev.NumLBAs())
	assert.Equal(t, uint32(256), dev.MaxXferLen())
	assert.True(t, dev.WriteCacheEnabled())
	assert.True(t, dev.SolidStateMedia())
	assert.Equal(t, "6001405abcdef", dev.Attrs().WWN)
	assert.Equal(t, 1, h.CallCounts()["open"])

	// the ring is served
	u := f.uios[3]
	u.ring.Queue(1, turCDB, nil)
	u.events <- struct{}{}
	select {
	case <-u.kicks:
	case <-time.After(5 * time.Second):
		t.Fatal("no completion posted")
	}
	comps := u.ring.Reap()
	require.Len(t, comps, 1)
	assert.Equal(t, uint16(1), comps[0].ID)
	assert.Equal(t, uint8(scsi.SAMGood), comps[0].Status)
}

func TestTargetAddRemoveEvents(t *testing.T) {
	f := newTargetFixture(t, nil)
	h := NewMockHandler("mock")
	require.NoError(t, f.target.RegisterHandler(h))
	require.NoError(t, f.target.Start(context.Background()))
	assert.Empty(t, f.target.Devices())
	f.serve(t)

	f.addUIO(t, 7, "tcm-user/0/lun7/mock/")
	st := f.events.send(t, ctrl.Event{Kind: ctrl.EventAdded, Device: "tcm-user/0/lun7/mock/", Minor: 7, HasDeviceID: true})
	assert.Equal(t, int32(0), st)
	_, ok := f.target.Device(7)
	require.True(t, ok)

	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventRemoved, Minor: 7, HasDeviceID: true})
	assert.Equal(t, int32(0), st)
	_, ok = f.target.Device(7)
	assert.False(t, ok)
	assert.True(t, f.uios[7].closed)
	assert.Equal(t, 1, h.CallCounts()["close"])

	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventRemoved, Minor: 7, HasDeviceID: true})
	assert.Equal(t, -int32(syscall.ENODEV), st)
}

func TestTargetAddUnknownHandler(t *testing.T) {
	f := newTargetFixture(t, nil)
	require.NoError(t, f.target.Start(context.Background()))
	f.serve(t)

	f.addUIO(t, 2, "tcm-user/0/lun2/nope/")
	st := f.events.send(t, ctrl.Event{Kind: ctrl.EventAdded, Minor: 2, HasDeviceID: true})
	assert.Equal(t, -int32(syscall.ENOENT), st)
	assert.True(t, f.uios[2].closed)
}

type checkingHandler struct {
	*MockHandler
}

func (h checkingHandler) CheckConfig(cfg string) error {
	if cfg != "ok" {
		return errors.New("bad config " + cfg)
	}
	return nil
}

func TestTargetAddChecksConfig(t *testing.T) {
	f := newTargetFixture(t, map[int]string{1: "tcm-user/0/lun1/chk/bad"})
	require.NoError(t, f.target.RegisterHandler(checkingHandler{NewMockHandler("chk")}))

	err := f.target.AddDevice(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsErrno(err, syscall.EINVAL))
	assert.True(t, f.uios[1].closed)
}

func TestTargetReconfig(t *testing.T) {
	f := newTargetFixture(t, map[int]string{4: "tcm-user/0/lun4/mock/a"})
	h := NewMockHandler("mock")
	require.NoError(t, f.target.RegisterHandler(h))
	require.NoError(t, f.target.Start(context.Background()))
	f.serve(t)
	dev, ok := f.target.Device(4)
	require.True(t, ok)

	size := uint64(2 << 20)
	st := f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 4, HasDeviceID: true, Size: &size})
	assert.Equal(t, int32(0), st)
	assert.Equal(t, uint64(512), dev.NumLBAs())
	assert.True(t, dev.CapacityChanged())
	assert.False(t, dev.Blocked())
	assert.Equal(t, "0", f.blockDev(t, "lun4"))

	wc := false
	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 4, HasDeviceID: true, WriteCache: &wc})
	assert.Equal(t, int32(0), st)
	assert.False(t, dev.WriteCacheEnabled())

	cfg := "b"
	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 4, HasDeviceID: true, Cfg: &cfg})
	assert.Equal(t, int32(0), st)
	assert.Equal(t, "b", dev.CfgString())
	require.Len(t, h.Reconfigs(), 3)

	h.ReconfigErr = syscall.EROFS
	cfg = "c"
	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 4, HasDeviceID: true, Cfg: &cfg})
	assert.Equal(t, -int32(syscall.EROFS), st)
	assert.Equal(t, "b", dev.CfgString())

	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 9, HasDeviceID: true, Cfg: &cfg})
	assert.Equal(t, -int32(syscall.ENODEV), st)
}

func TestTargetReconfigWithoutReconfigurer(t *testing.T) {
	f := newTargetFixture(t, map[int]string{4: "tcm-user/0/lun4/fn/a"})
	require.NoError(t, f.target.RegisterHandler(HandlerFunc{Name: "fn", Fn: func(*Device, *Command) scsi.Status {
		return scsi.NotHandled
	}}))
	require.NoError(t, f.target.Start(context.Background()))
	f.serve(t)

	cfg := "b"
	st := f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 4, HasDeviceID: true, Cfg: &cfg})
	assert.Equal(t, -int32(syscall.EOPNOTSUPP), st)

	size := uint64(4 << 20)
	st = f.events.send(t, ctrl.Event{Kind: ctrl.EventReconfig, Minor: 4, HasDeviceID: true, Size: &size})
	assert.Equal(t, int32(0), st)
}

func TestTargetClose(t *testing.T) {
	f := newTargetFixture(t, map[int]string{1: "tcm-user/0/a/mock/", 2: "tcm-user/0/b/mock/"})
	h := NewMockHandler("mock")
	require.NoError(t, f.target.RegisterHandler(h))
	require.NoError(t, f.target.Start(context.Background()))
	require.Len(t, f.target.Devices(), 2)

	require.NoError(t, f.target.Close())
	assert.Empty(t, f.target.Devices())
	assert.Equal(t, 2, h.CallCounts()["close"])
}

func TestServeRequiresStart(t *testing.T) {
	target := NewTarget(nil)
	err := target.Serve(context.Background())
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}
