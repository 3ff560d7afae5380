package tcmu

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

func newTestDevice() *Device {
	return NewDevice(NewMockHandler("mock"), DeviceConfig{Name: "lun0", Attrs: testAttrs(), Logger: logging.Nop()})
}

func TestNewDeviceDefaults(t *testing.T) {
	d := NewDevice(NewMockHandler("mock"), DeviceConfig{Name: "lun0", CfgString: "path=/x", Logger: logging.Nop()})

	assert.Equal(t, "lun0", d.Name())
	assert.Equal(t, "mock", d.Subtype())
	assert.Equal(t, "tcm-user/0/lun0/mock/path=/x", d.UIOName())
	assert.Equal(t, "path=/x", d.CfgString())
	assert.Equal(t, -1, d.Minor())
	assert.Equal(t, -1, d.FD())
	assert.Equal(t, uint32(DefaultBlockSize), d.BlockSize())
	assert.Equal(t, uint32(DefaultMaxXferLen), d.MaxXferLen())
	assert.Equal(t, uint32(DefaultOptUnmapGran), d.OptUnmapGran())
	assert.Equal(t, scsi.Ready, d.Readiness())
	assert.False(t, d.Blocked())
	assert.False(t, d.Fenced())
	assert.Zero(t, d.Outstanding())
}

func TestDeviceSetters(t *testing.T) {
	d := newTestDevice()

	d.SetFD(12)
	d.SetCfgString("cfg")
	d.SetPrivate("handler")
	d.SetDaemonPrivate(42)
	d.SetNumLBAs(100)
	d.SetBlockSize(4096)
	d.SetMaxXferLen(64)
	d.SetOptUnmapGran(16)
	d.SetUnmapGranAlign(4)
	d.SetWriteCacheEnabled(true)
	d.SetSolidStateMedia(true)
	d.SetUnmapEnabled(true, true)
	d.SetReadiness(scsi.Transitioning)
	d.SetIdentity("serial", "Product")
	d.SetTargetPort(&scsi.TargetPort{RelativeID: 1, GroupID: 2})

	assert.Equal(t, 12, d.FD())
	assert.Equal(t, "cfg", d.CfgString())
	assert.Equal(t, "handler", d.Private())
	assert.Equal(t, 42, d.DaemonPrivate())
	assert.Equal(t, uint64(100), d.NumLBAs())
	assert.Equal(t, uint32(4096), d.BlockSize())
	assert.Equal(t, uint32(64), d.MaxXferLen())
	assert.Equal(t, uint32(16), d.OptUnmapGran())
	assert.Equal(t, uint32(4), d.UnmapGranAlign())
	assert.True(t, d.WriteCacheEnabled())
	assert.True(t, d.SolidStateMedia())
	assert.True(t, d.UnmapEnabled())
	assert.Equal(t, scsi.Transitioning, d.Readiness())
	assert.Equal(t, uint16(2), d.TargetPort().GroupID)

	a := d.Attrs()
	assert.True(t, a.UnmapZeroes)
	assert.Equal(t, "serial", a.WWN)
	assert.Equal(t, "Product", a.Product)

	d.SetUnmapEnabled(false, true)
	assert.False(t, d.Attrs().UnmapZeroes)
}

func TestDeviceAttrsSnapshot(t *testing.T) {
	d := newTestDevice()
	snap := d.Attrs()
	d.SetBlockSize(4096)
	assert.Equal(t, uint32(512), snap.BlockSize, "snapshots are immutable")
	assert.Equal(t, uint32(4096), d.Attrs().BlockSize)
}

func TestDeviceConcurrentSetters(t *testing.T) {
	d := newTestDevice()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.SetWriteCacheEnabled(j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.SetNumLBAs(uint64(j))
				_ = d.Attrs()
			}
		}()
	}
	wg.Wait()
	// every setter copies the whole snapshot; none may lose the block size
	assert.Equal(t, uint32(512), d.BlockSize())
}

func TestUpdateNumLBAs(t *testing.T) {
	d := newTestDevice()
	require.NoError(t, d.UpdateNumLBAs(1<<20))
	assert.Equal(t, uint64(2048), d.NumLBAs())
	assert.True(t, d.CapacityChanged())

	require.NoError(t, d.Reset())
	assert.False(t, d.CapacityChanged())

	d.SetBlockSize(0)
	err := d.UpdateNumLBAs(1 << 20)
	assert.True(t, IsCode(err, ErrCodeInvalidParameters))
}

func TestDeviceBlockDetached(t *testing.T) {
	d := newTestDevice()
	require.NoError(t, d.Block())
	assert.True(t, d.Blocked())
	require.NoError(t, d.Unblock())
	assert.False(t, d.Blocked())
}

func TestDeviceDetachedConfigFS(t *testing.T) {
	d := newTestDevice()

	_, err := d.Attribute("hw_block_size")
	assert.True(t, IsCode(err, ErrCodeNotSupported))
	assert.True(t, IsCode(d.SetDevSize(), ErrCodeNotSupported))
	assert.True(t, IsCode(d.ExecAction("block_dev", 1), ErrCodeNotSupported))
	assert.True(t, IsCode(d.SetControl("dev_size", 1), ErrCodeNotSupported))
	_, err = d.WWN()
	assert.True(t, IsCode(err, ErrCodeNotSupported))
	assert.False(t, d.FileSupported("block_dev"))
}

func TestDeviceConfigFS(t *testing.T) {
	f := newTargetFixture(t, map[int]string{3: "tcm-user/0/lun0/mock/"})
	require.NoError(t, f.target.RegisterHandler(NewMockHandler("mock")))
	require.NoError(t, f.target.Start(context.Background()))
	d, ok := f.target.Device(3)
	require.True(t, ok)

	v, err := d.Attribute("hw_block_size")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), v)

	s, err := d.CfgfsString("attrib/is_nonrot")
	require.NoError(t, err)
	assert.Equal(t, "1", s)

	require.NoError(t, d.SetCfgfsUint("attrib/is_nonrot", 0))
	n, err := d.CfgfsInt("attrib/is_nonrot")
	require.NoError(t, err)
	assert.Zero(t, n)

	writeFile(t, f.cfgfs+"/core/user_0/lun0/control", "")
	d.SetNumLBAs(10)
	require.NoError(t, d.SetDevSize())
	s, err = d.CfgfsString("control")
	require.NoError(t, err)
	assert.Equal(t, "dev_size=40960", s)

	size, err := d.DevSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), size)

	assert.True(t, d.FileSupported("block_dev"))
	require.NoError(t, d.ExecAction("block_dev", 1))
	assert.Equal(t, "1", f.blockDev(t, "lun0"))
}
