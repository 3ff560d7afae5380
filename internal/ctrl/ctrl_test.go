package ctrl

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"

	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/internal/uapi"
)

func TestParseDeviceName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    DeviceName
		wantErr bool
	}{
		{
			name: "full",
			in:   "tcm-user/3/disk0/file/@/var/lib/disk0.img\n",
			want: DeviceName{HBA: 3, Device: "disk0", Subtype: "file", CfgString: "@/var/lib/disk0.img"},
		},
		{
			name: "no cfgstring",
			in:   "tcm-user/0/mem/mem",
			want: DeviceName{HBA: 0, Device: "mem", Subtype: "mem"},
		},
		{name: "other driver", in: "uio_pci_generic", wantErr: true},
		{name: "missing subtype", in: "tcm-user/1/disk", wantErr: true},
		{name: "bad hba", in: "tcm-user/x/disk/file", wantErr: true},
		{name: "empty device", in: "tcm-user/1//file", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeviceName(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	dn := DeviceName{HBA: 3, Device: "disk0", Subtype: "file", CfgString: "size=1G"}
	assert.Equal(t, "tcm-user/3/disk0/file/size=1G", dn.String())
	assert.Equal(t, "user_3/disk0", dn.ConfigDir())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestConfigFS(t *testing.T) (*ConfigFS, DeviceName, string) {
	t.Helper()
	root := t.TempDir()
	dev := DeviceName{HBA: 1, Device: "lun0", Subtype: "mem"}
	c := NewConfigFS(root).WithModuleParams(filepath.Join(root, "params"))
	dir := c.DevDir(dev)
	writeFile(t, filepath.Join(dir, "attrib", "hw_block_size"), "4096\n")
	writeFile(t, filepath.Join(dir, "action", "block_dev"), "0")
	writeFile(t, filepath.Join(dir, "control"), "")
	writeFile(t, filepath.Join(dir, "info"),
		"Status: ACTIVATED  Max Queue Depth: 0  SectorSize: 512  HwMaxSectors: 128\n"+
			"        Config: mem/  Size: 1073741824 MaxDataAreaMB: 1024\n")
	writeFile(t, filepath.Join(dir, "wwn", "vpd_unit_serial"),
		"T10 VPD Unit Serial Number: 6a3b2c1d-aaaa-bbbb\n")
	writeFile(t, filepath.Join(root, "params", "block_netlink"), "0")
	writeFile(t, filepath.Join(root, "params", "reset_netlink"), "0")
	return c, dev, dir
}

func TestConfigFSDefaults(t *testing.T) {
	c := NewConfigFS("")
	assert.Equal(t, "/sys/kernel/config/target", c.Root())
	assert.Equal(t, "/sys/kernel/config/target/core/user_2/d", c.DevDir(DeviceName{HBA: 2, Device: "d"}))
}

func TestConfigFSAttributes(t *testing.T) {
	c, dev, dir := newTestConfigFS(t)

	v, err := c.Attribute(dev, "hw_block_size")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), v)

	_, err = c.Attribute(dev, "missing")
	assert.Error(t, err)

	assert.True(t, c.FileSupported(dev, "block_dev"))
	assert.False(t, c.FileSupported(dev, "reset_ring"))

	require.NoError(t, c.ExecAction(dev, "block_dev", 1))
	s, err := c.ReadString(filepath.Join(dir, "action", "block_dev"))
	require.NoError(t, err)
	assert.Equal(t, "1", s)

	require.NoError(t, c.SetDevSize(dev, 2048))
	s, err = c.ReadString(filepath.Join(dir, "control"))
	require.NoError(t, err)
	assert.Equal(t, "dev_size=2048", s)

	size, err := c.DevSize(dev)
	require.NoError(t, err)
	assert.Equal(t, int64(1073741824), size)

	wwn, err := c.WWN(dev)
	require.NoError(t, err)
	assert.Equal(t, "6a3b2c1d-aaaa-bbbb", wwn)
}

func TestConfigFSReadInt(t *testing.T) {
	c := NewConfigFS(t.TempDir())
	p := filepath.Join(c.Root(), "v")
	writeFile(t, p, "0x10\n")
	v, err := c.ReadInt(p)
	require.NoError(t, err)
	assert.Equal(t, int64(16), v)

	writeFile(t, p, "abc")
	_, err = c.ReadInt(p)
	assert.Error(t, err)

	assert.Error(t, c.WriteString(filepath.Join(c.Root(), "nope", "x"), "1"))
}

func TestNetlinkModuleParams(t *testing.T) {
	c, _, _ := newTestConfigFS(t)
	params := filepath.Join(c.Root(), "params")

	require.NoError(t, c.BlockNetlink())
	s, _ := c.ReadString(filepath.Join(params, "block_netlink"))
	assert.Equal(t, "1", s)

	require.NoError(t, c.UnblockNetlink())
	s, _ = c.ReadString(filepath.Join(params, "block_netlink"))
	assert.Equal(t, "0", s)

	require.NoError(t, c.ResetNetlink())
	s, _ = c.ReadString(filepath.Join(params, "reset_netlink"))
	assert.Equal(t, "1", s)
}

func genlMessage(cmd uint8, attrs ...*nl.RtAttr) []byte {
	b := []byte{cmd, uapi.TCMU_GENL_VERSION, 0, 0}
	for _, a := range attrs {
		b = append(b, a.Serialize()...)
	}
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)
	return b
}

func TestParseMessage(t *testing.T) {
	t.Run("added", func(t *testing.T) {
		ev, err := ParseMessage(genlMessage(uapi.TCMU_CMD_ADDED_DEVICE,
			nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE, append([]byte("tcm-user/1/lun0/mem"), 0)),
			nl.NewRtAttr(uapi.TCMU_ATTR_MINOR, u32(4)),
			nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE_ID, u32(77)),
		))
		require.NoError(t, err)
		assert.Equal(t, EventAdded, ev.Kind)
		assert.Equal(t, "tcm-user/1/lun0/mem", ev.Device)
		assert.Equal(t, uint32(4), ev.Minor)
		assert.True(t, ev.HasDeviceID)
		assert.Equal(t, uint32(77), ev.DeviceID)
		assert.Nil(t, ev.Size)
	})

	t.Run("reconfig size", func(t *testing.T) {
		size := make([]byte, 8)
		binary.NativeEndian.PutUint64(size, 1<<30)
		ev, err := ParseMessage(genlMessage(uapi.TCMU_CMD_RECONFIG_DEVICE,
			nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE, []byte("tcm-user/1/lun0/mem\x00")),
			nl.NewRtAttr(uapi.TCMU_ATTR_DEV_SIZE, size),
		))
		require.NoError(t, err)
		assert.Equal(t, EventReconfig, ev.Kind)
		require.NotNil(t, ev.Size)
		assert.Equal(t, uint64(1<<30), *ev.Size)
		assert.False(t, ev.HasDeviceID)
	})

	t.Run("reconfig write cache and cfg", func(t *testing.T) {
		ev, err := ParseMessage(genlMessage(uapi.TCMU_CMD_RECONFIG_DEVICE,
			nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE, []byte("tcm-user/1/lun0/mem\x00")),
			nl.NewRtAttr(uapi.TCMU_ATTR_WRITECACHE, []byte{1}),
			nl.NewRtAttr(uapi.TCMU_ATTR_DEV_CFG, []byte("mem/size=2G\x00")),
		))
		require.NoError(t, err)
		require.NotNil(t, ev.WriteCache)
		assert.True(t, *ev.WriteCache)
		require.NotNil(t, ev.Cfg)
		assert.Equal(t, "mem/size=2G", *ev.Cfg)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := ParseMessage([]byte{1})
		assert.Error(t, err)
		_, err = ParseMessage(genlMessage(uapi.TCMU_CMD_SET_FEATURES))
		assert.Error(t, err)
		_, err = ParseMessage(genlMessage(uapi.TCMU_CMD_REMOVED_DEVICE))
		assert.Error(t, err, "device name is required")
		_, err = ParseMessage(genlMessage(uapi.TCMU_CMD_ADDED_DEVICE,
			nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE, []byte("x\x00")),
			nl.NewRtAttr(uapi.TCMU_ATTR_MINOR, []byte{1}),
		))
		assert.Error(t, err, "short minor")
	})
}

func TestNetlinkEventsSkipsBadMessages(t *testing.T) {
	const family = 30
	msg := func(typ uint16, data []byte) syscall.NetlinkMessage {
		return syscall.NetlinkMessage{Header: syscall.NlMsghdr{Type: typ}, Data: data}
	}
	added := genlMessage(uapi.TCMU_CMD_ADDED_DEVICE,
		nl.NewRtAttr(uapi.TCMU_ATTR_DEVICE, []byte("tcm-user/1/lun0/mem\x00")),
		nl.NewRtAttr(uapi.TCMU_ATTR_MINOR, u32(2)),
	)

	n := &Netlink{family: family, logger: logging.Nop()}
	events := n.events([]syscall.NetlinkMessage{
		msg(family, genlMessage(uapi.TCMU_CMD_SET_FEATURES)),
		msg(family, []byte{1}),
		msg(family+1, added),
		msg(family, added),
	})
	require.Len(t, events, 1)
	assert.Equal(t, EventAdded, events[0].Kind)
	assert.Equal(t, uint32(2), events[0].Minor)

	assert.Empty(t, n.events([]syscall.NetlinkMessage{msg(family, []byte{1})}))
}

func TestEventKind(t *testing.T) {
	assert.Equal(t, "added", EventAdded.String())
	assert.Equal(t, uint8(uapi.TCMU_CMD_RECONFIG_DEVICE_DONE), EventReconfig.doneCmd())
	assert.Equal(t, uint8(uapi.TCMU_CMD_REMOVED_DEVICE_DONE), EventRemoved.doneCmd())
	assert.Equal(t, "cmd(9)", EventKind(9).String())
}

func fakeUIO(t *testing.T, minor int, name string, size int) (devDir, sysfsDir string) {
	t.Helper()
	base := t.TempDir()
	devDir = filepath.Join(base, "dev")
	sysfsDir = filepath.Join(base, "sys")
	uio := filepath.Join(sysfsDir, "uio"+strconv.Itoa(minor))
	writeFile(t, filepath.Join(uio, "name"), name+"\n")
	writeFile(t, filepath.Join(uio, "maps", "map0", "size"), "0x"+strconv.FormatInt(int64(size), 16)+"\n")
	writeFile(t, filepath.Join(devDir, "uio"+strconv.Itoa(minor)), string(make([]byte, size)))
	return devDir, sysfsDir
}

func TestScan(t *testing.T) {
	_, sysfs := fakeUIO(t, 2, "tcm-user/1/lun0/mem", 4096)
	writeFile(t, filepath.Join(sysfs, "uio0", "name"), "uio_pci_generic\n")
	writeFile(t, filepath.Join(sysfs, "uio7", "name"), "tcm-user/1/lun1/file/x\n")
	writeFile(t, filepath.Join(sysfs, "other", "name"), "tcm-user/1/lun9/file\n")

	minors, err := Scan(sysfs)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 7}, minors)

	minors, err = Scan(filepath.Join(sysfs, "absent"))
	require.NoError(t, err)
	assert.Empty(t, minors)
}

func TestOpenUIO(t *testing.T) {
	devDir, sysfs := fakeUIO(t, 3, "tcm-user/1/lun0/mem/size=1M", 8192)

	size, err := MapSize(sysfs, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), size)

	u, err := OpenUIO(context.Background(), devDir, sysfs, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Minor())
	assert.Equal(t, "lun0", u.Name().Device)
	assert.Equal(t, "size=1M", u.Name().CfgString)
	require.Len(t, u.Mem(), 8192)

	// the mapping is shared with the file
	u.Mem()[100] = 0xab
	require.NoError(t, u.Kick())
	require.NoError(t, u.Wait(context.Background()))
	require.NoError(t, u.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, u.Wait(ctx))

	b, err := os.ReadFile(filepath.Join(devDir, "uio3"))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), b[100])
}

func TestOpenUIORejectsForeignDevice(t *testing.T) {
	devDir, sysfs := fakeUIO(t, 1, "uio_hv_generic", 4096)
	_, err := OpenUIO(context.Background(), devDir, sysfs, 1)
	assert.Error(t, err)
}
