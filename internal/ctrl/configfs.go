package ctrl

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/uapi"
)

// ConfigFS reads and writes the target core's attribute tree and the
// target_core_user module parameters.
type ConfigFS struct {
	root      string // normally /sys/kernel/config/target
	modParams string
}

// NewConfigFS returns a store rooted at root; an empty root selects the
// kernel default.
func NewConfigFS(root string) *ConfigFS {
	if root == "" {
		root = constants.DefaultConfigFSRoot
	}
	return &ConfigFS{root: root, modParams: uapi.TCMU_MODULE_PARAMS}
}

// WithModuleParams overrides the module parameter directory.
func (c *ConfigFS) WithModuleParams(dir string) *ConfigFS {
	c.modParams = dir
	return c
}

func (c *ConfigFS) Root() string { return c.root }

// DevDir returns the configfs directory of a device.
func (c *ConfigFS) DevDir(dev DeviceName) string {
	return filepath.Join(c.root, "core", dev.ConfigDir())
}

// ReadString returns the content of path without trailing newlines and NULs.
func (c *ConfigFS) ReadString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return strings.TrimRight(string(b), "\n\x00"), nil
}

// WriteString writes val to path in a single write.
func (c *ConfigFS) WriteString(path, val string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := f.Write([]byte(val)); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}

func (c *ConfigFS) ReadInt(path string) (int64, error) {
	s, err := c.ReadString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", path)
	}
	return v, nil
}

func (c *ConfigFS) WriteUint(path string, val uint64) error {
	return c.WriteString(path, strconv.FormatUint(val, 10))
}

// Attribute reads attrib/<name> of a device.
func (c *ConfigFS) Attribute(dev DeviceName, name string) (int64, error) {
	return c.ReadInt(filepath.Join(c.DevDir(dev), "attrib", name))
}

// FileSupported reports whether the kernel exposes action/<name> for dev.
func (c *ConfigFS) FileSupported(dev DeviceName, name string) bool {
	_, err := os.Stat(filepath.Join(c.DevDir(dev), "action", name))
	return err == nil
}

// ExecAction writes val to action/<name>, e.g. block_dev or reset_ring.
func (c *ConfigFS) ExecAction(dev DeviceName, name string, val uint64) error {
	return c.WriteUint(filepath.Join(c.DevDir(dev), "action", name), val)
}

// SetControl writes "key=val" to the device's control file.
func (c *ConfigFS) SetControl(dev DeviceName, key string, val uint64) error {
	return c.WriteString(filepath.Join(c.DevDir(dev), "control"), key+"="+strconv.FormatUint(val, 10))
}

// SetDevSize pushes a new size in bytes to the kernel.
func (c *ConfigFS) SetDevSize(dev DeviceName, size uint64) error {
	return c.SetControl(dev, "dev_size", size)
}

// DevSize parses the "Size:" field of the device's info file.
func (c *ConfigFS) DevSize(dev DeviceName) (int64, error) {
	path := filepath.Join(c.DevDir(dev), "info")
	s, err := c.ReadString(path)
	if err != nil {
		return 0, err
	}
	// "SectorSize:" precedes "Size:" on the same line
	fields := strings.Fields(s)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "Size:" {
			continue
		}
		v, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse Size in %s", path)
		}
		return v, nil
	}
	return 0, errors.Errorf("no Size in %s", path)
}

// WWN returns the unit serial number from wwn/vpd_unit_serial.
func (c *ConfigFS) WWN(dev DeviceName) (string, error) {
	path := filepath.Join(c.DevDir(dev), "wwn", "vpd_unit_serial")
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if _, v, ok := strings.Cut(sc.Text(), "T10 VPD Unit Serial Number:"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return "", errors.Errorf("no unit serial in %s", path)
}

// BlockNetlink stops the kernel from sending netlink events until
// UnblockNetlink. Used around daemon start-up.
func (c *ConfigFS) BlockNetlink() error {
	return c.WriteUint(filepath.Join(c.modParams, "block_netlink"), 1)
}

func (c *ConfigFS) UnblockNetlink() error {
	return c.WriteUint(filepath.Join(c.modParams, "block_netlink"), 0)
}

// ResetNetlink fails pending netlink requests left by a previous daemon.
func (c *ConfigFS) ResetNetlink() error {
	return c.WriteUint(filepath.Join(c.modParams, "reset_netlink"), 1)
}
