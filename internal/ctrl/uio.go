package ctrl

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/uapi"
)

// UIO is an open /dev/uioN with its command ring mapped.
type UIO struct {
	minor int
	name  DeviceName
	fd    int
	mem   []byte
}

// SysfsName reads the uio name of minor from the sysfs class directory.
func SysfsName(sysfsDir string, minor int) (string, error) {
	path := filepath.Join(sysfsDir, "uio"+strconv.Itoa(minor), "name")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return strings.TrimRight(string(b), "\n\x00"), nil
}

// MapSize reads the size of the first uio map.
func MapSize(sysfsDir string, minor int) (uint64, error) {
	path := filepath.Join(sysfsDir, "uio"+strconv.Itoa(minor), "maps", "map0", "size")
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", path)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", path)
	}
	return v, nil
}

// Scan lists the minors of uio devices that belong to target_core_user.
func Scan(sysfsDir string) ([]int, error) {
	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", sysfsDir)
	}
	var minors []int
	for _, e := range entries {
		s, ok := strings.CutPrefix(e.Name(), "uio")
		if !ok {
			continue
		}
		minor, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		name, err := SysfsName(sysfsDir, minor)
		if err != nil || !strings.HasPrefix(name, uapi.TCMU_UIO_PREFIX) {
			continue
		}
		minors = append(minors, minor)
	}
	sort.Ints(minors)
	return minors, nil
}

// OpenUIO opens and maps the uio device of minor. The node may appear a
// little after the netlink event, so ENOENT is retried.
func OpenUIO(ctx context.Context, devDir, sysfsDir string, minor int) (*UIO, error) {
	raw, err := SysfsName(sysfsDir, minor)
	if err != nil {
		return nil, err
	}
	name, err := ParseDeviceName(raw)
	if err != nil {
		return nil, err
	}
	size, err := MapSize(sysfsDir, minor)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(devDir, "uio"+strconv.Itoa(minor))
	var fd int
	for i := 0; ; i++ {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			break
		}
		if err != unix.ENOENT || i >= constants.DeviceOpenRetries {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(constants.DeviceOpenDelay):
		}
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "mmap %s (%d bytes)", path, size)
	}

	return &UIO{minor: minor, name: name, fd: fd, mem: mem}, nil
}

func (u *UIO) Minor() int       { return u.minor }
func (u *UIO) Name() DeviceName { return u.name }
func (u *UIO) FD() int          { return u.fd }
func (u *UIO) Mem() []byte      { return u.mem }

// Wait blocks until the kernel raises the uio interrupt, ctx is done or
// UIOPollTimeout passes, then clears the event counter.
func (u *UIO) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(constants.UIOPollTimeout/time.Millisecond))
	if err == unix.EINTR || n == 0 {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "poll uio")
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL|unix.POLLHUP) != 0 {
		return errors.Errorf("uio%d: poll revents 0x%x", u.minor, fds[0].Revents)
	}
	var buf [4]byte
	if _, err := unix.Read(u.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "read uio event count")
	}
	return nil
}

// Kick tells the kernel that completions are waiting.
func (u *UIO) Kick() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0)
	_, err := unix.Write(u.fd, buf[:])
	return errors.Wrap(err, "write uio")
}

// Close unmaps the ring and closes the device.
func (u *UIO) Close() error {
	var err error
	if u.mem != nil {
		err = unix.Munmap(u.mem)
		u.mem = nil
	}
	if u.fd >= 0 {
		if cerr := unix.Close(u.fd); err == nil {
			err = cerr
		}
		u.fd = -1
	}
	return errors.Wrapf(err, "close uio%d", u.minor)
}
