package backend

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-tcmu/internal/interfaces"
	"github.com/ehrlich-b/go-tcmu/internal/uring"
)

// ErrLocked is returned when another process holds the backing file.
var ErrLocked = errors.New("backend: backing file is locked by another process")

// FileOptions control how a backing file is opened.
type FileOptions struct {
	// Size grows or creates the file to this many bytes; 0 keeps the
	// current size.
	Size int64
	// Async completes reads and writes on an I/O ring instead of the
	// command ring's goroutine.
	Async bool
	// RingEntries sizes the I/O ring.
	RingEntries uint32
}

// File is a store backed by a regular file or block device. The file is
// locked exclusively for as long as it is open.
type File struct {
	path string
	f    *os.File
	lock *flock.Flock
	size atomic.Int64

	ring   uring.Ring
	nextID atomic.Uint64

	mu       sync.Mutex
	punchErr error // set once hole punching turned out to be unsupported
}

// OpenFile opens path for reading and writing, creating it when Size is
// set.
func OpenFile(path string, opts FileOptions) (*File, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if !ok {
		return nil, errors.Wrap(ErrLocked, path)
	}

	flags := os.O_RDWR
	if opts.Size > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		lock.Unlock()
		return nil, errors.Wrapf(err, "open %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	size := st.Size()
	if st.Mode()&os.ModeDevice != 0 {
		// block devices report their size through seek
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			lock.Unlock()
			return nil, errors.Wrapf(err, "size of %s", path)
		}
		size = end
	} else if opts.Size > size {
		if err := f.Truncate(opts.Size); err != nil {
			f.Close()
			lock.Unlock()
			return nil, errors.Wrapf(err, "grow %s", path)
		}
		size = opts.Size
	}

	file := &File{path: path, f: f, lock: lock}
	file.size.Store(size)
	if opts.Async {
		file.ring = uring.NewRingOrFallback(uring.Config{Entries: opts.RingEntries})
	}
	return file, nil
}

func (f *File) Path() string { return f.path }

// ReadAt implements the Store interface
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "read %s at %d", f.path, off)
	}
	return n, nil
}

// WriteAt implements the Store interface
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrapf(err, "write %s at %d", f.path, off)
	}
	return n, nil
}

// Size implements the Store interface
func (f *File) Size() int64 { return f.size.Load() }

// Flush implements the Store interface
func (f *File) Flush() error {
	return errors.Wrapf(unix.Fdatasync(int(f.f.Fd())), "fdatasync %s", f.path)
}

// SyncRange implements the RangeSyncer interface
func (f *File) SyncRange(offset, length int64) error {
	err := unix.SyncFileRange(int(f.f.Fd()), offset, length,
		unix.SYNC_FILE_RANGE_WAIT_BEFORE|unix.SYNC_FILE_RANGE_WRITE|unix.SYNC_FILE_RANGE_WAIT_AFTER)
	if err != nil {
		return errors.Wrapf(err, "sync_file_range %s", f.path)
	}
	// sync_file_range does not write metadata
	return f.Flush()
}

// Unmap implements the Unmapper interface by punching a hole. Filesystems
// without hole punching get zeroes written instead.
func (f *File) Unmap(offset, length int64) error {
	f.mu.Lock()
	punchErr := f.punchErr
	f.mu.Unlock()
	if punchErr == nil {
		err := unix.Fallocate(int(f.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
		if err == nil {
			return nil
		}
		if err != unix.EOPNOTSUPP && err != unix.ENOSYS {
			return errors.Wrapf(err, "punch hole in %s", f.path)
		}
		f.mu.Lock()
		f.punchErr = err
		f.mu.Unlock()
	}
	return f.WriteZeroes(offset, length)
}

// WriteZeroes implements the ZeroWriter interface
func (f *File) WriteZeroes(offset, length int64) error {
	err := unix.Fallocate(int(f.f.Fd()), unix.FALLOC_FL_ZERO_RANGE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err == nil {
		return nil
	}
	const chunk = 1 << 20
	zero := make([]byte, min(length, chunk))
	for length > 0 {
		n := min(length, chunk)
		if _, err := f.WriteAt(zero[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

// Resize implements the Resizer interface
func (f *File) Resize(newSize int64) error {
	if err := f.f.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "resize %s", f.path)
	}
	f.size.Store(newSize)
	return nil
}

// Stats implements the Stater interface
func (f *File) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"type":  "file",
		"path":  f.path,
		"size":  f.Size(),
		"async": f.ring != nil,
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.f.Fd()), &st); err == nil {
		stats["allocated"] = st.Blocks * 512
	}
	return stats
}

// Close implements the Store interface
func (f *File) Close() error {
	var err error
	if f.ring != nil {
		err = f.ring.Close()
	}
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	if uerr := f.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// ReadAtAsync reads into p and calls done from the I/O ring.
func (f *File) ReadAtAsync(p []byte, off int64, done func(n int, err error)) error {
	return f.ring.Read(int(f.f.Fd()), p, off, f.nextID.Add(1), f.completion(len(p), done))
}

// WriteAtAsync writes p and calls done from the I/O ring.
func (f *File) WriteAtAsync(p []byte, off int64, done func(n int, err error)) error {
	return f.ring.Write(int(f.f.Fd()), p, off, f.nextID.Add(1), f.completion(len(p), done))
}

// Async reports whether the file completes I/O through ReadAtAsync and
// WriteAtAsync.
func (f *File) Async() bool { return f.ring != nil }

func (f *File) completion(want int, done func(int, error)) uring.Completion {
	return func(res uring.Result) {
		if err := res.Error(); err != nil {
			done(0, errors.Wrapf(err, "%s", f.path))
			return
		}
		n := int(res.Value())
		if n < want {
			done(n, errors.Errorf("%s: short transfer %d of %d bytes", f.path, n, want))
			return
		}
		done(n, nil)
	}
}

// Compile-time interface checks
var (
	_ interfaces.Store       = (*File)(nil)
	_ interfaces.Unmapper    = (*File)(nil)
	_ interfaces.ZeroWriter  = (*File)(nil)
	_ interfaces.RangeSyncer = (*File)(nil)
	_ interfaces.Stater      = (*File)(nil)
	_ interfaces.Resizer     = (*File)(nil)
	_ asyncStore             = (*File)(nil)
)
