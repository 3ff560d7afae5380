// Package interfaces holds the storage contracts shared by the root package
// and the backends, so that neither has to import the other.
package interfaces

// Store is the byte-addressed storage behind a block handler. It mirrors
// io.ReaderAt and io.WriterAt.
type Store interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// It returns the number of bytes read (0 <= n <= len(p)) and any error encountered.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off. It must return a
	// non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the store in bytes.
	Size() int64

	// Close releases the store. No other method is called afterwards.
	Close() error

	// Flush makes completed writes durable. Called for SYNCHRONIZE CACHE
	// and when the device is flushed.
	Flush() error
}

// Unmapper is implemented by stores that can deallocate ranges (UNMAP,
// WRITE SAME with the UNMAP bit). Unmapped ranges must read back as zeroes.
type Unmapper interface {
	Store

	// Unmap deallocates length bytes at offset.
	Unmap(offset, length int64) error
}

// ZeroWriter is an optional interface for efficient zero-writing.
type ZeroWriter interface {
	Store

	// WriteZeroes writes zeroes to the given byte range without a data
	// buffer.
	WriteZeroes(offset, length int64) error
}

// RangeSyncer is an optional interface for syncing part of a store.
type RangeSyncer interface {
	Store

	// SyncRange makes writes to the given range durable. Used for
	// SYNCHRONIZE CACHE with a non-zero block count.
	SyncRange(offset, length int64) error
}

// Stater is an optional interface that reports store statistics.
type Stater interface {
	Store

	// Stats returns store-specific statistics.
	Stats() map[string]interface{}
}

// Resizer is implemented by stores whose size can follow a device
// reconfiguration.
type Resizer interface {
	Store

	// Resize changes the size of the store. New space reads as zeroes.
	Resize(newSize int64) error
}
