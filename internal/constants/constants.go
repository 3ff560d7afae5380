package constants

import "time"

// Default configuration constants
const (
	// DefaultMaxInflight is the default number of outstanding commands per device
	DefaultMaxInflight = 128

	// DefaultBlockSize is the default logical block size in bytes
	DefaultBlockSize = 512

	// DefaultMaxXferLen is the default maximum transfer length in blocks
	DefaultMaxXferLen = 128

	// DefaultOptUnmapGran is the default optimal unmap granularity in blocks
	DefaultOptUnmapGran = 8

	// DefaultConfigFSRoot is where the target core exposes its attributes
	DefaultConfigFSRoot = "/sys/kernel/config/target"

	// DefaultConfigFile is the daemon configuration file
	DefaultConfigFile = "/etc/tcmu/tcmu.yaml"
)

// Timing constants for device lifecycle
const (
	// DrainPollInterval is how often Drain rechecks outstanding commands
	DrainPollInterval = 5 * time.Millisecond

	// UIOPollTimeout bounds a single wait on the uio fd so cancellation is noticed
	UIOPollTimeout = 100 * time.Millisecond

	// DeviceOpenRetries is how many times an added device's uio node is retried
	DeviceOpenRetries = 50

	// DeviceOpenDelay is the pause between uio open attempts
	DeviceOpenDelay = 100 * time.Millisecond
)

// Memory allocation constants
const (
	// BounceBufferMax is the largest transfer a handler gets a pooled bounce buffer for (1MB)
	BounceBufferMax = 1 << 20
)
