package scsi

// Block limits advertised in the 0xb0 VPD page.
const (
	VPDMaxUnmapLBACount       = 32 * 1024 * 1024
	VPDMaxUnmapBlockDescCount = 4
	VPDMaxWriteSameLength     = 0xFFFFFFFF
	MaxCAWLength              = 1
)

const (
	DefaultVendor   = "LIO-ORG "
	DefaultProduct  = "TCMU device"
	DefaultRevision = "0002"
)

// Readiness describes whether the logical unit can currently serve media
// access commands.
type Readiness uint8

const (
	Ready Readiness = iota
	Transitioning
	Formatting
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Transitioning:
		return "transitioning"
	case Formatting:
		return "formatting"
	}
	return "unknown"
}

// Attrs is an immutable snapshot of the device attributes the emulation
// routines read. Callers pass it by value.
type Attrs struct {
	NumLBAs        uint64
	BlockSize      uint32
	MaxXferLen     uint32
	OptUnmapGran   uint32
	UnmapGranAlign uint32

	WriteCache bool
	SolidState bool
	Unmap      bool
	// UnmapZeroes reports that unmapped blocks read back as zeroes (LBPRZ).
	UnmapZeroes bool

	// WWN is the unit serial number. Product overrides DefaultProduct when set.
	WWN     string
	Product string

	Readiness Readiness
}

// TargetPort identifies the target port and port group a command arrived on.
// It is optional; INQUIRY leaves the port designators out without it.
type TargetPort struct {
	RelativeID uint16
	GroupID    uint16
	// TPGS is the 2-bit target port group support value of standard INQUIRY.
	TPGS byte
}

func (a Attrs) product() string {
	if a.Product != "" {
		return a.Product
	}
	return DefaultProduct
}

// readinessStatus maps the readiness state to the status reported by media
// access commands.
func (a Attrs) readinessStatus() Status {
	switch a.Readiness {
	case Transitioning:
		return Transition
	case Formatting:
		return FrmtInProgress
	}
	return OK
}
