package tcmu

// CmdState is the continuation payload of a command that completes in
// several steps. The set of variants is closed.
type CmdState interface {
	cmdState()
}

// XCopyState tracks an EXTENDED COPY in progress.
type XCopyState struct {
	Segment   int // index of the segment descriptor being processed
	SrcLBA    uint64
	DstLBA    uint64
	Remaining uint64 // blocks left in the current segment
}

// CompareAndWriteState tracks COMPARE AND WRITE between its compare and
// write phases.
type CompareAndWriteState struct {
	LBA      uint64
	Blocks   uint32
	Compared bool
}

// WriteSameState tracks WRITE SAME.
type WriteSameState struct {
	LBA       uint64
	Remaining uint64
	Unmap     bool
}

// UnmapState tracks the block descriptors of an UNMAP parameter list.
type UnmapState struct {
	Desc      int
	Remaining int
}

func (*XCopyState) cmdState()           {}
func (*CompareAndWriteState) cmdState() {}
func (*WriteSameState) cmdState()       {}
func (*UnmapState) cmdState()           {}
