package uapi

import (
	"fmt"
	"unsafe"
)

// TcmuMailbox must match the kernel struct exactly (68 bytes). It sits at
// offset 0 of the mapped region.
//
//	struct tcmu_mailbox {
//	  __u16 version;
//	  __u16 flags;
//	  __u32 cmdr_off;
//	  __u32 cmdr_size;
//	  __u32 cmd_head;
//	  /* Updated by user. On its own cacheline */
//	  __u32 cmd_tail __attribute__((__aligned__(ALIGN_SIZE)));
//	} __packed;
type TcmuMailbox struct {
	Version  uint16   // TCMU_MAILBOX_VERSION
	Flags    uint16   // TCMU_MAILBOX_FLAG_CAP_*
	CmdrOff  uint32   // offset of the command ring in the mapping
	CmdrSize uint32   // size of the command ring
	CmdHead  uint32   // written by the kernel
	_        [48]byte // padding up to the next cache line
	CmdTail  uint32   // written by userspace
}

// Compile-time size check
var _ [68]byte = [unsafe.Sizeof(TcmuMailbox{})]byte{}

// TcmuCmdEntryHdr heads every ring entry (8 bytes). The opcode lives in the
// low 3 bits of LenOp; entries are 8-byte aligned.
type TcmuCmdEntryHdr struct {
	LenOp  uint32
	CmdID  uint16
	KFlags uint8
	UFlags uint8 // TCMU_UFLAG_*
}

var _ [8]byte = [unsafe.Sizeof(TcmuCmdEntryHdr{})]byte{}

// Op returns the entry opcode.
func (h *TcmuCmdEntryHdr) Op() uint8 {
	return uint8(h.LenOp & TCMU_OP_MASK)
}

// Len returns the entry length in bytes.
func (h *TcmuCmdEntryHdr) Len() uint32 {
	return h.LenOp &^ TCMU_OP_MASK
}

// SetLenOp packs length and opcode.
func (h *TcmuCmdEntryHdr) SetLenOp(length uint32, op uint8) {
	h.LenOp = length&^TCMU_OP_MASK | uint32(op)&TCMU_OP_MASK
}

// TcmuReq is the request half of struct tcmu_cmd_entry (40 bytes), followed
// in the ring by IovCnt (+bidi, +dif) TcmuIovec descriptors.
type TcmuReq struct {
	IovCnt     uint32
	IovBidiCnt uint32
	IovDifCnt  uint32
	_          uint32
	CdbOff     uint64 // offset of the CDB from the start of the mapping
	_          uint64
	_          uint64
}

var _ [40]byte = [unsafe.Sizeof(TcmuReq{})]byte{}

// TcmuRsp is the response half of struct tcmu_cmd_entry (104 bytes).
type TcmuRsp struct {
	SCSIStatus  uint8
	_           uint8
	_           uint16
	ReadLen     uint32 // valid with TCMU_UFLAG_READ_LEN
	SenseBuffer [TCMU_SENSE_BUFFERSIZE]byte
}

var _ [104]byte = [unsafe.Sizeof(TcmuRsp{})]byte{}

// TcmuIovec is struct iovec as laid out in the ring. Base is an offset from
// the start of the mapping, not a pointer.
type TcmuIovec struct {
	Base uint64
	Len  uint64
}

var _ [16]byte = [unsafe.Sizeof(TcmuIovec{})]byte{}

// TcmuTmrEntry is the fixed part of a TMR notification, followed by CmdCnt
// u16 command ids.
type TcmuTmrEntry struct {
	Hdr     TcmuCmdEntryHdr
	TmrType uint8
	_       uint8
	_       uint16
	CmdCnt  uint32
	_       uint64
	_       uint64
}

var _ [32]byte = [unsafe.Sizeof(TcmuTmrEntry{})]byte{}

// UioDevicePath returns the path of the uio character device.
func UioDevicePath(minor int) string {
	return fmt.Sprintf("%s/uio%d", UIO_DEV_DIR, minor)
}

// UioSysfsPath returns the sysfs directory of a uio device.
func UioSysfsPath(minor int) string {
	return fmt.Sprintf("%s/uio%d", UIO_SYSFS_DIR, minor)
}
