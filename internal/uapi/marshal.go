package uapi

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Marshal converts a struct to its ring representation (little endian)
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *TcmuMailbox:
		return marshalMailbox(val)
	case *TcmuCmdEntryHdr:
		buf := make([]byte, EntryHdrSize)
		putHdr(buf, val)
		return buf
	case *TcmuIovec:
		buf := make([]byte, IovecSize)
		binary.LittleEndian.PutUint64(buf[0:8], val.Base)
		binary.LittleEndian.PutUint64(buf[8:16], val.Len)
		return buf
	default:
		return nil
	}
}

// Unmarshal converts ring bytes back to a struct
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *TcmuMailbox:
		if len(data) < int(unsafe.Sizeof(TcmuMailbox{})) {
			return ErrShortBuffer
		}
		val.Version = binary.LittleEndian.Uint16(data[offMbVersion:])
		val.Flags = binary.LittleEndian.Uint16(data[offMbFlags:])
		val.CmdrOff = binary.LittleEndian.Uint32(data[offMbCmdrOff:])
		val.CmdrSize = binary.LittleEndian.Uint32(data[offMbCmdrSize:])
		val.CmdHead = binary.LittleEndian.Uint32(data[offMbCmdHead:])
		val.CmdTail = binary.LittleEndian.Uint32(data[offMbCmdTail:])
		return nil
	case *TcmuCmdEntryHdr:
		if len(data) < EntryHdrSize {
			return ErrShortBuffer
		}
		val.LenOp = binary.LittleEndian.Uint32(data[offLenOp:])
		val.CmdID = binary.LittleEndian.Uint16(data[offCmdID:])
		val.KFlags = data[offKFlags]
		val.UFlags = data[offUFlags]
		return nil
	case *TcmuIovec:
		if len(data) < IovecSize {
			return ErrShortBuffer
		}
		val.Base = binary.LittleEndian.Uint64(data[0:8])
		val.Len = binary.LittleEndian.Uint64(data[8:16])
		return nil
	default:
		return ErrUnsupportedType
	}
}

type uapiError string

func (e uapiError) Error() string { return string(e) }

const (
	ErrShortBuffer     = uapiError("uapi: buffer too short")
	ErrUnsupportedType = uapiError("uapi: unsupported type")
)

func marshalMailbox(mb *TcmuMailbox) []byte {
	buf := make([]byte, unsafe.Sizeof(TcmuMailbox{}))
	binary.LittleEndian.PutUint16(buf[offMbVersion:], mb.Version)
	binary.LittleEndian.PutUint16(buf[offMbFlags:], mb.Flags)
	binary.LittleEndian.PutUint32(buf[offMbCmdrOff:], mb.CmdrOff)
	binary.LittleEndian.PutUint32(buf[offMbCmdrSize:], mb.CmdrSize)
	binary.LittleEndian.PutUint32(buf[offMbCmdHead:], mb.CmdHead)
	binary.LittleEndian.PutUint32(buf[offMbCmdTail:], mb.CmdTail)
	return buf
}

func putHdr(buf []byte, h *TcmuCmdEntryHdr) {
	binary.LittleEndian.PutUint32(buf[offLenOp:], h.LenOp)
	binary.LittleEndian.PutUint16(buf[offCmdID:], h.CmdID)
	buf[offKFlags] = h.KFlags
	buf[offUFlags] = h.UFlags
}

// Mailbox is a view over the mapped region, starting with struct tcmu_mailbox.
// cmd_head and cmd_tail are shared with the kernel and accessed atomically.
type Mailbox []byte

func (m Mailbox) Version() uint16  { return binary.LittleEndian.Uint16(m[offMbVersion:]) }
func (m Mailbox) Flags() uint16    { return binary.LittleEndian.Uint16(m[offMbFlags:]) }
func (m Mailbox) CmdrOff() uint32  { return binary.LittleEndian.Uint32(m[offMbCmdrOff:]) }
func (m Mailbox) CmdrSize() uint32 { return binary.LittleEndian.Uint32(m[offMbCmdrSize:]) }

// CmdHead loads the kernel's producer index.
func (m Mailbox) CmdHead() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[offMbCmdHead])))
}

// SetCmdHead publishes a producer index. Only the kernel does this outside of
// tests.
func (m Mailbox) SetCmdHead(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m[offMbCmdHead])), v)
}

// CmdTail loads the completion index.
func (m Mailbox) CmdTail() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m[offMbCmdTail])))
}

// SetCmdTail publishes the completion index to the kernel.
func (m Mailbox) SetCmdTail(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m[offMbCmdTail])), v)
}

// HasCap reports whether the kernel advertises the given capability flag.
func (m Mailbox) HasCap(flag uint16) bool {
	return m.Flags()&flag != 0
}

// Entry returns the ring entry at ring offset off. The view extends to the end
// of the mapping so iovec descriptors past the fixed part stay addressable.
func (m Mailbox) Entry(off uint32) Entry {
	return Entry(m[int(m.CmdrOff())+int(off):])
}

// Entry is a view over one ring entry.
type Entry []byte

func (e Entry) Hdr() TcmuCmdEntryHdr {
	var h TcmuCmdEntryHdr
	_ = Unmarshal(e, &h)
	return h
}

func (e Entry) Op() uint8          { return e[offLenOp] & TCMU_OP_MASK }
func (e Entry) Len() uint32        { return binary.LittleEndian.Uint32(e[offLenOp:]) &^ TCMU_OP_MASK }
func (e Entry) CmdID() uint16      { return binary.LittleEndian.Uint16(e[offCmdID:]) }
func (e Entry) UFlags() uint8      { return e[offUFlags] }
func (e Entry) SetCmdID(id uint16) { binary.LittleEndian.PutUint16(e[offCmdID:], id) }

// SetUFlag ors flag into the user flags.
func (e Entry) SetUFlag(flag uint8) { e[offUFlags] |= flag }

// PutHdr writes a full entry header.
func (e Entry) PutHdr(h TcmuCmdEntryHdr) { putHdr(e, &h) }

func (e Entry) ReqIovCnt() uint32     { return binary.LittleEndian.Uint32(e[offReqIovCnt:]) }
func (e Entry) ReqIovBidiCnt() uint32 { return binary.LittleEndian.Uint32(e[offReqIovBidiCnt:]) }
func (e Entry) ReqIovDifCnt() uint32  { return binary.LittleEndian.Uint32(e[offReqIovDifCnt:]) }
func (e Entry) ReqCdbOff() uint64     { return binary.LittleEndian.Uint64(e[offReqCdbOff:]) }

// ReqIov returns the i-th iovec descriptor of the request.
func (e Entry) ReqIov(i int) TcmuIovec {
	var iov TcmuIovec
	_ = Unmarshal(e[offReqIov+i*IovecSize:], &iov)
	return iov
}

// PutReq writes the request counts, CDB offset and iovec descriptors.
func (e Entry) PutReq(cdbOff uint64, iovs []TcmuIovec) {
	binary.LittleEndian.PutUint32(e[offReqIovCnt:], uint32(len(iovs)))
	binary.LittleEndian.PutUint32(e[offReqIovBidiCnt:], 0)
	binary.LittleEndian.PutUint32(e[offReqIovDifCnt:], 0)
	binary.LittleEndian.PutUint64(e[offReqCdbOff:], cdbOff)
	for i := range iovs {
		copy(e[offReqIov+i*IovecSize:], Marshal(&iovs[i]))
	}
}

// ReqSize returns the bytes taken by the fixed request plus n descriptors.
func ReqSize(n int) int {
	return offReqIov + n*IovecSize
}

func (e Entry) RspSCSIStatus() uint8 { return e[offRspSCSIStatus] }
func (e Entry) RspReadLen() uint32   { return binary.LittleEndian.Uint32(e[offRspReadLen:]) }
func (e Entry) RspSense() []byte {
	return e[offRspSense : offRspSense+TCMU_SENSE_BUFFERSIZE]
}

// PutRsp overwrites the request area with a completion.
func (e Entry) PutRsp(status uint8, sense []byte) {
	e[offRspSCSIStatus] = status
	s := e.RspSense()
	n := copy(s, sense)
	clear(s[n:])
}

// SetRspReadLen records the number of bytes actually read.
func (e Entry) SetRspReadLen(n uint32) {
	binary.LittleEndian.PutUint32(e[offRspReadLen:], n)
}

func (e Entry) TmrType() uint8    { return e[offTmrType] }
func (e Entry) TmrCmdCnt() uint32 { return binary.LittleEndian.Uint32(e[offTmrCmdCnt:]) }
func (e Entry) TmrCmdID(i int) uint16 {
	return binary.LittleEndian.Uint16(e[offTmrCmdIDs+2*i:])
}
