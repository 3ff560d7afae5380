package ring

import (
	"github.com/ehrlich-b/go-tcmu/internal/uapi"
	"github.com/ehrlich-b/go-tcmu/iovec"
)

// FakeRing builds a mapping laid out the way target_core_user lays it out,
// and plays the kernel side: it queues commands at cmd_head and reads
// completions back from cmd_tail. Used by tests across the module.
type FakeRing struct {
	Mem []byte

	cmdrOff  uint32
	cmdrSize uint32
	dataOff  uint64
	dataNext uint64
	head     uint32
	reaped   uint32 // kernel completion pointer
}

// Completion is one completion read back by Reap.
type Completion struct {
	ID     uint16
	Status uint8
	Sense  [uapi.TCMU_SENSE_BUFFERSIZE]byte
}

// NewFakeRing returns a ring with cmdrSize bytes of command ring and dataSize
// bytes of data area.
func NewFakeRing(cmdrSize, dataSize int) *FakeRing {
	const cmdrOff = 128
	f := &FakeRing{
		Mem:      make([]byte, cmdrOff+cmdrSize+dataSize),
		cmdrOff:  cmdrOff,
		cmdrSize: uint32(cmdrSize),
		dataOff:  uint64(cmdrOff + cmdrSize),
	}
	f.dataNext = f.dataOff
	copy(f.Mem, uapi.Marshal(&uapi.TcmuMailbox{
		Version:  uapi.TCMU_MAILBOX_VERSION,
		Flags:    uapi.TCMU_MAILBOX_FLAG_CAP_OOOC,
		CmdrOff:  cmdrOff,
		CmdrSize: uint32(cmdrSize),
	}))
	return f
}

func (f *FakeRing) mb() uapi.Mailbox { return uapi.Mailbox(f.Mem) }

func align8(n uint32) uint32 { return (n + 7) &^ 7 }

// reserve makes room for n contiguous bytes at head, padding the end of the
// ring when the entry would wrap.
func (f *FakeRing) reserve(n uint32) uint32 {
	if f.head+n > f.cmdrSize {
		pad := f.cmdrSize - f.head
		var h uapi.TcmuCmdEntryHdr
		h.SetLenOp(pad, uapi.TCMU_OP_PAD)
		f.mb().Entry(f.head).PutHdr(h)
		f.head = 0
	}
	return f.head
}

func (f *FakeRing) publish(n uint32) {
	f.head = (f.head + n) % f.cmdrSize
	f.mb().SetCmdHead(f.head)
}

// Queue adds a command whose data area is split into segments of the given
// sizes. data, when non-nil, is copied into the segments. The returned
// segments alias the data area so callers can read what the handler wrote.
func (f *FakeRing) Queue(id uint16, cdb []byte, data []byte, segs ...int) iovec.Vec {
	base := uint32(max(uapi.ReqSize(len(segs)), uapi.MinEntrySize))
	n := align8(base + uint32(len(cdb)))
	off := f.reserve(n)

	iovs := make([]uapi.TcmuIovec, len(segs))
	vec := make(iovec.Vec, len(segs))
	copied := 0
	for i, s := range segs {
		if f.dataNext+uint64(s) > uint64(len(f.Mem)) {
			f.dataNext = f.dataOff
		}
		iovs[i] = uapi.TcmuIovec{Base: f.dataNext, Len: uint64(s)}
		seg := f.Mem[f.dataNext : f.dataNext+uint64(s)]
		vec[i] = seg
		clear(seg)
		if copied < len(data) {
			copied += copy(seg, data[copied:])
		}
		f.dataNext += uint64(s)
	}

	ent := f.mb().Entry(off)
	var h uapi.TcmuCmdEntryHdr
	h.SetLenOp(n, uapi.TCMU_OP_CMD)
	h.CmdID = id
	ent.PutHdr(h)
	cdbOff := uint64(f.cmdrOff) + uint64(off) + uint64(base)
	ent.PutReq(cdbOff, iovs)
	copy(f.Mem[cdbOff:], cdb)
	f.publish(n)
	return vec
}

// QueuePad adds a PAD entry of n bytes.
func (f *FakeRing) QueuePad(n uint32) {
	off := f.reserve(n)
	var h uapi.TcmuCmdEntryHdr
	h.SetLenOp(n, uapi.TCMU_OP_PAD)
	f.mb().Entry(off).PutHdr(h)
	f.publish(n)
}

// QueueTMR adds a task management entry naming ids.
func (f *FakeRing) QueueTMR(tmrType uint8, ids ...uint16) {
	n := align8(uint32(32 + 2*len(ids)))
	off := f.reserve(n)
	ent := f.mb().Entry(off)
	var h uapi.TcmuCmdEntryHdr
	h.SetLenOp(n, uapi.TCMU_OP_TMR)
	ent.PutHdr(h)
	ent[8] = tmrType
	ent[12] = byte(len(ids))
	for i, id := range ids {
		ent[32+2*i] = byte(id)
		ent[33+2*i] = byte(id >> 8)
	}
	f.publish(n)
}

// QueueRaw adds an entry with an arbitrary opcode and no payload.
func (f *FakeRing) QueueRaw(op uint8, n uint32) {
	off := f.reserve(n)
	var h uapi.TcmuCmdEntryHdr
	h.SetLenOp(n, op)
	f.mb().Entry(off).PutHdr(h)
	f.publish(n)
}

// Entry returns the entry at ring offset off.
func (f *FakeRing) Entry(off uint32) uapi.Entry { return f.mb().Entry(off) }

// Reap returns the completions posted since the last call.
func (f *FakeRing) Reap() []Completion {
	var out []Completion
	tail := f.mb().CmdTail()
	for f.reaped != tail {
		ent := f.mb().Entry(f.reaped)
		if ent.Op() == uapi.TCMU_OP_CMD {
			c := Completion{ID: ent.CmdID(), Status: ent.RspSCSIStatus()}
			copy(c.Sense[:], ent.RspSense())
			out = append(out, c)
		}
		f.reaped = (f.reaped + ent.Len()) % f.cmdrSize
	}
	return out
}

// Head returns the current producer index.
func (f *FakeRing) Head() uint32 { return f.head }
