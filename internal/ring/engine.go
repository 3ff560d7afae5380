// Package ring consumes and completes entries of the TCMU command ring.
//
// The kernel produces entries at cmd_head. The engine keeps a private
// consume pointer that runs ahead of cmd_tail; completions are written into
// already consumed slots at cmd_tail, in completion order, so commands may
// finish out of order.
package ring

import (
	"github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/uapi"
	"github.com/ehrlich-b/go-tcmu/iovec"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// ErrRingCorrupt reports an entry or offset the kernel could not have
// produced. The device must be fenced.
var ErrRingCorrupt = errors.New("ring: command ring corrupt")

// maxFallbackCDB bounds the CDB handed out when its length cannot be derived.
const maxFallbackCDB = 16

// Request is one command taken from the ring. CDB and IOV alias the mapping.
type Request struct {
	ID  uint16
	CDB []byte
	IOV iovec.Vec
}

// TMR describes a task management notification.
type TMR struct {
	Type   uint8
	CmdIDs []uint16
}

// Engine walks the command ring of one device. It is not safe for concurrent
// use; the queue runner owns it.
type Engine struct {
	mem      []byte
	mb       uapi.Mailbox
	cmdrSize uint32
	tail     uint32 // private consume pointer

	// OnTMR, when set, is called for every task management entry.
	OnTMR func(TMR)
}

// New validates the mailbox at the start of mem and returns an engine
// positioned at the current completion tail.
func New(mem []byte) (*Engine, error) {
	if len(mem) < uapi.ALIGN_SIZE+4 {
		return nil, errors.Wrap(ErrRingCorrupt, "mapping smaller than mailbox")
	}
	mb := uapi.Mailbox(mem)
	if mb.Version() != uapi.TCMU_MAILBOX_VERSION {
		return nil, errors.Errorf("ring: unsupported mailbox version %d", mb.Version())
	}
	off, size := uint64(mb.CmdrOff()), uint64(mb.CmdrSize())
	if size == 0 || off+size > uint64(len(mem)) {
		return nil, errors.Wrapf(ErrRingCorrupt, "command ring %d+%d outside mapping of %d", off, size, len(mem))
	}
	e := &Engine{
		mem:      mem,
		mb:       mb,
		cmdrSize: uint32(size),
	}
	e.Resync()
	return e, nil
}

// Mailbox exposes the mailbox view.
func (e *Engine) Mailbox() uapi.Mailbox { return e.mb }

// Resync moves the consume pointer back to cmd_tail, after a ring reset.
func (e *Engine) Resync() {
	e.tail = e.mb.CmdTail() % e.cmdrSize
}

// Pending reports whether entries are waiting between the consume pointer and
// cmd_head.
func (e *Engine) Pending() bool {
	return e.tail != e.mb.CmdHead()%e.cmdrSize
}

// entry returns the header at ring offset off after checking it lies in the
// ring.
func (e *Engine) entry(off uint32) (uapi.Entry, uint32, error) {
	if uint64(off)+uapi.EntryHdrSize > uint64(e.cmdrSize) {
		return nil, 0, errors.Wrapf(ErrRingCorrupt, "entry header at %d", off)
	}
	ent := e.mb.Entry(off)
	n := ent.Len()
	if n == 0 || uint64(off)+uint64(n) > uint64(e.cmdrSize) {
		return nil, 0, errors.Wrapf(ErrRingCorrupt, "entry at %d has length %d", off, n)
	}
	return ent, n, nil
}

func (e *Engine) advance(off, n uint32) uint32 {
	return (off + n) % e.cmdrSize
}

// Next returns the next command entry. PAD entries are skipped, TMR entries
// are reported through OnTMR and unknown entry types are flagged
// TCMU_UFLAG_UNKNOWN_OP and skipped. It returns false when the ring is empty.
func (e *Engine) Next() (*Request, bool, error) {
	head := e.mb.CmdHead() % e.cmdrSize
	for e.tail != head {
		ent, n, err := e.entry(e.tail)
		if err != nil {
			return nil, false, err
		}

		switch ent.Op() {
		case uapi.TCMU_OP_PAD:
		case uapi.TCMU_OP_TMR:
			if err := e.tmr(ent, n); err != nil {
				return nil, false, err
			}
		case uapi.TCMU_OP_CMD:
			req, err := e.request(ent, n)
			if err != nil {
				return nil, false, err
			}
			e.tail = e.advance(e.tail, n)
			return req, true, nil
		default:
			ent.SetUFlag(uapi.TCMU_UFLAG_UNKNOWN_OP)
		}
		e.tail = e.advance(e.tail, n)
	}
	return nil, false, nil
}

func (e *Engine) tmr(ent uapi.Entry, n uint32) error {
	if n < 32 {
		return errors.Wrapf(ErrRingCorrupt, "short tmr entry of %d bytes", n)
	}
	cnt := ent.TmrCmdCnt()
	if 32+2*uint64(cnt) > uint64(n) {
		return errors.Wrapf(ErrRingCorrupt, "tmr entry lists %d commands in %d bytes", cnt, n)
	}
	if e.OnTMR == nil {
		return nil
	}
	t := TMR{Type: ent.TmrType(), CmdIDs: make([]uint16, cnt)}
	for i := range t.CmdIDs {
		t.CmdIDs[i] = ent.TmrCmdID(i)
	}
	e.OnTMR(t)
	return nil
}

func (e *Engine) request(ent uapi.Entry, n uint32) (*Request, error) {
	cnt := ent.ReqIovCnt()
	if uint64(uapi.ReqSize(int(cnt))) > uint64(len(ent)) {
		return nil, errors.Wrapf(ErrRingCorrupt, "cmd %d: %d iovecs overflow mapping", ent.CmdID(), cnt)
	}

	size := uint64(len(e.mem))
	cdbOff := ent.ReqCdbOff()
	if cdbOff >= size {
		return nil, errors.Wrapf(ErrRingCorrupt, "cmd %d: cdb offset %d", ent.CmdID(), cdbOff)
	}
	cdb := e.mem[cdbOff:]
	if l, err := scsi.CDBLength(cdb); err == nil && l <= len(cdb) {
		cdb = cdb[:l:l]
	} else {
		// left to dispatch to reject
		l = min(len(cdb), maxFallbackCDB)
		cdb = cdb[:l:l]
	}

	iov := make(iovec.Vec, 0, cnt)
	for i := 0; i < int(cnt); i++ {
		d := ent.ReqIov(i)
		if d.Base > size || d.Len > size-d.Base {
			return nil, errors.Wrapf(ErrRingCorrupt, "cmd %d: iovec %d [%d,+%d)", ent.CmdID(), i, d.Base, d.Len)
		}
		end := d.Base + d.Len
		iov = append(iov, e.mem[d.Base:end:end])
	}

	return &Request{ID: ent.CmdID(), CDB: cdb, IOV: iov}, nil
}

// Post writes the completion for command id into the first consumed command
// slot at cmd_tail and advances cmd_tail past it. The slot's cmd_id is
// rewritten, so completions may be posted in any order. The kernel must be
// notified separately.
func (e *Engine) Post(id uint16, samStatus uint8, sense *[uapi.TCMU_SENSE_BUFFERSIZE]byte) error {
	tail := e.mb.CmdTail() % e.cmdrSize
	for {
		if tail == e.tail {
			return errors.Wrapf(ErrRingCorrupt, "completion for cmd %d with no consumed entry", id)
		}
		ent, n, err := e.entry(tail)
		if err != nil {
			return err
		}
		if ent.Op() != uapi.TCMU_OP_CMD {
			tail = e.advance(tail, n)
			continue
		}
		if n < uapi.MinEntrySize {
			return errors.Wrapf(ErrRingCorrupt, "cmd entry at %d too small for a response", tail)
		}
		ent.SetCmdID(id)
		ent.PutRsp(samStatus, sense[:])
		e.mb.SetCmdTail(e.advance(tail, n))
		return nil
	}
}
