package tcmu

import (
	"io"

	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/iovec"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// Command is one SCSI command taken from a device's ring. Its CDB and data
// segments alias the ring and are valid until the completion has been
// acknowledged; afterwards CDB and IOVec return nil.
//
// A Command is handed to one handler at a time. Its cursor methods (Read,
// Write, Seek) are not safe for concurrent use.
type Command struct {
	qc    *queue.Cmd
	dev   *Device
	attrs scsi.Attrs
	iov   iovec.Vec
	state CmdState
}

func newCommand(dev *Device, qc *queue.Cmd, attrs scsi.Attrs) *Command {
	return &Command{
		qc:    qc,
		dev:   dev,
		attrs: attrs,
		iov:   iovec.Clone(qc.IOV()),
	}
}

// ID is the ring's cmd_id, unique among the device's outstanding commands.
func (c *Command) ID() uint16 { return c.qc.ID() }

func (c *Command) Device() *Device { return c.dev }

// Attrs is the device attribute snapshot the command was dispatched with.
func (c *Command) Attrs() scsi.Attrs { return c.attrs }

// CDB returns the command descriptor block, or nil once retired.
func (c *Command) CDB() []byte { return c.qc.CDB() }

// Opcode returns the first CDB byte.
func (c *Command) Opcode() uint8 {
	if cdb := c.CDB(); len(cdb) > 0 {
		return cdb[0]
	}
	return 0
}

// IOVec returns the data segments not yet consumed by Read, Write or Seek,
// or nil once retired.
func (c *Command) IOVec() iovec.Vec {
	if c.qc.IOV() == nil {
		return nil
	}
	return c.iov
}

// Sense is the command's sense buffer, posted with CHECK CONDITION.
func (c *Command) Sense() *scsi.SenseBuffer { return c.qc.Sense() }

func (c *Command) State() CmdState     { return c.state }
func (c *Command) SetState(s CmdState) { c.state = s }

// LBA and XferLength decode the CDB.
func (c *Command) LBA() uint64        { return scsi.LBA(c.CDB()) }
func (c *Command) XferLength() uint32 { return scsi.XferLength(c.CDB()) }

// Seek skips count bytes of the data buffer and returns the number skipped.
func (c *Command) Seek(count int) int {
	if c.qc.IOV() == nil {
		return 0
	}
	return iovec.Seek(&c.iov, count)
}

// Read copies data sent by the initiator into p.
func (c *Command) Read(p []byte) (int, error) {
	v := c.IOVec()
	if v.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := iovec.CopyFrom(p, v)
	iovec.Seek(&c.iov, n)
	return n, nil
}

// Write copies p into the data buffer returned to the initiator.
func (c *Command) Write(p []byte) (int, error) {
	v := c.IOVec()
	n := iovec.CopyInto(v, p)
	if v != nil {
		iovec.Seek(&c.iov, n)
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Complete reports the final status of a command the handler answered with
// scsi.AsyncHandled. It may be called from any goroutine, exactly once.
func (c *Command) Complete(st scsi.Status) error {
	if err := c.qc.Complete(st); err != nil {
		return NewCommandError("COMPLETE", c.dev.Name(), c.ID(), ErrCodeAlreadyCompleted, err)
	}
	return nil
}

// Done is closed once the completion is acknowledged in the ring.
func (c *Command) Done() <-chan struct{} { return c.qc.Done() }

// Status returns the completion status once Done is closed.
func (c *Command) Status() scsi.Status { return c.qc.Status() }
