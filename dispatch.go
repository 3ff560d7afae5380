package tcmu

import (
	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// dispatcher connects a device's runner to its handler.
type dispatcher struct {
	d *Device
}

func (p dispatcher) Blocked() bool { return p.d.Blocked() }

func (p dispatcher) Dispatch(qc *queue.Cmd) (scsi.Status, error) {
	d := p.d
	d.dispatching.Add(1)
	defer d.dispatching.Add(-1)
	if d.blocked.Load() {
		return 0, ErrDeviceBlocked
	}
	return d.dispatch(newCommand(d, qc, d.Attrs())), nil
}

// dispatch routes one command. No device lock is held while the handler
// runs.
func (d *Device) dispatch(cmd *Command) scsi.Status {
	if d.Fenced() {
		return scsi.Fenced
	}
	cdb := cmd.CDB()
	if st := scsi.ValidateCDB(cdb); st != scsi.OK {
		return st
	}

	switch cdb[0] {
	case scsi.Inquiry, scsi.RequestSense, scsi.ReportLuns:
	default:
		if d.capacityChanged.CompareAndSwap(true, false) {
			return scsi.CapacityChanged
		}
	}

	st := scsi.NotHandled
	if d.handler != nil {
		st = d.handler.HandleCommand(d, cmd)
	}
	if st == scsi.NotHandled {
		st = d.emulate(cmd)
	}
	return st
}

// emulate serves the mandatory command subset from the attribute snapshot
// the command was dispatched with.
func (d *Device) emulate(cmd *Command) scsi.Status {
	cdb := cmd.CDB()
	iov := cmd.IOVec()
	attrs := cmd.Attrs()

	switch cdb[0] {
	case scsi.Inquiry:
		return scsi.EmulateInquiry(cdb, iov, attrs, d.TargetPort())
	case scsi.TestUnitReady:
		return scsi.EmulateTestUnitReady(cdb, attrs)
	case scsi.StartStop:
		return scsi.EmulateStartStop(cdb, attrs)
	case scsi.ReadCapacity:
		return scsi.EmulateReadCapacity10(cdb, iov, attrs)
	case scsi.ServiceActionIn16:
		if cdb[1]&0x1f == scsi.SaiReadCapacity16 {
			return scsi.EmulateReadCapacity16(cdb, iov, attrs)
		}
		return scsi.InvalidCmd
	case scsi.ModeSense, scsi.ModeSense10:
		return scsi.EmulateModeSense(cdb, iov, attrs)
	case scsi.ModeSelect, scsi.ModeSelect10:
		next, st := scsi.EmulateModeSelect(cdb, iov, attrs)
		if st == scsi.OK && next.WriteCache != attrs.WriteCache {
			d.SetWriteCacheEnabled(next.WriteCache)
			d.logger.Info("write cache changed by MODE SELECT", "enabled", next.WriteCache)
		}
		return st
	case scsi.RequestSense:
		return scsi.EmulateRequestSense(cdb, iov, attrs)
	}
	d.logger.Debug("unsupported command", "op", scsi.OpcodeName(cdb[0]))
	return scsi.InvalidCmd
}
