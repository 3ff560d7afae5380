package backend

import (
	"bytes"
	"encoding/binary"

	tcmu "github.com/ehrlich-b/go-tcmu"
	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/iovec"
	"github.com/ehrlich-b/go-tcmu/scsi"
)

// EXTENDED COPY (LID1) parameter list layout.
const (
	xcopyHeaderLen  = 16
	xcopyTargetLen  = 32
	xcopySegmentLen = 28

	xcopyTargetIdent  = 0xe4 // identification descriptor CSCD
	xcopyBlockToBlock = 0x02

	// limits reported by RECEIVE COPY RESULTS
	xcopyMaxTargets    = 2
	xcopyMaxSegments   = 1
	xcopyMaxSegmentLen = 32 * 1024 * 1024 // bytes

	saOperatingParams = 0x03
)

// xcopyTarget is a copy target resolved to one of this handler's devices.
type xcopyTarget struct {
	dev *tcmu.Device
	bd  *blockDev
}

// track records dev as a possible EXTENDED COPY target.
func (h *BlockHandler) track(dev *tcmu.Device, open bool) {
	h.devMu.Lock()
	defer h.devMu.Unlock()
	if open {
		h.devs[dev] = struct{}{}
	} else {
		delete(h.devs, dev)
	}
}

// lookup finds the open device whose NAA designator is naa.
func (h *BlockHandler) lookup(naa []byte) (xcopyTarget, bool) {
	h.devMu.Lock()
	defer h.devMu.Unlock()
	for dev := range h.devs {
		id := scsi.NAADesignator(dev.Attrs().WWN)
		if !bytes.Equal(id[:], naa) {
			continue
		}
		if bd, ok := dev.Private().(*blockDev); ok {
			return xcopyTarget{dev: dev, bd: bd}, true
		}
	}
	return xcopyTarget{}, false
}

// extendedCopy runs a block to block EXTENDED COPY between devices served
// by this handler, the receiving device included.
func (h *BlockHandler) extendedCopy(dev *tcmu.Device, cmd *tcmu.Command) scsi.Status {
	cdb := cmd.CDB()
	if cdb[1]&0x1f != 0 {
		return scsi.InvalidCDB
	}
	plen := int(binary.BigEndian.Uint32(cdb[10:14]))
	if plen == 0 {
		return scsi.OK
	}
	if plen < xcopyHeaderLen {
		return scsi.InvalidParamListLen
	}
	iov := cmd.IOVec()
	if iov.Len() < plen {
		return scsi.InvalidParamListLen
	}
	param, release := queue.Gather(iov, plen)
	defer release()

	tdll := int(binary.BigEndian.Uint16(param[2:4]))
	sdll := int(binary.BigEndian.Uint32(param[8:12]))
	inline := binary.BigEndian.Uint32(param[12:16])
	switch {
	case inline != 0:
		return scsi.InvalidParamList
	case tdll == 0 || tdll%xcopyTargetLen != 0 || tdll/xcopyTargetLen > xcopyMaxTargets:
		return scsi.InvalidParamList
	case sdll == 0 || sdll%xcopySegmentLen != 0 || sdll/xcopySegmentLen > xcopyMaxSegments:
		return scsi.InvalidParamList
	case xcopyHeaderLen+tdll+sdll > plen:
		return scsi.InvalidParamListLen
	}

	targets := make([]xcopyTarget, 0, tdll/xcopyTargetLen)
	for off := xcopyHeaderLen; off < xcopyHeaderLen+tdll; off += xcopyTargetLen {
		t, st := h.resolveTarget(param[off : off+xcopyTargetLen])
		if st != scsi.OK {
			return st
		}
		targets = append(targets, t)
	}

	state := &tcmu.XCopyState{}
	cmd.SetState(state)
	segs := param[xcopyHeaderLen+tdll : xcopyHeaderLen+tdll+sdll]
	for ; state.Segment*xcopySegmentLen < len(segs); state.Segment++ {
		seg := segs[state.Segment*xcopySegmentLen:][:xcopySegmentLen]
		if st := h.copySegment(dev, seg, targets, state); st != scsi.OK {
			return st
		}
	}
	return scsi.OK
}

func (h *BlockHandler) resolveTarget(desc []byte) (xcopyTarget, scsi.Status) {
	if desc[0] != xcopyTargetIdent {
		return xcopyTarget{}, scsi.NotSuppTgtDescType
	}
	// only block devices named by a 16 byte NAA designator
	if desc[1]&0x1f != 0 {
		return xcopyTarget{}, scsi.InvalidCpTgtDevType
	}
	if desc[5]&0x0f != 0x03 || desc[7] != 16 {
		return xcopyTarget{}, scsi.InvalidParamList
	}
	t, ok := h.lookup(desc[8:24])
	if !ok {
		return xcopyTarget{}, scsi.CpTgtDevNotConn
	}
	bs := uint32(desc[29])<<16 | uint32(desc[30])<<8 | uint32(desc[31])
	if bs != t.dev.BlockSize() {
		return xcopyTarget{}, scsi.InvalidParamList
	}
	return t, scsi.OK
}

func (h *BlockHandler) copySegment(dev *tcmu.Device, seg []byte, targets []xcopyTarget, state *tcmu.XCopyState) scsi.Status {
	if seg[0] != xcopyBlockToBlock {
		return scsi.NotSuppSegDescType
	}
	if int(binary.BigEndian.Uint16(seg[2:4])) != xcopySegmentLen-4 {
		return scsi.InvalidParamList
	}
	si, di := int(binary.BigEndian.Uint16(seg[4:6])), int(binary.BigEndian.Uint16(seg[6:8]))
	if si >= len(targets) || di >= len(targets) {
		return scsi.InvalidParamList
	}
	src, dst := targets[si], targets[di]
	blocks := uint64(binary.BigEndian.Uint16(seg[10:12]))
	state.SrcLBA = binary.BigEndian.Uint64(seg[12:20])
	state.DstLBA = binary.BigEndian.Uint64(seg[20:28])
	state.Remaining = blocks

	if st := checkRange(src.dev.Attrs(), state.SrcLBA, blocks); st != scsi.OK {
		return st
	}
	if st := checkRange(dst.dev.Attrs(), state.DstLBA, blocks); st != scsi.OK {
		return st
	}
	bs := int64(src.dev.BlockSize())
	if blocks*uint64(bs) > xcopyMaxSegmentLen {
		return scsi.InvalidParamList
	}
	if blocks == 0 {
		return scsi.OK
	}

	chunk := uint64(writeSameChunk / bs)
	buf := queue.GetBuffer(uint32(min(blocks, chunk) * uint64(bs)))
	defer queue.PutBuffer(buf)

	dst.bd.mu.RLock()
	defer dst.bd.mu.RUnlock()
	for state.Remaining > 0 {
		n := min(state.Remaining, chunk)
		p := buf[:int64(n)*bs]
		if _, err := src.bd.store.ReadAt(p, int64(state.SrcLBA)*bs); err != nil {
			dev.Logger().WithError(err).Error("extended copy read failed", "device", src.dev.Name(), "lba", state.SrcLBA)
			return ioStatus(err, scsi.RdErr)
		}
		if _, err := dst.bd.store.WriteAt(p, int64(state.DstLBA)*bs); err != nil {
			dev.Logger().WithError(err).Error("extended copy write failed", "device", dst.dev.Name(), "lba", state.DstLBA)
			return ioStatus(err, scsi.WrErr)
		}
		state.SrcLBA += n
		state.DstLBA += n
		state.Remaining -= n
	}
	return scsi.OK
}

// receiveCopyResults answers the OPERATING PARAMETERS service action with
// the limits extendedCopy enforces.
func (h *BlockHandler) receiveCopyResults(cmd *tcmu.Command) scsi.Status {
	cdb := cmd.CDB()
	if cdb[1]&0x1f != saOperatingParams {
		return scsi.InvalidCDB
	}
	alloc := int(binary.BigEndian.Uint32(cdb[10:14]))

	data := make([]byte, 46)
	binary.BigEndian.PutUint32(data[0:4], uint32(len(data)-4))
	data[4] = 0x01 // SNLID
	binary.BigEndian.PutUint16(data[8:10], xcopyMaxTargets)
	binary.BigEndian.PutUint16(data[10:12], xcopyMaxSegments)
	binary.BigEndian.PutUint32(data[12:16], xcopyMaxTargets*xcopyTargetLen+xcopyMaxSegments*xcopySegmentLen)
	binary.BigEndian.PutUint32(data[16:20], xcopyMaxSegmentLen)
	binary.BigEndian.PutUint16(data[34:36], 1)
	data[36] = 1
	data[37] = 9 // 512 byte data segment granularity
	data[43] = 2
	data[44] = xcopyBlockToBlock
	data[45] = xcopyTargetIdent

	if alloc < len(data) {
		data = data[:alloc]
	}
	iovec.CopyInto(cmd.IOVec(), data)
	return scsi.OK
}
