package scsi

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-tcmu/iovec"
)

func lastLBA(attrs Attrs) uint64 {
	if attrs.NumLBAs == 0 {
		return 0
	}
	return attrs.NumLBAs - 1
}

// EmulateReadCapacity10 reports the last LBA and the block size. Devices whose
// last LBA does not fit in 32 bits report 0xFFFFFFFF so the initiator switches
// to READ CAPACITY(16).
func EmulateReadCapacity10(cdb []byte, iov iovec.Vec, attrs Attrs) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	data := make([]byte, 8)
	last := lastLBA(attrs)
	if last > 0xFFFFFFFE {
		last = 0xFFFFFFFF
	}
	binary.BigEndian.PutUint32(data[0:4], uint32(last))
	binary.BigEndian.PutUint32(data[4:8], attrs.BlockSize)
	iovec.CopyInto(iov, data)
	return OK
}

// EmulateReadCapacity16 answers SERVICE ACTION IN(16) / READ CAPACITY(16).
func EmulateReadCapacity16(cdb []byte, iov iovec.Vec, attrs Attrs) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	if cdb[1]&0x1f != SaiReadCapacity16 {
		return InvalidCDB
	}
	alloc := int(binary.BigEndian.Uint32(cdb[10:14]))

	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data[0:8], lastLBA(attrs))
	binary.BigEndian.PutUint32(data[8:12], attrs.BlockSize)
	// one logical block per physical block, byte 13 stays zero
	lowest := uint16(attrs.UnmapGranAlign & 0x3fff)
	binary.BigEndian.PutUint16(data[14:16], lowest)
	if attrs.Unmap {
		data[14] |= 0x80 // LBPME
		if attrs.UnmapZeroes {
			data[14] |= 0x40 // LBPRZ
		}
	}
	respond(iov, data, alloc)
	return OK
}
