package scsi

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-tcmu/iovec"
)

const stdInquiryLen = 36

// supportedVPDPages is reported by page 0x00, in ascending order.
var supportedVPDPages = []byte{0x00, 0x80, 0x83, 0xb0, 0xb1, 0xb2}

// respond copies data into iov, truncated to the allocation length.
func respond(iov iovec.Vec, data []byte, alloc int) {
	if alloc < len(data) {
		data = data[:alloc]
	}
	iovec.CopyInto(iov, data)
}

// EmulateInquiry answers standard INQUIRY and the supported EVPD pages.
// port is optional.
func EmulateInquiry(cdb []byte, iov iovec.Vec, attrs Attrs, port *TargetPort) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	if len(cdb) < 6 {
		return InvalidCDB
	}
	alloc := int(binary.BigEndian.Uint16(cdb[3:5]))

	if cdb[1]&0x01 == 0 {
		if cdb[2] != 0 {
			return InvalidCDB
		}
		respond(iov, stdInquiry(attrs, port), alloc)
		return OK
	}

	var data []byte
	switch cdb[2] {
	case 0x00:
		data = make([]byte, 4+len(supportedVPDPages))
		data[3] = byte(len(supportedVPDPages))
		copy(data[4:], supportedVPDPages)
	case 0x80:
		data = vpdUnitSerial(attrs)
	case 0x83:
		data = vpdDeviceID(attrs, port)
	case 0xb0:
		data = vpdBlockLimits(attrs)
	case 0xb1:
		data = make([]byte, 0x40)
		data[3] = 0x3c
		if attrs.SolidState {
			data[5] = 0x01
		}
	case 0xb2:
		data = vpdProvisioning(attrs)
	default:
		return InvalidCDB
	}
	data[1] = cdb[2]
	respond(iov, data, alloc)
	return OK
}

func stdInquiry(attrs Attrs, port *TargetPort) []byte {
	buf := make([]byte, stdInquiryLen)
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02
	buf[4] = stdInquiryLen - 5
	buf[5] = 0x08 // 3PC
	if port != nil {
		buf[5] |= (port.TPGS & 0x03) << 4
	}
	buf[7] = 0x02 // CmdQue
	copyPadded(buf[8:16], DefaultVendor)
	copyPadded(buf[16:32], attrs.product())
	copyPadded(buf[32:36], DefaultRevision)
	return buf
}

func copyPadded(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func vpdUnitSerial(attrs Attrs) []byte {
	wwn := attrs.WWN
	if len(wwn) > 0xff {
		wwn = wwn[:0xff]
	}
	data := make([]byte, 4+len(wwn))
	data[3] = byte(len(wwn))
	copy(data[4:], wwn)
	return data
}

// NAADesignator returns the NAA IEEE Registered Extended designator (company
// id 0x6001405) reported for a unit serial. EXTENDED COPY target
// descriptors name devices by it.
func NAADesignator(wwn string) [16]byte {
	var naa [16]byte
	naa[0], naa[1], naa[2], naa[3] = 0x60, 0x01, 0x40, 0x50
	i, low := 3, true
	for j := 0; j < len(wwn) && i < len(naa); j++ {
		val, err := CharToHex(wwn[j])
		if err != nil {
			continue
		}
		if low {
			naa[i] |= val
			i++
		} else {
			naa[i] = val << 4
		}
		low = !low
	}
	return naa
}

func vpdDeviceID(attrs Attrs, port *TargetPort) []byte {
	data := make([]byte, 4, 128)

	// T10 vendor identification, ASCII
	t10 := append([]byte(DefaultVendor), attrs.WWN...)
	t10 = append(t10, 0)
	if len(t10) > 0xff {
		t10 = t10[:0xff]
	}
	data = append(data, 0x02, 0x01, 0x00, byte(len(t10)))
	data = append(data, t10...)

	naa := NAADesignator(attrs.WWN)
	data = append(data, 0x01, 0x03, 0x00, byte(len(naa)))
	data = append(data, naa[:]...)

	if port != nil {
		// relative target port and target port group, associated with the port
		rel := []byte{0x01, 0x94, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
		binary.BigEndian.PutUint16(rel[6:], port.RelativeID)
		tpg := []byte{0x01, 0x95, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
		binary.BigEndian.PutUint16(tpg[6:], port.GroupID)
		data = append(data, rel...)
		data = append(data, tpg...)
	}

	binary.BigEndian.PutUint16(data[2:4], uint16(len(data)-4))
	return data
}

func vpdBlockLimits(attrs Attrs) []byte {
	data := make([]byte, 0x40)
	data[3] = 0x3c
	data[4] = 0x01 // WSNZ
	data[5] = MaxCAWLength
	binary.BigEndian.PutUint16(data[6:8], 1)
	binary.BigEndian.PutUint32(data[8:12], attrs.MaxXferLen)
	binary.BigEndian.PutUint32(data[12:16], attrs.MaxXferLen)
	if attrs.Unmap {
		binary.BigEndian.PutUint32(data[20:24], VPDMaxUnmapLBACount)
		binary.BigEndian.PutUint32(data[24:28], VPDMaxUnmapBlockDescCount)
		binary.BigEndian.PutUint32(data[28:32], attrs.OptUnmapGran)
		binary.BigEndian.PutUint32(data[32:36], attrs.UnmapGranAlign|0x80000000)
	}
	binary.BigEndian.PutUint64(data[36:44], VPDMaxWriteSameLength)
	return data
}

func vpdProvisioning(attrs Attrs) []byte {
	data := make([]byte, 8)
	data[3] = 0x04
	if attrs.Unmap {
		data[5] = 0x80 | 0x40 | 0x20 // LBPU, LBPWS, LBPWS10
		if attrs.UnmapZeroes {
			data[5] |= 0x04
		}
		data[6] = 0x02 // thin provisioned
	}
	return data
}
