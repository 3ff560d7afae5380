package scsi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownCDBLength is returned by CDBLength for reserved or vendor specific
// group codes.
var ErrUnknownCDBLength = errors.New("scsi: cdb length cannot be determined")

// CDBLength derives the command descriptor block length from the group code in
// the top three bits of the opcode.
func CDBLength(cdb []byte) (int, error) {
	if len(cdb) == 0 {
		return 0, ErrUnknownCDBLength
	}
	op := cdb[0]
	switch op >> 5 {
	case 0:
		return 6, nil
	case 1, 2:
		return 10, nil
	case 3:
		if op == VariableLengthCmd && len(cdb) > 7 {
			return 8 + int(cdb[7]), nil
		}
		return 0, errors.Wrapf(ErrUnknownCDBLength, "opcode 0x%02x", op)
	case 4:
		return 16, nil
	case 5:
		return 12, nil
	default:
		return 0, errors.Wrapf(ErrUnknownCDBLength, "opcode 0x%02x", op)
	}
}

// ValidateCDB returns InvalidCDB when the length of cdb cannot be derived or
// the slice is shorter than the derived length, OK otherwise.
func ValidateCDB(cdb []byte) Status {
	n, err := CDBLength(cdb)
	if err != nil || len(cdb) < n {
		return InvalidCDB
	}
	return OK
}

// LBA returns the logical block address field of a READ/WRITE style CDB.
func LBA(cdb []byte) uint64 {
	n, err := CDBLength(cdb)
	if err != nil || len(cdb) < n {
		return 0
	}
	switch n {
	case 6:
		return uint64(cdb[1]&0x1f)<<16 | uint64(binary.BigEndian.Uint16(cdb[2:4]))
	case 10, 12:
		return uint64(binary.BigEndian.Uint32(cdb[2:6]))
	case 16:
		return binary.BigEndian.Uint64(cdb[2:10])
	}
	return 0
}

// XferLength returns the transfer length field in blocks. For 6-byte CDBs a
// raw value of 0 is returned as is; READ(6) and WRITE(6) callers treat it as
// 256.
func XferLength(cdb []byte) uint32 {
	n, err := CDBLength(cdb)
	if err != nil || len(cdb) < n {
		return 0
	}
	switch n {
	case 6:
		return uint32(cdb[4])
	case 10:
		return uint32(binary.BigEndian.Uint16(cdb[7:9]))
	case 12:
		return binary.BigEndian.Uint32(cdb[6:10])
	case 16:
		return binary.BigEndian.Uint32(cdb[10:14])
	}
	return 0
}

// OpcodeName returns a printable name for op.
func OpcodeName(op byte) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_0x%02x", op)
}

// Describe renders a CDB for logging: the opcode name followed by the CDB
// bytes in hex.
func Describe(cdb []byte) string {
	if len(cdb) == 0 {
		return "<empty cdb>"
	}
	n, err := CDBLength(cdb)
	if err != nil || n > len(cdb) {
		n = len(cdb)
	}
	var sb strings.Builder
	sb.WriteString(OpcodeName(cdb[0]))
	sb.WriteString(" [")
	for i, b := range cdb[:n] {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	sb.WriteByte(']')
	return sb.String()
}

// CharToHex converts one hex digit to its value.
func CharToHex(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	}
	return 0, errors.Errorf("scsi: %q is not a hex digit", c)
}
