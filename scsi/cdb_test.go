package scsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCDBLength(t *testing.T) {
	tests := []struct {
		name    string
		cdb     []byte
		want    int
		wantErr bool
	}{
		{"test unit ready", []byte{TestUnitReady, 0, 0, 0, 0, 0}, 6, false},
		{"read 10", make10(Read10), 10, false},
		{"group 2", make10(ModeSense10), 10, false},
		{"read 16", make16(Read16), 16, false},
		{"read 12", make12(Read12), 12, false},
		{"variable length", append([]byte{VariableLengthCmd, 0, 0, 0, 0, 0, 0, 0x18}, make([]byte, 24)...), 32, false},
		{"group 3 other", []byte{0x60, 0, 0, 0, 0, 0, 0, 0}, 0, true},
		{"group 6", []byte{0xc0}, 0, true},
		{"group 7", []byte{0xe5}, 0, true},
		{"empty", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CDBLength(tt.cdb)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownCDBLength)
				assert.Equal(t, InvalidCDB, ValidateCDB(tt.cdb))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, OK, ValidateCDB(tt.cdb))
		})
	}
}

func TestValidateCDBTooShort(t *testing.T) {
	assert.Equal(t, InvalidCDB, ValidateCDB([]byte{Read10, 0, 0}))
	assert.Equal(t, InvalidCDB, ValidateCDB([]byte{VariableLengthCmd, 0, 0, 0, 0, 0, 0, 0x18}))
}

func makeCDB(op byte, n int) []byte {
	c := make([]byte, n)
	c[0] = op
	return c
}

func make10(op byte) []byte { return makeCDB(op, 10) }
func make12(op byte) []byte { return makeCDB(op, 12) }
func make16(op byte) []byte { return makeCDB(op, 16) }

func TestLBAAndXferLength(t *testing.T) {
	r6 := []byte{Read6, 0xff, 0x12, 0x34, 0x08, 0}
	assert.Equal(t, uint64(0x1f1234), LBA(r6))
	assert.Equal(t, uint32(8), XferLength(r6))

	r10 := make10(Read10)
	copy(r10[2:], []byte{0xde, 0xad, 0xbe, 0xef})
	r10[7], r10[8] = 0x01, 0x02
	assert.Equal(t, uint64(0xdeadbeef), LBA(r10))
	assert.Equal(t, uint32(0x0102), XferLength(r10))

	r12 := make12(Read12)
	copy(r12[2:], []byte{0, 0, 0x10, 0})
	copy(r12[6:], []byte{0, 1, 0, 0})
	assert.Equal(t, uint64(0x1000), LBA(r12))
	assert.Equal(t, uint32(0x10000), XferLength(r12))

	r16 := make16(Write16)
	copy(r16[2:], []byte{0x01, 0, 0, 0, 0, 0, 0, 0x02})
	copy(r16[10:], []byte{0, 0, 0x80, 0})
	assert.Equal(t, uint64(0x0100000000000002), LBA(r16))
	assert.Equal(t, uint32(0x8000), XferLength(r16))

	assert.Equal(t, uint64(0), LBA([]byte{0xc0}))
	assert.Equal(t, uint32(0), XferLength([]byte{Read10}))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "INQUIRY [12 01 80 00 ff 00]", Describe([]byte{Inquiry, 1, 0x80, 0, 0xff, 0}))
	assert.Equal(t, "OPCODE_0xc1 [c1 00]", Describe([]byte{0xc1, 0}))
	assert.Equal(t, "<empty cdb>", Describe(nil))
	assert.Equal(t, "READ_10", OpcodeName(Read10))
}

func TestCharToHex(t *testing.T) {
	for c, want := range map[byte]byte{'0': 0, '9': 9, 'a': 10, 'f': 15, 'A': 10, 'F': 15} {
		got, err := CharToHex(c)
		require.NoError(t, err)
		assert.Equal(t, want, got, "char %q", c)
	}
	for _, c := range []byte{'g', '-', ' ', 'G'} {
		_, err := CharToHex(c)
		assert.Error(t, err, "char %q", c)
	}
}
