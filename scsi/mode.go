package scsi

import (
	"bytes"
	"encoding/binary"

	"github.com/ehrlich-b/go-tcmu/iovec"
)

const (
	modeAllPages      = 0x3f
	maxModeSelectLen  = 512
	modeDataDPOFUA    = 0x10
	cachingPageWCE    = 0x04
	pageControlChange = 1
	pageControlSaved  = 3
)

// modePage describes one emulated mode page. current renders the page for a
// snapshot; changeable is the mask of bits MODE SELECT may modify.
type modePage struct {
	code       byte
	current    func(Attrs) []byte
	changeable []byte
}

var modePages = []modePage{
	{
		code: 0x01, // read-write error recovery
		current: func(Attrs) []byte {
			p := make([]byte, 12)
			p[0], p[1] = 0x01, 0x0a
			return p
		},
		changeable: make([]byte, 12),
	},
	{
		code: 0x08, // caching
		current: func(a Attrs) []byte {
			p := make([]byte, 20)
			p[0], p[1] = 0x08, 0x12
			if a.WriteCache {
				p[2] = cachingPageWCE
			}
			return p
		},
		changeable: func() []byte {
			m := make([]byte, 20)
			m[2] = cachingPageWCE
			return m
		}(),
	},
	{
		code: 0x0a, // control
		current: func(Attrs) []byte {
			p := make([]byte, 12)
			p[0], p[1] = 0x0a, 0x0a
			p[2] = 0x02 // GLTSD
			p[5] = 0x40 // TAS
			p[8], p[9] = 0xff, 0xff
			return p
		},
		changeable: make([]byte, 12),
	},
}

func findModePage(code byte) *modePage {
	for i := range modePages {
		if modePages[i].code == code {
			return &modePages[i]
		}
	}
	return nil
}

func (p *modePage) render(a Attrs, pc byte) []byte {
	if pc == pageControlChange {
		m := append([]byte(nil), p.changeable...)
		m[0], m[1] = p.code, byte(len(m)-2)
		return m
	}
	return p.current(a)
}

// EmulateModeSense answers MODE SENSE(6) and MODE SENSE(10) for the
// read-write error recovery, caching and control pages.
func EmulateModeSense(cdb []byte, iov iovec.Vec, attrs Attrs) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	ten := cdb[0] == ModeSense10
	pageCode := cdb[2] & 0x3f
	pc := cdb[2] >> 6
	subpage := cdb[3]

	alloc := int(XferLength(cdb))
	if alloc == 0 {
		return OK
	}
	if pc == pageControlSaved {
		return NotSuppSaveParams
	}

	hdrLen := 4
	if ten {
		hdrLen = 8
	}
	buf := make([]byte, hdrLen, 64)

	if pageCode == modeAllPages {
		if subpage != 0 && subpage != 0xff {
			return InvalidCDB
		}
		for i := range modePages {
			buf = append(buf, modePages[i].render(attrs, pc)...)
		}
	} else {
		p := findModePage(pageCode)
		if p == nil || subpage != 0 {
			return InvalidCDB
		}
		buf = append(buf, p.render(attrs, pc)...)
	}

	if ten {
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)-2))
		if attrs.WriteCache {
			buf[3] |= modeDataDPOFUA
		}
	} else {
		if len(buf) >= 255 {
			return InvalidCDB
		}
		buf[0] = byte(len(buf) - 1)
		if attrs.WriteCache {
			buf[2] |= modeDataDPOFUA
		}
	}

	respond(iov, buf, alloc)
	return OK
}

// EmulateModeSelect validates a MODE SELECT(6)/(10) parameter list against the
// emulated pages. Only WCE in the caching page is changeable; the updated
// snapshot is returned and must be applied by the caller only on OK.
func EmulateModeSelect(cdb []byte, iov iovec.Vec, attrs Attrs) (Attrs, Status) {
	if st := ValidateCDB(cdb); st != OK {
		return attrs, st
	}
	ten := cdb[0] == ModeSelect10

	listLen := int(XferLength(cdb))
	if listLen == 0 {
		return attrs, OK
	}
	// PF must be set and SP clear
	if cdb[1]&0x10 == 0 || cdb[1]&0x01 != 0 {
		return attrs, InvalidCDB
	}
	if listLen >= maxModeSelectLen {
		return attrs, InvalidParamListLen
	}

	in := make([]byte, listLen)
	n := iovec.CopyFrom(in, iov)
	in = in[:n]

	hdrLen := 4
	if ten {
		hdrLen = 8
	}
	if len(in) < hdrLen+2 {
		return attrs, InvalidParamListLen
	}
	off := hdrLen
	if ten {
		off += int(binary.BigEndian.Uint16(in[6:8]))
	} else {
		off += int(in[3])
	}
	if len(in) < off+2 {
		return attrs, InvalidParamListLen
	}

	p := findModePage(in[off] & 0x3f)
	if p == nil {
		return attrs, InvalidParamList
	}
	cur := p.current(attrs)
	if len(in) < off+len(cur) {
		return attrs, InvalidParamListLen
	}
	sel := in[off : off+len(cur)]

	if !bytes.Equal(sel[:2], cur[:2]) {
		return attrs, InvalidParamList
	}
	for i := 2; i < len(cur); i++ {
		if (sel[i]^cur[i])&^p.changeable[i] != 0 {
			return attrs, InvalidParamList
		}
	}

	if p.code == 0x08 {
		attrs.WriteCache = sel[2]&cachingPageWCE != 0
	}
	return attrs, OK
}
