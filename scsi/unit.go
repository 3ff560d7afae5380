package scsi

import "github.com/ehrlich-b/go-tcmu/iovec"

// EmulateTestUnitReady reports whether the unit can accept media access
// commands.
func EmulateTestUnitReady(cdb []byte, attrs Attrs) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	return attrs.readinessStatus()
}

// EmulateStartStop accepts START STOP UNIT requests that start the unit.
// Stopping, ejecting and power conditions are rejected.
func EmulateStartStop(cdb []byte, attrs Attrs) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	if cdb[4]>>4 != 0 {
		return InvalidCDB
	}
	if cdb[4]&0x01 == 0 {
		return InvalidCDB
	}
	return attrs.readinessStatus()
}

// EmulateRequestSense returns fixed-format sense data describing the current
// state of the unit. Descriptor format is not supported.
func EmulateRequestSense(cdb []byte, iov iovec.Vec, attrs Attrs) Status {
	if st := ValidateCDB(cdb); st != OK {
		return st
	}
	if cdb[1]&0x01 != 0 {
		return InvalidCDB
	}
	var sense SenseBuffer
	switch attrs.Readiness {
	case Transitioning:
		SetSenseData(&sense, NotReady, AscLogicalUnitNotAccessible)
	case Formatting:
		SetSenseData(&sense, NotReady, AscFormatInProgress)
	default:
		SetSenseData(&sense, NoSense, AscNone)
	}
	respond(iov, sense[:fixedSenseLen], int(cdb[4]))
	return OK
}
