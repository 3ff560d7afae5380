// Package scsi implements the SCSI side of a TCMU target: status codes, the
// fixed-format sense codec, CDB helpers and emulation of the mandatory
// command subset (INQUIRY, TEST UNIT READY, START STOP UNIT, READ CAPACITY,
// MODE SENSE/SELECT, REQUEST SENSE).
package scsi

import "fmt"

// Status is the outcome of processing one command. The numeric values match
// the TCMU handler ABI.
type Status int

const (
	AsyncHandled Status = -2 // handler completes the command later
	NotHandled   Status = -1 // fall back to the built-in emulation
)

const (
	OK Status = iota
	NoResource
	PassthroughErr
	Busy
	WrErr
	RdErr
	Miscompare
	InvalidCmd
	InvalidCDB
	InvalidParamList
	InvalidParamListLen
	Timeout
	Fenced
	HWErr
	Range
	FrmtInProgress
	CapacityChanged
	NotSuppSaveParams
	WrErrIncompatFrmt
	Transition
	ImplTransitionErr
	ExplTransitionErr
	NoLockHolders
	NotSuppSegDescType
	NotSuppTgtDescType
	CpTgtDevNotConn
	InvalidCpTgtDevType
)

var statusNames = map[Status]string{
	AsyncHandled:        "ASYNC_HANDLED",
	NotHandled:          "NOT_HANDLED",
	OK:                  "OK",
	NoResource:          "NO_RESOURCE",
	PassthroughErr:      "PASSTHROUGH_ERR",
	Busy:                "BUSY",
	WrErr:               "WR_ERR",
	RdErr:               "RD_ERR",
	Miscompare:          "MISCOMPARE",
	InvalidCmd:          "INVALID_CMD",
	InvalidCDB:          "INVALID_CDB",
	InvalidParamList:    "INVALID_PARAM_LIST",
	InvalidParamListLen: "INVALID_PARAM_LIST_LEN",
	Timeout:             "TIMEOUT",
	Fenced:              "FENCED",
	HWErr:               "HW_ERR",
	Range:               "RANGE",
	FrmtInProgress:      "FRMT_IN_PROGRESS",
	CapacityChanged:     "CAPACITY_CHANGED",
	NotSuppSaveParams:   "NOTSUPP_SAVE_PARAMS",
	WrErrIncompatFrmt:   "WR_ERR_INCOMPAT_FRMT",
	Transition:          "TRANSITION",
	ImplTransitionErr:   "IMPL_TRANSITION_ERR",
	ExplTransitionErr:   "EXPL_TRANSITION_ERR",
	NoLockHolders:       "NO_LOCK_HOLDERS",
	NotSuppSegDescType:  "NOTSUPP_SEG_DESC_TYPE",
	NotSuppTgtDescType:  "NOTSUPP_TGT_DESC_TYPE",
	CpTgtDevNotConn:     "CP_TGT_DEV_NOTCONN",
	InvalidCpTgtDevType: "INVALID_CP_TGT_DEV_TYPE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// IsTerminal reports whether s is a final disposition that can be posted to
// the ring. AsyncHandled and NotHandled are routing hints, not outcomes.
func (s Status) IsTerminal() bool {
	return s != AsyncHandled && s != NotHandled
}

// SAMStatus is the status byte reported to the initiator.
type SAMStatus uint8

const (
	SAMGood           SAMStatus = 0x00
	SAMCheckCondition SAMStatus = 0x02
	SAMBusy           SAMStatus = 0x08
	SAMTaskSetFull    SAMStatus = 0x28
)
