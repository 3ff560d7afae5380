package scsi

// SCSI operation codes handled or recognised by the library.
const (
	TestUnitReady        = 0x00
	RequestSense         = 0x03
	FormatUnit           = 0x04
	Read6                = 0x08
	Write6               = 0x0a
	Inquiry              = 0x12
	ModeSelect           = 0x15
	Reserve              = 0x16
	Release              = 0x17
	ModeSense            = 0x1a
	StartStop            = 0x1b
	ReceiveDiagnostic    = 0x1c
	SendDiagnostic       = 0x1d
	AllowMediumRemoval   = 0x1e
	ReadCapacity         = 0x25
	Read10               = 0x28
	Write10              = 0x2a
	WriteVerify          = 0x2e
	Verify               = 0x2f
	PreFetch             = 0x34
	SynchronizeCache     = 0x35
	WriteBuffer          = 0x3b
	ReadBuffer           = 0x3c
	WriteSame            = 0x41
	Unmap                = 0x42
	LogSelect            = 0x4c
	LogSense             = 0x4d
	ModeSelect10         = 0x55
	Reserve10            = 0x56
	Release10            = 0x57
	ModeSense10          = 0x5a
	PersistentReserveIn  = 0x5e
	PersistentReserveOut = 0x5f
	VariableLengthCmd    = 0x7f
	ExtendedCopy         = 0x83
	ReceiveCopyResults   = 0x84
	Read16               = 0x88
	CompareAndWrite      = 0x89
	Write16              = 0x8a
	WriteVerify16        = 0x8e
	Verify16             = 0x8f
	SynchronizeCache16   = 0x91
	WriteSame16          = 0x93
	ServiceActionIn16    = 0x9e
	ReportLuns           = 0xa0
	MaintenanceIn        = 0xa3
	MaintenanceOut       = 0xa4
	Read12               = 0xa8
	Write12              = 0xaa
	WriteVerify12        = 0xae
	Verify12             = 0xaf

	// service actions for ServiceActionIn16
	SaiReadCapacity16 = 0x10
	SaiGetLBAStatus   = 0x12

	// service actions for MaintenanceIn / MaintenanceOut
	MiReportTargetPGs = 0x0a
	MoSetTargetPGs    = 0x0a
)

var opcodeNames = map[byte]string{
	TestUnitReady:        "TEST_UNIT_READY",
	RequestSense:         "REQUEST_SENSE",
	FormatUnit:           "FORMAT_UNIT",
	Read6:                "READ_6",
	Write6:               "WRITE_6",
	Inquiry:              "INQUIRY",
	ModeSelect:           "MODE_SELECT",
	Reserve:              "RESERVE",
	Release:              "RELEASE",
	ModeSense:            "MODE_SENSE",
	StartStop:            "START_STOP",
	ReceiveDiagnostic:    "RECEIVE_DIAGNOSTIC",
	SendDiagnostic:       "SEND_DIAGNOSTIC",
	AllowMediumRemoval:   "ALLOW_MEDIUM_REMOVAL",
	ReadCapacity:         "READ_CAPACITY",
	Read10:               "READ_10",
	Write10:              "WRITE_10",
	WriteVerify:          "WRITE_VERIFY",
	Verify:               "VERIFY",
	PreFetch:             "PRE_FETCH",
	SynchronizeCache:     "SYNCHRONIZE_CACHE",
	WriteBuffer:          "WRITE_BUFFER",
	ReadBuffer:           "READ_BUFFER",
	WriteSame:            "WRITE_SAME",
	Unmap:                "UNMAP",
	LogSelect:            "LOG_SELECT",
	LogSense:             "LOG_SENSE",
	ModeSelect10:         "MODE_SELECT_10",
	Reserve10:            "RESERVE_10",
	Release10:            "RELEASE_10",
	ModeSense10:          "MODE_SENSE_10",
	PersistentReserveIn:  "PERSISTENT_RESERVE_IN",
	PersistentReserveOut: "PERSISTENT_RESERVE_OUT",
	VariableLengthCmd:    "VARIABLE_LENGTH_CMD",
	ExtendedCopy:         "EXTENDED_COPY",
	ReceiveCopyResults:   "RECEIVE_COPY_RESULTS",
	Read16:               "READ_16",
	CompareAndWrite:      "COMPARE_AND_WRITE",
	Write16:              "WRITE_16",
	WriteVerify16:        "WRITE_VERIFY_16",
	Verify16:             "VERIFY_16",
	SynchronizeCache16:   "SYNCHRONIZE_CACHE_16",
	WriteSame16:          "WRITE_SAME_16",
	ServiceActionIn16:    "SERVICE_ACTION_IN_16",
	ReportLuns:           "REPORT_LUNS",
	MaintenanceIn:        "MAINTENANCE_IN",
	MaintenanceOut:       "MAINTENANCE_OUT",
	Read12:               "READ_12",
	Write12:              "WRITE_12",
	WriteVerify12:        "WRITE_VERIFY_12",
	Verify12:             "VERIFY_12",
}
