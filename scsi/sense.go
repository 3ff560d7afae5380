package scsi

import "encoding/binary"

// SenseBufferSize is the size of the sense area in a TCMU completion entry.
const SenseBufferSize = 96

// fixedSenseLen is the part of the buffer covered by fixed-format sense data.
const fixedSenseLen = 18

// SenseBuffer holds fixed-format sense data. It is always 96 bytes, zero
// padded past the 18 byte fixed-format header.
type SenseBuffer [SenseBufferSize]byte

// SenseKey is the 4-bit sense key.
type SenseKey uint8

const (
	NoSense        SenseKey = 0x00
	RecoveredError SenseKey = 0x01
	NotReady       SenseKey = 0x02
	MediumError    SenseKey = 0x03
	HardwareError  SenseKey = 0x04
	IllegalRequest SenseKey = 0x05
	UnitAttention  SenseKey = 0x06
	DataProtect    SenseKey = 0x07
	CopyAborted    SenseKey = 0x0a
	AbortedCommand SenseKey = 0x0b
	MiscompareKey  SenseKey = 0x0e
)

// ASC packs the additional sense code (high byte) and its qualifier.
type ASC uint16

const (
	AscNone                          ASC = 0x0000
	AscFormatInProgress              ASC = 0x0404
	AscLogicalUnitNotAccessible      ASC = 0x040a // asymmetric access state transition
	AscPortInStandby                 ASC = 0x040b
	AscPortUnavailable               ASC = 0x040c
	AscWriteError                    ASC = 0x0c00
	AscCopyTargetNotReachable        ASC = 0x0d02
	AscIncorrectCopyTargetType       ASC = 0x0d03
	AscReadError                     ASC = 0x1100
	AscParameterListLengthError      ASC = 0x1a00
	AscMiscompareDuringVerify        ASC = 0x1d00
	AscInvalidOpCode                 ASC = 0x2000
	AscLBAOutOfRange                 ASC = 0x2100
	AscInvalidFieldInCDB             ASC = 0x2400
	AscInvalidFieldInParameterList   ASC = 0x2600
	AscUnsupportedTargetDescType     ASC = 0x2607
	AscUnsupportedSegmentDescType    ASC = 0x2609
	AscImplicitTransitionFailed      ASC = 0x2a07
	AscCapacityDataChanged           ASC = 0x2a09
	AscIncompatibleMediumInstalled   ASC = 0x3005
	AscSavingParamsNotSupported      ASC = 0x3900
	AscTimeoutOnLogicalUnit          ASC = 0x3e02
	AscInternalTargetFailure         ASC = 0x4400
	AscSetTargetPortGroupsFailed     ASC = 0x670a
)

// Code returns the additional sense code byte.
func (a ASC) Code() uint8 { return uint8(a >> 8) }

// Qualifier returns the additional sense code qualifier byte.
func (a ASC) Qualifier() uint8 { return uint8(a) }

// SetSenseData writes current fixed-format sense data with the given key and
// ASC/ASCQ into buf and returns PassthroughErr, so a handler can simply
// `return scsi.SetSenseData(...)` to report CHECK CONDITION with this sense.
func SetSenseData(buf *SenseBuffer, key SenseKey, asc ASC) Status {
	clear(buf[:fixedSenseLen])
	buf[0] = 0x70
	buf[2] = byte(key) & 0x0f
	buf[7] = 0x0a
	buf[12] = asc.Code()
	buf[13] = asc.Qualifier()
	return PassthroughErr
}

// SetSenseInfo sets the VALID bit and the 32-bit INFORMATION field, e.g. the
// offending LBA or miscompare offset.
func SetSenseInfo(buf *SenseBuffer, info uint32) {
	buf[0] |= 0x80
	binary.BigEndian.PutUint32(buf[3:7], info)
}

// SetSenseKeySpecificInfo sets SKSV and the 16-bit sense-key specific field.
func SetSenseKeySpecificInfo(buf *SenseBuffer, info uint16) {
	buf[15] |= 0x80
	binary.BigEndian.PutUint16(buf[16:18], info)
}

// Key returns the sense key.
func (b *SenseBuffer) Key() SenseKey { return SenseKey(b[2] & 0x0f) }

// ASC returns the ASC/ASCQ pair.
func (b *SenseBuffer) ASC() ASC { return ASC(b[12])<<8 | ASC(b[13]) }

// Info returns the INFORMATION field and whether VALID is set.
func (b *SenseBuffer) Info() (uint32, bool) {
	return binary.BigEndian.Uint32(b[3:7]), b[0]&0x80 != 0
}

// KeySpecificInfo returns the sense-key specific field and whether SKSV is set.
func (b *SenseBuffer) KeySpecificInfo() (uint16, bool) {
	return binary.BigEndian.Uint16(b[16:18]), b[15]&0x80 != 0
}

// Reset zeroes the whole buffer.
func (b *SenseBuffer) Reset() { clear(b[:]) }

type senseEntry struct {
	key SenseKey
	asc ASC
}

// statusSense maps every check-condition status to its sense pair.
var statusSense = map[Status]senseEntry{
	WrErr:               {MediumError, AscWriteError},
	RdErr:               {MediumError, AscReadError},
	Miscompare:          {MiscompareKey, AscMiscompareDuringVerify},
	HWErr:               {HardwareError, AscInternalTargetFailure},
	Timeout:             {AbortedCommand, AscTimeoutOnLogicalUnit},
	InvalidCmd:          {IllegalRequest, AscInvalidOpCode},
	InvalidCDB:          {IllegalRequest, AscInvalidFieldInCDB},
	InvalidParamList:    {IllegalRequest, AscInvalidFieldInParameterList},
	InvalidParamListLen: {IllegalRequest, AscParameterListLengthError},
	Range:               {IllegalRequest, AscLBAOutOfRange},
	CapacityChanged:     {UnitAttention, AscCapacityDataChanged},
	FrmtInProgress:      {NotReady, AscFormatInProgress},
	NotSuppSaveParams:   {IllegalRequest, AscSavingParamsNotSupported},
	WrErrIncompatFrmt:   {DataProtect, AscIncompatibleMediumInstalled},
	Transition:          {NotReady, AscLogicalUnitNotAccessible},
	ImplTransitionErr:   {UnitAttention, AscImplicitTransitionFailed},
	ExplTransitionErr:   {HardwareError, AscSetTargetPortGroupsFailed},
	NoLockHolders:       {NotReady, AscPortInStandby},
	Fenced:              {NotReady, AscPortUnavailable},
	NotSuppSegDescType:  {IllegalRequest, AscUnsupportedSegmentDescType},
	NotSuppTgtDescType:  {IllegalRequest, AscUnsupportedTargetDescType},
	CpTgtDevNotConn:     {CopyAborted, AscCopyTargetNotReachable},
	InvalidCpTgtDevType: {CopyAborted, AscIncorrectCopyTargetType},

	// routing hints that reached the ring are programming errors
	NotHandled:   {IllegalRequest, AscInvalidOpCode},
	AsyncHandled: {HardwareError, AscInternalTargetFailure},
}

// SenseFor returns the sense pair used for st, if st reports CHECK CONDITION
// with generated sense.
func SenseFor(st Status) (SenseKey, ASC, bool) {
	e, ok := statusSense[st]
	return e.key, e.asc, ok
}

// StatusToSAM translates st into the SAM status byte, generating sense data
// in buf for every check-condition status except PassthroughErr, whose sense
// was written by the handler.
func StatusToSAM(st Status, buf *SenseBuffer) SAMStatus {
	switch st {
	case OK:
		return SAMGood
	case NoResource:
		return SAMTaskSetFull
	case Busy:
		return SAMBusy
	case PassthroughErr:
		return SAMCheckCondition
	}
	e, ok := statusSense[st]
	if !ok {
		e = senseEntry{HardwareError, AscInternalTargetFailure}
	}
	SetSenseData(buf, e.key, e.asc)
	return SAMCheckCondition
}
