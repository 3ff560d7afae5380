package tcmu

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/internal/ring"
)

// Error represents a structured tcmu error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "OPEN_UIO", "RECONFIG")
	Device string        // Device name ("" if not applicable)
	CmdID  int           // Command id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	ctx := ""
	switch {
	case e.Device != "" && e.CmdID >= 0:
		ctx = fmt.Sprintf("dev=%s cmd=%d", e.Device, e.CmdID)
	case e.Device != "":
		ctx = fmt.Sprintf("dev=%s", e.Device)
	case e.Op != "":
		ctx = fmt.Sprintf("op=%s", e.Op)
	}
	if e.Errno != 0 {
		if ctx != "" {
			ctx += " "
		}
		ctx += fmt.Sprintf("errno=%d", e.Errno)
	}

	if ctx != "" {
		return fmt.Sprintf("tcmu: %s (%s)", msg, ctx)
	}
	return fmt.Sprintf("tcmu: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error or a sentinel by code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeDeviceNotFound    ErrorCode = "device not found"
	ErrCodeDeviceBlocked     ErrorCode = "device blocked"
	ErrCodeDeviceFenced      ErrorCode = "device fenced"
	ErrCodeRingCorrupt       ErrorCode = "command ring corrupt"
	ErrCodeAlreadyCompleted  ErrorCode = "command already completed"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeHandlerNotFound   ErrorCode = "no handler for subtype"
	ErrCodeNotSupported      ErrorCode = "not supported"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
)

// Sentinel errors for errors.Is. Blocked and already-completed errors also
// match the queue package's sentinels so either may be used.
var (
	ErrDeviceNotFound    = &Error{Code: ErrCodeDeviceNotFound, CmdID: -1}
	ErrDeviceBlocked     = &Error{Code: ErrCodeDeviceBlocked, CmdID: -1, Inner: queue.ErrBlocked}
	ErrDeviceFenced      = &Error{Code: ErrCodeDeviceFenced, CmdID: -1}
	ErrRingCorrupt       = &Error{Code: ErrCodeRingCorrupt, CmdID: -1, Inner: ring.ErrRingCorrupt}
	ErrAlreadyCompleted  = &Error{Code: ErrCodeAlreadyCompleted, CmdID: -1, Inner: queue.ErrAlreadyCompleted}
	ErrInvalidParameters = &Error{Code: ErrCodeInvalidParameters, CmdID: -1}
	ErrHandlerNotFound   = &Error{Code: ErrCodeHandlerNotFound, CmdID: -1}
	ErrNotSupported      = &Error{Code: ErrCodeNotSupported, CmdID: -1}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		CmdID: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		CmdID: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, device string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Device: device,
		CmdID:  -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewCommandError creates an error about one command of a device
func NewCommandError(op string, device string, cmdID uint16, code ErrorCode, inner error) *Error {
	e := &Error{
		Op:     op,
		Device: device,
		CmdID:  int(cmdID),
		Code:   code,
		Inner:  inner,
	}
	if inner != nil {
		e.Msg = inner.Error()
	}
	return e
}

// WrapError wraps an existing error with tcmu context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var te *Error
	if errors.As(inner, &te) {
		return &Error{
			Op:     op,
			Device: te.Device,
			CmdID:  te.CmdID,
			Code:   te.Code,
			Errno:  te.Errno,
			Msg:    te.Msg,
			Inner:  inner,
		}
	}

	switch {
	case errors.Is(inner, ring.ErrRingCorrupt):
		return &Error{Op: op, CmdID: -1, Code: ErrCodeRingCorrupt, Msg: inner.Error(), Inner: inner}
	case errors.Is(inner, queue.ErrBlocked):
		return &Error{Op: op, CmdID: -1, Code: ErrCodeDeviceBlocked, Msg: inner.Error(), Inner: inner}
	case errors.Is(inner, queue.ErrAlreadyCompleted):
		return &Error{Op: op, CmdID: -1, Code: ErrCodeAlreadyCompleted, Msg: inner.Error(), Inner: inner}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			CmdID: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		CmdID: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to tcmu error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeDeviceNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// errnoOf extracts the errno carried by err, or EIO.
func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	var te *Error
	if errors.As(err, &te) && te.Errno != 0 {
		return te.Errno
	}
	return syscall.EIO
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Errno == errno
	}
	return false
}

// wrapErr is WrapError for error-typed results; nil stays nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(op, err)
}
