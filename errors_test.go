package tcmu

import (
	"errors"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"github.com/ehrlich-b/go-tcmu/internal/queue"
	"github.com/ehrlich-b/go-tcmu/internal/ring"
)

func TestStructuredError(t *testing.T) {
	err := NewError("RECONFIG", ErrCodeInvalidParameters, "unknown attribute")

	if err.Op != "RECONFIG" {
		t.Errorf("Expected Op=RECONFIG, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "tcmu: unknown attribute (op=RECONFIG)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestCommandError(t *testing.T) {
	err := NewCommandError("COMPLETE", "uio0", 7, ErrCodeAlreadyCompleted, queue.ErrAlreadyCompleted)

	expected := "tcmu: queue: command already completed (dev=uio0 cmd=7)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Error("Command error should match ErrAlreadyCompleted by code")
	}
	if !errors.Is(err, queue.ErrAlreadyCompleted) {
		t.Error("Command error should unwrap to the queue sentinel")
	}
}

func TestWrapError(t *testing.T) {
	err := WrapError("OPEN_UIO", syscall.ENOENT)

	if err.Code != ErrCodeDeviceNotFound {
		t.Errorf("Expected Code=ErrCodeDeviceNotFound, got %s", err.Code)
	}
	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}

	if WrapError("NOP", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestWrapErrorFindsWrappedErrno(t *testing.T) {
	err := WrapError("MMAP", pkgerrors.Wrap(syscall.EACCES, "mmap /dev/uio0"))

	if err.Code != ErrCodePermissionDenied {
		t.Errorf("Expected Code=ErrCodePermissionDenied, got %s", err.Code)
	}
	if errnoOf(err) != syscall.EACCES {
		t.Errorf("errnoOf = %v, want EACCES", errnoOf(err))
	}
	if errnoOf(errors.New("plain")) != syscall.EIO {
		t.Error("errnoOf should default to EIO")
	}
}

func TestWrapErrorRingSentinels(t *testing.T) {
	err := WrapError("PROCESS", pkgerrors.Wrapf(ring.ErrRingCorrupt, "cmd_id %d", 3))
	if !errors.Is(err, ErrRingCorrupt) {
		t.Error("Corruption should match ErrRingCorrupt")
	}
	if !errors.Is(err, ring.ErrRingCorrupt) {
		t.Error("Corruption should still match the ring sentinel")
	}

	blocked := WrapError("DISPATCH", queue.ErrBlocked)
	if !IsCode(blocked, ErrCodeDeviceBlocked) {
		t.Errorf("Expected device blocked code, got %s", blocked.Code)
	}
	if !errors.Is(ErrDeviceBlocked, queue.ErrBlocked) {
		t.Error("ErrDeviceBlocked must satisfy the runner's blocked check")
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinelErr error = ErrDeviceNotFound

	structuredErr := &Error{Code: ErrCodeDeviceNotFound, CmdID: -1}
	if !errors.Is(structuredErr, ErrDeviceNotFound) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if sentinelErr.Error() != "tcmu: device not found" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	wrappedErr := WrapError("TEST_OP", syscall.ENOENT)
	if !errors.Is(wrappedErr, ErrDeviceNotFound) {
		t.Error("Wrapped ENOENT should match ErrDeviceNotFound")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "drain timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("TEST", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}
	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}
	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, ErrCodeDeviceNotFound},
		{syscall.ENODEV, ErrCodeDeviceNotFound},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ENOSYS, ErrCodeNotSupported},
		{syscall.ENOMEM, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
