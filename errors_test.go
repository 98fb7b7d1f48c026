package gpu

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("ring.create", ErrCodeInvalidArgument, "invalid ring size")

	if err.Op != "ring.create" {
		t.Errorf("Expected Op=ring.create, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidArgument {
		t.Errorf("Expected Code=ErrCodeInvalidArgument, got %s", err.Code)
	}

	expected := "gpu: invalid ring size (op=ring.create)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestQueueError(t *testing.T) {
	err := NewQueueError("scheduler.submit", 1, ErrCodeBusy, "queue at admission limit")

	if err.Queue != 1 {
		t.Errorf("Expected Queue=1, got %d", err.Queue)
	}

	expected := "gpu: queue at admission limit (op=scheduler.submit)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.ETIMEDOUT
	err := WrapError("fence.wait", inner)

	if err.Code != ErrCodeTimeout {
		t.Errorf("Expected Code=ErrCodeTimeout, got %s", err.Code)
	}
	if err.Errno != syscall.ETIMEDOUT {
		t.Errorf("Expected Errno=ETIMEDOUT, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.ETIMEDOUT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ETIMEDOUT")
	}
}

func TestWrapErrorPreservesStructuredCode(t *testing.T) {
	inner := NewQueueError("ring.submit", 2, ErrCodeBusy, "ring full")
	err := WrapError("scheduler.submit", inner)

	if err.Code != ErrCodeBusy {
		t.Errorf("Expected wrapped Code=ErrCodeBusy, got %s", err.Code)
	}
	if err.Queue != 2 {
		t.Errorf("Expected Queue to be carried from inner error, got %d", err.Queue)
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := NewQueueError("fence.wait", 0, ErrCodeTimeout, "deadline exceeded")
	if !errors.Is(err, ErrTimeout) {
		t.Error("Expected error to match ErrTimeout sentinel by code")
	}
	if errors.Is(err, ErrBusy) {
		t.Error("Expected error not to match ErrBusy sentinel")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("reset.run", ErrCodeTimeout, "reset did not complete")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeHardwareError) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.ENOENT, ErrCodeNotFound},
		{syscall.EBUSY, ErrCodeBusy},
		{syscall.EINVAL, ErrCodeInvalidArgument},
		{syscall.EPERM, ErrCodePermissionDenied},
		{syscall.ENOMEM, ErrCodeOutOfMemory},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.ECANCELED, ErrCodeCancelled},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
