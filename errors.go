package cndm

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-cndm/internal/ctrl"
	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/pci"
	"github.com/ehrlich-b/go-cndm/internal/queue"
	"github.com/ehrlich-b/go-cndm/internal/ring"
)

// Error represents a structured cndm error with context
type Error struct {
	Op     string        // Operation that failed (e.g., "CREATE_PORT", "CREATE_RQ")
	Port   int           // Port index (-1 if not applicable)
	Queue  string        // Ring name such as "rx" or "tx_cq" (empty if not applicable)
	Code   ErrorCode     // High-level error category
	Status uint16        // Mailbox status (0 if not applicable)
	Errno  syscall.Errno // OS errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Port >= 0 {
		parts = append(parts, fmt.Sprintf("port=%d", e.Port))
	}
	if e.Queue != "" {
		parts = append(parts, fmt.Sprintf("queue=%s", e.Queue))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=0x%04x", e.Status))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("cndm: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("cndm: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches CndmError sentinels and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ce, ok := target.(CndmError); ok {
		return e.Code == ErrorCode(ce)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters   ErrorCode = "invalid parameters"
	ErrCodeOutOfRange          ErrorCode = "value out of range"
	ErrCodeInsufficientMemory  ErrorCode = "insufficient memory"
	ErrCodeMappingFailed       ErrorCode = "DMA mapping failed"
	ErrCodeTimeout             ErrorCode = "timeout"
	ErrCodeCommandFailed       ErrorCode = "device command failed"
	ErrCodeQueueFull           ErrorCode = "queue full"
	ErrCodeAddressNotAvailable ErrorCode = "address not available"
	ErrCodeDeviceClosed        ErrorCode = "device closed"
	ErrCodeNotFound            ErrorCode = "not found"
	ErrCodePermissionDenied    ErrorCode = "permission denied"
	ErrCodeNotSupported        ErrorCode = "not supported"
	ErrCodeIOError             ErrorCode = "I/O error"
)

// CndmError is a sentinel that matches any *Error with the same code
type CndmError string

func (e CndmError) Error() string {
	return string(e)
}

const (
	ErrInvalidParameters   CndmError = "invalid parameters"
	ErrOutOfRange          CndmError = "value out of range"
	ErrInsufficientMemory  CndmError = "insufficient memory"
	ErrMappingFailed       CndmError = "DMA mapping failed"
	ErrTimeout             CndmError = "timeout"
	ErrCommandFailed       CndmError = "device command failed"
	ErrQueueFull           CndmError = "queue full"
	ErrAddressNotAvailable CndmError = "address not available"
	ErrDeviceClosed        CndmError = "device closed"
	ErrNotFound            CndmError = "not found"
	ErrPermissionDenied    CndmError = "permission denied"
	ErrNotSupported        CndmError = "not supported"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Port: -1,
		Code: code,
		Msg:  msg,
	}
}

// NewPortError creates a new port-specific error
func NewPortError(op string, port int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Port: port,
		Code: code,
		Msg:  msg,
	}
}

// NewQueueError creates a new ring-specific error
func NewQueueError(op string, port int, queue string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Port:  port,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with cndm context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var ce *Error
	if errors.As(inner, &ce) {
		out := *ce
		out.Op = op
		return &out
	}

	e := &Error{
		Op:    op,
		Port:  -1,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}

	var se *ctrl.StatusError
	if errors.As(inner, &se) {
		e.Status = se.Status
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// wrapPortError is WrapError with the port and ring filled in
func wrapPortError(op string, port int, queue string, inner error) error {
	e := WrapError(op, inner)
	if e == nil {
		return nil
	}
	e.Port = port
	if queue != "" {
		e.Queue = queue
	}
	return e
}

// mapErrorToCode maps internal package errors to cndm error codes
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ctrl.ErrMailboxTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ctrl.ErrCommandFailed):
		return ErrCodeCommandFailed
	case errors.Is(err, ctrl.ErrNilCommand),
		errors.Is(err, ctrl.ErrBadQueueSize),
		errors.Is(err, ring.ErrBadSize),
		errors.Is(err, dma.ErrInvalidSize),
		errors.Is(err, queue.ErrEmptyFrame),
		errors.Is(err, queue.ErrFrameTooLarge),
		errors.Is(err, pci.ErrAddress):
		return ErrCodeInvalidParameters
	case errors.Is(err, dma.ErrNoMemory):
		return ErrCodeInsufficientMemory
	case errors.Is(err, dma.ErrMapFailed), errors.Is(err, dma.ErrNotMapped):
		return ErrCodeMappingFailed
	case errors.Is(err, queue.ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, queue.ErrNotActive), errors.Is(err, irq.ErrClosed):
		return ErrCodeDeviceClosed
	case errors.Is(err, irq.ErrBadVector):
		return ErrCodeOutOfRange
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return mapErrnoToCode(errno)
	}
	return ErrCodeIOError
}

// mapErrnoToCode maps syscall errno to cndm error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Errno == errno
	}
	return false
}
