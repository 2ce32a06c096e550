package iif

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Error represents a structured fence error with context and errno mapping
type Error struct {
	Op      string     // Operation that failed (e.g., "ALLOCATE", "SUBMIT_SIGNALER")
	FenceID uint32     // Fence ID (only meaningful if HasID)
	HasID   bool       // Whether FenceID is set
	IP      IP         // Signaler IP (only meaningful if HasIP)
	HasIP   bool       // Whether IP is set
	Code    ErrorCode  // High-level error category
	Errno   unix.Errno // Errno class of the failure (0 if not applicable)
	Msg     string     // Human-readable message
	Inner   error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.HasID {
		parts = append(parts, fmt.Sprintf("fence=%d", e.FenceID))
	}

	if e.HasIP {
		parts = append(parts, fmt.Sprintf("ip=%s", e.IP))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%s", unix.ErrnoName(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("iif: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("iif: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against sentinels, other structured
// errors and raw errno values.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(IIFError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	if errno, ok := target.(unix.Errno); ok {
		return e.Errno != 0 && e.Errno == errno
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeExhausted         ErrorCode = "fence IDs exhausted"
	ErrCodeAlreadyComplete   ErrorCode = "already complete"
	ErrCodeRetired           ErrorCode = "fence already retired"
	ErrCodeHandleExists      ErrorCode = "fence already has a handle"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeNotFound          ErrorCode = "fence not found"
	ErrCodeTableFailure      ErrorCode = "fence table failure"
	ErrCodeTooManyHandles    ErrorCode = "too many handles"
	ErrCodeHandleFailure     ErrorCode = "handle installation failed"
)

// errnoFor returns the errno class of a code
func errnoFor(code ErrorCode) unix.Errno {
	switch code {
	case ErrCodeExhausted:
		return unix.ENOSPC
	case ErrCodeAlreadyComplete, ErrCodeRetired:
		return unix.EPERM
	case ErrCodeHandleExists:
		return unix.EEXIST
	case ErrCodeInvalidParameters:
		return unix.EINVAL
	case ErrCodeNotFound:
		return unix.ENOENT
	case ErrCodeTooManyHandles:
		return unix.EMFILE
	default:
		return unix.EIO
	}
}

// IIFError is a plain sentinel error usable with errors.Is
type IIFError string

func (e IIFError) Error() string {
	return "iif: " + string(e)
}

// Sentinel errors matching each ErrorCode
const (
	ErrExhausted         IIFError = IIFError(ErrCodeExhausted)
	ErrAlreadyComplete   IIFError = IIFError(ErrCodeAlreadyComplete)
	ErrRetired           IIFError = IIFError(ErrCodeRetired)
	ErrHandleExists      IIFError = IIFError(ErrCodeHandleExists)
	ErrInvalidParameters IIFError = IIFError(ErrCodeInvalidParameters)
	ErrNotFound          IIFError = IIFError(ErrCodeNotFound)
	ErrTableFailure      IIFError = IIFError(ErrCodeTableFailure)
	ErrTooManyHandles    IIFError = IIFError(ErrCodeTooManyHandles)
	ErrHandleFailure     IIFError = IIFError(ErrCodeHandleFailure)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errnoFor(code),
		Msg:   msg,
	}
}

// NewFenceError creates a new fence-specific error
func NewFenceError(op string, f *Fence, code ErrorCode, msg string) *Error {
	e := NewError(op, code, msg)
	if f != nil {
		e.FenceID, e.HasID = f.id, true
		e.IP, e.HasIP = f.ip, true
	}
	return e
}

// NewIPError creates a new error scoped to a signaler IP
func NewIPError(op string, ip IP, code ErrorCode, msg string) *Error {
	e := NewError(op, code, msg)
	e.IP, e.HasIP = ip, true
	return e
}

// WrapError wraps an existing error with fence context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var fe *Error
	if errors.As(inner, &fe) {
		out := *fe
		out.Op = op
		return &out
	}

	e := &Error{
		Op:    op,
		Code:  code,
		Errno: errnoFor(code),
		Msg:   inner.Error(),
		Inner: inner,
	}
	var errno unix.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Errno == errno
	}
	return false
}
