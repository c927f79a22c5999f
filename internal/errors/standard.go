// Package errors provides standardized error values for the kernel
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryUserFault     ErrorCategory = "USER_FAULT"
	CategoryExhausted     ErrorCategory = "EXHAUSTED"
	CategoryFatal         ErrorCategory = "FATAL"
	CategoryInvalidHandle ErrorCategory = "INVALID_HANDLE"
	CategoryDevice        ErrorCategory = "DEVICE"
	CategoryValidation    ErrorCategory = "VALIDATION"
	CategorySystem        ErrorCategory = "SYSTEM"
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
	Cause    error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is matches any StandardError carrying the same code, so the package
// sentinels work with errors.Is regardless of the context attached.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error { return e.Cause }

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

func sentinel(category ErrorCategory, code, message string) *StandardError {
	return &StandardError{Category: category, Code: code, Message: message}
}

// Sentinels for errors.Is comparisons.
var (
	ErrBadAddress    = sentinel(CategoryUserFault, "BAD_ADDRESS", "invalid user address")
	ErrTableFull     = sentinel(CategoryExhausted, "FD_TABLE_FULL", "file descriptor table full")
	ErrNoFrame       = sentinel(CategoryExhausted, "NO_FRAME", "no free physical frame")
	ErrSwapExhausted = sentinel(CategoryFatal, "SWAP_EXHAUSTED", "there is no more free slot in the disk")
	ErrBadDescriptor = sentinel(CategoryInvalidHandle, "BAD_DESCRIPTOR", "descriptor does not resolve")
	ErrBadSlot       = sentinel(CategoryInvalidHandle, "BAD_SLOT", "swap slot not allocated")
	ErrNotResident   = sentinel(CategoryInvalidHandle, "NOT_RESIDENT", "page has no frame")
	ErrNotSwapped    = sentinel(CategoryInvalidHandle, "NOT_SWAPPED", "page holds no swap slot")
	ErrDevice        = sentinel(CategoryDevice, "DEVICE_IO", "sector I/O failed")
	ErrInvalidConfig = sentinel(CategoryValidation, "INVALID_CONFIG", "invalid configuration")
)

// Common error constructors
func BadAddress(addr uintptr, reason string) *StandardError {
	return NewStandardError(CategoryUserFault, ErrBadAddress.Code,
		fmt.Sprintf("Invalid user address 0x%x: %s", addr, reason),
		map[string]interface{}{"addr": addr, "reason": reason})
}

func TableFull(limit int) *StandardError {
	return NewStandardError(CategoryExhausted, ErrTableFull.Code,
		fmt.Sprintf("File descriptor table full (limit %d)", limit),
		map[string]interface{}{"limit": limit})
}

func SwapExhausted(capacity uint) *StandardError {
	return NewStandardError(CategoryFatal, ErrSwapExhausted.Code,
		fmt.Sprintf("No free swap slot among %d", capacity),
		map[string]interface{}{"capacity": capacity})
}

func BadDescriptor(fd int) *StandardError {
	return NewStandardError(CategoryInvalidHandle, ErrBadDescriptor.Code,
		fmt.Sprintf("Descriptor %d does not resolve", fd),
		map[string]interface{}{"fd": fd})
}

func BadSlot(slot int) *StandardError {
	return NewStandardError(CategoryInvalidHandle, ErrBadSlot.Code,
		fmt.Sprintf("Swap slot %d is not allocated", slot),
		map[string]interface{}{"slot": slot})
}

func Device(op string, sector uint32, err error) *StandardError {
	e := NewStandardError(CategoryDevice, ErrDevice.Code,
		fmt.Sprintf("%s sector %d: %v", op, sector, err),
		map[string]interface{}{"op": op, "sector": sector})
	e.Cause = err
	return e
}

func InvalidConfig(field, reason string) *StandardError {
	return NewStandardError(CategoryValidation, ErrInvalidConfig.Code,
		fmt.Sprintf("Invalid %s: %s", field, reason),
		map[string]interface{}{"field": field})
}

// CategoryOf returns the category of the first StandardError in err's chain.
func CategoryOf(err error) (ErrorCategory, bool) {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Category, true
	}
	return "", false
}

// IsFatal reports whether err is an unrecoverable kernel condition.
func IsFatal(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == CategoryFatal
}

// IsUserFault reports whether err was caused by a bad user pointer.
func IsUserFault(err error) bool {
	c, ok := CategoryOf(err)
	return ok && c == CategoryUserFault
}
