package status

import (
	"errors"
	"fmt"
)

// Error is a structured engine error carrying a status code, a message and an
// optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an Error with the same code, so errors.Is can
// match on codes.
func (e *Error) Is(target error) bool {
	var se *Error
	if errors.As(target, &se) {
		return se.Code == e.Code
	}
	return false
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the status code from an error. A nil error is Success; a
// non-Error value maps to Failed.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Failed
}

// Convenience constructors for the codes raised all over the engine.

func ErrKeyMissing(key string) *Error {
	return Newf(KeyMissing, "key not found: %s", key)
}

func ErrKeyExists(key string) *Error {
	return Newf(KeyExists, "key exists: %s", key)
}

func ErrNotMyPartition(vbid uint16) *Error {
	return Newf(NotMyPartition, "not active for partition %d", vbid)
}

func ErrNoMemory(used, quota uint64) *Error {
	return Newf(NoMemory, "memory used %d exceeds admission threshold of quota %d", used, quota)
}

func ErrTooBig(size, limit int) *Error {
	return Newf(TooBig, "value size %d exceeds maximum %d", size, limit)
}

func ErrLogic(format string, args ...interface{}) *Error {
	return Newf(LogicError, format, args...)
}
