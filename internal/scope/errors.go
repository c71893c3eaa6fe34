package scope

import (
	"errors"
	"fmt"
)

// Sentinel errors for error classification.
var (
	// ErrWriteDenied indicates a commit touched a field outside the
	// record's writable allow-list.
	ErrWriteDenied = errors.New("write denied")

	// ErrTypeMismatch indicates an effect was called with an argument of
	// the wrong type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrScopeReleased indicates an effect or record write was attempted
	// after the invocation that owned the scope finished.
	ErrScopeReleased = errors.New("scope released")

	// ErrSendRateLimited indicates the scope exceeded its send budget.
	ErrSendRateLimited = errors.New("send rate limit exceeded")
)

// WriteDeniedError names the first field of a diff that is not writable.
type WriteDeniedError struct {
	// Record is "user" or "channel".
	Record string

	// Field is the offending field name.
	Field string
}

// Error returns the error message.
func (e *WriteDeniedError) Error() string {
	return fmt.Sprintf("field %q of %s record is not writable", e.Field, e.Record)
}

// Is reports whether this error matches the target.
// WriteDeniedError matches ErrWriteDenied.
func (e *WriteDeniedError) Is(target error) bool {
	return target == ErrWriteDenied
}

// ErrorKind labels the error in formatted output.
func (e *WriteDeniedError) ErrorKind() string {
	return "WriteDenied"
}

// TypeMismatchError reports an argument of the wrong type.
type TypeMismatchError struct {
	// Op is the effect that rejected the argument.
	Op string

	// Want describes the expected type.
	Want string

	// Got is the value that was passed.
	Got any
}

// Error returns the error message.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Op, e.Want, typeName(e.Got))
}

// Is reports whether this error matches the target.
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}

// ErrorKind labels the error in formatted output.
func (e *TypeMismatchError) ErrorKind() string {
	return "TypeMismatch"
}

// typeName describes v in script terms.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return "number"
	case map[string]any:
		return "object"
	case []any, []string:
		return "array"
	}
	return "object"
}
