package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limit exceeded")

	// Domain-specific error sentinel values
	ErrInvalidConfig      = errors.New("invalid analysis configuration")
	ErrDimensionMismatch  = errors.New("feature dimension mismatch")
	ErrIndexOutOfRange    = errors.New("profile entry index out of range")
	ErrProfileMissing     = errors.New("phoneme profile missing")
	ErrEngineClosed       = errors.New("engine closed")
	ErrUnsupportedFormat  = errors.New("unsupported audio format")
	ErrPublisherNotReady  = errors.New("result publisher not connected")
	ErrDuplicatePhoneme   = errors.New("phoneme name already exists")
	ErrDegenerateSpectrum = errors.New("degenerate spectrum")
)

// Error represents a structured error with caller location and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func newAt(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newAt(1, err, message, GetErrorCode(err), fields)
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}

	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	parts := strings.Split(e.file, "/")
	filename := parts[len(parts)-1]

	return fmt.Sprintf("%s:%d", filename, e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}

	if errors.Is(e.original, target) {
		return true
	}

	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}

	if e.Code != "" {
		result["code"] = e.Code
	}

	if len(e.fields) > 0 {
		result["context"] = e.fields
	}

	return result
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInvalidConfig reports a rejected analysis configuration field
func NewInvalidConfig(field string, value interface{}, reason string) *Error {
	err := newAt(1, ErrInvalidConfig, fmt.Sprintf("%s %s", field, reason), "INVALID_CONFIG", nil)
	err.fields["field"] = field
	err.fields["value"] = value
	return err
}

// NewDimensionMismatch reports a feature vector of the wrong length
func NewDimensionMismatch(want, got int) *Error {
	err := newAt(1, ErrDimensionMismatch, fmt.Sprintf("expected %d coefficients, got %d", want, got), "DIMENSION_MISMATCH", nil)
	err.fields["expected"] = want
	err.fields["actual"] = got
	return err
}

// NewIndexOutOfRange reports a profile entry index outside [0, size)
func NewIndexOutOfRange(index, size int) *Error {
	err := newAt(1, ErrIndexOutOfRange, fmt.Sprintf("index %d not in [0, %d)", index, size), "INDEX_OUT_OF_RANGE", nil)
	err.fields["index"] = index
	err.fields["size"] = size
	return err
}

// NewUnsupportedFormat reports an audio stream the decoder cannot handle
func NewUnsupportedFormat(details string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrUnsupportedFormat, details, "UNSUPPORTED_FORMAT", fields)
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
