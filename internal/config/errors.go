package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidationFailed matches every *ValidationError and ValidationErrors.
var ErrValidationFailed = errors.New("validation failed")

// ParseError reports malformed TOML.
type ParseError struct {
	Path string
	// Line and Column locate the error; zero when unknown.
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	default:
		return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes one rejected setting.
type ValidationError struct {
	// Path is the dotted key, such as "server.address".
	Path    string
	Message string
	Value   any
	Code    ValidationErrorCode
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s (value: %v)", e.Path, e.Message, e.Value)
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// ValidationErrors is every rejected setting of one configuration, in key
// order.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes each error to errors.Is and errors.As.
func (es ValidationErrors) Unwrap() []error {
	errs := make([]error, len(es))
	for i, e := range es {
		errs[i] = e
	}
	return errs
}

// ValidationErrorCode categorizes validation errors.
type ValidationErrorCode uint8

const (
	ErrCodeRequiredMissing ValidationErrorCode = iota
	ErrCodeOutOfRange
	ErrCodeInvalidEnum
	ErrCodePatternMismatch
)

// String returns a name for the code.
func (c ValidationErrorCode) String() string {
	switch c {
	case ErrCodeRequiredMissing:
		return "required_missing"
	case ErrCodeOutOfRange:
		return "out_of_range"
	case ErrCodeInvalidEnum:
		return "invalid_enum"
	case ErrCodePatternMismatch:
		return "pattern_mismatch"
	default:
		return "unknown"
	}
}
