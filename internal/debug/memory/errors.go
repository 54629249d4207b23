package memory

import (
	"errors"
	"fmt"
)

// Errors returned by the translator.
var (
	// ErrAddressOutOfRange is returned for an address outside every segment.
	ErrAddressOutOfRange = errors.New("address out of range")

	// ErrNotMapped is returned when translating before Map or after Unmap.
	ErrNotMapped = errors.New("memory not mapped")

	// ErrAlreadyMapped is returned by Map on a mapped translator.
	ErrAlreadyMapped = errors.New("memory already mapped")

	// ErrInvalidLayout is returned for overlapping or empty segments.
	ErrInvalidLayout = errors.New("invalid memory layout")

	// ErrUnsupported is returned on platforms without shared memory support.
	ErrUnsupported = errors.New("shared memory mapping not supported on this platform")
)

// RangeError reports a guest address no segment contains, or an access that
// runs past the end of its segment.
type RangeError struct {
	Addr   uint64
	Length int
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Length > 0 {
		return fmt.Sprintf("guest address 0x%X+%d: %v", e.Addr, e.Length, ErrAddressOutOfRange)
	}
	return fmt.Sprintf("guest address 0x%X: %v", e.Addr, ErrAddressOutOfRange)
}

// Unwrap returns ErrAddressOutOfRange.
func (e *RangeError) Unwrap() error {
	return ErrAddressOutOfRange
}

// MappingError reports a segment that could not be mapped.
type MappingError struct {
	Segment Segment
	Err     error
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	return fmt.Sprintf("map segment %s: %v", e.Segment, e.Err)
}

// Unwrap returns the underlying error.
func (e *MappingError) Unwrap() error {
	return e.Err
}
