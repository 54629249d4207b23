//go:build !linux

package memory

import (
	"os"
	"unsafe"
)

func reserve(uintptr) (unsafe.Pointer, error) {
	return nil, ErrUnsupported
}

func release(unsafe.Pointer, uintptr) error {
	return nil
}

func mapSegment(*os.File, unsafe.Pointer, Segment) error {
	return ErrUnsupported
}

func unmapSegment(unsafe.Pointer, Segment) error {
	return nil
}
