//go:build linux

package memory

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// reserve claims an inaccessible span of address space for the segments.
func reserve(span uintptr) (unsafe.Pointer, error) {
	return unix.MmapPtr(-1, 0, nil, span, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
}

// release returns a reservation to the system.
func release(base unsafe.Pointer, span uintptr) error {
	return unix.MunmapPtr(base, span)
}

// mapSegment maps seg's window of the backing file over the reservation at
// the segment's target offset.
func mapSegment(f *os.File, base unsafe.Pointer, seg Segment) error {
	addr := unsafe.Add(base, uintptr(seg.Target))
	_, err := unix.MmapPtr(int(f.Fd()), int64(seg.Target), addr, uintptr(seg.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	return err
}

// unmapSegment returns seg's window to an inaccessible reservation so the
// span stays claimed until release.
func unmapSegment(base unsafe.Pointer, seg Segment) error {
	addr := unsafe.Add(base, uintptr(seg.Target))
	_, err := unix.MmapPtr(-1, 0, addr, uintptr(seg.Size()),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)
	return err
}
