package memory

import (
	"fmt"
	"sort"
)

// Segment maps the inclusive guest range [Start, End] onto the backing
// region at Target. Several segments may share a target to alias the same
// storage.
type Segment struct {
	Start  uint64
	End    uint64
	Target uint64
}

// Size returns the number of bytes the segment covers.
func (s Segment) Size() uint64 {
	return s.End - s.Start + 1
}

// Contains reports whether addr falls inside the segment.
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.Start && addr <= s.End
}

// String formats the segment as start-end->target.
func (s Segment) String() string {
	return fmt.Sprintf("%08X-%08X->%09X", s.Start, s.End, s.Target)
}

// Layout is the fixed table of guest segments.
type Layout []Segment

// DefaultLayout returns the guest address-space layout: low virtual memory,
// the 64k-page heap, GPU writeback, two executable views, three physical
// views, and the raw physical range. All physical views alias the same
// 512MB of backing storage.
func DefaultLayout() Layout {
	return Layout{
		{Start: 0x00000000, End: 0x3FFFFFFF, Target: 0x000000000}, // virtual 4k pages
		{Start: 0x40000000, End: 0x7EFFFFFF, Target: 0x040000000}, // virtual 64k pages
		{Start: 0x7F000000, End: 0x7F0FFFFF, Target: 0x100000000}, // GPU writeback
		{Start: 0x7F100000, End: 0x7FFFFFFF, Target: 0x100100000}, // GPU XPS
		{Start: 0x80000000, End: 0x8FFFFFFF, Target: 0x080000000}, // xex 64k pages
		{Start: 0x90000000, End: 0x9FFFFFFF, Target: 0x080000000}, // xex 4k pages
		{Start: 0xA0000000, End: 0xBFFFFFFF, Target: 0x100000000}, // physical 64k pages
		{Start: 0xC0000000, End: 0xDFFFFFFF, Target: 0x100000000}, // physical 16mb pages
		{Start: 0xE0000000, End: 0xFFFFFFFF, Target: 0x100000000}, // physical 4k pages
		{Start: 0x100000000, End: 0x11FFFFFFF, Target: 0x100000000}, // physical raw
	}
}

// PhysicalBase is the guest address of the raw physical range.
const PhysicalBase = 0x100000000

// PhysicalSize is the size of guest physical memory.
const PhysicalSize = 0x20000000

// Validate checks that every segment is well formed and that the guest
// ranges cover the address space from 0 without overlaps or gaps.
func (l Layout) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidLayout)
	}

	sorted := make(Layout, len(l))
	copy(sorted, l)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, seg := range sorted {
		if seg.End < seg.Start {
			return fmt.Errorf("%w: segment %s ends before it starts", ErrInvalidLayout, seg)
		}
		if i == 0 {
			if seg.Start != 0 {
				return fmt.Errorf("%w: no segment covers 0x0-0x%X", ErrInvalidLayout, seg.Start-1)
			}
			continue
		}
		prev := sorted[i-1]
		if seg.Start <= prev.End {
			return fmt.Errorf("%w: segment %s overlaps %s", ErrInvalidLayout, seg, prev)
		}
		if seg.Start != prev.End+1 {
			return fmt.Errorf("%w: no segment covers 0x%X-0x%X", ErrInvalidLayout, prev.End+1, seg.Start-1)
		}
	}
	return nil
}

// Span returns the size of the backing region the layout addresses.
func (l Layout) Span() uint64 {
	var span uint64
	for _, seg := range l {
		if end := seg.Target + seg.Size(); end > span {
			span = end
		}
	}
	return span
}

// Lookup returns the segment containing addr. The table is small, so a
// linear scan is used.
func (l Layout) Lookup(addr uint64) (Segment, bool) {
	for _, seg := range l {
		if seg.Contains(addr) {
			return seg, true
		}
	}
	return Segment{}, false
}

// HostOffset returns the offset of addr from the start of the backing region.
func (l Layout) HostOffset(addr uint64) (uint64, error) {
	seg, ok := l.Lookup(addr)
	if !ok {
		return 0, &RangeError{Addr: addr}
	}
	return addr - seg.Start + seg.Target, nil
}

// PhysicalToVirtual converts a physical address to its guest address in the
// raw physical range. Addresses at or above PhysicalSize are rejected; the
// cached and uncached views at 0xA0000000 and up are virtual addresses and go
// through TranslateVirtual.
func PhysicalToVirtual(addr uint32) (uint64, error) {
	if addr >= PhysicalSize {
		return 0, &RangeError{Addr: uint64(addr)}
	}
	return PhysicalBase + uint64(addr), nil
}
