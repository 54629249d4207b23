// Package memory translates guest addresses into host memory inside a shared
// mapping of the guest's backing region.
//
// The backing region is a file (typically under /dev/shm) named by the target
// during attach. Each layout segment is mapped at its target offset within
// one contiguous host reservation, so a guest address resolves to
//
//	base + (addr - segment.Start) + segment.Target
//
// Callers never see the base pointer; they receive bounds-checked slices that
// end at the containing segment's end.
package memory

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

// Logger is the logging interface used by the translator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Translator maps guest addresses into a shared memory region.
type Translator struct {
	layout Layout
	logger Logger

	mu     sync.RWMutex
	base   unsafe.Pointer
	mem    []byte
	mapped []bool
}

// Option configures a Translator.
type Option func(*Translator)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTranslator returns an unmapped translator over layout.
func NewTranslator(layout Layout, opts ...Option) (*Translator, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	t := &Translator{
		layout: append(Layout(nil), layout...),
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Layout returns the segment table.
func (t *Translator) Layout() Layout {
	return append(Layout(nil), t.layout...)
}

// Map opens the backing file at path and maps every segment.
func (t *Translator) Map(path string) error {
	if t.IsMapped() {
		return ErrAlreadyMapped
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open shared memory: %w", err)
	}
	// The mappings stay valid after the descriptor is closed.
	defer f.Close()

	return t.MapFile(f)
}

// MapFile maps every segment from an open backing file. If any segment fails,
// segments already mapped are unmapped and a *MappingError is returned.
func (t *Translator) MapFile(f *os.File) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.base != nil {
		return ErrAlreadyMapped
	}

	span := uintptr(t.layout.Span())
	base, err := reserve(span)
	if err != nil {
		return &MappingError{Err: fmt.Errorf("reserve %d bytes: %w", span, err)}
	}

	mapped := make([]bool, len(t.layout))
	for i, seg := range t.layout {
		if err := mapSegment(f, base, seg); err != nil {
			t.unmapSegments(base, mapped)
			_ = release(base, span)
			return &MappingError{Segment: seg, Err: err}
		}
		mapped[i] = true
	}

	t.base = base
	t.mem = unsafe.Slice((*byte)(base), span)
	t.mapped = mapped

	t.logger.Debug("mapped %d segments (%d bytes) from %s", len(t.layout), span, f.Name())
	return nil
}

// Unmap releases every mapped segment. It is safe to call when nothing is
// mapped.
func (t *Translator) Unmap() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.base == nil {
		return nil
	}

	err := t.unmapSegments(t.base, t.mapped)
	if rerr := release(t.base, uintptr(len(t.mem))); rerr != nil && err == nil {
		err = rerr
	}

	t.base = nil
	t.mem = nil
	t.mapped = nil
	return err
}

func (t *Translator) unmapSegments(base unsafe.Pointer, mapped []bool) error {
	var first error
	for i, ok := range mapped {
		if !ok {
			continue
		}
		if err := unmapSegment(base, t.layout[i]); err != nil && first == nil {
			first = &MappingError{Segment: t.layout[i], Err: err}
		}
		mapped[i] = false
	}
	return first
}

// IsMapped reports whether the translator is usable.
func (t *Translator) IsMapped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.base != nil
}

// HostPointer is a bounds-checked view of host memory starting at a guest
// address and ending at the end of its segment. It is invalid after Unmap.
type HostPointer struct {
	// Guest is the translated guest address.
	Guest uint64
	// Offset is the position within the backing region.
	Offset  uint64
	Segment Segment

	mem []byte
}

// Len returns the number of bytes addressable from the pointer.
func (p HostPointer) Len() int {
	return len(p.mem)
}

// Bytes returns n bytes starting at the pointer. The slice aliases shared
// memory.
func (p HostPointer) Bytes(n int) ([]byte, error) {
	if n < 0 || n > len(p.mem) {
		return nil, &RangeError{Addr: p.Guest, Length: n}
	}
	return p.mem[:n:n], nil
}

// TranslateVirtual translates a guest virtual address.
func (t *Translator) TranslateVirtual(addr uint64) (HostPointer, error) {
	seg, ok := t.layout.Lookup(addr)
	if !ok {
		return HostPointer{}, &RangeError{Addr: addr}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.base == nil {
		return HostPointer{}, ErrNotMapped
	}

	off := addr - seg.Start + seg.Target
	end := seg.Target + seg.Size()
	return HostPointer{
		Guest:   addr,
		Offset:  off,
		Segment: seg,
		mem:     t.mem[off:end:end],
	}, nil
}

// TranslatePhysical translates a guest physical address through the raw
// physical range.
func (t *Translator) TranslatePhysical(addr uint32) (HostPointer, error) {
	guest, err := PhysicalToVirtual(addr)
	if err != nil {
		return HostPointer{}, err
	}
	return t.TranslateVirtual(guest)
}

// Read copies n bytes starting at a guest virtual address. The read must not
// cross the end of the containing segment.
func (t *Translator) Read(addr uint64, n int) ([]byte, error) {
	p, err := t.TranslateVirtual(addr)
	if err != nil {
		return nil, err
	}
	src, err := p.Bytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src...), nil
}

// Write copies data into guest memory at a virtual address.
func (t *Translator) Write(addr uint64, data []byte) error {
	p, err := t.TranslateVirtual(addr)
	if err != nil {
		return err
	}
	dst, err := p.Bytes(len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}
