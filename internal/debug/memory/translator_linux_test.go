//go:build linux

package memory

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testLayout uses 64KB segments so offsets stay page aligned on every
// supported page size. Segment 2 aliases segment 1.
func testLayout() Layout {
	return Layout{
		{Start: 0x00000, End: 0x0FFFF, Target: 0x00000},
		{Start: 0x10000, End: 0x1FFFF, Target: 0x10000},
		{Start: 0x20000, End: 0x2FFFF, Target: 0x10000},
		{Start: 0x30000, End: 0x3FFFF, Target: 0x20000},
	}
}

func backingFile(t *testing.T, size int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "guest_memory")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func mappedTranslator(t *testing.T) (*Translator, string) {
	t.Helper()

	l := testLayout()
	path := backingFile(t, int64(l.Span()))

	tr, err := NewTranslator(l)
	if err != nil {
		t.Fatalf("NewTranslator() failed: %v", err)
	}
	if err := tr.Map(path); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Unmap() })
	return tr, path
}

func TestTranslatorMapAndAlias(t *testing.T) {
	tr, path := mappedTranslator(t)

	if !tr.IsMapped() {
		t.Fatal("IsMapped() = false after Map")
	}

	data := []byte("guest bytes")
	if err := tr.Write(0x10100, data); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	// The aliasing segment sees the same storage.
	got, err := tr.Read(0x20100, len(data))
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("aliased Read() = %q, want %q", got, data)
	}

	// Writes land in the backing file at the target offset.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[0x10100:0x10100+len(data)], data) {
		t.Errorf("backing file does not contain written bytes")
	}
}

func TestTranslatorHostPointer(t *testing.T) {
	tr, _ := mappedTranslator(t)

	p, err := tr.TranslateVirtual(0x31000)
	if err != nil {
		t.Fatalf("TranslateVirtual() failed: %v", err)
	}
	if p.Offset != 0x31000-0x30000+0x20000 {
		t.Errorf("Offset = 0x%X", p.Offset)
	}
	if p.Len() != 0x3FFFF-0x31000+1 {
		t.Errorf("Len() = 0x%X, want bytes to segment end", p.Len())
	}
	if _, err := p.Bytes(p.Len() + 1); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("Bytes() past segment end = %v, want ErrAddressOutOfRange", err)
	}
	if _, err := tr.Read(0x0FFF0, 0x20); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("Read() across segment end = %v, want ErrAddressOutOfRange", err)
	}
	if _, err := tr.TranslateVirtual(0x40000); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("TranslateVirtual() outside layout = %v, want ErrAddressOutOfRange", err)
	}
}

func TestTranslatorUnmapIdempotent(t *testing.T) {
	tr, _ := mappedTranslator(t)

	if err := tr.Map("unused"); !errors.Is(err, ErrAlreadyMapped) {
		t.Errorf("second Map() = %v, want ErrAlreadyMapped", err)
	}
	if err := tr.Unmap(); err != nil {
		t.Fatalf("Unmap() failed: %v", err)
	}
	if err := tr.Unmap(); err != nil {
		t.Fatalf("second Unmap() failed: %v", err)
	}
	if _, err := tr.TranslateVirtual(0x100); !errors.Is(err, ErrNotMapped) {
		t.Errorf("TranslateVirtual() after Unmap = %v, want ErrNotMapped", err)
	}
}

func TestTranslatorMapFailureUnwinds(t *testing.T) {
	l := testLayout()
	path := backingFile(t, int64(l.Span()))

	// A read-only descriptor cannot back a shared writable mapping.
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tr, err := NewTranslator(l)
	if err != nil {
		t.Fatal(err)
	}

	err = tr.MapFile(f)
	var merr *MappingError
	if !errors.As(err, &merr) {
		t.Fatalf("MapFile() = %v, want *MappingError", err)
	}
	if merr.Segment != l[0] {
		t.Errorf("failed segment = %s, want %s", merr.Segment, l[0])
	}
	if tr.IsMapped() {
		t.Error("IsMapped() = true after failed Map")
	}
}

func TestTranslatorMapMissingFile(t *testing.T) {
	tr, err := NewTranslator(testLayout())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Map(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Map() = %v, want ErrNotExist", err)
	}
}
