package proto

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// table reads the fields of one FlatBuffers table by slot index, in the same
// way flatc-generated accessors do. Out-of-range reads panic; decode recovers
// them into a ProtocolError.
type table struct {
	flatbuffers.Table
}

func rootTable(buf []byte) *table {
	if len(buf) < flatbuffers.SizeUOffsetT {
		panic(ErrTruncated)
	}
	return &table{flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}}
}

// field returns the offset of a slot relative to the table, or 0 if the slot
// is absent.
func (t *table) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t *table) u8(slot int) uint8 {
	if o := t.field(slot); o != 0 {
		return t.GetUint8(o + t.Pos)
	}
	return 0
}

func (t *table) bool(slot int) bool {
	if o := t.field(slot); o != 0 {
		return t.GetBool(o + t.Pos)
	}
	return false
}

func (t *table) u16(slot int) uint16 {
	if o := t.field(slot); o != 0 {
		return t.GetUint16(o + t.Pos)
	}
	return 0
}

func (t *table) u32(slot int) uint32 {
	if o := t.field(slot); o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return 0
}

func (t *table) u64(slot int) uint64 {
	if o := t.field(slot); o != 0 {
		return t.GetUint64(o + t.Pos)
	}
	return 0
}

func (t *table) str(slot int) string {
	if o := t.field(slot); o != 0 {
		return string(t.ByteVector(o + t.Pos))
	}
	return ""
}

// union points u at the table stored in slot.
func (t *table) union(slot int, u *table) bool {
	o := t.field(slot)
	if o == 0 {
		return false
	}
	t.Union(&u.Table, o)
	return true
}

// vector returns the position of the first element of the vector in slot and
// its length. Every element is at least one offset wide, so a length that
// cannot fit in the buffer is rejected before callers allocate for it.
func (t *table) vector(slot int) (flatbuffers.UOffsetT, int) {
	o := t.field(slot)
	if o == 0 {
		return 0, 0
	}
	n := t.VectorLen(o)
	if uint64(n)*flatbuffers.SizeUOffsetT > uint64(len(t.Bytes)) {
		panic(ErrTruncated)
	}
	return t.Vector(o), n
}

// tableAt returns element i of a vector of tables starting at pos.
func (t *table) tableAt(pos flatbuffers.UOffsetT, i int) *table {
	x := t.Indirect(pos + flatbuffers.UOffsetT(i*flatbuffers.SizeUOffsetT))
	return &table{flatbuffers.Table{Bytes: t.Bytes, Pos: x}}
}

// stringAt returns element i of a vector of strings starting at pos.
func (t *table) stringAt(pos flatbuffers.UOffsetT, i int) string {
	return string(t.ByteVector(pos + flatbuffers.UOffsetT(i*flatbuffers.SizeUOffsetT)))
}

// endVector finishes a vector of already-built tables or strings.
func endVector(b *flatbuffers.Builder, offsets []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(flatbuffers.SizeUOffsetT, len(offsets), flatbuffers.SizeUOffsetT)
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	return b.EndVector(len(offsets))
}

// emptyTable builds a table with no fields.
func emptyTable(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	b.StartObject(0)
	return b.EndObject()
}
