package region

import "github.com/dylandreimerink/bpfverify/pkg/scalar"

// FieldKind labels one byte of a FixedStruct's byte-map, mirroring
// struct_region.rs's &'static [i8] map: each byte says what may live
// at that offset.
type FieldKind int8

const (
	FieldScalar FieldKind = iota
	FieldReadOnly
	FieldWriteOnly
	// FieldPointer(n) is encoded as FieldPointerBase+n: the low
	// pointer-field index sharing this byte's permissions.
	FieldPointerBase FieldKind = 16
)

// FixedStruct is a statically laid-out memory region (e.g. a kernel
// context struct) where each byte's readability/writability/pointer
// membership is fixed at construction time.
type FixedStruct struct {
	id       Id
	layout   []FieldKind
	pointers []Pointee // one slot per distinct pointer field referenced by layout
}

// NewFixedStruct builds a struct region from a byte-map; pointers
// supplies the initial region for each distinct FieldPointerBase+n
// value appearing in layout, indexed by n.
func NewFixedStruct(layout []FieldKind, pointers []Pointee) *FixedStruct {
	return &FixedStruct{layout: layout, pointers: pointers}
}

func (r *FixedStruct) fieldAt(offset int64) (FieldKind, bool) {
	if offset < 0 || int(offset) >= len(r.layout) {
		return 0, false
	}
	return r.layout[offset], true
}

func (r *FixedStruct) Get(offset scalar.Scalar, size uint8) (TrackedValue, error) {
	v, ok := offset.Value64()
	if !ok {
		return TrackedValue{}, ErrOutOfBounds
	}
	kind, ok := r.fieldAt(int64(v))
	if !ok {
		return TrackedValue{}, ErrOutOfBounds
	}
	switch {
	case kind >= FieldPointerBase:
		if size != 8 {
			return TrackedValue{}, ErrMisaligned
		}
		idx := int(kind - FieldPointerBase)
		if idx >= len(r.pointers) || r.pointers[idx] == nil {
			return TrackedValue{}, ErrNotReadable
		}
		return FromPointer(NewPointer(AttrsReadWrite, r.pointers[idx])), nil
	case kind == FieldWriteOnly:
		return TrackedValue{}, ErrNotReadable
	default:
		return FromScalar(scalar.Unknown()), nil
	}
}

func (r *FixedStruct) Set(offset scalar.Scalar, size uint8, value TrackedValue) error {
	v, ok := offset.Value64()
	if !ok {
		return ErrOutOfBounds
	}
	kind, ok := r.fieldAt(int64(v))
	if !ok {
		return ErrOutOfBounds
	}
	switch {
	case kind >= FieldPointerBase:
		return ErrNotWritable
	case kind == FieldReadOnly:
		return ErrNotWritable
	default:
		if value.IsPointer() {
			return ErrNotWritable
		}
		return nil
	}
}

func (r *FixedStruct) GetID() Id   { return r.id }
func (r *FixedStruct) SetID(id Id) { r.id = id }

func (r *FixedStruct) SafeClone() Pointee {
	c := &FixedStruct{id: r.id, layout: r.layout, pointers: make([]Pointee, len(r.pointers))}
	copy(c.pointers, r.pointers)
	return c
}

func (r *FixedStruct) Redirect(mapper func(Id) (Pointee, bool)) {
	for i, p := range r.pointers {
		if p == nil {
			continue
		}
		if next, ok := mapper(p.GetID()); ok {
			r.pointers[i] = next
		}
	}
}
