package region

import "github.com/dylandreimerink/bpfverify/pkg/scalar"

// Map models an eBPF map reference: it is never itself
// dereferenceable (BPF_LD_MAP_FD produces a pointer *to* a Map, but
// loads/stores must go through a helper like map_lookup_elem, never
// direct memory access). It owns every MapValue region handed out by
// a lookup so that a later update/delete can invalidate them all,
// modelling the kernel's "a looked-up pointer may be stale after the
// next update" rule.
type Map struct {
	id         Id
	KeySize    int
	ValueSize  int
	liveValues []*MapValue
}

func NewMap(keySize, valueSize int) *Map {
	return &Map{KeySize: keySize, ValueSize: valueSize}
}

func (m *Map) Get(scalar.Scalar, uint8) (TrackedValue, error) {
	return TrackedValue{}, ErrNotReadable
}

func (m *Map) Set(scalar.Scalar, uint8, TrackedValue) error {
	return ErrNotWritable
}

func (m *Map) GetID() Id   { return m.id }
func (m *Map) SetID(id Id) { m.id = id }

func (m *Map) SafeClone() Pointee {
	c := &Map{id: m.id, KeySize: m.KeySize, ValueSize: m.ValueSize}
	c.liveValues = make([]*MapValue, len(m.liveValues))
	for i, v := range m.liveValues {
		nv := &MapValue{id: v.id, ownerID: v.ownerID, valid: v.valid, size: v.size}
		c.liveValues[i] = nv
	}
	return c
}

// Redirect relinks the map's live values to their counterparts in the
// cloned region graph, so InvalidateValues reaches the regions the
// cloned branch's pointers actually use.
func (m *Map) Redirect(mapper func(Id) (Pointee, bool)) {
	for i, v := range m.liveValues {
		if next, ok := mapper(v.id); ok {
			if nv, ok := next.(*MapValue); ok {
				m.liveValues[i] = nv
			}
		}
	}
}

// NewLookupValue registers and returns a fresh region representing
// the value slot for a successful map_lookup_elem, tied to this map's
// lifetime rules.
func (m *Map) NewLookupValue() *MapValue {
	v := &MapValue{ownerID: m.id, valid: true, size: m.ValueSize}
	m.liveValues = append(m.liveValues, v)
	return v
}

// InvalidateValues marks every value region ever handed out by this
// map as stale; called on map_update_elem/map_delete_elem, since the
// kernel gives no guarantee a previously-returned value pointer is
// still backed by live memory afterwards.
func (m *Map) InvalidateValues() {
	for _, v := range m.liveValues {
		v.valid = false
	}
	m.liveValues = nil
}

// MapValue is a fixed-size buffer for one looked-up map value; it
// stops being readable/writable once its owning Map invalidates it.
type MapValue struct {
	id      Id
	ownerID Id
	valid   bool
	size    int
}

func (v *MapValue) Get(offset scalar.Scalar, size uint8) (TrackedValue, error) {
	if !v.valid {
		return TrackedValue{}, ErrNotReadable
	}
	if err := isAccessInRange(offset, size, v.size); err != nil {
		return TrackedValue{}, err
	}
	return FromScalar(scalar.Unknown()), nil
}

func (v *MapValue) Set(offset scalar.Scalar, size uint8, value TrackedValue) error {
	if !v.valid {
		return ErrNotWritable
	}
	if value.IsPointer() {
		return ErrNotWritable
	}
	return isAccessInRange(offset, size, v.size)
}

func (v *MapValue) GetID() Id   { return v.id }
func (v *MapValue) SetID(id Id) { v.id = id }

func (v *MapValue) SafeClone() Pointee {
	c := *v
	return &c
}

// Redirect resolves the owning map to its counterpart in the cloned
// region graph; map values have no other inner pointers to fix up.
func (v *MapValue) Redirect(mapper func(Id) (Pointee, bool)) {
	if next, ok := mapper(v.ownerID); ok {
		v.ownerID = next.GetID()
	}
}

// IsValid reports whether this value region still backs live memory.
func (v *MapValue) IsValid() bool { return v.valid }
