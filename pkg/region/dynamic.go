package region

import "github.com/dylandreimerink/bpfverify/pkg/scalar"

// Dynamic is a length-bounded buffer whose limit grows to the running
// maximum of every length value observed for it (e.g. from a helper's
// DynamicMemory argument), matching dyn_region.rs's set_limit. It
// never permits storing a pointer -- there is no way to track a
// pointer's identity once laid out in an unstructured byte range.
type Dynamic struct {
	id    Id
	Limit int
}

func NewDynamic() *Dynamic { return &Dynamic{} }

// SetLimit widens the tracked limit to cover at least s, if s is a
// known constant; an unknown length contributes nothing (mirrors
// the original's `self.limit.max(limit.value64().unwrap_or(0))`).
func (d *Dynamic) SetLimit(s scalar.Scalar) {
	if v, ok := s.Value64(); ok && int(v) > d.Limit {
		d.Limit = int(v)
	}
}

func (d *Dynamic) Get(offset scalar.Scalar, size uint8) (TrackedValue, error) {
	if err := isAccessInRange(offset, size, d.Limit); err != nil {
		return TrackedValue{}, err
	}
	return FromScalar(scalar.Unknown()), nil
}

func (d *Dynamic) Set(offset scalar.Scalar, size uint8, value TrackedValue) error {
	if value.IsPointer() {
		return ErrNotWritable
	}
	return isAccessInRange(offset, size, d.Limit)
}

func (d *Dynamic) GetID() Id   { return d.id }
func (d *Dynamic) SetID(id Id) { d.id = id }

func (d *Dynamic) SafeClone() Pointee {
	c := *d
	return &c
}

func (d *Dynamic) Redirect(func(Id) (Pointee, bool)) {}
