package region

import "github.com/dylandreimerink/bpfverify/pkg/scalar"

// SimpleResource is a typed, non-dereferenceable handle (a socket, a
// timer, an iterator, ...): resources with no map-style helper
// contract, distinguished only by a caller-chosen TypeID so helper
// signatures can demand "a resource of kind X", mirroring
// analyzer/track/pointees/simple_resource.rs.
type SimpleResource struct {
	id     Id
	TypeID int
}

func NewSimpleResource(typeID int) *SimpleResource {
	return &SimpleResource{TypeID: typeID}
}

func (r *SimpleResource) Get(scalar.Scalar, uint8) (TrackedValue, error) {
	return TrackedValue{}, ErrNotReadable
}

func (r *SimpleResource) Set(scalar.Scalar, uint8, TrackedValue) error {
	return ErrNotWritable
}

func (r *SimpleResource) GetID() Id   { return r.id }
func (r *SimpleResource) SetID(id Id) { r.id = id }

func (r *SimpleResource) SafeClone() Pointee {
	c := *r
	return &c
}

func (r *SimpleResource) Redirect(func(Id) (Pointee, bool)) {}
