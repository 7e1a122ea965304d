package region

import "github.com/dylandreimerink/bpfverify/pkg/scalar"

// Empty is the region every invalidated/deallocated resource is
// redirected to: every access fails, exactly matching
// pointees/empty_region.rs's singleton EmptyRegion.
type Empty struct {
	id Id
}

var emptySingleton = &Empty{}

// Instance returns the shared Empty region. Every branch can point at
// the same instance since it never holds any mutable state.
func Instance() Pointee { return emptySingleton }

func (e *Empty) Get(scalar.Scalar, uint8) (TrackedValue, error) {
	return TrackedValue{}, ErrNotReadable
}

func (e *Empty) Set(scalar.Scalar, uint8, TrackedValue) error {
	return ErrNotWritable
}

func (e *Empty) GetID() Id     { return e.id }
func (e *Empty) SetID(id Id)   { e.id = id }
func (e *Empty) SafeClone() Pointee { return e }
func (e *Empty) Redirect(func(Id) (Pointee, bool)) {}
