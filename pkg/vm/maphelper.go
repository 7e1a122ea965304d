package vm

import (
	"fmt"

	"github.com/dylandreimerink/bpfverify/pkg/region"
	"github.com/dylandreimerink/bpfverify/pkg/scalar"
)

// MapLookupCall verifies bpf_map_lookup_elem(map, key): r1 must be
// the exact map the call site passed in r1 (map pointer is opaque,
// pairing is enforced by the caller passing `Map` in directly), r2 a
// pointer to at least KeySize bytes. On success it hands back a
// fresh, possibly-stale-later MapValue region.
type MapLookupCall struct {
	KeySize int
}

func (c *MapLookupCall) Call(s *BranchState) (region.TrackedValue, error) {
	mapReg := s.ROReg(1)
	p := mapReg.Pointer
	if p == nil {
		return region.TrackedValue{}, fmt.Errorf("argument 0: expected a map pointer")
	}
	m, ok := p.Region.(*region.Map)
	if !ok {
		return region.TrackedValue{}, fmt.Errorf("argument 0: pointer does not reference a map")
	}
	keyArg := ArgumentType{Kind: FixedMemory, Size: c.KeySize}
	if err := CheckArgType(1, *s.ROReg(2), keyArg, nil); err != nil {
		return region.TrackedValue{}, err
	}
	value := m.NewLookupValue()
	s.AddExternalResource(value)
	// The lookup may miss, so the result is nullable; callers must
	// null-check before dereferencing (spec's map_lookup contract).
	return region.FromPointer(region.NewPointer(region.Readable|region.Writable|region.Mutable, value)), nil
}

// MapUpdateCall verifies bpf_map_update_elem(map, key, value, flags)
// and invalidates every value pointer previously handed out by
// lookups on this map, modelling the kernel's no-guarantee-after-
// update rule for looked-up pointers.
type MapUpdateCall struct {
	KeySize, ValueSize int
}

func (c *MapUpdateCall) Call(s *BranchState) (region.TrackedValue, error) {
	p := s.ROReg(1).Pointer
	if p == nil {
		return region.TrackedValue{}, fmt.Errorf("argument 0: expected a map pointer")
	}
	m, ok := p.Region.(*region.Map)
	if !ok {
		return region.TrackedValue{}, fmt.Errorf("argument 0: pointer does not reference a map")
	}
	if err := CheckArgType(1, *s.ROReg(2), ArgumentType{Kind: FixedMemory, Size: c.KeySize}, nil); err != nil {
		return region.TrackedValue{}, err
	}
	if err := CheckArgType(2, *s.ROReg(3), ArgumentType{Kind: FixedMemory, Size: c.ValueSize}, nil); err != nil {
		return region.TrackedValue{}, err
	}
	if err := CheckArgType(3, *s.ROReg(4), ArgumentType{Kind: Scalar}, nil); err != nil {
		return region.TrackedValue{}, err
	}
	m.InvalidateValues()
	return region.FromScalar(scalar.Unknown()), nil
}

// MapDeleteCall verifies bpf_map_delete_elem(map, key); like update,
// it invalidates every outstanding lookup pointer into the map.
type MapDeleteCall struct {
	KeySize int
}

func (c *MapDeleteCall) Call(s *BranchState) (region.TrackedValue, error) {
	p := s.ROReg(1).Pointer
	if p == nil {
		return region.TrackedValue{}, fmt.Errorf("argument 0: expected a map pointer")
	}
	m, ok := p.Region.(*region.Map)
	if !ok {
		return region.TrackedValue{}, fmt.Errorf("argument 0: pointer does not reference a map")
	}
	if err := CheckArgType(1, *s.ROReg(2), ArgumentType{Kind: FixedMemory, Size: c.KeySize}, nil); err != nil {
		return region.TrackedValue{}, err
	}
	m.InvalidateValues()
	return region.FromScalar(scalar.Unknown()), nil
}
