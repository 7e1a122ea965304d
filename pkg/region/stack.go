package region

import "github.com/dylandreimerink/bpfverify/pkg/scalar"

// StackSize is the fixed size of an eBPF program's stack, per the
// kernel's MAX_BPF_STACK.
const StackSize = 512

// slot is one 8-byte-aligned stack cell. A cell is either a single
// precise 64-bit value, or (after being written to as two 32-bit
// halves) two independent 32-bit scalars -- mirroring
// pointees/stack_region.rs's lazily-grown slot representation, which
// only splits a slot into halves once a sub-word write demands it.
type slot struct {
	wide  TrackedValue
	low   *scalar.Scalar
	high  *scalar.Scalar
	split bool
}

// Stack is the per-frame stack region: 512 bytes, byte-granularity
// readability tracked with a bitmap, 8-byte slots storing either one
// precise value or a split pair of 32-bit halves.
type Stack struct {
	id       Id
	readable [StackSize]bool
	slots    [StackSize / 8]slot
}

func NewStack() *Stack {
	return &Stack{}
}

func cellIndex(offset int64) (idx int, within int, ok bool) {
	if offset < 0 || offset >= StackSize {
		return 0, 0, false
	}
	return int(offset / 8), int(offset % 8), true
}

func (s *Stack) Get(offset scalar.Scalar, size uint8) (TrackedValue, error) {
	v, ok := offset.Value64()
	if !ok {
		return TrackedValue{}, ErrOutOfBounds
	}
	start := int64(v)
	if start < 0 || start+int64(size) > StackSize {
		return TrackedValue{}, ErrOutOfBounds
	}
	for i := int64(0); i < int64(size); i++ {
		if !s.readable[start+i] {
			return TrackedValue{}, ErrUninitialized
		}
	}
	idx, within, _ := cellIndex(start)
	sl := &s.slots[idx]
	if size == 8 {
		if within != 0 {
			return TrackedValue{}, ErrMisaligned
		}
		if sl.split {
			// A split cell holding two 32-bit halves cannot yield a
			// precise 64-bit pointer/scalar; the caller only gets an
			// unknown scalar, never a pointer out of a split cell.
			return FromScalar(scalar.Unknown()), nil
		}
		return sl.wide.Clone(), nil
	}
	if size == 4 && (within == 0 || within == 4) {
		if sl.split {
			half := sl.low
			if within == 4 {
				half = sl.high
			}
			return FromScalar(*half), nil
		}
		if sl.wide.IsPointer() {
			return TrackedValue{}, ErrMisaligned
		}
		return FromScalar(scalar.Unknown()), nil
	}
	// Sub-word or unaligned reads of a tracked value degrade to
	// Unknown rather than being rejected outright.
	if sl.wide.IsPointer() {
		return TrackedValue{}, ErrMisaligned
	}
	return FromScalar(scalar.Unknown()), nil
}

func (s *Stack) Set(offset scalar.Scalar, size uint8, value TrackedValue) error {
	v, ok := offset.Value64()
	if !ok {
		return ErrOutOfBounds
	}
	start := int64(v)
	if start < 0 || start+int64(size) > StackSize {
		return ErrOutOfBounds
	}
	if value.IsPointer() && size != 8 {
		return ErrMisaligned
	}
	for i := int64(0); i < int64(size); i++ {
		s.readable[start+i] = true
	}
	idx, within, _ := cellIndex(start)
	sl := &s.slots[idx]
	switch {
	case size == 8 && within == 0:
		*sl = slot{wide: value.Clone()}
	case size == 4 && (within == 0 || within == 4):
		sc := value.Scalar
		if sc == nil {
			return ErrScalarExpected
		}
		cpy := *sc
		if !sl.split {
			*sl = slot{split: true, low: new(scalar.Scalar), high: new(scalar.Scalar)}
		}
		if within == 0 {
			sl.low = &cpy
		} else {
			sl.high = &cpy
		}
	default:
		if value.Pointer != nil {
			return ErrMisaligned
		}
		*sl = slot{split: true, low: new(scalar.Scalar), high: new(scalar.Scalar)}
		u := scalar.Unknown()
		sl.low, sl.high = &u, &u
	}
	return nil
}

func (s *Stack) GetID() Id   { return s.id }
func (s *Stack) SetID(id Id) { s.id = id }

func (s *Stack) SafeClone() Pointee {
	c := *s
	for i := range c.slots {
		c.slots[i].wide = c.slots[i].wide.Clone()
	}
	return &c
}

// Redirect rewrites the pointer half of any wide slot whose region
// changed identity across a branch clone.
func (s *Stack) Redirect(mapper func(Id) (Pointee, bool)) {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.split || sl.wide.Pointer == nil {
			continue
		}
		if next, ok := mapper(sl.wide.Pointer.GetPointingTo()); ok {
			sl.wide.Pointer.Redirect(next)
		}
	}
}
