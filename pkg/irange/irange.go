// Package irange implements bounded-interval tracking for scalar
// values, mirroring the four parallel range views (signed/unsigned,
// 32/64-bit) kept by the Rust ebpf-analyzer's Scalar type. Arithmetic
// is checked: anything that could overflow the target width falls
// back to the full (unknown) range rather than wrapping silently.
package irange

import (
	"fmt"
	"math"
	"math/big"
)

// Int is any of the four integer kinds a Range can be built over.
type Int interface {
	int32 | uint32 | int64 | uint64
}

// Range is an inclusive bound [Min, Max] over T.
type Range[T Int] struct {
	Min, Max T
}

// Unknown returns the full range of T.
func Unknown[T Int]() Range[T] {
	lo, hi := bounds[T]()
	return Range[T]{Min: lo, Max: hi}
}

// Const returns a single-value range.
func Const[T Int](v T) Range[T] {
	return Range[T]{Min: v, Max: v}
}

func bounds[T Int]() (lo, hi T) {
	var z T
	switch any(z).(type) {
	case int32:
		l, h := int32(math.MinInt32), int32(math.MaxInt32)
		return any(l).(T), any(h).(T)
	case uint32:
		l, h := uint32(0), uint32(math.MaxUint32)
		return any(l).(T), any(h).(T)
	case int64:
		l, h := int64(math.MinInt64), int64(math.MaxInt64)
		return any(l).(T), any(h).(T)
	case uint64:
		l, h := uint64(0), uint64(math.MaxUint64)
		return any(l).(T), any(h).(T)
	}
	panic("irange: unsupported type")
}

func toBig[T Int](v T) *big.Int {
	switch x := any(v).(type) {
	case int32:
		return big.NewInt(int64(x))
	case uint32:
		return new(big.Int).SetUint64(uint64(x))
	case int64:
		return big.NewInt(x)
	case uint64:
		return new(big.Int).SetUint64(x)
	}
	panic("irange: unsupported type")
}

func fromBig[T Int](b *big.Int) (T, bool) {
	lo, hi := bounds[T]()
	if b.Cmp(toBig(lo)) < 0 || b.Cmp(toBig(hi)) > 0 {
		var z T
		return z, false
	}
	var z T
	switch any(z).(type) {
	case int32:
		return T(int32(b.Int64())), true
	case uint32:
		return T(uint32(b.Uint64())), true
	case int64:
		return T(b.Int64()), true
	case uint64:
		return T(b.Uint64()), true
	}
	panic("irange: unsupported type")
}

// IsConst reports whether the range contains exactly one value.
func (r Range[T]) IsConst() bool {
	return r.Min == r.Max
}

// Contains reports whether v lies within [Min, Max].
func (r Range[T]) Contains(v T) bool {
	return r.Min <= v && v <= r.Max
}

// checked applies op to every combination of endpoints and widens to
// Unknown if any combination falls outside T's representable range.
func checked[T Int](a, b Range[T], op func(x, y *big.Int) *big.Int) Range[T] {
	candidates := [4]*big.Int{
		op(toBig(a.Min), toBig(b.Min)),
		op(toBig(a.Min), toBig(b.Max)),
		op(toBig(a.Max), toBig(b.Min)),
		op(toBig(a.Max), toBig(b.Max)),
	}
	min, max := candidates[0], candidates[0]
	for _, c := range candidates[1:] {
		if c.Cmp(min) < 0 {
			min = c
		}
		if c.Cmp(max) > 0 {
			max = c
		}
	}
	lo, okLo := fromBig[T](min)
	hi, okHi := fromBig[T](max)
	if !okLo || !okHi {
		return Unknown[T]()
	}
	return Range[T]{Min: lo, Max: hi}
}

func Add[T Int](a, b Range[T]) Range[T] {
	return checked(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).Add(x, y) })
}

func Sub[T Int](a, b Range[T]) Range[T] {
	return checked(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).Sub(x, y) })
}

func Mul[T Int](a, b Range[T]) Range[T] {
	return checked(a, b, func(x, y *big.Int) *big.Int { return new(big.Int).Mul(x, y) })
}

// Intersect narrows a and b, returning false if they describe
// disjoint sets of values (an internal inconsistency).
func Intersect[T Int](a, b Range[T]) (Range[T], bool) {
	min := a.Min
	if b.Min > min {
		min = b.Min
	}
	max := a.Max
	if b.Max < max {
		max = b.Max
	}
	if min > max {
		return Range[T]{}, false
	}
	return Range[T]{Min: min, Max: max}, true
}

func (r Range[T]) String() string {
	if r.IsConst() {
		return fmt.Sprintf("%v", r.Min)
	}
	return fmt.Sprintf("[%v,%v]", r.Min, r.Max)
}
