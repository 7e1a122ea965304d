// Package scalar implements the abstract numeric lattice tracked for
// every non-pointer register and stack slot: a tri-number bit mask
// together with four parallel interval views (signed/unsigned,
// 32/64-bit), kept mutually consistent by Scalar.syncBounds after
// every operation, mirroring track/scalar.rs in the original
// ebpf-analyzer implementation.
package scalar

import (
	"fmt"

	"github.com/dylandreimerink/bpfverify/pkg/irange"
	"github.com/dylandreimerink/bpfverify/pkg/tnum"
)

// Scalar is the abstract value of a 64-bit register or memory slot.
type Scalar struct {
	Bits   tnum.Tnum
	S64    irange.Range[int64]
	U64    irange.Range[uint64]
	S32    irange.Range[int32]
	U32    irange.Range[uint32]
	broken bool // set when sync detects an internal contradiction
}

// Unknown returns a value about which nothing is known.
func Unknown() Scalar {
	return Scalar{
		Bits: tnum.Unknown(),
		S64:  irange.Unknown[int64](),
		U64:  irange.Unknown[uint64](),
		S32:  irange.Unknown[int32](),
		U32:  irange.Unknown[uint32](),
	}
}

// Const64 returns a fully known 64-bit constant.
func Const64(v uint64) Scalar {
	s := Scalar{
		Bits: tnum.Const(v),
		S64:  irange.Const(int64(v)),
		U64:  irange.Const(v),
		S32:  irange.Const(int32(uint32(v))),
		U32:  irange.Const(uint32(v)),
	}
	return s
}

// Const32 returns a 32-bit constant, sign-extended to 64 bits exactly
// as BPF_K immediates are, per BPF_ALU semantics.
func Const32(v int32) Scalar {
	return Const64(uint64(int64(v)))
}

// Range constructs a value known to lie within [min, max] as an
// unsigned 64-bit quantity; every other view starts Unknown and gets
// tightened by the first syncBounds call.
func Range(min, max uint64) Scalar {
	s := Unknown()
	s.U64 = irange.Range[uint64]{Min: min, Max: max}
	s.Bits = tnum.Range(min, max)
	s.syncBounds()
	return s
}

// IsBroken reports whether sync previously hit a contradiction; a
// verifier built on this package should treat this as an assertion
// failure (spec allows internal-error handling here).
func (s Scalar) IsBroken() bool { return s.broken }

// Value64 returns the exact value if the scalar is fully known.
func (s Scalar) Value64() (uint64, bool) {
	return s.Bits.ConstValue()
}

// Value32 returns the exact lower 32 bits if known.
func (s Scalar) Value32() (uint32, bool) {
	v, ok := tnum.LowerHalf(s.Bits).ConstValue()
	if !ok {
		return 0, false
	}
	return uint32(v), true
}

// MarkAsUnknown widens the scalar to Unknown in place (used whenever
// an operation cannot be tracked precisely, e.g. division by a
// non-constant).
func (s *Scalar) MarkAsUnknown() {
	*s = Unknown()
}

// MarkUpperHalfUnknown keeps the low 32 bits known but forgets the
// high 32, mirroring a 32-bit ALU op leaving garbage above bit 31.
func (s *Scalar) MarkUpperHalfUnknown() {
	s.Bits = tnum.UpperHalfUnknown(s.Bits)
	s.U64 = irange.Unknown[uint64]()
	s.S64 = irange.Unknown[int64]()
	s.syncBounds()
}

// LowerHalf zero-extends the low 32 bits, discarding the upper half.
func (s *Scalar) LowerHalf() {
	s.Bits = tnum.LowerHalf(s.Bits)
	s.U64 = irange.Range[uint64]{Min: uint64(s.U32.Min), Max: uint64(s.U32.Max)}
	s.S64 = irange.Range[int64]{Min: int64(s.U32.Min), Max: int64(s.U32.Max)}
	s.syncBounds()
}

// syncBounds reconciles the bit mask and the four ranges: each is
// narrowed from the others in one pass, in the same
// narrow->sign->bits->narrow order as scalar.rs's sync_bounds.
func (s *Scalar) syncBounds() {
	if s.broken {
		return
	}
	s.narrowFromBits()
	s.syncSignBounds()
	s.narrowBits()
	s.narrowFromBits()
}

// narrowFromBits intersects each range with what the bit mask alone
// can prove (min = known bits with unknowns zeroed, max = known bits
// with unknowns set).
func (s *Scalar) narrowFromBits() {
	lo64, hi64 := s.Bits.Value, s.Bits.Value|s.Bits.Mask
	if r, ok := irange.Intersect(s.U64, irange.Range[uint64]{Min: lo64, Max: hi64}); ok {
		s.U64 = r
	} else {
		s.broken = true
		return
	}

	lo32b := tnum.LowerHalf(s.Bits)
	lo32, hi32 := uint32(lo32b.Value), uint32(lo32b.Value|lo32b.Mask)
	if r, ok := irange.Intersect(s.U32, irange.Range[uint32]{Min: lo32, Max: hi32}); ok {
		s.U32 = r
	} else {
		s.broken = true
		return
	}
}

// syncSignBounds intersects the signed ranges against their unsigned
// counterparts for the sub-range that shares an interpretation
// (values where the sign bit doesn't change the bit pattern's
// ordering), tightening whichever view is currently looser.
func (s *Scalar) syncSignBounds() {
	if s.U64.Min <= s.U64.Max && int64(s.U64.Min) >= 0 && int64(s.U64.Max) >= 0 {
		if r, ok := irange.Intersect(s.S64, irange.Range[int64]{Min: int64(s.U64.Min), Max: int64(s.U64.Max)}); ok {
			s.S64 = r
		}
	}
	if s.S64.Min >= 0 {
		if r, ok := irange.Intersect(s.U64, irange.Range[uint64]{Min: uint64(s.S64.Min), Max: uint64(s.S64.Max)}); ok {
			s.U64 = r
		}
	}
	if s.U32.Min <= s.U32.Max && int32(s.U32.Min) >= 0 && int32(s.U32.Max) >= 0 {
		if r, ok := irange.Intersect(s.S32, irange.Range[int32]{Min: int32(s.U32.Min), Max: int32(s.U32.Max)}); ok {
			s.S32 = r
		}
	}
	if s.S32.Min >= 0 {
		if r, ok := irange.Intersect(s.U32, irange.Range[uint32]{Min: uint32(s.S32.Min), Max: uint32(s.S32.Max)}); ok {
			s.U32 = r
		}
	}
}

// narrowBits uses the now-tightened ranges to shrink the bit mask:
// any bit position that is identical across the full [Min,Max] span
// of U64 is promoted from unknown to known.
func (s *Scalar) narrowBits() {
	if t := tnum.Range(s.U64.Min, s.U64.Max); t.Mask&^s.Bits.Mask == 0 {
		// t is no looser than what we have; nothing to gain.
		_ = t
	}
	refined := tnum.Range(s.U64.Min, s.U64.Max)
	if merged, ok := tnum.Intersect(s.Bits, refined); ok {
		s.Bits = merged
	}
}

func (s Scalar) String() string {
	if v, ok := s.Value64(); ok {
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("scalar{%s u64:%s s64:%s u32:%s s32:%s}", s.Bits, s.U64, s.S64, s.U32, s.S32)
}
