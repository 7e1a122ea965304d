package scalar

import (
	"github.com/dylandreimerink/bpfverify/pkg/irange"
	"github.com/dylandreimerink/bpfverify/pkg/tnum"
)

// Add performs a += b, width determined by whether the instruction
// was a 32-bit or 64-bit ALU op; callers are expected to call
// LowerHalf afterwards for 32-bit ops (mirroring BPF_ALU vs
// BPF_ALU64 dispatch, see the vm package).
func (s *Scalar) Add(b Scalar) {
	s.Bits = tnum.Add(s.Bits, b.Bits)
	s.S64 = irange.Add(s.S64, b.S64)
	s.U64 = irange.Add(s.U64, b.U64)
	s.S32 = irange.Add(s.S32, b.S32)
	s.U32 = irange.Add(s.U32, b.U32)
	s.syncBounds()
}

func (s *Scalar) Sub(b Scalar) {
	s.Bits = tnum.Sub(s.Bits, b.Bits)
	s.S64 = irange.Sub(s.S64, b.S64)
	s.U64 = irange.Sub(s.U64, b.U64)
	s.S32 = irange.Sub(s.S32, b.S32)
	s.U32 = irange.Sub(s.U32, b.U32)
	s.syncBounds()
}

func (s *Scalar) Mul(b Scalar) {
	s.Bits = tnum.Mul(s.Bits, b.Bits)
	s.S64 = irange.Mul(s.S64, b.S64)
	s.U64 = irange.Mul(s.U64, b.U64)
	s.S32 = irange.Mul(s.S32, b.S32)
	s.U32 = irange.Mul(s.U32, b.U32)
	s.syncBounds()
}

// Div and Rem cannot be tracked precisely with this lattice (they do
// not distribute over the bit mask the way add/sub/mul do); a
// non-constant divisor always widens to Unknown. Division or modulo
// by a statically-known zero is rejected outright (reports false)
// rather than producing a value, matching the kernel verifier's
// "division by zero" rejection.
func (s *Scalar) Div(b Scalar) bool {
	if bv, bok := b.Value64(); bok && bv == 0 {
		return false
	}
	if av, aok := s.Value64(); aok {
		if bv, bok := b.Value64(); bok {
			*s = Const64(av / bv)
			return true
		}
	}
	s.MarkAsUnknown()
	return true
}

func (s *Scalar) Rem(b Scalar) bool {
	if bv, bok := b.Value64(); bok && bv == 0 {
		return false
	}
	if av, aok := s.Value64(); aok {
		if bv, bok := b.Value64(); bok {
			*s = Const64(av % bv)
			return true
		}
	}
	s.MarkAsUnknown()
	return true
}

func (s *Scalar) And(b Scalar) {
	s.Bits = tnum.And(s.Bits, b.Bits)
	s.resyncFromBitsOnly()
}

func (s *Scalar) Or(b Scalar) {
	s.Bits = tnum.Or(s.Bits, b.Bits)
	s.resyncFromBitsOnly()
}

func (s *Scalar) Xor(b Scalar) {
	s.Bits = tnum.Xor(s.Bits, b.Bits)
	s.resyncFromBitsOnly()
}

// resyncFromBitsOnly widens every range to Unknown, then narrows from
// the bit mask alone; bitwise ops don't have a useful monotone
// relationship with the prior ranges beyond what the new bit mask
// already proves.
func (s *Scalar) resyncFromBitsOnly() {
	s.S64 = irange.Unknown[int64]()
	s.U64 = irange.Unknown[uint64]()
	s.S32 = irange.Unknown[int32]()
	s.U32 = irange.Unknown[uint32]()
	s.syncBounds()
}

// Lsh, Rsh and Ashr shift by a possibly-unknown amount masked to
// width-1 bits (32 or 64), exactly as the eBPF ISA defines it.
func (s *Scalar) Lsh(amount Scalar, width uint8) {
	v, ok := amount.Value32()
	if !ok {
		s.MarkAsUnknown()
		return
	}
	shift := uint(v) & (uint(width) - 1)
	s.Bits = tnum.Lsh(s.Bits, shift)
	s.resyncFromBitsOnly()
}

func (s *Scalar) Rsh(amount Scalar, width uint8) {
	v, ok := amount.Value32()
	if !ok {
		s.MarkAsUnknown()
		return
	}
	shift := uint(v) & (uint(width) - 1)
	s.Bits = tnum.Rsh(s.Bits, shift)
	s.resyncFromBitsOnly()
}

func (s *Scalar) Ashr(amount Scalar, width uint8) {
	v, ok := amount.Value32()
	if !ok {
		s.MarkAsUnknown()
		return
	}
	shift := uint(v) & (uint(width) - 1)
	if width == 32 {
		if c, ok := s.Value32(); ok {
			*s = Const32(int32(c) >> shift)
			return
		}
	} else if c, ok := s.Value64(); ok {
		*s = Const64(uint64(int64(c) >> shift))
		return
	}
	s.MarkAsUnknown()
}

func (s *Scalar) Neg() {
	if v, ok := s.Value64(); ok {
		*s = Const64(uint64(-int64(v)))
		return
	}
	s.MarkAsUnknown()
}

// HostToLE and HostToBE implement BPF_END: they are only precise for
// constant inputs, otherwise the result is fully unknown.
func (s *Scalar) HostToLE(width int) { s.endian(width, false) }
func (s *Scalar) HostToBE(width int) { s.endian(width, true) }

func (s *Scalar) endian(width int, big bool) {
	v, ok := s.Value64()
	if !ok {
		s.MarkAsUnknown()
		return
	}
	var out uint64
	switch width {
	case 16:
		h := uint16(v)
		if big {
			out = uint64(h>>8 | h<<8)
		} else {
			out = uint64(h)
		}
	case 32:
		h := uint32(v)
		if big {
			out = uint64((h>>24)&0xff | (h>>8)&0xff00 | (h<<8)&0xff0000 | (h<<24)&0xff000000)
		} else {
			out = uint64(h)
		}
	case 64:
		if big {
			out = (v>>56)&0xff | (v>>40)&0xff00 | (v>>24)&0xff0000 | (v>>8)&0xff000000 |
				(v<<8)&0xff00000000 | (v<<24)&0xff0000000000 | (v<<40)&0xff000000000000 | (v<<56)&0xff00000000000000
		} else {
			out = v
		}
	default:
		s.MarkAsUnknown()
		return
	}
	*s = Const64(out)
}
