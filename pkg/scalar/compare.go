package scalar

import (
	"github.com/dylandreimerink/bpfverify/pkg/irange"
	"github.com/dylandreimerink/bpfverify/pkg/tnum"
)

// Result is the outcome of comparing two abstract scalars: the
// branch may always be taken, never taken, or possibly taken (in
// which case both operands are refined for each side of the branch,
// mirroring comparable.rs's ComparisonResult).
type Result struct {
	Always bool
	Never  bool
	// When neither Always nor Never is set, TakenDst/TakenSrc hold
	// the operands refined for the "taken" side and NotTakenDst/
	// NotTakenSrc those for the fall-through side.
	TakenDst, TakenSrc     Scalar
	NotTakenDst, NotTakenSrc Scalar
}

func certain(always bool) Result {
	return Result{Always: always, Never: !always}
}

// Eq computes jeq semantics: dst == src. width is 64 for jeq or 32
// for jeq32, which truncates both operands to their low 32 bits
// before comparing (BPF_JMP32 class) -- deciding it from the 64-bit
// views would wrongly reject cases where only the upper 32 bits
// differ.
func Eq(dst, src Scalar, width uint8) Result {
	if width == 32 {
		merged, ok := irange.Intersect(dst.U32, src.U32)
		if !ok {
			return certain(false)
		}
		refined := dst
		refined.U32 = merged
		refined.syncBounds()
		if dv, dok := dst.Value32(); dok {
			if sv, sok := src.Value32(); sok {
				return certain(dv == sv)
			}
		}
		return Result{
			TakenDst: refined, TakenSrc: refined,
			NotTakenDst: dst, NotTakenSrc: src,
		}
	}
	merged, ok := irange.Intersect(dst.U64, src.U64)
	if !ok {
		return certain(false)
	}
	refined := dst
	refined.U64 = merged
	refined.syncBounds()
	if dv, dok := dst.Value64(); dok {
		if sv, sok := src.Value64(); sok {
			return certain(dv == sv)
		}
	}
	return Result{
		TakenDst: refined, TakenSrc: refined,
		NotTakenDst: dst, NotTakenSrc: src,
	}
}

// Lt computes unsigned dst < src; width selects between the 64-bit
// (jlt) and 32-bit, truncating (jlt32) comparison.
func Lt(dst, src Scalar, width uint8) Result {
	if width == 32 {
		if dst.U32.Max < src.U32.Min {
			return certain(true)
		}
		if dst.U32.Min >= src.U32.Max {
			return certain(false)
		}
		taken := dst
		taken.U32 = irange.Range[uint32]{Min: dst.U32.Min, Max: min32(dst.U32.Max, src.U32.Max-1)}
		taken.syncBounds()
		takenSrc := src
		takenSrc.U32 = irange.Range[uint32]{Min: max32(src.U32.Min, dst.U32.Min+1), Max: src.U32.Max}
		takenSrc.syncBounds()

		notTaken := dst
		notTaken.U32 = irange.Range[uint32]{Min: max32(dst.U32.Min, src.U32.Min), Max: dst.U32.Max}
		notTaken.syncBounds()
		notTakenSrc := src
		notTakenSrc.U32 = irange.Range[uint32]{Min: src.U32.Min, Max: min32(src.U32.Max, dst.U32.Max)}
		notTakenSrc.syncBounds()

		return Result{
			TakenDst: taken, TakenSrc: takenSrc,
			NotTakenDst: notTaken, NotTakenSrc: notTakenSrc,
		}
	}

	if dst.U64.Max < src.U64.Min {
		return certain(true)
	}
	if dst.U64.Min >= src.U64.Max {
		return certain(false)
	}
	taken := dst
	taken.U64 = irange.Range[uint64]{Min: dst.U64.Min, Max: min64(dst.U64.Max, src.U64.Max-1)}
	taken.syncBounds()
	takenSrc := src
	takenSrc.U64 = irange.Range[uint64]{Min: max64(src.U64.Min, dst.U64.Min+1), Max: src.U64.Max}
	takenSrc.syncBounds()

	notTaken := dst
	notTaken.U64 = irange.Range[uint64]{Min: max64(dst.U64.Min, src.U64.Min), Max: dst.U64.Max}
	notTaken.syncBounds()
	notTakenSrc := src
	notTakenSrc.U64 = irange.Range[uint64]{Min: src.U64.Min, Max: min64(src.U64.Max, dst.U64.Max)}
	notTakenSrc.syncBounds()

	return Result{
		TakenDst: taken, TakenSrc: takenSrc,
		NotTakenDst: notTaken, NotTakenSrc: notTakenSrc,
	}
}

// Le computes unsigned dst <= src.
func Le(dst, src Scalar, width uint8) Result {
	r := Lt(src, dst, width) // src < dst is the negation of dst <= src
	return Result{
		Always: r.Never, Never: r.Always,
		TakenDst: r.NotTakenSrc, TakenSrc: r.NotTakenDst,
		NotTakenDst: r.TakenSrc, NotTakenSrc: r.TakenDst,
	}
}

// Slt computes signed dst < src; width selects between jslt and the
// truncating jslt32.
func Slt(dst, src Scalar, width uint8) Result {
	if width == 32 {
		if dst.S32.Max < src.S32.Min {
			return certain(true)
		}
		if dst.S32.Min >= src.S32.Max {
			return certain(false)
		}
		taken := dst
		taken.S32 = irange.Range[int32]{Min: dst.S32.Min, Max: minS32(dst.S32.Max, src.S32.Max-1)}
		taken.syncBounds()
		takenSrc := src
		takenSrc.S32 = irange.Range[int32]{Min: maxS32(src.S32.Min, dst.S32.Min+1), Max: src.S32.Max}
		takenSrc.syncBounds()

		notTaken := dst
		notTaken.S32 = irange.Range[int32]{Min: maxS32(dst.S32.Min, src.S32.Min), Max: dst.S32.Max}
		notTaken.syncBounds()
		notTakenSrc := src
		notTakenSrc.S32 = irange.Range[int32]{Min: src.S32.Min, Max: minS32(src.S32.Max, dst.S32.Max)}
		notTakenSrc.syncBounds()

		return Result{
			TakenDst: taken, TakenSrc: takenSrc,
			NotTakenDst: notTaken, NotTakenSrc: notTakenSrc,
		}
	}

	if dst.S64.Max < src.S64.Min {
		return certain(true)
	}
	if dst.S64.Min >= src.S64.Max {
		return certain(false)
	}
	taken := dst
	taken.S64 = irange.Range[int64]{Min: dst.S64.Min, Max: minS64(dst.S64.Max, src.S64.Max-1)}
	taken.syncBounds()
	takenSrc := src
	takenSrc.S64 = irange.Range[int64]{Min: maxS64(src.S64.Min, dst.S64.Min+1), Max: src.S64.Max}
	takenSrc.syncBounds()

	notTaken := dst
	notTaken.S64 = irange.Range[int64]{Min: maxS64(dst.S64.Min, src.S64.Min), Max: dst.S64.Max}
	notTaken.syncBounds()
	notTakenSrc := src
	notTakenSrc.S64 = irange.Range[int64]{Min: src.S64.Min, Max: minS64(src.S64.Max, dst.S64.Max)}
	notTakenSrc.syncBounds()

	return Result{
		TakenDst: taken, TakenSrc: takenSrc,
		NotTakenDst: notTaken, NotTakenSrc: notTakenSrc,
	}
}

// Sle computes signed dst <= src.
func Sle(dst, src Scalar, width uint8) Result {
	r := Slt(src, dst, width)
	return Result{
		Always: r.Never, Never: r.Always,
		TakenDst: r.NotTakenSrc, TakenSrc: r.NotTakenDst,
		NotTakenDst: r.TakenSrc, NotTakenSrc: r.TakenDst,
	}
}

// Set computes jset semantics (dst & src != 0) over the requested
// width; this is rarely precise, so only the all-zero-mask and
// known-bits-overlap cases are decided exactly, otherwise both
// branches stay possible with unrefined operands.
func Set(dst, src Scalar, width uint8) Result {
	dBits, sBits := dst.Bits, src.Bits
	if width == 32 {
		dBits, sBits = tnum.LowerHalf(dBits), tnum.LowerHalf(sBits)
	}
	knownOverlap := (dBits.Value &^ dBits.Mask) & (sBits.Value &^ sBits.Mask)
	if knownOverlap != 0 {
		return certain(true)
	}
	possibleOverlap := (dBits.Value | dBits.Mask) & (sBits.Value | sBits.Mask)
	if possibleOverlap == 0 {
		return certain(false)
	}
	return Result{TakenDst: dst, TakenSrc: src, NotTakenDst: dst, NotTakenSrc: src}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxS64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minS64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxS32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func minS32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
