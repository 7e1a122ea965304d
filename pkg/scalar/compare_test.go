package scalar

import (
	"testing"

	"github.com/dylandreimerink/bpfverify/pkg/irange"
)

// TestLtNarrowsTakenMax guards against refining the taken side's
// maximum from the wrong bound: dst < src must narrow dst's own
// upper bound towards src.Max-1, never widen it past dst's own
// original maximum.
func TestLtNarrowsTakenMax(t *testing.T) {
	dst := Range(0, 10)
	src := Range(5, 20)
	res := Lt(dst, src, 64)
	if res.Always || res.Never {
		t.Fatalf("expected an undecided comparison, got %+v", res)
	}
	if res.TakenDst.U64.Max > dst.U64.Max {
		t.Fatalf("taken dst.Max widened past the original range: got %d, want <= %d",
			res.TakenDst.U64.Max, dst.U64.Max)
	}
	if res.TakenSrc.U64.Min <= src.U64.Min && dst.U64.Min+1 > src.U64.Min {
		t.Fatalf("taken src.Min did not rise above dst.Min: %+v", res.TakenSrc)
	}
}

// TestLtConstDstStaysConst exercises the loop-bound pattern a
// conditional-loop verification scenario relies on: comparing an
// exact constant against a wide unknown range must not blow up the
// constant's own upper bound on the "less than" side.
func TestLtConstDstStaysConst(t *testing.T) {
	dst := Const64(0)
	src := Range(0, 64)
	res := Lt(dst, src, 64)
	if res.Always || res.Never {
		t.Fatalf("expected an undecided comparison, got %+v", res)
	}
	if res.TakenDst.U64.Max != 0 {
		t.Fatalf("dst was already the constant 0; Lt must not widen its max, got %d", res.TakenDst.U64.Max)
	}
}

// TestEqWidth32ComparesLowerHalfOnly guards the JMP32 soundness fix:
// a 32-bit jeq must decide the comparison from the low 32 bits alone,
// not the full 64-bit value, since a value like 0x1_0000_0005 is
// "equal to 5" under jeq32 despite its upper 32 bits being nonzero.
func TestEqWidth32ComparesLowerHalfOnly(t *testing.T) {
	dst := Const64(0x1_0000_0005)
	src := Const64(5)
	if res := Eq(dst, src, 64); !res.Never {
		t.Fatalf("64-bit eq of distinct values must be Never, got %+v", res)
	}
	res := Eq(dst, src, 32)
	if !res.Always {
		t.Fatalf("32-bit eq must compare only the low 32 bits and be Always, got %+v", res)
	}
}

func TestSltNarrowsTakenMax(t *testing.T) {
	dst := Unknown()
	dst.S64 = irange.Range[int64]{Min: -5, Max: 5}
	src := Unknown()
	src.S64 = irange.Range[int64]{Min: 0, Max: 20}
	res := Slt(dst, src, 64)
	if res.Always || res.Never {
		t.Fatalf("expected an undecided comparison, got %+v", res)
	}
	if res.TakenDst.S64.Max > dst.S64.Max {
		t.Fatalf("taken dst.Max widened past the original range: got %d, want <= %d",
			res.TakenDst.S64.Max, dst.S64.Max)
	}
}
