package tnum

import "testing"

func TestConstIsConst(t *testing.T) {
	c := Const(42)
	if !c.IsConst() {
		t.Fatal("Const should report IsConst")
	}
	if v, ok := c.ConstValue(); !ok || v != 42 {
		t.Fatalf("ConstValue() = %d,%v, want 42,true", v, ok)
	}
}

func TestUnknownInvariant(t *testing.T) {
	u := Unknown()
	if u.Value&u.Mask != 0 {
		t.Fatalf("value & mask must be zero, got value=%#x mask=%#x", u.Value, u.Mask)
	}
}

func TestRangeCoversBounds(t *testing.T) {
	r := Range(4, 7) // 0b100..0b111: top bit (4) known, low two unknown
	if r.Value&r.Mask != 0 {
		t.Fatalf("value & mask must be zero, got %s", r)
	}
	for _, v := range []uint64{4, 5, 6, 7} {
		if v&^r.Mask != r.Value {
			t.Fatalf("Range(4,7) does not cover %d: %s", v, r)
		}
	}
	if 8&^r.Mask == r.Value {
		t.Fatalf("Range(4,7) should not cover 8: %s", r)
	}
}

func TestIntersectContradiction(t *testing.T) {
	a := Const(1)
	b := Const(2)
	if _, ok := Intersect(a, b); ok {
		t.Fatal("intersecting two different constants should report a contradiction")
	}
}

func TestIntersectAgreement(t *testing.T) {
	a := Range(0, 15)  // low 4 bits unknown
	b := Const(5)
	merged, ok := Intersect(a, b)
	if !ok {
		t.Fatal("5 lies within [0,15], intersect should succeed")
	}
	if v, ok := merged.ConstValue(); !ok || v != 5 {
		t.Fatalf("merged = %v, want constant 5", merged)
	}
}

func TestAddKnownConstants(t *testing.T) {
	got := Add(Const(3), Const(4))
	if v, ok := got.ConstValue(); !ok || v != 7 {
		t.Fatalf("Add(3,4) = %v, want constant 7", got)
	}
}

func TestSubKnownConstants(t *testing.T) {
	got := Sub(Const(10), Const(3))
	if v, ok := got.ConstValue(); !ok || v != 7 {
		t.Fatalf("Sub(10,3) = %v, want constant 7", got)
	}
}

func TestMulKnownConstants(t *testing.T) {
	got := Mul(Const(6), Const(7))
	if v, ok := got.ConstValue(); !ok || v != 42 {
		t.Fatalf("Mul(6,7) = %v, want constant 42", got)
	}
}

func TestAndOrXorKnownConstants(t *testing.T) {
	if v, _ := And(Const(0b1100), Const(0b1010)).ConstValue(); v != 0b1000 {
		t.Fatalf("And = %#b, want 0b1000", v)
	}
	if v, _ := Or(Const(0b1100), Const(0b1010)).ConstValue(); v != 0b1110 {
		t.Fatalf("Or = %#b, want 0b1110", v)
	}
	if v, _ := Xor(Const(0b1100), Const(0b1010)).ConstValue(); v != 0b0110 {
		t.Fatalf("Xor = %#b, want 0b0110", v)
	}
}

func TestCastTruncates(t *testing.T) {
	got := Cast(Const(0x1122334455667788), 1)
	if v, ok := got.ConstValue(); !ok || v != 0x88 {
		t.Fatalf("Cast(..., 1) = %#x, want 0x88", v)
	}
}

func TestLshRsh(t *testing.T) {
	if v, _ := Lsh(Const(1), 4).ConstValue(); v != 0x10 {
		t.Fatalf("Lsh(1,4) = %#x, want 0x10", v)
	}
	if v, _ := Rsh(Const(0x10), 4).ConstValue(); v != 1 {
		t.Fatalf("Rsh(0x10,4) = %#x, want 1", v)
	}
}
