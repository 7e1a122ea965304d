package vm

import (
	"github.com/dylandreimerink/bpfverify/pkg/insn"
	"github.com/dylandreimerink/bpfverify/pkg/region"
	"github.com/dylandreimerink/bpfverify/pkg/scalar"
)

// Fork is produced by Step when a conditional jump can't be decided
// statically: the scheduler should clone the current state, apply
// Fallthrough to the clone, let it continue at FallthroughPC, while
// the caller's own state already carries Taken applied and advances
// to the jump target. This is the hand-written equivalent of
// interpreter/mod.rs's opcode_match!-generated dispatch loop plus
// branch/fork.rs's Forker impl.
type Fork struct {
	FallthroughPC int
}

// Step executes one instruction against s, advancing its pc. For an
// unconditional control-flow change (ja, call, exit, a decided
// conditional jump) s.pc is left pointing at the next instruction to
// run. For an undecided conditional jump, s takes the "branch taken"
// side in place and a *Fork describing the "not taken" side is
// returned; the caller (the scheduler) is responsible for cloning s
// *before* calling Step if it wants to preserve the pre-fork state,
// or for cloning the post-Step state and re-applying Fallthrough
// itself. exited reports whether this was a top-level BPF_EXIT with
// no caller to return to.
func (s *BranchState) Step(ins insn.Instruction, nextWord uint64) (fork *Fork, exited bool) {
	switch ins.Class() {
	case insn.ClassAlu, insn.ClassAlu64:
		s.stepAlu(ins)
		s.pc++
	case insn.ClassJmp, insn.ClassJmp32:
		return s.stepJump(ins)
	case insn.ClassLd:
		s.stepLoad(ins, nextWord)
	case insn.ClassLdx:
		s.stepLoadReg(ins)
		s.pc++
	case insn.ClassSt, insn.ClassStx:
		s.stepStore(ins)
		s.pc++
	default:
		s.Invalidate("unreachable instruction class")
		s.pc++
	}
	return nil, false
}

func (s *BranchState) operand(ins insn.Instruction) region.TrackedValue {
	if ins.Source() == insn.SrcK {
		return region.FromScalar(scalar.Const32(ins.Imm))
	}
	return *s.ROReg(ins.Src)
}

func (s *BranchState) stepAlu(ins insn.Instruction) {
	width := uint8(64)
	if ins.Class() == insn.ClassAlu {
		width = 32
	}
	op := ins.AluOp()

	if op == insn.OpMov {
		val := s.operand(ins)
		*s.Reg(ins.Dst) = val.Clone()
		if width == 32 {
			if sc := s.Reg(ins.Dst).Scalar; sc != nil {
				sc.LowerHalf()
			}
		}
		s.UpdateReg(ins.Dst)
		return
	}
	if op == insn.OpNeg {
		dst := s.Reg(ins.Dst)
		if dst.Scalar == nil {
			s.Invalidate("BPF_NEG on a non-scalar")
			return
		}
		dst.Scalar.Neg()
		if width == 32 {
			dst.Scalar.LowerHalf()
		}
		return
	}
	if op == insn.OpEnd {
		dst := s.Reg(ins.Dst)
		if dst.Scalar == nil {
			s.Invalidate("BPF_END on a non-scalar")
			return
		}
		if ins.Class() == insn.ClassAlu {
			dst.Scalar.HostToLE(int(ins.Imm))
		} else {
			dst.Scalar.HostToBE(int(ins.Imm))
		}
		return
	}

	dstVal, srcVal := s.Reg(ins.Dst), s.operand(ins)
	if dstVal.Pointer != nil {
		s.pointerAlu(op, dstVal, srcVal)
		s.UpdateReg(ins.Dst)
		return
	}
	if dstVal.Scalar == nil {
		s.Invalidate("ALU operand used before assignment")
		return
	}
	src := srcVal.Scalar
	if src == nil {
		s.Invalidate("ALU source is not a scalar")
		return
	}
	switch op {
	case insn.OpAdd:
		dstVal.Scalar.Add(*src)
	case insn.OpSub:
		dstVal.Scalar.Sub(*src)
	case insn.OpMul:
		dstVal.Scalar.Mul(*src)
	case insn.OpDiv:
		if !dstVal.Scalar.Div(*src) {
			s.Invalidate("division by a statically-known zero")
			return
		}
	case insn.OpMod:
		if !dstVal.Scalar.Rem(*src) {
			s.Invalidate("modulo by a statically-known zero")
			return
		}
	case insn.OpOr:
		dstVal.Scalar.Or(*src)
	case insn.OpAnd:
		dstVal.Scalar.And(*src)
	case insn.OpXor:
		dstVal.Scalar.Xor(*src)
	case insn.OpLsh:
		dstVal.Scalar.Lsh(*src, width)
	case insn.OpRsh:
		dstVal.Scalar.Rsh(*src, width)
	case insn.OpArsh:
		dstVal.Scalar.Ashr(*src, width)
	default:
		s.Invalidate("unrecognized ALU opcode")
		return
	}
	if width == 32 {
		dstVal.Scalar.LowerHalf()
	}
	s.UpdateReg(ins.Dst)
}

// pointerAlu handles BPF_ADD/BPF_SUB on a pointer-typed destination:
// pointer += scalar shifts the offset, pointer -= pointer (same
// region) yields a scalar difference, anything else invalidates.
func (s *BranchState) pointerAlu(op uint8, dst *region.TrackedValue, src region.TrackedValue) {
	switch op {
	case insn.OpAdd:
		if src.Scalar != nil {
			if !dst.Pointer.IsMutable() {
				s.Invalidate("pointer offset is fixed")
				return
			}
			dst.Pointer.Add(*src.Scalar)
			return
		}
		s.Invalidate("cannot add two pointers")
	case insn.OpSub:
		if src.Scalar != nil {
			if !dst.Pointer.IsMutable() {
				s.Invalidate("pointer offset is fixed")
				return
			}
			dst.Pointer.Sub(*src.Scalar)
			return
		}
		if src.Pointer != nil {
			if diff, ok := region.Difference(*dst.Pointer, *src.Pointer); ok {
				*dst = region.FromScalar(diff)
				return
			}
			s.Invalidate("pointer difference across unrelated regions")
			return
		}
		s.Invalidate("invalid pointer subtraction operand")
	default:
		s.Invalidate("only add/sub are valid on pointers")
	}
}

// stepLoad executes BPF_LD_IMM64; nextWord is unused because
// insn.DecodeProgram already folded the second word into ins.Imm64 at
// decode time (kept as a parameter for symmetry with the instruction
// stream Step is driven from).
func (s *BranchState) stepLoad(ins insn.Instruction, nextWord uint64) {
	_ = nextWord
	if ins.Src == insn.BPF_IMM64_MAP_FD {
		if v, ok := s.LoadMapFD(int32(ins.Imm64)); ok {
			*s.Reg(ins.Dst) = v
			s.pc += 2
			return
		}
		s.Invalidate("unknown map file descriptor")
		s.pc += 2
		return
	}
	*s.Reg(ins.Dst) = region.FromScalar(scalar.Const64(uint64(ins.Imm64)))
	s.pc += 2
}

func (s *BranchState) stepLoadReg(ins insn.Instruction) {
	base := s.ROReg(ins.Src)
	if base.Pointer == nil {
		s.Invalidate("BPF_LDX base register is not a pointer")
		return
	}
	size := sizeOf(ins.SizeField())
	v, err := base.Pointer.Get(ins.Off, size)
	if err != nil {
		s.Invalidate("load out of bounds: " + err.Error())
		return
	}
	if size != 8 {
		// Sub-word reads always produce zero-extended scalars; a
		// pointer can only come out of an aligned 8-byte load.
		v = region.FromScalar(scalar.Unknown())
	}
	*s.Reg(ins.Dst) = v
}

func (s *BranchState) stepStore(ins insn.Instruction) {
	if ins.Mode() == insn.ModeAtomic {
		s.stepAtomic(ins)
		return
	}
	base := s.ROReg(ins.Dst)
	if base.Pointer == nil {
		s.Invalidate("store base register is not a pointer")
		return
	}
	var value region.TrackedValue
	if ins.Class() == insn.ClassSt {
		value = region.FromScalar(scalar.Const32(ins.Imm))
	} else {
		value = *s.ROReg(ins.Src)
	}
	size := sizeOf(ins.SizeField())
	if err := base.Pointer.Set(ins.Off, size, value); err != nil {
		s.Invalidate("store out of bounds: " + err.Error())
	}
}

func (s *BranchState) stepAtomic(ins insn.Instruction) {
	base := s.ROReg(ins.Dst)
	if base.Pointer == nil {
		s.Invalidate("atomic base register is not a pointer")
		return
	}
	size := sizeOf(ins.SizeField())
	src := s.Reg(ins.Src)
	if src.Scalar == nil {
		s.Invalidate("atomic operand is not a scalar")
		return
	}
	if _, err := base.Pointer.Get(ins.Off, size); err != nil {
		s.Invalidate("atomic access out of bounds: " + err.Error())
		return
	}
	if err := base.Pointer.Set(ins.Off, size, region.FromScalar(scalar.Unknown())); err != nil {
		s.Invalidate("atomic access out of bounds: " + err.Error())
		return
	}
	if insn.IsAtomicFetch(ins.Imm) {
		src.Scalar.MarkAsUnknown()
	}
}

func sizeOf(field uint8) uint8 {
	switch field {
	case insn.SizeB:
		return 1
	case insn.SizeH:
		return 2
	case insn.SizeW:
		return 4
	default:
		return 8
	}
}

func (s *BranchState) stepJump(ins insn.Instruction) (*Fork, bool) {
	op := ins.AluOp()
	switch op {
	case insn.JmpJA:
		s.pc += 1 + int(ins.Off)
		return nil, false
	case insn.JmpExit:
		if !s.ROReg(0).IsValid() {
			s.Invalidate("r0 is not initialized at exit")
		}
		if s.ReturnRelative() {
			return nil, false
		}
		return nil, true
	case insn.JmpCall:
		switch ins.Src {
		case insn.CallPseudoLocal:
			s.CallRelative(ins.Imm)
		case insn.CallKfunc:
			s.Invalidate("kfunc calls are not modelled")
			s.pc++
		default:
			s.callHelper(ins.Imm)
			s.pc++
		}
		return nil, false
	}

	dstVal, srcVal := *s.ROReg(ins.Dst), s.operand(ins)
	target := s.pc + 1 + int(ins.Off)
	fallthroughPC := s.pc + 1

	// A comparison between two pointers invalidates the branch. A
	// pointer compared against a known-zero scalar is the classic
	// null-check refinement; a pointer against any other scalar is
	// left undecided with unrefined operands.
	if dstVal.Pointer != nil && srcVal.Pointer != nil {
		s.Invalidate("comparison between two pointers")
		return nil, false
	}
	if dstVal.Pointer != nil || srcVal.Pointer != nil {
		if reg, onTaken, ok := nullCheckTaken(ins, dstVal, srcVal); ok {
			*s.Reg(reg) = onTaken
		}
		s.pc = target
		return &Fork{FallthroughPC: fallthroughPC}, false
	}

	if dstVal.Scalar == nil || srcVal.Scalar == nil {
		s.Invalidate("comparison operand used before assignment")
		s.pc = target
		return &Fork{FallthroughPC: fallthroughPC}, false
	}

	width := uint8(64)
	if ins.Class() == insn.ClassJmp32 {
		width = 32
	}
	res := compareFor(op, *dstVal.Scalar, *srcVal.Scalar, width)
	if res.Always {
		s.pc = target
		return nil, false
	}
	if res.Never {
		s.pc = fallthroughPC
		return nil, false
	}
	*s.Reg(ins.Dst).Scalar = res.TakenDst
	if ins.Source() == insn.SrcX {
		if sc := s.ROReg(ins.Src).Scalar; sc != nil {
			*sc = res.TakenSrc
		}
	}
	s.pc = target
	return &Fork{FallthroughPC: fallthroughPC}, false
}

// ApplyFallthrough is called by the scheduler on the cloned branch
// that continues past an undecided conditional jump, to apply the
// "not taken" refinement the original Step call computed.
func (s *BranchState) ApplyFallthrough(ins insn.Instruction) {
	op := ins.AluOp()
	dstVal, srcVal := *s.ROReg(ins.Dst), s.operand(ins)
	if dstVal.Pointer != nil || srcVal.Pointer != nil {
		if reg, onNotTaken, ok := nullCheckNotTaken(ins, dstVal, srcVal); ok {
			*s.Reg(reg) = onNotTaken
		}
		return
	}
	if dstVal.Scalar == nil || srcVal.Scalar == nil {
		return
	}
	width := uint8(64)
	if ins.Class() == insn.ClassJmp32 {
		width = 32
	}
	res := compareFor(op, *dstVal.Scalar, *srcVal.Scalar, width)
	if res.Always || res.Never {
		return
	}
	*s.Reg(ins.Dst).Scalar = res.NotTakenDst
	if ins.Source() == insn.SrcX {
		if sc := s.ROReg(ins.Src).Scalar; sc != nil {
			*sc = res.NotTakenSrc
		}
	}
}

// nullCheckOperand picks apart a jeq/jne comparing one pointer
// register against a statically-known-zero scalar -- the null-check
// idiom spec §4.C calls out by name ("Pointer vs. scalar zero
// comparison"). It reports which register (Dst or Src) holds the
// pointer, so the caller can refine just that register; jeq/jne
// against a non-zero/unknown scalar is left to the generic unrefined
// fork in stepJump (two pointers never get this far: stepJump
// invalidates that comparison first).
func nullCheckOperand(ins insn.Instruction, dst, src region.TrackedValue) (reg uint8, ptr region.Pointer, ok bool) {
	op := ins.AluOp()
	if ins.Class() != insn.ClassJmp || (op != insn.JmpJEQ && op != insn.JmpJNE) {
		return 0, region.Pointer{}, false
	}
	var scalarSide region.TrackedValue
	switch {
	case dst.Pointer != nil && src.Pointer == nil:
		reg, ptr, scalarSide = ins.Dst, *dst.Pointer, src
	case src.Pointer != nil && dst.Pointer == nil && ins.Source() == insn.SrcX:
		reg, ptr, scalarSide = ins.Src, *src.Pointer, dst
	default:
		return 0, region.Pointer{}, false
	}
	if scalarSide.Scalar == nil {
		return 0, region.Pointer{}, false
	}
	v, known := scalarSide.Scalar.Value64()
	if !known || v != 0 {
		return 0, region.Pointer{}, false
	}
	return reg, ptr, true
}

// nullCheckTaken returns the refinement for the side of a jeq/jne
// that is actually taken (pc jumps to the branch target): jeq takes
// the "pointer is null" side, jne the "pointer is non-null" side.
func nullCheckTaken(ins insn.Instruction, dst, src region.TrackedValue) (reg uint8, refined region.TrackedValue, ok bool) {
	reg, ptr, ok := nullCheckOperand(ins, dst, src)
	if !ok {
		return 0, region.TrackedValue{}, false
	}
	if ins.AluOp() == insn.JmpJNE {
		ptr.SetNonNull()
		return reg, region.FromPointer(ptr), true
	}
	return reg, region.FromScalar(scalar.Const64(0)), true
}

// nullCheckNotTaken is nullCheckTaken's mirror image, applied by
// ApplyFallthrough to the clone that falls through instead.
func nullCheckNotTaken(ins insn.Instruction, dst, src region.TrackedValue) (reg uint8, refined region.TrackedValue, ok bool) {
	reg, ptr, ok := nullCheckOperand(ins, dst, src)
	if !ok {
		return 0, region.TrackedValue{}, false
	}
	if ins.AluOp() == insn.JmpJNE {
		return reg, region.FromScalar(scalar.Const64(0)), true
	}
	ptr.SetNonNull()
	return reg, region.FromPointer(ptr), true
}

// compareFor decides the outcome of one conditional jump; width is 64
// for the BPF_JMP class and 32 for BPF_JMP32, which compares and
// refines only the low 32 bits of each operand.
func compareFor(op uint8, dst, src scalar.Scalar, width uint8) scalar.Result {
	switch op {
	case insn.JmpJEQ:
		return scalar.Eq(dst, src, width)
	case insn.JmpJNE:
		r := scalar.Eq(dst, src, width)
		return scalar.Result{
			Always: r.Never, Never: r.Always,
			TakenDst: r.NotTakenDst, TakenSrc: r.NotTakenSrc,
			NotTakenDst: r.TakenDst, NotTakenSrc: r.TakenSrc,
		}
	case insn.JmpJGT:
		r := scalar.Lt(src, dst, width)
		return flip(r)
	case insn.JmpJGE:
		r := scalar.Le(src, dst, width)
		return flip(r)
	case insn.JmpJLT:
		return scalar.Lt(dst, src, width)
	case insn.JmpJLE:
		return scalar.Le(dst, src, width)
	case insn.JmpJSGT:
		r := scalar.Slt(src, dst, width)
		return flip(r)
	case insn.JmpJSGE:
		r := scalar.Sle(src, dst, width)
		return flip(r)
	case insn.JmpJSLT:
		return scalar.Slt(dst, src, width)
	case insn.JmpJSLE:
		return scalar.Sle(dst, src, width)
	case insn.JmpJSET:
		return scalar.Set(dst, src, width)
	default:
		return scalar.Result{TakenDst: dst, TakenSrc: src, NotTakenDst: dst, NotTakenSrc: src}
	}
}

// flip swaps taken/not-taken so a "src OP dst" result can answer the
// equivalent "dst OP' src" query (e.g. jgt dst,src == jlt src,dst).
func flip(r scalar.Result) scalar.Result {
	return scalar.Result{
		Always: r.Always, Never: r.Never,
		TakenDst: r.TakenSrc, TakenSrc: r.TakenDst,
		NotTakenDst: r.NotTakenSrc, NotTakenSrc: r.NotTakenDst,
	}
}

func (s *BranchState) callHelper(idx int32) {
	if idx <= 0 || int(idx) >= len(s.helpers) {
		s.Invalidate("invalid helper id")
		return
	}
	h := s.helpers[idx]
	v, err := h.Call(s)
	if err != nil {
		s.Invalidate("helper call rejected: " + err.Error())
		return
	}
	*s.Reg(0) = v
	if !s.IsValid() {
		return
	}
	for i := uint8(1); i <= 5; i++ {
		s.registers[i] = region.TrackedValue{}
	}
}
