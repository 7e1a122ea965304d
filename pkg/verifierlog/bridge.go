package verifierlog

import (
	"github.com/cilium/ebpf/asm"

	"github.com/dylandreimerink/bpfverify/pkg/region"
	"github.com/dylandreimerink/bpfverify/pkg/vm"
)

// FromBranchState renders one BranchState's registers into the same
// VerifierState shape ParseLog produces, so cmd/bpfverify's compare
// subcommand can andreyvit/diff a captured kernel log's per-instruction
// state against this module's own abstract interpretation of the same
// program. The mapping is necessarily lossy in the other direction --
// region.Pointee has no BTF-derived type name, no liveness tracking,
// and no spilled-stack encoding identical to the kernel's -- so this
// only ever has to be precise enough for a human reading a diff to
// tell whether the two analyses agree on shape (scalar vs. which kind
// of pointer) and bounds, not to round-trip.
func FromBranchState(s *vm.BranchState) VerifierState {
	var out VerifierState
	for i := uint8(0); i < vm.ReadableRegisters; i++ {
		tv := *s.ROReg(i)
		if !tv.IsValid() {
			continue
		}
		out.Registers = append(out.Registers, RegisterState{
			Register: asm.Register(i),
			Value:    trackedValueToRegisterValue(tv),
		})
	}
	return out
}

func trackedValueToRegisterValue(tv region.TrackedValue) RegisterValue {
	if tv.Scalar != nil {
		v := tv.Scalar
		rv := RegisterValue{Type: RegTypeScalarValue}
		if const64, ok := v.Value64(); ok {
			rv.VarOff.Value = int64(const64)
			return rv
		}
		smin, smax := v.S64.Min, v.S64.Max
		umin, umax := v.U64.Min, v.U64.Max
		rv.SMinValue, rv.SMaxValue = smin, smax
		rv.UMinValue, rv.UMaxValue = umin, umax
		rv.S32MinValue, rv.S32MaxValue = v.S32.Min, v.S32.Max
		rv.U32MinValue, rv.U32MaxValue = v.U32.Min, v.U32.Max
		rv.VarOff.Value = int64(v.Bits.Value)
		rv.VarOff.Mask = int64(v.Bits.Mask)
		return rv
	}

	p := tv.Pointer
	rv := RegisterValue{Type: pointerRegType(p)}
	if off, ok := p.Offset.Value64(); ok {
		rv.Off = int32(off)
	}
	if p.Region != nil {
		rv.ID = int(p.Region.GetID())
	}
	if !p.IsNonNull() {
		rv.Type |= RegTypePtrMaybeNull
	}
	if !p.IsWritable() {
		rv.Type |= RegTypeMemReadonly
	}
	return rv
}

// pointerRegType maps this module's region.Pointee variants onto the
// closest kernel RegType, for display purposes only.
func pointerRegType(p *region.Pointer) RegType {
	if p == nil || p.Region == nil {
		return RegTypeNotInit
	}
	switch p.Region.(type) {
	case *region.Stack:
		return RegTypePtrToStack
	case *region.Map:
		return RegTypeConstPtrToMap
	case *region.MapValue:
		return RegTypeMapValue
	case *region.Dynamic:
		return RegTypePtrToBuf
	case *region.FixedStruct:
		return RegTypePtrToCtx
	case *region.SimpleResource:
		return RegTypePtrToFunc
	default:
		return RegTypePtrToMem
	}
}
