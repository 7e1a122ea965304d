package vm

import (
	"fmt"

	"github.com/dylandreimerink/bpfverify/pkg/region"
	"github.com/dylandreimerink/bpfverify/pkg/scalar"
)

// ArgumentKind is the shape of one BPF_CALL argument a helper
// signature demands, mirroring spec/proto.rs's ArgumentType together
// with the newer analyzer crate's ResourceType addition.
type ArgumentKind int

const (
	// Any accepts any value, including an uninitialized register.
	Any ArgumentKind = iota
	// Some accepts any initialized value.
	Some
	// ConstantRange demands a scalar whose value is known to lie
	// within [Lo, Hi].
	ConstantRange
	// Scalar demands any scalar (not a pointer).
	Scalar
	// FixedMemory demands a pointer to at least Size bytes of fixed
	// memory.
	FixedMemory
	// DynamicMemory demands a pointer whose valid length is given by
	// another argument register, LenArg.
	DynamicMemory
	// ResourceType demands a non-null SimpleResource handle of the
	// given TypeID; a Map handle is rejected.
	ResourceType
)

// ResourceOp is the operation a ResourceType argument performs on the
// handle it is given, mirroring proto.rs's distinction between a
// read-only borrow and a releasing consume.
type ResourceOp int

const (
	// ResourceUnknown borrows the resource without releasing it
	// (e.g. passing an allocated handle to a helper that only reads
	// it).
	ResourceUnknown ResourceOp = iota
	// ResourceDeallocates releases the resource, exactly like
	// BranchState.DeallocateResource, once the type check passes.
	ResourceDeallocates
)

// ArgumentType fully describes one of the five BPF_CALL argument
// slots.
type ArgumentType struct {
	Kind   ArgumentKind
	Lo, Hi uint64 // for ConstantRange
	Size   int    // for FixedMemory
	LenArg uint8  // for DynamicMemory: index (0-4) of the length argument
	TypeID int    // for ResourceType
	Op     ResourceOp
}

// ReturnKind is the shape of a helper's return value.
type ReturnKind int

const (
	ReturnNone ReturnKind = iota
	ReturnScalar
	ReturnAllocatedResource
)

type ReturnType struct {
	Kind   ReturnKind
	TypeID int
}

// ArgError reports why an argument failed to satisfy its
// ArgumentType, component E's IllegalFunctionCall family.
type ArgError struct {
	Arg     int
	Message string
}

func (e *ArgError) Error() string { return fmt.Sprintf("argument %d: %s", e.Arg, e.Message) }

// CheckArgType validates value (and, for DynamicMemory, the paired
// length argument lenVal) against t.
func CheckArgType(argIdx int, value region.TrackedValue, t ArgumentType, lenVal *region.TrackedValue) error {
	switch t.Kind {
	case Any:
		return nil
	case Some:
		if !value.IsValid() {
			return &ArgError{argIdx, "register used before being assigned"}
		}
		return nil
	case ConstantRange:
		if value.Scalar == nil {
			return &ArgError{argIdx, "expected a scalar"}
		}
		v, ok := value.Scalar.Value64()
		if !ok || v < t.Lo || v > t.Hi {
			return &ArgError{argIdx, "not a constant within the expected range"}
		}
		return nil
	case Scalar:
		if value.Scalar == nil {
			return &ArgError{argIdx, "expected a scalar, got a pointer"}
		}
		return nil
	case FixedMemory:
		p := value.Pointer
		if p == nil || !p.IsWritable() {
			return &ArgError{argIdx, "expected a writable pointer"}
		}
		if err := checkRegionSize(*p, uint64(t.Size)); err != nil {
			return &ArgError{argIdx, err.Error()}
		}
		return nil
	case DynamicMemory:
		p := value.Pointer
		if p == nil || !p.IsWritable() {
			return &ArgError{argIdx, "expected a writable pointer"}
		}
		if lenVal == nil || lenVal.Scalar == nil {
			return &ArgError{argIdx, "paired length argument is not a scalar"}
		}
		length, ok := lenVal.Scalar.Value64()
		if !ok {
			return &ArgError{argIdx, "paired length argument is not a known constant"}
		}
		if err := checkRegionSize(*p, length); err != nil {
			return &ArgError{argIdx, err.Error()}
		}
		return nil
	case ResourceType:
		p := value.Pointer
		if p == nil || !p.IsNonNull() {
			return &ArgError{argIdx, "expected a non-null resource handle"}
		}
		res, ok := p.Region.(*region.SimpleResource)
		if !ok {
			return &ArgError{argIdx, "pointer does not reference a simple resource"}
		}
		if res.TypeID != t.TypeID {
			return &ArgError{argIdx, "resource handle is the wrong kind"}
		}
		return nil
	default:
		return &ArgError{argIdx, "unknown argument kind"}
	}
}

// checkRegionSize best-effort validates that a pointer's current
// offset leaves at least size bytes readable in its region, using a
// one-byte probe read of the last byte of that span; regions without a
// fixed notion of "size" (Map, SimpleResource) simply reject it,
// which is correct since they aren't directly dereferenceable.
func checkRegionSize(p region.Pointer, size uint64) error {
	if size == 0 {
		return nil
	}
	probe := p
	if v, ok := probe.Offset.Value64(); ok {
		probe.Offset = scalar.Const64(v + size - 1)
	}
	if _, err := probe.Get(0, 1); err != nil {
		return err
	}
	return nil
}

// Arguments is the fixed five-slot signature of a BPF_CALL.
type Arguments [5]ArgumentType

// StaticFunctionCall verifies a helper call purely from its static
// signature: every argument is checked, then the return type is
// produced as an unknown scalar or an opaque allocated resource,
// mirroring spec/proto.rs's StaticFunctionCall.
type StaticFunctionCall struct {
	Args   Arguments
	Return ReturnType
}

func NewStaticFunctionCall(args Arguments, ret ReturnType) *StaticFunctionCall {
	return &StaticFunctionCall{Args: args, Return: ret}
}

func (f *StaticFunctionCall) Call(s *BranchState) (region.TrackedValue, error) {
	for i := 0; i < 5; i++ {
		arg := f.Args[i]
		reg := uint8(i + 1) // helper arguments live in r1-r5
		if arg.Kind == DynamicMemory {
			a, b, ok := s.TwoRegs(reg, arg.LenArg+1)
			if !ok {
				return region.TrackedValue{}, fmt.Errorf("argument %d: could not borrow paired length register", i)
			}
			if err := CheckArgType(i, *a, arg, b); err != nil {
				return region.TrackedValue{}, err
			}
			continue
		}
		argVal := *s.ROReg(reg)
		if err := CheckArgType(i, argVal, arg, nil); err != nil {
			return region.TrackedValue{}, err
		}
		if arg.Kind == ResourceType && arg.Op == ResourceDeallocates {
			s.DeallocateResource(argVal.Pointer.GetPointingTo())
		}
	}
	switch f.Return.Kind {
	case ReturnScalar, ReturnNone:
		return region.FromScalar(scalar.Unknown()), nil
	case ReturnAllocatedResource:
		res := region.NewSimpleResource(f.Return.TypeID)
		s.AddAllocatedResource(res)
		return region.FromPointer(region.NewPointer(region.NonNull|region.Readable|region.Writable, res)), nil
	default:
		return region.TrackedValue{}, fmt.Errorf("unknown return kind")
	}
}
