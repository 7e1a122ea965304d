// Package vm implements BranchState, the per-branch verifying
// machine: component E of the verifier. It tracks the program
// counter, 11 registers, a call trace for local (subprogram) calls,
// the current stack frame, every other live memory region, and
// resource accounting -- and knows how to Clone itself into two
// independent branches with its own, unaliased copy of the whole
// region graph, grounded on branch/vm.rs.
package vm

import (
	"github.com/dylandreimerink/bpfverify/pkg/region"
	"github.com/dylandreimerink/bpfverify/pkg/scalar"
)

const (
	// WritableRegisters excludes r10, the read-only frame pointer.
	WritableRegisters = 10
	// ReadableRegisters includes r10.
	ReadableRegisters = 11
)

// CallerContext is the saved caller-side state pushed by a local
// call, restored by the matching return.
type CallerContext struct {
	PC        int
	Registers [4]region.TrackedValue // r6-r9
	Stack     region.Pointee
}

// MapInfo describes one fd-addressable map available to the program
// being verified, supplied by AnalyzerConfig (spec §6).
type MapInfo struct {
	FD        int32
	KeySize   int
	ValueSize int
}

type mapEntry struct {
	FD     int32
	Region region.Pointee
}

// Helper verifies one BPF_CALL target against the current state,
// mirroring proto.rs's VerifiableCall.
type Helper interface {
	Call(s *BranchState) (region.TrackedValue, error)
}

// BranchState is one path of execution through the program.
type BranchState struct {
	pc        int
	ids       IdGen
	invalid   []string
	registers [ReadableRegisters]region.TrackedValue
	// tempReg lets `mul r1, r1` borrow "the same" register twice:
	// New starts it as an unknown scalar and TwoRegs overwrites it
	// with a copy of register i when i == j.
	tempReg   region.TrackedValue
	callTrace []CallerContext
	stack     region.Pointee
	regions   []region.Pointee
	helpers   []Helper
	resources ResourceTracker
	maps      []mapEntry
}

// New creates the initial machine state for a program: a fresh 512
// byte stack with r10 pointing at its end, and one Map region per
// entry in maps.
func New(helpers []Helper, maps []MapInfo) *BranchState {
	s := &BranchState{
		helpers: helpers,
		tempReg: region.FromScalar(scalar.Unknown()),
		regions: []region.Pointee{region.Instance()},
	}
	stack := region.NewStack()
	s.stack = stack
	id := s.resources.AddExternal(&s.ids)
	stack.SetID(id)

	frame := region.NewPointer(region.AttrsReadOnlyFixed, stack)
	frame.Offset = scalar.Const64(region.StackSize)
	s.registers[10] = region.FromPointer(frame)

	for _, info := range maps {
		m := region.NewMap(info.KeySize, info.ValueSize)
		s.AddExternalResource(m)
		s.maps = append(s.maps, mapEntry{FD: info.FD, Region: m})
	}
	return s
}

func (s *BranchState) getRegion(id region.Id) (region.Pointee, bool) {
	if s.stack.GetID() == id {
		return s.stack, true
	}
	for _, r := range s.regions {
		if r.GetID() == id {
			return r, true
		}
	}
	return nil, false
}

// AddExternalResource starts tracking region as a caller-supplied
// resource that never needs explicit release.
func (s *BranchState) AddExternalResource(r region.Pointee) {
	id := s.resources.AddExternal(&s.ids)
	r.SetID(id)
	s.regions = append(s.regions, r)
}

// RemoveExternalResource marks an external resource unavailable
// (e.g. a subprogram's stack frame on return).
func (s *BranchState) RemoveExternalResource(id region.Id) {
	if !s.resources.RemoveExternal(id) {
		s.Invalidate("external resource double-removed")
	}
}

// AddAllocatedResource starts tracking region as a program-allocated
// resource that must be released before the branch can return.
func (s *BranchState) AddAllocatedResource(r region.Pointee) {
	id := s.resources.Allocate(&s.ids)
	r.SetID(id)
	s.regions = append(s.regions, r)
}

// DeallocateResource releases an allocated resource, redirecting
// every pointer into it toward the shared invalid placeholder region
// so any further use is rejected.
func (s *BranchState) DeallocateResource(id region.Id) {
	if !s.resources.Deallocate(id) {
		s.Invalidate("deallocating unknown resource")
		return
	}
	invalid := s.regions[0]
	for i := range s.registers {
		if p := s.registers[i].Pointer; p != nil && p.IsPointingTo(id) {
			p.Redirect(invalid)
		}
	}
	redirector := func(i region.Id) (region.Pointee, bool) {
		if i == id {
			return invalid, true
		}
		return nil, false
	}
	s.stack.Redirect(redirector)
	for _, r := range s.regions {
		r.Redirect(redirector)
	}
}

// IsInvalidResource reports whether register i is a pointer into a
// resource that is no longer tracked (e.g. already deallocated by
// another alias).
func (s *BranchState) IsInvalidResource(i uint8) bool {
	p := s.ROReg(i).Pointer
	if p == nil {
		return false
	}
	return !s.resources.Contains(p.GetPointingTo())
}

// Snapshot is an independent copy of everything needed to report a
// branch's failure after the branch itself has been discarded: its
// pc, invalidation messages, registers and stack frame, verbatim.
type Snapshot struct {
	PC        int
	Messages  []string
	Registers [ReadableRegisters]region.TrackedValue
	Stack     region.Pointee
}

// Snapshot captures the branch's current state. Registers and the
// stack are cloned so later mutation of the live branch (or its
// eventual garbage collection) can't change what the caller observes.
func (s *BranchState) Snapshot() Snapshot {
	var regs [ReadableRegisters]region.TrackedValue
	for i := range s.registers {
		regs[i] = s.registers[i].Clone()
	}
	var stack region.Pointee
	if s.stack != nil {
		stack = s.stack.SafeClone()
	}
	return Snapshot{
		PC:        s.pc,
		Messages:  append([]string(nil), s.invalid...),
		Registers: regs,
		Stack:     stack,
	}
}

func (s *BranchState) Messages() []string { return s.invalid }

func (s *BranchState) Invalidate(message string) {
	s.invalid = append(s.invalid, message)
}

func (s *BranchState) IsValid() bool { return len(s.invalid) == 0 }

func (s *BranchState) PC() int      { return s.pc }
func (s *BranchState) SetPC(pc int) { s.pc = pc }

// Reg returns a writable handle to register i (r0-r9); r10 or an
// out-of-range index invalidates the branch and returns r0 instead.
func (s *BranchState) Reg(i uint8) *region.TrackedValue {
	if i < WritableRegisters {
		return &s.registers[i]
	}
	s.Invalidate("register not writable")
	return &s.registers[0]
}

// ROReg returns a read-only handle to register i (r0-r10).
func (s *BranchState) ROReg(i uint8) *region.TrackedValue {
	if i < ReadableRegisters {
		return &s.registers[i]
	}
	s.Invalidate("register out of range")
	return &s.registers[0]
}

// UpdateReg invalidates the branch if the instruction that just wrote
// reg left it (or the scratch temp register) in an invalid state.
func (s *BranchState) UpdateReg(reg uint8) {
	if !s.ROReg(reg).IsValid() || !s.tempReg.IsValid() {
		s.Invalidate("register invalid after update")
	}
}

// TwoRegs borrows registers i and j simultaneously, even when i == j
// (via the scratch temp register), for instructions like `add r1,
// r1` whose two operands are syntactically the same register.
func (s *BranchState) TwoRegs(i, j uint8) (a, b *region.TrackedValue, ok bool) {
	if i == j {
		if i >= WritableRegisters {
			return nil, nil, false
		}
		s.tempReg = s.registers[i].Clone()
		return &s.registers[i], &s.tempReg, true
	}
	return &s.registers[i], &s.registers[j], true
}

// ThreeRegs borrows three registers simultaneously; it fails if any
// two of them are the same index.
func (s *BranchState) ThreeRegs(i, j, k uint8) (a, b, c *region.TrackedValue, ok bool) {
	if i == j || j == k || i == k {
		return nil, nil, nil, false
	}
	return &s.registers[i], &s.registers[j], &s.registers[k], true
}

// CallRelative performs a local (subprogram) call: saves r6-r9 and
// the return pc, clears r6-r9, swaps in a fresh stack frame, and
// advances pc by imm.
func (s *BranchState) CallRelative(imm int32) {
	ctx := CallerContext{
		PC: s.pc,
		Registers: [4]region.TrackedValue{
			s.registers[6].Clone(), s.registers[7].Clone(), s.registers[8].Clone(), s.registers[9].Clone(),
		},
		Stack: s.stack,
	}
	s.callTrace = append(s.callTrace, ctx)
	for i := 6; i <= 9; i++ {
		s.registers[i] = region.TrackedValue{}
	}
	s.pc += 1 + int(imm)
	stack := region.NewStack()
	s.stack = stack
	frame := region.NewPointer(region.AttrsReadOnlyFixed, stack)
	frame.Offset = scalar.Const64(region.StackSize)
	s.registers[10] = region.FromPointer(frame)
	s.AddExternalResource(stack)
}

// ReturnRelative pops the call trace, restoring the caller's stack
// and r6-r9; it returns false when there is no caller left, at which
// point any still-allocated resource is an error.
func (s *BranchState) ReturnRelative() bool {
	s.RemoveExternalResource(s.stack.GetID())
	if len(s.callTrace) == 0 {
		if !s.resources.IsEmpty() {
			s.Invalidate("resource not cleaned up before return")
		}
		return false
	}
	caller := s.callTrace[len(s.callTrace)-1]
	s.callTrace = s.callTrace[:len(s.callTrace)-1]
	s.pc = caller.PC
	s.stack = caller.Stack
	frame := region.NewPointer(region.AttrsReadOnlyFixed, s.stack)
	frame.Offset = scalar.Const64(region.StackSize)
	s.registers[10] = region.FromPointer(frame)
	for i := 6; i <= 9; i++ {
		s.registers[i] = caller.Registers[i-6]
	}
	return true
}

// LoadMapFD resolves a BPF_LD_IMM64 whose src_reg marks the immediate
// as a map file descriptor to a pointer at the corresponding Map
// region, or reports false if no such fd was registered.
func (s *BranchState) LoadMapFD(fd int32) (region.TrackedValue, bool) {
	for _, m := range s.maps {
		if m.FD == fd {
			return region.FromPointer(region.NewPointer(region.AttrsReadWrite, m.Region)), true
		}
	}
	return region.TrackedValue{}, false
}

// Clone produces an independent branch: every region is safe-cloned
// and then redirected so none of the new branch's pointers alias the
// original's regions, mirroring branch/vm.rs's Clone impl.
func (s *BranchState) Clone() *BranchState {
	clone := &BranchState{
		pc:        s.pc,
		tempReg:   s.tempReg.Clone(),
		callTrace: append([]CallerContext(nil), s.callTrace...),
		resources: s.resources.clone(),
		helpers:   s.helpers,
	}
	clone.stack = s.stack.SafeClone()
	clone.regions = make([]region.Pointee, len(s.regions))
	for i, r := range s.regions {
		clone.regions[i] = r.SafeClone()
	}

	toNew := func(id region.Id) (region.Pointee, bool) { return clone.getRegion(id) }
	clone.stack.Redirect(toNew)
	for _, r := range clone.regions {
		id := r.GetID()
		self := r
		mapper := func(i region.Id) (region.Pointee, bool) {
			if i == id {
				return self, true
			}
			return clone.getRegion(i)
		}
		r.Redirect(mapper)
	}

	// s.maps holds its own references to the same Map regions tracked
	// in s.regions (New appends both); without this, the clone would
	// keep pointing LoadMapFD at the parent's pre-redirect region
	// instead of the freshly cloned one, aliasing map state across
	// branches.
	if len(s.maps) > 0 {
		clone.maps = make([]mapEntry, len(s.maps))
		for i, m := range s.maps {
			clone.maps[i] = m
			if next, ok := clone.getRegion(m.Region.GetID()); ok {
				clone.maps[i].Region = next
			}
		}
	}

	for i, reg := range s.registers {
		v := reg.Clone()
		if v.Pointer != nil {
			if next, ok := clone.getRegion(v.Pointer.GetPointingTo()); ok {
				v.Pointer.Redirect(next)
			}
		}
		clone.registers[i] = v
	}
	return clone
}
