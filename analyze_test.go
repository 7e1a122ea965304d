package bpfverify

import (
	"strings"
	"testing"

	"github.com/dylandreimerink/bpfverify/pkg/asmtext"
	"github.com/dylandreimerink/bpfverify/pkg/region"
	"github.com/dylandreimerink/bpfverify/pkg/scalar"
	"github.com/dylandreimerink/bpfverify/pkg/vm"
)

// assemble is the shared helper every scenario below uses to go from
// the textual listings spec.md §8 is written in to the raw word
// stream Analyze consumes.
func assemble(t *testing.T, src string) []uint64 {
	t.Helper()
	words, err := asmtext.Parse(src)
	if err != nil {
		t.Fatalf("asmtext.Parse(%q): %v", src, err)
	}
	return words
}

// nullableReadablePointer installs r1 as a nullable, readable pointer
// into an 8-byte dynamic region, the fixture scenarios 3 and 4 share.
func nullableReadablePointer(s *vm.BranchState) {
	d := region.NewDynamic()
	d.SetLimit(scalar.Const64(8))
	s.AddExternalResource(d)
	p := region.NewPointer(region.Readable, d)
	*s.Reg(1) = region.FromPointer(p)
}

func TestExitWithoutReturnValueFails(t *testing.T) {
	words := assemble(t, "exit")
	_, err := Analyze(words, AnalyzerConfig{})
	if err == nil {
		t.Fatal("expected exit with uninitialized r0 to fail")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Kind != IllegalStateChange {
		t.Fatalf("expected IllegalStateChange, got %v", err)
	}
}

func TestMovZeroExitSucceeds(t *testing.T) {
	words := assemble(t, "mov r0, 0; exit")
	if _, err := Analyze(words, AnalyzerConfig{}); err != nil {
		t.Fatalf("Analyze() = %v, want success", err)
	}
}

func TestNullableDereferenceFails(t *testing.T) {
	words := assemble(t, "ldxdw r0, [r1+0]; exit")
	_, err := Analyze(words, AnalyzerConfig{Setup: nullableReadablePointer})
	if err == nil {
		t.Fatal("expected dereference of a possibly-null pointer to fail")
	}
	if _, ok := err.(*Error); !ok || err.(*Error).Kind != IllegalStateChange {
		t.Fatalf("expected IllegalStateChange, got %v", err)
	}
}

// TestIllegalStateChangeReportsFailingBranch guards against reporting
// the wrong branch's pc/snapshot: the entry branch forks on an
// undecided jump, the taken side runs clean to exit while the
// fallthrough side dereferences a possibly-null pointer, so the
// reported failure must describe the fallthrough branch specifically
// -- not the entry branch, which by the time Analyze returns has
// already exited validly at a different, later pc.
func TestIllegalStateChangeReportsFailingBranch(t *testing.T) {
	words := assemble(t, "jeq r2, 0, +2; ldxdw r0, [r1+0]; exit; mov r0, 0; exit")
	setup := func(s *vm.BranchState) {
		nullableReadablePointer(s)
		*s.Reg(2) = region.FromScalar(scalar.Unknown())
	}
	_, err := Analyze(words, AnalyzerConfig{Setup: setup})
	if err == nil {
		t.Fatal("expected the fallthrough branch's dereference to fail")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Kind != IllegalStateChange {
		t.Fatalf("expected IllegalStateChange, got %v", err)
	}
	if ve.Branch == nil {
		t.Fatal("expected a branch snapshot on the error")
	}
	if len(ve.Branch.Messages) == 0 {
		t.Fatal("expected the branch snapshot to carry the invalidation message")
	}
	if ve.PC != ve.Branch.PC {
		t.Fatalf("Error.PC (%d) disagrees with Branch.PC (%d)", ve.PC, ve.Branch.PC)
	}
	// The entry branch's taken side runs mov+exit at pc 3-4 and exits
	// cleanly; the reported pc must belong to the failing fallthrough
	// branch (the ldxdw at pc 1), never the entry branch's final pc.
	if ve.PC == 4 {
		t.Fatalf("reported pc %d belongs to the unrelated, successfully-exited branch", ve.PC)
	}
}

func TestNullCheckRefinesLoadToSafe(t *testing.T) {
	words := assemble(t, "mov r0, 0; jeq r1, 0, +1; ldxdw r0, [r1+0]; exit")
	setup := func(s *vm.BranchState) {
		nullableReadablePointer(s)
	}
	if _, err := Analyze(words, AnalyzerConfig{Setup: setup}); err != nil {
		t.Fatalf("Analyze() = %v, want success (null-check should refine r1 on the fallthrough)", err)
	}
}

// loopProgram is a conditional loop over a runtime-unknown upper
// bound supplied in r1 (somewhere in [0, 64]): r0 counts up from 0 and
// the branch exits once r0 >= r1. Every undecided jge forks another
// branch, so the work done grows with the bound, and the scheduler's
// shared instruction budget decides whether it all fits.
const loopProgram = `
mov r0, 0
loop:
jge r0, r1, +2
add r0, 1
ja loop
exit
`

func loopSetup(s *vm.BranchState) {
	*s.Reg(1) = region.FromScalar(scalar.Range(0, 64))
}

func TestBoundedLoopSucceedsUnderLargeBudget(t *testing.T) {
	words := assemble(t, loopProgram)
	_, err := Analyze(words, AnalyzerConfig{
		Setup:                     loopSetup,
		ProcessedInstructionLimit: 1_000_000,
	})
	if err != nil {
		t.Fatalf("Analyze() = %v, want success under a generous budget", err)
	}
}

func TestBoundedLoopFailsUnderSmallBudget(t *testing.T) {
	words := assemble(t, loopProgram)
	_, err := Analyze(words, AnalyzerConfig{
		Setup:                     loopSetup,
		ProcessedInstructionLimit: 4,
	})
	if err == nil {
		t.Fatal("expected a tiny instruction budget to abort verification")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Kind != IllegalContext {
		t.Fatalf("expected IllegalContext, got %v", err)
	}
}

// resourceHelperConfig wires helper 1 as an allocator and helper 2 as
// its matching release, both of resource kind 1, the fixture scenario
// 6 uses for "allocate, must release before exit".
func resourceHelperConfig() AnalyzerConfig {
	const resKind = 1
	alloc := vm.NewStaticFunctionCall(
		vm.Arguments{},
		vm.ReturnType{Kind: vm.ReturnAllocatedResource, TypeID: resKind},
	)
	release := vm.NewStaticFunctionCall(
		vm.Arguments{{Kind: vm.ResourceType, TypeID: resKind, Op: vm.ResourceDeallocates}},
		vm.ReturnType{Kind: vm.ReturnScalar},
	)
	return AnalyzerConfig{
		Helpers: []vm.Helper{nil, alloc, release},
	}
}

func TestAllocateThenReleaseSucceeds(t *testing.T) {
	words := assemble(t, "call 1; mov r1, r0; call 2; mov r0, 0; exit")
	if _, err := Analyze(words, resourceHelperConfig()); err != nil {
		t.Fatalf("Analyze() = %v, want success", err)
	}
}

func TestAllocateWithoutReleaseFails(t *testing.T) {
	words := assemble(t, "call 1; mov r0, 0; exit")
	_, err := Analyze(words, resourceHelperConfig())
	if err == nil {
		t.Fatal("expected an un-released allocated resource to fail on return")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Kind != IllegalStateChange {
		t.Fatalf("expected IllegalStateChange, got %v", err)
	}
	if !strings.Contains(ve.Message, "resource") {
		t.Fatalf("expected a resource-cleanup message, got %q", ve.Message)
	}
}

func TestEmptyProgramIsIllegalStructure(t *testing.T) {
	_, err := Analyze(nil, AnalyzerConfig{})
	if err == nil {
		t.Fatal("expected an empty instruction stream to fail")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Kind != IllegalStructure {
		t.Fatalf("expected IllegalStructure, got %v", err)
	}
}

// TestJeq32ComparesLowerHalfOnly exercises the JMP32 comparison
// soundness fix end-to-end: r1's upper 32 bits are nonzero, so a
// 64-bit jeq against 5 would reject the branch outright, but jeq32
// must take it since it only compares the low 32 bits.
func TestJeq32ComparesLowerHalfOnly(t *testing.T) {
	words := assemble(t, "jeq32 r1, 5, +1; exit; mov r0, 0; exit")
	setup := func(s *vm.BranchState) {
		*s.Reg(1) = region.FromScalar(scalar.Const64(0x1_0000_0005))
	}
	if _, err := Analyze(words, AnalyzerConfig{Setup: setup}); err != nil {
		t.Fatalf("Analyze() = %v, want success (jeq32 must take the branch on a low-32-bit match)", err)
	}
}

func TestUnresolvedMapFDFails(t *testing.T) {
	words := assemble(t, "lddwfd r1, 0; mov r0, 0; exit")
	_, err := Analyze(words, AnalyzerConfig{})
	if err == nil {
		t.Fatal("expected a map fd load with no collector configured to fail")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Kind != IllegalInstruction {
		t.Fatalf("expected IllegalInstruction, got %v", err)
	}
}
