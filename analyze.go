// Package bpfverify is a static analyzer for eBPF bytecode: given a
// raw instruction stream and a description of the helpers and map
// file descriptors a program may reference, it decides whether the
// kernel verifier would accept the program without ever executing it.
// Analyze ties together the four pipeline stages that live in this
// module's sub-packages: pkg/insn decodes and validates the
// instruction words, pkg/cfg builds and checks the control-flow
// graph, pkg/vm supplies the abstract machine state each branch
// carries, and pkg/scheduler drives the branch work-list to
// completion under a shared instruction budget.
package bpfverify

import (
	"fmt"

	"github.com/dylandreimerink/bpfverify/pkg/cfg"
	"github.com/dylandreimerink/bpfverify/pkg/insn"
	"github.com/dylandreimerink/bpfverify/pkg/scheduler"
	"github.com/dylandreimerink/bpfverify/pkg/vm"
)

// MapInfo describes one fd-addressable map a program may reference
// through a BPF_LD_IMM64 with src_reg == BPF_IMM64_MAP_FD.
type MapInfo = vm.MapInfo

// AnalyzerConfig is everything Analyze needs beyond the raw
// instruction stream itself.
type AnalyzerConfig struct {
	// Helpers is indexed by helper id; id 0 is reserved and always
	// invalid, so Helpers[0] is never consulted.
	Helpers []vm.Helper
	// Setup installs the initial register state and any
	// caller-supplied external resources (e.g. "r1 := pointer to CTX
	// of size N") into the entry branch before verification starts.
	Setup func(*vm.BranchState)
	// ProcessedInstructionLimit bounds the cumulative number of
	// instructions dispatched across every branch; zero means
	// unbounded.
	ProcessedInstructionLimit int
	// MapFDCollector resolves a map file descriptor referenced by a
	// wide instruction to its key/value sizes. An fd that the
	// collector can't resolve aborts verification.
	MapFDCollector func(fd int32) (MapInfo, bool)
}

// FunctionInfo describes one subprogram discovered in the verified
// program: currently only its entry point, since Analyze verifies the
// whole instruction stream as a single scheduling pass rather than
// per-function.
type FunctionInfo struct {
	EntryPC int
}

// ProgramInfo is the successful result of Analyze: the set of
// functions in the program plus every map the program referenced by
// fd, resolved through MapFDCollector.
type ProgramInfo struct {
	Functions []FunctionInfo
	Maps      []MapInfo
}

// ErrorKind distinguishes the five families of failure Analyze can
// report, mirroring the verifier's own error taxonomy.
type ErrorKind int

const (
	// IllegalStructure is a block-level problem: an open-ended block
	// or an empty program.
	IllegalStructure ErrorKind = iota
	// IllegalInstruction is a decoded-instruction problem: illegal
	// opcode, illegal register, unused-field non-zero, unaligned
	// jump, a map fd the collector couldn't resolve, and so on.
	IllegalInstruction
	// IllegalGraph marks an unreachable block.
	IllegalGraph
	// IllegalStateChange is an abstract-interpretation failure; Branch
	// carries the offending branch's pc, messages, registers and stack
	// verbatim so callers can render diagnostics.
	IllegalStateChange
	// IllegalContext is a scheduler-level failure, most importantly
	// exceeding the instruction budget.
	IllegalContext
)

func (k ErrorKind) String() string {
	switch k {
	case IllegalStructure:
		return "IllegalStructure"
	case IllegalInstruction:
		return "IllegalInstruction"
	case IllegalGraph:
		return "IllegalGraph"
	case IllegalStateChange:
		return "IllegalStateChange"
	case IllegalContext:
		return "IllegalContext"
	default:
		return "Unknown"
	}
}

// Error is the single error type Analyze returns. PC is -1 when the
// failure isn't tied to one instruction (an empty program, or
// IllegalContext when the instruction budget runs out); IllegalGraph
// reports the start pc of the offending block. Branch is only set for
// IllegalStateChange: the branch_snapshot of the specific branch the
// scheduler was exploring when it became invalid.
type Error struct {
	Kind    ErrorKind
	PC      int
	Message string
	Branch  *vm.Snapshot
}

func (e *Error) Error() string {
	if e.PC < 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %d: %s", e.Kind, e.PC, e.Message)
}

// Analyze decodes, validates and abstractly interprets every
// reachable path through words, returning ProgramInfo on acceptance
// or the first Error the pipeline produced.
func Analyze(words []uint64, config AnalyzerConfig) (ProgramInfo, error) {
	if len(words) == 0 {
		return ProgramInfo{}, &Error{Kind: IllegalStructure, PC: -1, Message: "empty program"}
	}

	instructions, err := insn.DecodeProgram(words)
	if err != nil {
		ie := err.(*insn.Error)
		return ProgramInfo{}, &Error{Kind: IllegalInstruction, PC: ie.PC, Message: ie.Kind + ": " + ie.Message}
	}

	maps, err := resolveMapFDs(instructions, config.MapFDCollector)
	if err != nil {
		return ProgramInfo{}, err
	}

	graph, err := cfg.Build(words, instructions)
	if err != nil {
		ce := err.(*cfg.Error)
		kind := IllegalInstruction
		if ce.Kind == "IllegalGraph" {
			kind = IllegalGraph
		} else if ce.Kind == "BlockOpenEnd" {
			kind = IllegalStructure
		}
		return ProgramInfo{}, &Error{Kind: kind, PC: ce.PC, Message: ce.Message}
	}

	state := vm.New(config.Helpers, maps)
	if config.Setup != nil {
		config.Setup(state)
	}

	sched := scheduler.New(instructions, words, graph, config.ProcessedInstructionLimit)
	failed, err := sched.Run(state)
	if err != nil {
		return ProgramInfo{}, &Error{Kind: IllegalContext, PC: -1, Message: err.Error()}
	}
	if failed != nil {
		snap := failed.Snapshot()
		message := "branch became invalid"
		if len(snap.Messages) > 0 {
			message = snap.Messages[0]
		}
		return ProgramInfo{}, &Error{Kind: IllegalStateChange, PC: snap.PC, Message: message, Branch: &snap}
	}

	return ProgramInfo{Functions: []FunctionInfo{{EntryPC: 0}}, Maps: maps}, nil
}

// resolveMapFDs walks every wide instruction that references a map by
// file descriptor, confirms the collector recognizes it (failing fast,
// as the kernel verifier does for an unresolved map, before any branch
// is scheduled), and returns the de-duplicated set of maps the
// abstract machine should expose via LoadMapFD.
func resolveMapFDs(instructions []insn.Instruction, collector func(int32) (MapInfo, bool)) ([]MapInfo, error) {
	var maps []MapInfo
	seen := make(map[int32]bool)
	for pc, ins := range instructions {
		if !ins.Wide || ins.Src != insn.BPF_IMM64_MAP_FD {
			continue
		}
		fd := int32(ins.Imm64)
		if seen[fd] {
			continue
		}
		if collector == nil {
			return nil, &Error{Kind: IllegalInstruction, PC: pc, Message: "program references a map fd but no map_fd_collector was configured"}
		}
		info, ok := collector(fd)
		if !ok {
			return nil, &Error{Kind: IllegalInstruction, PC: pc, Message: "map fd unresolved"}
		}
		info.FD = fd
		seen[fd] = true
		maps = append(maps, info)
	}
	return maps, nil
}
