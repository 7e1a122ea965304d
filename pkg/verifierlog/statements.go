package verifierlog

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/asm"
)

func parseComment(line string) *Comment {
	return &Comment{Comment: strings.TrimPrefix(line, "; ")}
}

// Comment usually carries the original source line the instructions
// below it were compiled from. Example: "; if (data + nh_off > data_end)"
type Comment struct{ Comment string }

func (c *Comment) String() string { return fmt.Sprintf("; %s", c.Comment) }
func (c *Comment) verifierStmt()  {}

var recapStateRegex = regexp.MustCompile(`^(\d+): ?(.*)`)

func parseRecapState(line string) Statement {
	match := recapStateRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "recap state: no match"}
	}
	instNr, _ := strconv.Atoi(match[1])
	return &RecapState{InstructionNumber: instNr, State: *parseVerifierState(match[2])}
}

// RecapState is the verifier restating its current position and state
// without having just evaluated an instruction there, emitted when it
// switches to evaluate another permutation.
// Example: "0: R1=ctx(id=0,off=0,imm=0) R10=fp0"
type RecapState struct {
	InstructionNumber int
	State             VerifierState
}

func (is *RecapState) String() string { return fmt.Sprintf("%d: %s", is.InstructionNumber, is.State.String()) }
func (is *RecapState) verifierStmt()  {}

var instructionStateRegex = regexp.MustCompile(`^(\d+): \(([0-9a-f]{2})\)([^;]+);(.*)`)

func parseInstructionState(line string) Statement {
	match := instructionStateRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "instruction state: no match"}
	}
	instNr, _ := strconv.Atoi(match[1])
	opcode, err := hex.DecodeString(match[2])
	if err != nil {
		return &LogError{Msg: fmt.Sprintf("decode opcode hex: %s", err)}
	}
	return &InstructionState{
		Instruction: Instruction{InstructionNumber: instNr, Opcode: asm.OpCode(opcode[0]), Assembly: match[3]},
		State:       *parseVerifierState(match[4]),
	}
}

// InstructionState is an instruction and the state right after it was
// evaluated. Example: "0: (b7) r6 = 1; R6_w=invP1"
type InstructionState struct {
	Instruction
	State VerifierState
}

func (is *InstructionState) String() string {
	return fmt.Sprintf("%d: (%02x)%s; %s", is.InstructionNumber, byte(is.Opcode), is.Assembly, is.State.String())
}
func (is *InstructionState) verifierStmt() {}

var instructionRegex = regexp.MustCompile(`^(\d+): \(([0-9a-f]{2})\)([^;]+)`)

func parseInstruction(line string) Statement {
	match := instructionRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "instruction: no match"}
	}
	instNr, _ := strconv.Atoi(match[1])
	opcode, err := hex.DecodeString(match[2])
	if err != nil {
		return &LogError{Msg: fmt.Sprintf("decode opcode hex: %s", err)}
	}
	return &Instruction{InstructionNumber: instNr, Opcode: asm.OpCode(opcode[0]), Assembly: match[3]}
}

func (is *Instruction) String() string {
	return fmt.Sprintf("%d: (%02x)%s", is.InstructionNumber, byte(is.Opcode), is.Assembly)
}
func (is *Instruction) verifierStmt() {}

// Instruction is the decoded-opcode/assembly pair the verifier prints
// for every instruction it evaluates. Example: "22: (85) call pc+4"
type Instruction struct {
	InstructionNumber int
	Opcode            asm.OpCode
	Assembly          string
}

var subProgLocRegex = regexp.MustCompile(`^func#(\d+) @(\d+)`)

func parseSubProgLocation(line string) Statement {
	match := subProgLocRegex.FindStringSubmatch(line)
	if len(match) != 3 {
		return &LogError{Msg: "subprog location: no match"}
	}
	progID, _ := strconv.Atoi(match[1])
	instNum, _ := strconv.Atoi(match[2])
	return &SubProgLocation{ProgID: progID, StartInstruction: instNum}
}

// SubProgLocation states the location of a subprogram.
// Example: "func#3 @85"
type SubProgLocation struct {
	ProgID           int
	StartInstruction int
}

func (spl *SubProgLocation) String() string { return fmt.Sprintf("func#%d @%d", spl.ProgID, spl.StartInstruction) }
func (spl *SubProgLocation) verifierStmt()  {}

func parsePropagatePrecision(line string) Statement {
	line = strings.TrimPrefix(line, "propagating ")
	if strings.HasPrefix(line, "r") {
		regInt, _ := strconv.Atoi(strings.TrimPrefix(line, "r"))
		reg := asm.Register(regInt)
		return &PropagatePrecision{Register: &reg}
	}
	offset, _ := strconv.Atoi(strings.TrimPrefix(line, "fp-"))
	return &PropagatePrecision{Offset: offset}
}

// PropagatePrecision marks the verifier propagating the precision of a
// register or stack slot into another state. Example: "propagating r6"
type PropagatePrecision struct {
	Register *asm.Register
	Offset   int
}

func (pp *PropagatePrecision) String() string {
	if pp.Register != nil {
		return fmt.Sprintf("propagating r%d", uint8(*pp.Register))
	}
	return fmt.Sprintf("propagating fp-%d", pp.Offset)
}
func (pp *PropagatePrecision) verifierStmt() {}

var statePrunedRegex = regexp.MustCompile(`^(?:from )?(\d+)(?: to (\d+))?: safe`)

func parseStatePruned(line string) Statement {
	match := statePrunedRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "state pruned: no match"}
	}
	from, _ := strconv.Atoi(match[1])
	if match[2] == "" {
		return &StatePruned{From: from, To: from}
	}
	to, _ := strconv.Atoi(match[2])
	return &StatePruned{From: from, To: to}
}

// StatePruned means the verifier considers one permutation safe and
// will prune it from memory instead of exploring it further.
// Example: "25: safe" or "from 42 to 57: safe"
type StatePruned struct {
	From int
	To   int
}

func (sp *StatePruned) String() string {
	if sp.From == sp.To {
		return fmt.Sprintf("%d: safe", sp.From)
	}
	return fmt.Sprintf("from %d to %d: safe", sp.From, sp.To)
}
func (sp *StatePruned) verifierStmt() {}

var branchEvaluationRegex = regexp.MustCompile(`^from (\d+) to (\d+): (.*)`)

func parseBranchEvaluation(line string) Statement {
	match := branchEvaluationRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "branch evaluation: no match"}
	}
	from, _ := strconv.Atoi(match[1])
	to, _ := strconv.Atoi(match[2])
	return &BranchEvaluation{From: from, To: to, State: parseVerifierState(match[3])}
}

// BranchEvaluation marks the verifier switching state to evaluate
// another permutation starting at To.
type BranchEvaluation struct {
	From  int
	To    int
	State *VerifierState
}

func (be *BranchEvaluation) String() string {
	return fmt.Sprintf("from %d to %d: %s", be.From, be.To, be.State.String())
}
func (be *BranchEvaluation) verifierStmt() {}

var backTrackingHeaderRegex = regexp.MustCompile(`^last_idx (\d+) first_idx (\d+)`)

func parseBackTrackingHeader(line string) Statement {
	match := backTrackingHeaderRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "backtracking header: no match"}
	}
	last, _ := strconv.Atoi(match[1])
	first, _ := strconv.Atoi(match[2])
	return &BackTrackingHeader{Last: last, First: first}
}

// BackTrackingHeader opens a backtracking sequence, followed by
// BackTrackInstruction and BackTrackingTrailer statements.
// Example: "last_idx 26 first_idx 20"
type BackTrackingHeader struct {
	Last  int
	First int
}

func (bt *BackTrackingHeader) String() string { return fmt.Sprintf("last_idx %d first_idx %d", bt.Last, bt.First) }
func (bt *BackTrackingHeader) verifierStmt()  {}

var backTrackInstructionRegex = regexp.MustCompile(`^regs=([0-9a-fA-F]+) stack=(\d+) before (.*)`)

func parseBackTrackInstruction(line string) Statement {
	match := backTrackInstructionRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "backtrack instruction: no match"}
	}
	regs, _ := hex.DecodeString(match[1])
	stack, _ := strconv.ParseInt(match[2], 10, 64)
	instruction := parseInstruction(match[3])
	ins, ok := instruction.(*Instruction)
	if !ok {
		return instruction
	}
	return &BackTrackInstruction{Regs: regs, Stack: stack, Instruction: ins}
}

// BackTrackInstruction records one instruction the verifier
// backtracked over. Example: "regs=4 stack=0 before 25: (bf) r1 = r0"
type BackTrackInstruction struct {
	Regs        []byte
	Stack       int64
	Instruction *Instruction
}

func (bt *BackTrackInstruction) String() string {
	return fmt.Sprintf("regs=%x stack=%d before %s", bt.Regs, bt.Stack, bt.Instruction.String())
}
func (bt *BackTrackInstruction) verifierStmt() {}

var backTrackingTrailerRegex = regexp.MustCompile(`parent (didn't have|already had) regs=([0-9a-fA-F]+) stack=(\d+) marks:? ?(.*)?`)

func parseBacktrackingTrailer(line string) Statement {
	match := backTrackingTrailerRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "backtracking trailer: no match"}
	}
	regs, _ := hex.DecodeString(match[2])
	stack, _ := strconv.ParseInt(match[3], 10, 64)
	return &BackTrackingTrailer{
		ParentMatch:   match[1] == "already had",
		Regs:          regs,
		Stack:         stack,
		VerifierState: parseVerifierState(match[4]),
	}
}

// BackTrackingTrailer closes a backtracking sequence.
// Example: "parent didn't have regs=4 stack=0 marks" or
// "parent already had regs=2a stack=0 marks"
type BackTrackingTrailer struct {
	ParentMatch   bool
	Regs          []byte
	Stack         int64
	VerifierState *VerifierState
}

func (bt *BackTrackingTrailer) String() string {
	verb := "didn't have"
	if bt.ParentMatch {
		verb = "already had"
	}
	return fmt.Sprintf("parent %s regs=%x stack=%d marks: %s", verb, bt.Regs, bt.Stack, bt.VerifierState.String())
}
func (bt *BackTrackingTrailer) verifierStmt() {}

var loadSuccessRegex = regexp.MustCompile(`processed (\d+) insns \(limit (\d+)\) max_states_per_insn (\d+) total_states (\d+) peak_states (\d+) mark_read (\d+)`)

func parseLoadSuccess(line string) Statement {
	match := loadSuccessRegex.FindStringSubmatch(line)
	if len(match) == 0 {
		return &LogError{Msg: "load success: no match"}
	}
	instProcessed, _ := strconv.Atoi(match[1])
	instLimit, _ := strconv.Atoi(match[2])
	maxStatesPerInst, _ := strconv.Atoi(match[3])
	totalStates, _ := strconv.Atoi(match[4])
	peakStates, _ := strconv.Atoi(match[5])
	markRead, _ := strconv.Atoi(match[6])
	return &VerifierDone{
		InstructionsProcessed: instProcessed,
		InstructionLimit:      instLimit,
		MaxStatesPerInst:      maxStatesPerInst,
		TotalStates:           totalStates,
		PeakStates:            peakStates,
		MarkRead:              markRead,
	}
}

// VerifierDone reports the kernel verifier finished, successfully or
// not. Example: "processed 520 insns (limit 1000000) max_states_per_insn 1
// total_states 46 peak_states 46 mark_read 7"
type VerifierDone struct {
	InstructionsProcessed int
	InstructionLimit      int
	MaxStatesPerInst      int
	TotalStates           int
	PeakStates            int
	MarkRead              int
}

func (ls *VerifierDone) String() string {
	return fmt.Sprintf(
		"processed %d insns (limit %d) max_states_per_insn %d total_states %d peak_states %d mark_read %d",
		ls.InstructionsProcessed, ls.InstructionLimit, ls.MaxStatesPerInst, ls.TotalStates, ls.PeakStates, ls.MarkRead,
	)
}
func (ls *VerifierDone) verifierStmt() {}

func parseFunctionCall(firstLine string, scan *bufio.Scanner) Statement {
	if strings.TrimSpace(firstLine) != "caller:" {
		return &LogError{Msg: "function call: expected \"caller:\""}
	}
	if !scan.Scan() {
		return &LogError{Msg: "function call: truncated"}
	}
	callerState := parseVerifierState(scan.Text())

	if !scan.Scan() || strings.TrimSpace(scan.Text()) != "callee:" {
		return &LogError{Msg: "function call: expected \"callee:\""}
	}
	if !scan.Scan() {
		return &LogError{Msg: "function call: truncated"}
	}
	calleeState := parseVerifierState(scan.Text())

	return &FunctionCall{CallerState: callerState, CalleeState: calleeState}
}

// FunctionCall marks the verifier following a bpf-to-bpf call.
// Example:
//
//	caller:
//	 frame1: R6=pkt(id=0,off=54,r=74,imm=0) R10=fp0
//	callee:
//	 frame2: R1_w=pkt(id=0,off=54,r=74,imm=0) R10=fp0
type FunctionCall struct {
	CallerState *VerifierState
	CalleeState *VerifierState
}

func (fc *FunctionCall) String() string {
	return fmt.Sprintf("caller:\n%s\ncallee:\n%s", fc.CallerState.String(), fc.CalleeState.String())
}
func (fc *FunctionCall) verifierStmt() {}

var returnFuncCallRegex = regexp.MustCompile(`^to caller at (\d+):`)

func parseReturnFunctionCall(firstLine string, scan *bufio.Scanner) Statement {
	if strings.TrimSpace(firstLine) != "returning from callee:" {
		return &LogError{Msg: "return function call: expected \"returning from callee:\""}
	}
	if !scan.Scan() {
		return &LogError{Msg: "return function call: truncated"}
	}
	calleeState := parseVerifierState(scan.Text())

	if !scan.Scan() {
		return &LogError{Msg: "return function call: truncated"}
	}
	match := returnFuncCallRegex.FindStringSubmatch(scan.Text())
	if len(match) == 0 {
		return &LogError{Msg: "return function call: expected \"to caller at N:\""}
	}
	callsite, _ := strconv.Atoi(match[1])

	if !scan.Scan() {
		return &LogError{Msg: "return function call: truncated"}
	}
	callerState := parseVerifierState(scan.Text())

	return &ReturnFunctionCall{CalleeState: calleeState, CallSite: callsite, CallerState: callerState}
}

// ReturnFunctionCall marks the verifier evaluating a return from a
// bpf-to-bpf call.
// Example:
//
//	returning from callee:
//	 frame2: R0=map_value(id=0,off=0,ks=1,vs=16,imm=0) R10=fp0
//	to caller at 156:
//	 frame1: R0=map_value(id=0,off=0,ks=1,vs=16,imm=0) R10=fp0
type ReturnFunctionCall struct {
	CallerState *VerifierState
	CallSite    int
	CalleeState *VerifierState
}

func (rfc *ReturnFunctionCall) String() string {
	return fmt.Sprintf(
		"returning from callee:\n%s\nto caller at %d:\n%s",
		rfc.CalleeState.String(), rfc.CallSite, rfc.CallerState.String(),
	)
}
func (rfc *ReturnFunctionCall) verifierStmt() {}
