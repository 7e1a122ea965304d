// Package verifierlog gives this module's analysis something to be
// checked against: it parses the verbose, line-oriented diagnostic
// log the kernel's own verifier prints (BPF_LOG_LEVEL=2) into the
// same structured statements and per-instruction register/stack
// states cmd/bpfverify's compare subcommand lines up against a
// bpfverify.Analyze run, via FromBranchState. Grounded on the
// teacher's pkg/verifierlog, which exists for exactly this job in
// coverbee's own coverage pipeline (matching instrumented block
// offsets back to source); this module repurposes the same
// line-format knowledge for diffing two independent verifications of
// the same program instead.
package verifierlog

import (
	"bufio"
	"strings"
)

// ParseLog parses the verbose output of the kernel eBPF verifier,
// returning every statement in the order it appeared in the log.
func ParseLog(log string) []Statement {
	scan := bufio.NewScanner(strings.NewReader(log))
	statements := make([]Statement, 0)
	for scan.Scan() {
		if stmt := parseStatement(scan); stmt != nil {
			statements = append(statements, stmt)
		}
	}
	return statements
}

// MergedPerInstruction parses log and merges the register and stack
// states the verifier reports for every permutation it considers,
// indexed by instruction number. The result isn't meaningful for its
// exact values (a later permutation overwrites an earlier one); it's
// useful to see which registers and stack slots the verifier ever
// touches at a given instruction.
func MergedPerInstruction(log string) []VerifierState {
	scan := bufio.NewScanner(strings.NewReader(log))
	states := make([]VerifierState, 0)

	var cur VerifierState
	for scan.Scan() {
		stmt := parseStatement(scan)
		if stmt == nil {
			continue
		}
		switch stmt := stmt.(type) {
		case *RecapState:
			cur.merge(stmt.State)
		case *ReturnFunctionCall:
			cur = *stmt.CallerState
		case *BranchEvaluation:
			cur = *stmt.State
		case *Instruction:
			states = applyAt(states, stmt.InstructionNumber, cur)
		case *InstructionState:
			states = applyAt(states, stmt.InstructionNumber, VerifierState{})
			cur.merge(stmt.State)
			states[stmt.InstructionNumber].merge(cur)
		}
	}
	return states
}

// applyAt grows states to hold index i and merges s into it in place.
func applyAt(states []VerifierState, i int, s VerifierState) []VerifierState {
	if i >= len(states) {
		states = append(states, make([]VerifierState, 1+i-len(states))...)
	}
	states[i].merge(s)
	return states
}

func parseStatement(scan *bufio.Scanner) Statement {
	line := scan.Text()
	if line == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(line, ";"):
		return parseComment(line)
	case strings.HasPrefix(line, "func#"):
		return parseSubProgLocation(line)
	case strings.HasPrefix(line, "propagating"):
		return parsePropagatePrecision(line)
	case strings.HasPrefix(line, "last_idx"):
		return parseBackTrackingHeader(line)
	case strings.HasPrefix(line, "caller"):
		return parseFunctionCall(line, scan)
	case strings.HasPrefix(line, "returning from callee"):
		return parseReturnFunctionCall(line, scan)
	case statePrunedRegex.MatchString(line):
		return parseStatePruned(line)
	case instructionStateRegex.MatchString(line):
		return parseInstructionState(line)
	case instructionRegex.MatchString(line):
		return parseInstruction(line)
	case recapStateRegex.MatchString(line):
		return parseRecapState(line)
	case branchEvaluationRegex.MatchString(line):
		return parseBranchEvaluation(line)
	case backTrackInstructionRegex.MatchString(line):
		return parseBackTrackInstruction(line)
	case backTrackingTrailerRegex.MatchString(line):
		return parseBacktrackingTrailer(line)
	case loadSuccessRegex.MatchString(line):
		return parseLoadSuccess(line)
	default:
		return &Unknown{Log: line}
	}
}

// Statement is one parsed line (or group of lines) of a verifier log.
type Statement interface {
	String() string
	verifierStmt()
}

// Unknown is a line parseStatement didn't recognize.
type Unknown struct{ Log string }

func (u *Unknown) String() string { return u.Log }
func (u *Unknown) verifierStmt()  {}

// LogError reports a malformed statement the parser gave up on.
type LogError struct{ Msg string }

func (e *LogError) String() string { return e.Msg }
func (e *LogError) Error() string  { return e.Msg }
func (e *LogError) verifierStmt()  {}
