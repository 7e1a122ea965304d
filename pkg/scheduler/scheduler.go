// Package scheduler drives the branch work-list that explores every
// path an analyzed program can take: component F. It owns the shared
// instruction budget (spec §5's concurrency/resource model: one
// verification pass has a single bounded amount of work, not a
// per-branch one, since otherwise branch forking could multiply the
// budget unboundedly) and the LIFO queue of pending branches,
// grounded on analyzer.rs's has_forbidden_state_change loop and
// branch/context.rs's BranchContext.
package scheduler

import (
	"errors"

	"github.com/dylandreimerink/bpfverify/pkg/cfg"
	"github.com/dylandreimerink/bpfverify/pkg/insn"
	"github.com/dylandreimerink/bpfverify/pkg/vm"
)

// ErrBudgetExceeded is returned when the shared instruction budget is
// exhausted before every reachable branch finished, the same
// "unbounded program" failure mode the kernel verifier reports.
var ErrBudgetExceeded = errors.New("instruction budget exceeded")

// pending is one queued branch: its state and the pc it resumes at.
type pending struct {
	state *vm.BranchState
	pc    int
}

// Scheduler drains a work-list of branches, applying Step to each
// instruction in turn and forking the work-list on undecided
// conditional jumps, until every branch has exited or the shared
// instruction budget runs out.
type Scheduler struct {
	instructions []insn.Instruction
	words        []uint64
	graph        *cfg.Graph
	budget       int
	spent        int
	queue        []pending
}

func New(instructions []insn.Instruction, words []uint64, graph *cfg.Graph, budget int) *Scheduler {
	return &Scheduler{instructions: instructions, words: words, graph: graph, budget: budget}
}

// Run explores every branch reachable from the initial state,
// returning the specific branch that first became invalid (if any) so
// the caller can report its pc, messages and registers verbatim, or
// ErrBudgetExceeded if the instruction budget ran out first.
func (s *Scheduler) Run(initial *vm.BranchState) (*vm.BranchState, error) {
	s.queue = append(s.queue, pending{state: initial, pc: 0})
	for len(s.queue) > 0 {
		cur := s.queue[len(s.queue)-1]
		s.queue = s.queue[:len(s.queue)-1]
		cur.state.SetPC(cur.pc)

		for {
			if s.budget > 0 && s.spent >= s.budget {
				return nil, ErrBudgetExceeded
			}
			s.spent++

			pc := cur.state.PC()
			if pc < 0 || pc >= len(s.instructions) {
				cur.state.Invalidate("program counter left the instruction stream")
				return cur.state, nil
			}
			ins := s.instructions[pc]

			var clone *vm.BranchState
			if ins.IsJump() && ins.AluOp() != insn.JmpJA && ins.AluOp() != insn.JmpExit && ins.AluOp() != insn.JmpCall {
				clone = cur.state.Clone()
			}

			var next uint64
			if pc+1 < len(s.words) {
				next = s.words[pc+1]
			}
			fork, exited := cur.state.Step(ins, next)
			if !cur.state.IsValid() {
				// Report the instruction that failed, not the pc Step
				// had already moved on to.
				cur.state.SetPC(pc)
				return cur.state, nil
			}
			if exited {
				break
			}
			if fork != nil && clone != nil {
				clone.ApplyFallthrough(ins)
				s.queue = append(s.queue, pending{state: clone, pc: fork.FallthroughPC})
			}
		}
	}
	return nil, nil
}
