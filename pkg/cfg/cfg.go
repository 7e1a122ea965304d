// Package cfg builds and validates the control-flow graph of a
// decoded instruction stream: component B of the verifier pipeline,
// grounded on blocks.rs from the original ebpf-analyzer. It runs
// before any abstract interpretation: its only job is to find block
// boundaries, validate jump targets and wide-instruction alignment,
// and check that every block is reachable and none falls off the end
// of the program.
package cfg

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"

	"github.com/dylandreimerink/bpfverify/pkg/insn"
)

// TerminalBlock is the sentinel successor of every BPF_EXIT, standing
// in for "control returns to the caller" without needing a real block
// index.
const TerminalBlock = -1

// Error is the taxonomy of control-flow-graph faults (spec §7's
// IllegalStructure/IllegalGraph families for component B).
type Error struct {
	Kind    string
	PC      int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %d: %s", e.Kind, e.PC, e.Message)
}

// Block is a maximal straight-line run of instructions: [Start, End).
type Block struct {
	Start, End int
	// NoBranch is the block reached by falling through (index into
	// Blocks). -2 ("none") marks a block that ends in an
	// unconditional jump or exit, which has no fallthrough, or one
	// whose fallthrough runs past the end of the program.
	NoBranch int
	// Branch is the block reached by taking a conditional or
	// unconditional jump (index into Blocks, or TerminalBlock for
	// exit), or -2 if the block doesn't end in a jump at all or the
	// jump target is past the end of the program.
	Branch int
}

const noSuccessor = -2

// HasNoBranch reports whether falling off the end of this block
// reaches another block (as opposed to ending in BPF_JA/BPF_EXIT).
func (b Block) HasNoBranch() bool { return b.NoBranch != noSuccessor }

// HasBranch reports whether this block ends in a jump.
func (b Block) HasBranch() bool { return b.Branch != noSuccessor }

// Graph is the validated control-flow graph of a program.
type Graph struct {
	Blocks []Block
	// BlockOf maps an instruction's pc to the index of the block
	// that contains it.
	BlockOf []int
}

// Build validates jump targets/alignment and computes the block
// graph, checking reachability from block 0 and rejecting any block
// that falls open-ended off the end of the program.
func Build(words []uint64, instructions []insn.Instruction) (*Graph, error) {
	if err := checkJumpsAndAlignment(instructions); err != nil {
		return nil, err
	}
	boundaries := blockBoundaries(instructions)
	blocks, blockOf := parseBlocks(instructions, boundaries)
	g := &Graph{Blocks: blocks, BlockOf: blockOf}
	if err := checkReachability(g); err != nil {
		return nil, err
	}
	return g, nil
}

func checkJumpsAndAlignment(instructions []insn.Instruction) error {
	wideInterior := make(map[int]bool, len(instructions))
	for pc, ins := range instructions {
		if ins.Wide {
			wideInterior[pc+1] = true
		}
	}
	for pc, ins := range instructions {
		if wideInterior[pc] {
			// The second word of a wide load is not an instruction of
			// its own.
			continue
		}
		if !ins.IsJump() {
			continue
		}
		op := ins.AluOp()
		if op == insn.JmpCall || op == insn.JmpExit {
			continue
		}
		target := pc + 1 + int(ins.Off)
		if target < 0 || target > len(instructions) {
			return &Error{Kind: "JumpOutOfBounds", PC: pc, Message: "branch target falls outside the program"}
		}
		if wideInterior[target] {
			return &Error{Kind: "WideInstructionInterior", PC: pc, Message: "branch target lands inside the second word of a wide load"}
		}
	}
	return nil
}

// blockBoundaries returns the sorted, de-duplicated set of
// instruction indices that start a new block: pc 0, every jump
// target, and every instruction immediately following a jump/exit.
func blockBoundaries(instructions []insn.Instruction) []int {
	set := map[int]bool{0: true}
	for pc, ins := range instructions {
		if ins.Wide {
			continue
		}
		if !ins.IsJump() {
			continue
		}
		op := ins.AluOp()
		if op != insn.JmpCall {
			set[pc+1] = true
		}
		if op == insn.JmpCall || op == insn.JmpExit {
			continue
		}
		target := pc + 1 + int(ins.Off)
		set[target] = true
	}
	bounds := make([]int, 0, len(set))
	for b := range set {
		if b < len(instructions) {
			bounds = append(bounds, b)
		}
	}
	sort.Ints(bounds)
	return slices.Compact(bounds)
}

func parseBlocks(instructions []insn.Instruction, boundaries []int) ([]Block, []int) {
	blocks := make([]Block, 0, len(boundaries))
	blockOf := make([]int, len(instructions))
	for bi, start := range boundaries {
		end := len(instructions)
		if bi+1 < len(boundaries) {
			end = boundaries[bi+1]
		}
		for pc := start; pc < end; pc++ {
			blockOf[pc] = bi
		}
		blocks = append(blocks, Block{Start: start, End: end, NoBranch: noSuccessor, Branch: noSuccessor})
	}

	indexOf := func(pc int) int {
		if pc >= len(instructions) {
			return noSuccessor
		}
		return blockOf[pc]
	}

	for bi := range blocks {
		last := blocks[bi].End - 1
		if last < blocks[bi].Start {
			continue // empty block, shouldn't happen given boundary construction
		}
		ins := instructions[last]
		if !ins.IsJump() {
			blocks[bi].NoBranch = indexOf(blocks[bi].End)
			continue
		}
		op := ins.AluOp()
		switch op {
		case insn.JmpExit:
			blocks[bi].Branch = TerminalBlock
		case insn.JmpCall:
			blocks[bi].NoBranch = indexOf(blocks[bi].End)
		case insn.JmpJA:
			blocks[bi].Branch = indexOf(last + 1 + int(ins.Off))
		default:
			blocks[bi].Branch = indexOf(last + 1 + int(ins.Off))
			blocks[bi].NoBranch = indexOf(blocks[bi].End)
		}
	}
	return blocks, blockOf
}

func checkReachability(g *Graph) error {
	if len(g.Blocks) == 0 {
		return &Error{Kind: "IllegalGraph", PC: 0, Message: "program has no instructions"}
	}
	seen := make([]bool, len(g.Blocks))
	queue := []int{0}
	seen[0] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		b := g.Blocks[cur]
		for _, succ := range []int{b.NoBranch, b.Branch} {
			if succ == noSuccessor || succ == TerminalBlock {
				continue
			}
			if !seen[succ] {
				seen[succ] = true
				queue = append(queue, succ)
			}
		}
	}
	for i, b := range g.Blocks {
		if !seen[i] {
			return &Error{Kind: "IllegalGraph", PC: b.Start, Message: "block is unreachable from the entry point"}
		}
		if !b.HasBranch() && !b.HasNoBranch() {
			return &Error{Kind: "BlockOpenEnd", PC: b.Start, Message: "block has no successor and does not end in exit"}
		}
	}
	return nil
}
