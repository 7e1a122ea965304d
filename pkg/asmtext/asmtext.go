// Package asmtext parses the small textual eBPF assembly used by
// spec.md §8's end-to-end scenarios ("mov r0,0; exit",
// "jeq r1,0, +1; ldxdw r0,[r1+0]; exit", ...) into the raw []uint64
// word stream bpfverify.Analyze consumes, using
// github.com/alecthomas/participle/v2 the way the teacher's own
// go.mod pulls it in for declarative grammars -- cilium-coverbee
// never exercises participle against this particular text, so the
// grammar below is this module's own, but the participle.Lexer +
// participle.Build[T]() shape mirrors how the library is meant to be
// used for a small instruction-oriented DSL.
package asmtext

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Program is the parsed form of one textual assembly listing:
// statements separated by ";" or newlines, each a mnemonic followed
// by zero or more comma-separated operands.
type Program struct {
	Statements []*Statement `( @@ ";"* )*`
}

// Statement is one instruction (a mnemonic and its operand list) or,
// when Label is set, a bare "name:" pseudo-statement marking a jump
// target at the current pc.
type Statement struct {
	Op    string     `@Ident`
	Label bool       `( @":"`
	Args  []*Operand `| ( @@ ( "," @@ )* )? )`
}

// Operand is one of: a memory reference "[rN+off]", a bare register
// "rN", or an integer (immediate or jump offset, the lexer already
// folds a leading "+"/"-" into the token).
type Operand struct {
	Mem *MemOperand `  @@`
	Reg *string     `| @Ident`
	Num *int        `| @Int`
}

// MemOperand is a "[base+off]" or "[base-off]" addressing operand.
type MemOperand struct {
	Base string `"[" @Ident`
	Off  int    `@Int "]"`
}

var asmLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Int", Pattern: `[-+]?[0-9]+`},
	{Name: "Punct", Pattern: `[\[\],;:]`},
	{Name: "whitespace", Pattern: `\s+`},
})

var parser = participle.MustBuild[Program](
	participle.Lexer(asmLexer),
	participle.Elide("whitespace", "Comment"),
	participle.UseLookahead(2),
)

// Parse compiles a textual assembly listing into its raw little-
// endian 64-bit word stream, ready for bpfverify.Analyze. A BPF_LD_IMM64
// mnemonic (lddw or lddwfd) produces two words; every other mnemonic
// produces one.
func Parse(src string) ([]uint64, error) {
	prog, err := parser.ParseString("", src)
	if err != nil {
		return nil, fmt.Errorf("asmtext: %w", err)
	}
	var words []uint64
	labels, err := resolveLabels(prog.Statements)
	if err != nil {
		return nil, err
	}
	pc := 0
	for _, st := range prog.Statements {
		enc, err := assemble(st, pc, labels)
		if err != nil {
			return nil, fmt.Errorf("asmtext: statement %d (%s): %w", pc, st.Op, err)
		}
		words = append(words, enc...)
		pc += len(enc)
	}
	return words, nil
}

// resolveLabels supports "name:" pseudo-statements (statements with
// Label set) as jump targets, so "jeq r1,0,done; ...; done:" can be
// written instead of counting raw instruction offsets by hand.
// Non-label statements occupy one word (two for lddw and lddwfd).
func resolveLabels(stmts []*Statement) (map[string]int, error) {
	labels := map[string]int{}
	pc := 0
	for _, st := range stmts {
		if st.Label {
			labels[st.Op] = pc
			continue
		}
		if strings.EqualFold(st.Op, "lddw") || strings.EqualFold(st.Op, "lddwfd") {
			pc += 2
		} else {
			pc++
		}
	}
	return labels, nil
}

func assemble(st *Statement, pc int, labels map[string]int) ([]uint64, error) {
	if st.Label {
		return nil, nil
	}
	enc, ok := mnemonics[strings.ToLower(st.Op)]
	if !ok {
		return nil, fmt.Errorf("unknown mnemonic %q", st.Op)
	}
	return enc(st.Args, pc, labels)
}

func reg(o *Operand) (uint8, error) {
	if o == nil || o.Reg == nil {
		return 0, fmt.Errorf("expected a register operand")
	}
	return parseReg(*o.Reg)
}

func parseReg(s string) (uint8, error) {
	if !strings.HasPrefix(s, "r") && !strings.HasPrefix(s, "R") {
		return 0, fmt.Errorf("not a register: %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n > 10 {
		return 0, fmt.Errorf("invalid register: %q", s)
	}
	return uint8(n), nil
}

func imm(o *Operand) (int32, bool) {
	if o == nil || o.Num == nil {
		return 0, false
	}
	return int32(*o.Num), true
}

func mem(o *Operand) (*MemOperand, error) {
	if o == nil || o.Mem == nil {
		return nil, fmt.Errorf("expected a memory operand")
	}
	return o.Mem, nil
}

func jumpTarget(o *Operand, pc int, labels map[string]int) (int16, error) {
	if o == nil {
		return 0, fmt.Errorf("expected a jump target")
	}
	if o.Num != nil {
		return int16(*o.Num), nil
	}
	if o.Reg != nil {
		if target, ok := labels[*o.Reg]; ok {
			return int16(target - pc - 1), nil
		}
	}
	return 0, fmt.Errorf("unresolved jump target")
}

func encodeWord(opcode, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(opcode) |
		uint64(dst&0x0f)<<8 |
		uint64(src&0x0f)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}
