package asmtext

import (
	"fmt"

	"github.com/dylandreimerink/bpfverify/pkg/insn"
)

// encoder turns one statement's already-parsed operands into its raw
// word encoding (two words for lddw and lddwfd).
type encoder func(args []*Operand, pc int, labels map[string]int) ([]uint64, error)

// opcode packs an instruction class, ALU/jump op and BPF_K/BPF_X
// source selector the way pkg/insn.Decode expects to find them.
func opcode(class, op, src uint8) uint8 {
	return class | src<<3 | op<<4
}

func loadStoreOpcode(class, size, mode uint8) uint8 {
	return class | size<<3 | mode<<5
}

// aluEncoder builds "op rX, rY" / "op rX, IMM" for the 12 two-operand
// ALU mnemonics, in both 64-bit (class ALU64) and 32-bit (class ALU,
// "32" suffixed mnemonic) form.
func aluEncoder(class, op uint8) encoder {
	return func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 operands, got %d", len(args))
		}
		dst, err := reg(args[0])
		if err != nil {
			return nil, err
		}
		if v, ok := imm(args[1]); ok {
			return []uint64{encodeWord(opcode(class, op, insn.SrcK), dst, 0, 0, v)}, nil
		}
		src, err := reg(args[1])
		if err != nil {
			return nil, err
		}
		return []uint64{encodeWord(opcode(class, op, insn.SrcX), dst, src, 0, 0)}, nil
	}
}

// jumpEncoder builds "jOP rX, rY|IMM, target" for the 11 two-operand
// conditional jumps, in both 64-bit and 32-bit (JMP32 class) form.
func jumpEncoder(class, op uint8) encoder {
	return func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("expected 3 operands, got %d", len(args))
		}
		dst, err := reg(args[0])
		if err != nil {
			return nil, err
		}
		target, err := jumpTarget(args[2], pc, labels)
		if err != nil {
			return nil, err
		}
		if v, ok := imm(args[1]); ok {
			return []uint64{encodeWord(opcode(class, op, insn.SrcK), dst, 0, target, v)}, nil
		}
		src, err := reg(args[1])
		if err != nil {
			return nil, err
		}
		return []uint64{encodeWord(opcode(class, op, insn.SrcX), dst, src, target, 0)}, nil
	}
}

func loadxEncoder(size uint8) encoder {
	return func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 operands, got %d", len(args))
		}
		dst, err := reg(args[0])
		if err != nil {
			return nil, err
		}
		m, err := mem(args[1])
		if err != nil {
			return nil, err
		}
		src, err := parseReg(m.Base)
		if err != nil {
			return nil, err
		}
		op := loadStoreOpcode(insn.ClassLdx, size, insn.ModeMem)
		return []uint64{encodeWord(op, dst, src, int16(m.Off), 0)}, nil
	}
}

func storeEncoder(size uint8) encoder {
	return func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 operands, got %d", len(args))
		}
		m, err := mem(args[0])
		if err != nil {
			return nil, err
		}
		dst, err := parseReg(m.Base)
		if err != nil {
			return nil, err
		}
		if v, ok := imm(args[1]); ok {
			op := loadStoreOpcode(insn.ClassSt, size, insn.ModeMem)
			return []uint64{encodeWord(op, dst, 0, int16(m.Off), v)}, nil
		}
		src, err := reg(args[1])
		if err != nil {
			return nil, err
		}
		op := loadStoreOpcode(insn.ClassStx, size, insn.ModeMem)
		return []uint64{encodeWord(op, dst, src, int16(m.Off), 0)}, nil
	}
}

var mnemonics map[string]encoder

func init() {
	mnemonics = map[string]encoder{
		"exit": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			return []uint64{encodeWord(opcode(insn.ClassJmp, insn.JmpExit, 0), 0, 0, 0, 0)}, nil
		},
		"ja": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 operand, got %d", len(args))
			}
			target, err := jumpTarget(args[0], pc, labels)
			if err != nil {
				return nil, err
			}
			return []uint64{encodeWord(opcode(insn.ClassJmp, insn.JmpJA, 0), 0, 0, target, 0)}, nil
		},
		"call": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 operand, got %d", len(args))
			}
			v, ok := imm(args[0])
			if !ok {
				return nil, fmt.Errorf("call target must be a numeric helper id")
			}
			return []uint64{encodeWord(opcode(insn.ClassJmp, insn.JmpCall, 0), 0, insn.CallHelper, 0, v)}, nil
		},
		"callrel": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 operand, got %d", len(args))
			}
			target, err := jumpTarget(args[0], pc, labels)
			if err != nil {
				return nil, err
			}
			return []uint64{encodeWord(opcode(insn.ClassJmp, insn.JmpCall, 0), 0, insn.CallPseudoLocal, 0, int32(target))}, nil
		},
		"neg": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("expected 1 operand, got %d", len(args))
			}
			dst, err := reg(args[0])
			if err != nil {
				return nil, err
			}
			return []uint64{encodeWord(opcode(insn.ClassAlu64, insn.OpNeg, insn.SrcK), dst, 0, 0, 0)}, nil
		},
		"lddw": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("expected 2 operands, got %d", len(args))
			}
			dst, err := reg(args[0])
			if err != nil {
				return nil, err
			}
			v, ok := imm(args[1])
			if !ok {
				return nil, fmt.Errorf("lddw immediate must be numeric")
			}
			op := loadStoreOpcode(insn.ClassLd, insn.SizeDW, insn.ModeImm)
			first := encodeWord(op, dst, insn.Imm64Imm, 0, v)
			second := uint64(0)
			return []uint64{first, second}, nil
		},
		// lddwfd encodes a BPF_LD_IMM64 whose low word's fd operand
		// is resolved against AnalyzerConfig.MapFDCollector rather
		// than taken as a literal 64-bit value.
		"lddwfd": func(args []*Operand, pc int, labels map[string]int) ([]uint64, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("expected 2 operands, got %d", len(args))
			}
			dst, err := reg(args[0])
			if err != nil {
				return nil, err
			}
			v, ok := imm(args[1])
			if !ok {
				return nil, fmt.Errorf("lddwfd fd must be numeric")
			}
			op := loadStoreOpcode(insn.ClassLd, insn.SizeDW, insn.ModeImm)
			first := encodeWord(op, dst, insn.BPF_IMM64_MAP_FD, 0, v)
			second := uint64(0)
			return []uint64{first, second}, nil
		},
	}

	aluMnemonics := map[string]uint8{
		"add": insn.OpAdd, "sub": insn.OpSub, "mul": insn.OpMul, "div": insn.OpDiv,
		"or": insn.OpOr, "and": insn.OpAnd, "lsh": insn.OpLsh, "rsh": insn.OpRsh,
		"mod": insn.OpMod, "xor": insn.OpXor, "mov": insn.OpMov, "arsh": insn.OpArsh,
	}
	for name, op := range aluMnemonics {
		mnemonics[name] = aluEncoder(insn.ClassAlu64, op)
		mnemonics[name+"32"] = aluEncoder(insn.ClassAlu, op)
	}

	jumpMnemonics := map[string]uint8{
		"jeq": insn.JmpJEQ, "jne": insn.JmpJNE, "jgt": insn.JmpJGT, "jge": insn.JmpJGE,
		"jlt": insn.JmpJLT, "jle": insn.JmpJLE, "jsgt": insn.JmpJSGT, "jsge": insn.JmpJSGE,
		"jslt": insn.JmpJSLT, "jsle": insn.JmpJSLE, "jset": insn.JmpJSET,
	}
	for name, op := range jumpMnemonics {
		mnemonics[name] = jumpEncoder(insn.ClassJmp, op)
		mnemonics[name+"32"] = jumpEncoder(insn.ClassJmp32, op)
	}

	sizes := map[string]uint8{"w": insn.SizeW, "h": insn.SizeH, "b": insn.SizeB, "dw": insn.SizeDW}
	for suffix, size := range sizes {
		mnemonics["ldx"+suffix] = loadxEncoder(size)
		mnemonics["st"+suffix] = storeEncoder(size)
		mnemonics["stx"+suffix] = storeEncoder(size)
	}
}
