package insn

import "testing"

func encode(opcode, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(opcode) |
		uint64(dst&0x0f)<<8 |
		uint64(src&0x0f)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

func FuzzDecodeRoundTrip(f *testing.F) {
	f.Add(uint8(ClassAlu64|OpAdd<<4), uint8(3), uint8(4), int16(0), int32(7))
	f.Add(uint8(ClassJmp|JmpJEQ<<4|SrcX<<3), uint8(1), uint8(2), int16(-5), int32(0))
	f.Fuzz(func(t *testing.T, opcode, dst, src uint8, off int16, imm int32) {
		dst &= 0x0f
		src &= 0x0f
		word := encode(opcode, dst, src, off, imm)
		got := Decode(word)
		if got.Opcode != opcode || got.Dst != dst || got.Src != src || got.Off != off || got.Imm != imm {
			t.Fatalf("decode(encode(...)) mismatch: got %+v", got)
		}
	})
}

func TestValidateRegisterOutOfRange(t *testing.T) {
	ins := Decode(encode(ClassAlu64|OpMov<<4|SrcX<<3, 11, 0, 0, 0))
	if err := Validate(0, ins, 1); err == nil {
		t.Fatal("expected an error for dst register 11")
	}
}

func TestValidateAluReservedBits(t *testing.T) {
	// BPF_K source must have src_reg == 0.
	ins := Decode(encode(ClassAlu64|OpAdd<<4|SrcK<<3, 0, 3, 0, 1))
	if err := Validate(0, ins, 1); err == nil {
		t.Fatal("expected an error for a nonzero src_reg on a BPF_K ALU op")
	}
}

func TestValidateExitReservedBits(t *testing.T) {
	ins := Decode(encode(ClassJmp|JmpExit<<4, 0, 0, 0, 1))
	if err := Validate(0, ins, 1); err == nil {
		t.Fatal("expected an error for a nonzero imm on BPF_EXIT")
	}
}

func TestValidateJumpOutOfBounds(t *testing.T) {
	ins := Decode(encode(ClassJmp|JmpJA<<4, 0, 0, 100, 0))
	if err := Validate(0, ins, 5); err == nil {
		t.Fatal("expected an error for a jump target outside the program")
	}
}

func TestValidateAtomicInvalidImmediate(t *testing.T) {
	ins := Decode(encode(ClassStx|SizeDW<<3|ModeAtomic<<5, 0, 0, 0, 0x77))
	if err := Validate(0, ins, 1); err == nil {
		t.Fatal("expected an error for an unrecognized atomic sub-opcode")
	}
}

func TestDecodeProgramCombinesWideLoad(t *testing.T) {
	first := encode(ClassLd|SizeDW<<3|ModeImm<<5, 1, Imm64Imm, 0, 0x1234)
	second := encode(0, 0, 0, 0, 0x5678)
	instructions, err := DecodeProgram([]uint64{first, second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := int64(0x5678<<32 | 0x1234)
	if instructions[0].Imm64 != want {
		t.Fatalf("Imm64 = %#x, want %#x", instructions[0].Imm64, want)
	}
}

func TestDecodeProgramRejectsTruncatedWideLoad(t *testing.T) {
	first := encode(ClassLd|SizeDW<<3|ModeImm<<5, 1, Imm64Imm, 0, 0x1234)
	if _, err := DecodeProgram([]uint64{first}); err == nil {
		t.Fatal("expected an error for a wide load missing its second word")
	}
}
