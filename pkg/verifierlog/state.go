package verifierlog

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/asm"
)

// Liveness indicates the liveness of a register or stack slot.
type Liveness int

const (
	LivenessNone Liveness = iota
	LivenessRead
	LivenessWritten
	LivenessDone
)

func (l Liveness) suffix() string {
	switch l {
	case LivenessRead:
		return "_r"
	case LivenessWritten:
		return "_w"
	case LivenessDone:
		return "_D"
	default:
		return ""
	}
}

// RegType is the base type a register or stack slot's value was
// classified as; the high bits carry qualifiers (maybe-null, readonly,
// allocated, ...) orthogonal to the base type.
type RegType int

const (
	RegTypeNotInit RegType = iota
	RegTypeScalarValue
	RegTypePtrToCtx
	RegTypeConstPtrToMap
	RegTypeMapValue
	RegTypePtrToStack
	RegTypePtrToPacket
	RegTypePtrToPacketMeta
	RegTypePtrToPacketEnd
	RegTypePtrToFlowKeys
	RegTypePtrToSock
	RegTypePtrToSockCommon
	RegTypePtrToTCPSock
	RegTypePtrToTPBuf
	RegTypePtrToXDPSock
	RegTypePtrToBTFID
	RegTypePtrToMem
	RegTypePtrToBuf
	RegTypePtrToFunc
	RegTypePtrToMapKey
)

const (
	RegTypeBaseType RegType = 0xFF

	RegTypePtrMaybeNull RegType = 1 << (8 + iota)
	RegTypeMemReadonly
	RegTypeMemAlloc
	RegTypeMemUser
	RegTypeMemPreCPU
)

var rtToString = map[RegType]string{
	RegTypeNotInit:         "?",
	RegTypeScalarValue:     "scalar",
	RegTypePtrToCtx:        "ctx",
	RegTypeConstPtrToMap:   "map_ptr",
	RegTypePtrToMapKey:     "map_key",
	RegTypeMapValue:        "map_value",
	RegTypePtrToStack:      "fp",
	RegTypePtrToPacket:     "pkt",
	RegTypePtrToPacketMeta: "pkt_meta",
	RegTypePtrToPacketEnd:  "pkt_end",
	RegTypePtrToFlowKeys:   "flow_keys",
	RegTypePtrToSock:       "sock",
	RegTypePtrToSockCommon: "sock_common",
	RegTypePtrToTCPSock:    "tcp_sock",
	RegTypePtrToTPBuf:      "tp_buffer",
	RegTypePtrToXDPSock:    "xdp_sock",
	RegTypePtrToBTFID:      "ptr_",
	RegTypePtrToMem:        "mem",
	RegTypePtrToBuf:        "buf",
	RegTypePtrToFunc:       "func",
}

var stringToRT = map[string]RegType{
	"inv": RegTypeScalarValue, "scalar": RegTypeScalarValue,
	"ctx": RegTypePtrToCtx, "map_ptr": RegTypeConstPtrToMap, "map_key": RegTypePtrToMapKey,
	"map_value": RegTypeMapValue, "fp": RegTypePtrToStack,
	"pkt": RegTypePtrToPacket, "pkt_meta": RegTypePtrToPacketMeta, "pkt_end": RegTypePtrToPacketEnd,
	"flow_keys": RegTypePtrToFlowKeys, "sock": RegTypePtrToSock, "sock_common": RegTypePtrToSockCommon,
	"tcp_sock": RegTypePtrToTCPSock, "tp_buffer": RegTypePtrToTPBuf, "xdp_sock": RegTypePtrToXDPSock,
	"ptr_": RegTypePtrToBTFID, "mem": RegTypePtrToMem, "buf": RegTypePtrToBuf, "func": RegTypePtrToFunc,
}

func (rt RegType) String() string {
	var sb strings.Builder
	if rt&RegTypeMemReadonly != 0 {
		sb.WriteString("rdonly_")
	}
	if rt&RegTypeMemAlloc != 0 {
		sb.WriteString("alloc_")
	}
	if rt&RegTypeMemUser != 0 {
		sb.WriteString("user_")
	}
	if rt&RegTypeMemPreCPU != 0 {
		sb.WriteString("per_cpu_")
	}
	sb.WriteString(rtToString[rt&RegTypeBaseType])
	if rt&RegTypePtrMaybeNull != 0 {
		if rt&RegTypeBaseType == RegTypePtrToBTFID {
			sb.WriteString("or_null_")
		} else {
			sb.WriteString("_or_null_")
		}
	}
	return sb.String()
}

func parseRegisterType(line string) (RegType, bool, string) {
	var typ RegType
	precise := false

	for {
		switch {
		case strings.HasPrefix(line, "rdonly_"):
			typ |= RegTypeMemReadonly
			line = strings.TrimPrefix(line, "rdonly_")
		case strings.HasPrefix(line, "alloc_"):
			typ |= RegTypeMemAlloc
			line = strings.TrimPrefix(line, "alloc_")
		case strings.HasPrefix(line, "user_"):
			typ |= RegTypeMemUser
			line = strings.TrimPrefix(line, "user_")
		case strings.HasPrefix(line, "per_cpu_"):
			typ |= RegTypeMemPreCPU
			line = strings.TrimPrefix(line, "per_cpu_")
		default:
			goto qualifiersDone
		}
	}
qualifiersDone:

	if strings.HasPrefix(line, "P") {
		precise = true
		line = strings.TrimPrefix(line, "P")
	}

	// Longest name first so e.g. "map_value" doesn't get cut short by a
	// shorter prefix match.
	names := make([]string, 0, len(stringToRT))
	for name := range stringToRT {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		if strings.HasPrefix(line, name) {
			typ |= stringToRT[name]
			line = strings.TrimPrefix(line, name)
			break
		}
	}

	if strings.HasPrefix(line, "or_null_") {
		typ |= RegTypePtrMaybeNull
		line = strings.TrimPrefix(line, "or_null_")
	} else if strings.HasPrefix(line, "_or_null_") {
		typ |= RegTypePtrMaybeNull
		line = strings.TrimPrefix(line, "_or_null_")
	}

	if strings.HasPrefix(line, "P") {
		precise = true
		line = strings.TrimPrefix(line, "P")
	}

	return typ, precise, line
}

// TNum is the kernel's own tracked-number encoding as it appears in
// verifier log output: value/mask, distinct from pkg/tnum.Tnum
// (unsigned) because the kernel prints these as signed hex pairs.
type TNum struct {
	Value int64
	Mask  int64
}

func (t TNum) isConst() bool   { return t.Mask == 0 }
func (t TNum) isUnknown() bool { return t.Mask == math.MaxInt64 }

// RegisterValue is the value part of a register or spilled-stack-slot
// state, the part after the "=".
// Example: "invP(id=2,umax_value=255,var_off=(0x0; 0xff))"
type RegisterValue struct {
	Type      RegType
	Off       int32
	ID        int
	RefObjID  int
	Range     int
	KeySize   int
	ValueSize int
	Precise   bool
	VarOff    TNum

	SMinValue int64
	SMaxValue int64
	UMinValue uint64
	UMaxValue uint64

	S32MinValue int32
	S32MaxValue int32
	U32MinValue uint32
	U32MaxValue uint32

	BTFName string
}

func parseRegisterValue(line string) *RegisterValue {
	var val RegisterValue
	line = strings.TrimSpace(line)

	val.Type, val.Precise, line = parseRegisterType(line)

	if val.Type == RegTypeScalarValue {
		if varOff, err := strconv.Atoi(line); err == nil {
			val.VarOff.Value = int64(varOff)
			return &val
		}
	}

	line = strings.TrimSuffix(strings.TrimPrefix(line, "("), ")")
	for _, pair := range strings.Split(line, ",") {
		eq := strings.Index(pair, "=")
		if eq == -1 {
			continue
		}
		key, valStr := pair[:eq], pair[eq+1:]
		intVal, _ := strconv.ParseInt(valStr, 10, 64)
		uintVal, _ := strconv.ParseUint(valStr, 10, 64)

		switch key {
		case "id":
			val.ID = int(intVal)
		case "ref_obj_id":
			val.RefObjID = int(intVal)
		case "off":
			val.Off = int32(intVal)
		case "r":
			val.Range = int(intVal)
		case "ks":
			val.KeySize = int(intVal)
		case "vs":
			val.ValueSize = int(intVal)
		case "imm":
			val.VarOff.Value = intVal
		case "smin":
			val.SMinValue = intVal
		case "smax":
			val.SMaxValue = intVal
		case "umin":
			val.UMinValue = uintVal
		case "umax":
			val.UMaxValue = uintVal
		case "s32_min":
			val.S32MinValue = int32(intVal)
		case "s32_max":
			val.S32MaxValue = int32(intVal)
		case "u32_min":
			val.U32MinValue = uint32(uintVal)
		case "u32_max":
			val.U32MaxValue = uint32(uintVal)
		case "var_off":
			semi := strings.Index(valStr, ";")
			close := strings.Index(valStr, ")")
			if semi != -1 && close != -1 {
				val.VarOff.Value, _ = strconv.ParseInt(valStr[1:semi], 16, 64)
				val.VarOff.Mask, _ = strconv.ParseInt(strings.TrimSpace(valStr[semi+1:close]), 16, 64)
			}
		}
	}
	return &val
}

func (rv RegisterValue) String() string {
	var sb strings.Builder
	baseType := rv.Type & RegTypeBaseType

	if rv.Type == RegTypeScalarValue && rv.Precise {
		sb.WriteString("P")
	}

	if (rv.Type == RegTypeScalarValue || rv.Type == RegTypePtrToStack) && rv.VarOff.isConst() {
		if rv.Type == RegTypeScalarValue {
			fmt.Fprintf(&sb, "%d", rv.VarOff.Value+int64(rv.Off))
		} else {
			sb.WriteString(rv.Type.String())
		}
		return sb.String()
	}

	sb.WriteString(rv.Type.String())
	if baseType == RegTypePtrToBTFID {
		sb.WriteString(rv.BTFName)
	}
	sb.WriteString("(")

	var args []string
	if rv.ID != 0 {
		args = append(args, fmt.Sprintf("id=%d", rv.ID))
	}
	if baseType == RegTypePtrToSock || baseType == RegTypePtrToTCPSock || baseType == RegTypePtrToMem {
		args = append(args, fmt.Sprintf("ref_obj_id=%d", rv.RefObjID))
	}
	if baseType != RegTypeScalarValue {
		args = append(args, fmt.Sprintf("off=%d", rv.Off))
	}
	if baseType == RegTypePtrToPacket || baseType == RegTypePtrToPacketMeta {
		args = append(args, fmt.Sprintf("r=%d", rv.Range))
	} else if baseType == RegTypeConstPtrToMap || baseType == RegTypePtrToMapKey || baseType == RegTypeMapValue {
		args = append(args, fmt.Sprintf("ks=%d,vs=%d", rv.KeySize, rv.ValueSize))
	}

	if rv.VarOff.isConst() {
		args = append(args, fmt.Sprintf("imm=%d", rv.VarOff.Value))
	} else {
		if rv.SMinValue != int64(rv.UMinValue) && rv.SMinValue != math.MinInt64 {
			args = append(args, fmt.Sprintf("smin=%d", rv.SMinValue))
		}
		if rv.SMaxValue != int64(rv.UMaxValue) && rv.SMaxValue != math.MaxInt64 {
			args = append(args, fmt.Sprintf("smax=%d", rv.SMaxValue))
		}
		if rv.UMinValue != 0 {
			args = append(args, fmt.Sprintf("umin=%d", rv.UMinValue))
		}
		if rv.UMaxValue != math.MaxUint64 {
			args = append(args, fmt.Sprintf("umax=%d", rv.UMaxValue))
		}
		if !rv.VarOff.isUnknown() {
			args = append(args, fmt.Sprintf("var_off=(%x; %x)", rv.VarOff.Value, rv.VarOff.Mask))
		}
		if int64(rv.S32MinValue) != rv.SMinValue && rv.S32MinValue != math.MinInt32 {
			args = append(args, fmt.Sprintf("s32_min=%d", rv.S32MinValue))
		}
		if int64(rv.S32MaxValue) != rv.SMaxValue && rv.S32MaxValue != math.MaxInt32 {
			args = append(args, fmt.Sprintf("s32_max=%d", rv.S32MaxValue))
		}
		if uint64(rv.U32MinValue) != rv.UMinValue && rv.U32MinValue != 0 {
			args = append(args, fmt.Sprintf("u32_min=%d", rv.U32MinValue))
		}
		if uint64(rv.U32MaxValue) != rv.UMaxValue && rv.U32MaxValue != math.MaxUint32 {
			args = append(args, fmt.Sprintf("u32_max=%d", rv.U32MaxValue))
		}
	}

	sb.WriteString(strings.Join(args, ","))
	sb.WriteString(")")
	return sb.String()
}

// RegisterState describes one register's liveness and value at a
// point in the log. Example: "R1_w=invP(id=2,umax_value=255,var_off=(0x0; 0xff))"
type RegisterState struct {
	Register asm.Register
	Liveness Liveness
	Value    RegisterValue
}

func parseRegisterState(key, value string) *RegisterState {
	var state RegisterState
	switch {
	case strings.HasSuffix(key, "_r"):
		key = strings.TrimSuffix(key, "_r")
		state.Liveness = LivenessRead
	case strings.HasSuffix(key, "_w"):
		key = strings.TrimSuffix(key, "_w")
		state.Liveness = LivenessWritten
	case strings.HasSuffix(key, "_D"):
		key = strings.TrimSuffix(key, "_D")
		state.Liveness = LivenessDone
	}

	key = strings.TrimPrefix(key, "R")
	keyNum, _ := strconv.Atoi(key)
	state.Register = asm.Register(keyNum)

	if val := parseRegisterValue(value); val != nil {
		state.Value = *val
	}
	return &state
}

func (r RegisterState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "R%d%s=%s", r.Register, r.Liveness.suffix(), r.Value.String())
	return sb.String()
}

// StackSlot describes the contents of a single byte within a stack
// slot.
type StackSlot byte

const (
	StackSlotInvalid = '?'
	StackSlotSpill   = 'r'
	StackSlotMisc    = 'm'
	StackSlotZero    = '0'
)

// StackState describes the state of a single stack slot.
// Example: "fp-8=m???????"
type StackState struct {
	Offset            int
	Liveness          Liveness
	SpilledRegister   RegisterValue
	Slots             [8]StackSlot
	AcquiredRefs      []string
	InCallbackFn      bool
	InAsyncCallbackFn bool
}

func parseStackState(key, value string) *StackState {
	var state StackState
	switch {
	case strings.HasSuffix(key, "_r"):
		key = strings.TrimSuffix(key, "_r")
		state.Liveness = LivenessRead
	case strings.HasSuffix(key, "_w"):
		key = strings.TrimSuffix(key, "_w")
		state.Liveness = LivenessWritten
	case strings.HasSuffix(key, "_D"):
		key = strings.TrimSuffix(key, "_D")
		state.Liveness = LivenessDone
	}

	key = strings.TrimPrefix(key, "fp-")
	keyNum, _ := strconv.Atoi(key)
	state.Offset = keyNum

	state.SpilledRegister.Type, state.SpilledRegister.Precise, value = parseRegisterType(value)
	if state.SpilledRegister.Type == RegTypeNotInit {
		for i := 0; i < 8 && i < len(value); i++ {
			state.Slots[i] = StackSlot(value[i])
		}
	}
	return &state
}

func (ss *StackState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fp-%d%s=", ss.Offset, ss.Liveness.suffix())
	if ss.SpilledRegister.Type != RegTypeNotInit {
		fmt.Fprint(&sb, rtToString[ss.SpilledRegister.Type&RegTypeBaseType])
	} else {
		fmt.Fprint(&sb, string(ss.Slots[:]))
	}
	return sb.String()
}

// VerifierState describes the machine state at a point in the log:
// every register and stack slot the log line mentions (not
// necessarily all of them -- RecapState/InstructionState only print
// what changed since the last line at that instruction).
// Example: "frame1: R2_w=invP(id=0) R10=fp0 fp-16_w=mmmmmmmm"
type VerifierState struct {
	FrameNumber int
	Registers   []RegisterState
	Stack       []StackState
}

func parseVerifierState(line string) *VerifierState {
	var state VerifierState
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, "frame") {
		line = strings.TrimPrefix(line, "frame")
		if colon := strings.Index(line, ":"); colon != -1 {
			state.FrameNumber, _ = strconv.Atoi(line[:colon])
			line = strings.TrimSpace(line[colon+1:])
		}
	}

	for {
		equal := strings.Index(line, "=")
		if equal == -1 {
			break
		}
		key := line[:equal]
		line = line[equal+1:]

		var value string
		bktDepth := 0
		i := 0
		for {
			i++
			if i >= len(line) {
				value, line = line, line[i:]
				break
			}
			switch line[i] {
			case '(':
				bktDepth++
			case ')':
				bktDepth--
			case ' ':
				if bktDepth == 0 {
					value, line = line[:i], line[i+1:]
					goto tokenDone
				}
			}
		}
	tokenDone:

		if strings.HasPrefix(key, "fp") {
			if ss := parseStackState(key, value); ss != nil {
				state.Stack = append(state.Stack, *ss)
			}
		} else {
			if rs := parseRegisterState(key, value); rs != nil {
				state.Registers = append(state.Registers, *rs)
			}
		}
	}
	return &state
}

func (is *VerifierState) String() string {
	var sb strings.Builder
	if is.FrameNumber != 0 {
		fmt.Fprintf(&sb, "frame%d: ", is.FrameNumber)
	}
	for i, reg := range is.Registers {
		fmt.Fprint(&sb, reg.String())
		if i+1 < len(is.Registers) || len(is.Stack) > 0 {
			sb.WriteString(" ")
		}
	}
	for i, slot := range is.Stack {
		fmt.Fprint(&sb, slot.String())
		if i+1 < len(is.Stack) {
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

// merge folds other's registers and stack slots into is in place,
// overwriting an existing entry at the same register/offset.
func (is *VerifierState) merge(other VerifierState) {
	for _, reg := range other.Registers {
		found := false
		for i, cur := range is.Registers {
			if reg.Register == cur.Register {
				is.Registers[i] = reg
				found = true
				break
			}
		}
		if !found {
			is.Registers = append(is.Registers, reg)
		}
	}
	for _, slot := range other.Stack {
		found := false
		for i, cur := range is.Stack {
			if slot.Offset == cur.Offset {
				is.Stack[i] = slot
				found = true
				break
			}
		}
		if !found {
			is.Stack = append(is.Stack, slot)
		}
	}
}
