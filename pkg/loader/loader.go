// Package loader turns a compiled eBPF ELF object into the input
// bpfverify.Analyze expects: a raw little-endian []uint64 word stream
// plus the MapInfo list for AnalyzerConfig.MapFDCollector. It plays
// the same role cmd/coverbee/main.go's load command plays for the
// teacher -- ebpf.LoadCollectionSpec followed by per-program handling
// -- except it never touches the kernel: Analyze is a pure function
// of words and config, and this package exists only to produce that
// input from a real compiler's output, exactly the "optional,
// separately-testable tooling" SPEC_FULL.md §3 describes.
package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/dylandreimerink/bpfverify/pkg/vm"
)

// Error reports a problem translating ELF/object-file input into
// verifier input; it usually wraps a lower-level error from
// cilium/ebpf (a missing program name is reported directly), kept distinct from bpfverify.Error since it belongs to
// the loader, not the core pipeline.
type Error struct {
	Program string
	Err     error
}

func (e *Error) Error() string {
	if e.Program == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("loader: program %q: %s", e.Program, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Object is a parsed ELF collection ready to hand individual programs
// to Analyze.
type Object struct {
	spec *ebpf.CollectionSpec
}

// Open parses path with ebpf.LoadCollectionSpec, the same entry point
// the teacher's own load subcommand uses before instrumenting and
// loading a collection into the kernel.
func Open(path string) (*Object, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("load collection spec: %w", err)}
	}
	return &Object{spec: spec}, nil
}

// ProgramNames lists every program the ELF object defines, sorted for
// deterministic CLI/test output.
func (o *Object) ProgramNames() []string {
	names := make([]string, 0, len(o.spec.Programs))
	for name := range o.spec.Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Program marshals one named program's instructions to a raw word
// stream and builds the MapInfo list every map the whole object
// declares resolves to -- a program may reference any map in the
// collection, not only ones it happens to mention by name, so Maps is
// shared across every program pulled from the same Object.
func (o *Object) Program(name string) (words []uint64, maps []vm.MapInfo, err error) {
	ps, ok := o.spec.Programs[name]
	if !ok {
		return nil, nil, &Error{Program: name, Err: fmt.Errorf("no such program in object")}
	}
	words, err = marshalInstructions(ps.Instructions)
	if err != nil {
		return nil, nil, &Error{Program: name, Err: err}
	}
	return words, o.Maps(), nil
}

// Maps returns every map the object declares, in name-sorted order,
// each assigned a synthetic fd starting at 1. cilium/ebpf resolves a
// BPF_LD_IMM64 map reference to a *ebpf.MapSpec by symbol name at ELF
// parse time rather than by a literal kernel fd (fds only exist once
// a map is actually created in the kernel); this loader's synthetic
// numbering lets a caller that also controls how its []uint64 stream
// was produced (e.g. pkg/asmtext, or a program whose wide
// instructions already carry these same small integers) line a
// MapFDCollector up against it. A loader fed genuine kernel-loaded
// fds should build its own MapInfo list from the live *ebpf.Map
// handles instead of calling this method.
func (o *Object) Maps() []vm.MapInfo {
	names := make([]string, 0, len(o.spec.Maps))
	for name := range o.spec.Maps {
		names = append(names, name)
	}
	sort.Strings(names)

	maps := make([]vm.MapInfo, 0, len(names))
	for i, name := range names {
		ms := o.spec.Maps[name]
		maps = append(maps, vm.MapInfo{
			FD:        int32(i + 1),
			KeySize:   int(ms.KeySize),
			ValueSize: int(ms.ValueSize),
		})
	}
	return maps
}

// DescribeMap gives a best-effort human-readable label for one map's
// BTF-declared value type, for diagnostic output only; it never fails
// verification -- an object without BTF, or a map without a value
// type, just describes as the map's declared type name.
func (o *Object) DescribeMap(name string) string {
	ms, ok := o.spec.Maps[name]
	if !ok {
		return name
	}
	if ms.Value != nil {
		return fmt.Sprintf("%s (value: %v)", ms.Type, ms.Value)
	}
	return ms.Type.String()
}

// MapFDCollector builds a vm.MapInfo lookup closure usable as
// AnalyzerConfig.MapFDCollector, resolving exactly the fds Maps()
// assigned.
func MapFDCollector(maps []vm.MapInfo) func(fd int32) (vm.MapInfo, bool) {
	return func(fd int32) (vm.MapInfo, bool) {
		for _, m := range maps {
			if m.FD == fd {
				return m, true
			}
		}
		return vm.MapInfo{}, false
	}
}

// marshalInstructions encodes an asm.Instructions listing to the raw
// little-endian 64-bit word stream Analyze consumes, the inverse of
// what asm.Instructions.Unmarshal does on the kernel's own side.
func marshalInstructions(insns asm.Instructions) ([]uint64, error) {
	var buf bytes.Buffer
	if err := insns.Marshal(&buf, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("marshal instructions: %w", err)
	}
	raw := buf.Bytes()
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("marshaled program is not a whole number of 64-bit words")
	}
	words := make([]uint64, len(raw)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	return words, nil
}
