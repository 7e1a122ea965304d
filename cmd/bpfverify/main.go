// Command bpfverify is the CLI front-end for the bpfverify module: it
// exposes Analyze over three subcommands -- verify runs the analyzer
// over a raw or compiled program, asm compiles textual assembly to
// the same raw word stream (optionally verifying the result in one
// step), and compare lines the analyzer's view of a program's entry
// state up against a captured kernel verifier log. It follows the
// teacher's own cobra/pflag idiom (panicOnError-wrapped
// MarkFlagRequired/MarkFlagFilename, one flag struct per command).
package main

import (
	"fmt"
	"os"

	"github.com/andreyvit/diff"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	bpfverify "github.com/dylandreimerink/bpfverify"
	"github.com/dylandreimerink/bpfverify/pkg/asmtext"
	"github.com/dylandreimerink/bpfverify/pkg/loader"
	"github.com/dylandreimerink/bpfverify/pkg/vm"
	"github.com/dylandreimerink/bpfverify/pkg/verifierlog"
)

var root = &cobra.Command{
	Use:   "bpfverify",
	Short: "Static analyzer for eBPF bytecode",
}

func main() {
	root.AddCommand(verifyCmd(), asmCmd(), compareCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func panicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

// programInput is the set of flags every subcommand that needs an
// instruction stream shares: either a compiled ELF + program name, or
// a textual assembly file.
type programInput struct {
	elfPath  string
	progName string
	asmPath  string
}

func (pi *programInput) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&pi.elfPath, "elf", "", "Path to a compiled ELF object")
	panicOnError(cmd.MarkFlagFilename("elf", "o", "elf"))
	f.StringVar(&pi.progName, "prog", "", "Program name within --elf (required when --elf is set)")
	f.StringVar(&pi.asmPath, "asm", "", "Path to a textual assembly listing (alternative to --elf/--prog)")
	panicOnError(cmd.MarkFlagFilename("asm", "asm"))
}

// words resolves a programInput into a raw word stream and the map
// table the loader discovered, per the fd-resolution contract
// AnalyzerConfig.MapFDCollector expects.
func (pi *programInput) words() (words []uint64, maps []vm.MapInfo, err error) {
	switch {
	case pi.asmPath != "":
		src, err := os.ReadFile(pi.asmPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read asm file: %w", err)
		}
		words, err = asmtext.Parse(string(src))
		if err != nil {
			return nil, nil, err
		}
		return words, nil, nil

	case pi.elfPath != "":
		if pi.progName == "" {
			return nil, nil, fmt.Errorf("--prog is required when --elf is set")
		}
		obj, err := loader.Open(pi.elfPath)
		if err != nil {
			return nil, nil, err
		}
		return obj.Program(pi.progName)

	default:
		return nil, nil, fmt.Errorf("one of --elf or --asm is required")
	}
}

var (
	verifyInput     programInput
	verifyLimit     int
	verifyVerbose   bool
)

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Statically verify a program, the way the kernel verifier would",
		RunE:  runVerify,
	}
	verifyInput.register(cmd)
	cmd.Flags().IntVar(&verifyLimit, "limit", 0, "Instruction budget (0 = unbounded)")
	cmd.Flags().BoolVarP(&verifyVerbose, "verbose", "v", false, "Dump the full ProgramInfo/Error with go-spew")
	return cmd
}

func runVerify(cmd *cobra.Command, args []string) error {
	words, maps, err := verifyInput.words()
	if err != nil {
		return err
	}

	info, err := bpfverify.Analyze(words, bpfverify.AnalyzerConfig{
		ProcessedInstructionLimit: verifyLimit,
		MapFDCollector:            loader.MapFDCollector(maps),
	})
	if err != nil {
		if verifyVerbose {
			spew.Fdump(os.Stderr, err)
		}
		return err
	}

	fmt.Println("accepted")
	if verifyVerbose {
		spew.Fdump(os.Stdout, info)
	}
	return nil
}

var (
	asmInputPath   string
	asmOutputPath  string
	asmThenVerify  bool
)

func asmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asm",
		Short: "Compile a textual assembly listing to its raw word stream",
		RunE:  runAsm,
	}
	fs := cmd.Flags()
	fs.StringVar(&asmInputPath, "in", "", "Path to the textual assembly listing")
	panicOnError(cmd.MarkFlagFilename("in", "asm"))
	panicOnError(cmd.MarkFlagRequired("in"))
	fs.StringVar(&asmOutputPath, "out", "-", "Where to write the hex word stream ('-' for stdout)")
	fs.BoolVar(&asmThenVerify, "verify", false, "Also run the assembled program through Analyze")
	return cmd
}

func runAsm(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(asmInputPath)
	if err != nil {
		return fmt.Errorf("read asm file: %w", err)
	}

	words, err := asmtext.Parse(string(src))
	if err != nil {
		return err
	}

	out := os.Stdout
	if asmOutputPath != "-" {
		f, err := os.Create(asmOutputPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for _, w := range words {
		fmt.Fprintf(out, "%#016x\n", w)
	}

	if asmThenVerify {
		if _, err := bpfverify.Analyze(words, bpfverify.AnalyzerConfig{}); err != nil {
			return err
		}
		fmt.Println("accepted")
	}
	return nil
}

var (
	compareInput   programInput
	compareLogPath string
)

func compareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Diff this module's view of a program's entry state against a captured kernel verifier log",
		RunE:  runCompare,
	}
	compareInput.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&compareLogPath, "log", "", "Path to a captured kernel verifier log (BPF_LOG_LEVEL=2)")
	panicOnError(cmd.MarkFlagRequired("log"))
	return cmd
}

// runCompare renders the analyzer's own entry BranchState (before any
// instruction executes) through verifierlog.FromBranchState and diffs
// it against the kernel log's own recap of instruction 0, the one
// point in the program both sides describe without this module having
// to replay the kernel's exact state-pruning and permutation order.
// Scheduler doesn't expose intermediate per-instruction BranchStates,
// so this is an entry-state sanity check, not a full per-instruction
// bisimulation; cmd/bpfverify only promises the two agree on where
// they start.
func runCompare(cmd *cobra.Command, args []string) error {
	_, maps, err := compareInput.words()
	if err != nil {
		return err
	}

	logBytes, err := os.ReadFile(compareLogPath)
	if err != nil {
		return fmt.Errorf("read verifier log: %w", err)
	}

	entry := vm.New(nil, maps)
	ours := verifierlog.FromBranchState(entry)

	kernelStates := verifierlog.MergedPerInstruction(string(logBytes))
	var theirs verifierlog.VerifierState
	if len(kernelStates) > 0 {
		theirs = kernelStates[0]
	}

	fmt.Println(diff.LineDiff(theirs.String(), ours.String()))
	return nil
}
