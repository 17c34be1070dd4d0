// Command aurorac is the thin CLI driver over package backend (spec.md §6).
// The source-language frontend (lexer, parser, type checker) that turns
// `.aur` source into an ir.Program is out of scope for this repository, so
// the subcommands below operate one stage downstream: on manifest assembly
// text (spec.md §3's human-readable instruction listing, what `compile`
// would have produced). See DESIGN.md for the Open Question this resolves.
package main

import (
	"flag"
	"fmt"
	"os"

	"aurorac/backend"
)

var (
	outFlag    = flag.String("o", "", "output file path")
	targetFlag = flag.String("target", "linux", "native target: linux or windows")
	debugFlag  = flag.Int("debug", 0, "diagnostic verbosity, 0 (silent) through 3 (verbose)")
)

func main() {
	flag.Parse()
	args := os.Args[len(os.Args)-flag.NArg():]

	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: aurorac <compile|native|native-win> <in.aurs> -o <out> [--target linux|windows] [--debug=N]")
		os.Exit(1)
	}

	cmd := args[0]
	rest := args[1:]
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "aurorac:", cmd, "needs an input file")
		os.Exit(1)
	}
	in := rest[0]
	// Flags may also follow the positional arguments, as in the usage line.
	if err := flag.CommandLine.Parse(rest[1:]); err != nil {
		os.Exit(2)
	}

	if *outFlag == "" {
		fmt.Fprintln(os.Stderr, "aurorac: -o <out> is required")
		os.Exit(1)
	}

	var err error
	switch cmd {
	case "compile":
		err = runCompile(in, *outFlag)
	case "native":
		err = runNative(in, *outFlag, parseTarget(*targetFlag))
	case "native-win":
		err = runNative(in, *outFlag, backend.Windows)
	default:
		fmt.Fprintln(os.Stderr, "aurorac: unknown subcommand", cmd)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "aurorac:", err)
		os.Exit(1)
	}
}

func parseTarget(s string) backend.Target {
	if s == "windows" {
		return backend.Windows
	}
	return backend.Linux
}

func debugf(level int, format string, args ...any) {
	if *debugFlag >= level {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// runCompile validates a manifest assembly file by round-tripping it through
// Parse and Serialize (spec §8 property 1) and writing the result to -o.
func runCompile(in, out string) error {
	text, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	debugf(1, "aurorac: parsing manifest %s\n", in)
	unit, err := backend.Parse(string(text))
	if err != nil {
		return err
	}
	debugf(2, "aurorac: %d instructions, %d strings, %d float consts\n", len(unit.Instructions), len(unit.Strings), len(unit.FloatConsts))
	return os.WriteFile(out, []byte(unit.Serialize()), 0o644)
}

// runNative parses a manifest assembly file, encodes it for t, links it into
// a native ELF64 or PE64 image, and writes it to -o.
func runNative(in, out string, t backend.Target) error {
	text, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	debugf(1, "aurorac: parsing manifest %s\n", in)
	unit, err := backend.Parse(string(text))
	if err != nil {
		return err
	}

	debugf(1, "aurorac: encoding for target %v\n", t)
	enc := backend.NewEncoder(t)
	if err := enc.Encode(unit); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	var image []byte
	switch t {
	case backend.Linux:
		codeBase, dataBase := backend.ELFBases(enc.CodeLen())
		debugf(2, "aurorac: code_base=0x%x data_base=0x%x\n", codeBase, dataBase)
		if err := enc.Resolve(codeBase, dataBase, dataBase); err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		image, err = backend.WriteELF64(enc)
	case backend.Windows:
		codeBase, dataBase := backend.PEBases(enc.CodeLen())
		debugf(2, "aurorac: code_base=0x%x data_base=0x%x\n", codeBase, dataBase)
		if err := enc.Resolve(codeBase, dataBase, dataBase); err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		image, err = backend.WritePE64(enc)
	default:
		return fmt.Errorf("%w: unknown target", backend.ErrInvalidArgument)
	}
	if err != nil {
		return err
	}

	debugf(1, "aurorac: writing %s (%d bytes)\n", out, len(image))
	if err := os.WriteFile(out, image, 0o755); err != nil {
		return err
	}
	return nil
}
