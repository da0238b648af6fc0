// Command crustyvm is the reference front-end described by the embedding
// package's CLI surface: it compiles one script, binds a small standard
// library of callbacks scripts commonly need for standalone testing, and
// drives the result to completion from an `init` entrypoint.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"crustyvm/internal/flushio"
	"crustyvm/internal/logio"
	"crustyvm/internal/panicerr"
	"crustyvm/internal/preproc"

	"crustyvm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliFlags struct {
	defines       []string
	trace         bool
	emitPasses    bool
	callStackSize int
}

func newRootCmd() *cobra.Command {
	var fl cliFlags

	run := &cobra.Command{
		Use:   "run [ -Dname=value | filename ]... [ -- filename ]",
		Short: "compile and run a CrustyVM script from its init entrypoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(fl, args, false)
		},
	}
	run.Flags().StringArrayVarP(&fl.defines, "define", "D", nil, "set a preprocessor variable name=value (repeatable)")
	run.Flags().BoolVar(&fl.trace, "trace", false, "log call/return trace lines, and a DebugTrace dump if the run fails")
	run.Flags().BoolVar(&fl.emitPasses, "emit-passes", false, "install the same trace log as --trace; no preprocessor pass output is written")
	run.Flags().IntVar(&fl.callStackSize, "callstack-size", 0, "override the call stack depth (0 = default 256)")

	dump := &cobra.Command{
		Use:   "dump [ -Dname=value | filename ]... [ -- filename ]",
		Short: "compile and verify a script without running it (the instruction stream is not printed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(fl, args, true)
		},
	}
	dump.Flags().StringArrayVarP(&fl.defines, "define", "D", nil, "set a preprocessor variable name=value (repeatable)")

	root := &cobra.Command{
		Use:           "crustyvm",
		Short:         "CrustyVM reference compiler/runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(run, dump)
	return root
}

// parseArgs splits args into -D defines (already consumed by pflag) plus
// exactly one filename, per the `prog [ -Dname=value | filename ]… [ --
// filename ]` usage line: any positional argument left after flag parsing
// is a candidate filename, and cobra's `--` handling leaves exactly what
// followed it in args as well.
func parseArgs(args []string) (string, error) {
	var names []string
	for _, a := range args {
		if a != "" {
			names = append(names, a)
		}
	}
	switch len(names) {
	case 0:
		return "", fmt.Errorf("exactly one filename is required")
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("exactly one filename is required, got %d", len(names))
	}
}

func runScript(fl cliFlags, args []string, dumpOnly bool) error {
	filename, err := parseArgs(args)
	if err != nil {
		return err
	}

	log := &logio.Logger{}
	log.SetOutput(os.Stderr)
	defer func() { os.Exit(log.ExitCode()) }()

	src, err := os.ReadFile(filename)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}

	opts := []crustyvm.Option{
		crustyvm.WithOpener(dirOpener(dirname(filename))),
		crustyvm.WithCallStackSize(fl.callStackSize),
	}
	for _, d := range fl.defines {
		name, value, err := preproc.ParseDefine(d)
		if err != nil {
			log.Errorf("%v", err)
			return err
		}
		opts = append(opts, crustyvm.WithDefine(name, value))
	}
	if fl.trace || fl.emitPasses {
		opts = append(opts, crustyvm.WithLog(traceSink{log}))
	}

	out := flushio.NewWriteFlusher(os.Stdout)
	opts = append(opts, standardCallbacks(out)...)

	prog, err := crustyvm.Load(filename, src, opts...)
	if err != nil {
		log.Errorf("%v", crustyvm.AsDiagnostic(err))
		return err
	}

	if dumpOnly {
		fmt.Fprintf(os.Stdout, "program %q compiled and verified\n", filename)
		return out.Flush()
	}

	if !prog.HasEntrypoint("init") {
		log.Errorf("%s: no zero-argument %q procedure", filename, "init")
		return fmt.Errorf("missing entrypoint")
	}

	runErr := panicerr.Recover(filename, func() error {
		vm := prog.NewVM()
		if err := vm.Begin("init"); err != nil {
			return err
		}
		if err := vm.Run(0); err != nil {
			if fl.trace {
				log.Printf("TRACE", "%s", vm.DebugTrace(true))
			}
			return err
		}
		return nil
	})
	if flushErr := out.Flush(); flushErr != nil && runErr == nil {
		runErr = flushErr
	}
	if runErr != nil {
		log.Errorf("%v", crustyvm.AsDiagnostic(runErr))
		return runErr
	}
	return nil
}

func dirname(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return "."
}

// dirOpener resolves `include "name"` directives relative to the main
// script's directory, the simplest Opener a standalone front-end can offer.
type dirOpener string

func (d dirOpener) Open(name string) ([]byte, error) {
	return os.ReadFile(string(d) + "/" + name)
}

type traceSink struct{ log *logio.Logger }

func (t traceSink) Tracef(format string, args ...interface{}) { t.log.Printf("TRACE", format, args...) }

// standardCallbacks binds the small fixed set of host variables the
// reference front-end offers every script: printint for integer output and
// out for raw byte output, both writing to w. Scripts that need anything
// richer are expected to be embedded rather than run standalone.
func standardCallbacks(w flushio.WriteFlusher) []crustyvm.Option {
	return []crustyvm.Option{
		crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
			func(vm *crustyvm.VM, index int, v int64) error {
				_, err := fmt.Fprintf(w, "%d\n", v)
				return err
			}),
		crustyvm.WithCallback("out", 1<<20, crustyvm.TypeByte, nil,
			func(vm *crustyvm.VM, index int, v int64) error {
				_, err := w.Write([]byte{byte(v)})
				return err
			}),
	}
}
