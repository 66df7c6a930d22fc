package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"icr/vm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "icr",
		Short: "icr runs and inspects compiled bytecode bodies against the core dispatch loop",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(), newDisasmCmd())
	return root
}

// buildDef assembles one source file into a top-level CompiledDef with
// no declared locals - the same shape scenario 1 (§8.1) exercises, since
// the AST/compiler collaborator that would otherwise produce locals and
// RetType metadata is out of scope here (§1 Non-goals).
func buildDef(path string) (*vm.CompiledDef, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	body, err := vm.NewAssembler().Assemble(string(src))
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", path, err)
	}

	return &vm.CompiledDef{
		ID:           1,
		Name:         path,
		Instructions: body,
	}, nil
}

func newRunCmd() *cobra.Command {
	var pry bool

	cmd := &cobra.Command{
		Use:   "run <file> [program-arg...]",
		Short: "assemble and execute a bytecode source file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := buildDef(args[0])
			if err != nil {
				return err
			}

			ctx := vm.NewStaticContext(8)
			interp, err := vm.NewInterpreter(ctx)
			if err != nil {
				return err
			}
			defer interp.Close()

			if pry {
				ui, cleanup, err := newLinerPryUI()
				if err != nil {
					return err
				}
				defer cleanup()
				interp.ArmPry(vm.NewPrySession(ui))
			}

			argv := vm.BuildArgv(args[1:])
			interp.Log().WithField("argc", vm.Argc(argv)).Debug("starting interpreter")

			val, err := interp.Interpret(def)
			if err != nil {
				return err
			}

			if len(val.Bytes) > 0 {
				fmt.Printf("=> %v (%d bytes)\n", val.Bytes, len(val.Bytes))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pry, "pry", false, "arm an interactive pry session before running")
	return cmd
}

func newDisasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm-dump <file>",
		Short: "assemble a source file and print its instruction stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := buildDef(args[0])
			if err != nil {
				return err
			}

			ip := 0
			code := def.Instructions
			for ip < len(code) {
				op := vm.Bytecode(code[ip])
				n := op.OperandBytes()
				if n < 0 {
					fmt.Printf("%04d  ?unknown(0x%02x)?\n", ip, code[ip])
					ip++
					continue
				}
				fmt.Printf("%04d  %s\n", ip, op.String())
				ip += 1 + n
			}
			return nil
		},
	}
}
