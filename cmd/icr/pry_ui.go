package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/muesli/termenv"
	"github.com/peterh/liner"

	"icr/vm"
)

// linerPryUI wires vm.PryUI to an interactive line-editing prompt. This
// is exactly the boundary spec.md §4.8 draws around the core: the
// session decides when to stop and what's visible, the embedding cmd
// decides how to ask a human what to do next.
type linerPryUI struct {
	line    *liner.State
	profile termenv.Profile
}

func newLinerPryUI() (*linerPryUI, func(), error) {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)

	ui := &linerPryUI{line: l, profile: termenv.ColorProfile()}
	return ui, func() { l.Close() }, nil
}

func (ui *linerPryUI) style(s string) string {
	return termenv.String(s).Foreground(ui.profile.Color("6")).String()
}

func (ui *linerPryUI) Printf(format string, args ...any) {
	fmt.Print(ui.style(fmt.Sprintf(format, args...)))
}

// ReadCommand prompts until it reads a recognized command, echoing
// whereami-style context first (§4.8 scenario 6: next/finish/continue
// plus inspecting locals by name).
func (ui *linerPryUI) ReadCommand(scope vm.PryScope) (vm.PryCommand, error) {
	ui.Printf("%s:%d (frame %d)\n", scope.Node.File, scope.Node.Line, scope.Frame)

	for {
		raw, err := ui.line.Prompt("pry> ")
		if err != nil {
			return vm.PryContinue, err
		}
		ui.line.AppendHistory(raw)

		fields := strings.Fields(strings.TrimSpace(raw))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "c", "continue":
			return vm.PryContinue, nil
		case "s", "step":
			return vm.PryStep, nil
		case "n", "next":
			return vm.PryNext, nil
		case "f", "finish":
			return vm.PryFinish, nil
		case "w", "whereami":
			return vm.PryWhereami, nil
		case "d", "disassemble":
			return vm.PryDisassemble, nil
		case "p", "print":
			if len(fields) < 2 {
				ui.Printf("usage: print <name>\n")
				continue
			}
			printLocal(ui, scope, fields[1])
		default:
			ui.Printf("commands: continue|step|next|finish|whereami|disassemble|print <name>\n")
		}
	}
}

func printLocal(ui *linerPryUI, scope vm.PryScope, name string) {
	v, ok := scope.Layout.Lookup(name)
	if !ok {
		ui.Printf("no local named %q in this scope\n", name)
		return
	}
	start := scope.Layout.MaxBytesize - v.Offset - v.AlignedSize
	if start < 0 || start+v.AlignedSize > len(scope.Data) {
		ui.Printf("%s: out of range\n", name)
		return
	}
	bytes := scope.Data[start : start+v.AlignedSize]
	ui.Printf("%s = 0x%s\n", name, hexString(bytes))
}

func hexString(b []byte) string {
	var sb strings.Builder
	for _, by := range b {
		sb.WriteString(strconv.FormatInt(int64(by), 16))
	}
	return sb.String()
}
