package vm

import "math"

// PryCommand is one REPL command a pry prompt can issue (§4.8).
type PryCommand int

const (
	PryContinue PryCommand = iota
	PryStep
	PryNext
	PryFinish
	PryWhereami
	PryDisassemble
)

// PryScope is everything a pry command needs about the current
// breakpoint: the visible locals' layout and a live slice directly into
// the suspended frame's memory - so setting a local from the prompt
// really does change what the program sees on continue - plus the
// source node for whereami (§4.8).
type PryScope struct {
	Layout LocalVarLayout
	Data   []byte
	Node   ASTNode
	Frame  int
}

// PryUI is the REPL surface a pry session drives. Line editing and
// terminal rendering are as far outside this core's scope as the
// disassembler and AST are (§1 Non-goals), so the embedding cmd wires
// this up (peterh/liner for input, muesli/termenv for styled output).
type PryUI interface {
	ReadCommand(scope PryScope) (PryCommand, error)
	Printf(format string, args ...any)
}

// PrySession is the debugger re-entry state (§4.8): armed/line-change
// detection plus the max-target-frame ceiling that makes next/finish
// skip over deeper calls instead of breaking inside them.
type PrySession struct {
	ui             PryUI
	armed          bool
	lastLine       int
	lastFile       string
	maxTargetFrame int
}

func NewPrySession(ui PryUI) *PrySession {
	return &PrySession{ui: ui, lastLine: -1}
}

// maybeBreak is the automatic, line-change-driven half of re-entry: it
// fires before the dispatch loop executes the first instruction of each
// new source line, but only while armed and only at or above
// maxTargetFrame - a next or finish issued from depth N must not stop
// again until execution is back at depth <= N.
func (p *PrySession) maybeBreak(interp *Interpreter, idx int, frame Frame) error {
	if !p.armed || frame.RealFrameIndex > p.maxTargetFrame {
		return nil
	}
	node, ok := currentNode(frame)
	if !ok || (node.Line == p.lastLine && node.File == p.lastFile) {
		return nil
	}
	p.lastLine, p.lastFile = node.Line, node.File
	return p.enter(interp, idx)
}

// enter is explicit re-entry via the pry opcode; maybeBreak also drives
// it once line-change detection decides to stop. The operand stack
// beyond this frame's locals is saved and restored around the loop -
// nothing the REPL evaluates is allowed to leave partial expression
// scratch behind on resume.
func (p *PrySession) enter(interp *Interpreter, idx int) error {
	frame, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}

	scratchTop := interp.stack.Top()
	scratchSize := frame.StackBottom - scratchTop
	if scratchSize < 0 {
		scratchSize = 0
	}
	scratch := make([]byte, scratchSize)
	copy(scratch, interp.stack.Bytes()[scratchTop:frame.StackBottom])

	layout := visibleLocals(frame)
	node, _ := currentNode(frame)

replLoop:
	for {
		scope := PryScope{
			Layout: layout,
			Data:   interp.stack.Bytes()[frame.StackBottom : frame.StackBottom+layout.MaxBytesize],
			Node:   node,
			Frame:  idx,
		}
		cmd, err := p.ui.ReadCommand(scope)
		if err != nil {
			return err
		}
		switch cmd {
		case PryContinue:
			p.armed = false
			break replLoop
		case PryStep:
			p.armed, p.maxTargetFrame = true, math.MaxInt
			break replLoop
		case PryNext:
			p.armed, p.maxTargetFrame = true, frame.RealFrameIndex
			break replLoop
		case PryFinish:
			p.armed, p.maxTargetFrame = true, frame.RealFrameIndex-1
			break replLoop
		case PryWhereami:
			p.ui.Printf("%s:%d (frame %d)\n", node.File, node.Line, idx)
		case PryDisassemble:
			p.printDisassembly(frame)
		}
	}

	copy(interp.stack.Bytes()[scratchTop:frame.StackBottom], scratch)
	interp.stack.SetTop(scratchTop)
	return nil
}

func (p *PrySession) printDisassembly(frame Frame) {
	code := frame.Def.Instructions
	name := frame.Def.Name
	if frame.Block != nil {
		code = frame.Block.Instructions
		name = frame.Block.Name
	}

	p.ui.Printf("; %s\n", name)
	ip := 0
	for ip < len(code) {
		op := Bytecode(code[ip])
		n := op.OperandBytes()
		if n < 0 {
			p.ui.Printf("%04d  ?unknown(0x%02x)?\n", ip, code[ip])
			ip++
			continue
		}
		marker := "  "
		if ip == frame.IP {
			marker = "=>"
		}
		p.ui.Printf("%s%04d  %s\n", marker, ip, op.String())
		ip += 1 + n
	}
}

func visibleLocals(frame Frame) LocalVarLayout {
	if frame.Block != nil {
		return frame.Block.Locals
	}
	return frame.Def.Locals
}

func currentNode(frame Frame) (ASTNode, bool) {
	nodes := frame.Def.Nodes
	if frame.Block != nil {
		nodes = frame.Block.Nodes
	}
	node, ok := nodes[frame.IP]
	return node, ok
}
