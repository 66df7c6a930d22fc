package vm

import (
	"bufio"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Assembler is a minimal, label-aware text-to-bytecode assembler for
// this core's fixed-width instruction encoding (§4.2). It exists so
// tests and small embedded snippets can build instruction streams
// directly, the way the teacher's preprocessLine/parseInputLine pair
// turned text into its own register-machine encoding - lowering a real
// program's AST to bytecode is the (out-of-scope) compiler
// collaborator's job (§1 Non-goals).
type Assembler struct {
	labels map[string]int
}

func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Assemble compiles src (one instruction or "label:" per line, '#'
// comments and blank lines ignored) into a flat instruction stream.
func (a *Assembler) Assemble(src string) ([]byte, error) {
	lines, err := a.preprocess(src)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, ln := range lines {
		enc, err := a.encode(ln)
		if err != nil {
			return nil, errors.Wrapf(err, "assembling %q", ln)
		}
		out = append(out, enc...)
	}
	return out, nil
}

// preprocess strips comments and blank lines, and records every label's
// byte offset in a first pass (by computing each line's encoded length
// without yet resolving branch operands) before any label reference is
// encoded in the second pass.
func (a *Assembler) preprocess(src string) ([]string, error) {
	raw := splitLines(src)

	offset := 0
	var instrLines []string
	for _, ln := range raw {
		ln = strings.TrimSpace(stripComment(ln))
		if ln == "" {
			continue
		}
		if strings.HasSuffix(ln, ":") {
			a.labels[strings.TrimSuffix(ln, ":")] = offset
			continue
		}
		mnemonic := strings.Fields(ln)[0]
		op, ok := mnemonicTable[mnemonic]
		if !ok {
			return nil, errors.Errorf("unrecognized mnemonic %q", mnemonic)
		}
		offset += 1 + op.OperandBytes()
		instrLines = append(instrLines, ln)
	}
	return instrLines, nil
}

func (a *Assembler) encode(line string) ([]byte, error) {
	fields := strings.Fields(line)
	mnemonic := fields[0]
	args := fields[1:]

	op, ok := mnemonicTable[mnemonic]
	if !ok {
		return nil, errors.Errorf("unrecognized mnemonic %q", mnemonic)
	}

	out := []byte{byte(op)}
	switch op {
	case PushFloat64:
		f, err := strconv.ParseFloat(arg(args, 0), 64)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		Uint64ToBytes(math.Float64bits(f), b)
		out = append(out, b...)

	case PushBool:
		v, err := a.intArg(args, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(v))

	case Nop, PushNil, CallBlock, Pry,
		Addi, Addf, Subi, Subf, Muli, Mulf, Divi, Divf, Cmpu, Cmps, Cmpf:
		// no operand bytes.

	case AtomicRMWOp:
		opv, err := a.intArg(args, 0)
		if err != nil {
			return nil, err
		}
		width, err := a.intArg(args, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(opv), byte(width))

	case CallWithBlock:
		a0, err := a.resolveOrIntArg(args, 0)
		if err != nil {
			return nil, err
		}
		a1, err := a.resolveOrIntArg(args, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, int32Bytes(a0)...)
		out = append(out, int32Bytes(a1)...)

	case GetLocal, SetLocal, GetLocalPointer, GetConst, SetConst, GetClassVar, SetClassVar:
		a0, err := a.intArg(args, 0)
		if err != nil {
			return nil, err
		}
		a1, err := a.intArg(args, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, int32Bytes(a0)...)
		out = append(out, int32Bytes(a1)...)

	default:
		// Every remaining opcode (PushInt32, PushStringPtr,
		// GetIvarPointer, the pool initialized?/get/pointer family's
		// single-index forms, SetIP, the branches, Call, LibCall, Leave,
		// LeaveDef, BreakBlock) takes exactly one 4-byte operand,
		// possibly a label reference.
		v, err := a.resolveOrIntArg(args, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, int32Bytes(v)...)
	}
	return out, nil
}

func (a *Assembler) intArg(args []string, i int) (int32, error) {
	v, err := strconv.ParseInt(arg(args, i), 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

func (a *Assembler) resolveOrIntArg(args []string, i int) (int32, error) {
	s := arg(args, i)
	if off, ok := a.labels[s]; ok {
		return int32(off), nil
	}
	return a.intArg(args, i)
}

func arg(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return args[i]
}

func int32Bytes(v int32) []byte {
	b := make([]byte, 4)
	Int32ToBytes(v, b)
	return b
}

func splitLines(src string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

var mnemonicTable = func() map[string]Bytecode {
	m := make(map[string]Bytecode, len(opcodeTable))
	for code, info := range opcodeTable {
		m[info.name] = code
	}
	return m
}()
