package vm

import (
	"math"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Interpreter owns one execution's worth of state: the value stack, the
// call-frame protocol, and the tables a Context-driven compile step
// registers callables and native functions into (§4.2, §6). A fresh
// Interpreter is built per top-level invocation; a pry re-entry runs
// against this same Interpreter and its live stack (§4.8).
type Interpreter struct {
	id  uuid.UUID
	ctx Context
	log *logrus.Entry

	stack  *Stack
	frames FrameStack

	defs   map[CompiledID]*CompiledDef
	blocks map[CompiledID]*CompiledBlock
	libs   map[CompiledID]*LibFunction
	ffi    *FFIBridge

	// stackTopSnapshots is a stack of its own: every FFI out-call pushes
	// the interpreter's stack position before handing control to native
	// code, so an inbound closure callback re-entering mid-call knows
	// where @stack_top was when it was suspended (§4.5 step 3, §4.6).
	stackTopSnapshots []int

	pry *PrySession
}

// Option configures a new Interpreter (§1 ambient config: functional
// options, no external config library warranted for two knobs).
type Option func(*interpOptions)

type interpOptions struct {
	stackCapacity int
	logger        *logrus.Logger
}

func WithStackCapacity(n int) Option {
	return func(o *interpOptions) { o.stackCapacity = n }
}

func WithLogger(l *logrus.Logger) Option {
	return func(o *interpOptions) { o.logger = l }
}

// NewInterpreter builds an Interpreter against ctx, mmapping its value
// stack and wiring the FFI bridge.
func NewInterpreter(ctx Context, opts ...Option) (*Interpreter, error) {
	o := interpOptions{stackCapacity: DefaultStackCapacity, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	stack, err := NewStack(o.stackCapacity, ctx.Align)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	return &Interpreter{
		id:     id,
		ctx:    ctx,
		log:    o.logger.WithField("interpreter", id.String()),
		stack:  stack,
		defs:   make(map[CompiledID]*CompiledDef),
		blocks: make(map[CompiledID]*CompiledBlock),
		libs:   make(map[CompiledID]*LibFunction),
		ffi:    NewFFIBridge(ctx),
	}, nil
}

func (interp *Interpreter) ID() uuid.UUID      { return interp.id }
func (interp *Interpreter) Context() Context   { return interp.ctx }
func (interp *Interpreter) Stack() *Stack      { return interp.stack }
func (interp *Interpreter) Log() *logrus.Entry { return interp.log }

// ArmPry attaches a debugger session; every Step checks it for armed
// line-change breaks (§4.8).
func (interp *Interpreter) ArmPry(p *PrySession) { interp.pry = p }

func (interp *Interpreter) Close() error {
	interp.ctx.ReleaseClosures(interp)
	return interp.stack.Close()
}

func (interp *Interpreter) RegisterDef(def *CompiledDef)       { interp.defs[def.ID] = def }
func (interp *Interpreter) RegisterBlock(block *CompiledBlock) { interp.blocks[block.ID] = block }
func (interp *Interpreter) RegisterLib(id CompiledID, fn *LibFunction) { interp.libs[id] = fn }

func (interp *Interpreter) resolveDef(id CompiledID) (*CompiledDef, error) {
	def, ok := interp.defs[id]
	if !ok {
		return nil, wrapFatal("resolve-def", errors.Errorf("no compiled def registered for id %d", id))
	}
	return def, nil
}

func (interp *Interpreter) resolveBlock(id CompiledID) (*CompiledBlock, error) {
	blk, ok := interp.blocks[id]
	if !ok {
		return nil, wrapFatal("resolve-block", errors.Errorf("no compiled block registered for id %d", id))
	}
	return blk, nil
}

func (interp *Interpreter) resolveLib(id CompiledID) (*LibFunction, error) {
	fn, ok := interp.libs[id]
	if !ok {
		return nil, wrapFatal("resolve-lib", errors.Errorf("no lib function registered for id %d", id))
	}
	return fn, nil
}

func (interp *Interpreter) pushStackTopSnapshot(top int) {
	interp.stackTopSnapshots = append(interp.stackTopSnapshots, top)
}

func (interp *Interpreter) popStackTopSnapshot() {
	if len(interp.stackTopSnapshots) == 0 {
		return
	}
	interp.stackTopSnapshots = interp.stackTopSnapshots[:len(interp.stackTopSnapshots)-1]
}

func (interp *Interpreter) currentStackTopSnapshot() (int, bool) {
	if len(interp.stackTopSnapshots) == 0 {
		return 0, false
	}
	return interp.stackTopSnapshots[len(interp.stackTopSnapshots)-1], true
}

// Interpret drives def to completion as a top-level invocation and
// returns whatever it left on the stack (§6 Driver API).
func (interp *Interpreter) Interpret(def *CompiledDef) (Value, error) {
	interp.frames = FrameStack{}
	if err := interp.Call(def); err != nil {
		return Value{}, err
	}
	if err := interp.Run(); err != nil {
		return Value{}, err
	}

	size := interp.ctx.InnerSizeof(def.RetType)
	if size == 0 {
		return Value{Type: def.RetType}, nil
	}
	data, err := interp.stack.PopBytes(size)
	if err != nil {
		return Value{}, err
	}
	return Value{Type: def.RetType, Bytes: data}, nil
}

// Run steps the dispatch loop until the frame stack drains or a fatal
// error surfaces. The teacher's run.go disables the garbage collector
// for the duration of a top-level invocation; the dispatch loop's hot
// path is a tight byte-offset walk that shouldn't pay for a GC pause
// mid-instruction.
func (interp *Interpreter) Run() error {
	old := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(old)

	for {
		halted, err := interp.Step()
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
}

func (interp *Interpreter) currentInstructions(frame Frame) []byte {
	if frame.Block != nil {
		return frame.Block.Instructions
	}
	return frame.Def.Instructions
}

// Step decodes and executes exactly one instruction in the current
// frame (§4.2 step 1-3): fetch the opcode and its fixed-width operand,
// advance ip, then dispatch. halted reports whether the frame stack has
// fully drained.
func (interp *Interpreter) Step() (halted bool, err error) {
	idx := interp.frames.TopIndex()
	if idx < 0 {
		return true, nil
	}
	frame, err := interp.frames.Get(idx)
	if err != nil {
		return true, err
	}

	code := interp.currentInstructions(frame)
	if frame.IP < 0 || frame.IP >= len(code) {
		return true, wrapFatal("ip-overrun", errors.New("instruction pointer ran past end of stream"))
	}
	op := Bytecode(code[frame.IP])
	operandBytes := op.OperandBytes()
	if operandBytes < 0 {
		return true, wrapFatal("dispatch", ErrUnknownOpcode)
	}
	if frame.IP+1+operandBytes > len(code) {
		return true, wrapFatal("ip-overrun", errors.New("operand ran past end of instruction stream"))
	}
	operand := code[frame.IP+1 : frame.IP+1+operandBytes]

	if interp.pry != nil {
		if err := interp.pry.maybeBreak(interp, idx, frame); err != nil {
			return true, err
		}
	}

	frame.IP += 1 + operandBytes
	if err := interp.frames.Set(idx, frame); err != nil {
		return true, err
	}

	if err := interp.dispatch(idx, op, operand); err != nil {
		return true, err
	}
	return interp.frames.Len() == 0, nil
}

func (interp *Interpreter) dispatch(idx int, op Bytecode, operand []byte) error {
	switch op {
	case Nop:
		return nil

	case PushInt32:
		return interp.pushInt32(Int32FromBytes(operand))
	case PushFloat64:
		return interp.pushFloat64(math.Float64frombits(Uint64FromBytes(operand)))
	case PushBool:
		return interp.pushBool(operand[0] != 0)
	case PushNil:
		return nil
	case PushStringPtr:
		off := int(Int32FromBytes(operand))
		return interp.pushPointer(Addr(interp.ctx.ConstantsPool().Bytes(), off))

	case GetLocal, SetLocal:
		return interp.dispatchLocal(idx, op, operand)
	case GetLocalPointer:
		return interp.dispatchLocalPointer(idx, operand)
	case GetIvarPointer:
		return interp.dispatchIvarPointer(operand)

	case ConstInitialized:
		return interp.dispatchPoolInitialized(interp.ctx.ConstantsPool(), operand)
	case GetConst, SetConst:
		return interp.dispatchPoolAccess(interp.ctx.ConstantsPool(), op, operand)
	case GetConstPointer:
		return interp.dispatchPoolPointer(interp.ctx.ConstantsPool(), operand)

	case ClassVarInitialized:
		return interp.dispatchPoolInitialized(interp.ctx.ClassVarsPool(), operand)
	case GetClassVar, SetClassVar:
		return interp.dispatchPoolAccess(interp.ctx.ClassVarsPool(), op, operand)
	case GetClassVarPointer:
		return interp.dispatchPoolPointer(interp.ctx.ClassVarsPool(), operand)

	case SetIP:
		return interp.setIP(idx, int(Int32FromBytes(operand)))
	case BranchIfTrue:
		v, err := interp.popBool()
		if err != nil {
			return err
		}
		if v {
			return interp.setIP(idx, int(Int32FromBytes(operand)))
		}
		return nil
	case BranchIfFalse:
		v, err := interp.popBool()
		if err != nil {
			return err
		}
		if !v {
			return interp.setIP(idx, int(Int32FromBytes(operand)))
		}
		return nil

	case Call:
		def, err := interp.resolveDef(CompiledID(Int32FromBytes(operand)))
		if err != nil {
			return err
		}
		return interp.Call(def)
	case CallWithBlock:
		def, err := interp.resolveDef(CompiledID(Int32FromBytes(operand[:4])))
		if err != nil {
			return err
		}
		block, err := interp.resolveBlock(CompiledID(Int32FromBytes(operand[4:8])))
		if err != nil {
			return err
		}
		return interp.CallWithBlock(def, block)
	case CallBlock:
		return interp.CallBlock()
	case LibCall:
		return interp.dispatchLibCall(CompiledID(Int32FromBytes(operand)))
	case Leave:
		return interp.Leave(int(Int32FromBytes(operand)))
	case LeaveDef:
		return interp.LeaveDef(int(Int32FromBytes(operand)))
	case BreakBlock:
		return interp.BreakBlock(int(Int32FromBytes(operand)))

	case AtomicRMWOp:
		return interp.dispatchAtomic(operand)

	case Pry:
		return interp.enterPry(idx)

	case Addi, Subi, Muli, Divi:
		return interp.dispatchIntArith(op)
	case Addf, Subf, Mulf, Divf:
		return interp.dispatchFloatArith(op)
	case Cmpu, Cmps, Cmpf:
		return interp.dispatchCompare(op)

	default:
		return wrapFatal("dispatch", ErrUnknownOpcode)
	}
}

// localAddr resolves a (offset, size) local-variable operand to an
// absolute offset into the stack's backing buffer. Offsets count down
// from CallerStackTop rather than up from StackBottom: the first
// argument the caller pushed sits at offset 0, arguments pushed after it
// (further from the caller's boundary) at higher offsets,
// and true locals - reserved after every argument was already on the
// stack - occupy whatever offset range sits beyond the args (§3, §4.3).
func localAddr(frame Frame, offset, size int) int {
	return frame.CallerStackTop - offset - size
}

func (interp *Interpreter) dispatchLocal(idx int, op Bytecode, operand []byte) error {
	frame, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}
	offset := int(Int32FromBytes(operand[:4]))
	size := int(Int32FromBytes(operand[4:8]))
	addr := localAddr(frame, offset, size)
	buf := interp.stack.Bytes()

	switch op {
	case GetLocal:
		data := make([]byte, size)
		copy(data, buf[addr:addr+size])
		return interp.stack.PushBytes(data)
	case SetLocal:
		data, err := interp.stack.PopBytes(size)
		if err != nil {
			return err
		}
		copy(buf[addr:addr+size], data[:size])
		return nil
	default:
		return wrapFatal("dispatch", ErrUnknownOpcode)
	}
}

func (interp *Interpreter) dispatchLocalPointer(idx int, operand []byte) error {
	frame, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}
	offset := int(Int32FromBytes(operand[:4]))
	size := int(Int32FromBytes(operand[4:8]))
	addr := localAddr(frame, offset, size)
	return interp.pushPointer(Addr(interp.stack.Bytes(), addr))
}

func (interp *Interpreter) dispatchIvarPointer(operand []byte) error {
	self, err := interp.popPointer()
	if err != nil {
		return err
	}
	offset := int(Int32FromBytes(operand))
	return interp.pushPointer(self + uintptr(offset))
}

func (interp *Interpreter) dispatchPoolInitialized(pool *MemoryPool, operand []byte) error {
	index := int(Int32FromBytes(operand))
	was, err := pool.Initialized(index)
	if err != nil {
		return wrapFatal("pool-initialized", err)
	}
	return interp.pushBool(was)
}

func (interp *Interpreter) dispatchPoolAccess(pool *MemoryPool, op Bytecode, operand []byte) error {
	index := int(Int32FromBytes(operand[:4]))
	size := int(Int32FromBytes(operand[4:8]))

	switch op {
	case GetConst, GetClassVar:
		data, err := pool.Get(index, size)
		if err != nil {
			return wrapFatal("pool-get", err)
		}
		cp := make([]byte, size)
		copy(cp, data)
		return interp.stack.PushBytes(cp)
	case SetConst, SetClassVar:
		data, err := interp.stack.PopBytes(size)
		if err != nil {
			return err
		}
		if err := pool.Set(index, data); err != nil {
			return wrapFatal("pool-set", err)
		}
		return nil
	default:
		return wrapFatal("dispatch", ErrUnknownOpcode)
	}
}

func (interp *Interpreter) dispatchPoolPointer(pool *MemoryPool, operand []byte) error {
	index := int(Int32FromBytes(operand))
	off, err := pool.PointerTo(index)
	if err != nil {
		return wrapFatal("pool-pointer", err)
	}
	return interp.pushPointer(Addr(pool.Bytes(), off))
}

func (interp *Interpreter) setIP(idx int, target int) error {
	frame, err := interp.frames.Get(idx)
	if err != nil {
		return err
	}
	frame.IP = target
	return interp.frames.Set(idx, frame)
}

func (interp *Interpreter) dispatchLibCall(id CompiledID) error {
	fn, err := interp.resolveLib(id)
	if err != nil {
		return err
	}

	argBytes := make([][]byte, len(fn.ArgTypes))
	// Arguments were pushed by the caller in declaration order, so pop
	// them back off in reverse to recover that order.
	for i := len(fn.ArgTypes) - 1; i >= 0; i-- {
		size := interp.ctx.InnerSizeof(fn.ArgTypes[i])
		data, err := interp.stack.PopBytes(size)
		if err != nil {
			return err
		}
		argBytes[i] = data
	}

	ret, err := interp.ffi.Invoke(interp, fn, argBytes)
	if err != nil {
		return err
	}
	if len(ret) > 0 {
		return interp.stack.PushBytes(ret)
	}
	return nil
}

// dispatchInboundClosure re-enters the interpreter from native code for
// a wrapped procedure value (§4.6). It runs its own nested frame stack,
// restoring the caller's frames afterward, since the native call that
// triggered it is itself suspended mid-instruction in the outer one.
func (interp *Interpreter) dispatchInboundClosure(callable CompiledID, argPtrs []uintptr, retPtr uintptr) error {
	if _, ok := interp.currentStackTopSnapshot(); !ok {
		return wrapFatal("inbound-closure", ErrNoStackSnapshot)
	}
	def, err := interp.resolveDef(callable)
	if err != nil {
		return err
	}

	params := make([]LocalVar, 0, len(def.Locals.Vars))
	for _, v := range def.Locals.Vars {
		if v.BlockLevel == 0 && v.Offset < def.ArgsBytesize {
			params = append(params, v)
		}
	}
	if len(params) != len(argPtrs) {
		return wrapFatal("inbound-closure", errors.Errorf(
			"closure %d expects %d arguments, native call supplied %d", callable, len(params), len(argPtrs)))
	}

	savedFrames := interp.frames
	interp.frames = FrameStack{}
	defer func() { interp.frames = savedFrames }()

	for i, p := range params {
		if err := interp.stack.PushBytes(bytesAt(argPtrs[i], p.AlignedSize)); err != nil {
			return err
		}
	}

	if err := interp.Call(def); err != nil {
		return err
	}
	if err := interp.Run(); err != nil {
		return err
	}

	retSize := interp.ctx.InnerSizeof(def.RetType)
	if retSize == 0 {
		return nil
	}
	data, err := interp.stack.PopBytes(retSize)
	if err != nil {
		return err
	}
	if retPtr != 0 {
		copy(bytesAt(retPtr, retSize), data)
	}
	return nil
}

func (interp *Interpreter) dispatchAtomic(operand []byte) error {
	op := AtomicOp(operand[0])
	width := int(operand[1])

	operandVal, err := interp.popWidth(width)
	if err != nil {
		return err
	}

	var expected uint64
	if op == AtomicCompareExchange {
		expected, err = interp.popWidth(width)
		if err != nil {
			return err
		}
	}

	addr, err := interp.popPointer()
	if err != nil {
		return err
	}

	prior, _, err := AtomicRMW(op, width, addr, operandVal, expected)
	if err != nil {
		return err
	}
	return interp.pushWidth(width, prior)
}

func (interp *Interpreter) enterPry(idx int) error {
	if interp.pry == nil {
		return nil
	}
	return interp.pry.enter(interp, idx)
}

func (interp *Interpreter) dispatchIntArith(op Bytecode) error {
	b, err := interp.popInt32()
	if err != nil {
		return err
	}
	a, err := interp.popInt32()
	if err != nil {
		return err
	}
	var r int32
	switch op {
	case Addi:
		r = a + b
	case Subi:
		r = a - b
	case Muli:
		r = a * b
	case Divi:
		if b == 0 {
			return wrapFatal("divide-by-zero", errors.New("integer division by zero"))
		}
		r = a / b
	}
	return interp.pushInt32(r)
}

func (interp *Interpreter) dispatchFloatArith(op Bytecode) error {
	b, err := interp.popFloat64()
	if err != nil {
		return err
	}
	a, err := interp.popFloat64()
	if err != nil {
		return err
	}
	var r float64
	switch op {
	case Addf:
		r = a + b
	case Subf:
		r = a - b
	case Mulf:
		r = a * b
	case Divf:
		r = a / b
	}
	return interp.pushFloat64(r)
}

func (interp *Interpreter) dispatchCompare(op Bytecode) error {
	switch op {
	case Cmpu:
		b, err := interp.popUint32()
		if err != nil {
			return err
		}
		a, err := interp.popUint32()
		if err != nil {
			return err
		}
		return interp.pushInt32(compareOrdered(a, b))
	case Cmps:
		b, err := interp.popInt32()
		if err != nil {
			return err
		}
		a, err := interp.popInt32()
		if err != nil {
			return err
		}
		return interp.pushInt32(compareOrdered(a, b))
	case Cmpf:
		b, err := interp.popFloat64()
		if err != nil {
			return err
		}
		a, err := interp.popFloat64()
		if err != nil {
			return err
		}
		return interp.pushInt32(compareOrdered(a, b))
	default:
		return wrapFatal("dispatch", ErrUnknownOpcode)
	}
}

// compareOrdered generalizes the teacher's compare[T] helper (vm.go)
// across the three orderable stack-value types this core compares.
func compareOrdered[T int32 | uint32 | float64](a, b T) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// --- typed push/pop helpers over the raw byte stack.

func (interp *Interpreter) pushInt32(v int32) error {
	b := make([]byte, 4)
	Int32ToBytes(v, b)
	return interp.stack.PushBytes(b)
}

func (interp *Interpreter) popInt32() (int32, error) {
	b, err := interp.stack.PopBytes(4)
	if err != nil {
		return 0, err
	}
	return Int32FromBytes(b), nil
}

func (interp *Interpreter) popUint32() (uint32, error) {
	b, err := interp.stack.PopBytes(4)
	if err != nil {
		return 0, err
	}
	return Uint32FromBytes(b), nil
}

func (interp *Interpreter) pushFloat64(v float64) error {
	b := make([]byte, 8)
	Uint64ToBytes(math.Float64bits(v), b)
	return interp.stack.PushBytes(b)
}

func (interp *Interpreter) popFloat64() (float64, error) {
	b, err := interp.stack.PopBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(Uint64FromBytes(b)), nil
}

func (interp *Interpreter) pushBool(v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	return interp.stack.PushBytes(b)
}

func (interp *Interpreter) popBool() (bool, error) {
	b, err := interp.stack.PopBytes(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (interp *Interpreter) pushPointer(p uintptr) error {
	b := make([]byte, 8)
	uintptrToBytes(p, b)
	return interp.stack.PushBytes(b)
}

func (interp *Interpreter) popPointer() (uintptr, error) {
	b, err := interp.stack.PopBytes(8)
	if err != nil {
		return 0, err
	}
	return uintptrFromBytes(b), nil
}

func (interp *Interpreter) popWidth(width int) (uint64, error) {
	b, err := interp.stack.PopBytes(width)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}

func (interp *Interpreter) pushWidth(width int, v uint64) error {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return interp.stack.PushBytes(b)
}
