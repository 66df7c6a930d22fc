package vm

import (
	"sync"

	"github.com/pkg/errors"
)

// MaxFFIArgs bounds the scratch pointer vector used to marshal arguments
// across the FFI boundary (§4.5 step 1, §7): "no more than 100 arguments
// may cross in a single call."
const MaxFFIArgs = 100

// LibFunction describes one native entry point reachable via the
// lib_call opcode (§4.5). Native stands in for the actual out-call - in
// a full build this is where cgo or a platform-specific trampoline would
// live; here it is whatever the embedding cmd wires up.
type LibFunction struct {
	Name     string
	ArgTypes []TypeID
	RetType  TypeID

	// ProcArgIndices marks which entries of ArgTypes are procedure
	// values rather than plain data - the corresponding argument bytes
	// hold a CompiledID instead of a payload, and the native side is
	// expected to invoke NativeArgs.Call for that index instead of
	// reading NativeArgs.Ptrs[i] directly (§4.5 step 2, §4.6).
	ProcArgIndices []int

	Native NativeFunc
}

// NativeArgs is everything a LibFunction.Native needs: raw argument
// pointers for data args, a return-value pointer to populate, and a
// callback for invoking any procedure arguments inbound (§4.6).
type NativeArgs struct {
	Ptrs   []uintptr
	RetPtr uintptr
	Call   func(procArgIndex int, argPtrs []uintptr, retPtr uintptr) error
}

type NativeFunc func(NativeArgs) error

// FFIBridge marshals stack-resident argument bytes to a LibFunction,
// snapshotting @stack_top first so an inbound closure callback invoked
// mid-call knows where the interpreter's own stack was suspended
// (§4.5 step 3, §4.6).
type FFIBridge struct {
	ctx Context
}

func NewFFIBridge(ctx Context) *FFIBridge { return &FFIBridge{ctx: ctx} }

// Invoke marshals argBytes (one slice per declared argument, already
// popped off the value stack by the dispatch loop in declaration order)
// to fn, and returns the raw return-value bytes.
func (b *FFIBridge) Invoke(interp *Interpreter, fn *LibFunction, argBytes [][]byte) ([]byte, error) {
	if len(fn.ArgTypes) > MaxFFIArgs {
		return nil, wrapFatal("ffi-args", ErrTooManyFFIArgs)
	}
	if len(argBytes) != len(fn.ArgTypes) {
		return nil, wrapFatal("ffi-args", errors.Errorf(
			"lib_call %q expects %d arguments, got %d", fn.Name, len(fn.ArgTypes), len(argBytes)))
	}

	isProcArg := make(map[int]bool, len(fn.ProcArgIndices))
	for _, i := range fn.ProcArgIndices {
		isProcArg[i] = true
	}

	ptrs := make([]uintptr, len(fn.ArgTypes))
	for i := range fn.ArgTypes {
		if isProcArg[i] {
			// The payload is a CompiledID; the pointer slot is left
			// zero since native code reaches the closure only through
			// NativeArgs.Call, never by dereferencing Ptrs[i] (§4.5
			// step 2: "a bare function pointer is never handed
			// across the boundary for a managed procedure value").
			continue
		}
		ptrs[i] = Addr(argBytes[i], 0)
	}

	snapshot := interp.stack.Top()
	interp.pushStackTopSnapshot(snapshot)
	defer interp.popStackTopSnapshot()

	retSize := b.ctx.AlignedSizeof(fn.RetType)
	retBuf := make([]byte, retSize)
	var retPtr uintptr
	if retSize > 0 {
		retPtr = Addr(retBuf, 0)
	}

	call := func(procArgIndex int, callArgPtrs []uintptr, callRetPtr uintptr) error {
		if procArgIndex < 0 || procArgIndex >= len(argBytes) || !isProcArg[procArgIndex] {
			return wrapFatal("ffi-closure", errors.Errorf("argument %d is not a procedure value", procArgIndex))
		}

		// The slot is {callable_id, closure_data} (§4.5 step 2); the
		// closure_data half, whatever is left after the 4-byte callable
		// id, must be null or this procedure value was never legal to
		// wrap in the first place.
		slot := argBytes[procArgIndex]
		for _, bb := range slot[4:] {
			if bb != 0 {
				return wrapFatal("ffi-closure", ErrClosureDataSet)
			}
		}

		callable := CompiledID(Int32FromBytes(slot))
		cc, err := b.ctx.FFIClosureContext(interp, callable)
		if err != nil {
			return err
		}
		return b.ctx.FFIClosureFunc()(cc, callArgPtrs, callRetPtr)
	}

	if err := fn.Native(NativeArgs{Ptrs: ptrs, RetPtr: retPtr, Call: call}); err != nil {
		return nil, err
	}
	return retBuf, nil
}

// boundClosure is the concrete ClosureContext StaticContext hands back
// from FFIClosureContext: just enough to re-enter interp for callable
// from native code (§4.5 step 2).
type boundClosure struct {
	interp   *Interpreter
	callable CompiledID
}

func (b *boundClosure) Interpreter() *Interpreter { return b.interp }
func (b *boundClosure) Callable() CompiledID       { return b.callable }

// closureRegistry pools boundClosure handles per the teacher's
// devices.go mutex-guarded reset/close idiom, adapted from a hardware
// device's lifecycle to an FFI closure's: acquire hands back a live
// handle (capacity-bounded, mirroring a device's fixed resource pool),
// releaseAll reclaims every handle an interpreter instance owns when it
// shuts down (§9 open question: pool and reclaim on shutdown).
type closureRegistry struct {
	mu       sync.Mutex
	capacity int
	live     []*boundClosure
}

func newClosureRegistry(capacity int) *closureRegistry {
	return &closureRegistry{capacity: capacity}
}

func (r *closureRegistry) acquire(interp *Interpreter, callable CompiledID) (ClosureContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.live) >= r.capacity {
		return nil, wrapFatal("ffi-closure-pool", errors.Errorf(
			"closure registry exhausted (capacity %d)", r.capacity))
	}
	bc := &boundClosure{interp: interp, callable: callable}
	r.live = append(r.live, bc)
	return bc, nil
}

func (r *closureRegistry) releaseAll(interp *Interpreter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.live[:0]
	for _, bc := range r.live {
		if bc.interp != interp {
			kept = append(kept, bc)
		}
	}
	r.live = kept
}
