package vm

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// OffsetFromInitialized is the fixed byte offset, from the start of a
// constants/class-var slot, at which the one-byte "initialized" flag
// lives (§3, §6).
const OffsetFromInitialized = 0

// MemoryPool is a context-owned byte region, sized by its owner through
// Resize to match declared totals (§3 Constants / Class Vars Memory);
// the interpreter itself never resizes it. Each slot is prefixed by a single-byte initialized flag
// at OffsetFromInitialized; the flag transitions exactly once from 0 to
// 1 (§8 Init-flag monotonicity), checked with a sequentially-consistent
// test-and-set per §5's concurrency note.
type MemoryPool struct {
	mu     sync.Mutex
	region []byte
	// slotOffset maps a slot index to its absolute byte offset within
	// region; slots can vary in size so this isn't just index*stride.
	slotOffset []int
	slotSize   []int
}

// Resize grows or replaces the pool's backing region to hold the given
// per-slot sizes, preserving no state across a resize (a fresh top-level
// invocation always starts from an empty pool - §3).
func (p *MemoryPool) Resize(slotSizes []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slotOffset = make([]int, len(slotSizes))
	p.slotSize = make([]int, len(slotSizes))
	total := 0
	for i, sz := range slotSizes {
		p.slotOffset[i] = total
		p.slotSize[i] = sz
		total += sz
	}
	p.region = make([]byte, total)
}

func (p *MemoryPool) slot(index int) ([]byte, error) {
	if index < 0 || index >= len(p.slotOffset) {
		return nil, ErrSlotOutOfRange
	}
	off := p.slotOffset[index]
	return p.region[off : off+p.slotSize[index]], nil
}

// Initialized atomically tests-and-sets the slot's init flag, returning
// whether it was already initialized before this call. This backs the
// const_initialized?(index) opcode (§4.2): the CAS itself decides
// whether the caller must now run the initializer.
func (p *MemoryPool) Initialized(index int) (bool, error) {
	s, err := p.slot(index)
	if err != nil {
		return false, err
	}
	flagPtr := (*uint32)(nil)
	_ = flagPtr
	// Use a 4-byte CAS region aligned at the slot start so the flag can
	// ride sync/atomic rather than a hand-rolled spinlock; only the low
	// byte is semantically the flag.
	word := (*atomic.Uint32)(ptrToUint32(s[OffsetFromInitialized:]))
	for {
		old := word.Load()
		if old&1 == 1 {
			return true, nil
		}
		if word.CompareAndSwap(old, old|1) {
			return false, nil
		}
	}
}

// Get reads size bytes from the slot's payload area (immediately after
// the flag word).
func (p *MemoryPool) Get(index int, size int) ([]byte, error) {
	s, err := p.slot(index)
	if err != nil {
		return nil, err
	}
	start := OffsetFromInitialized + 4
	return s[start : start+size], nil
}

// Set writes size bytes into the slot's payload area.
func (p *MemoryPool) Set(index int, data []byte) error {
	s, err := p.slot(index)
	if err != nil {
		return err
	}
	start := OffsetFromInitialized + 4
	copy(s[start:start+len(data)], data)
	return nil
}

// PointerTo returns the absolute offset of the slot's payload area
// within the pool's backing region (for get_const_pointer/style ops).
func (p *MemoryPool) PointerTo(index int) (int, error) {
	s, err := p.slot(index)
	if err != nil {
		return 0, err
	}
	off := Addr(p.region, 0)
	return int(Addr(s, OffsetFromInitialized+4) - off), nil
}

func (p *MemoryPool) Bytes() []byte { return p.region }

// ClosureContext is the opaque handle a Context hands back from
// FFIClosureContext (§4.5 step 2, §6): it captures whatever the native
// callback dispatcher needs (interpreter + callable id) to re-enter the
// interpreter from native code.
type ClosureContext interface {
	Interpreter() *Interpreter
	Callable() CompiledID
}

// ClosureDispatcher is the native-facing entry point a wrapped procedure
// value resolves to; FFIClosureFunc returns one function usable for every
// wrapped closure, parameterized at call time by the ClosureContext
// supplied when the closure was built (§4.6).
type ClosureDispatcher func(cc ClosureContext, argPtrs []uintptr, retPtr uintptr) error

// Context is the external collaborator the core consumes (§6 Context
// API). The type checker, compiler, disassembler, and AST are all
// implemented elsewhere; Context is this core's only window into them.
type Context interface {
	AlignedSizeof(t TypeID) int
	InnerSizeof(t TypeID) int
	Align(n int) int

	TypeID(name string) TypeID
	TypeFromID(id TypeID) (string, bool)
	TypeInfo(id TypeID) (TypeInfo, bool)

	ConstantsPool() *MemoryPool
	ClassVarsPool() *MemoryPool

	// FFIClosureContext builds (or retrieves a pooled) ClosureContext for
	// a proc value being passed across the FFI boundary (§4.5 step 2).
	FFIClosureContext(interp *Interpreter, callable CompiledID) (ClosureContext, error)
	FFIClosureFunc() ClosureDispatcher

	// ReleaseClosures reclaims any pooled closure contexts owned by
	// interp. Called from Interpreter.Close (§9 open question: pool and
	// reclaim on shutdown).
	ReleaseClosures(interp *Interpreter)
}

// StaticContext is a minimal, concrete Context sufficient to run the
// end-to-end scenarios in spec.md §8 and drive cmd/icr. It is
// intentionally not a full type-checker/compiler - that collaborator is
// explicitly out of scope (§1 Purpose & Scope).
type StaticContext struct {
	mu        sync.Mutex
	names     map[string]TypeID
	infos     map[TypeID]TypeInfo
	nextID    TypeID
	alignment int

	constants *MemoryPool
	classVars *MemoryPool

	closures *closureRegistry
}

// NewStaticContext builds a StaticContext with the built-in primitive
// types pre-registered (Int32, Float64, Bool, Nil) at the given
// alignment (commonly 8 for this core's 8-byte Mixed-union tag and
// pointer-sized values).
func NewStaticContext(alignment int) *StaticContext {
	if alignment <= 0 {
		alignment = 8
	}
	ctx := &StaticContext{
		names:     make(map[string]TypeID),
		infos:     make(map[TypeID]TypeInfo),
		alignment: alignment,
		constants: &MemoryPool{},
		classVars: &MemoryPool{},
		closures:  newClosureRegistry(256),
	}
	ctx.register("Nil", KindPrimitive, 0)
	ctx.register("Bool", KindPrimitive, 1)
	ctx.register("Int32", KindPrimitive, 4)
	ctx.register("Float64", KindPrimitive, 8)
	return ctx
}

func (c *StaticContext) register(name string, kind Kind, size int) TypeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.names[name] = id
	c.infos[id] = TypeInfo{ID: id, Kind: kind, AlignedSize: c.align(size)}
	return id
}

// RegisterUnion registers a Mixed union type whose payload must be able
// to hold payloadSize bytes (the widest member), used by migration tests
// to model a union that "grew" across a REPL re-entry (§4.4).
func (c *StaticContext) RegisterUnion(name string, payloadSize int) TypeID {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.names[name] = id
	c.infos[id] = TypeInfo{
		ID:          id,
		Kind:        KindMixedUnion,
		AlignedSize: c.align(TagBytes + payloadSize),
		PayloadSize: payloadSize,
	}
	c.mu.Unlock()
	return id
}

// RegisterReference registers a reference-kind type (pointer-sized) of
// the given Kind (Reference/NilableReference/Virtual).
func (c *StaticContext) RegisterReference(name string, kind Kind) TypeID {
	return c.register(name, kind, 8)
}

func (c *StaticContext) Align(n int) int {
	if n <= 0 {
		return 0
	}
	a := c.alignment
	return ((n + a - 1) / a) * a
}

func (c *StaticContext) AlignedSizeof(t TypeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infos[t].AlignedSize
}

func (c *StaticContext) InnerSizeof(t TypeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.infos[t]
	if info.Kind == KindMixedUnion {
		return info.PayloadSize
	}
	return info.AlignedSize
}

func (c *StaticContext) TypeID(name string) TypeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.names[name]; ok {
		return id
	}
	id := c.nextID
	c.nextID++
	c.names[name] = id
	return id
}

func (c *StaticContext) TypeFromID(id TypeID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range c.names {
		if v == id {
			return name, true
		}
	}
	return "", false
}

func (c *StaticContext) TypeInfo(id TypeID) (TypeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.infos[id]
	return info, ok
}

func (c *StaticContext) ConstantsPool() *MemoryPool { return c.constants }
func (c *StaticContext) ClassVarsPool() *MemoryPool { return c.classVars }

func (c *StaticContext) FFIClosureContext(interp *Interpreter, callable CompiledID) (ClosureContext, error) {
	return c.closures.acquire(interp, callable)
}

func (c *StaticContext) FFIClosureFunc() ClosureDispatcher {
	return func(cc ClosureContext, argPtrs []uintptr, retPtr uintptr) error {
		return cc.Interpreter().dispatchInboundClosure(cc.Callable(), argPtrs, retPtr)
	}
}

func (c *StaticContext) ReleaseClosures(interp *Interpreter) {
	c.closures.releaseAll(interp)
}

var errBadPtrSlice = errors.New("slice too short for a 4-byte atomic word")

// ptrToUint32 is a tiny helper isolating the one unsafe cast the
// constants-pool init flag needs; kept separate from atomic.go's
// width-dispatched RMW table since this one is always width 4.
func ptrToUint32(b []byte) *uint32 {
	if len(b) < 4 {
		panic(errBadPtrSlice)
	}
	return (*uint32)(unsafeSlicePointer(b))
}
