package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFFIBridgeInvokeMarshalsArgsAndReturn(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	interp := newTestInterpreter(t)

	fn := &LibFunction{
		Name:     "add",
		ArgTypes: []TypeID{int32Type, int32Type},
		RetType:  int32Type,
		Native: func(a NativeArgs) error {
			x := Int32FromBytes(bytesAt(a.Ptrs[0], 4))
			y := Int32FromBytes(bytesAt(a.Ptrs[1], 4))
			Int32ToBytes(x+y, bytesAt(a.RetPtr, 4))
			return nil
		},
	}

	xBuf, yBuf := make([]byte, 4), make([]byte, 4)
	Int32ToBytes(2, xBuf)
	Int32ToBytes(3, yBuf)

	bridge := NewFFIBridge(ctx)
	ret, err := bridge.Invoke(interp, fn, [][]byte{xBuf, yBuf})
	require.NoError(t, err)
	require.Equal(t, int32(5), Int32FromBytes(ret))
}

func TestFFIBridgeTooManyArgsIsFatal(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	interp := newTestInterpreter(t)

	argTypes := make([]TypeID, MaxFFIArgs+1)
	argBytes := make([][]byte, MaxFFIArgs+1)
	for i := range argTypes {
		argTypes[i] = int32Type
		argBytes[i] = make([]byte, 4)
	}
	fn := &LibFunction{Name: "tooMany", ArgTypes: argTypes, Native: func(NativeArgs) error { return nil }}

	_, err := NewFFIBridge(ctx).Invoke(interp, fn, argBytes)
	require.ErrorIs(t, err, ErrTooManyFFIArgs)
}

func TestFFIBridgeArgCountMismatchErrors(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	interp := newTestInterpreter(t)

	fn := &LibFunction{
		Name:     "needsTwo",
		ArgTypes: []TypeID{int32Type, int32Type},
		Native:   func(NativeArgs) error { return nil },
	}

	_, err := NewFFIBridge(ctx).Invoke(interp, fn, [][]byte{make([]byte, 4)})
	require.Error(t, err)
}

func TestFFIBridgeProcArgWithNonNullClosureDataIsFatal(t *testing.T) {
	ctx := NewStaticContext(8)
	procType := ctx.register("Proc", KindPrimitive, 16)
	interp := newTestInterpreter(t)

	fn := &LibFunction{
		Name:           "callsBack",
		ArgTypes:       []TypeID{procType},
		ProcArgIndices: []int{0},
		Native: func(a NativeArgs) error {
			return a.Call(0, nil, 0)
		},
	}

	slot := make([]byte, 16)
	Int32ToBytes(9, slot[:4])
	slot[8] = 0x01 // non-null closure_data half

	_, err := NewFFIBridge(ctx).Invoke(interp, fn, [][]byte{slot})
	require.ErrorIs(t, err, ErrClosureDataSet)
}

func TestClosureRegistryAcquireExhaustionAndRelease(t *testing.T) {
	reg := newClosureRegistry(1)
	interp := newTestInterpreter(t)

	cc1, err := reg.acquire(interp, 1)
	require.NoError(t, err)
	require.NotNil(t, cc1)

	_, err = reg.acquire(interp, 2)
	require.Error(t, err)

	reg.releaseAll(interp)

	cc2, err := reg.acquire(interp, 3)
	require.NoError(t, err)
	require.Equal(t, CompiledID(3), cc2.Callable())
}

func TestDispatchInboundClosureReentersInterpreter(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	interp := newTestInterpreter(t)

	asm := NewAssembler()
	body, err := asm.Assemble(`
		get_local 0 8
		get_local 0 8
		addi
		leave 4
	`)
	require.NoError(t, err)

	def := &CompiledDef{
		ID:           7,
		Name:         "double",
		ArgsBytesize: 8,
		RetType:      int32Type,
		Locals: LocalVarLayout{
			Vars:        []LocalVar{{Name: "x", Type: int32Type, Offset: 0, AlignedSize: 8}},
			MaxBytesize: 8,
		},
		Instructions: body,
	}
	interp.RegisterDef(def)

	interp.pushStackTopSnapshot(interp.Stack().Top())
	defer interp.popStackTopSnapshot()

	argBuf := make([]byte, 8)
	Int32ToBytes(21, argBuf[:4])
	retBuf := make([]byte, 4)

	err = interp.dispatchInboundClosure(def.ID, []uintptr{Addr(argBuf, 0)}, Addr(retBuf, 0))
	require.NoError(t, err)
	require.Equal(t, int32(42), Int32FromBytes(retBuf))
}

func TestDispatchInboundClosureWithoutSnapshotIsFatal(t *testing.T) {
	interp := newTestInterpreter(t)
	def := &CompiledDef{ID: 1, Name: "noop"}
	interp.RegisterDef(def)

	err := interp.dispatchInboundClosure(def.ID, nil, 0)
	require.ErrorIs(t, err, ErrNoStackSnapshot)
}
