package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	ctx := NewStaticContext(8)
	interp, err := NewInterpreter(ctx, WithStackCapacity(4096))
	require.NoError(t, err)
	t.Cleanup(func() { _ = interp.Close() })
	return interp
}

// argLocalDef models one int32 argument ("x", offset 0) plus one true
// int32 local beyond it ("y", offset 8) - MaxBytesize covers both,
// exercising the CallerStackTop-relative single offset space (§4.3).
func argLocalDef(id CompiledID) *CompiledDef {
	return &CompiledDef{
		ID:           id,
		Name:         "add_one",
		ArgsBytesize: 8,
		Locals: LocalVarLayout{
			Vars: []LocalVar{
				{Name: "x", Offset: 0, AlignedSize: 8},
				{Name: "y", Offset: 8, AlignedSize: 8},
			},
			MaxBytesize: 16,
		},
	}
}

func TestCallLeaveRoundTrip(t *testing.T) {
	interp := newTestInterpreter(t)
	def := argLocalDef(1)

	oldTop := interp.Stack().Top()

	argBuf := make([]byte, 8)
	Int32ToBytes(42, argBuf[:4])
	require.NoError(t, interp.Stack().PushBytes(argBuf))

	require.NoError(t, interp.Call(def))
	require.Equal(t, 1, interp.frames.Len())

	frame, err := interp.frames.Top()
	require.NoError(t, err)
	require.Equal(t, oldTop, frame.CallerStackTop)
	require.Equal(t, 0, frame.RealFrameIndex)

	xAddr := localAddr(frame, 0, 8)
	require.Equal(t, int32(42), Int32FromBytes(interp.Stack().Bytes()[xAddr:xAddr+4]))

	yAddr := localAddr(frame, 8, 8)
	yBuf := make([]byte, 4)
	Int32ToBytes(7, yBuf)
	copy(interp.Stack().Bytes()[yAddr:yAddr+4], yBuf)
	require.Equal(t, int32(7), Int32FromBytes(interp.Stack().Bytes()[yAddr:yAddr+4]))

	retBuf := make([]byte, 4)
	Int32ToBytes(99, retBuf)
	require.NoError(t, interp.Stack().PushBytes(retBuf))

	require.NoError(t, interp.Leave(4))
	require.Equal(t, 0, interp.frames.Len())

	got, err := interp.Stack().PopBytes(4)
	require.NoError(t, err)
	require.Equal(t, int32(99), Int32FromBytes(got))
	require.Equal(t, oldTop, interp.Stack().Top())
}

func TestCallWithBlockAndCallBlockShareOwnerLocals(t *testing.T) {
	interp := newTestInterpreter(t)

	owner := &CompiledDef{
		ID:   1,
		Name: "each",
		Locals: LocalVarLayout{
			Vars:        []LocalVar{{Name: "acc", Offset: 0, AlignedSize: 8}},
			MaxBytesize: 8,
		},
	}
	block := &CompiledBlock{CompiledDef: CompiledDef{ID: 2, Name: "block"}}

	require.NoError(t, interp.Call(owner))
	ownerIdx := interp.frames.TopIndex()

	require.NoError(t, interp.CallWithBlock(owner, block))
	calleeIdx := interp.frames.TopIndex()
	require.Equal(t, ownerIdx+1, calleeIdx)

	calleeFrame, err := interp.frames.Top()
	require.NoError(t, err)
	require.Equal(t, ownerIdx, calleeFrame.BlockOwnerFrameIndex)
	require.Equal(t, block, calleeFrame.PendingBlock)

	require.NoError(t, interp.CallBlock())
	require.Equal(t, calleeIdx+1, interp.frames.TopIndex())

	blockFrame, err := interp.frames.Top()
	require.NoError(t, err)
	require.Equal(t, block, blockFrame.Block)
	ownerFrame, err := interp.frames.Get(ownerIdx)
	require.NoError(t, err)
	require.Equal(t, ownerFrame.StackBottom, blockFrame.StackBottom)
	require.Equal(t, ownerIdx, blockFrame.BlockOwnerFrameIndex)
	require.Equal(t, ownerFrame.RealFrameIndex, blockFrame.RealFrameIndex)
}

func TestBreakBlockUnwindsToOwner(t *testing.T) {
	interp := newTestInterpreter(t)

	owner := &CompiledDef{ID: 1, Name: "each"}
	block := &CompiledBlock{CompiledDef: CompiledDef{ID: 2, Name: "block"}}

	oldTop := interp.Stack().Top()

	require.NoError(t, interp.Call(owner))
	require.NoError(t, interp.CallWithBlock(owner, block))
	require.NoError(t, interp.CallBlock())
	require.Equal(t, 3, interp.frames.Len())

	retBuf := make([]byte, 4)
	Int32ToBytes(13, retBuf)
	require.NoError(t, interp.Stack().PushBytes(retBuf))

	require.NoError(t, interp.BreakBlock(4))
	require.Equal(t, 1, interp.frames.Len())

	got, err := interp.Stack().PopBytes(4)
	require.NoError(t, err)
	require.Equal(t, int32(13), Int32FromBytes(got))
	require.Equal(t, oldTop, interp.Stack().Top())
}

func TestLeaveDefUnwindsNonLocalReturn(t *testing.T) {
	interp := newTestInterpreter(t)

	def := &CompiledDef{ID: 1, Name: "outer"}
	block := &CompiledBlock{CompiledDef: CompiledDef{ID: 2, Name: "block"}}

	oldTop := interp.Stack().Top()

	require.NoError(t, interp.Call(def))
	require.NoError(t, interp.CallWithBlock(def, block))
	require.NoError(t, interp.CallBlock())
	require.Equal(t, 3, interp.frames.Len())

	retBuf := make([]byte, 4)
	Int32ToBytes(5, retBuf)
	require.NoError(t, interp.Stack().PushBytes(retBuf))

	require.NoError(t, interp.LeaveDef(4))
	require.Equal(t, 0, interp.frames.Len())

	got, err := interp.Stack().PopBytes(4)
	require.NoError(t, err)
	require.Equal(t, int32(5), Int32FromBytes(got))
	require.Equal(t, oldTop, interp.Stack().Top())
}

func TestLeaveOnEmptyFrameStackIsFatal(t *testing.T) {
	interp := newTestInterpreter(t)
	err := interp.Leave(0)
	require.ErrorIs(t, err, ErrFrameStackEmpty)
}

func TestBreakBlockWithoutOwnerIsFatal(t *testing.T) {
	interp := newTestInterpreter(t)
	def := &CompiledDef{ID: 1, Name: "plain"}
	require.NoError(t, interp.Call(def))

	err := interp.BreakBlock(0)
	require.ErrorIs(t, err, ErrNoBlockCaller)
}
