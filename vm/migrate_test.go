package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateLocalsSameTypeIsByteCopy(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "a", Type: int32Type, Offset: 0, AlignedSize: 8}},
		MaxBytesize: 8,
	}
	oldData := make([]byte, 8)
	Int32ToBytes(7, oldData[:4])

	newLayout, newData, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"a": int32Type})
	require.NoError(t, err)
	require.Equal(t, oldData, newData)
	require.Equal(t, int32Type, newLayout.Vars[0].Type)
}

func TestMigrateLocalsWidensPrimitiveToUnion(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	unionType := ctx.RegisterUnion("MixedA", 8)

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "a", Type: int32Type, Offset: 0, AlignedSize: 8}},
		MaxBytesize: 8,
	}
	oldData := make([]byte, 8)
	Int32ToBytes(7, oldData[:4])

	newLayout, newData, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"a": unionType})
	require.NoError(t, err)
	require.Equal(t, 16, newLayout.Vars[0].AlignedSize)

	tag := Uint64FromBytes(newData[:TagBytes])
	require.Equal(t, uint64(int32Type), tag)
	require.Equal(t, int32(7), Int32FromBytes(newData[TagBytes:TagBytes+4]))
}

func TestMigrateLocalsWidensReferenceToUnion(t *testing.T) {
	ctx := NewStaticContext(8)
	refType := ctx.RegisterReference("Ref", KindReference)
	unionType := ctx.RegisterUnion("MixedA", 8)

	ptrBytes := make([]byte, 8)
	Uint64ToBytes(0xdeadbeef, ptrBytes)

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "b", Type: refType, Offset: 0, AlignedSize: 8}},
		MaxBytesize: 8,
	}

	newLayout, newData, err := MigrateLocals(ctx, oldLayout, ptrBytes, MetaVars{"b": unionType})
	require.NoError(t, err)
	require.Equal(t, 16, newLayout.Vars[0].AlignedSize)

	tag := Uint64FromBytes(newData[:TagBytes])
	require.Equal(t, uint64(refType), tag)
	require.Equal(t, ptrBytes, newData[TagBytes:TagBytes+8])
}

func TestMigrateLocalsNilReferenceWidensWithZeroPayload(t *testing.T) {
	ctx := NewStaticContext(8)
	refType := ctx.RegisterReference("NilableRef", KindNilableReference)
	unionType := ctx.RegisterUnion("MixedA", 8)

	nilPtrBytes := make([]byte, 8)

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "b", Type: refType, Offset: 0, AlignedSize: 8}},
		MaxBytesize: 8,
	}

	_, newData, err := MigrateLocals(ctx, oldLayout, nilPtrBytes, MetaVars{"b": unionType})
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), newData[TagBytes:TagBytes+8])
}

func TestMigrateLocalsWidensUnionToWiderUnion(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	unionA := ctx.RegisterUnion("MixedA", 8)
	unionB := ctx.RegisterUnion("MixedB", 16)

	oldData := make([]byte, 16)
	Uint64ToBytes(uint64(int32Type), oldData[:TagBytes])
	Int32ToBytes(42, oldData[TagBytes:TagBytes+4])

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "c", Type: unionA, Offset: 0, AlignedSize: 16}},
		MaxBytesize: 16,
	}

	newLayout, newData, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"c": unionB})
	require.NoError(t, err)
	require.Equal(t, 24, newLayout.Vars[0].AlignedSize)
	require.Equal(t, oldData[:TagBytes], newData[:TagBytes])
	require.Equal(t, oldData[TagBytes:TagBytes+8], newData[TagBytes:TagBytes+8])
}

func TestMigrateLocalsSameAlignedSizeUnionToUnionIsVerbatimCopy(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	unionA := ctx.RegisterUnion("MixedA", 8)
	unionC := ctx.RegisterUnion("MixedC", 8)

	oldData := make([]byte, 16)
	Uint64ToBytes(uint64(int32Type), oldData[:TagBytes])
	Int32ToBytes(99, oldData[TagBytes:TagBytes+4])

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "d", Type: unionA, Offset: 0, AlignedSize: 16}},
		MaxBytesize: 16,
	}

	newLayout, newData, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"d": unionC})
	require.NoError(t, err)
	require.Equal(t, 16, newLayout.Vars[0].AlignedSize)
	require.Equal(t, oldData, newData)
}

func TestMigrateLocalsTypeChangeBetweenNonUnionsIsFatal(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")
	boolType := ctx.TypeID("Bool")

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "a", Type: int32Type, Offset: 0, AlignedSize: 8}},
		MaxBytesize: 8,
	}
	oldData := make([]byte, 8)

	_, _, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"a": boolType})
	require.ErrorIs(t, err, ErrTypeChanged)
}

func TestMigrateLocalsUnhandledPayloadTooSmallIsFatal(t *testing.T) {
	ctx := NewStaticContext(8)
	virtualType := ctx.RegisterReference("SomeVirtual", KindVirtual)
	tinyUnion := ctx.RegisterUnion("TinyUnion", 4)

	oldData := make([]byte, 8)

	oldLayout := LocalVarLayout{
		Vars:        []LocalVar{{Name: "v", Type: virtualType, Offset: 0, AlignedSize: 8}},
		MaxBytesize: 8,
	}

	_, _, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"v": tinyUnion})
	require.ErrorIs(t, err, ErrMigrationUnhandled)
}

func TestMigrateLocalsNewNameStartsZeroed(t *testing.T) {
	ctx := NewStaticContext(8)
	int32Type := ctx.TypeID("Int32")

	oldLayout := LocalVarLayout{}
	oldData := []byte{}

	newLayout, newData, err := MigrateLocals(ctx, oldLayout, oldData, MetaVars{"fresh": int32Type})
	require.NoError(t, err)
	require.Len(t, newLayout.Vars, 1)
	require.Equal(t, make([]byte, 8), newData)
}
