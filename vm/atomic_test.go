package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicRMWAddWidth4(t *testing.T) {
	buf := make([]byte, 8)
	Uint32ToBytes(10, buf[:4])

	prior, swapped, err := AtomicRMW(AtomicAdd, 4, Addr(buf, 0), 5, 0)
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, uint64(10), prior)
	require.Equal(t, uint32(15), Uint32FromBytes(buf[:4]))
}

func TestAtomicRMWAddWidth8(t *testing.T) {
	buf := make([]byte, 8)
	Uint64ToBytes(100, buf)

	prior, swapped, err := AtomicRMW(AtomicAdd, 8, Addr(buf, 0), 23, 0)
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, uint64(100), prior)
	require.Equal(t, uint64(123), Uint64FromBytes(buf))
}

func TestAtomicRMWXchgWidth1(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = 0x07

	prior, swapped, err := AtomicRMW(AtomicXchg, 1, Addr(buf, 0), 0xAB, 0)
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, uint64(0x07), prior)
	require.Equal(t, byte(0xAB), buf[0])
	// The rest of the containing word must be untouched.
	require.Equal(t, byte(0), buf[1])
}

func TestAtomicRMWXchgWidth2PreservesSiblingByte(t *testing.T) {
	buf := make([]byte, 8)
	buf[0], buf[1], buf[2], buf[3] = 0x11, 0x22, 0x33, 0x44

	_, swapped, err := AtomicRMW(AtomicXchg, 2, Addr(buf, 1), 0x99AA, 0)
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, byte(0x11), buf[0], "byte outside the 2-byte window must be untouched")
	require.Equal(t, byte(0x44), buf[3], "byte outside the 2-byte window must be untouched")
}

func TestAtomicRMWCompareExchangeSuccessAndFailure(t *testing.T) {
	buf := make([]byte, 8)
	Uint32ToBytes(42, buf[:4])

	prior, swapped, err := AtomicRMW(AtomicCompareExchange, 4, Addr(buf, 0), 100, 42)
	require.NoError(t, err)
	require.True(t, swapped)
	require.Equal(t, uint64(42), prior)
	require.Equal(t, uint32(100), Uint32FromBytes(buf[:4]))

	prior, swapped, err = AtomicRMW(AtomicCompareExchange, 4, Addr(buf, 0), 999, 42)
	require.NoError(t, err)
	require.False(t, swapped)
	require.Equal(t, uint64(100), prior)
	require.Equal(t, uint32(100), Uint32FromBytes(buf[:4]), "failed compare-exchange must not write")
}

func TestAtomicRMWMinMax(t *testing.T) {
	buf := make([]byte, 8)
	Uint32ToBytes(10, buf[:4])

	_, _, err := AtomicRMW(AtomicMin, 4, Addr(buf, 0), 3, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(3), Uint32FromBytes(buf[:4]))

	_, _, err = AtomicRMW(AtomicMax, 4, Addr(buf, 0), 50, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(50), Uint32FromBytes(buf[:4]))
}

func TestAtomicRMWUnsupportedWidthIsFatal(t *testing.T) {
	buf := make([]byte, 8)
	_, _, err := AtomicRMW(AtomicAdd, 3, Addr(buf, 0), 1, 0)
	require.ErrorIs(t, err, ErrBadAtomicWidth)
}
