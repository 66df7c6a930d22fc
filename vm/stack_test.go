package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func align8(n int) int { return ((n + 7) / 8) * 8 }

func TestStackPushPopRoundTrip(t *testing.T) {
	s, err := NewStack(4096, align8)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PushBytes([]byte{1, 2, 3, 4}))
	got, err := s.PopBytes(4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestStackOverflow(t *testing.T) {
	s, err := NewStack(16, align8)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GrowBy(17)
	require.ErrorIs(t, err, ErrStackOverflow)
}

func TestStackUnderflow(t *testing.T) {
	s, err := NewStack(16, align8)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ShrinkBy(8)
	require.ErrorIs(t, err, ErrStackUnderflow)
}

func TestStackGrowZeroFillsAndShrinkClears(t *testing.T) {
	s, err := NewStack(4096, align8)
	require.NoError(t, err)
	defer s.Close()

	region, err := s.GrowBy(8)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), region)

	copy(region, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	top := s.Top()

	_, err = s.ShrinkBy(8)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), s.Bytes()[top:top+8], "bytes must be zeroed on release")
}

func TestStackMoveToAndFrom(t *testing.T) {
	s, err := NewStack(4096, align8)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PushBytes([]byte{1, 2, 3, 4}))
	dst := s.Cap() - 4
	require.NoError(t, s.MoveTo(dst, 4))
	require.Equal(t, []byte{1, 2, 3, 4}, s.Bytes()[dst:dst+4])

	require.NoError(t, s.MoveFrom(dst, 4))
	got, err := s.PopBytes(4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}
