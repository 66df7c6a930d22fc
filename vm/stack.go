package vm

import (
	"encoding/binary"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// DefaultStackCapacity is the default value-stack size named in §3: "A
// contiguous byte buffer of fixed capacity (e.g., 8 MiB)".
const DefaultStackCapacity = 8 * 1024 * 1024

// Stack is the raw, byte-addressable value stack. It owns no typed
// objects - types are inferred purely from the current instruction's
// contract (§3 Value Stack). Backed by an anonymous mmap region rather
// than a bare Go slice so a configured capacity is a hard wall instead of
// something a slice append could silently grow past; the teacher's own
// `vm.stack [stackSize]byte` is a fixed array for the same reason, just
// without the guard-page story an mmap region gets for free.
//
// Addressing is by absolute offset into the backing region, growing
// downward exactly like the teacher's `*vm.sp`: top is the address of the
// most-recently-pushed byte, and it decreases as values are pushed.
type Stack struct {
	region mmap.MMap
	top    int
	align  func(int) int
}

// NewStack mmaps capacity bytes and sets top to one past the last valid
// address, mirroring the teacher's `*vm.sp = stackSize` convention
// (indexing at top itself is always invalid until something is pushed).
func NewStack(capacity int, align func(int) int) (*Stack, error) {
	if capacity <= 0 {
		capacity = DefaultStackCapacity
	}

	region, err := mmap.MapRegion(nil, capacity, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmap value stack")
	}

	return &Stack{region: region, top: capacity, align: align}, nil
}

func (s *Stack) Close() error {
	if s.region == nil {
		return nil
	}
	err := s.region.Unmap()
	s.region = nil
	return err
}

// Top returns the current stack-pointer offset.
func (s *Stack) Top() int { return s.top }

// SetTop forcibly repositions the stack pointer. Used by the frame
// protocol (§4.3) when restoring a caller's saved stack on leave, and by
// the pry session when it restores the operand stack after a prompt.
func (s *Stack) SetTop(top int) { s.top = top }

// Cap is the configured capacity in bytes.
func (s *Stack) Cap() int { return len(s.region) }

// Bytes exposes the full backing region for address arithmetic (ivar
// pointers, const pointers, and the like all resolve into this buffer or
// a sibling MemoryPool's buffer via the same Addr helper).
func (s *Stack) Bytes() []byte { return s.region }

// Addr returns the process-address (a raw uintptr) of the byte at
// offset within buf. Used for get_local_pointer / get_ivar_pointer /
// get_const_pointer (§4.2) where the opcode must hand back something an
// FFI out-call or an ivar-relative load can do pointer arithmetic on.
func Addr(buf []byte, offset int) uintptr {
	if offset < 0 || offset > len(buf) {
		panic(fatalf("stack-addressing", "offset %d out of range for buffer of length %d", offset, len(buf)))
	}
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0])) + uintptr(offset)
}

func (s *Stack) growRaw(rawSize int) ([]byte, error) {
	if rawSize < 0 {
		return nil, wrapFatal("grow_by", ErrNegativeClear)
	}
	aligned := s.align(rawSize)
	if s.top-aligned < 0 {
		return nil, wrapFatal("stack-overflow", ErrStackOverflow)
	}
	s.top -= aligned
	region := s.region[s.top : s.top+aligned]
	clear(region)
	return region, nil
}

func (s *Stack) shrinkRaw(rawSize int) ([]byte, error) {
	if rawSize < 0 {
		return nil, wrapFatal("shrink_by", ErrNegativeClear)
	}
	aligned := s.align(rawSize)
	if s.top+aligned > len(s.region) {
		return nil, wrapFatal("stack-underflow", ErrStackUnderflow)
	}
	region := s.region[s.top : s.top+aligned]
	out := make([]byte, aligned)
	copy(out, region)
	// Hot-path cost acknowledged (§4.1): zero immediately so garbage from
	// a prior call's locals never bleeds into the next one.
	clear(region)
	s.top += aligned
	return out, nil
}

// GrowBy reserves n raw bytes (aligned internally), zero-filling the
// delta, and returns the pushed region for the caller to populate.
func (s *Stack) GrowBy(n int) ([]byte, error) { return s.growRaw(n) }

// ShrinkBy frees n raw bytes (aligned internally) back to the stack,
// returning a copy of the freed bytes (truncated to the first n of them)
// before they are zeroed in place.
func (s *Stack) ShrinkBy(n int) ([]byte, error) {
	data, err := s.shrinkRaw(n)
	if err != nil {
		return nil, err
	}
	return data[:min(n, len(data))], nil
}

// PushBytes copies data onto the stack, aligning internally.
func (s *Stack) PushBytes(data []byte) error {
	region, err := s.growRaw(len(data))
	if err != nil {
		return err
	}
	copy(region, data)
	return nil
}

// PopBytes pops size raw bytes and returns them.
func (s *Stack) PopBytes(size int) ([]byte, error) { return s.ShrinkBy(size) }

// PeekBytes returns the top size bytes without moving the stack pointer.
func (s *Stack) PeekBytes(size int) []byte {
	return s.region[s.top : s.top+size]
}

// CopyTo peeks the top size bytes and writes them to dst (an absolute
// offset into the same backing buffer) without shrinking the stack.
func (s *Stack) CopyTo(dst int, size int) {
	copy(s.region[dst:dst+size], s.region[s.top:s.top+size])
}

// MoveTo copies the size bytes currently at top out to the absolute
// offset dst and shrinks the stack by aligned(size).
func (s *Stack) MoveTo(dst int, size int) error {
	data, err := s.shrinkRaw(size)
	if err != nil {
		return err
	}
	copy(s.region[dst:dst+size], data[:size])
	return nil
}

// MoveFrom grows the stack by aligned(size) and copies size bytes in
// from the absolute offset src.
func (s *Stack) MoveFrom(src int, size int) error {
	data := make([]byte, size)
	copy(data, s.region[src:src+size])
	return s.PushBytes(data)
}

// --- fixed-width little-endian helpers, generalizing the teacher's
// uint32FromBytes/uint32ToBytes/float32FromBytes pair across widths.

func Uint32FromBytes(b []byte) uint32   { return binary.LittleEndian.Uint32(b) }
func Uint32ToBytes(v uint32, b []byte)  { binary.LittleEndian.PutUint32(b, v) }
func Uint64FromBytes(b []byte) uint64   { return binary.LittleEndian.Uint64(b) }
func Uint64ToBytes(v uint64, b []byte)  { binary.LittleEndian.PutUint64(b, v) }
func Int32FromBytes(b []byte) int32     { return int32(Uint32FromBytes(b)) }
func Int32ToBytes(v int32, b []byte)    { Uint32ToBytes(uint32(v), b) }
