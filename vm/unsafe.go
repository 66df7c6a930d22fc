package vm

import "unsafe"

// unsafeSlicePointer returns an unsafe.Pointer to the first byte of b,
// for the const-pool init flag, which needs to hand a real address to
// sync/atomic rather than working through Stack's own offset-based
// addressing.
func unsafeSlicePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// uintptrFromBytes and uintptrToBytes convert between a uintptr and a
// raw 8-byte little-endian stack slot, the representation used for pointer-typed
// locals (self, proc closure_data, referent pointers for migration).
func uintptrFromBytes(b []byte) uintptr {
	return uintptr(Uint64FromBytes(b))
}

func uintptrToBytes(p uintptr, b []byte) {
	Uint64ToBytes(uint64(p), b)
}

// bytesAt reinterprets a raw process address as a byte slice of length
// n. Used only at the FFI boundary, where the
// pointer is known (by spec) to be "an opaque pointer whose lifetime is
// managed elsewhere" - i.e. genuinely live memory outside our stack/pool
// buffers.
func bytesAt(addr uintptr, n int) []byte {
	if addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
