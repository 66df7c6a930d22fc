package vm

// ProgramName is the literal program name synthesized as argv[0] for
// every interpreted program (§6: "the literal program name icr").
const ProgramName = "icr"

// BuildArgv synthesizes the interpreted program's argv exactly per §6:
// "argv.size + 1" entries - the literal program name followed by each
// user-supplied argument, in order.
func BuildArgv(userArgs []string) []string {
	argv := make([]string, 0, len(userArgs)+1)
	argv = append(argv, ProgramName)
	argv = append(argv, userArgs...)
	return argv
}

// Argc returns argc for an argv built by BuildArgv - just its length,
// kept as a named accessor since spec.md calls out argc and argv as two
// distinct driver-exposed values rather than one.
func Argc(argv []string) int { return len(argv) }

// NativeArgv packs argv as a flat pointer array over native byte
// buffers, one per entry, matching the uintptr-addressed shape
// NativeArgs.Ptrs already uses for ordinary FFI call arguments (ffi.go)
// rather than inventing a separate string-marshaling convention. bufs
// holds the real backing arrays so they stay reachable for as long as
// ptrs (plain uintptrs, invisible to the GC) are in use.
type NativeArgv struct {
	bufs [][]byte
	ptrs []uintptr
}

// NewNativeArgv lays out argv as NUL-terminated byte buffers and
// returns the pointer vector a lib_call argument of a string-array type
// would receive.
func NewNativeArgv(argv []string) *NativeArgv {
	n := &NativeArgv{
		bufs: make([][]byte, len(argv)),
		ptrs: make([]uintptr, len(argv)),
	}
	for i, s := range argv {
		b := make([]byte, len(s)+1)
		copy(b, s)
		n.bufs[i] = b
		n.ptrs[i] = Addr(b, 0)
	}
	return n
}

func (n *NativeArgv) Ptrs() []uintptr { return n.ptrs }
