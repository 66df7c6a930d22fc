package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fatal errors represent invariant violations the dispatch loop itself can
// never recover from (stack under/overflow, a migration that can't widen,
// an atomic op at an illegal width, ...). Per spec: "a fatal error
// terminates the interpreter instance - callers may restart a fresh
// instance against the same Context." Only the pry REPL catches; the
// dispatch loop never does.
type FatalError struct {
	cause   error
	invariant string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("BUG: %s: %v", e.invariant, e.cause)
}

func (e *FatalError) Unwrap() error { return e.cause }

func fatalf(invariant string, format string, args ...any) error {
	return &FatalError{invariant: invariant, cause: errors.Errorf(format, args...)}
}

func wrapFatal(invariant string, cause error) error {
	return &FatalError{invariant: invariant, cause: errors.WithStack(cause)}
}

var (
	// Stack primitives (§4.1, §8)
	ErrStackOverflow  = errors.New("stack overflow")
	ErrStackUnderflow = errors.New("stack underflow")
	ErrNegativeClear  = errors.New("negative clear width")

	// Dispatch loop / frames (§4.2, §4.3)
	ErrUnknownOpcode       = errors.New("instruction not recognized")
	ErrFrameStackEmpty     = errors.New("frame stack is empty")
	ErrNoBlockCaller       = errors.New("call_block executed outside of a yielding frame")
	ErrIllegalRegisterWrite = errors.New("illegal write to reserved register")

	// Local-variable migration (§4.4, §7)
	ErrMigrationUnhandled = errors.New("migration cannot widen from old type to new type")
	ErrTypeChanged        = errors.New("cannot alter the static type of a previously declared local")

	// FFI (§4.5, §4.6, §7)
	ErrTooManyFFIArgs  = errors.New("FFI argument count exceeds the 100 argument bound")
	ErrClosureDataSet  = errors.New("proc argument already carries non-null closure data")
	ErrNoStackSnapshot = errors.New("no @stack_top snapshot to resume an inbound callback from")

	// Atomic RMW (§4.7)
	ErrBadAtomicWidth = errors.New("unsupported atomic RMW width")

	// Constants / class-vars (§3)
	ErrSlotOutOfRange = errors.New("constant or class-var slot index out of range")
)
