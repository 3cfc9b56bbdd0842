package inferior

import (
	"errors"
	"fmt"
)

// BreakpointExistsError is returned when trying to set a breakpoint at an
// address that already has one.
type BreakpointExistsError struct {
	Addr uint64
}

func (bpe BreakpointExistsError) Error() string {
	return fmt.Sprintf("breakpoint exists at %#x", bpe.Addr)
}

// NoBreakpointError is returned when trying to clear a breakpoint that does
// not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// InvalidThreadStateError is returned when an operation is requested on a
// thread that is in the wrong state for it.
type InvalidThreadStateError struct {
	Op    string
	State ThreadState
}

func (e InvalidThreadStateError) Error() string {
	return fmt.Sprintf("%s: invalid thread state %s", e.Op, e.State)
}

// InvalidProcessStateError is returned when an operation is requested on a
// process that is in the wrong state for it.
type InvalidProcessStateError struct {
	Op    string
	State ProcessState
}

func (e InvalidProcessStateError) Error() string {
	return fmt.Sprintf("%s: invalid process state %s", e.Op, e.State)
}

// ErrNotAttached is returned by operations that need a live attachment.
var ErrNotAttached = errors.New("process is not attached")

// ErrDsoListBuildFailed is latched after a loaded-module list build fails;
// the build is never retried for the same process lifetime.
var ErrDsoListBuildFailed = errors.New("loaded-module list build failed")
