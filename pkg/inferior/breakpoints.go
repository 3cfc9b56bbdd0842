package inferior

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var breakpointIDCounter = atomic.NewUint64(0)

// SoftwareBreakpoint is an instruction patch at one address of an inferior.
// It stores the bytes it overwrote so Remove can restore them exactly.
type SoftwareBreakpoint struct {
	id    uint64
	owner *ProcessBreakpointSet

	addr         uint64
	originalData []byte
	inserted     bool
}

// ID returns the process-wide identifier assigned at creation.
func (bp *SoftwareBreakpoint) ID() uint64 { return bp.id }

// Addr returns the address the breakpoint patches.
func (bp *SoftwareBreakpoint) Addr() uint64 { return bp.addr }

// IsInserted reports whether the instruction patch is currently in place.
func (bp *SoftwareBreakpoint) IsInserted() bool { return bp.inserted }

// OriginalData returns the bytes the patch replaced, nil until inserted.
func (bp *SoftwareBreakpoint) OriginalData() []byte { return bp.originalData }

// Insert patches the breakpoint instruction over the target address.
func (bp *SoftwareBreakpoint) Insert() error {
	if bp.inserted {
		bp.owner.log.Errorf("breakpoint %d already inserted at %#x", bp.id, bp.addr)
		return BreakpointExistsError{Addr: bp.addr}
	}
	proc := bp.owner.proc
	if !proc.IsAttached() {
		bp.owner.log.Errorf("inserting breakpoint at %#x on a detached process", bp.addr)
		return ErrNotAttached
	}
	instr := proc.arch.BreakpointInstruction()

	orig := make([]byte, len(instr))
	if err := proc.memory.ReadMemory(bp.addr, orig); err != nil {
		bp.owner.log.Errorf("reading original bytes at %#x: %v", bp.addr, err)
		return err
	}
	if bytes.Equal(orig, instr) {
		bp.owner.log.Warnf("address %#x already contains a breakpoint instruction", bp.addr)
	}
	if err := proc.memory.WriteMemory(bp.addr, instr); err != nil {
		bp.owner.log.Errorf("writing breakpoint at %#x: %v", bp.addr, err)
		return err
	}
	bp.originalData = orig
	bp.inserted = true
	return nil
}

// Remove restores the original bytes.
func (bp *SoftwareBreakpoint) Remove() error {
	if !bp.inserted {
		return NoBreakpointError{Addr: bp.addr}
	}
	proc := bp.owner.proc
	if !proc.IsAttached() {
		bp.owner.log.Errorf("removing breakpoint at %#x from a detached process", bp.addr)
		return ErrNotAttached
	}
	if err := proc.memory.WriteMemory(bp.addr, bp.originalData); err != nil {
		bp.owner.log.Errorf("restoring original bytes at %#x: %v", bp.addr, err)
		return err
	}
	bp.originalData = nil
	bp.inserted = false
	return nil
}

// ProcessBreakpointSet owns the software breakpoints of one process, keyed
// by address. At most one breakpoint exists per address.
type ProcessBreakpointSet struct {
	proc *Process // non-owning back-reference
	bps  map[uint64]*SoftwareBreakpoint
	log  *logrus.Entry
}

func newProcessBreakpointSet(proc *Process, log *logrus.Entry) *ProcessBreakpointSet {
	return &ProcessBreakpointSet{
		proc: proc,
		bps:  make(map[uint64]*SoftwareBreakpoint),
		log:  log,
	}
}

// InsertBreakpoint creates and inserts a software breakpoint at addr. A
// second insert at an occupied address fails and leaves the existing
// breakpoint intact.
func (set *ProcessBreakpointSet) InsertBreakpoint(addr uint64) (*SoftwareBreakpoint, error) {
	if _, ok := set.bps[addr]; ok {
		return nil, BreakpointExistsError{Addr: addr}
	}
	bp := &SoftwareBreakpoint{
		id:    breakpointIDCounter.Add(1),
		owner: set,
		addr:  addr,
	}
	if err := bp.Insert(); err != nil {
		return nil, err
	}
	set.bps[addr] = bp
	return bp, nil
}

// RemoveBreakpoint removes the breakpoint at addr, restoring the patched
// bytes.
func (set *ProcessBreakpointSet) RemoveBreakpoint(addr uint64) error {
	bp, ok := set.bps[addr]
	if !ok {
		return NoBreakpointError{Addr: addr}
	}
	if err := bp.Remove(); err != nil {
		return err
	}
	delete(set.bps, addr)
	return nil
}

// BreakpointAtAddress looks up the breakpoint patched at addr.
func (set *ProcessBreakpointSet) BreakpointAtAddress(addr uint64) (*SoftwareBreakpoint, bool) {
	bp, ok := set.bps[addr]
	return bp, ok
}

// Size returns the number of inserted breakpoints.
func (set *ProcessBreakpointSet) Size() int { return len(set.bps) }

// RemoveAll restores every patched address. Removal failures are logged and
// the sweep continues; entries are dropped either way because the set is
// being torn down.
func (set *ProcessBreakpointSet) RemoveAll() {
	for addr, bp := range set.bps {
		if bp.inserted {
			if err := bp.Remove(); err != nil {
				set.log.Warnf("removing breakpoint at %#x during teardown: %v", addr, err)
			}
		}
		delete(set.bps, addr)
	}
}

// SingleStepBreakpoint arms the hardware single-step trap flag for one
// thread. It has no byte payload; insertion and removal toggle a bit in the
// thread's register image.
type SingleStepBreakpoint struct {
	thread   *Thread // non-owning back-reference
	inserted bool
	// addr records the PC the step was started from, for diagnostics.
	addr uint64
}

// Addr returns the PC the single-step was armed at.
func (bp *SingleStepBreakpoint) Addr() uint64 { return bp.addr }

// IsInserted reports whether the trap flag is armed.
func (bp *SingleStepBreakpoint) IsInserted() bool { return bp.inserted }

// insert and remove re-read the register image from the kernel before
// toggling the flag; the thread's cache may be unfilled when called through
// the exported set.
func (bp *SingleStepBreakpoint) insert() error {
	t := bp.thread
	if t.handle == nil {
		return ErrNotAttached
	}
	regs, err := t.handle.GetGeneralRegisters()
	if err != nil {
		return err
	}
	t.proc.arch.SetSingleStep(&regs, true)
	if err := t.handle.SetGeneralRegisters(regs); err != nil {
		return err
	}
	t.regs = regs
	t.regsValid = true
	bp.addr = regs.PC
	bp.inserted = true
	return nil
}

func (bp *SingleStepBreakpoint) remove() error {
	t := bp.thread
	if t.handle == nil {
		return ErrNotAttached
	}
	regs, err := t.handle.GetGeneralRegisters()
	if err != nil {
		return err
	}
	t.proc.arch.SetSingleStep(&regs, false)
	if err := t.handle.SetGeneralRegisters(regs); err != nil {
		return err
	}
	t.regs = regs
	t.regsValid = true
	bp.inserted = false
	return nil
}

// ThreadBreakpointSet owns the single-step breakpoint of one thread. At
// most one exists at a time.
type ThreadBreakpointSet struct {
	thread     *Thread // non-owning back-reference
	singleStep *SingleStepBreakpoint
	log        *logrus.Entry
}

func newThreadBreakpointSet(thread *Thread, log *logrus.Entry) *ThreadBreakpointSet {
	return &ThreadBreakpointSet{thread: thread, log: log}
}

// InsertSingleStepBreakpoint arms the single-step trap flag. Fails without
// disturbing an already-armed single-step.
func (set *ThreadBreakpointSet) InsertSingleStepBreakpoint() error {
	if set.singleStep != nil {
		set.log.Errorf("thread %d already has a single-step breakpoint", set.thread.id)
		return BreakpointExistsError{Addr: set.singleStep.addr}
	}
	bp := &SingleStepBreakpoint{thread: set.thread}
	if err := bp.insert(); err != nil {
		return err
	}
	set.singleStep = bp
	return nil
}

// RemoveSingleStepBreakpoint disarms the trap flag.
func (set *ThreadBreakpointSet) RemoveSingleStepBreakpoint() error {
	if set.singleStep == nil {
		return NoBreakpointError{}
	}
	err := set.singleStep.remove()
	set.singleStep = nil
	return err
}

// HasSingleStepBreakpoint reports whether a single-step is armed.
func (set *ThreadBreakpointSet) HasSingleStepBreakpoint() bool {
	return set.singleStep != nil
}

// SingleStepBreakpoint returns the armed single-step breakpoint, if any.
func (set *ThreadBreakpointSet) SingleStepBreakpoint() (*SingleStepBreakpoint, bool) {
	return set.singleStep, set.singleStep != nil
}
