package inferior

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// ThreadState is the engine's view of one inferior thread.
type ThreadState int

const (
	// ThreadNew is a thread that has been observed but not yet released
	// from its start notification.
	ThreadNew ThreadState = iota
	// ThreadInException is a thread stopped in an exception.
	ThreadInException
	// ThreadRunning is a thread believed to be scheduled.
	ThreadRunning
	// ThreadStepping is a thread resumed with the single-step trap armed.
	ThreadStepping
	// ThreadSuspended is a thread observed suspended.
	ThreadSuspended
	// ThreadExiting is a thread stopped in its exit notification.
	ThreadExiting
	// ThreadGone is terminal.
	ThreadGone
)

func (s ThreadState) String() string {
	switch s {
	case ThreadNew:
		return "new"
	case ThreadInException:
		return "in exception"
	case ThreadRunning:
		return "running"
	case ThreadStepping:
		return "stepping"
	case ThreadSuspended:
		return "suspended"
	case ThreadExiting:
		return "exiting"
	case ThreadGone:
		return "gone"
	}
	return fmt.Sprintf("thread state %d", int(s))
}

// Thread tracks one thread of an attached process. All methods must run on
// the control-plane dispatcher.
type Thread struct {
	proc   *Process // non-owning back-reference
	handle zx.Thread
	id     zx.Koid
	name   string

	state ThreadState

	// Register cache, valid after the last RefreshRegisters while the
	// thread remains stopped.
	regs      zx.GeneralRegisters
	regsValid bool

	breakpoints *ThreadBreakpointSet

	// excpReport is present only while the thread is stopped in an
	// exception.
	excpReport *zx.ExceptionReport

	log *logrus.Entry
}

func newThread(proc *Process, handle zx.Thread, koid zx.Koid) *Thread {
	t := &Thread{
		proc:   proc,
		handle: handle,
		id:     koid,
		state:  ThreadNew,
		log:    logflags.ThreadLogger().WithField("tid", koid),
	}
	t.breakpoints = newThreadBreakpointSet(t, t.log)
	if name, err := handle.Name(); err == nil {
		t.name = name
	} else {
		t.log.Debugf("thread name query failed: %v", err)
	}
	return t
}

// ID returns the thread's koid.
func (t *Thread) ID() zx.Koid { return t.id }

// Name returns the thread name cached at first observation.
func (t *Thread) Name() string { return t.name }

// State returns the engine's current view of the thread.
func (t *Thread) State() ThreadState { return t.state }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.proc }

// BreakpointSet returns the thread's single-step breakpoint set.
func (t *Thread) BreakpointSet() *ThreadBreakpointSet { return t.breakpoints }

// ExceptionReport returns the exception-context snapshot, present only
// while the thread is stopped in an exception.
func (t *Thread) ExceptionReport() (*zx.ExceptionReport, bool) {
	return t.excpReport, t.excpReport != nil
}

// Registers returns the cached register image. Valid is false if the cache
// has never been filled since the last resume.
func (t *Thread) Registers() (zx.GeneralRegisters, bool) {
	return t.regs, t.regsValid
}

func (t *Thread) setState(s ThreadState) {
	if s == t.state {
		return
	}
	t.log.Debugf("state %s -> %s", t.state, s)
	t.state = s
}

// RefreshRegisters reloads the register cache from the kernel.
func (t *Thread) RefreshRegisters() error {
	regs, err := t.handle.GetGeneralRegisters()
	if err != nil {
		t.log.Errorf("reading registers: %v", err)
		return err
	}
	t.regs = regs
	t.regsValid = true
	return nil
}

// WriteRegisters writes regs back to the kernel and updates the cache.
func (t *Thread) WriteRegisters(regs zx.GeneralRegisters) error {
	if err := t.handle.SetGeneralRegisters(regs); err != nil {
		t.log.Errorf("writing registers: %v", err)
		return err
	}
	t.regs = regs
	t.regsValid = true
	return nil
}

// OnException records an exception stop. The caller (the owning process's
// packet handler) invokes the delegate afterwards.
func (t *Thread) OnException(excpType zx.ExcpType, report *zx.ExceptionReport) {
	prev := t.state
	t.regsValid = false
	if report != nil {
		snapshot := *report
		t.excpReport = &snapshot
	} else {
		t.excpReport = &zx.ExceptionReport{Type: excpType}
	}
	if excpType == zx.ExcpThreadExiting {
		t.setState(ThreadExiting)
	} else {
		t.setState(ThreadInException)
	}
	if prev == ThreadStepping && excpType != zx.ExcpThreadExiting {
		if err := t.breakpoints.RemoveSingleStepBreakpoint(); err != nil {
			t.log.Warnf("removing single-step breakpoint: %v", err)
		}
	}
}

// OnSignal maps a state-change signal packet to the matching lifecycle
// handler. "Became suspended" and "became running" can arrive coalesced in
// one packet; the live scheduler state disambiguates, with a thread blocked
// in a syscall counting as running.
func (t *Thread) OnSignal(observed zx.Signals) {
	if observed&zx.SignalTaskTerminated != 0 {
		t.onTermination()
		return
	}
	suspended := observed&zx.SignalThreadSuspended != 0
	running := observed&zx.SignalThreadRunning != 0
	switch {
	case suspended && running:
		rs, err := t.handle.RunState()
		if err != nil {
			t.log.Errorf("querying run state for coalesced signals: %v", err)
			return
		}
		if rs == zx.RunStateSuspended {
			t.onSuspension()
		} else {
			t.onResumption()
		}
	case suspended:
		t.onSuspension()
	case running:
		t.onResumption()
	default:
		t.log.Warnf("signal packet with no actionable signals: %#x", uint32(observed))
	}
}

func (t *Thread) onTermination() {
	t.setState(ThreadGone)
	t.excpReport = nil
	t.regsValid = false
	t.proc.delegate.OnThreadTermination(t.proc, t)
	t.releaseHandle()
}

func (t *Thread) onSuspension() {
	t.setState(ThreadSuspended)
	t.proc.delegate.OnThreadSuspension(t.proc, t)
	t.proc.eport.WaitAsync(t)
}

func (t *Thread) onResumption() {
	t.setState(ThreadRunning)
	t.proc.delegate.OnThreadResumption(t.proc, t)
	t.proc.eport.WaitAsync(t)
}

func (t *Thread) resumableFromException(op string) error {
	switch t.state {
	case ThreadInException, ThreadNew:
		return nil
	}
	err := InvalidThreadStateError{Op: op, State: t.state}
	t.log.Error(err.Error())
	return err
}

// ResumeFromException resumes a thread stopped in an exception, marking the
// exception handled.
func (t *Thread) ResumeFromException(eport *ExceptionPort) error {
	if err := t.resumableFromException("ResumeFromException"); err != nil {
		return err
	}
	if err := t.handle.ResumeFromException(eport.port, 0); err != nil {
		// The process may have died concurrently.
		t.log.Errorf("resume from exception: %v", err)
		return err
	}
	t.excpReport = nil
	t.regsValid = false
	t.setState(ThreadRunning)
	t.proc.memory.Purge()
	eport.WaitAsync(t)
	return nil
}

// TryNext asks the kernel to pass the current exception to the next handler
// in the chain, used when this layer declines an architectural exception.
func (t *Thread) TryNext(eport *ExceptionPort) error {
	if err := t.resumableFromException("TryNext"); err != nil {
		return err
	}
	if err := t.handle.ResumeFromException(eport.port, zx.ResumeTryNext); err != nil {
		t.log.Errorf("passing exception to next handler: %v", err)
		return err
	}
	t.excpReport = nil
	t.regsValid = false
	t.setState(ThreadRunning)
	t.proc.memory.Purge()
	eport.WaitAsync(t)
	return nil
}

// ResumeAfterSoftwareBreakpointInstruction advances the PC past the
// breakpoint instruction that trapped and resumes. Used for breakpoints the
// engine steps over silently, like the loader-readiness breakpoint.
func (t *Thread) ResumeAfterSoftwareBreakpointInstruction(eport *ExceptionPort) error {
	if err := t.resumableFromException("ResumeAfterSoftwareBreakpointInstruction"); err != nil {
		return err
	}
	if err := t.RefreshRegisters(); err != nil {
		return err
	}
	newPC := t.proc.arch.NextInstructionAddress(t.regs.PC)
	if newPC != t.regs.PC {
		regs := t.regs
		regs.PC = newPC
		if err := t.WriteRegisters(regs); err != nil {
			return err
		}
	}
	return t.ResumeFromException(eport)
}

// ResumeForExit releases a thread stopped in its exit notification. The
// thread is unconditionally Gone afterwards; a kernel resume failure is
// expected if the process already died and is logged at low severity.
func (t *Thread) ResumeForExit(eport *ExceptionPort) error {
	switch t.state {
	case ThreadNew, ThreadInException, ThreadExiting:
	default:
		err := InvalidThreadStateError{Op: "ResumeForExit", State: t.state}
		t.log.Error(err.Error())
		return err
	}
	if err := t.handle.ResumeFromException(eport.port, 0); err != nil {
		t.log.Debugf("resume for exit failed (process likely gone): %v", err)
	}
	t.excpReport = nil
	t.regsValid = false
	t.setState(ThreadGone)
	t.releaseHandle()
	return nil
}

// Step resumes the thread for exactly one instruction by arming the
// single-step trap flag. On the next exception the flag is removed by
// OnException.
func (t *Thread) Step(eport *ExceptionPort) error {
	if t.state != ThreadInException {
		err := InvalidThreadStateError{Op: "Step", State: t.state}
		t.log.Error(err.Error())
		return err
	}
	if err := t.RefreshRegisters(); err != nil {
		return err
	}
	if err := t.breakpoints.InsertSingleStepBreakpoint(); err != nil {
		return err
	}
	if err := t.handle.ResumeFromException(eport.port, 0); err != nil {
		t.log.Errorf("resume for step: %v", err)
		if rerr := t.breakpoints.RemoveSingleStepBreakpoint(); rerr != nil {
			t.log.Warnf("rolling back single-step breakpoint: %v", rerr)
		}
		return err
	}
	t.excpReport = nil
	t.regsValid = false
	t.setState(ThreadStepping)
	t.proc.memory.Purge()
	eport.WaitAsync(t)
	return nil
}

func (t *Thread) releaseHandle() {
	if t.handle == nil {
		return
	}
	if err := t.handle.Close(); err != nil {
		t.log.Warnf("closing thread handle: %v", err)
	}
	t.handle = nil
}

// clear forgets the thread without touching the inferior. Used when the
// owning process's thread map is torn down.
func (t *Thread) clear() {
	t.excpReport = nil
	t.regsValid = false
	t.setState(ThreadGone)
	t.releaseHandle()
}
