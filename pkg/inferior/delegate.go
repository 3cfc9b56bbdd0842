package inferior

import (
	"errors"

	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// Delegate is the callback surface the embedding application implements.
// Every process/thread lifecycle event lands here, on the control-plane
// dispatcher. Embed DefaultDelegate to inherit default behavior for the
// events a delegate does not care about.
type Delegate interface {
	// OnThreadStarting is called for a thread stopped in its start
	// notification; the thread will not run until resumed.
	OnThreadStarting(p *Process, t *Thread)
	// OnThreadExiting is called for a thread stopped in its exit
	// notification; it must be released with ResumeForExit.
	OnThreadExiting(p *Process, t *Thread)
	OnThreadSuspension(p *Process, t *Thread)
	OnThreadResumption(p *Process, t *Thread)
	OnThreadTermination(p *Process, t *Thread)
	// OnProcessTermination is called after the exit code has been
	// recorded and before the process detaches.
	OnProcessTermination(p *Process)
	// OnArchitecturalException is called for a thread stopped in a CPU
	// fault.
	OnArchitecturalException(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport)
	// OnSyntheticException is called for kernel policy exceptions.
	OnSyntheticException(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport)
}

// DefaultDelegate implements Delegate with the engine's default policy:
// starting and exiting threads are resumed transparently, the
// loader-readiness breakpoint is stepped over silently, and any other
// unrecognized exception dumps diagnostic state and kills the process.
type DefaultDelegate struct{}

var _ Delegate = (*DefaultDelegate)(nil)

func (d *DefaultDelegate) OnThreadStarting(p *Process, t *Thread) {
	if err := t.ResumeFromException(p.EPort()); err != nil {
		logflags.ServerLogger().Errorf("resuming starting thread %d: %v", t.ID(), err)
	}
}

func (d *DefaultDelegate) OnThreadExiting(p *Process, t *Thread) {
	if err := t.ResumeForExit(p.EPort()); err != nil {
		logflags.ServerLogger().Errorf("releasing exiting thread %d: %v", t.ID(), err)
	}
}

func (d *DefaultDelegate) OnThreadSuspension(p *Process, t *Thread) {}

func (d *DefaultDelegate) OnThreadResumption(p *Process, t *Thread) {}

func (d *DefaultDelegate) OnThreadTermination(p *Process, t *Thread) {}

func (d *DefaultDelegate) OnProcessTermination(p *Process) {
	rc, _ := p.ReturnCode()
	logflags.ServerLogger().Debugf("process %d (%s) exited with code %d", p.ID(), p.Name(), rc)
}

func (d *DefaultDelegate) OnArchitecturalException(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport) {
	if excpType == zx.ExcpSwBreakpoint && p.CheckDsosList(t) {
		// Stopped at the loader-readiness breakpoint: build the module
		// list and step past it without involving the generic path.
		if err := p.BuildDsoList(); err != nil && !errors.Is(err, ErrDsoListBuildFailed) {
			logflags.ServerLogger().Warnf("building module list: %v", err)
		}
		if err := t.ResumeAfterSoftwareBreakpointInstruction(p.EPort()); err != nil {
			logflags.ServerLogger().Errorf("resuming past loader breakpoint: %v", err)
		}
		return
	}
	d.dumpAndKill(p, t, excpType, report)
}

func (d *DefaultDelegate) OnSyntheticException(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport) {
	d.dumpAndKill(p, t, excpType, report)
}

// dumpAndKill logs the thread's stop state and terminates the session:
// nothing downstream knows how to handle the exception, and resuming an
// inferior in an unknown fault state risks corrupting it.
func (d *DefaultDelegate) dumpAndKill(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport) {
	log := logflags.ServerLogger()
	fault := uint64(0)
	if report != nil {
		fault = report.FaultAddress
	}
	if err := t.RefreshRegisters(); err == nil {
		log.Errorf("unhandled exception %s in process %d thread %d: pc=%#x sp=%#x fault=%#x",
			excpType, p.ID(), t.ID(), t.regs.PC, t.regs.SP, fault)
	} else {
		log.Errorf("unhandled exception %s in process %d thread %d (registers unavailable)",
			excpType, p.ID(), t.ID())
	}
	if err := p.Kill(); err != nil {
		log.Errorf("killing process %d: %v", p.ID(), err)
	}
}
