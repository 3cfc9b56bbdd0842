package inferior

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vsrinivas/fuchsia-sub188/pkg/arch"
	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// ProcessState is the engine's view of one inferior process.
type ProcessState int

const (
	// ProcessNew is a process object with no inferior behind it yet.
	ProcessNew ProcessState = iota
	// ProcessStarting is a launched inferior that has not produced its
	// first live signal.
	ProcessStarting
	// ProcessRunning is a live inferior.
	ProcessRunning
	// ProcessGone is terminal until the object is reused through
	// Initialize or Attach.
	ProcessGone
)

func (s ProcessState) String() string {
	switch s {
	case ProcessNew:
		return "new"
	case ProcessStarting:
		return "starting"
	case ProcessRunning:
		return "running"
	case ProcessGone:
		return "gone"
	}
	return fmt.Sprintf("process state %d", int(s))
}

// maximum retries for thread enumeration racing thread creation
const refreshThreadsTries = 8

// ProcessConfig carries the explicit context a Process operates in. Nothing
// here is ambient: independent debugging sessions can coexist by using
// separate configs.
type ProcessConfig struct {
	// Job is the scope Attach searches for a process koid.
	Job zx.Job
	// EPort is the shared exception port the process binds to.
	EPort *ExceptionPort
	// Delegate receives every lifecycle event.
	Delegate Delegate
	// Arch supplies the breakpoint encoding and PC adjustments.
	Arch arch.Arch
	// Handle is the builder-supplied handle of a freshly launched
	// process; Initialize duplicates it. Unused by Attach.
	Handle zx.Process
	// MemoryCacheLines overrides the memory read cache size; zero means
	// the default.
	MemoryCacheLines int
}

// Process tracks one attached or launched inferior. Created once by its
// owning server and reusable across runs: termination or Detach leaves it
// Gone, and Initialize or Attach bring it back. All methods must run on the
// control-plane dispatcher.
type Process struct {
	job      zx.Job
	eport    *ExceptionPort
	delegate Delegate
	arch     arch.Arch

	launchHandle zx.Process // builder-supplied, borrowed

	// handle is the owned debug handle. The attachment invariant: the
	// handle is valid exactly while the exception port is bound.
	handle zx.Process
	id     zx.Koid
	name   string
	state  ProcessState

	// attachedRunning is true when the inferior was attached to rather
	// than launched; the loader-readiness breakpoint is armed only for
	// launched processes.
	attachedRunning bool

	returnCode      int64
	returnCodeValid bool

	threads        map[zx.Koid]*Thread
	threadMapStale bool

	breakpoints *ProcessBreakpointSet
	memory      *cachedMemory
	memoryLines int

	// Dynamic-linker readiness bookkeeping. These move strictly forward
	// from unknown to known once per process lifetime; Clear resets them.
	debugAddr                   uint64
	ldsoDebugDataHasInitialized bool
	ldsoDebugBreakAddr          uint64
	ldsoDebugMapAddr            uint64

	// dsos is nil until the loaded-module list has been built.
	// dsosBuildFailed latches permanently on a failed build so the work
	// is never repeated.
	dsos            *DsoList
	dsosBuildFailed bool

	baseAddr  uint64
	entryAddr uint64

	log *logrus.Entry
}

// NewProcess returns a Process in the New state.
func NewProcess(cfg ProcessConfig) *Process {
	delegate := cfg.Delegate
	if delegate == nil {
		delegate = &DefaultDelegate{}
	}
	return &Process{
		job:          cfg.Job,
		eport:        cfg.EPort,
		delegate:     delegate,
		arch:         cfg.Arch,
		launchHandle: cfg.Handle,
		memoryLines:  cfg.MemoryCacheLines,
		state:        ProcessNew,
		threads:      make(map[zx.Koid]*Thread),
		log:          logflags.ProcessLogger(),
	}
}

// ID returns the inferior's koid, KoidInvalid when not attached and not
// holding post-mortem bookkeeping.
func (p *Process) ID() zx.Koid { return p.id }

// Name returns the process name cached at attach time.
func (p *Process) Name() string { return p.name }

// State returns the engine's current view of the process.
func (p *Process) State() ProcessState { return p.state }

// EPort returns the exception port this process binds to.
func (p *Process) EPort() *ExceptionPort { return p.eport }

// Delegate returns the callback surface lifecycle events go to.
func (p *Process) Delegate() Delegate { return p.delegate }

// Arch returns the architecture constants in use.
func (p *Process) Arch() arch.Arch { return p.arch }

// BreakpointSet returns the process's software breakpoint set, nil while
// not attached.
func (p *Process) BreakpointSet() *ProcessBreakpointSet { return p.breakpoints }

// IsAttached reports whether the debug handle is held and the exception
// port bound; the two flip together.
func (p *Process) IsAttached() bool { return p.handle != nil }

// IsLive reports whether the inferior is believed to exist.
func (p *Process) IsLive() bool {
	return p.state == ProcessStarting || p.state == ProcessRunning
}

// ReturnCode returns the recorded exit code; valid only after termination.
func (p *Process) ReturnCode() (int64, bool) {
	return p.returnCode, p.returnCodeValid
}

func (p *Process) setState(s ProcessState) {
	if s == p.state {
		return
	}
	p.log.Debugf("process %d state %s -> %s", p.id, p.state, s)
	p.state = s
}

func (p *Process) reusable(op string) error {
	switch p.state {
	case ProcessNew:
		return nil
	case ProcessGone:
		// The only allowed re-entry: reuse for a second run.
		p.Clear()
		p.setState(ProcessNew)
		return nil
	}
	err := InvalidProcessStateError{Op: op, State: p.state}
	p.log.Error(err.Error())
	return err
}

// Initialize attaches to the freshly launched process whose handle the
// builder supplied, arming the loader-readiness breakpoint so the dynamic
// linker traps once initial module loading completes.
func (p *Process) Initialize() error {
	if err := p.reusable("Initialize"); err != nil {
		return err
	}
	if p.launchHandle == nil {
		return errors.New("no launch handle supplied")
	}
	handle, err := p.launchHandle.Duplicate()
	if err != nil {
		p.log.Errorf("duplicating launch handle: %v", err)
		return err
	}
	return p.attach(handle, false)
}

// Attach acquires a debug handle to the running process with the given koid
// under the configured job and binds the exception port.
func (p *Process) Attach(koid zx.Koid) error {
	if err := p.reusable("Attach"); err != nil {
		return err
	}
	if p.job == nil {
		return errors.New("no job to search for process")
	}
	handle, err := p.job.ProcessByKoid(koid)
	if err != nil {
		p.log.Errorf("finding process %d: %v", koid, err)
		return err
	}
	return p.attach(handle, true)
}

// attach finishes Initialize/Attach. On any step failure it unwinds fully,
// leaving the object Gone-equivalent with the koid cleared.
func (p *Process) attach(handle zx.Process, attachedRunning bool) error {
	koid := handle.Koid()
	if err := p.eport.Bind(handle, uint64(koid)); err != nil {
		if cerr := handle.Close(); cerr != nil {
			p.log.Warnf("closing handle after failed bind: %v", cerr)
		}
		p.id = zx.KoidInvalid
		p.setState(ProcessGone)
		return err
	}
	if !attachedRunning {
		// Freshly launched: arm the "break after all shared objects are
		// loaded" property so CheckDsosList gets its one shot.
		if err := handle.SetDebugAddr(zx.DebugAddrBreakOnSet); err != nil {
			p.log.Errorf("arming loader-readiness breakpoint: %v", err)
			if uerr := p.eport.Unbind(handle, uint64(koid)); uerr != nil {
				p.log.Warnf("unbinding after failed arm: %v", uerr)
			}
			if cerr := handle.Close(); cerr != nil {
				p.log.Warnf("closing handle after failed arm: %v", cerr)
			}
			p.id = zx.KoidInvalid
			p.setState(ProcessGone)
			return err
		}
	}
	if name, err := handle.Name(); err == nil {
		p.name = name
	} else {
		p.log.Debugf("process name query failed: %v", err)
	}
	p.handle = handle
	p.id = koid
	p.attachedRunning = attachedRunning
	p.memory = newCachedMemory(handle, p.memoryLines, p.log)
	p.breakpoints = newProcessBreakpointSet(p, logflags.BreakpointLogger().WithField("pid", koid))
	p.threads = make(map[zx.Koid]*Thread)
	p.threadMapStale = true
	if attachedRunning {
		p.setState(ProcessRunning)
	} else {
		p.setState(ProcessStarting)
	}
	p.log.Debugf("attached to process %d (%s)", koid, p.name)
	return nil
}

// Detach unbinds the exception port and closes the debug handle. For a
// launched inferior whose loader-readiness breakpoint has not fired yet the
// breakpoint property is disabled first — it must happen while the inferior
// is stopped, or the inferior will later trap with nobody listening.
// Post-mortem bookkeeping (koid, return code) survives until Clear.
func (p *Process) Detach() error {
	if !p.IsAttached() {
		return ErrNotAttached
	}
	if !p.attachedRunning && !p.ldsoDebugDataHasInitialized {
		if err := p.handle.SetDebugAddr(0); err != nil {
			p.log.Warnf("disabling loader-readiness breakpoint: %v", err)
		}
	}
	if p.breakpoints != nil && p.IsLive() {
		p.breakpoints.RemoveAll()
	}
	if err := p.eport.Unbind(p.handle, uint64(p.id)); err != nil {
		p.log.Warnf("unbinding exception port: %v", err)
	}
	if err := p.handle.Close(); err != nil {
		p.log.Warnf("closing process handle: %v", err)
	}
	p.handle = nil
	p.memory = nil
	for _, t := range p.threads {
		t.clear()
	}
	p.threads = make(map[zx.Koid]*Thread)
	if p.state != ProcessGone {
		p.setState(ProcessGone)
	}
	return nil
}

// Kill requests kernel-level termination. Idempotent: killing a process
// that is not live succeeds without side effects. Termination is observed
// asynchronously through OnTermination, not awaited here.
func (p *Process) Kill() error {
	if !p.IsLive() || !p.IsAttached() {
		return nil
	}
	if err := p.handle.Kill(); err != nil {
		p.log.Errorf("killing process %d: %v", p.id, err)
		return err
	}
	return nil
}

// RequestSuspend asks the kernel to suspend every thread. Suspension is
// asynchronous; the caller holds the returned token to prove ownership of
// the suspension and closes it to resume.
func (p *Process) RequestSuspend() (zx.SuspendToken, error) {
	if !p.IsAttached() {
		return nil, ErrNotAttached
	}
	if !p.IsLive() {
		err := InvalidProcessStateError{Op: "RequestSuspend", State: p.state}
		p.log.Error(err.Error())
		return nil, err
	}
	token, err := p.handle.Suspend()
	if err != nil {
		p.log.Errorf("suspending process %d: %v", p.id, err)
		return nil, err
	}
	return token, nil
}

// ResumeFromSuspension releases a suspension token obtained from
// RequestSuspend.
func (p *Process) ResumeFromSuspension(token zx.SuspendToken) error {
	if token == nil {
		return errors.New("no suspend token")
	}
	return token.Close()
}

// Clear resets the object to Gone for reuse, dropping all bookkeeping. The
// koid-independent object survives for a second run.
func (p *Process) Clear() {
	if p.IsAttached() {
		if err := p.Detach(); err != nil {
			p.log.Warnf("detaching during clear: %v", err)
		}
	}
	for _, t := range p.threads {
		t.clear()
	}
	p.threads = make(map[zx.Koid]*Thread)
	p.threadMapStale = false
	p.breakpoints = nil
	p.id = zx.KoidInvalid
	p.name = ""
	p.returnCode = 0
	p.returnCodeValid = false
	p.debugAddr = 0
	p.ldsoDebugDataHasInitialized = false
	p.ldsoDebugBreakAddr = 0
	p.ldsoDebugMapAddr = 0
	p.dsos = nil
	p.dsosBuildFailed = false
	p.baseAddr = 0
	p.entryAddr = 0
	p.attachedRunning = false
	p.setState(ProcessGone)
}

// ReadMemory fills buf from the inferior's address space.
func (p *Process) ReadMemory(addr uint64, buf []byte) error {
	if !p.IsAttached() {
		return ErrNotAttached
	}
	return p.memory.ReadMemory(addr, buf)
}

// WriteMemory writes data into the inferior's address space.
func (p *Process) WriteMemory(addr uint64, data []byte) error {
	if !p.IsAttached() {
		return ErrNotAttached
	}
	return p.memory.WriteMemory(addr, data)
}

// Threads returns the currently known threads. Call EnsureThreadMapFresh
// first when an up-to-date view matters.
func (p *Process) Threads() []*Thread {
	r := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		r = append(r, t)
	}
	return r
}

// MarkThreadMapStale forces the next EnsureThreadMapFresh to re-enumerate.
func (p *Process) MarkThreadMapStale() { p.threadMapStale = true }

// EnsureThreadMapFresh re-enumerates threads if the map has been marked
// stale.
func (p *Process) EnsureThreadMapFresh() error {
	if !p.threadMapStale {
		return nil
	}
	return p.RefreshAllThreads()
}

// RefreshAllThreads rebuilds the thread table from a full enumeration. It
// tolerates threads appearing mid-enumeration (bounded retry with an
// over-allocation margin) and threads disappearing (silently skipped).
func (p *Process) RefreshAllThreads() error {
	if !p.IsAttached() {
		return ErrNotAttached
	}
	max := 32
	var koids []zx.Koid
	for i := 0; ; i++ {
		var total int
		var err error
		koids, total, err = p.handle.ThreadKoids(max)
		if err != nil {
			p.log.Errorf("enumerating threads: %v", err)
			return err
		}
		if total <= len(koids) {
			break
		}
		if i == refreshThreadsTries {
			// Only reachable if the kernel keeps reporting more threads
			// than it returns past the margin, which would be a kernel
			// bug.
			return fmt.Errorf("thread enumeration did not settle after %d tries", refreshThreadsTries)
		}
		max = total + 8
	}
	fresh := make(map[zx.Koid]*Thread, len(koids))
	for _, koid := range koids {
		if t, ok := p.threads[koid]; ok {
			fresh[koid] = t
			continue
		}
		handle, err := p.handle.ThreadByKoid(koid)
		if err != nil {
			if errors.Is(err, zx.ErrNotFound) {
				// Disappeared between enumeration and lookup.
				continue
			}
			p.log.Errorf("acquiring thread %d: %v", koid, err)
			return err
		}
		fresh[koid] = newThread(p, handle, koid)
	}
	for koid, t := range p.threads {
		if _, ok := fresh[koid]; !ok {
			t.clear()
		}
	}
	p.threads = fresh
	p.threadMapStale = false
	return nil
}

// FindThreadById returns the thread with the given koid, acquiring a handle
// on demand. A koid the kernel reports as not found means the thread is
// already gone and yields (nil, nil), not an error.
func (p *Process) FindThreadById(koid zx.Koid) (*Thread, error) {
	if koid == zx.KoidInvalid {
		return nil, errors.New("invalid thread koid")
	}
	if !p.IsAttached() {
		return nil, ErrNotAttached
	}
	if t, ok := p.threads[koid]; ok {
		return t, nil
	}
	handle, err := p.handle.ThreadByKoid(koid)
	if err != nil {
		if errors.Is(err, zx.ErrNotFound) {
			return nil, nil
		}
		p.log.Errorf("acquiring thread %d: %v", koid, err)
		return nil, err
	}
	t := newThread(p, handle, koid)
	p.threads[koid] = t
	return t, nil
}

// OnExceptionPacket handles one exception packet routed to this process by
// the server, on the control-plane dispatcher.
func (p *Process) OnExceptionPacket(pkt *zx.PortPacket) {
	if p.state == ProcessStarting {
		// First sign of life from a launched inferior.
		p.setState(ProcessRunning)
	}
	excpType := pkt.Exception.Type
	t, err := p.FindThreadById(pkt.Exception.TID)
	if err != nil || t == nil {
		// An exception from a thread that cannot be looked up leaves the
		// inferior stopped in a state this layer cannot reason about.
		// Recovering unsoundly could corrupt it, so end the session.
		p.log.Errorf("exception %s for unresolvable thread %d (lookup error: %v), killing process %d",
			excpType, pkt.Exception.TID, err, p.id)
		if kerr := p.Kill(); kerr != nil {
			p.log.Errorf("defensive kill failed: %v", kerr)
		}
		return
	}
	var report *zx.ExceptionReport
	if r, err := t.handle.GetExceptionReport(); err == nil {
		report = &r
	} else {
		t.log.Warnf("exception report query failed: %v", err)
	}
	switch {
	case excpType == zx.ExcpThreadStarting:
		// The thread stays New; the start notification is resumable from
		// that state.
		p.delegate.OnThreadStarting(p, t)
	case excpType == zx.ExcpThreadExiting:
		t.OnException(excpType, report)
		p.delegate.OnThreadExiting(p, t)
	case excpType.IsArchitectural():
		t.OnException(excpType, report)
		p.delegate.OnArchitecturalException(p, t, excpType, t.excpReport)
	default:
		t.OnException(excpType, report)
		p.delegate.OnSyntheticException(p, t, excpType, t.excpReport)
	}
}

// OnSignalPacket handles one signal packet routed to this process: either
// the process-terminated signal keyed by the process koid, or a thread
// state-change signal keyed by a thread koid.
func (p *Process) OnSignalPacket(pkt *zx.PortPacket) {
	if pkt.Key == uint64(p.id) {
		if pkt.Signal.Observed&zx.SignalTaskTerminated != 0 {
			p.OnTermination()
		}
		return
	}
	t, ok := p.threads[zx.Koid(pkt.Key)]
	if !ok {
		p.log.Warnf("signal packet for unknown thread %d", pkt.Key)
		return
	}
	t.OnSignal(pkt.Signal.Observed)
}

// HasThread reports whether the thread table currently holds koid. Used by
// the server for signal packet routing.
func (p *Process) HasThread(koid zx.Koid) bool {
	_, ok := p.threads[koid]
	return ok
}

// OnTermination records the exit, notifies the delegate, and detaches. A
// failed exit-code query or detach is logged but never blocks marking the
// process dead.
func (p *Process) OnTermination() {
	if p.IsAttached() {
		if rc, err := p.handle.ReturnCode(); err != nil {
			p.log.Warnf("querying return code of process %d: %v", p.id, err)
		} else {
			p.returnCode = rc
			p.returnCodeValid = true
		}
	}
	p.setState(ProcessGone)
	p.delegate.OnProcessTermination(p)
	if p.IsAttached() {
		if err := p.Detach(); err != nil {
			p.log.Warnf("detaching after termination: %v", err)
		}
	}
}
