// Package zxtest is an in-memory implementation of the zx kernel debug
// interface, driving the engine in tests without a target kernel. Tests
// create a Kernel, populate processes, threads and memory, and deliver
// exceptions and signals by hand.
package zxtest

import (
	"sort"
	"sync"

	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// Kernel is the root of one fake kernel instance.
type Kernel struct {
	mu       sync.Mutex
	nextKoid zx.Koid
}

// NewKernel returns an empty fake kernel.
func NewKernel() *Kernel {
	return &Kernel{nextKoid: 1000}
}

func (k *Kernel) allocKoid() zx.Koid {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextKoid++
	return k.nextKoid
}

// NewPort creates a fake port. The signature matches the platform port
// constructor so it can be injected directly.
func (k *Kernel) NewPort() (zx.Port, error) {
	return &Port{koid: k.allocKoid(), packets: make(chan *zx.PortPacket, 256)}, nil
}

// Port is a fake kernel port backed by a buffered channel.
type Port struct {
	koid zx.Koid

	mu     sync.Mutex
	closed bool

	packets chan *zx.PortPacket
}

var _ zx.Port = (*Port)(nil)

func (p *Port) Koid() zx.Koid { return p.koid }

func (p *Port) Queue(pkt *zx.PortPacket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return zx.ErrBadHandle
	}
	select {
	case p.packets <- pkt:
		return nil
	default:
		return zx.ErrShouldWait
	}
}

func (p *Port) Wait() (*zx.PortPacket, error) {
	pkt, ok := <-p.packets
	if !ok {
		return nil, zx.ErrCanceled
	}
	return pkt, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return zx.ErrBadHandle
	}
	p.closed = true
	close(p.packets)
	return nil
}

type oneShotWait struct {
	port    *Port
	key     uint64
	trigger zx.Signals
}

// Job is a fake job owning processes.
type Job struct {
	k    *Kernel
	koid zx.Koid

	procs map[zx.Koid]*FakeProcess

	// LaunchErr, when set, makes Launch fail with it.
	LaunchErr error
}

var _ zx.Job = (*Job)(nil)

// NewJob creates a fake job.
func (k *Kernel) NewJob() *Job {
	return &Job{k: k, koid: k.allocKoid(), procs: make(map[zx.Koid]*FakeProcess)}
}

func (j *Job) Koid() zx.Koid { return j.koid }

func (j *Job) Close() error { return nil }

// AddProcess creates a process under the job without going through Launch,
// as if it had been started by someone else.
func (j *Job) AddProcess(name string) *FakeProcess {
	p := &FakeProcess{
		k:       j.k,
		koid:    j.k.allocKoid(),
		name:    name,
		memory:  make(map[uint64]byte),
		threads: make(map[zx.Koid]*FakeThread),
	}
	j.procs[p.koid] = p
	return p
}

// RemoveProcess makes the process unfindable, as if it had been reaped.
func (j *Job) RemoveProcess(koid zx.Koid) {
	delete(j.procs, koid)
}

// FakeByKoid returns the kernel-side process object, for test assertions.
func (j *Job) FakeByKoid(koid zx.Koid) (*FakeProcess, bool) {
	p, ok := j.procs[koid]
	return p, ok
}

func (j *Job) ProcessByKoid(koid zx.Koid) (zx.Process, error) {
	p, ok := j.procs[koid]
	if !ok {
		return nil, zx.ErrNotFound
	}
	return &ProcessHandle{o: p}, nil
}

func (j *Job) Launch(argv []string) (zx.Process, error) {
	if j.LaunchErr != nil {
		return nil, j.LaunchErr
	}
	if len(argv) == 0 {
		return nil, zx.ErrInvalidArgs
	}
	p := j.AddProcess(argv[0])
	p.Argv = argv
	p.AddThread("initial-thread")
	return &ProcessHandle{o: p}, nil
}

// FakeProcess is the kernel-side state of one fake process. Tests hold the
// object directly; the engine only ever sees ProcessHandle.
type FakeProcess struct {
	k    *Kernel
	koid zx.Koid
	name string

	// Argv records what Launch was asked to run.
	Argv []string

	memory    map[uint64]byte
	debugAddr uint64

	threads map[zx.Koid]*FakeThread

	bound    *Port
	boundKey uint64

	waits []oneShotWait

	terminated    bool
	returnCode    int64
	killRequested bool

	suspendCount int

	// inflateEnumerationOnce makes the next ThreadKoids call claim this
	// many more threads than it returns, exercising the caller's retry.
	inflateEnumerationOnce int

	// DebugAddrErr, when set, fails GetDebugAddr/SetDebugAddr with it.
	DebugAddrErr error

	// WaitAsyncErr, when set, fails process-level WaitAsync with it.
	WaitAsyncErr error
}

// Handle returns a fresh debug handle to the process.
func (o *FakeProcess) Handle() zx.Process { return &ProcessHandle{o: o} }

// Koid returns the process koid.
func (o *FakeProcess) Koid() zx.Koid { return o.koid }

// AddThread creates a thread inside the process.
func (o *FakeProcess) AddThread(name string) *FakeThread {
	t := &FakeThread{
		proc:     o,
		koid:     o.k.allocKoid(),
		name:     name,
		runState: zx.RunStateRunning,
	}
	o.threads[t.koid] = t
	return t
}

// Threads returns the kernel-side thread objects in koid order.
func (o *FakeProcess) Threads() []*FakeThread {
	r := make([]*FakeThread, 0, len(o.threads))
	for _, t := range o.threads {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].koid < r[j].koid })
	return r
}

// RemoveThread deletes a thread as if it had been reaped, without
// delivering any notification.
func (o *FakeProcess) RemoveThread(koid zx.Koid) {
	delete(o.threads, koid)
}

// SetMemory maps data at addr.
func (o *FakeProcess) SetMemory(addr uint64, data []byte) {
	for i, b := range data {
		o.memory[addr+uint64(i)] = b
	}
}

// MemoryAt returns size bytes at addr; missing bytes read as zero.
func (o *FakeProcess) MemoryAt(addr uint64, size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = o.memory[addr+uint64(i)]
	}
	return out
}

// DebugAddr returns the debug-address property.
func (o *FakeProcess) DebugAddr() uint64 { return o.debugAddr }

// KillRequested reports whether Kill was called on any handle.
func (o *FakeProcess) KillRequested() bool { return o.killRequested }

// SuspendCount returns the number of outstanding suspensions.
func (o *FakeProcess) SuspendCount() int { return o.suspendCount }

// Bound reports whether an exception port is currently bound.
func (o *FakeProcess) Bound() bool { return o.bound != nil }

// InflateNextEnumeration makes the next ThreadKoids call report extra
// phantom threads in its total.
func (o *FakeProcess) InflateNextEnumeration(extra int) {
	o.inflateEnumerationOnce = extra
}

// SendException queues an exception packet for tid on the bound port.
func (o *FakeProcess) SendException(tid zx.Koid, excpType zx.ExcpType) {
	if o.bound == nil {
		panic("zxtest: SendException with no bound exception port")
	}
	if t, ok := o.threads[tid]; ok {
		t.excpReport = &zx.ExceptionReport{Type: excpType}
	}
	_ = o.bound.Queue(&zx.PortPacket{
		Key:       o.boundKey,
		Type:      zx.PacketTypeException,
		Exception: zx.ExceptionInfo{Type: excpType, PID: o.koid, TID: tid},
	})
}

// SignalThread completes armed one-shot waits on tid whose trigger
// intersects observed.
func (o *FakeProcess) SignalThread(tid zx.Koid, observed zx.Signals) {
	t, ok := o.threads[tid]
	if !ok {
		panic("zxtest: SignalThread for unknown thread")
	}
	remaining := t.waits[:0]
	for _, w := range t.waits {
		if w.trigger&observed != 0 {
			_ = w.port.Queue(&zx.PortPacket{
				Key:    w.key,
				Type:   zx.PacketTypeSignalOne,
				Signal: zx.SignalInfo{Trigger: w.trigger, Observed: observed, Count: 1},
			})
		} else {
			remaining = append(remaining, w)
		}
	}
	t.waits = remaining
}

// Terminate marks the process dead and fires armed termination waits.
func (o *FakeProcess) Terminate(returnCode int64) {
	o.terminated = true
	o.returnCode = returnCode
	remaining := o.waits[:0]
	for _, w := range o.waits {
		if w.trigger&zx.SignalTaskTerminated != 0 {
			_ = w.port.Queue(&zx.PortPacket{
				Key:    w.key,
				Type:   zx.PacketTypeSignalOne,
				Signal: zx.SignalInfo{Trigger: w.trigger, Observed: zx.SignalTaskTerminated, Count: 1},
			})
		} else {
			remaining = append(remaining, w)
		}
	}
	o.waits = remaining
	for _, t := range o.threads {
		t.runState = zx.RunStateDead
	}
}

// ProcessHandle is one debug handle to a fake process.
type ProcessHandle struct {
	o      *FakeProcess
	closed bool
}

var _ zx.Process = (*ProcessHandle)(nil)

func (h *ProcessHandle) Koid() zx.Koid { return h.o.koid }

func (h *ProcessHandle) Close() error {
	if h.closed {
		return zx.ErrBadHandle
	}
	h.closed = true
	return nil
}

func (h *ProcessHandle) Duplicate() (zx.Process, error) {
	if h.closed {
		return nil, zx.ErrBadHandle
	}
	return &ProcessHandle{o: h.o}, nil
}

func (h *ProcessHandle) Name() (string, error) { return h.o.name, nil }

func (h *ProcessHandle) GetDebugAddr() (uint64, error) {
	if h.o.DebugAddrErr != nil {
		return 0, h.o.DebugAddrErr
	}
	return h.o.debugAddr, nil
}

func (h *ProcessHandle) SetDebugAddr(addr uint64) error {
	if h.o.DebugAddrErr != nil {
		return h.o.DebugAddrErr
	}
	h.o.debugAddr = addr
	return nil
}

func (h *ProcessHandle) ThreadKoids(max int) ([]zx.Koid, int, error) {
	all := make([]zx.Koid, 0, len(h.o.threads))
	for koid := range h.o.threads {
		all = append(all, koid)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	total := len(all) + h.o.inflateEnumerationOnce
	h.o.inflateEnumerationOnce = 0
	if len(all) > max {
		all = all[:max]
	}
	return all, total, nil
}

func (h *ProcessHandle) ThreadByKoid(koid zx.Koid) (zx.Thread, error) {
	t, ok := h.o.threads[koid]
	if !ok {
		return nil, zx.ErrNotFound
	}
	return &ThreadHandle{o: t}, nil
}

func (h *ProcessHandle) ReturnCode() (int64, error) {
	if !h.o.terminated {
		return 0, zx.ErrBadState
	}
	return h.o.returnCode, nil
}

func (h *ProcessHandle) Suspend() (zx.SuspendToken, error) {
	if h.o.terminated {
		return nil, zx.ErrBadState
	}
	h.o.suspendCount++
	return &SuspendToken{o: h.o}, nil
}

func (h *ProcessHandle) Kill() error {
	h.o.killRequested = true
	return nil
}

func (h *ProcessHandle) ReadMemory(addr uint64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		b, ok := h.o.memory[addr+uint64(n)]
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	if n == 0 {
		return 0, zx.ErrNoMemoryAtAddr
	}
	return n, nil
}

func (h *ProcessHandle) WriteMemory(addr uint64, data []byte) (int, error) {
	for i := range data {
		if _, ok := h.o.memory[addr+uint64(i)]; !ok {
			return 0, zx.ErrNoMemoryAtAddr
		}
	}
	for i, b := range data {
		h.o.memory[addr+uint64(i)] = b
	}
	return len(data), nil
}

func (h *ProcessHandle) BindExceptionPort(port zx.Port, key uint64) error {
	if h.o.bound != nil {
		return zx.ErrAlreadyBound
	}
	h.o.bound = port.(*Port)
	h.o.boundKey = key
	return nil
}

func (h *ProcessHandle) UnbindExceptionPort(port zx.Port, key uint64) error {
	if h.o.bound == nil || h.o.boundKey != key {
		return zx.ErrNotFound
	}
	h.o.bound = nil
	h.o.boundKey = 0
	return nil
}

func (h *ProcessHandle) WaitAsync(port zx.Port, key uint64, signals zx.Signals) error {
	if h.o.WaitAsyncErr != nil {
		return h.o.WaitAsyncErr
	}
	if h.o.terminated && signals&zx.SignalTaskTerminated != 0 {
		return port.Queue(&zx.PortPacket{
			Key:    key,
			Type:   zx.PacketTypeSignalOne,
			Signal: zx.SignalInfo{Trigger: signals, Observed: zx.SignalTaskTerminated, Count: 1},
		})
	}
	h.o.waits = append(h.o.waits, oneShotWait{port: port.(*Port), key: key, trigger: signals})
	return nil
}

// SuspendToken resumes the process when closed.
type SuspendToken struct {
	o      *FakeProcess
	closed bool
}

var _ zx.SuspendToken = (*SuspendToken)(nil)

func (t *SuspendToken) Close() error {
	if t.closed {
		return zx.ErrBadHandle
	}
	t.closed = true
	t.o.suspendCount--
	return nil
}

// FakeThread is the kernel-side state of one fake thread.
type FakeThread struct {
	proc *FakeProcess
	koid zx.Koid
	name string

	regs       zx.GeneralRegisters
	runState   zx.ThreadRunState
	excpReport *zx.ExceptionReport

	waits []oneShotWait

	resumeCount       int
	lastResumeOptions uint32

	// ResumeErr, when set, fails ResumeFromException with it.
	ResumeErr error
}

// Handle returns a fresh debug handle to the thread.
func (o *FakeThread) Handle() zx.Thread { return &ThreadHandle{o: o} }

// Koid returns the thread koid.
func (o *FakeThread) Koid() zx.Koid { return o.koid }

// SetRegs seeds the thread's register image.
func (o *FakeThread) SetRegs(regs zx.GeneralRegisters) { o.regs = regs }

// Regs returns the thread's current register image.
func (o *FakeThread) Regs() zx.GeneralRegisters { return o.regs }

// SetRunState seeds the live scheduler state.
func (o *FakeThread) SetRunState(s zx.ThreadRunState) { o.runState = s }

// ResumeCount returns how many times ResumeFromException succeeded.
func (o *FakeThread) ResumeCount() int { return o.resumeCount }

// LastResumeOptions returns the options of the last successful resume.
func (o *FakeThread) LastResumeOptions() uint32 { return o.lastResumeOptions }

// ArmedWaitCount returns the number of armed one-shot waits.
func (o *FakeThread) ArmedWaitCount() int { return len(o.waits) }

// LastWaitTrigger returns the trigger mask of the most recently armed
// one-shot wait, zero when none is armed.
func (o *FakeThread) LastWaitTrigger() zx.Signals {
	if len(o.waits) == 0 {
		return 0
	}
	return o.waits[len(o.waits)-1].trigger
}

// ThreadHandle is one debug handle to a fake thread.
type ThreadHandle struct {
	o      *FakeThread
	closed bool
}

var _ zx.Thread = (*ThreadHandle)(nil)

func (h *ThreadHandle) Koid() zx.Koid { return h.o.koid }

func (h *ThreadHandle) Close() error {
	if h.closed {
		return zx.ErrBadHandle
	}
	h.closed = true
	return nil
}

func (h *ThreadHandle) Name() (string, error) { return h.o.name, nil }

func (h *ThreadHandle) GetGeneralRegisters() (zx.GeneralRegisters, error) {
	if h.o.proc.terminated {
		return zx.GeneralRegisters{}, zx.ErrBadState
	}
	return h.o.regs, nil
}

func (h *ThreadHandle) SetGeneralRegisters(regs zx.GeneralRegisters) error {
	if h.o.proc.terminated {
		return zx.ErrBadState
	}
	h.o.regs = regs
	return nil
}

func (h *ThreadHandle) GetExceptionReport() (zx.ExceptionReport, error) {
	if h.o.excpReport == nil {
		return zx.ExceptionReport{}, zx.ErrBadState
	}
	return *h.o.excpReport, nil
}

func (h *ThreadHandle) RunState() (zx.ThreadRunState, error) {
	return h.o.runState, nil
}

func (h *ThreadHandle) ResumeFromException(port zx.Port, options uint32) error {
	if h.o.ResumeErr != nil {
		return h.o.ResumeErr
	}
	if h.o.proc.terminated {
		return zx.ErrBadState
	}
	h.o.resumeCount++
	h.o.lastResumeOptions = options
	h.o.excpReport = nil
	h.o.runState = zx.RunStateRunning
	return nil
}

func (h *ThreadHandle) WaitAsync(port zx.Port, key uint64, signals zx.Signals) error {
	if h.o.proc.terminated && signals&zx.SignalTaskTerminated != 0 {
		return port.Queue(&zx.PortPacket{
			Key:    key,
			Type:   zx.PacketTypeSignalOne,
			Signal: zx.SignalInfo{Trigger: signals, Observed: zx.SignalTaskTerminated, Count: 1},
		})
	}
	h.o.waits = append(h.o.waits, oneShotWait{port: port.(*Port), key: key, trigger: signals})
	return nil
}
