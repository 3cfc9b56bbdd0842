package inferior

import (
	"testing"

	"github.com/vsrinivas/fuchsia-sub188/pkg/arch"
	"github.com/vsrinivas/fuchsia-sub188/pkg/dispatcher"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx/zxtest"
)

func assertNoError(err error, t *testing.T, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

// nopDelegate swallows every event so tests can drive processes and
// threads by hand without the default resume/kill policy interfering.
type nopDelegate struct{}

func (nopDelegate) OnThreadStarting(p *Process, t *Thread)   {}
func (nopDelegate) OnThreadExiting(p *Process, t *Thread)    {}
func (nopDelegate) OnThreadSuspension(p *Process, t *Thread) {}
func (nopDelegate) OnThreadResumption(p *Process, t *Thread) {}
func (nopDelegate) OnThreadTermination(p *Process, t *Thread) {}
func (nopDelegate) OnProcessTermination(p *Process)          {}
func (nopDelegate) OnArchitecturalException(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport) {
}
func (nopDelegate) OnSyntheticException(p *Process, t *Thread, excpType zx.ExcpType, report *zx.ExceptionReport) {
}

// recordingDelegate records event names in order.
type recordingDelegate struct {
	nopDelegate
	events []string
}

func (d *recordingDelegate) OnThreadSuspension(p *Process, t *Thread) {
	d.events = append(d.events, "suspension")
}

func (d *recordingDelegate) OnThreadResumption(p *Process, t *Thread) {
	d.events = append(d.events, "resumption")
}

func (d *recordingDelegate) OnThreadTermination(p *Process, t *Thread) {
	d.events = append(d.events, "thread-termination")
}

func (d *recordingDelegate) OnProcessTermination(p *Process) {
	d.events = append(d.events, "process-termination")
}

type testEnv struct {
	kernel *zxtest.Kernel
	job    *zxtest.Job
	disp   *dispatcher.Dispatcher
	eport  *ExceptionPort
}

// newTestEnv builds a fake kernel and a running exception port. The
// dispatcher is not drained: tests act as the control plane and call
// packet handlers directly unless they drain it themselves.
func newTestEnv(t *testing.T, onException, onSignal PacketHandler) *testEnv {
	t.Helper()
	env := &testEnv{
		kernel: zxtest.NewKernel(),
		disp:   dispatcher.New(),
	}
	env.job = env.kernel.NewJob()
	env.eport = NewExceptionPort(env.disp, env.kernel.NewPort, onException, onSignal)
	assertNoError(env.eport.Run(), t, "exception port Run")
	t.Cleanup(func() {
		env.eport.Quit()
		env.disp.Shutdown()
	})
	return env
}

func (env *testEnv) newProcess(delegate Delegate, handle zx.Process) *Process {
	if delegate == nil {
		delegate = nopDelegate{}
	}
	return NewProcess(ProcessConfig{
		Job:      env.job,
		EPort:    env.eport,
		Delegate: delegate,
		Arch:     arch.AMD64Arch(),
		Handle:   handle,
	})
}

// attachTo spins up a fake process with one thread and attaches to it.
func (env *testEnv) attachTo(t *testing.T, delegate Delegate) (*Process, *zxtest.FakeProcess, *zxtest.FakeThread) {
	t.Helper()
	fake := env.job.AddProcess("test-proc")
	ft := fake.AddThread("worker")
	p := env.newProcess(delegate, nil)
	assertNoError(p.Attach(fake.Koid()), t, "Attach")
	return p, fake, ft
}

// mapRegion maps zeroed memory covering [addr, addr+size), extended to the
// cache-line granularity the engine reads with.
func mapRegion(fake *zxtest.FakeProcess, addr uint64, size int) {
	base := addr &^ uint64(memCacheLineSize-1)
	end := (addr + uint64(size) + memCacheLineSize - 1) &^ uint64(memCacheLineSize-1)
	fake.SetMemory(base, make([]byte, end-base))
}

// exceptionPacket builds the packet the kernel would deliver for an
// exception of tid in fake.
func exceptionPacket(fake *zxtest.FakeProcess, tid zx.Koid, excpType zx.ExcpType) *zx.PortPacket {
	return &zx.PortPacket{
		Key:       uint64(fake.Koid()),
		Type:      zx.PacketTypeException,
		Exception: zx.ExceptionInfo{Type: excpType, PID: fake.Koid(), TID: tid},
	}
}
