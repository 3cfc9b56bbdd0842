package inferior

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vsrinivas/fuchsia-sub188/pkg/dispatcher"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx/zxtest"
)

// TestWorkerDeliversToDispatcher runs the real pipeline: a packet queued on
// the kernel port reaches the handler on the control-plane dispatcher.
func TestWorkerDeliversToDispatcher(t *testing.T) {
	kernel := zxtest.NewKernel()
	disp := dispatcher.New()
	go disp.Run()
	defer disp.Shutdown()

	got := make(chan *zx.PortPacket, 2)
	eport := NewExceptionPort(disp, kernel.NewPort, func(pkt *zx.PortPacket) {
		got <- pkt
	}, func(pkt *zx.PortPacket) {
		got <- pkt
	})
	assertNoError(eport.Run(), t, "Run")
	defer eport.Quit()

	fake := kernel.NewJob().AddProcess("piped-proc")
	ft := fake.AddThread("worker")
	assertNoError(eport.Bind(fake.Handle(), uint64(fake.Koid())), t, "Bind")

	fake.SendException(ft.Koid(), zx.ExcpSwBreakpoint)
	select {
	case pkt := <-got:
		if pkt.Type != zx.PacketTypeException || pkt.Exception.TID != ft.Koid() {
			t.Fatalf("unexpected packet %+v", pkt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exception packet never reached the handler")
	}

	fake.Terminate(0)
	select {
	case pkt := <-got:
		if pkt.Type != zx.PacketTypeSignalOne || pkt.Signal.Observed&zx.SignalTaskTerminated == 0 {
			t.Fatalf("unexpected packet %+v", pkt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("termination packet never reached the handler")
	}
}

func TestQuitJoinsWorkerAndAllowsRestart(t *testing.T) {
	kernel := zxtest.NewKernel()
	disp := dispatcher.New()
	defer disp.Shutdown()

	eport := NewExceptionPort(disp, kernel.NewPort, nil, nil)
	assertNoError(eport.Run(), t, "first Run")
	if err := eport.Run(); err == nil {
		t.Fatal("second Run without Quit must fail")
	}
	eport.Quit()

	assertNoError(eport.Run(), t, "Run after Quit")
	eport.Quit()
}

// TestQuitFromConcurrentShutdownPaths drives the overlap the server can
// produce: a signal-driven shutdown racing a failed-start shutdown.
func TestQuitFromConcurrentShutdownPaths(t *testing.T) {
	kernel := zxtest.NewKernel()
	disp := dispatcher.New()
	defer disp.Shutdown()

	eport := NewExceptionPort(disp, kernel.NewPort, nil, nil)
	assertNoError(eport.Run(), t, "Run")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eport.Quit()
		}()
	}
	wg.Wait()

	assertNoError(eport.Run(), t, "Run after concurrent Quit")
	eport.Quit()
}

func TestBindBeforeRun(t *testing.T) {
	kernel := zxtest.NewKernel()
	eport := NewExceptionPort(dispatcher.New(), kernel.NewPort, nil, nil)
	fake := kernel.NewJob().AddProcess("early-proc")
	if err := eport.Bind(fake.Handle(), 1); !errors.Is(err, ErrPortNotRunning) {
		t.Fatalf("expected ErrPortNotRunning, got %v", err)
	}
}

func TestBindPartialFailureUnwinds(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	fake := env.job.AddProcess("half-bound")
	fake.WaitAsyncErr = zx.ErrNoResources

	err := env.eport.Bind(fake.Handle(), uint64(fake.Koid()))
	if !errors.Is(err, zx.ErrNoResources) {
		t.Fatalf("expected the wait failure, got %v", err)
	}
	if fake.Bound() {
		t.Fatal("exception bind not reverted after the wait failure")
	}
}

func TestWaitAsyncTriggerFollowsThreadState(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, _, ft := env.attachTo(t, nil)

	th, err := p.FindThreadById(ft.Koid())
	assertNoError(err, t, "FindThreadById")

	check := func(state ThreadState, want zx.Signals) {
		t.Helper()
		th.state = state
		env.eport.WaitAsync(th)
		if got := ft.LastWaitTrigger(); got != want {
			t.Fatalf("state %s armed trigger %#x, want %#x", state, uint32(got), uint32(want))
		}
	}

	check(ThreadRunning, zx.SignalThreadSuspended|zx.SignalTaskTerminated)
	check(ThreadStepping, zx.SignalThreadSuspended|zx.SignalTaskTerminated)
	check(ThreadSuspended, zx.SignalThreadRunning|zx.SignalTaskTerminated)
	check(ThreadExiting, zx.SignalTaskTerminated)

	before := ft.ArmedWaitCount()
	th.state = ThreadGone
	env.eport.WaitAsync(th)
	if ft.ArmedWaitCount() != before {
		t.Fatal("wait armed for a gone thread")
	}
}
