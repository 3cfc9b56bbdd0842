package server

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/vsrinivas/fuchsia-sub188/pkg/arch"
	"github.com/vsrinivas/fuchsia-sub188/pkg/inferior"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx/zxtest"
)

func assertNoError(err error, t *testing.T, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %v", s, err)
	}
}

type serverEnv struct {
	kernel *zxtest.Kernel
	job    *zxtest.Job
	server *Server
	done   chan struct{}
}

// startServer runs a server against the fake kernel with Run on its own
// goroutine, the way the binary drives it.
func startServer(t *testing.T, cfg Config) *serverEnv {
	t.Helper()
	env := &serverEnv{
		kernel: zxtest.NewKernel(),
		done:   make(chan struct{}),
	}
	env.job = env.kernel.NewJob()
	cfg.Job = env.job
	if cfg.Arch == nil {
		cfg.Arch = arch.AMD64Arch()
	}
	cfg.NewPort = env.kernel.NewPort
	env.server = New(cfg)
	go func() {
		defer close(env.done)
		if err := env.server.Run(); err != nil {
			t.Errorf("server run: %v", err)
		}
	}()
	t.Cleanup(func() {
		env.server.Shutdown()
		select {
		case <-env.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return env
}

// post runs fn on the server's control plane and waits for it.
func (env *serverEnv) post(t *testing.T, fn func()) {
	t.Helper()
	assertNoError(env.server.Dispatcher().PostTaskAndWait(fn), t, "posting control-plane task")
}

// waitFor polls cond on the control plane until it holds or the deadline
// passes.
func (env *serverEnv) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		env.post(t, func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerAttachAndRouteException(t *testing.T) {
	env := startServer(t, Config{})
	fake := env.job.AddProcess("routed-proc")
	ft := fake.AddThread("worker")

	var p *inferior.Process
	var attachErr error
	env.post(t, func() { p, attachErr = env.server.Attach(fake.Koid()) })
	assertNoError(attachErr, t, "Attach")

	// An attached process has no loader handshake pending, so a stray
	// breakpoint hits the default crash policy.
	fake.SendException(ft.Koid(), zx.ExcpSwBreakpoint)
	env.waitFor(t, "defensive kill", func() bool { return fake.KillRequested() })
	env.post(t, func() {
		if got, ok := env.server.FindProcessByKoid(fake.Koid()); !ok || got != p {
			t.Error("process not tracked by koid")
		}
	})
}

func TestServerLaunchFlow(t *testing.T) {
	env := startServer(t, Config{})

	var p *inferior.Process
	var launchErr error
	env.post(t, func() { p, launchErr = env.server.LaunchCommand(`/pkg/bin/app --flag "quoted value"`) })
	assertNoError(launchErr, t, "LaunchCommand")

	fake, ok := env.job.FakeByKoid(p.ID())
	if !ok {
		t.Fatal("launched process not found in the fake job")
	}
	if got := fake.Argv; len(got) != 3 || got[0] != "/pkg/bin/app" || got[2] != "quoted value" {
		t.Fatalf("launch argv = %v", got)
	}
	if fake.DebugAddr() != zx.DebugAddrBreakOnSet {
		t.Fatal("loader-readiness property not armed at launch")
	}

	// The linker publishes its debug data and traps; the default policy
	// steps over the readiness breakpoint transparently.
	ft := fake.Threads()[0]
	publishLoaderData(fake)
	fake.SendException(ft.Koid(), zx.ExcpSwBreakpoint)
	env.waitFor(t, "transparent loader resume", func() bool {
		return ft.ResumeCount() == 1
	})
	if fake.KillRequested() {
		t.Fatal("loader breakpoint killed the launched process")
	}
	env.post(t, func() {
		if !p.LdsoDebugDataInitialized() {
			t.Error("loader readiness not recorded")
		}
		if _, ok := p.DsoList(); !ok {
			t.Error("module list not built")
		}
	})
}

// publishLoaderData poses as the dynamic linker finishing initial load:
// it maps a one-module debug structure and points the debug-address
// property at it.
func publishLoaderData(fake *zxtest.FakeProcess) {
	const (
		rdebugAddr = 0x10000
		linkMap    = 0x20000
		namePool   = 0x30000
	)
	putU64 := func(addr, v uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		fake.SetMemory(addr, buf[:])
	}
	for _, base := range []uint64{rdebugAddr, linkMap, namePool} {
		fake.SetMemory(base, make([]byte, 0x100))
	}
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], 1)
	fake.SetMemory(rdebugAddr, ver[:])
	putU64(rdebugAddr+8, linkMap)   // module list head
	putU64(rdebugAddr+16, 0x401000) // readiness breakpoint address
	putU64(linkMap, 0x400000)
	putU64(linkMap+8, namePool)
	putU64(linkMap+24, 0)
	fake.SetMemory(namePool, append([]byte("app"), 0))
	_ = fake.Handle().SetDebugAddr(rdebugAddr)
}

func TestServerTerminationRouting(t *testing.T) {
	env := startServer(t, Config{})
	fake := env.job.AddProcess("dying-proc")
	fake.AddThread("worker")

	var p *inferior.Process
	var attachErr error
	env.post(t, func() { p, attachErr = env.server.Attach(fake.Koid()) })
	assertNoError(attachErr, t, "Attach")

	fake.Terminate(7)
	env.waitFor(t, "termination processed", func() bool {
		return p.State() == inferior.ProcessGone
	})
	env.post(t, func() {
		rc, ok := p.ReturnCode()
		if !ok || rc != 7 {
			t.Errorf("return code = %d (valid=%v), want 7", rc, ok)
		}
		env.server.RemoveProcess(fake.Koid())
		if _, ok := env.server.FindProcessByKoid(fake.Koid()); ok {
			t.Error("gone process still tracked after removal")
		}
	})
}

func TestServerDoubleAttachRejected(t *testing.T) {
	env := startServer(t, Config{})
	fake := env.job.AddProcess("double-proc")
	fake.AddThread("worker")

	var firstErr, secondErr error
	env.post(t, func() {
		_, firstErr = env.server.Attach(fake.Koid())
		_, secondErr = env.server.Attach(fake.Koid())
	})
	assertNoError(firstErr, t, "first Attach")
	if secondErr == nil {
		t.Fatal("second Attach must fail")
	}
}

func TestServerShutdownDetaches(t *testing.T) {
	env := startServer(t, Config{})
	fake := env.job.AddProcess("released-proc")
	fake.AddThread("worker")
	var attachErr error
	env.post(t, func() { _, attachErr = env.server.Attach(fake.Koid()) })
	assertNoError(attachErr, t, "Attach")

	env.server.Shutdown()
	select {
	case <-env.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if fake.Bound() || fake.KillRequested() {
		t.Fatal("shutdown must detach from attached processes without killing them")
	}
}

func TestServerShutdownKillsLaunched(t *testing.T) {
	env := startServer(t, Config{KillOnShutdown: true})

	var p *inferior.Process
	var launchErr error
	env.post(t, func() { p, launchErr = env.server.Launch([]string{"/pkg/bin/app"}) })
	assertNoError(launchErr, t, "Launch")
	fake, _ := env.job.FakeByKoid(p.ID())

	env.server.Shutdown()
	select {
	case <-env.done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if !fake.KillRequested() {
		t.Fatal("kill-on-shutdown did not kill the launched process")
	}
}
