package inferior

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx/zxtest"
)

const (
	testRDebugAddr = 0x10000
	testLinkMap0   = 0x20000
	testLinkMap1   = 0x20040
	testNamePool   = 0x30000
)

func putU32(fake *zxtest.FakeProcess, addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	fake.SetMemory(addr, buf[:])
}

func putU64(fake *zxtest.FakeProcess, addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	fake.SetMemory(addr, buf[:])
}

func putString(fake *zxtest.FakeProcess, addr uint64, s string) {
	fake.SetMemory(addr, append([]byte(s), 0))
}

// launchStopped launches a fake process and stops its initial thread in a
// software-breakpoint exception, the shape every loader-readiness check
// runs in.
func launchStopped(t *testing.T, env *testEnv) (*Process, *zxtest.FakeProcess, *Thread) {
	t.Helper()
	fake := env.job.AddProcess("launched-proc")
	ft := fake.AddThread("initial")
	p := env.newProcess(nil, fake.Handle())
	assertNoError(p.Initialize(), t, "Initialize")
	th := stopInException(t, p, fake, ft.Koid(), zx.ExcpSwBreakpoint)
	return p, fake, th
}

// seedLinkMap maps a two-module list: the executable first, then one
// library, both with valid names.
func seedLinkMap(fake *zxtest.FakeProcess) {
	mapRegion(fake, testLinkMap0, 0x100)
	mapRegion(fake, testNamePool, 0x100)

	putU64(fake, testLinkMap0+linkMapAddrOffset, 0x400000)
	putU64(fake, testLinkMap0+linkMapNameOffset, testNamePool)
	putU64(fake, testLinkMap0+linkMapNextOffset, testLinkMap1)
	putString(fake, testNamePool, "app")

	putU64(fake, testLinkMap1+linkMapAddrOffset, 0x7f0000000000)
	putU64(fake, testLinkMap1+linkMapNameOffset, testNamePool+0x20)
	putU64(fake, testLinkMap1+linkMapNextOffset, 0)
	putString(fake, testNamePool+0x20, "libc.so")
}

// seedRDebug maps the linker debug header in the given initialization
// stage.
func seedRDebug(fake *zxtest.FakeProcess, version uint32, mapAddr, brkAddr uint64) {
	mapRegion(fake, testRDebugAddr, 0x40)
	putU32(fake, testRDebugAddr+rdebugVersionOffset, version)
	putU64(fake, testRDebugAddr+rdebugMapOffset, mapAddr)
	putU64(fake, testRDebugAddr+rdebugBrkOffset, brkAddr)
}

func TestCheckDsosListPhases(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, fake, th := launchStopped(t, env)

	// Property still holds the break-on-set sentinel: not ready.
	if p.CheckDsosList(th) {
		t.Fatal("ready while the property holds the sentinel")
	}

	// Each retry happens on a later exception, after a resume that drops
	// the memory cache.
	advance := func() {
		t.Helper()
		assertNoError(th.ResumeFromException(env.eport), t, "resume between phases")
		p.OnExceptionPacket(exceptionPacket(fake, th.ID(), zx.ExcpSwBreakpoint))
	}

	// Property set but the structure is not initialized.
	assertNoError(fake.Handle().SetDebugAddr(testRDebugAddr), t, "SetDebugAddr")
	seedRDebug(fake, 0, 0, 0)
	advance()
	if p.CheckDsosList(th) {
		t.Fatal("ready with an uninitialized debug structure")
	}

	// Version present, break and map addresses still zero.
	seedRDebug(fake, 1, 0, 0)
	advance()
	if p.CheckDsosList(th) {
		t.Fatal("ready with a partially initialized debug structure")
	}

	// Fully initialized: the first complete read is the readiness
	// breakpoint.
	seedRDebug(fake, 1, testLinkMap0, 0x401000)
	advance()
	if !p.CheckDsosList(th) {
		t.Fatal("not ready with a fully initialized debug structure")
	}
	if !p.LdsoDebugDataInitialized() || p.LdsoDebugBreakAddr() != 0x401000 {
		t.Fatalf("cached break addr = %#x", p.LdsoDebugBreakAddr())
	}
}

func TestCheckDsosListLaterHitsMatchByPC(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, fake, th := launchStopped(t, env)

	assertNoError(fake.Handle().SetDebugAddr(testRDebugAddr), t, "SetDebugAddr")
	seedRDebug(fake, 1, testLinkMap0, 0x401000)
	if !p.CheckDsosList(th) {
		t.Fatal("first check not ready")
	}

	// On amd64 a software-breakpoint trap leaves the PC one past the
	// instruction.
	setPC := func(pc uint64) {
		assertNoError(th.ResumeFromException(env.eport), t, "resume")
		p.OnExceptionPacket(exceptionPacket(fake, th.ID(), zx.ExcpSwBreakpoint))
		regs, err := th.handle.GetGeneralRegisters()
		assertNoError(err, t, "GetGeneralRegisters")
		regs.PC = pc
		assertNoError(th.WriteRegisters(regs), t, "WriteRegisters")
	}

	setPC(0x401001)
	if !p.CheckDsosList(th) {
		t.Fatal("hit at the cached break address not recognized")
	}
	setPC(0x7777778)
	if p.CheckDsosList(th) {
		t.Fatal("unrelated breakpoint mistaken for the readiness breakpoint")
	}
}

func TestBuildDsoList(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, fake, th := launchStopped(t, env)

	seedLinkMap(fake)
	assertNoError(fake.Handle().SetDebugAddr(testRDebugAddr), t, "SetDebugAddr")
	seedRDebug(fake, 1, testLinkMap0, 0x401000)
	if !p.CheckDsosList(th) {
		t.Fatal("loader not ready")
	}

	assertNoError(p.BuildDsoList(), t, "BuildDsoList")
	list, ok := p.DsoList()
	if !ok {
		t.Fatal("module list not recorded")
	}
	mods := list.Modules()
	if len(mods) != 2 {
		t.Fatalf("module count = %d, want 2", len(mods))
	}
	if mods[0].Name != "app" || mods[1].Name != "libc.so" {
		t.Fatalf("modules = %q, %q", mods[0].Name, mods[1].Name)
	}
	if p.BaseAddress() != 0x400000 {
		t.Fatalf("base address = %#x", p.BaseAddress())
	}
	// The image header is not mapped here, so no entry point is known.
	if p.EntryAddress() != 0 {
		t.Fatalf("entry address = %#x with an unreadable image header", p.EntryAddress())
	}

	if dso, ok := list.FindByName("libc.so"); !ok || dso.BaseAddr != 0x7f0000000000 {
		t.Fatal("FindByName(libc.so) failed")
	}
	if got := list.FindByPrefix("lib"); len(got) != 1 || got[0].Name != "libc.so" {
		t.Fatalf("FindByPrefix(lib) = %v", got)
	}
	if dso, ok := list.ContainingAddress(0x400abc); !ok || dso.Name != "app" {
		t.Fatal("ContainingAddress inside the executable failed")
	}
	if _, ok := list.ContainingAddress(0x100); ok {
		t.Fatal("ContainingAddress below every module succeeded")
	}

	// Idempotent once built.
	assertNoError(p.BuildDsoList(), t, "second BuildDsoList")
}

func TestBuildDsoListRecordsEntryPoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, fake, th := launchStopped(t, env)

	seedLinkMap(fake)
	// ELF header of the executable image, holding a base-relative e_entry.
	mapRegion(fake, 0x400000, 0x40)
	putU64(fake, 0x400000+elfEntryOffset, 0x1040)

	assertNoError(fake.Handle().SetDebugAddr(testRDebugAddr), t, "SetDebugAddr")
	seedRDebug(fake, 1, testLinkMap0, 0x401000)
	if !p.CheckDsosList(th) {
		t.Fatal("loader not ready")
	}

	assertNoError(p.BuildDsoList(), t, "BuildDsoList")
	if p.EntryAddress() != 0x401040 {
		t.Fatalf("entry address = %#x, want %#x", p.EntryAddress(), uint64(0x401040))
	}
}

func TestBuildDsoListFailureLatches(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, fake, th := launchStopped(t, env)

	// Header claims a module list that is not actually mapped.
	assertNoError(fake.Handle().SetDebugAddr(testRDebugAddr), t, "SetDebugAddr")
	seedRDebug(fake, 1, testLinkMap0, 0x401000)
	if !p.CheckDsosList(th) {
		t.Fatal("loader not ready")
	}

	if err := p.BuildDsoList(); !errors.Is(err, ErrDsoListBuildFailed) {
		t.Fatalf("expected ErrDsoListBuildFailed, got %v", err)
	}
	if !p.DsosBuildFailed() {
		t.Fatal("failure not latched")
	}

	// Even with the memory now mapped, the build is never retried.
	seedLinkMap(fake)
	if err := p.BuildDsoList(); !errors.Is(err, ErrDsoListBuildFailed) {
		t.Fatalf("latched build returned %v", err)
	}
}

func TestBuildDsoListBeforeReady(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	p, _, _ := launchStopped(t, env)

	if err := p.BuildDsoList(); err == nil {
		t.Fatal("expected build before readiness to fail")
	}
	if p.DsosBuildFailed() {
		t.Fatal("premature build must not latch the failure")
	}
}
