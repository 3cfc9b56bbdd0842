package inferior

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/derekparker/trie"

	"github.com/vsrinivas/fuchsia-sub188/pkg/logflags"
	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

// In-memory layout of the dynamic linker's debug interface: a header whose
// fields become non-zero as the linker initializes, and a linked list of
// loaded-module records hanging off it.
const (
	rdebugVersionOffset = 0  // 32-bit; zero until the structure is initialized
	rdebugMapOffset     = 8  // head of the module list; zero while partially initialized
	rdebugBrkOffset     = 16 // loader-readiness breakpoint address; zero while partially initialized

	linkMapAddrOffset = 0  // module load base
	linkMapNameOffset = 8  // pointer to NUL-terminated module name
	linkMapNextOffset = 24 // next module record, zero at the tail

	maxDsos       = 512
	maxDsoNameLen = 1024

	// e_entry in the ELF64 file header of the loaded executable image.
	elfEntryOffset = 24
)

// Dso is one loaded shared object of an inferior.
type Dso struct {
	Name        string
	BaseAddr    uint64
	LinkMapAddr uint64
}

// DsoList is the loaded-module list of a process, built once the dynamic
// linker reports readiness. Lookup by name prefix is served by a trie in
// addition to the base-address ordering.
type DsoList struct {
	dsos   []*Dso // sorted by BaseAddr
	byName *trie.Trie
}

// Modules returns the loaded modules in base-address order.
func (dl *DsoList) Modules() []*Dso {
	r := make([]*Dso, len(dl.dsos))
	copy(r, dl.dsos)
	return r
}

// FindByName returns the module with exactly the given name.
func (dl *DsoList) FindByName(name string) (*Dso, bool) {
	node, ok := dl.byName.Find(name)
	if !ok {
		return nil, false
	}
	return node.Meta().(*Dso), true
}

// FindByPrefix returns all modules whose name starts with prefix, in name
// order.
func (dl *DsoList) FindByPrefix(prefix string) []*Dso {
	names := dl.byName.PrefixSearch(prefix)
	sort.Strings(names)
	r := make([]*Dso, 0, len(names))
	for _, name := range names {
		if dso, ok := dl.FindByName(name); ok {
			r = append(r, dso)
		}
	}
	return r
}

// ContainingAddress returns the module with the highest base at or below
// addr.
func (dl *DsoList) ContainingAddress(addr uint64) (*Dso, bool) {
	i := sort.Search(len(dl.dsos), func(i int) bool { return dl.dsos[i].BaseAddr > addr })
	if i == 0 {
		return nil, false
	}
	return dl.dsos[i-1], true
}

func (p *Process) readUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := p.memory.ReadMemory(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (p *Process) readUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := p.memory.ReadMemory(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (p *Process) readString(addr uint64, max int) (string, error) {
	if addr == 0 {
		return "", nil
	}
	buf := make([]byte, 0, 64)
	var chunk [64]byte
	for len(buf) < max {
		n := len(chunk)
		if len(buf)+n > max {
			n = max - len(buf)
		}
		if err := p.memory.ReadMemory(addr+uint64(len(buf)), chunk[:n]); err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(buf, chunk[:i]...)), nil
			}
		}
		buf = append(buf, chunk[:n]...)
	}
	return string(buf), nil
}

// ensureDebugAddr resolves the debug-address property once per process
// lifetime. Returns false while the property is unset or still holds the
// break-on-set sentinel.
func (p *Process) ensureDebugAddr() bool {
	if p.debugAddr != 0 {
		return true
	}
	addr, err := p.handle.GetDebugAddr()
	if err != nil {
		p.log.Errorf("querying debug address property: %v", err)
		return false
	}
	if addr == 0 || addr == zx.DebugAddrBreakOnSet {
		return false
	}
	p.debugAddr = addr
	return true
}

// CheckDsosList decides, on a software-breakpoint exception of t, whether
// the inferior is stopped at the dynamic linker's readiness breakpoint.
// The linker never reports that breakpoint's location up front, so the
// first hit is recognized by its side effect — the debug header fields
// becoming non-zero — and the break address learned then identifies any
// later hit by PC comparison. A true return means the loaded-module list is
// now readable and the caller may resume this breakpoint transparently.
func (p *Process) CheckDsosList(t *Thread) bool {
	if !p.IsAttached() {
		return false
	}
	if !p.ensureDebugAddr() {
		return false
	}
	version, err := p.readUint32(p.debugAddr + rdebugVersionOffset)
	if err != nil {
		p.log.Warnf("reading linker debug header: %v", err)
		return false
	}
	if version == 0 {
		// Structure not initialized yet, retry on a later exception.
		return false
	}
	brk, err := p.readUint64(p.debugAddr + rdebugBrkOffset)
	if err != nil {
		p.log.Warnf("reading linker break address: %v", err)
		return false
	}
	mapAddr, err := p.readUint64(p.debugAddr + rdebugMapOffset)
	if err != nil {
		p.log.Warnf("reading linker map address: %v", err)
		return false
	}
	if brk == 0 || mapAddr == 0 {
		// Partially initialized, retry later.
		return false
	}
	if !p.ldsoDebugDataHasInitialized {
		// First time the full sequence succeeds: this exception is the
		// readiness breakpoint itself. Cache and report readiness; the
		// cached addresses never change until Clear.
		p.ldsoDebugBreakAddr = brk
		p.ldsoDebugMapAddr = mapAddr
		p.ldsoDebugDataHasInitialized = true
		return true
	}
	if err := t.RefreshRegisters(); err != nil {
		return false
	}
	return p.arch.BreakpointInstructionAddress(t.regs.PC) == p.ldsoDebugBreakAddr
}

// LdsoDebugDataInitialized reports whether the readiness heuristic has
// fired for this process lifetime.
func (p *Process) LdsoDebugDataInitialized() bool { return p.ldsoDebugDataHasInitialized }

// LdsoDebugBreakAddr returns the cached loader-readiness breakpoint
// address, zero until known.
func (p *Process) LdsoDebugBreakAddr() uint64 { return p.ldsoDebugBreakAddr }

// DsoList returns the loaded-module list. The second result distinguishes
// "built" from "not yet built"; a failed build is reported by
// DsosBuildFailed, not here.
func (p *Process) DsoList() (*DsoList, bool) {
	return p.dsos, p.dsos != nil
}

// DsosBuildFailed reports whether a module list build failed; once true the
// build is never retried for this process lifetime.
func (p *Process) DsosBuildFailed() bool { return p.dsosBuildFailed }

// BaseAddress returns the executable's load base, known once the module
// list has been built.
func (p *Process) BaseAddress() uint64 { return p.baseAddr }

// EntryAddress returns the executable's runtime entry point, known once the
// module list has been built; zero when the image header was unreadable.
func (p *Process) EntryAddress() uint64 { return p.entryAddr }

// BuildDsoList walks the dynamic linker's module list and records it.
// Callable once CheckDsosList has reported readiness; idempotent once
// built. A failed build latches permanently.
func (p *Process) BuildDsoList() error {
	if p.dsosBuildFailed {
		return ErrDsoListBuildFailed
	}
	if p.dsos != nil {
		return nil
	}
	if !p.ldsoDebugDataHasInitialized {
		return errors.New("loaded-module list is not readable yet")
	}
	log := logflags.DsoLogger().WithField("pid", p.id)
	list := &DsoList{byName: trie.New()}
	lm := p.ldsoDebugMapAddr
	for lm != 0 && len(list.dsos) < maxDsos {
		base, err := p.readUint64(lm + linkMapAddrOffset)
		if err != nil {
			p.log.Warnf("reading module record at %#x: %v", lm, err)
			break
		}
		nameAddr, err := p.readUint64(lm + linkMapNameOffset)
		if err != nil {
			p.log.Warnf("reading module name pointer at %#x: %v", lm, err)
			break
		}
		name, err := p.readString(nameAddr, maxDsoNameLen)
		if err != nil {
			p.log.Warnf("reading module name at %#x: %v", nameAddr, err)
			break
		}
		dso := &Dso{Name: name, BaseAddr: base, LinkMapAddr: lm}
		list.dsos = append(list.dsos, dso)
		if name != "" {
			list.byName.Add(name, dso)
		}
		log.Debugf("module %q at %#x", name, base)
		next, err := p.readUint64(lm + linkMapNextOffset)
		if err != nil {
			p.log.Warnf("reading module link at %#x: %v", lm, err)
			break
		}
		lm = next
	}
	if len(list.dsos) == 0 {
		// At least the executable itself is expected. Latch the failure
		// so the walk is not wastefully repeated.
		p.log.Warnf("no modules found for process %d, marking module list build failed", p.id)
		p.dsosBuildFailed = true
		return ErrDsoListBuildFailed
	}
	// The first record the linker publishes is the executable.
	p.baseAddr = list.dsos[0].BaseAddr
	if entry, err := p.readUint64(p.baseAddr + elfEntryOffset); err != nil {
		p.log.Warnf("reading executable entry point: %v", err)
	} else if entry != 0 {
		if entry < p.baseAddr {
			// Position-independent images store a base-relative entry.
			entry += p.baseAddr
		}
		p.entryAddr = entry
	}
	sort.Slice(list.dsos, func(i, j int) bool { return list.dsos[i].BaseAddr < list.dsos[j].BaseAddr })
	p.dsos = list
	return nil
}
