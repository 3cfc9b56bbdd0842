package inferior

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/vsrinivas/fuchsia-sub188/pkg/zx"
)

const (
	memCacheLineSize         = 256
	defaultMemCacheLineCount = 128
)

// cachedMemory reads and writes inferior memory through the process handle,
// caching aligned lines so repeated stop-time reads (the dynamic linker
// header is re-read on every software breakpoint) hit the kernel once.
// The cache is only valid while the inferior is stopped; every resume path
// calls Purge.
type cachedMemory struct {
	proc  zx.Process
	cache *lru.Cache
	log   *logrus.Entry
}

func newCachedMemory(proc zx.Process, lines int, log *logrus.Entry) *cachedMemory {
	if lines <= 0 {
		lines = defaultMemCacheLineCount
	}
	cache, err := lru.New(lines)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &cachedMemory{proc: proc, cache: cache, log: log}
}

func (m *cachedMemory) fetchLine(base uint64) ([]byte, error) {
	if cached, ok := m.cache.Get(base); ok {
		return cached.([]byte), nil
	}
	line := make([]byte, memCacheLineSize)
	n, err := m.proc.ReadMemory(base, line)
	if err != nil {
		return nil, err
	}
	line = line[:n]
	m.cache.Add(base, line)
	return line, nil
}

// ReadMemory fills buf from the inferior's address space starting at addr.
// Short reads are errors.
func (m *cachedMemory) ReadMemory(addr uint64, buf []byte) error {
	filled := 0
	for filled < len(buf) {
		cur := addr + uint64(filled)
		base := cur &^ uint64(memCacheLineSize-1)
		line, err := m.fetchLine(base)
		if err != nil {
			return err
		}
		off := int(cur - base)
		if off >= len(line) {
			return zx.ErrNoMemoryAtAddr
		}
		filled += copy(buf[filled:], line[off:])
	}
	return nil
}

// WriteMemory writes data into the inferior at addr, dropping any cache
// lines the write touches.
func (m *cachedMemory) WriteMemory(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := m.proc.WriteMemory(addr, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		m.log.Errorf("short memory write at %#x: %d of %d bytes", addr, n, len(data))
		return zx.ErrNoMemoryAtAddr
	}
	first := addr &^ uint64(memCacheLineSize-1)
	last := (addr + uint64(len(data)) - 1) &^ uint64(memCacheLineSize-1)
	for base := first; base <= last; base += memCacheLineSize {
		m.cache.Remove(base)
	}
	return nil
}

// Purge drops the whole cache. Called whenever the inferior may run again.
func (m *cachedMemory) Purge() {
	m.cache.Purge()
}
