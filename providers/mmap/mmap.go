// Package mmap is the one concrete memsys.Provider this module ships: an
// anonymous, page-aligned backing store obtained through mmap(2). It carries
// no NUMA or topology awareness and exists so the pool is runnable and
// testable standalone (see SPEC_FULL.md DOMAIN-PROVIDER).
package mmap

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/EuphoricThinking/unified-memory-framework/memsys"
)

// Provider implements memsys.Provider over unix.Mmap/unix.Munmap. Every
// allocation is its own anonymous private mapping; alignment beyond the
// page size is honored by over-mapping and trimming.
type Provider struct {
	pageSize uintptr

	mu      sync.Mutex
	regions map[uintptr][]byte
}

// New returns a ready Provider. Construction cannot fail: the page size is
// read once via unix.Getpagesize.
func New() *Provider {
	return &Provider{
		pageSize: uintptr(unix.Getpagesize()),
		regions:  make(map[uintptr][]byte),
	}
}

func (p *Provider) MinPageSize() uintptr { return p.pageSize }

// Alloc maps size bytes (rounded up to the page size) anonymously. When
// alignment exceeds the page size, it over-maps by alignment-1 extra bytes
// and hands back an aligned pointer inside the mapping; Free still needs the
// mapping's true base, which is why Provider tracks it by the address it
// returned to the caller.
func (p *Provider) Alloc(size, alignment uintptr) (unsafe.Pointer, memsys.ErrorKind) {
	if size == 0 {
		return nil, memsys.Success
	}
	mapSize := roundUp(size, p.pageSize)
	if alignment > p.pageSize {
		mapSize += alignment - 1
	}

	data, err := unix.Mmap(-1, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, memsys.OutOfHostMemory
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	aligned := base
	if alignment > p.pageSize {
		aligned = roundUp(base, alignment)
	}

	p.mu.Lock()
	p.regions[aligned] = data
	p.mu.Unlock()

	return unsafe.Pointer(aligned), memsys.Success
}

// Free unmaps a pointer previously returned by Alloc. size is accepted for
// interface-compatibility but unneeded: the provider tracks the true
// mapping by the pointer it handed out.
func (p *Provider) Free(ptr unsafe.Pointer, size uintptr) memsys.ErrorKind {
	if ptr == nil {
		return memsys.Success
	}
	key := uintptr(ptr)

	p.mu.Lock()
	data, ok := p.regions[key]
	delete(p.regions, key)
	p.mu.Unlock()

	if !ok {
		return memsys.InvalidArgument
	}
	if err := unix.Munmap(data); err != nil {
		return memsys.ProviderSpecific
	}
	return memsys.Success
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
