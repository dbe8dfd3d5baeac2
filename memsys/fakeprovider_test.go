package memsys

import (
	"sync"
	"unsafe"
)

// fakeProvider backs tests with plain Go-heap memory instead of mmap, so the
// suite never shells out to the OS for a page. Every allocation is kept
// alive via keepAlive so the GC cannot reclaim it out from under raw
// pointer arithmetic.
type fakeProvider struct {
	minPageSize uintptr
	failNext    bool

	mu        sync.Mutex
	keepAlive map[uintptr][]byte
}

func newFakeProvider(minPageSize uintptr) *fakeProvider {
	return &fakeProvider{minPageSize: minPageSize, keepAlive: make(map[uintptr][]byte)}
}

func (p *fakeProvider) Alloc(size, alignment uintptr) (unsafe.Pointer, ErrorKind) {
	p.mu.Lock()
	if p.failNext {
		p.failNext = false
		p.mu.Unlock()
		return nil, OutOfHostMemory
	}
	p.mu.Unlock()

	if alignment == 0 {
		alignment = 1
	}
	buf := make([]byte, size+alignment)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + alignment - 1) &^ (alignment - 1)

	p.mu.Lock()
	p.keepAlive[aligned] = buf
	p.mu.Unlock()
	return unsafe.Pointer(aligned), Success
}

func (p *fakeProvider) Free(ptr unsafe.Pointer, size uintptr) ErrorKind {
	if ptr == nil {
		return Success
	}
	p.mu.Lock()
	delete(p.keepAlive, uintptr(ptr))
	p.mu.Unlock()
	return Success
}

func (p *fakeProvider) MinPageSize() uintptr { return p.minPageSize }
