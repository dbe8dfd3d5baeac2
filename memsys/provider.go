package memsys

import "unsafe"

// Provider is the coarse-grain memory source the pool slices into slabs.
// It is deliberately minimal and out of this module's core scope (see
// spec.md §1 "Out of scope"): system pages, device memory, and shared
// virtual memory backends are all expressible behind this contract. The
// module ships exactly one concrete implementation, providers/mmap, so the
// pool is runnable standalone; production deployments are expected to
// supply their own.
type Provider interface {
	// Alloc requests size bytes aligned to alignment (0 or 1 meaning "no
	// particular alignment beyond whatever the provider naturally gives").
	// On failure it returns a nil pointer and a non-Success ErrorKind.
	Alloc(size, alignment uintptr) (unsafe.Pointer, ErrorKind)
	// Free releases a pointer previously returned by Alloc. size, when
	// known, is passed through so an allocation tracker can avoid a
	// secondary bookkeeping lookup; 0 means "unknown, look it up yourself".
	Free(ptr unsafe.Pointer, size uintptr) ErrorKind
	// MinPageSize reports the provider's minimum allocation/alignment
	// granularity, used by the pool to decide whether a requested
	// alignment is already satisfied by slab placement alone.
	MinPageSize() uintptr
}

// annotateUndefined and annotateInaccessible are sanitizer hooks. Per
// spec.md §9 they are no-ops unless a poisoning build is enabled; this
// module carries no such build, so they are permanently stubbed. Pointer
// arithmetic must remain valid whether or not a real sanitizer is wired in
// behind these calls, so neither function may be relied upon for
// correctness.
func annotateUndefined(unsafe.Pointer, uintptr)    {}
func annotateInaccessible(unsafe.Pointer, uintptr) {}
