package memsys

import "unsafe"

// slabListItem is the intrusive doubly-linked list node embedded in every
// Slab, giving O(1) move between a bucket's available/unavailable lists
// (spec.md §9 "Intrusive list nodes"). It is a direct port of the
// original's slab_list_item_t / uthash-utlist DL_PREPEND / DL_DELETE pair,
// kept as a hand-rolled pointer list rather than container/list to avoid
// boxing the *Slab in an interface{} on every list touch.
type slabListItem struct {
	slab       *Slab
	prev, next *slabListItem
}

// dlPrepend inserts item at the head of *head.
func dlPrepend(head **slabListItem, item *slabListItem) {
	item.prev = nil
	item.next = *head
	if *head != nil {
		(*head).prev = item
	}
	*head = item
}

// dlDelete unlinks item from the list rooted at *head.
func dlDelete(head **slabListItem, item *slabListItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		*head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	item.prev, item.next = nil, nil
}

// Slab is one coarse-grain provider allocation, sliced into chunkSize
// chunks and tracked by a flat allocation bitmap. All mutation of a Slab's
// fields happens while the owning Bucket's lock is held (spec.md §5
// "Per-slab bitmap and counters: unprotected by a dedicated lock").
type Slab struct {
	mem       unsafe.Pointer
	slabSize  uintptr
	chunkSize uintptr
	numChunks uintptr

	chunks       []bool // false = free, true = allocated
	numAllocated uintptr
	// firstFreeIdx is a lower-bound hint for the next free-bit scan: it is
	// always <= the true first free index, monotone forward on allocation
	// and resettable backward on free (spec.md §4.1 Notes).
	firstFreeIdx uintptr

	bucket *Bucket
	item   *slabListItem
}

// newSlab requests slabSize bytes from the bucket's pool's provider and
// slices it into bucket.size chunks. Any scratch state allocated before
// the provider call is implicitly released (Go's GC reclaims the
// unreferenced Slab/bitmap on return).
func newSlab(b *Bucket) (*Slab, ErrorKind) {
	pool := b.pool
	chunkSize := b.size
	slabSize := chunkSize
	if slabSize < pool.slabMinSize {
		slabSize = pool.slabMinSize
	}
	numChunks := pool.slabMinSize / chunkSize

	mem, kind := pool.provider.Alloc(slabSize, pool.slabMinSize)
	if kind != Success {
		return nil, kind
	}
	annotateInaccessible(mem, slabSize)

	s := &Slab{
		mem:       mem,
		slabSize:  slabSize,
		chunkSize: chunkSize,
		numChunks: numChunks,
		chunks:    make([]bool, numChunks),
		bucket:    b,
	}
	s.item = &slabListItem{slab: s}
	return s, Success
}

// destroy returns the slab's coarse-grain memory to the provider. Errors
// are logged, never propagated: spec.md §7 "slab destruction's
// provider-free error is logged but swallowed (cannot fail a free)".
func (s *Slab) destroy() {
	pool := s.bucket.pool
	if kind := pool.provider.Free(s.mem, s.slabSize); kind != Success {
		pool.logger.V(0).Info("provider free failed during slab destruction",
			"bucket", s.bucket.size, "kind", kind.String())
	}
}

func (s *Slab) end() unsafe.Pointer {
	return unsafe.Pointer(uintptr(s.mem) + s.bucket.pool.slabMinSize)
}

// contains reports whether ptr falls in the slab's registered range, which
// is always exactly [mem, mem+SlabMinSize) regardless of slabSize (spec.md
// §4.1 "not slab_size; the registered range is always exactly
// SlabMinSize").
func (s *Slab) contains(ptr unsafe.Pointer) bool {
	p := uintptr(ptr)
	return p >= uintptr(s.mem) && p < uintptr(s.mem)+s.bucket.pool.slabMinSize
}

func (s *Slab) hasAvailable() bool { return s.numAllocated < s.numChunks }

// getChunk returns the first free chunk, starting the scan at the
// first-free hint. Precondition: hasAvailable(). Violating it is a caller
// bug (the bucket lock should have made that impossible) and this method
// does not defend against it, matching the original's documented UB.
func (s *Slab) getChunk() unsafe.Pointer {
	idx := s.firstFreeIdx
	for s.chunks[idx] {
		idx++
	}
	s.chunks[idx] = true
	s.numAllocated++
	s.firstFreeIdx = idx + 1
	return unsafe.Pointer(uintptr(s.mem) + idx*s.chunkSize)
}

// freeChunk clears the chunk ptr points into. Double free (freeing an
// already-clear bit) is a programming error; in a debug build this would
// assert, here it is silently ignored past the index/state check because
// a release build must not crash on corrupted caller state.
func (s *Slab) freeChunk(ptr unsafe.Pointer) {
	idx := (uintptr(ptr) - uintptr(s.mem)) / s.chunkSize
	if idx >= s.numChunks || !s.chunks[idx] {
		return
	}
	s.chunks[idx] = false
	s.numAllocated--
	if idx < s.firstFreeIdx {
		s.firstFreeIdx = idx
	}
}
