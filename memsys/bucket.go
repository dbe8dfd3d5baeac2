package memsys

import (
	"sync"
	"unsafe"
)

// Bucket is one size class: a freelist of Slabs plus the policy deciding
// when an emptied Slab is retained instead of returned to the Provider.
// Every exported operation here acquires mu, matching spec.md §4.2 "all
// acquire the bucket mutex".
type Bucket struct {
	size uintptr
	pool *Pool

	mu               sync.Mutex
	available        *slabListItem
	unavailable      *slabListItem
	chunkedSlabsInPool uintptr

	// Statistics. The slab counters are updated only when Config.PoolTrace > 0
	// (updateStats); the alloc/free counts only when Config.PoolTrace > 1
	// (the Pool's allocate and free paths check that before counting).
	allocCount       uint64
	freeCount        uint64
	allocPoolCount   uint64
	currSlabsInUse   int64
	currSlabsInPool  int64
	maxSlabsInUse    int64
	maxSlabsInPool   int64
}

func newBucket(size uintptr, pool *Pool) *Bucket {
	return &Bucket{size: size, pool: pool}
}

func (b *Bucket) destroy() {
	for it := b.available; it != nil; {
		next := it.next
		it.slab.destroy()
		it = next
	}
	for it := b.unavailable; it != nil; {
		next := it.next
		it.slab.destroy()
		it = next
	}
}

// chunkCutOff is the boundary, per bucket, between chunked mode (this
// bucket slices each slab into many chunks) and whole-slab mode (one
// allocation consumes an entire slab).
func (b *Bucket) chunkCutOff() uintptr { return b.pool.slabMinSize / 2 }

func (b *Bucket) isChunked() bool { return b.size <= b.chunkCutOff() }

func (b *Bucket) slabAllocSize() uintptr {
	if b.size > b.pool.slabMinSize {
		return b.size
	}
	return b.pool.slabMinSize
}

// capacity is the maximum number of empty slabs this bucket retains. For
// chunked-mode buckets one pooled slab suffices to amortize creation cost;
// whole-slab buckets use the configured Capacity.
func (b *Bucket) capacity() uintptr {
	if b.isChunked() {
		return 1
	}
	return b.pool.cfg.Capacity
}

func (b *Bucket) updateStats(inUse, inPool int64) {
	if b.pool.cfg.PoolTrace == 0 {
		return
	}
	b.currSlabsInUse += inUse
	if b.currSlabsInUse > b.maxSlabsInUse {
		b.maxSlabsInUse = b.currSlabsInUse
	}
	b.currSlabsInPool += inPool
	if b.currSlabsInPool > b.maxSlabsInPool {
		b.maxSlabsInPool = b.currSlabsInPool
	}
	b.pool.addCurPoolSize(inPool * int64(b.slabAllocSize()))
}

func (b *Bucket) countAlloc(fromPool bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocCount++
	if fromPool {
		b.allocPoolCount++
	}
}

func (b *Bucket) countFree() {
	b.mu.Lock()
	b.freeCount++
	b.mu.Unlock()
}

// decrementPool accounts for a slab leaving retention: the caller is about
// to reuse an already-pooled slab instead of creating a new one.
func (b *Bucket) decrementPool(fromPool *bool) {
	*fromPool = true
	b.updateStats(1, -1)
	b.pool.limits.release(b.slabAllocSize())
}

// getAvailFullSlab returns the head of available, creating a fresh slab if
// the list is empty (whole-slab mode: the whole slab is the allocation).
func (b *Bucket) getAvailFullSlab(fromPool *bool) (*slabListItem, ErrorKind) {
	if b.available == nil {
		s, kind := newSlab(b)
		if kind != Success {
			return nil, kind
		}
		b.pool.logger.V(1).Info("slab created", "bucket", b.size, "chunked", false)
		b.pool.index.register(s)
		dlPrepend(&b.available, s.item)
		*fromPool = false
		b.updateStats(1, 0)
	} else {
		b.decrementPool(fromPool)
	}
	return b.available, Success
}

func (b *Bucket) getSlab(fromPool *bool) (unsafe.Pointer, ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	it, kind := b.getAvailFullSlab(fromPool)
	if kind != Success {
		return nil, kind
	}
	s := it.slab
	ptr := s.mem

	dlDelete(&b.available, it)
	dlPrepend(&b.unavailable, it)
	b.pool.logger.V(2).Info("slab allocated", "bucket", b.size, "ptr", ptr)
	return ptr, Success
}

func (b *Bucket) freeSlab(s *Slab, toPool *bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	it := s.item
	if b.canPool(toPool) {
		dlDelete(&b.unavailable, it)
		dlPrepend(&b.available, it)
		b.pool.logger.V(1).Info("slab retained in pool", "bucket", b.size)
	} else {
		b.pool.index.unregister(s)
		dlDelete(&b.unavailable, it)
		s.destroy()
		b.pool.logger.V(1).Info("slab destroyed", "bucket", b.size, "chunked", false)
	}
}

// getAvailSlab returns a slab with at least one free chunk, creating one if
// needed (chunked mode).
func (b *Bucket) getAvailSlab(fromPool *bool) (*slabListItem, ErrorKind) {
	if b.available == nil {
		s, kind := newSlab(b)
		if kind != Success {
			return nil, kind
		}
		b.pool.logger.V(1).Info("slab created", "bucket", b.size, "chunked", true)
		b.pool.index.register(s)
		dlPrepend(&b.available, s.item)
		b.updateStats(1, 0)
		*fromPool = false
	} else if b.available.slab.numAllocated == 0 {
		// The head was an entirely-empty slab: it was retained as "in the
		// pool" per spec.md §4.2's chunked-mode pooling note.
		b.chunkedSlabsInPool--
		b.decrementPool(fromPool)
	} else {
		// Allocation from a partially-used slab is still counted as "from
		// pool" for statistics purposes.
		*fromPool = true
	}
	return b.available, Success
}

func (b *Bucket) getChunk(fromPool *bool) (unsafe.Pointer, ErrorKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	it, kind := b.getAvailSlab(fromPool)
	if kind != Success {
		return nil, kind
	}
	s := it.slab
	ptr := s.getChunk()
	if !s.hasAvailable() {
		dlDelete(&b.available, it)
		dlPrepend(&b.unavailable, it)
	}
	b.pool.logger.V(2).Info("chunk allocated", "bucket", b.size, "ptr", ptr)
	return ptr, Success
}

func (b *Bucket) freeChunk(ptr unsafe.Pointer, s *Slab, toPool *bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasFull := !s.hasAvailable()
	s.freeChunk(ptr)
	b.pool.logger.V(2).Info("chunk freed", "bucket", b.size, "ptr", ptr)
	if wasFull {
		dlDelete(&b.unavailable, s.item)
		dlPrepend(&b.available, s.item)
	}
	if s.numAllocated == 0 {
		if b.canPool(toPool) {
			b.chunkedSlabsInPool++
		} else {
			b.pool.index.unregister(s)
			dlDelete(&b.available, s.item)
			s.destroy()
			b.pool.logger.V(1).Info("slab destroyed", "bucket", b.size, "chunked", true)
		}
	}
}

// canPool decides whether an about-to-be-empty slab may be retained,
// performing the bounded CAS loop spec.md §4.2/§9 describes: the would-be
// pooled-slab count is checked against capacity(), then the shared byte
// budget is checked and reserved atomically, re-validating the bound on
// every retry so contention cannot let TotalSize exceed MaxSize even
// transiently.
func (b *Bucket) canPool(toPool *bool) bool {
	var wouldBeFree uintptr
	if b.isChunked() {
		wouldBeFree = b.chunkedSlabsInPool + 1
	} else {
		wouldBeFree = 1
		for it := b.available; it != nil; it = it.next {
			wouldBeFree++
		}
	}

	if wouldBeFree <= b.capacity() && b.pool.limits.tryReserve(b.slabAllocSize()) {
		b.updateStats(-1, 1)
		*toPool = true
		return true
	}

	b.updateStats(-1, 0)
	*toPool = false
	return false
}
