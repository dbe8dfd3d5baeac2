package memsys

import (
	"testing"
	"unsafe"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.SlabMinSize == 0 {
		cfg.SlabMinSize = 4096
	}
	provider := newFakeProvider(4096)
	p, err := New(provider, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// Scenario 1 (spec.md §8.1): malloc(64) is 64-aligned, lands in bucket 0
// with one slab of 64 chunks, then frees back into retention.
func TestScenario1SmallAllocRetains(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192, Capacity: 4})

	ptr := p.Malloc(64)
	if ptr == nil {
		t.Fatal("malloc(64) returned nil")
	}
	if uintptr(ptr)%64 != 0 {
		t.Fatalf("pointer %v is not 64-aligned", ptr)
	}

	bucket := p.findBucket(64)
	if bucket.size != 64 {
		t.Fatalf("expected bucket size 64, got %d", bucket.size)
	}
	if bucket.available == nil {
		t.Fatal("expected one slab in available after first alloc")
	}
	s := bucket.available.slab
	if s.numAllocated != 1 {
		t.Fatalf("expected numAllocated=1, got %d", s.numAllocated)
	}
	if s.numChunks != 64 {
		t.Fatalf("expected numChunks=64, got %d", s.numChunks)
	}

	if err := p.Free(ptr); err != nil {
		t.Fatalf("free: %v", err)
	}
	if s.numAllocated != 0 {
		t.Fatalf("expected numAllocated=0 after free, got %d", s.numAllocated)
	}
	if bucket.chunkedSlabsInPool != 1 {
		t.Fatalf("expected chunkedSlabsInPool=1 (retained), got %d", bucket.chunkedSlabsInPool)
	}
}

// Scenario 2 (spec.md §8.2): the 65th 64-byte allocation spills into a
// second slab once the first is full.
func TestScenario2SecondSlabOnOverflow(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192, Capacity: 4})
	bucket := p.findBucket(64)

	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		ptr := p.Malloc(64)
		if ptr == nil {
			t.Fatalf("malloc #%d returned nil", i)
		}
		ptrs = append(ptrs, ptr)
	}
	if bucket.available != nil {
		t.Fatal("expected the full first slab to have moved to unavailable")
	}
	if bucket.unavailable == nil || bucket.unavailable.slab.numAllocated != 64 {
		t.Fatal("expected the first slab to be unavailable and full")
	}

	ptr65 := p.Malloc(64)
	if ptr65 == nil {
		t.Fatal("malloc #65 returned nil")
	}
	if bucket.available == nil {
		t.Fatal("expected a second slab after the 65th allocation")
	}
	if bucket.available.slab.numAllocated != 1 {
		t.Fatalf("expected the second slab to hold exactly one chunk, got %d", bucket.available.slab.numAllocated)
	}

	for _, ptr := range ptrs {
		p.Free(ptr)
	}
	p.Free(ptr65)
}

// Scenario 3 (spec.md §8.3): three pools share an 8192-byte SharedLimits;
// the first two each retain one 4096-byte slab, which fills the cap, so the
// third pool's retention attempt fails its CAS and that slab is released
// to the provider instead.
func TestScenario3SharedLimitsAcrossPools(t *testing.T) {
	limits := NewSharedLimits(8192)

	cfg := Config{SlabMinSize: 4096, MinBucketSize: 4096, MaxPoolableSize: 8192, Capacity: 4, SharedLimits: limits}
	p1 := newTestPool(t, cfg)
	p2 := newTestPool(t, cfg)
	p3 := newTestPool(t, cfg)

	ptr1 := p1.Malloc(4096)
	ptr2 := p2.Malloc(4096)
	ptr3 := p3.Malloc(4096)
	if ptr1 == nil || ptr2 == nil || ptr3 == nil {
		t.Fatal("expected all three allocations to succeed")
	}

	if err := p1.Free(ptr1); err != nil {
		t.Fatalf("free 1: %v", err)
	}
	if err := p2.Free(ptr2); err != nil {
		t.Fatalf("free 2: %v", err)
	}
	if limits.TotalSize() != 8192 {
		t.Fatalf("expected TotalSize=8192 after two retentions, got %d", limits.TotalSize())
	}

	if err := p3.Free(ptr3); err != nil {
		t.Fatalf("free 3: %v", err)
	}
	if limits.TotalSize() != 8192 {
		t.Fatalf("expected TotalSize to stay at the 8192 cap, got %d", limits.TotalSize())
	}
}

// Scenario 4 (spec.md §8.4): aligned_malloc(1, 4096) with
// provider_min_page_size=4096 rewrites to effective size 4096 and returns
// the slab base directly.
func TestScenario4AlignedMallocEqualsPageSize(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192, Capacity: 4})

	ptr := p.AlignedMalloc(1, 4096)
	if ptr == nil {
		t.Fatal("aligned_malloc(1, 4096) returned nil")
	}
	if uintptr(ptr)%4096 != 0 {
		t.Fatalf("pointer %v is not 4096-aligned", ptr)
	}
	bucket := p.findBucket(4096)
	if bucket.size != 4096 {
		t.Fatalf("expected the 4096 bucket to serve this request, got bucket size %d", bucket.size)
	}
}

// Scenario 5 (spec.md §8.5): aligned_malloc(100, 8192) with
// provider_min_page_size=4096 computes effective size 8291 and returns a
// pointer aligned up to 8192.
func TestScenario5AlignedMallocOverPageSize(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 1 << 20, Capacity: 4})

	ptr := p.AlignedMalloc(100, 8192)
	if ptr == nil {
		t.Fatal("aligned_malloc(100, 8192) returned nil")
	}
	if uintptr(ptr)%8192 != 0 {
		t.Fatalf("pointer %v is not 8192-aligned", ptr)
	}

	bucket := p.findBucket(100 + 8192 - 1)
	if bucket.size < 8291 {
		t.Fatalf("expected a bucket size >= 8291, got %d", bucket.size)
	}
}

// Scenario 6 (spec.md §8.6): freeing a pointer that is not owned by any
// slab falls back to provider.free rather than asserting. This covers both
// the plain-miss case (nothing registered at the floored key) and, via a
// whitebox-registered slab standing in for one whose registered key
// collides with an unrelated pointer's floor, the "hit but outside
// contains()" case.
func TestScenario6AdjacentPointerFallsBackToProvider(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192, Capacity: 4})

	// Plain miss: nothing registered at this address at all.
	unmanaged, _ := p.provider.Alloc(32, 1)
	if err := p.Free(unmanaged); err != nil {
		t.Fatalf("free of an unmanaged pointer should fall back silently: %v", err)
	}

	// Hit-but-outside-contains: fabricate a slab registered at a key whose
	// actual [mem, mem+SlabMinSize) range does not cover the pointer being
	// freed, modeling "a non-pool allocation sits adjacent to a slab and
	// hashes to the same key" (spec.md §4.3 free() step 4).
	bucket := p.findBucket(64)
	region, _ := p.provider.Alloc(p.slabMinSize, p.slabMinSize)
	fake := &Slab{mem: region, slabSize: p.slabMinSize, chunkSize: 64, numChunks: p.slabMinSize / 64, chunks: make([]bool, p.slabMinSize/64), bucket: bucket}
	fake.item = &slabListItem{slab: fake}
	p.index.register(fake)

	outside := unsafe.Pointer(uintptr(region) + p.slabMinSize + 8)
	p.index.insert(uintptr(outside)&^(p.slabMinSize-1), fake)
	if err := p.Free(outside); err != nil {
		t.Fatalf("free of an out-of-range-but-key-colliding pointer should fall back silently: %v", err)
	}

	p.index.unregister(fake)
}

func TestMallocZeroReturnsNilWithoutError(t *testing.T) {
	p := newTestPool(t, Config{MinBucketSize: 64, MaxPoolableSize: 8192})
	if ptr := p.Malloc(0); ptr != nil {
		t.Fatalf("malloc(0) should return nil, got %v", ptr)
	}
	if got := p.LastAllocationError(); got != Success {
		t.Fatalf("malloc(0) must not record an error, got %v", got)
	}
}

func TestMallocAboveMaxPoolableBypassesBuckets(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192})
	ptr := p.Malloc(8193)
	if ptr == nil {
		t.Fatal("expected the provider to directly satisfy an over-limit request")
	}
	for _, b := range p.buckets {
		if b.available != nil || b.unavailable != nil {
			t.Fatalf("bucket %d should be untouched by an over-limit request", b.size)
		}
	}
	p.Free(ptr)
}

func TestChunkCutOffBoundary(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192, Capacity: 4})

	atCutOff := p.findBucket(2048)
	if !atCutOff.isChunked() {
		t.Fatalf("size at chunk_cut_off (2048) must use chunk mode, bucket size %d", atCutOff.size)
	}

	overCutOff := p.findBucket(2049)
	if overCutOff.isChunked() {
		t.Fatalf("size chunk_cut_off+1 (2049) must use whole-slab mode, bucket size %d", overCutOff.size)
	}
}

func TestAlignedMallocAlignmentOneEqualsMalloc(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: 8192, Capacity: 4})

	ptr := p.AlignedMalloc(100, 1)
	if ptr == nil {
		t.Fatal("aligned_malloc(100, 1) returned nil")
	}
	s, ok := p.index.lookupForFree(ptr, p.slabMinSize)
	if !ok || s.bucket != p.findBucket(100) {
		t.Fatal("aligned_malloc(n, 1) should route through the same bucket as malloc(n)")
	}
	p.Free(ptr)
}

func TestBucketSelectionIsMonotone(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: CutOff})

	for _, size := range []uintptr{1, 63, 64, 65, 96, 97, 128, 1000, 1 << 20} {
		idx := p.sizeToIdx(size)
		bucket := p.buckets[idx]
		if bucket.size < size {
			t.Fatalf("size %d: bucket[%d].size=%d is smaller than size", size, idx, bucket.size)
		}
		if idx > 0 {
			prev := p.buckets[idx-1]
			if prev.size >= size {
				t.Fatalf("size %d: bucket[%d-1].size=%d is not < size", size, idx, prev.size)
			}
		}
	}
}

func TestBucketTableTerminatesWithCutOff(t *testing.T) {
	p := newTestPool(t, Config{SlabMinSize: 4096, MinBucketSize: 64, MaxPoolableSize: CutOff})
	last := p.buckets[len(p.buckets)-1]
	if last.size != CutOff {
		t.Fatalf("expected the final bucket to be exactly CutOff (%d), got %d", CutOff, last.size)
	}
}

func TestFreeNilIsNoop(t *testing.T) {
	p := newTestPool(t, Config{MinBucketSize: 64, MaxPoolableSize: 8192})
	if err := p.Free(nil); err != nil {
		t.Fatalf("free(nil) should be a silent no-op, got %v", err)
	}
}

func TestCallocAndReallocAreUnsupported(t *testing.T) {
	p := newTestPool(t, Config{MinBucketSize: 64, MaxPoolableSize: 8192})
	if ptr := p.Calloc(4, 16); ptr != nil {
		t.Fatal("calloc must always return nil")
	}
	if got := p.LastAllocationError(); got != NotSupported {
		t.Fatalf("calloc must record NotSupported, got %v", got)
	}
	if ptr := p.Realloc(nil, 16); ptr != nil {
		t.Fatal("realloc must always return nil")
	}
	if got := p.LastAllocationError(); got != NotSupported {
		t.Fatalf("realloc must record NotSupported, got %v", got)
	}
}

func TestUsableSizeIsAlwaysZero(t *testing.T) {
	p := newTestPool(t, Config{MinBucketSize: 64, MaxPoolableSize: 8192})
	ptr := p.Malloc(64)
	if got := p.UsableSize(ptr); got != 0 {
		t.Fatalf("usable_size must always be 0, got %d", got)
	}
	p.Free(ptr)
}

func TestNewRejectsNonPowerOfTwoMinBucketSize(t *testing.T) {
	_, err := New(newFakeProvider(4096), Config{SlabMinSize: 4096, MinBucketSize: 100})
	if err == nil {
		t.Fatal("expected an error for a non-power-of-two MinBucketSize")
	}
}

func TestNewRejectsNilProvider(t *testing.T) {
	_, err := New(nil, Config{SlabMinSize: 4096})
	if err == nil {
		t.Fatal("expected an error for a nil provider")
	}
}
