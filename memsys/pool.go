package memsys

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Pool is a segregated-fit allocator sitting between byte-sized allocation
// requests and a coarse-grain Provider. It owns an ordered bucket table, a
// concurrent address->slab index, and a shared poolable-size budget
// (spec.md §2 layering: SharedLimits -> Slab -> Bucket -> SlabIndex/Pool).
type Pool struct {
	cfg      Config
	provider Provider

	slabMinSize         uintptr
	minBucketSizeExp    uintptr
	providerMinPageSize uintptr

	buckets []*Bucket
	index   *SlabIndex
	limits  *SharedLimits

	logger logr.Logger
	name   string

	lastErr     atomic.Value // ErrorKind
	curPoolSize atomic.Int64
}

// New validates cfg, builds the bucket table, and returns a ready Pool.
// See spec.md §4.3 "Initialization".
func New(provider Provider, cfg Config) (*Pool, error) {
	if provider == nil {
		return nil, fmt.Errorf("memsys: provider must not be nil")
	}
	if cfg.SlabMinSize == 0 {
		return nil, fmt.Errorf("memsys: Config.SlabMinSize must be nonzero")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	minBucketSize := cfg.MinBucketSize
	if !isPowerOfTwo(minBucketSize) {
		return nil, fmt.Errorf("memsys: Config.MinBucketSize %d is not a nonzero power of two", minBucketSize)
	}
	if minBucketSize > CutOff {
		minBucketSize = CutOff
	}
	if minBucketSize < MinBucketSizeDefault {
		minBucketSize = MinBucketSizeDefault
	}

	if cfg.MaxPoolableSize == 0 {
		cfg.MaxPoolableSize = CutOff
	}
	if cfg.MaxPoolableSize > CutOff {
		cfg.MaxPoolableSize = CutOff
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 4
	}

	limits := cfg.SharedLimits
	if limits == nil {
		limits = NewSharedLimits(^uintptr(0))
	}

	name := cfg.Name
	if name == "" {
		name = uuid.NewString()
	}

	logger := cfg.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	p := &Pool{
		cfg:                 cfg,
		provider:            provider,
		slabMinSize:         cfg.SlabMinSize,
		minBucketSizeExp:    uintptr(bits.Len(uint(minBucketSize)) - 1),
		providerMinPageSize: provider.MinPageSize(),
		index:               newSlabIndex(),
		limits:              limits,
		logger:              logger.WithValues("pool", name),
		name:                name,
	}
	p.lastErr.Store(Success)

	p.buckets = buildBucketTable(minBucketSize, p)
	p.logger.V(1).Info("pool initialized",
		"slabMinSize", p.slabMinSize, "minBucketSize", minBucketSize,
		"maxPoolableSize", cfg.MaxPoolableSize, "buckets", len(p.buckets))

	return p, nil
}

// buildBucketTable appends buckets {2^k, 1.5*2^k} from minBucketSize up to,
// but not including, CutOff, then a final bucket of exactly CutOff
// (spec.md §3 "Bucket Table").
func buildBucketTable(minBucketSize uintptr, p *Pool) []*Bucket {
	size1 := minBucketSize
	if size1 > CutOff {
		size1 = CutOff
	}
	size2 := size1 + size1/2

	var table []*Bucket
	for size2 < CutOff {
		table = append(table, newBucket(size1, p))
		table = append(table, newBucket(size2, p))
		size1 *= 2
		size2 *= 2
	}
	table = append(table, newBucket(CutOff, p))
	return table
}

// sizeToIdx maps size to its bucket index (spec.md §4.3 "Size-to-bucket").
func (p *Pool) sizeToIdx(size uintptr) int {
	minBucketSize := uintptr(1) << p.minBucketSizeExp
	if size < minBucketSize {
		return 0
	}

	position := uintptr(bits.Len(uint(size)) - 1)
	isPow2 := size&(size-1) == 0
	aboveHalfway := !isPow2 && (size-1)&(uintptr(1)<<(position-1)) != 0

	idx := (position-p.minBucketSizeExp)*2 + b2u(!isPow2) + b2u(aboveHalfway)
	return int(idx)
}

func b2u(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

func (p *Pool) findBucket(size uintptr) *Bucket {
	return p.buckets[p.sizeToIdx(size)]
}

func (p *Pool) addCurPoolSize(delta int64) {
	p.curPoolSize.Add(delta)
}

func (p *Pool) setLastErr(kind ErrorKind) { p.lastErr.Store(kind) }

// LastAllocationError returns the most recently recorded failure kind from
// any caller of this Pool (spec.md §7, the pool-scoped TLS adaptation
// documented in SPEC_FULL.md §7).
func (p *Pool) LastAllocationError() ErrorKind {
	v := p.lastErr.Load()
	if v == nil {
		return Success
	}
	return v.(ErrorKind)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Malloc is AlignedMalloc(size, 1).
func (p *Pool) Malloc(size uintptr) unsafe.Pointer {
	return p.AlignedMalloc(size, 1)
}

// AlignedMalloc implements spec.md §4.3 "allocate(size, align)" /
// "aligned_malloc" in full, including the effective-size rewriting rules.
func (p *Pool) AlignedMalloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if alignment <= 1 {
		return p.allocateFromBuckets(size, size)
	}

	var effective uintptr
	if alignment <= p.providerMinPageSize {
		if size > 1 {
			effective = alignUp(size, alignment)
		} else {
			effective = alignment
		}
	} else {
		effective = size + alignment - 1
	}

	if effective > p.cfg.MaxPoolableSize {
		ptr, kind := p.provider.Alloc(size, alignment)
		if kind != Success {
			p.setLastErr(kind)
			return nil
		}
		annotateUndefined(ptr, size)
		return ptr
	}

	bucket := p.findBucket(effective)
	var fromPool bool
	var ptr unsafe.Pointer
	var kind ErrorKind
	if effective > bucket.chunkCutOff() {
		ptr, kind = bucket.getSlab(&fromPool)
	} else {
		ptr, kind = bucket.getChunk(&fromPool)
	}
	if kind != Success {
		p.setLastErr(OutOfHostMemory)
		return nil
	}
	if p.cfg.PoolTrace > 1 {
		bucket.countAlloc(fromPool)
	}
	annotateUndefined(ptr, bucket.size)

	raw := uintptr(ptr)
	aligned := alignUp(raw, alignment)
	return unsafe.Pointer(aligned)
}

// allocateFromBuckets is the alignment<=1 fast path of allocate(), kept
// separate to mirror the original's two allocate() overloads.
func (p *Pool) allocateFromBuckets(size, effective uintptr) unsafe.Pointer {
	if effective > p.cfg.MaxPoolableSize {
		ptr, kind := p.provider.Alloc(size, 1)
		if kind != Success {
			p.setLastErr(kind)
			return nil
		}
		annotateUndefined(ptr, size)
		return ptr
	}

	bucket := p.findBucket(effective)
	var fromPool bool
	var ptr unsafe.Pointer
	var kind ErrorKind
	if effective > bucket.chunkCutOff() {
		ptr, kind = bucket.getSlab(&fromPool)
	} else {
		ptr, kind = bucket.getChunk(&fromPool)
	}
	if kind != Success {
		p.setLastErr(OutOfHostMemory)
		return nil
	}
	if p.cfg.PoolTrace > 1 {
		bucket.countAlloc(fromPool)
	}
	annotateUndefined(ptr, bucket.size)
	return ptr
}

// Calloc is always unsupported: spec.md §1 Non-goals "no calloc/realloc
// semantics".
func (p *Pool) Calloc(n, size uintptr) unsafe.Pointer {
	p.setLastErr(NotSupported)
	return nil
}

// Realloc is always unsupported: spec.md §1 Non-goals "no calloc/realloc
// semantics".
func (p *Pool) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	p.setLastErr(NotSupported)
	return nil
}

// UsableSize is always 0: spec.md §1 Non-goals "no usable_size".
func (p *Pool) UsableSize(ptr unsafe.Pointer) uintptr { return 0 }

// Free implements spec.md §4.3 "free(ptr)".
func (p *Pool) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	s, ok := p.index.lookupForFree(ptr, p.slabMinSize)
	if !ok {
		if kind := p.provider.Free(ptr, 0); kind != Success {
			return wrapProviderErr(kind, "provider free failed for unmanaged pointer")
		}
		return nil
	}

	if !s.contains(ptr) {
		// A non-pool allocation adjacent to a slab hashed to the same key
		// (spec.md §4.3 free() step 4).
		if kind := p.provider.Free(ptr, 0); kind != Success {
			return wrapProviderErr(kind, "provider free failed for adjacent pointer")
		}
		return nil
	}

	bucket := s.bucket
	annotateInaccessible(ptr, bucket.size)

	var toPool bool
	if bucket.isChunked() {
		if p.cfg.PoolTrace > 1 {
			bucket.countFree()
		}
		bucket.freeChunk(ptr, s, &toPool)
	} else {
		if p.cfg.PoolTrace > 1 {
			bucket.countFree()
		}
		bucket.freeSlab(s, &toPool)
	}
	return nil
}

// Destroy releases every retained slab back to the Provider. Results of
// operations on a destroyed Pool are undefined (spec.md §4.3
// "Finalization").
func (p *Pool) Destroy() error {
	for _, b := range p.buckets {
		b.destroy()
	}
	p.logger.V(1).Info("pool destroyed", "curPoolSize", p.curPoolSize.Load())
	return nil
}

// CurPoolSize reports the bytes currently retained across all buckets. The
// counter is maintained only when Config.PoolTrace > 0; otherwise it stays 0.
func (p *Pool) CurPoolSize() int64 { return p.curPoolSize.Load() }

// Name is this pool's identity, as set by Config.Name or generated by New.
func (p *Pool) Name() string { return p.name }
