package memsys

import (
	"testing"
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestDisjointPoolInvariants(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Disjoint Pool Invariant Suite")
}

func newPoolForInvariants() *Pool {
	p, err := New(newFakeProvider(4096), Config{
		SlabMinSize:     4096,
		MinBucketSize:   64,
		MaxPoolableSize: 1 << 16,
		Capacity:        4,
	})
	Expect(err).ToNot(HaveOccurred())
	return p
}

var _ = Describe("Bucket monotonicity", func() {
	It("find_bucket(size) always lands in a bucket >= size with a predecessor < size", func() {
		pool := newPoolForInvariants()
		defer pool.Destroy()

		sizes := []uintptr{1, 7, 8, 9, 63, 64, 65, 1000, 1 << 12, 1 << 15}
		for _, size := range sizes {
			idx := pool.sizeToIdx(size)
			Expect(pool.buckets[idx].size).To(BeNumerically(">=", size))
			if idx > 0 {
				Expect(pool.buckets[idx-1].size).To(BeNumerically("<", size))
			}
		}
	})
})

var _ = Describe("Alloc/free round trips", func() {
	It("repeated alloc/free of the same size is bookkeeping-stable after the first retention", func() {
		pool := newPoolForInvariants()
		defer pool.Destroy()

		first := pool.Malloc(128)
		Expect(first).ToNot(BeNil())
		Expect(pool.Free(first)).To(Succeed())
		stable := pool.CurPoolSize()

		for i := 0; i < 50; i++ {
			ptr := pool.Malloc(128)
			Expect(ptr).ToNot(BeNil())
			Expect(pool.Free(ptr)).To(Succeed())
			Expect(pool.CurPoolSize()).To(Equal(stable))
		}
	})

	It("never corrupts bucket bookkeeping across a long randomized alloc/free sequence", func() {
		pool := newPoolForInvariants()
		defer pool.Destroy()

		var live []unsafe.Pointer
		sizes := []uintptr{16, 64, 200, 512, 3000, 9000}
		for round := 0; round < 500; round++ {
			size := sizes[round%len(sizes)]
			if round%3 == 0 && len(live) > 0 {
				last := live[len(live)-1]
				live = live[:len(live)-1]
				Expect(pool.Free(last)).To(Succeed())
				continue
			}
			if ptr := pool.Malloc(size); ptr != nil {
				live = append(live, ptr)
			}
		}
		for _, ptr := range live {
			Expect(pool.Free(ptr)).To(Succeed())
		}

		for _, b := range pool.buckets {
			Expect(b.currSlabsInUse).To(BeNumerically(">=", 0))
			Expect(b.currSlabsInPool).To(BeNumerically(">=", 0))
		}
	})
})

var _ = Describe("SlabIndex consistency", func() {
	It("never registers a slab that free() cannot subsequently resolve", func() {
		pool := newPoolForInvariants()
		defer pool.Destroy()

		ptr := pool.Malloc(4096) // whole-slab mode: 4096 > chunkCutOff (2048)
		Expect(ptr).ToNot(BeNil())

		s, ok := pool.index.lookupForFree(ptr, pool.slabMinSize)
		Expect(ok).To(BeTrue())
		Expect(s.contains(ptr)).To(BeTrue())

		Expect(pool.Free(ptr)).To(Succeed())
	})
})

var _ = Describe("SharedLimits bound", func() {
	It("never lets TotalSize exceed MaxSize even under repeated retention attempts", func() {
		limits := NewSharedLimits(4096 * 2)
		pools := make([]*Pool, 4)
		for i := range pools {
			p, err := New(newFakeProvider(4096), Config{
				SlabMinSize: 4096, MinBucketSize: 4096, MaxPoolableSize: 8192,
				Capacity: 4, SharedLimits: limits,
			})
			Expect(err).ToNot(HaveOccurred())
			pools[i] = p
		}
		defer func() {
			for _, p := range pools {
				p.Destroy()
			}
		}()

		var ptrs []unsafe.Pointer
		for _, p := range pools {
			ptr := p.Malloc(4096)
			Expect(ptr).ToNot(BeNil())
			ptrs = append(ptrs, ptr)
		}
		for i, p := range pools {
			Expect(p.Free(ptrs[i])).To(Succeed())
		}

		Expect(limits.TotalSize()).To(BeNumerically("<=", limits.MaxSize()))
	})
})
