package memsys

import (
	"sync"
	"unsafe"

	"github.com/EuphoricThinking/unified-memory-framework/internal/xsync"
)

// SlabIndex is the concurrent address -> slab map free() uses to identify
// the owning slab of a pointer (spec.md §4.4). It is built directly on
// xsync.MultiSyncMap (see SPEC_FULL.md DOMAIN-XSYNC): every slab registers
// two keys, its floored start address and its inclusive last byte, which
// coincide only when SlabMinSize == 1. shardFor derives the shard from the
// key alone (key>>6), so a given key always lands in the same shard for its
// entire lifetime, and sharding never
// breaks the "lookup observes a registered slab until remove completes"
// consistency the spec requires.
type SlabIndex struct {
	m xsync.MultiSyncMap
}

func newSlabIndex() *SlabIndex { return &SlabIndex{} }

func (x *SlabIndex) shardFor(key uintptr) *sync.Map {
	return x.m.GetByHash(uint32(key >> 6))
}

func (x *SlabIndex) insert(key uintptr, s *Slab) {
	if _, dup := x.shardFor(key).LoadOrStore(key, s); dup {
		panic("memsys: duplicate slab registration")
	}
}

func (x *SlabIndex) remove(key uintptr) {
	x.shardFor(key).Delete(key)
}

func (x *SlabIndex) lookup(key uintptr) (*Slab, bool) {
	v, ok := x.shardFor(key).Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Slab), true
}

// register records both of a slab's keys: its start and its inclusive last
// byte, start+SlabMinSize-1 (spec.md §4.4: "slabs are aligned to SlabMinSize
// and their registered range is [start, start+SlabMinSize)" — regardless of
// the slab's actual backing size, which in whole-slab mode can exceed
// SlabMinSize). The two coincide exactly when SlabMinSize == 1; in every
// realistic configuration they are distinct, disjoint keys belonging to the
// same slab, never to two different ones, because slabs are always placed
// SlabMinSize-aligned and at least SlabMinSize apart.
func (x *SlabIndex) register(s *Slab) {
	start := uintptr(s.mem)
	last := start + s.bucket.pool.slabMinSize - 1
	x.insert(start, s)
	if last != start {
		x.insert(last, s)
	}
}

func (x *SlabIndex) unregister(s *Slab) {
	start := uintptr(s.mem)
	last := start + s.bucket.pool.slabMinSize - 1
	x.remove(start)
	if last != start {
		x.remove(last)
	}
}

// lookupForFree floors ptr to the slab-address granularity and returns the
// slab registered there, if any.
func (x *SlabIndex) lookupForFree(ptr unsafe.Pointer, slabMinSize uintptr) (*Slab, bool) {
	key := uintptr(ptr) &^ (slabMinSize - 1)
	return x.lookup(key)
}
