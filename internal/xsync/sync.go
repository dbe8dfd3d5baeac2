// Package xsync provides the small set of concurrency primitives the
// benchmark CLI and the memsys stress tests use to bound goroutine fan-out
// and to fail fast on a hang instead of blocking forever. MultiSyncMap is
// also the storage of memsys.SlabIndex, so it sits on the pool's free path;
// the other primitives are harness support only.
package xsync

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// TimeoutGroup is a sync.WaitGroup that can only be waited on with a
// timeout. Not safe to Wait from multiple goroutines, and not meant to be
// reused across a second round of Add/Done.
type TimeoutGroup struct {
	jobsLeft  atomic.Int32
	postedFin atomic.Int32
	fin       chan struct{}
}

func NewTimeoutGroup() *TimeoutGroup {
	return &TimeoutGroup{fin: make(chan struct{}, 1)}
}

func (tg *TimeoutGroup) Add(delta int) { tg.jobsLeft.Add(int32(delta)) }

// Wait blocks until every Done has been observed or 24h elapses, matching
// the teacher's "effectively unbounded" default.
func (tg *TimeoutGroup) Wait() { tg.WaitTimeoutWithStop(24*time.Hour, nil) }

// WaitTimeout reports whether the wait hit timeout before completion.
func (tg *TimeoutGroup) WaitTimeout(timeout time.Duration) bool {
	timed, _ := tg.WaitTimeoutWithStop(timeout, nil)
	return timed
}

// WaitTimeoutWithStop additionally returns early when stop fires; stop == nil
// behaves exactly like WaitTimeout.
func (tg *TimeoutGroup) WaitTimeoutWithStop(timeout time.Duration, stop <-chan struct{}) (timed, stopped bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tg.fin:
		tg.postedFin.Store(0)
		return false, false
	case <-t.C:
		return true, false
	case <-stop:
		return false, true
	}
}

// Done decrements the outstanding job count; panics if it goes negative,
// which indicates a mismatched Add/Done pairing upstream.
func (tg *TimeoutGroup) Done() {
	left := tg.jobsLeft.Dec()
	if left == 0 {
		if posted := tg.postedFin.Swap(1); posted == 0 {
			tg.fin <- struct{}{}
		}
		return
	}
	if left < 0 {
		panic(fmt.Sprintf("xsync: jobs left is below zero: %d", left))
	}
}

// StopCh is a broadcast-once stop signal, safe to Close from any number of
// goroutines or more than once.
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopCh() *StopCh { return &StopCh{ch: make(chan struct{})} }

func (sc *StopCh) Listen() <-chan struct{} { return sc.ch }

func (sc *StopCh) Close() { sc.once.Do(func() { close(sc.ch) }) }

// DynSemaphore is a counting semaphore whose capacity can be resized while
// in use. cmd/dpoolbench uses it through LimitedWaitGroup to bound worker
// concurrency; it never resizes it.
type DynSemaphore struct {
	size int
	cur  int
	c    *sync.Cond
	mu   sync.Mutex
}

func NewDynSemaphore(n int) *DynSemaphore {
	s := &DynSemaphore{size: n}
	s.c = sync.NewCond(&s.mu)
	return s
}

func (s *DynSemaphore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *DynSemaphore) SetSize(n int) {
	if n < 1 {
		panic("xsync: semaphore size must be >= 1")
	}
	s.mu.Lock()
	s.size = n
	s.mu.Unlock()
	s.c.Broadcast()
}

func (s *DynSemaphore) Acquire(cnts ...int) {
	cnt := 1
	if len(cnts) > 0 {
		cnt = cnts[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.cur+cnt > s.size {
		s.c.Wait()
	}
	s.cur += cnt
}

func (s *DynSemaphore) Release(cnts ...int) {
	cnt := 1
	if len(cnts) > 0 {
		cnt = cnts[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur < cnt {
		panic("xsync: release exceeds acquired count")
	}
	s.cur -= cnt
	s.c.Signal()
}

// LimitedWaitGroup is a sync.WaitGroup capped by a DynSemaphore, used by
// cmd/dpoolbench to bound the number of concurrently running workers.
type LimitedWaitGroup struct {
	wg   sync.WaitGroup
	sema *DynSemaphore
}

func NewLimitedWaitGroup(n int) *LimitedWaitGroup {
	return &LimitedWaitGroup{sema: NewDynSemaphore(n)}
}

func (wg *LimitedWaitGroup) Add(n int) {
	wg.wg.Add(n)
	wg.sema.Acquire(n)
}

func (wg *LimitedWaitGroup) Done() {
	wg.wg.Done()
	wg.sema.Release()
}

func (wg *LimitedWaitGroup) Wait() { wg.wg.Wait() }

// MultiSyncMapShards is the shard count memsys.SlabIndex also uses; kept
// here too so a caller building its own sharded map (e.g. a benchmark's
// per-size-class result accumulator) matches the pool's sharding factor.
const MultiSyncMapShards = 0x40

// MultiSyncMap is a sharded sync.Map. memsys.SlabIndex stores its entries
// in one directly, relying on sync.Map's own internal locking (see
// SPEC_FULL.md DOMAIN-XSYNC).
type MultiSyncMap struct {
	shards [MultiSyncMapShards]sync.Map
}

func (m *MultiSyncMap) Get(idx int) *sync.Map {
	if idx < 0 || idx >= MultiSyncMapShards {
		panic("xsync: shard index out of range")
	}
	return &m.shards[idx]
}

func (m *MultiSyncMap) GetByHash(hash uint32) *sync.Map {
	return &m.shards[hash%MultiSyncMapShards]
}
