package memsys

import "go.uber.org/atomic"

// SharedLimits bounds the total number of bytes a pool (or a group of
// pools that opt in to the same instance) is allowed to retain in pooled,
// empty slabs. A pool either owns a private SharedLimits (created with an
// unbounded MaxSize) or shares one handed to it via Config.SharedLimits.
type SharedLimits struct {
	maxSize   uintptr
	totalSize atomic.Uint64
}

// NewSharedLimits creates a fresh, independent counter bounded by maxSize.
// Pass ^uintptr(0) for an effectively unbounded pool (the default used when
// Config.SharedLimits is left nil).
func NewSharedLimits(maxSize uintptr) *SharedLimits {
	return &SharedLimits{maxSize: maxSize}
}

// TotalSize reports the current number of bytes retained in pooled slabs
// across every bucket sharing this instance.
func (l *SharedLimits) TotalSize() uintptr { return uintptr(l.totalSize.Load()) }

// MaxSize reports the configured cap.
func (l *SharedLimits) MaxSize() uintptr { return l.maxSize }

// release returns delta bytes to the budget; called when a slab is taken
// back out of the pool for reuse (bucket.decrementPool).
func (l *SharedLimits) release(delta uintptr) {
	l.totalSize.Sub(uint64(delta))
}

// tryReserve attempts to account for delta additional retained bytes,
// re-checking the bound on every CAS iteration (a saturating add is not
// sufficient here: under contention it could let TotalSize exceed MaxSize
// transiently before being corrected).
func (l *SharedLimits) tryReserve(delta uintptr) bool {
	for {
		cur := l.totalSize.Load()
		next := cur + uint64(delta)
		if next > uint64(l.maxSize) {
			return false
		}
		if l.totalSize.CompareAndSwap(cur, next) {
			return true
		}
	}
}
