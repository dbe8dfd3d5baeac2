package memsys

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
)

// CutOff is the largest size ever served through a bucket. Requests above
// MaxPoolableSize (which itself is clamped to CutOff) bypass the bucket
// table and go straight to the Provider.
const CutOff uintptr = 1 << 31 // 2 GiB

// MinBucketSizeDefault is the smallest bucket size ever generated,
// regardless of a smaller Config.MinBucketSize.
const MinBucketSizeDefault uintptr = 8

// Config mirrors umf_disjoint_pool_params_t. In New, a zero MaxPoolableSize
// becomes CutOff, a zero Capacity becomes 4, and an empty Name or unset
// Logger get the defaults noted on those fields; a zero SlabMinSize or
// MinBucketSize is rejected.
type Config struct {
	// SlabMinSize is the minimum coarse-grain allocation requested from the
	// Provider, and the alignment every slab's base address is rounded to.
	SlabMinSize uintptr
	// MaxPoolableSize bounds is the largest allocation this pool will ever
	// serve from a bucket; anything bigger bypasses the pool entirely.
	MaxPoolableSize uintptr
	// Capacity bounds the number of empty slabs retained per whole-slab
	// mode bucket (chunked-mode buckets always retain at most one).
	Capacity uintptr
	// MinBucketSize is the smallest bucket size; must be a nonzero power
	// of two, clamped into [MinBucketSizeDefault, CutOff].
	MinBucketSize uintptr
	// SharedLimits, if non-nil, is used instead of a private instance.
	SharedLimits *SharedLimits
	// PoolTrace, 0..3, gates statistics: above 0 the per-bucket slab
	// counters and CurPoolSize are maintained, above 1 also the alloc/free
	// counts. It does not change which log lines are emitted; that is
	// decided by the Logger's own verbosity.
	PoolTrace int
	// Name identifies this pool instance in logs/metrics/traces. Left
	// empty, a UUID is generated at New() time (see DOMAIN-IDS).
	Name string
	// Logger is the structured logging sink; defaults to logr.Discard().
	Logger logr.Logger
	// MetricsNamespace is the namespace NewCollector uses for this pool's
	// metric names. New does not register a collector; the caller registers
	// the one NewCollector returns (see DOMAIN-METRICS).
	MetricsNamespace string

	// CurPoolSize is not written by the pool: New copies the Config, and
	// the running count of retained bytes is reported by Pool.CurPoolSize.
	CurPoolSize int64
}

// applyEnv overlays the two operationally-relevant knobs from the
// environment, mirroring MMSA.env()'s "environment wins, parse errors are
// reported rather than silently ignored" behavior.
func (c *Config) applyEnv() error {
	if v := os.Getenv("DPOOL_MAX_POOLABLE_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse DPOOL_MAX_POOLABLE_SIZE %q: %w", v, err)
		}
		c.MaxPoolableSize = uintptr(n)
	}
	if v := os.Getenv("DPOOL_POOL_TRACE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("cannot parse DPOOL_POOL_TRACE %q: %w", v, err)
		}
		if n < 0 || n > 3 {
			return fmt.Errorf("invalid DPOOL_POOL_TRACE %q: must be 0..3", v)
		}
		c.PoolTrace = n
	}
	return nil
}

func isPowerOfTwo(n uintptr) bool { return n != 0 && n&(n-1) == 0 }
