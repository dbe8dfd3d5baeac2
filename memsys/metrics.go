package memsys

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports every per-bucket stat named in spec.md §4.2 plus the
// pool-wide SharedLimits.TotalSize as Prometheus gauges/counters, turning
// the teacher's stdout-based printStats into a scrapeable metric (see
// SPEC_FULL.md DOMAIN-METRICS). Collection snapshots bucket stats under each
// bucket's own lock and never mutates pool state.
type Collector struct {
	pool *Pool

	allocTotal     *prometheus.Desc
	freeTotal      *prometheus.Desc
	allocPoolTotal *prometheus.Desc
	slabsInUse     *prometheus.Desc
	slabsInPool    *prometheus.Desc
	maxSlabsInUse  *prometheus.Desc
	maxSlabsInPool *prometheus.Desc
	chunkedInPool  *prometheus.Desc
	totalSize      *prometheus.Desc
}

// NewCollector builds a Collector for pool, labeled by pool name and bucket
// size. Registering it is the caller's responsibility
// (prometheus.MustRegister), matching Config.MetricsNamespace being opt-in.
func NewCollector(pool *Pool) *Collector {
	ns := pool.cfg.MetricsNamespace
	labels := []string{"pool", "bucket_size"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "", name), help, labels, nil)
	}
	return &Collector{
		pool:           pool,
		allocTotal:     desc("alloc_total", "Total allocations served by this bucket."),
		freeTotal:      desc("free_total", "Total frees observed by this bucket."),
		allocPoolTotal: desc("alloc_pool_total", "Allocations served from a pooled, already-resident slab."),
		slabsInUse:     desc("slabs_in_use", "Slabs currently holding at least one live chunk."),
		slabsInPool:    desc("slabs_in_pool", "Empty slabs currently retained for reuse."),
		maxSlabsInUse:  desc("max_slabs_in_use", "High-water mark of slabs_in_use."),
		maxSlabsInPool: desc("max_slabs_in_pool", "High-water mark of slabs_in_pool."),
		chunkedInPool:  desc("chunked_slabs_in_pool", "Empty chunked-mode slabs retained for reuse."),
		totalSize: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "shared_limits_total_size_bytes"),
			"Bytes currently retained in pooled slabs, bounded by SharedLimits.MaxSize.",
			[]string{"pool"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocTotal
	ch <- c.freeTotal
	ch <- c.allocPoolTotal
	ch <- c.slabsInUse
	ch <- c.slabsInPool
	ch <- c.maxSlabsInUse
	ch <- c.maxSlabsInPool
	ch <- c.chunkedInPool
	ch <- c.totalSize
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	name := c.pool.Name()

	for _, b := range c.pool.buckets {
		b.mu.Lock()
		bucketLabel := []string{name, formatBucketSize(b.size)}
		ch <- prometheus.MustNewConstMetric(c.allocTotal, prometheus.CounterValue, float64(b.allocCount), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.freeTotal, prometheus.CounterValue, float64(b.freeCount), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.allocPoolTotal, prometheus.CounterValue, float64(b.allocPoolCount), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.slabsInUse, prometheus.GaugeValue, float64(b.currSlabsInUse), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.slabsInPool, prometheus.GaugeValue, float64(b.currSlabsInPool), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.maxSlabsInUse, prometheus.GaugeValue, float64(b.maxSlabsInUse), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.maxSlabsInPool, prometheus.GaugeValue, float64(b.maxSlabsInPool), bucketLabel...)
		ch <- prometheus.MustNewConstMetric(c.chunkedInPool, prometheus.GaugeValue, float64(b.chunkedSlabsInPool), bucketLabel...)
		b.mu.Unlock()
	}

	ch <- prometheus.MustNewConstMetric(c.totalSize, prometheus.GaugeValue, float64(c.pool.limits.TotalSize()), name)
}

func formatBucketSize(size uintptr) string {
	return strconv.FormatUint(uint64(size), 10)
}
