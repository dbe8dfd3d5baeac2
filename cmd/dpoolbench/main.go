// Command dpoolbench drives a memsys.Pool with concurrent workers and
// reports allocation throughput, grounded on original_source/benchmark's
// fixed-size / uniform-distributed allocation benchmarks and on the
// teacher's own bench/aisloader harness (flag parsing, periodic stats,
// final structured report). See SPEC_FULL.md DOMAIN-CLI.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/EuphoricThinking/unified-memory-framework/internal/xsync"
	"github.com/EuphoricThinking/unified-memory-framework/memsys"
	"github.com/EuphoricThinking/unified-memory-framework/providers/mmap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dpoolbench",
	Short: "Benchmark and diagnose a disjoint memory pool",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fixed or uniform allocation-size benchmark against a pool",
	RunE:  runBenchmark,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Serve a live pool's Prometheus metrics on /metrics until interrupted",
	RunE:  runStats,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML/JSON config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type benchReport struct {
	Workers       int    `json:"workers"`
	Iterations    int    `json:"iterations"`
	SizeMode      string `json:"size_mode"`
	TotalOps      int64  `json:"total_ops"`
	TotalFailures int64  `json:"total_failures"`
	Elapsed       string `json:"elapsed"`
	OpsPerSec     int64  `json:"ops_per_sec"`
	CurPoolSize   int64  `json:"cur_pool_size_bytes"`
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, err := loadBenchConfig(cfgFile)
	if err != nil {
		return err
	}

	provider := mmap.New()
	pool, err := memsys.New(provider, memsys.Config{
		SlabMinSize:     uintptr(cfg.SlabMinSize),
		MaxPoolableSize: uintptr(cfg.MaxPoolableSize),
		Capacity:        uintptr(cfg.Capacity),
		MinBucketSize:   uintptr(cfg.MinBucketSize),
		Name:            "dpoolbench",
	})
	if err != nil {
		return fmt.Errorf("dpoolbench: creating pool: %w", err)
	}
	defer pool.Destroy()

	total := cfg.Workers * cfg.Iterations
	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.AddBar(int64(total),
		mpb.PrependDecorators(decor.Name("alloc/free ")),
		mpb.AppendDecorators(decor.Percentage()),
	)

	var ops, failures atomicCounter
	limiter := xsync.NewLimitedWaitGroup(cfg.Workers)

	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		limiter.Add(1)
		go func(seed int64) {
			defer limiter.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < cfg.Iterations; i++ {
				size := nextSize(cfg, rng)
				ptr := pool.Malloc(size)
				if ptr == nil && size != 0 {
					failures.add(1)
				} else {
					pool.Free(ptr)
				}
				ops.add(1)
				bar.Increment()
			}
		}(int64(w) + 1)
	}
	limiter.Wait()
	progress.Wait()
	elapsed := time.Since(start)

	report := benchReport{
		Workers:       cfg.Workers,
		Iterations:    cfg.Iterations,
		SizeMode:      cfg.SizeMode,
		TotalOps:      ops.get(),
		TotalFailures: failures.get(),
		Elapsed:       elapsed.String(),
		OpsPerSec:     int64(float64(ops.get()) / elapsed.Seconds()),
		CurPoolSize:   pool.CurPoolSize(),
	}

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("dpoolbench: marshaling report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// runStats drives a pool with the same background workload as "run" but
// exports its memsys.NewCollector over a Prometheus /metrics endpoint
// instead of printing a final report, serving until SIGINT/SIGTERM (see
// SPEC_FULL.md DOMAIN-METRICS / DOMAIN-CLI).
func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadBenchConfig(cfgFile)
	if err != nil {
		return err
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "dpoolbench"
	}

	provider := mmap.New()
	pool, err := memsys.New(provider, memsys.Config{
		SlabMinSize:      uintptr(cfg.SlabMinSize),
		MaxPoolableSize:  uintptr(cfg.MaxPoolableSize),
		Capacity:         uintptr(cfg.Capacity),
		MinBucketSize:    uintptr(cfg.MinBucketSize),
		Name:             "dpoolbench-stats",
		MetricsNamespace: cfg.MetricsNamespace,
	})
	if err != nil {
		return fmt.Errorf("dpoolbench: creating pool: %w", err)
	}
	defer pool.Destroy()

	registry := prometheus.NewRegistry()
	if err := registry.Register(memsys.NewCollector(pool)); err != nil {
		return fmt.Errorf("dpoolbench: registering collector: %w", err)
	}

	stop := xsync.NewStopCh()
	limiter := xsync.NewLimitedWaitGroup(cfg.Workers)
	for w := 0; w < cfg.Workers; w++ {
		limiter.Add(1)
		go func(seed int64) {
			defer limiter.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop.Listen():
					return
				default:
				}
				ptr := pool.Malloc(nextSize(cfg, rng))
				if ptr != nil {
					pool.Free(ptr)
				}
			}
		}(int64(w) + 1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	fmt.Fprintf(os.Stderr, "dpoolbench: serving metrics for pool %q on %s/metrics\n", pool.Name(), cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		stop.Close()
		limiter.Wait()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("dpoolbench: metrics server: %w", err)
		}
	case <-sigCh:
		stop.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		limiter.Wait()
	}
	return nil
}

func nextSize(cfg benchConfig, rng *rand.Rand) uintptr {
	if cfg.SizeMode == "uniform" {
		lo, hi := cfg.MinSize, cfg.MaxSize
		if hi <= lo {
			return uintptr(lo)
		}
		return uintptr(lo + uint64(rng.Int63n(int64(hi-lo))))
	}
	return uintptr(cfg.FixedSize)
}

// atomicCounter avoids pulling in go.uber.org/atomic here just for an int64;
// a plain mutex-guarded counter is plenty for a benchmark's own bookkeeping.
type atomicCounter struct {
	mu  sync.Mutex
	val int64
}

func (c *atomicCounter) add(delta int64) {
	c.mu.Lock()
	c.val += delta
	c.mu.Unlock()
}

func (c *atomicCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}
