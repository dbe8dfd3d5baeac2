package main

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// benchConfig is the dpoolbench run configuration: the defaults below,
// overridden by a YAML/JSON file given with --config, with viper's
// AutomaticEnv (DPOOLBENCH_ prefix) consulted for the keys it decodes. No
// command-line flag sets these fields. This mirrors the teacher corpus's
// viper-based config loading (see SPEC_FULL.md DOMAIN-CLI).
type benchConfig struct {
	SlabMinSize     uint64 `mapstructure:"slab_min_size"`
	MaxPoolableSize uint64 `mapstructure:"max_poolable_size"`
	Capacity        uint64 `mapstructure:"capacity"`
	MinBucketSize   uint64 `mapstructure:"min_bucket_size"`

	Workers    int    `mapstructure:"workers"`
	Iterations int    `mapstructure:"iterations"`
	SizeMode   string `mapstructure:"size_mode"` // "fixed" or "uniform"
	FixedSize  uint64 `mapstructure:"fixed_size"`
	MinSize    uint64 `mapstructure:"min_size"`
	MaxSize    uint64 `mapstructure:"max_size"`

	// MetricsNamespace and ListenAddr are only consulted by the stats
	// subcommand (see SPEC_FULL.md DOMAIN-METRICS).
	MetricsNamespace string `mapstructure:"metrics_namespace"`
	ListenAddr       string `mapstructure:"listen_addr"`
}

func defaultBenchConfig() benchConfig {
	return benchConfig{
		SlabMinSize:     4096,
		MaxPoolableSize: 1 << 20,
		Capacity:        4,
		MinBucketSize:   64,
		Workers:         4,
		Iterations:      100000,
		SizeMode:        "fixed",
		FixedSize:       128,
		MinSize:         16,
		MaxSize:         4096,

		MetricsNamespace: "dpoolbench",
		ListenAddr:       ":9115",
	}
}

// loadBenchConfig reads cfgFile (if non-empty) and the DPOOLBENCH_ env
// namespace on top of the defaults, then decodes into a benchConfig.
func loadBenchConfig(cfgFile string) (benchConfig, error) {
	cfg := defaultBenchConfig()

	v := viper.New()
	v.SetEnvPrefix("DPOOLBENCH")
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("dpoolbench: reading config %q: %w", cfgFile, err)
		}
	}

	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = false
	}); err != nil {
		return cfg, fmt.Errorf("dpoolbench: decoding config: %w", err)
	}
	return cfg, nil
}
