// Package config loads the oracle's enumerated configuration (spec.md §6)
// from environment variables and an optional YAML file. The CLI flag and
// date-parsing surface named out of scope in spec.md is not built here;
// callers that want one wrap Load in their own flag parsing.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds every externally-configurable value the oracle core reads.
// Nothing else is configurable: stencil shape, central reference bin and the
// 0.65 smooth weight live in internal/stencil, the 0.008 clip in
// internal/histogram, and the round-USD ladder in internal/refine.
//
// HistogramBinsPerDecade and FilterWitnessBytesMax are loaded but not read by
// the pipeline: the histogram uses its fixed BinsPerDecade (200) and the
// filter its fixed 500-byte witness limit.
type Config struct {
	SourceEndpoint string   `mapstructure:"source_endpoint"`
	SourceTopics   []string `mapstructure:"source_topics"`

	SourceRPCHost string `mapstructure:"source_rpc_host"`
	SourceRPCUser string `mapstructure:"source_rpc_user"`
	SourceRPCPass string `mapstructure:"source_rpc_pass"`
	SourceRPCCookieFile string `mapstructure:"source_rpc_cookie_file"`

	WindowLiveSeconds    int `mapstructure:"window_live_seconds"`
	WindowBaselineBlocks int `mapstructure:"window_baseline_blocks"`

	HistogramBinsPerDecade int `mapstructure:"histogram_bins_per_decade"`

	PublisherMinIntervalMS      int     `mapstructure:"publisher_min_interval_ms"`
	PublisherMaterialChangeRatio float64 `mapstructure:"publisher_material_change_ratio"`

	FilterWitnessBytesMax int `mapstructure:"filter_witness_bytes_max"`

	FallbackSeedPrice float64 `mapstructure:"fallback_seed_price"`

	RedisAddr     string `mapstructure:"redis_addr"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`

	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Load reads configuration from environment variables (prefixed ORACLE_) and,
// if present, a config.yaml in the working directory or ./config, applying
// the defaults from spec.md §6 for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ORACLE")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("oracle: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("oracle: unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("oracle: invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source_topics", []string{"rawtx", "rawblock"})
	v.SetDefault("window_live_seconds", 10_800)
	v.SetDefault("window_baseline_blocks", 144)
	v.SetDefault("histogram_bins_per_decade", 200)
	v.SetDefault("publisher_min_interval_ms", 500)
	v.SetDefault("publisher_material_change_ratio", 0.001)
	v.SetDefault("filter_witness_bytes_max", 500)
	v.SetDefault("fallback_seed_price", 100_000.0)
	v.SetDefault("http_port", 8080)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("log_level", "info")
}

func validate(cfg *Config) error {
	if cfg.SourceEndpoint == "" {
		return fmt.Errorf("source_endpoint is required")
	}
	if len(cfg.SourceTopics) == 0 {
		return fmt.Errorf("source_topics must not be empty")
	}
	for _, t := range cfg.SourceTopics {
		if t != "rawtx" && t != "rawblock" {
			return fmt.Errorf("unknown source topic %q", t)
		}
	}
	if cfg.WindowLiveSeconds <= 0 {
		return fmt.Errorf("window_live_seconds must be positive")
	}
	if cfg.WindowBaselineBlocks <= 0 {
		return fmt.Errorf("window_baseline_blocks must be positive")
	}
	if cfg.HistogramBinsPerDecade <= 0 {
		return fmt.Errorf("histogram_bins_per_decade must be positive")
	}
	return nil
}
