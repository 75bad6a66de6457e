package cfg

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/maxpert/mialloc/pkg/mimalloc"
	"github.com/rs/zerolog/log"
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled         bool `toml:"enabled"`
	PollIntervalMS  int  `toml:"poll_interval_ms"` // How often allocator stats are sampled
	SizeHistogram   bool `toml:"size_histogram"`   // Record every workload allocation size
	RegisterRuntime bool `toml:"register_runtime"` // Also export Go runtime collectors
}

// AdminConfiguration controls the HTTP admin surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Token       string `toml:"token"` // Optional PSK for /admin routes
}

// WorkloadConfiguration drives the built-in stress workload
type WorkloadConfiguration struct {
	Threads            int     `toml:"threads"`              // Worker goroutines, each with its own allocator thread
	DurationSeconds    int     `toml:"duration_seconds"`     // 0 runs until interrupted
	MinSize            int     `toml:"min_size"`             // Smallest request in bytes
	MaxSize            int     `toml:"max_size"`             // Largest request in bytes
	LiveBlocks         int     `toml:"live_blocks"`          // Blocks each worker keeps before freeing
	CrossThreadRatio   float64 `toml:"cross_thread_ratio"`   // Share of frees handed to a neighbour
	RestartEvery       int     `toml:"restart_every"`        // Operations before a worker ends its thread
	EncodeEvery        int     `toml:"encode_every"`         // Operations between msgpack records
	HugeAllocationRate float64 `toml:"huge_allocation_rate"` // Share of requests above the large limit
}

// Configuration is the main configuration structure
type Configuration struct {
	Allocator  mimalloc.Options        `toml:"allocator"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Workload   WorkloadConfiguration   `toml:"workload"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	ThreadsFlag    = flag.Int("threads", 0, "Workload threads (overrides config)")
	DurationFlag   = flag.Duration("duration", 0, "Workload duration (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration with every section at its default.
func Default() *Configuration {
	return &Configuration{
		Allocator: mimalloc.DefaultOptions(),

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:        true,
			PollIntervalMS: 1000,
			SizeHistogram:  true,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8090,
		},

		Workload: WorkloadConfiguration{
			Threads:            4,
			DurationSeconds:    60,
			MinSize:            8,
			MaxSize:            64 << 10,
			LiveBlocks:         1024,
			CrossThreadRatio:   0.25,
			RestartEvery:       100_000,
			EncodeEvery:        64,
			HugeAllocationRate: 0.0001,
		},
	}
}

// Load loads configuration from file and applies environment and CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// MIMALLOC_<NAME> wins over the file
	Config.Allocator.LoadEnv()

	// Apply CLI overrides
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *ThreadsFlag != 0 {
		Config.Workload.Threads = *ThreadsFlag
	}
	if *DurationFlag != 0 {
		Config.Workload.DurationSeconds = int(DurationFlag.Seconds())
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if err := Config.Allocator.Validate(); err != nil {
		return fmt.Errorf("invalid allocator options: %w", err)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.PollIntervalMS < 1 {
		return fmt.Errorf("prometheus poll interval must be >= 1ms")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	w := Config.Workload
	if w.Threads < 1 {
		return fmt.Errorf("workload threads must be >= 1")
	}

	if w.DurationSeconds < 0 {
		return fmt.Errorf("workload duration must be >= 0")
	}

	if w.MinSize < 0 || w.MaxSize < w.MinSize {
		return fmt.Errorf("invalid workload size range: %d..%d", w.MinSize, w.MaxSize)
	}

	if w.LiveBlocks < 1 {
		return fmt.Errorf("workload live blocks must be >= 1")
	}

	if w.CrossThreadRatio < 0 || w.CrossThreadRatio > 1 {
		return fmt.Errorf("workload cross thread ratio must be within 0..1")
	}

	if w.HugeAllocationRate < 0 || w.HugeAllocationRate > 1 {
		return fmt.Errorf("workload huge allocation rate must be within 0..1")
	}

	if w.RestartEvery < 0 || w.EncodeEvery < 0 {
		return fmt.Errorf("workload restart and encode intervals must be >= 0")
	}

	return nil
}

// PollInterval returns the telemetry sampling period.
func PollInterval() time.Duration {
	return time.Duration(Config.Prometheus.PollIntervalMS) * time.Millisecond
}

// Duration returns the workload run time, zero meaning unbounded.
func Duration() time.Duration {
	return time.Duration(Config.Workload.DurationSeconds) * time.Second
}
