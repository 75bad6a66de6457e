package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/mialloc/admin"
	"github.com/maxpert/mialloc/cfg"
	"github.com/maxpert/mialloc/pkg/mimalloc"
	"github.com/maxpert/mialloc/telemetry"
	"github.com/maxpert/mialloc/workload"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Int("pid", os.Getpid()).
		Logger()

	if cfg.Config.Logging.Verbose || cfg.Config.Allocator.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("mialloc - thread-caching allocator")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	alloc, err := mimalloc.New(cfg.Config.Allocator, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create allocator")
		return
	}
	mimalloc.SetDefault(alloc)
	defer alloc.Close()

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(alloc, cfg.PollInterval())
		collector.Start()
		defer collector.Stop()
	}

	if cfg.Config.Admin.Enabled {
		server := startAdminServer(alloc)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := cfg.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log.Info().
		Int("threads", cfg.Config.Workload.Threads).
		Dur("duration", cfg.Duration()).
		Int("admin_port", cfg.Config.Admin.Port).
		Msg("mialloc started")

	res := workload.New(alloc, cfg.Config.Workload).Run(ctx)
	log.Info().
		Int64("allocations", res.Allocations).
		Int64("failures", res.Failures).
		Int64("local_frees", res.LocalFrees).
		Int64("cross_frees", res.CrossFrees).
		Int64("restarts", res.Restarts).
		Int64("records", res.Records).
		Int64("corruptions", res.Corruptions).
		Msg("Workload finished")

	start := time.Now()
	alloc.Collect()
	telemetry.CollectDurationSeconds.With("shutdown").Observe(time.Since(start).Seconds())

	st := alloc.Stats()
	log.Info().
		Int64("segments_allocated", st.SegmentsAllocated).
		Int64("segments_freed", st.SegmentsFreed).
		Int64("segments_reclaimed", st.SegmentsReclaimed).
		Int64("segments_abandoned", st.SegmentsAbandoned).
		Int64("os_alloc_calls", st.Provider.AllocCalls).
		Int64("committed_bytes", st.Provider.CommittedBytes).
		Int64("errors", st.Errors).
		Msg("Allocator drained")

	if res.Corruptions > 0 {
		log.Error().Int64("corruptions", res.Corruptions).Msg("Workload detected corrupted blocks")
		os.Exit(1)
	}
}

func startAdminServer(alloc *mimalloc.Allocator) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(alloc))
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("address", server.Addr).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	return server
}
