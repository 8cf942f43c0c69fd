package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/gosuda/tracerelay/internal/config"
	"github.com/gosuda/tracerelay/internal/daemon"
	"github.com/gosuda/tracerelay/internal/ingest"
	"github.com/gosuda/tracerelay/internal/mapper"
	"github.com/gosuda/tracerelay/internal/source"
	"github.com/gosuda/tracerelay/internal/status"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	var (
		once         = pflag.Bool("once", false, "run a single poll cycle and exit")
		check        = pflag.Bool("check", false, "verify runtime and ingestion-service connectivity, then exit")
		runtimeURL   = pflag.String("runtime-url", "", "override the runtime gateway URL")
		ingestURL    = pflag.String("ingest-url", "", "override the ingestion service URL")
		pollInterval = pflag.Duration("poll-interval", 0, "override the poll interval")
		logLevel     = pflag.String("log-level", "", "log level (trace, debug, info, warn, error)")
		logFormat    = pflag.String("log-format", "", "log format (json, text)")
	)
	pflag.Parse()

	// Initialize structured logging from environment, flags winning.
	levelName := os.Getenv("TRACERELAY_LOG_LEVEL")
	if *logLevel != "" {
		levelName = *logLevel
	}
	level, parseErr := zerolog.ParseLevel(levelName)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	format := os.Getenv("TRACERELAY_LOG_FORMAT")
	if *logFormat != "" {
		format = *logFormat
	}
	if format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Load configuration from environment, then apply flag overrides.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *runtimeURL != "" {
		cfg.Runtime.BaseURL = *runtimeURL
	}
	if *ingestURL != "" {
		cfg.Ingest.BaseURL = *ingestURL
	}
	if *pollInterval > 0 {
		cfg.Daemon.PollInterval = *pollInterval
	}

	src := buildSource(cfg)
	client := ingest.New(cfg.Ingest.BaseURL, cfg.Ingest.Timeout, cfg.Ingest.RPS)

	// Graceful shutdown on SIGINT / SIGTERM. Cancellation is honored
	// between poll cycles.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *check {
		return preflight(ctx, src, client)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := daemon.NewMetrics(reg)

	m := mapper.New(mapper.Options{
		MinTokens:   cfg.Mapper.MinTokens,
		SkipKinds:   cfg.Mapper.SkipKinds,
		LabelPrefix: cfg.Mapper.LabelPrefix,
		TraceTTL:    cfg.Mapper.TraceTTL,
	})

	d := daemon.New(src, m, client, daemon.Config{
		PollInterval: cfg.Daemon.PollInterval,
		BatchSize:    cfg.Daemon.BatchSize,
		MaxErrors:    cfg.Daemon.MaxErrors,
		ActiveWindow: cfg.Daemon.ActiveWindow,
		SeenTTL:      cfg.Daemon.SeenTTL,
	}, metrics)

	if *once {
		return d.RunOnce(ctx)
	}

	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.New(cfg.StatusAddr, d, reg)
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Msg("starting status endpoint")
			if startErr := statusSrv.Start(); startErr != nil {
				log.Error().Err(startErr).Msg("status endpoint error")
			}
		}()
	}

	runErr := d.Run(ctx)

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := statusSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("status endpoint shutdown failed")
		}
	}

	return runErr
}

func buildSource(cfg *config.Config) source.Source {
	if cfg.Runtime.Source == config.SourceLogDir {
		log.Info().Str("home", cfg.Runtime.Home).Msg("using log-dir session source")
		return source.NewLogDir(cfg.Runtime.Home)
	}
	log.Info().Str("url", cfg.Runtime.BaseURL).Msg("using gateway session source")
	return source.NewGateway(cfg.Runtime.BaseURL, cfg.Runtime.CLIPath, cfg.Runtime.Timeout)
}

// preflight verifies both sides of the pipeline are reachable before the
// daemon is started for real.
func preflight(ctx context.Context, src source.Source, client *ingest.Client) error {
	defer func() {
		_ = src.Close()
		_ = client.Close()
	}()

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	failed := false

	records, err := src.Sessions(checkCtx, source.Query{Limit: 2})
	if err != nil {
		failed = true
		log.Error().Err(err).Msg("check: runtime not reachable")
	} else {
		log.Info().Int("sessions", len(records)).Msg("check: runtime reachable")
	}

	if err := client.Ping(checkCtx); err != nil {
		failed = true
		log.Error().Err(err).Msg("check: ingestion service not reachable")
	} else {
		log.Info().Msg("check: ingestion service reachable")
	}

	if failed {
		return errors.New("connectivity checks failed")
	}
	log.Info().Msg("check: all connectivity checks passed")
	return nil
}
