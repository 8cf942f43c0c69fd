package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

// Source strategy names.
const (
	SourceGateway = "gateway"
	SourceLogDir  = "logdir"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	Runtime    RuntimeConfig
	Ingest     IngestConfig
	Daemon     DaemonConfig
	Mapper     MapperConfig
	StatusAddr string // empty disables the operational endpoint
}

// RuntimeConfig describes how to observe the agent runtime.
type RuntimeConfig struct {
	BaseURL string // gateway administrative endpoint
	CLIPath string // control CLI used as fallback transport
	Home    string // runtime home for the log-dir strategy
	Source  string // "gateway" or "logdir"
	Timeout time.Duration
}

// IngestConfig describes the trace-ingestion service.
type IngestConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
}

// DaemonConfig holds scheduling and failure-budget parameters.
type DaemonConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxErrors    int
	ActiveWindow time.Duration
	SeenTTL      time.Duration
}

// MapperConfig holds the ingestion policy.
type MapperConfig struct {
	MinTokens   int
	SkipKinds   []telemetry.Kind
	LabelPrefix string
	TraceTTL    time.Duration
}

// Load reads configuration from environment variables. Defaults match a
// local runtime and ingestion service.
func Load() (*Config, error) {
	timeout, err := getEnvDuration("TRACERELAY_RUNTIME_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	ingestTimeout, err := getEnvDuration("TRACERELAY_INGEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("TRACERELAY_INGEST_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pollInterval, err := getEnvDuration("TRACERELAY_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	batchSize, err := getEnvInt("TRACERELAY_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxErrors, err := getEnvInt("TRACERELAY_MAX_ERRORS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	activeWindow, err := getEnvDuration("TRACERELAY_ACTIVE_WINDOW", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	minTokens, err := getEnvInt("TRACERELAY_MIN_TOKENS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	traceTTL, err := getEnvDuration("TRACERELAY_TRACE_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	skipKinds := make([]telemetry.Kind, 0, 1)
	for _, raw := range getEnvList("TRACERELAY_SKIP_KINDS", []string{"cron"}) {
		skipKinds = append(skipKinds, telemetry.ParseKind(raw))
	}

	cfg := &Config{
		Runtime: RuntimeConfig{
			BaseURL: getEnv("TRACERELAY_RUNTIME_URL", "http://127.0.0.1:18789"),
			CLIPath: getEnv("TRACERELAY_RUNTIME_CLI", "agentctl"),
			Home:    getEnv("TRACERELAY_RUNTIME_HOME", defaultRuntimeHome()),
			Source:  getEnv("TRACERELAY_SOURCE", SourceGateway),
			Timeout: timeout,
		},
		Ingest: IngestConfig{
			BaseURL: getEnv("TRACERELAY_INGEST_URL", "http://localhost:8765"),
			Timeout: ingestTimeout,
			RPS:     rps,
		},
		Daemon: DaemonConfig{
			PollInterval: pollInterval,
			BatchSize:    batchSize,
			MaxErrors:    maxErrors,
			ActiveWindow: activeWindow,
			SeenTTL:      traceTTL,
		},
		Mapper: MapperConfig{
			MinTokens:   minTokens,
			SkipKinds:   skipKinds,
			LabelPrefix: getEnv("TRACERELAY_LABEL_PREFIX", "gh-taskmaster:"),
			TraceTTL:    traceTTL,
		},
		StatusAddr: getEnv("TRACERELAY_STATUS_ADDR", ":9464"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Runtime.Source != SourceGateway && c.Runtime.Source != SourceLogDir {
		return fmt.Errorf("TRACERELAY_SOURCE must be %q or %q, got %q", SourceGateway, SourceLogDir, c.Runtime.Source)
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("TRACERELAY_RUNTIME_TIMEOUT must be positive, got %s", c.Runtime.Timeout)
	}
	if c.Ingest.Timeout <= 0 {
		return fmt.Errorf("TRACERELAY_INGEST_TIMEOUT must be positive, got %s", c.Ingest.Timeout)
	}
	if c.Ingest.RPS <= 0 {
		return fmt.Errorf("TRACERELAY_INGEST_RPS must be positive, got %g", c.Ingest.RPS)
	}
	if c.Daemon.PollInterval <= 0 {
		return fmt.Errorf("TRACERELAY_POLL_INTERVAL must be positive, got %s", c.Daemon.PollInterval)
	}
	if c.Daemon.BatchSize < 1 {
		return fmt.Errorf("TRACERELAY_BATCH_SIZE must be >= 1, got %d", c.Daemon.BatchSize)
	}
	if c.Daemon.MaxErrors < 1 {
		return fmt.Errorf("TRACERELAY_MAX_ERRORS must be >= 1, got %d", c.Daemon.MaxErrors)
	}
	if c.Mapper.MinTokens < 0 {
		return fmt.Errorf("TRACERELAY_MIN_TOKENS must be >= 0, got %d", c.Mapper.MinTokens)
	}
	if c.Mapper.TraceTTL <= 0 {
		return fmt.Errorf("TRACERELAY_TRACE_TTL must be positive, got %s", c.Mapper.TraceTTL)
	}
	return nil
}

func defaultRuntimeHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd"
	}
	return filepath.Join(home, ".agentd")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
