package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string // nil = don't set; pointer to distinguish "" from unset
		fallback string
		want     string
	}{
		{name: "returns fallback when unset", key: "TRACERELAY_TEST_GETENV_UNSET", setVal: nil, fallback: "default", want: "default"},
		{name: "returns env value when set", key: "TRACERELAY_TEST_GETENV_SET", setVal: strPtr("custom"), fallback: "default", want: "custom"},
		{name: "returns fallback when empty string", key: "TRACERELAY_TEST_GETENV_EMPTY", setVal: strPtr(""), fallback: "default", want: "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got := getEnv(tc.key, tc.fallback)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Run("fallback when unset", func(t *testing.T) {
		got, err := getEnvInt("TRACERELAY_TEST_INT_UNSET", 42)
		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("parses value", func(t *testing.T) {
		t.Setenv("TRACERELAY_TEST_INT", "7")
		got, err := getEnvInt("TRACERELAY_TEST_INT", 42)
		require.NoError(t, err)
		assert.Equal(t, 7, got)
	})

	t.Run("invalid value errors", func(t *testing.T) {
		t.Setenv("TRACERELAY_TEST_INT_BAD", "seven")
		_, err := getEnvInt("TRACERELAY_TEST_INT_BAD", 42)
		require.Error(t, err)
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("fallback when unset", func(t *testing.T) {
		got, err := getEnvDuration("TRACERELAY_TEST_DUR_UNSET", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, got)
	})

	t.Run("parses value", func(t *testing.T) {
		t.Setenv("TRACERELAY_TEST_DUR", "90s")
		got, err := getEnvDuration("TRACERELAY_TEST_DUR", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, got)
	})

	t.Run("invalid value errors", func(t *testing.T) {
		t.Setenv("TRACERELAY_TEST_DUR_BAD", "soon")
		_, err := getEnvDuration("TRACERELAY_TEST_DUR_BAD", time.Minute)
		require.Error(t, err)
	})
}

func TestGetEnvFloat(t *testing.T) {
	t.Run("parses value", func(t *testing.T) {
		t.Setenv("TRACERELAY_TEST_FLOAT", "2.5")
		got, err := getEnvFloat("TRACERELAY_TEST_FLOAT", 20)
		require.NoError(t, err)
		assert.InDelta(t, 2.5, got, 1e-9)
	})

	t.Run("invalid value errors", func(t *testing.T) {
		t.Setenv("TRACERELAY_TEST_FLOAT_BAD", "fast")
		_, err := getEnvFloat("TRACERELAY_TEST_FLOAT_BAD", 20)
		require.Error(t, err)
	})
}

// ---------------------------------------------------------------------------
// Load tests
// ---------------------------------------------------------------------------

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:18789", cfg.Runtime.BaseURL)
	assert.Equal(t, "agentctl", cfg.Runtime.CLIPath)
	assert.Equal(t, SourceGateway, cfg.Runtime.Source)
	assert.Equal(t, "http://localhost:8765", cfg.Ingest.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Daemon.PollInterval)
	assert.Equal(t, 50, cfg.Daemon.BatchSize)
	assert.Equal(t, 10, cfg.Daemon.MaxErrors)
	assert.Equal(t, 30*time.Minute, cfg.Daemon.ActiveWindow)
	assert.Equal(t, 10, cfg.Mapper.MinTokens)
	assert.Equal(t, []telemetry.Kind{telemetry.KindCron}, cfg.Mapper.SkipKinds)
	assert.Equal(t, "gh-taskmaster:", cfg.Mapper.LabelPrefix)
	assert.Equal(t, 24*time.Hour, cfg.Mapper.TraceTTL)
	assert.Equal(t, ":9464", cfg.StatusAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRACERELAY_SOURCE", "logdir")
	t.Setenv("TRACERELAY_RUNTIME_HOME", "/var/lib/agentd")
	t.Setenv("TRACERELAY_POLL_INTERVAL", "5s")
	t.Setenv("TRACERELAY_SKIP_KINDS", "cron,group")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, SourceLogDir, cfg.Runtime.Source)
	assert.Equal(t, "/var/lib/agentd", cfg.Runtime.Home)
	assert.Equal(t, 5*time.Second, cfg.Daemon.PollInterval)
	assert.Equal(t, []telemetry.Kind{telemetry.KindCron, telemetry.KindGroup}, cfg.Mapper.SkipKinds)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "unknown source strategy", key: "TRACERELAY_SOURCE", value: "carrier-pigeon"},
		{name: "zero poll interval", key: "TRACERELAY_POLL_INTERVAL", value: "0s"},
		{name: "zero batch size", key: "TRACERELAY_BATCH_SIZE", value: "0"},
		{name: "zero max errors", key: "TRACERELAY_MAX_ERRORS", value: "0"},
		{name: "negative min tokens", key: "TRACERELAY_MIN_TOKENS", value: "-1"},
		{name: "zero ingest rps", key: "TRACERELAY_INGEST_RPS", value: "0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func strPtr(s string) *string { return &s }
