package source_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tracerelay/internal/source"
	"github.com/gosuda/tracerelay/internal/telemetry"
)

func writeSessionLog(t *testing.T, root, agentID, sessionID string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, "agents", agentID, "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLogDirSessions(t *testing.T) {
	t.Parallel()

	t.Run("recovers latest state from tail records", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		writeSessionLog(t, root, "haiku", "s1",
			`{"role":"user","timestamp":1700000000000,"kind":"main","label":"taskmaster:deploy","channel":"slack"}`,
			`{"role":"assistant","timestamp":1700000010000,"model":"claude-haiku-4-5","usage":{"totalTokens":340,"contextTokens":12000}}`,
		)

		d := source.NewLogDir(root)
		records, err := d.Sessions(t.Context(), source.Query{Limit: 10})

		require.NoError(t, err)
		require.Len(t, records, 1)
		raw := records[0]
		assert.Equal(t, "s1", raw.SessionID)
		assert.Equal(t, "haiku", raw.AgentID)
		assert.Equal(t, "main", raw.Kind)
		assert.Equal(t, "taskmaster:deploy", raw.Label)
		assert.Equal(t, "slack", raw.Channel)
		assert.Equal(t, "claude-haiku-4-5", raw.Model)
		assert.Equal(t, 340, raw.TotalTokens)
		assert.Equal(t, 12000, raw.ContextTokens)
		assert.Equal(t, "assistant", raw.LastRole)
		assert.Equal(t, int64(1700000010000), raw.UpdatedAt)
	})

	t.Run("abort marker anywhere in the window survives", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		writeSessionLog(t, root, "haiku", "s2",
			`{"role":"assistant","timestamp":1,"aborted":true}`,
			`{"role":"user","timestamp":2}`,
		)

		d := source.NewLogDir(root)
		records, err := d.Sessions(t.Context(), source.Query{Limit: 10})

		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].Aborted)
		assert.Equal(t, telemetry.StatusError, telemetry.InferStatus(records[0]))
	})

	t.Run("file with no parseable records is skipped", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		writeSessionLog(t, root, "haiku", "garbage", "not json", "{truncated")
		writeSessionLog(t, root, "haiku", "good", `{"role":"user","timestamp":5,"kind":"main"}`)

		d := source.NewLogDir(root)
		records, err := d.Sessions(t.Context(), source.Query{Limit: 10})

		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "good", records[0].SessionID)
	})

	t.Run("missing root directory is ErrUnavailable", func(t *testing.T) {
		t.Parallel()

		d := source.NewLogDir(filepath.Join(t.TempDir(), "nope"))
		_, err := d.Sessions(t.Context(), source.Query{Limit: 10})

		require.Error(t, err)
		assert.ErrorIs(t, err, source.ErrUnavailable)
	})

	t.Run("kind filter and limit apply", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		writeSessionLog(t, root, "haiku", "cron-1", `{"role":"user","timestamp":10,"kind":"cron"}`)
		writeSessionLog(t, root, "haiku", "main-1", `{"role":"user","timestamp":20,"kind":"main"}`)
		writeSessionLog(t, root, "haiku", "main-2", `{"role":"user","timestamp":30,"kind":"main"}`)

		d := source.NewLogDir(root)
		records, err := d.Sessions(t.Context(), source.Query{
			Kinds: []telemetry.Kind{telemetry.KindMain},
			Limit: 1,
		})

		require.NoError(t, err)
		require.Len(t, records, 1)
		// Most recently updated wins under the limit.
		assert.Equal(t, "main-2", records[0].SessionID)
	})

	t.Run("file mtime stands in for missing timestamps", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		path := writeSessionLog(t, root, "haiku", "s3", `{"role":"user","kind":"main"}`)
		modTime := time.Now().Add(-5 * time.Minute)
		require.NoError(t, os.Chtimes(path, modTime, modTime))

		d := source.NewLogDir(root)
		records, err := d.Sessions(t.Context(), source.Query{Limit: 10})

		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, modTime.UnixMilli(), records[0].UpdatedAt)
	})

	t.Run("recency window excludes stale files", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		stale := writeSessionLog(t, root, "haiku", "stale", `{"role":"user","timestamp":1,"kind":"main"}`)
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(stale, old, old))
		writeSessionLog(t, root, "haiku", "fresh", `{"role":"user","timestamp":2,"kind":"main"}`)

		d := source.NewLogDir(root)
		records, err := d.Sessions(t.Context(), source.Query{Limit: 10, ActiveWithin: 30 * time.Minute})

		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "fresh", records[0].SessionID)
	})
}
