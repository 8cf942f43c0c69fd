package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

// tailWindow is how many trailing records of a session log are consulted
// to recover the latest token counts, model, and kind.
const tailWindow = 20

// LogDir observes the runtime directly through its on-disk session logs,
// laid out as <root>/agents/<agentID>/sessions/<sessionID>.jsonl. Each log
// is an append-only sequence of newline-delimited JSON records. A file
// yielding no parseable records is skipped; only a missing root directory
// is an error.
type LogDir struct {
	root   string
	window int
}

// NewLogDir creates a direct-inspection source rooted at the runtime home.
func NewLogDir(root string) *LogDir {
	return &LogDir{root: root, window: tailWindow}
}

// Sessions implements Source.
func (d *LogDir) Sessions(_ context.Context, q Query) ([]telemetry.Raw, error) {
	agentsDir := filepath.Join(d.root, "agents")
	agents, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil, fmt.Errorf("source.LogDir.Sessions: read %s: %v: %w", agentsDir, err, ErrUnavailable)
	}

	var cutoff time.Time
	if q.ActiveWithin > 0 {
		cutoff = time.Now().Add(-q.ActiveWithin)
	}

	var records []telemetry.Raw
	for _, agent := range agents {
		if !agent.IsDir() {
			continue
		}

		sessionsDir := filepath.Join(agentsDir, agent.Name(), "sessions")
		files, err := os.ReadDir(sessionsDir)
		if err != nil {
			// Agent without a sessions directory yet; nothing to report.
			continue
		}

		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}

			path := filepath.Join(sessionsDir, f.Name())
			info, err := f.Info()
			if err != nil {
				continue
			}
			if !cutoff.IsZero() && info.ModTime().Before(cutoff) {
				continue
			}

			raw, ok := d.readSession(path, agent.Name(), info.ModTime())
			if !ok {
				continue
			}
			if !q.wantsKind(telemetry.ParseKind(raw.Kind)) {
				continue
			}
			records = append(records, raw)
		}
	}

	// Most recently updated first, then cap at the requested limit.
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt > records[j].UpdatedAt
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}

	return records, nil
}

// Close implements Source. The log-dir strategy holds no connections.
func (d *LogDir) Close() error { return nil }

// logRecord is one newline-delimited entry of a session log. Fields are
// sparse: most entries carry only a role and timestamp, while periodic
// state entries carry usage, model, and kind.
type logRecord struct {
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Model     string `json:"model"`
	Kind      string `json:"kind"`
	Label     string `json:"label"`
	Channel   string `json:"channel"`
	Aborted   bool   `json:"aborted"`
	Usage     struct {
		TotalTokens   int `json:"totalTokens"`
		ContextTokens int `json:"contextTokens"`
	} `json:"usage"`
}

// readSession recovers a normalized record from the tail of one session
// log. It scans the most recent records first so the newest known value
// of each field wins. Returns ok=false when no record parses.
func (d *LogDir) readSession(path, agentID string, modTime time.Time) (telemetry.Raw, bool) {
	file, err := os.Open(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("source.LogDir: open session log")
		return telemetry.Raw{}, false
	}
	defer file.Close()

	// Keep only the trailing window of parseable records.
	var tail []logRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		tail = append(tail, rec)
		if len(tail) > d.window {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("source.LogDir: scan session log")
	}
	if len(tail) == 0 {
		return telemetry.Raw{}, false
	}

	raw := telemetry.Raw{
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		AgentID:   agentID,
	}

	last := tail[len(tail)-1]
	raw.LastRole = last.Role
	raw.LastMessageAt = last.Timestamp

	// Most-recent-first: the first record carrying a field supplies it.
	for i := len(tail) - 1; i >= 0; i-- {
		rec := tail[i]
		if rec.Aborted {
			raw.Aborted = true
		}
		if raw.Model == "" {
			raw.Model = rec.Model
		}
		if raw.Kind == "" {
			raw.Kind = rec.Kind
		}
		if raw.Label == "" {
			raw.Label = rec.Label
		}
		if raw.Channel == "" {
			raw.Channel = rec.Channel
		}
		if raw.TotalTokens == 0 {
			raw.TotalTokens = rec.Usage.TotalTokens
		}
		if raw.ContextTokens == 0 {
			raw.ContextTokens = rec.Usage.ContextTokens
		}
	}

	// File modification time stands in when no record carries a timestamp.
	raw.UpdatedAt = last.Timestamp
	if raw.UpdatedAt == 0 {
		raw.UpdatedAt = modTime.UnixMilli()
	}

	return raw, true
}
