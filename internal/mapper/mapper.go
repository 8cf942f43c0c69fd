// Package mapper applies the ingestion policy to session snapshots and
// converts accepted ones into telemetry events, assigning a stable
// correlation (trace) identifier per session.
package mapper

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

const (
	defaultMinTokens = 10
	defaultTraceTTL  = 24 * time.Hour

	// contextWindowTokens is the fixed window the context_used_pct
	// metadata is computed against.
	contextWindowTokens = 120000

	// labelSeparator splits a session label into agent name and suffix.
	labelSeparator = "--"
)

// Options configures the ingestion policy.
type Options struct {
	// MinTokens rejects sessions below this total token count. Zero
	// means the default of 10.
	MinTokens int
	// SkipKinds rejects sessions of these kinds outright. Nil means the
	// default skip set (cron).
	SkipKinds []telemetry.Kind
	// LabelPrefix is the namespace prefix stripped from session labels
	// when deriving an agent name.
	LabelPrefix string
	// TraceTTL evicts correlation entries idle longer than this. Zero
	// means the default of 24h.
	TraceTTL time.Duration
}

type traceEntry struct {
	id       string
	lastSeen time.Time
}

// Mapper is owned by a single daemon instance. Its correlation cache is
// mutated only from the polling goroutine, so no locking is needed.
type Mapper struct {
	minTokens   int
	skip        map[telemetry.Kind]struct{}
	labelPrefix string
	ttl         time.Duration

	traces map[string]*traceEntry
	now    func() time.Time
}

// New creates a Mapper with the given policy.
func New(opts Options) *Mapper {
	if opts.MinTokens <= 0 {
		opts.MinTokens = defaultMinTokens
	}
	if opts.SkipKinds == nil {
		opts.SkipKinds = []telemetry.Kind{telemetry.KindCron}
	}
	if opts.TraceTTL <= 0 {
		opts.TraceTTL = defaultTraceTTL
	}

	skip := make(map[telemetry.Kind]struct{}, len(opts.SkipKinds))
	for _, k := range opts.SkipKinds {
		skip[k] = struct{}{}
	}

	return &Mapper{
		minTokens:   opts.MinTokens,
		skip:        skip,
		labelPrefix: opts.LabelPrefix,
		ttl:         opts.TraceTTL,
		traces:      make(map[string]*traceEntry),
		now:         time.Now,
	}
}

// ShouldIngest decides whether a session generates telemetry. The skip-kind
// check runs before the token threshold, so a skipped kind is rejected no
// matter how large the session is.
func (m *Mapper) ShouldIngest(sess telemetry.Session) bool {
	if _, skipped := m.skip[sess.Kind]; skipped {
		return false
	}
	if sess.TotalTokens < m.minTokens {
		return false
	}
	return true
}

// MapSession converts a session snapshot into telemetry events. Rejected
// sessions yield an empty slice; rejection is not an error.
func (m *Mapper) MapSession(sess telemetry.Session) []telemetry.Event {
	if !m.ShouldIngest(sess) {
		return nil
	}

	event := telemetry.Event{
		AgentName:    m.agentName(sess),
		AgentID:      sess.AgentID,
		EventType:    eventType(sess.Status),
		TraceID:      m.traceID(sess.SessionID),
		SessionID:    sess.SessionID,
		InputTokens:  sess.TotalTokens * 6 / 10,
		OutputTokens: sess.TotalTokens * 4 / 10,
		Model:        sess.Model,
		Status:       sess.Status,
		Metadata: map[string]any{
			"kind":             string(sess.Kind),
			"label":            sess.Label,
			"channel":          sess.Channel,
			"context_used_pct": contextUsedPct(sess.ContextTokens),
		},
		Timestamp: m.now().UTC(),
	}

	return []telemetry.Event{event}
}

// traceID returns the stable correlation identifier for a session,
// generating one on first sight. Every lookup refreshes the entry's
// last-seen time so sessions under active observation never expire.
func (m *Mapper) traceID(sessionID string) string {
	entry, ok := m.traces[sessionID]
	if !ok {
		entry = &traceEntry{id: uuid.NewString()}
		m.traces[sessionID] = entry
	}
	entry.lastSeen = m.now()
	return entry.id
}

// EvictStale drops correlation entries idle longer than the TTL and
// returns how many were removed. Called by the daemon between cycles to
// bound cache growth over unbounded uptime.
func (m *Mapper) EvictStale() int {
	cutoff := m.now().Add(-m.ttl)
	evicted := 0
	for sessionID, entry := range m.traces {
		if entry.lastSeen.Before(cutoff) {
			delete(m.traces, sessionID)
			evicted++
		}
	}
	return evicted
}

// CachedTraces reports the correlation cache size, for observability.
func (m *Mapper) CachedTraces() int {
	return len(m.traces)
}

func (m *Mapper) agentName(sess telemetry.Session) string {
	if sess.Label != "" {
		name := strings.TrimPrefix(sess.Label, m.labelPrefix)
		name, _, _ = strings.Cut(name, labelSeparator)
		return name
	}
	if sess.AgentID != "" && sess.AgentID != "unknown" {
		return sess.AgentID
	}
	return "unknown-agent"
}

func eventType(status telemetry.Status) telemetry.EventType {
	switch status {
	case telemetry.StatusError:
		return telemetry.EventError
	case telemetry.StatusCompleted:
		return telemetry.EventCompletion
	default:
		return telemetry.EventExecution
	}
}

func contextUsedPct(contextTokens int) int {
	if contextTokens <= 0 {
		return 0
	}
	return contextTokens * 100 / contextWindowTokens
}
