// Package daemon owns the polling loop: it samples the runtime through a
// Source, runs each record through the extractor and mapper, deduplicates
// against sessions already reported, and forwards the resulting events to
// the ingestion service with partial-failure tolerance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tracerelay/internal/mapper"
	"github.com/gosuda/tracerelay/internal/source"
	"github.com/gosuda/tracerelay/internal/telemetry"
)

// ErrBudgetExhausted is returned by Run when the consecutive-failure
// budget is spent.
var ErrBudgetExhausted = errors.New("daemon: consecutive failure budget exhausted") //nolint:gochecknoglobals // sentinel error

// State is the daemon's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

// pollKinds is the fixed source-level filter. Cron sessions are excluded
// here as well as in the mapper, as defense in depth.
var pollKinds = []telemetry.Kind{ //nolint:gochecknoglobals // fixed filter
	telemetry.KindMain,
	telemetry.KindSubagent,
	telemetry.KindGroup,
}

// Forwarder is what the daemon needs from the ingestion client.
type Forwarder interface {
	Push(ctx context.Context, ev telemetry.Event) error
	Close() error
}

// Config holds the daemon's scheduling and budget parameters.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxErrors    int
	ActiveWindow time.Duration
	// SeenTTL prunes the seen-session set; a pruned session observed
	// again is re-forwarded, which at-least-once delivery permits.
	SeenTTL time.Duration
}

// Daemon drives one poll cycle at a time. The seen-session set is touched
// only by the polling goroutine; the counters below are atomic so the
// status endpoint can read them concurrently.
type Daemon struct {
	source  source.Source
	mapper  *mapper.Mapper
	fwd     Forwarder
	cfg     Config
	metrics *Metrics

	seen map[string]time.Time

	state        atomic.Int32
	totalEvents  atomic.Int64
	failureStack atomic.Int64
	lastPollMs   atomic.Int64
}

// New creates a Daemon. metrics may be nil, in which case unregistered
// counters are used.
func New(src source.Source, m *mapper.Mapper, fwd Forwarder, cfg Config, metrics *Metrics) *Daemon {
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 24 * time.Hour
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Daemon{
		source:  src,
		mapper:  m,
		fwd:     fwd,
		cfg:     cfg,
		metrics: metrics,
		seen:    make(map[string]time.Time),
	}
}

// State reports the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Snapshot is the observability view served by the status endpoint.
type Snapshot struct {
	State               string    `json:"state"`
	TotalEventsIngested int64     `json:"total_events_ingested"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastPollAt          time.Time `json:"last_poll_at,omitzero"`
}

// Stats returns a point-in-time snapshot safe to call from any goroutine.
func (d *Daemon) Stats() Snapshot {
	snap := Snapshot{
		State:               d.State().String(),
		TotalEventsIngested: d.totalEvents.Load(),
		ConsecutiveFailures: d.failureStack.Load(),
	}
	if ms := d.lastPollMs.Load(); ms > 0 {
		snap.LastPollAt = time.UnixMilli(ms).UTC()
	}
	return snap
}

// Run drives the polling loop until the context is cancelled or the
// consecutive-failure budget is exhausted. Cancellation is honored between
// cycles; an in-flight cycle completes first.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Int("max_errors", d.cfg.MaxErrors).
		Msg("daemon: starting polling loop")

	defer d.shutdown()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for cycle := 1; ; cycle++ {
		// Cancellation wins over starting another cycle, including the
		// first one.
		if ctx.Err() != nil {
			d.state.Store(int32(StateTerminated))
			return nil
		}

		d.state.Store(int32(StatePolling))

		if err := d.pollOnce(ctx, cycle); err != nil {
			failures := d.failureStack.Add(1)
			d.metrics.PollFailures.Inc()
			log.Warn().Err(err).
				Int64("consecutive_failures", failures).
				Int("max_errors", d.cfg.MaxErrors).
				Msg("daemon: poll cycle failed")

			if failures >= int64(d.cfg.MaxErrors) {
				d.state.Store(int32(StateTerminated))
				return fmt.Errorf("daemon.Daemon.Run: %d consecutive failures: %w", failures, ErrBudgetExhausted)
			}
		} else {
			d.failureStack.Store(0)
		}

		// Housekeeping between cycles bounds state growth over
		// unbounded uptime.
		if evicted := d.mapper.EvictStale(); evicted > 0 {
			log.Debug().Int("evicted", evicted).Msg("daemon: evicted stale trace correlations")
		}
		d.pruneSeen()

		d.state.Store(int32(StateIdle))

		select {
		case <-ctx.Done():
			d.state.Store(int32(StateTerminated))
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single poll cycle and releases held connections.
func (d *Daemon) RunOnce(ctx context.Context) error {
	defer d.shutdown()

	d.state.Store(int32(StatePolling))
	err := d.pollOnce(ctx, 1)
	d.state.Store(int32(StateTerminated))
	if err != nil {
		return fmt.Errorf("daemon.Daemon.RunOnce: %w", err)
	}
	return nil
}

// pollOnce runs one cycle: fetch, filter, map, forward. A source failure
// ends the cycle early and is the only error that propagates; everything
// downstream is absorbed per event.
func (d *Daemon) pollOnce(ctx context.Context, cycle int) error {
	start := time.Now()
	d.metrics.Polls.Inc()

	records, err := d.source.Sessions(ctx, source.Query{
		Kinds:        pollKinds,
		Limit:        d.cfg.BatchSize,
		ActiveWithin: d.cfg.ActiveWindow,
	})
	if err != nil {
		return fmt.Errorf("fetch sessions: %w", err)
	}

	var events []telemetry.Event
	for _, raw := range records {
		if raw.SessionID == "" {
			// Malformed record: skipped, never propagated.
			d.metrics.SessionsSkipped.Inc()
			continue
		}
		if _, reported := d.seen[raw.SessionID]; reported {
			continue
		}

		sess := telemetry.Extract(raw)
		mapped := d.mapper.MapSession(sess)
		if len(mapped) == 0 {
			d.metrics.SessionsSkipped.Inc()
			continue
		}

		events = append(events, mapped...)
		d.seen[raw.SessionID] = time.Now()
	}

	d.forward(ctx, events)

	d.lastPollMs.Store(time.Now().UnixMilli())
	log.Debug().
		Int("cycle", cycle).
		Int("sessions", len(records)).
		Int("events", len(events)).
		Dur("elapsed", time.Since(start)).
		Msg("daemon: poll cycle complete")

	return nil
}

// forward submits each event independently; one failed event never aborts
// submission of its siblings.
func (d *Daemon) forward(ctx context.Context, events []telemetry.Event) {
	ingested := 0
	for _, ev := range events {
		if err := d.fwd.Push(ctx, ev); err != nil {
			d.metrics.ForwardFailures.Inc()
			log.Error().Err(err).
				Str("agent_name", ev.AgentName).
				Str("session_id", ev.SessionID).
				Msg("daemon: event forwarding failed")
			continue
		}
		ingested++
		d.metrics.EventsIngested.Inc()
	}

	if ingested > 0 {
		total := d.totalEvents.Add(int64(ingested))
		log.Info().
			Int("ingested", ingested).
			Int64("total", total).
			Msg("daemon: ingested events")
	}
}

func (d *Daemon) pruneSeen() {
	cutoff := time.Now().Add(-d.cfg.SeenTTL)
	for sessionID, reportedAt := range d.seen {
		if reportedAt.Before(cutoff) {
			delete(d.seen, sessionID)
		}
	}
}

// shutdown releases the source's and the ingestion client's connections.
func (d *Daemon) shutdown() {
	if err := d.source.Close(); err != nil {
		log.Error().Err(err).Msg("daemon: source close failed")
	}
	if err := d.fwd.Close(); err != nil {
		log.Error().Err(err).Msg("daemon: ingest client close failed")
	}
	log.Info().Int64("total_events_ingested", d.totalEvents.Load()).Msg("daemon: stopped")
}
