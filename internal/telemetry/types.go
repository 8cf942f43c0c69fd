package telemetry

import "time"

// Kind is the category of a runtime session as reported by the gateway.
type Kind string

const (
	KindMain     Kind = "main"
	KindSubagent Kind = "subagent"
	KindCron     Kind = "cron"
	KindGroup    Kind = "group"
	KindUnknown  Kind = "unknown"
)

// ValidKinds is the canonical set of known session kinds.
var ValidKinds = []Kind{ //nolint:gochecknoglobals // canonical enum list
	KindMain,
	KindSubagent,
	KindCron,
	KindGroup,
	KindUnknown,
}

// ParseKind maps a raw kind string onto the known set, defaulting to unknown.
func ParseKind(s string) Kind {
	for _, k := range ValidKinds {
		if s == string(k) {
			return k
		}
	}
	return KindUnknown
}

// Status is the inferred run state of a session at observation time.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// EventType classifies a telemetry event for the ingestion service.
type EventType string

const (
	EventExecution  EventType = "execution"
	EventCompletion EventType = "completion"
	EventError      EventType = "error"
)

// Raw is the normalized session record both Source strategies produce.
// The gateway strategy fills it from the wire JSON; the log-dir strategy
// reconstructs it from the tail of the session log. Extraction is
// strategy-independent because both conform to this one shape.
type Raw struct {
	SessionID     string
	Key           string
	AgentID       string
	Kind          string
	Label         string
	TotalTokens   int
	ContextTokens int
	Model         string
	Channel       string
	UpdatedAt     int64 // epoch milliseconds
	Aborted       bool  // explicit abort marker on the last run
	LastRole      string
	LastMessageAt int64 // epoch milliseconds, 0 when unknown
}

// Session is the well-typed snapshot of one session at poll time.
// Constructed fresh on every poll, never mutated.
type Session struct {
	SessionID     string
	Key           string
	AgentID       string
	Kind          Kind
	Label         string
	Status        Status
	TotalTokens   int
	ContextTokens int
	Model         string
	UpdatedAt     int64 // epoch milliseconds
	LastMessageAt int64 // epoch milliseconds, 0 when unknown
	Channel       string
}

// Event is one unit of work for the ingestion service. Created by the mapper
// from exactly one Session, consumed once by the daemon's forwarding step.
type Event struct {
	AgentName    string
	AgentID      string
	EventType    EventType
	TraceID      string
	SessionID    string
	InputTokens  int
	OutputTokens int
	Model        string
	Status       Status
	Metadata     map[string]any
	Timestamp    time.Time
}
