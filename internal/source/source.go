package source

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

// ErrUnavailable is returned when a strategy cannot reach the runtime at all.
// An empty session list is a normal result, not an ErrUnavailable.
var ErrUnavailable = errors.New("source: runtime unavailable") //nolint:gochecknoglobals // sentinel error

// Query narrows a session snapshot request.
type Query struct {
	// Kinds filters to the given session kinds. Empty means all kinds.
	Kinds []telemetry.Kind
	// Limit caps the number of returned records. Must be positive.
	Limit int
	// ActiveWithin keeps only sessions updated within the window. Zero
	// disables the recency filter.
	ActiveWithin time.Duration
}

// Source retrieves a snapshot of currently-known sessions from the agent
// runtime. Implementations normalize every record into telemetry.Raw so the
// extractor never branches on the transport that observed it.
type Source interface {
	Sessions(ctx context.Context, q Query) ([]telemetry.Raw, error)
	Close() error
}

func (q Query) wantsKind(k telemetry.Kind) bool {
	if len(q.Kinds) == 0 {
		return true
	}
	for _, want := range q.Kinds {
		if want == k {
			return true
		}
	}
	return false
}

func kindsParam(kinds []telemetry.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ",")
}
