// Package ingest is the client for the trace-ingestion service. Each
// telemetry event becomes two independent calls: one creating a trace and
// one attaching usage/cost to it.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

const tracesPath = "/api/traces"

// Client talks to the ingestion service. Calls are rate limited so a
// burst of first-seen sessions cannot hammer the service, and each call
// carries its own timeout so one slow request cannot stall a poll cycle.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Client. rps bounds outgoing requests per second with a
// burst of twice that.
func New(baseURL string, timeout time.Duration, rps float64) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps*2)),
	}
}

// Push forwards one event: create the trace, then attach usage and cost.
// The two calls are independent; a usage failure does not undo the trace.
func (c *Client) Push(ctx context.Context, ev telemetry.Event) error {
	traceID, err := c.CreateTrace(ctx, ev)
	if err != nil {
		return fmt.Errorf("ingest.Client.Push: %w", err)
	}

	if err := c.RecordUsage(ctx, traceID, ev); err != nil {
		return fmt.Errorf("ingest.Client.Push: %w", err)
	}

	return nil
}

// CreateTrace registers a trace for the event and returns the identifier
// the service assigned to it.
func (c *Client) CreateTrace(ctx context.Context, ev telemetry.Event) (string, error) {
	payload := map[string]any{
		"agent_id":      ev.AgentID,
		"environment":   "production",
		"task_type":     metaString(ev.Metadata, "kind"),
		"input_summary": ev.AgentName,
		"attributes": map[string]any{
			"session_id": ev.SessionID,
			"trace_id":   ev.TraceID,
			"label":      metaString(ev.Metadata, "label"),
			"channel":    metaString(ev.Metadata, "channel"),
		},
	}

	body, err := c.post(ctx, c.baseURL+tracesPath, payload)
	if err != nil {
		return "", fmt.Errorf("ingest.Client.CreateTrace: %w", err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("ingest.Client.CreateTrace: decode response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("ingest.Client.CreateTrace: service returned no trace id")
	}

	return created.ID, nil
}

// RecordUsage attaches token usage and estimated cost to a created trace.
func (c *Client) RecordUsage(ctx context.Context, traceID string, ev telemetry.Event) error {
	payload := map[string]any{
		"trace_id":      traceID,
		"input_tokens":  ev.InputTokens,
		"output_tokens": ev.OutputTokens,
		"model":         ev.Model,
		"amount":        EstimateCost(ev.Model, ev.InputTokens, ev.OutputTokens),
		"currency":      "USD",
	}

	_, err := c.post(ctx, c.baseURL+tracesPath+"/"+traceID+"/events", payload)
	if err != nil {
		return fmt.Errorf("ingest.Client.RecordUsage: %w", err)
	}

	return nil
}

// Ping checks reachability of the ingestion service. Any HTTP response
// counts as reachable; only transport errors fail.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", http.NoBody)
	if err != nil {
		return fmt.Errorf("ingest.Client.Ping: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingest.Client.Ping: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return nil
}

// Close releases pooled connections to the ingestion service.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	return body, nil
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
