package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tracerelay/internal/telemetry"
)

const gatewaySessionsPath = "/api/sessions"

// Gateway queries the runtime's administrative HTTP endpoint for live
// sessions, falling back to the runtime's control CLI when the endpoint is
// unreachable or returns a body that does not parse. Only when both
// transports fail does Sessions return ErrUnavailable.
type Gateway struct {
	baseURL string
	cliPath string
	client  *http.Client
	timeout time.Duration
}

// NewGateway creates a remote-query source. cliPath names the runtime
// control binary used as a fallback transport; timeout bounds each HTTP
// call and each CLI invocation so a hung gateway or control binary
// cannot stall a poll cycle.
func NewGateway(baseURL, cliPath string, timeout time.Duration) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		cliPath: cliPath,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Sessions implements Source.
func (g *Gateway) Sessions(ctx context.Context, q Query) ([]telemetry.Raw, error) {
	records, err := g.fetchHTTP(ctx, q)
	if err == nil {
		return records, nil
	}
	log.Debug().Err(err).Msg("source.Gateway: HTTP query failed, trying CLI")

	records, cliErr := g.fetchCLI(ctx, q)
	if cliErr != nil {
		return nil, fmt.Errorf("source.Gateway.Sessions: http: %v, cli: %v: %w", err, cliErr, ErrUnavailable)
	}
	return records, nil
}

// Close releases pooled connections to the gateway.
func (g *Gateway) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

func (g *Gateway) fetchHTTP(ctx context.Context, q Query) ([]telemetry.Raw, error) {
	u, err := url.Parse(g.baseURL + gatewaySessionsPath)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	if len(q.Kinds) > 0 {
		params.Set("kinds", kindsParam(q.Kinds))
	}
	if q.ActiveWithin > 0 {
		params.Set("activeMinutes", strconv.Itoa(int(q.ActiveWithin.Minutes())))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return decodeSessions(body)
}

func (g *Gateway) fetchCLI(ctx context.Context, q Query) ([]telemetry.Raw, error) {
	args := []string{"sessions", "list", "--limit=" + strconv.Itoa(q.Limit)}
	if len(q.Kinds) > 0 {
		args = append(args, "--kinds="+kindsParam(q.Kinds))
	}
	if q.ActiveWithin > 0 {
		args = append(args, "--activeMinutes="+strconv.Itoa(int(q.ActiveWithin.Minutes())))
	}

	// The daemon's context is long-lived, so give the subprocess its own
	// deadline; a blocked control binary is killed, not waited on.
	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, g.cliPath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", g.cliPath, err)
	}

	return decodeSessions(out)
}

// wireSession is the loosely-typed record shape the gateway and its CLI
// both emit. Zero sessions decode to an empty slice, never an error.
type wireSession struct {
	SessionID      string        `json:"sessionId"`
	Key            string        `json:"key"`
	AgentID        string        `json:"agentId"`
	Kind           string        `json:"kind"`
	Label          string        `json:"label"`
	TotalTokens    int           `json:"totalTokens"`
	ContextTokens  int           `json:"contextTokens"`
	Model          string        `json:"model"`
	Channel        string        `json:"channel"`
	UpdatedAt      int64         `json:"updatedAt"`
	AbortedLastRun bool          `json:"abortedLastRun"`
	Messages       []wireMessage `json:"messages"`
}

type wireMessage struct {
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
}

// decodeSessions accepts both response shapes the gateway is known to
// produce: a bare JSON array, or an object wrapping it as {"sessions": [...]}.
func decodeSessions(body []byte) ([]telemetry.Raw, error) {
	var list []wireSession
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			Sessions []wireSession `json:"sessions"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
		list = wrapped.Sessions
	}

	records := make([]telemetry.Raw, 0, len(list))
	for _, ws := range list {
		records = append(records, ws.toRaw())
	}
	return records, nil
}

func (ws wireSession) toRaw() telemetry.Raw {
	raw := telemetry.Raw{
		SessionID:     ws.SessionID,
		Key:           ws.Key,
		AgentID:       ws.AgentID,
		Kind:          ws.Kind,
		Label:         ws.Label,
		TotalTokens:   ws.TotalTokens,
		ContextTokens: ws.ContextTokens,
		Model:         ws.Model,
		Channel:       ws.Channel,
		UpdatedAt:     ws.UpdatedAt,
		Aborted:       ws.AbortedLastRun,
	}
	if n := len(ws.Messages); n > 0 {
		last := ws.Messages[n-1]
		raw.LastRole = last.Role
		raw.LastMessageAt = last.Timestamp
	}
	return raw
}
