package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probeops/warden/internal/config"
	"github.com/probeops/warden/internal/telemetry"
	"github.com/probeops/warden/pkg/api"
)

// ErrTransient marks poll/submit failures worth backing off and retrying:
// transport errors and server-side 5xx. Distinct from "no tasks available",
// which is a successful empty poll.
var ErrTransient = errors.New("controller: transient failure")

// Client talks to the controller's v0 HTTP API. Poll performs a single
// attempt and lets the agent loop own the backoff; Submit retries
// internally up to the configured attempt budget.
type Client struct {
	baseURL string
	token   string
	agentID string

	direct *http.Client
	retry  *retryableClient
}

// New builds a client for the configured controller endpoint. TLS settings
// (private CA, optional client cert) apply to both the direct and the
// retrying transport.
func New(cfg config.Config, agentID string) (*Client, error) {
	base := strings.TrimRight(cfg.Controller.URL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("controller url: %w", err)
	}
	transport, err := buildTransport(cfg.Controller.TLS)
	if err != nil {
		return nil, err
	}
	direct := &http.Client{Timeout: 30 * time.Second, Transport: transport}
	return &Client{
		baseURL: base,
		token:   cfg.Controller.Token,
		agentID: agentID,
		direct:  direct,
		retry:   &retryableClient{client: direct, policy: PolicyFromConfig(cfg.Retry)},
	}, nil
}

// Register announces the agent. The controller may assign a different id;
// the returned id is authoritative.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (string, error) {
	var resp api.RegisterResponse
	if err := c.post(ctx, c.retry, "/v0/agents/register", req, &resp); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	if resp.AgentID == "" {
		resp.AgentID = req.AgentID
	}
	c.agentID = resp.AgentID
	return resp.AgentID, nil
}

// SubmitCapabilities reports which tool binaries this host can run.
func (c *Client) SubmitCapabilities(ctx context.Context, report api.CapabilityReport) error {
	path := "/v0/agents/" + url.PathEscape(c.agentID) + "/capabilities"
	if err := c.post(ctx, c.retry, path, report, nil); err != nil {
		return fmt.Errorf("submit capabilities: %w", err)
	}
	return nil
}

// Poll fetches pending tasks. An empty page means no work. Transport and
// server failures come back wrapped in ErrTransient so the caller can
// apply backoff without treating them as fatal.
func (c *Client) Poll(ctx context.Context) ([]api.TaskSpec, error) {
	path := "/v0/agents/" + url.PathEscape(c.agentID) + "/tasks"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.direct.Do(req)
	if err != nil {
		telemetry.Counter("warden_poll_errors", 1, nil)
		return nil, fmt.Errorf("%w: poll: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var page api.TaskPage
	if err := decodeEnvelope(resp, &page); err != nil {
		if resp.StatusCode >= 500 {
			telemetry.Counter("warden_poll_errors", 1, nil)
			return nil, fmt.Errorf("%w: poll: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	if len(page.Tasks) > 0 {
		log.Debug().Int("count", len(page.Tasks)).Msg("polled tasks")
	}
	return page.Tasks, nil
}

// Submit sends one result, retrying with backoff up to the attempt budget.
// Exhausted retries surface as ErrTransient; the caller decides whether to
// spool or drop the result.
func (c *Client) Submit(ctx context.Context, res api.Result) error {
	if err := c.post(ctx, c.retry, "/v0/results", res, nil); err != nil {
		telemetry.Counter("warden_submit_failures", 1, nil)
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: submit %s: %v", ErrTransient, res.TaskID, err)
		}
		return err
	}
	telemetry.Counter("warden_results_submitted", 1, map[string]string{"outcome": string(res.Outcome)})
	return nil
}

// Heartbeat reports liveness and load. A single attempt; skipped beats are
// harmless.
func (c *Client) Heartbeat(ctx context.Context, hb api.HeartbeatRequest) error {
	path := "/v0/agents/" + url.PathEscape(c.agentID) + "/heartbeat"
	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp, err := c.direct.Do(req)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, nil)
}

func (c *Client) post(ctx context.Context, rc *retryableClient, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	resp, err := rc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

// decodeEnvelope unwraps the controller's {code, data, title} response.
// Non-2xx responses become errors carrying the server-provided title.
func decodeEnvelope(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env api.Envelope
		if json.Unmarshal(raw, &env) == nil && env.Title != "" {
			return fmt.Errorf("controller: %d %s", resp.StatusCode, env.Title)
		}
		return fmt.Errorf("controller: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
