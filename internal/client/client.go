// ABOUTME: Typed HTTP client for the gateway API
// ABOUTME: Used by fabricore-admin; every non-2xx reply becomes an *APIError

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the gateway at baseURL. A nil httpClient uses a
// client without a timeout, since chat requests last as long as an episode.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the gateway address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health returns nil when the gateway answers /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Agents lists every known agent.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out, err
}

// Policy returns an agent's security policy document.
func (c *Client) Policy(ctx context.Context, agentID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/policy", nil, &out)
	return out, err
}

// SetPolicy replaces an agent's policy. doc may contain JSONC comments.
func (c *Client) SetPolicy(ctx context.Context, agentID string, doc []byte) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodPut, "/api/agents/"+url.PathEscape(agentID)+"/policy", doc, &out)
	return out, err
}

// Audit lists audit records, newest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	v := url.Values{}
	if q.AgentID != "" {
		v.Set("agent_id", q.AgentID)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/audit"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []AuditRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Chat runs one loop episode and waits for it to finish or pause.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Outcome, error) {
	var out Outcome
	if err := c.do(ctx, http.MethodPost, "/api/chat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sessions lists chat sessions, most recently updated first.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// Messages returns a session's turns in order and marks it read.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &out)
	return out, err
}

// Approvals lists approvals with the given status ("" means pending).
func (c *Client) Approvals(ctx context.Context, status string) ([]Approval, error) {
	path := "/api/approvals"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []Approval
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Approve approves a paused invocation and resumes its episode.
func (c *Client) Approve(ctx context.Context, approvalID, decidedBy string) (*Outcome, error) {
	return c.decide(ctx, approvalID, "approve", decidedBy)
}

// Deny rejects a paused invocation.
func (c *Client) Deny(ctx context.Context, approvalID, decidedBy string) (*Outcome, error) {
	return c.decide(ctx, approvalID, "deny", decidedBy)
}

func (c *Client) decide(ctx context.Context, approvalID, action, decidedBy string) (*Outcome, error) {
	var out Outcome
	path := "/api/approvals/" + url.PathEscape(approvalID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, DecisionRequest{DecidedBy: decidedBy}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Schedules lists all schedules.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/api/schedules", nil, &out)
	return out, err
}

// CreateSchedule adds a schedule.
func (c *Client) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*Schedule, error) {
	var out Schedule
	if err := c.do(ctx, http.MethodPost, "/api/schedules", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSchedule removes a schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/schedules/"+url.PathEscape(id), nil, nil)
}

// RunSchedule runs a schedule immediately and waits for the episode.
func (c *Client) RunSchedule(ctx context.Context, id string) (*Outcome, error) {
	var out Outcome
	if err := c.do(ctx, http.MethodPost, "/api/schedules/"+url.PathEscape(id)+"/run", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchURL returns the WebSocket URL streaming a session's turns.
func (c *Client) WatchURL(sessionID string) string {
	u := c.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/watch"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Since formats a timestamp relative to now for CLI tables.
func Since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Local().Format("2006-01-02 15:04")
}
