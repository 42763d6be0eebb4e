// ABOUTME: Tests for the typed gateway API client
// ABOUTME: Runs requests against an httptest server and checks paths, bodies, and errors

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fabricore-gateway/internal/store"
)

func TestClientRequests(t *testing.T) {
	var gotMethod, gotPath, gotQuery string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotQuery = r.Method, r.URL.EscapedPath(), r.URL.RawQuery
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/agents":
			_, _ = w.Write([]byte(`[{"id":"a1","online":true,"status":"online"}]`))
		case "/api/chat", "/api/approvals/ap-1/approve", "/api/approvals/ap-1/deny":
			_, _ = w.Write([]byte(`{"session_id":"s1","state":"done","turns":2}`))
		case "/api/schedules/s 1":
			w.WriteHeader(http.StatusNoContent)
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	ctx := context.Background()

	agents, err := c.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)
	assert.True(t, agents[0].Online)

	out, err := c.Chat(ctx, ChatRequest{Message: "hi", AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/chat", gotPath)
	assert.JSONEq(t, `{"message":"hi","agent_id":"a1"}`, string(gotBody))
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "done", out.State)

	_, err = c.Approve(ctx, "ap-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "/api/approvals/ap-1/approve", gotPath)
	assert.JSONEq(t, `{"decided_by":"alice"}`, string(gotBody))

	_, err = c.Deny(ctx, "ap-1", "")
	require.NoError(t, err)
	assert.Equal(t, "/api/approvals/ap-1/deny", gotPath)

	_, err = c.Audit(ctx, AuditQuery{AgentID: "a1", Status: "error", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "/api/audit", gotPath)
	assert.Equal(t, "agent_id=a1&limit=5&status=error", gotQuery)

	_, err = c.SetPolicy(ctx, "a1", []byte("{ // comment\n\"hitl_enabled\": true}"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/agents/a1/policy", gotPath)
	assert.Contains(t, string(gotBody), "// comment", "policy bodies are sent verbatim")

	require.NoError(t, c.DeleteSchedule(ctx, "s 1"))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/schedules/s%201", gotPath)
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "session not found"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Messages(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "session not found", apiErr.Message)
	assert.True(t, IsNotFound(err))
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no agents connected", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, nil).Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no agents connected", apiErr.Message)
	assert.False(t, IsNotFound(err))
}

func TestWatchURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/api/sessions/s1/watch", New("http://localhost:8080", nil).WatchURL("s1"))
	assert.Equal(t, "wss://gw.ts.net/api/sessions/s1/watch", New("https://gw.ts.net/", nil).WatchURL("s1"))
}

func TestFromStoreConversions(t *testing.T) {
	now := time.Now().UTC()
	a := AgentFromStore(&store.Agent{ID: "a1", Status: store.AgentStatusOffline, LastSeen: now}, false, nil)
	assert.Equal(t, []string{}, a.Capabilities)
	assert.False(t, a.Online)

	data, err := json.Marshal(ApprovalFromStore(&store.PendingApproval{
		ID: "ap", ToolName: "run_command", Status: store.ApprovalPending, CreatedAt: now,
	}))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"pending"`)
	assert.NotContains(t, string(data), "decided_at")
}
