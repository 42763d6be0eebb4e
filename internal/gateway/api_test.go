// ABOUTME: Tests for the HTTP API: health, agents, policy, audit, chat, approvals, and schedules
// ABOUTME: Runs full episodes against a scripted generator and a fake WebSocket agent

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fabricore-gateway/internal/client"
	"github.com/2389/fabricore-gateway/internal/llm"
	"github.com/2389/fabricore-gateway/internal/protocol"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/2389/fabricore-gateway/internal/tools"
)

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	return decode[client.ErrorResponse](t, data).Error
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	status, _ := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "no agents connected", errorMessage(t, body))

	connectAgent(t, env, "web-01")
	status, _ = env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestListAgents(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.UpsertAgent(context.Background(), &store.Agent{
		ID: "db-01", Hostname: "db-01.internal", Status: store.AgentStatusOffline,
	}))
	connectAgent(t, env, "web-01")

	status, body := env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, status)

	agents := decode[[]client.Agent](t, body)
	require.Len(t, agents, 2)
	byID := map[string]client.Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	assert.True(t, byID["web-01"].Online)
	assert.NotNil(t, byID["web-01"].ConnectedAt)
	assert.Equal(t, "linux", byID["web-01"].Platform)
	assert.False(t, byID["db-01"].Online)
	assert.Nil(t, byID["db-01"].ConnectedAt)
	assert.Equal(t, []string{}, byID["db-01"].Capabilities)
}

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	a := connectAgent(t, env, "web-01")
	require.Eventually(t, func() bool {
		return len(a.received(protocol.MethodUpdatePolicy)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status, body := env.do(t, http.MethodGet, "/api/agents/web-01/policy", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"hitl_enabled":false,"blocked_commands":[],"requires_approval_for":[]}`, string(body))

	status, body = env.do(t, http.MethodPut, "/api/agents/web-01/policy", `{
		// production box
		"hitl_enabled": true,
		"blocked_commands": ["RM", " shutdown "],
		"requires_approval_for": ["run_command"],
	}`)
	require.Equal(t, http.StatusOK, status, string(body))
	want := `{"hitl_enabled":true,"blocked_commands":["rm","shutdown"],"requires_approval_for":["run_command"]}`
	assert.JSONEq(t, want, string(body))

	status, body = env.do(t, http.MethodGet, "/api/agents/web-01/policy", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, want, string(body))

	// the online agent receives the new document
	require.Eventually(t, func() bool {
		return len(a.received(protocol.MethodUpdatePolicy)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	var params protocol.UpdatePolicyParams
	require.NoError(t, json.Unmarshal(a.received(protocol.MethodUpdatePolicy)[1].Params, &params))
	assert.JSONEq(t, want, string(params.Policy))

	status, body = env.do(t, http.MethodPut, "/api/agents/web-01/policy", `{"hitl_enabled": "yes"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, errorMessage(t, body), "parsing security policy")
}

func TestChat_ToolRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil,
		toolReply(tools.GetSystemInfo, map[string]any{"agent_id": "web-01"}),
		&llm.Response{Content: "web-01 looks healthy."},
	)
	a := connectAgent(t, env, "web-01")

	status, body := env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "How is web-01 doing?"})
	require.Equal(t, http.StatusOK, status, string(body))
	out := decode[client.Outcome](t, body)
	assert.Equal(t, "done", out.State)
	assert.Equal(t, "web-01 looks healthy.", out.Content)
	assert.Equal(t, 2, out.Turns)

	calls := a.received(protocol.MethodToolExecute)
	require.Len(t, calls, 1)
	var params protocol.ToolExecuteParams
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.Equal(t, tools.GetSystemInfo, params.ToolName)
	assert.NotContains(t, params.Arguments, "agent_id")
	assert.NotEmpty(t, params.ExecutionID)

	status, body = env.do(t, http.MethodGet, "/api/audit?agent_id=web-01&status=success", nil)
	require.Equal(t, http.StatusOK, status)
	var found bool
	for _, rec := range decode[[]client.AuditRecord](t, body) {
		if rec.ToolName == tools.GetSystemInfo {
			found = true
			assert.JSONEq(t, `{"output":"get_system_info ran on web-01"}`, string(rec.Result))
		}
	}
	assert.True(t, found, "tool call should be audited")

	status, body = env.do(t, http.MethodGet, "/api/sessions/"+out.SessionID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := decode[[]client.Message](t, body)
	require.NotEmpty(t, msgs)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "web-01 looks healthy.", msgs[len(msgs)-1].Content)
}

func TestChat_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "message is required", errorMessage(t, body))

	status, _ = env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "hi", SessionID: "missing"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/api/chat", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/chat", `{"message":"hi","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestApprovals_PauseApproveResume(t *testing.T) {
	env := newTestEnv(t, nil,
		toolReply(tools.RunCommand, map[string]any{"agent_id": "web-01", "command": "systemctl restart nginx"}),
		&llm.Response{Content: "nginx restarted."},
	)
	a := connectAgent(t, env, "web-01")

	status, _ := env.do(t, http.MethodPut, "/api/agents/web-01/policy",
		`{"hitl_enabled": true, "requires_approval_for": ["systemctl"]}`)
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "restart nginx on web-01"})
	require.Equal(t, http.StatusOK, status, string(body))
	out := decode[client.Outcome](t, body)
	require.Equal(t, "paused", out.State)
	require.NotEmpty(t, out.ApprovalID)
	assert.Empty(t, a.received(protocol.MethodToolExecute), "paused call must not reach the agent")

	status, body = env.do(t, http.MethodGet, "/api/approvals", nil)
	require.Equal(t, http.StatusOK, status)
	pending := decode[[]client.Approval](t, body)
	require.Len(t, pending, 1)
	assert.Equal(t, out.ApprovalID, pending[0].ID)
	assert.Equal(t, tools.RunCommand, pending[0].ToolName)
	assert.Equal(t, "pending", pending[0].Status)

	status, body = env.do(t, http.MethodPost, "/api/approvals/"+out.ApprovalID+"/approve", client.DecisionRequest{DecidedBy: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))
	resumed := decode[client.Outcome](t, body)
	assert.Equal(t, "done", resumed.State)
	assert.Equal(t, "nginx restarted.", resumed.Content)
	assert.Equal(t, out.SessionID, resumed.SessionID)

	calls := a.received(protocol.MethodToolExecute)
	require.Len(t, calls, 1)
	var params protocol.ToolExecuteParams
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.Equal(t, "alice", params.ApprovedBy)
	assert.Equal(t, "systemctl restart nginx", params.Arguments["command"])

	status, _ = env.do(t, http.MethodPost, "/api/approvals/"+out.ApprovalID+"/deny", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = env.do(t, http.MethodGet, "/api/approvals?status=approved", nil)
	require.Equal(t, http.StatusOK, status)
	decided := decode[[]client.Approval](t, body)
	require.Len(t, decided, 1)
	assert.Equal(t, "alice", decided[0].DecidedBy)
}

func TestApprovals_Deny(t *testing.T) {
	env := newTestEnv(t, nil,
		toolReply(tools.RunCommand, map[string]any{"agent_id": "web-01", "command": "reboot"}),
	)
	a := connectAgent(t, env, "web-01")
	status, _ := env.do(t, http.MethodPut, "/api/agents/web-01/policy",
		`{"hitl_enabled": true, "requires_approval_for": ["reboot"]}`)
	require.Equal(t, http.StatusOK, status)

	_, body := env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "reboot web-01"})
	out := decode[client.Outcome](t, body)
	require.Equal(t, "paused", out.State)

	status, body = env.do(t, http.MethodPost, "/api/approvals/"+out.ApprovalID+"/deny", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	denied := decode[client.Outcome](t, body)
	assert.Equal(t, "done", denied.State)
	assert.NotEmpty(t, denied.Content)
	assert.Empty(t, a.received(protocol.MethodToolExecute))
}

func TestApprovals_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	status, _ := env.do(t, http.MethodPost, "/api/approvals/nope/approve", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodGet, "/api/approvals?status=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := env.do(t, http.MethodGet, "/api/approvals?status=all", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestSessions_WatchStreamsTurns(t *testing.T) {
	env := newTestEnv(t, nil, &llm.Response{Content: "All quiet."})

	_, body := env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "status?"})
	first := decode[client.Outcome](t, body)

	status, body := env.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, status)
	sessions := decode[[]client.Session](t, body)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Unread, "nobody watched the episode")

	status, _ = env.do(t, http.MethodGet, "/api/sessions/"+first.SessionID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	sess, err := env.store.GetSession(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Unread, "reading messages marks the session read")

	status, _ = env.do(t, http.MethodGet, "/api/sessions/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodGet, "/api/sessions/missing/watch", nil)
	assert.Equal(t, http.StatusNotFound, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watch, _, err := websocket.Dial(ctx, env.wsURL("/api/sessions/"+first.SessionID+"/watch"), nil)
	require.NoError(t, err)
	defer watch.CloseNow()
	require.Eventually(t, func() bool {
		return env.gw.broadcaster.Watching(first.SessionID)
	}, 5*time.Second, 10*time.Millisecond)

	status, _ = env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{Message: "and now?", SessionID: first.SessionID})
	require.Equal(t, http.StatusOK, status)

	_, frame, err := watch.Read(ctx)
	require.NoError(t, err)
	msg := decode[client.Message](t, frame)
	assert.Equal(t, store.RoleUser, msg.Role)
	assert.Equal(t, "and now?", msg.Content)

	_, frame, err = watch.Read(ctx)
	require.NoError(t, err)
	msg = decode[client.Message](t, frame)
	assert.Equal(t, store.RoleAssistant, msg.Role)
	assert.Equal(t, "All quiet.", msg.Content)
}

func TestSchedules_CRUDAndRun(t *testing.T) {
	env := newTestEnv(t, nil, &llm.Response{Content: "Disk usage is fine."})

	status, body := env.do(t, http.MethodPost, "/api/schedules", client.CreateScheduleRequest{
		CronExpression: "every day", TaskInstruction: "check disks",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, errorMessage(t, body), "invalid cron expression")

	status, _ = env.do(t, http.MethodPost, "/api/schedules", client.CreateScheduleRequest{CronExpression: "*/5 * * * *"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodPost, "/api/schedules", client.CreateScheduleRequest{
		CronExpression:  "*/5 * * * *",
		TaskInstruction: "Check disk usage on every agent",
		AgentID:         "web-01",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decode[client.Schedule](t, body)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
	require.NotNil(t, created.NextRunAt)
	assert.Zero(t, created.NextRunAt.Minute()%5)

	status, body = env.do(t, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[[]client.Schedule](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	status, body = env.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/run", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	out := decode[client.Outcome](t, body)
	assert.Equal(t, "done", out.State)
	assert.Equal(t, "Disk usage is fine.", out.Content)

	sess, err := env.store.GetSession(context.Background(), out.SessionID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.Title, "[Scheduled] "), sess.Title)

	status, _ = env.do(t, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(t, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/run", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSchedules_InactiveHasNoNextRun(t *testing.T) {
	env := newTestEnv(t, nil)
	inactive := false
	status, body := env.do(t, http.MethodPost, "/api/schedules", client.CreateScheduleRequest{
		CronExpression:  "0 3 * * *",
		TaskInstruction: "rotate logs",
		Active:          &inactive,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decode[client.Schedule](t, body)
	assert.False(t, created.Active)
	assert.Nil(t, created.NextRunAt)
}

func TestAPI_Chat_BusySessionConflicts(t *testing.T) {
	gen := &scriptedGenerator{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	env := newTestEnvWithGenerator(t, nil, gen)
	ctx := context.Background()

	sess := &store.ChatSession{Title: "ops"}
	require.NoError(t, env.store.CreateSession(ctx, sess))
	approval := &store.PendingApproval{
		ExecutionID: "exec-1",
		AgentID:     "web-01",
		ToolName:    tools.RunCommand,
		Arguments:   map[string]any{"agent_id": "web-01", "command": "reboot"},
		SessionID:   sess.ID,
	}
	require.NoError(t, env.store.CreateApproval(ctx, approval))

	firstDone := make(chan int, 1)
	go func() {
		body, _ := json.Marshal(client.ChatRequest{SessionID: sess.ID, Message: "check disks"})
		resp, err := http.Post(env.srv.URL+"/api/chat", "application/json", bytes.NewReader(body))
		if err != nil {
			firstDone <- 0
			return
		}
		resp.Body.Close()
		firstDone <- resp.StatusCode
	}()
	<-gen.entered

	code, body := env.do(t, http.MethodPost, "/api/chat", client.ChatRequest{SessionID: sess.ID, Message: "and memory"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "session has an episode in progress", errorMessage(t, body))

	code, _ = env.do(t, http.MethodPost, "/api/approvals/"+approval.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, code)
	got, err := env.store.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, got.Status)

	close(gen.hold)
	assert.Equal(t, http.StatusOK, <-firstDone)
}
