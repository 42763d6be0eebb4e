// ABOUTME: HTTP API handlers for agents, policies, audit, chat, approvals, and schedules
// ABOUTME: Responses use the wire types in internal/client; errors are {"error": "..."}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/fabricore-gateway/internal/client"
	"github.com/2389/fabricore-gateway/internal/conversation"
	"github.com/2389/fabricore-gateway/internal/policy"
	"github.com/2389/fabricore-gateway/internal/scheduler"
	"github.com/2389/fabricore-gateway/internal/store"
)

const maxBodySize = 1 << 20

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": g.registry.Count(),
	})
}

// handleReady reports ready once at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Count()
	if n == 0 {
		g.sendJSONError(w, http.StatusServiceUnavailable, "no agents connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "agents": n})
}

// handleListAgents merges stored agents with the live registry.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("failed to list agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	connected := make(map[string]time.Time)
	for _, info := range g.registry.List() {
		connected[info.ID] = info.ConnectedAt
	}

	out := make([]client.Agent, 0, len(agents))
	for _, a := range agents {
		var connectedAt *time.Time
		at, online := connected[a.ID]
		if online {
			connectedAt = &at
		}
		out = append(out, client.AgentFromStore(a, online, connectedAt))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	p, err := g.policy.Policy(r.Context(), agentID)
	if err != nil {
		g.logger.Error("failed to load policy", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writePolicy(w, p)
}

// handleSetPolicy stores a JSONC policy document and pushes it to the agent
// if it is online.
func (g *Gateway) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	p, err := policy.Parse(body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := p.Document()
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := g.store.SetAgentPolicy(r.Context(), &store.AgentPolicy{
		AgentID:   agentID,
		Document:  doc,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		g.logger.Error("failed to store policy", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("policy updated", "agent_id", agentID, "hitl_enabled", p.HITLEnabled)

	if g.registry.IsOnline(agentID) {
		go func() {
			if err := g.sendPolicy(context.WithoutCancel(r.Context()), agentID, p); err != nil {
				g.logger.Warn("policy push failed", "agent_id", agentID, "error", err)
			}
		}()
	}

	g.writePolicy(w, p)
}

func (g *Gateway) writePolicy(w http.ResponseWriter, p policy.SecurityPolicy) {
	doc, err := p.Document()
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := g.store.ListAuditRecords(r.Context(), store.AuditFilter{
		AgentID: q.Get("agent_id"),
		Status:  store.AuditStatus(q.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		g.logger.Error("failed to list audit records", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]client.AuditRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, client.AuditFromStore(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChat runs one loop episode and replies with its outcome.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var req client.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := g.conversation.Start(r.Context(), conversation.StartRequest{
		SessionID:      req.SessionID,
		Message:        req.Message,
		SystemPrompt:   req.SystemPrompt,
		DefaultAgentID: req.AgentID,
	})
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, conversation.ErrSessionBusy):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		g.logger.Error("chat episode failed", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, outcomeToWire(out))
	}
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]client.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, client.SessionFromStore(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessionMessages returns a session's turns and marks it read.
func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	ctx := r.Context()

	if _, err := g.store.GetSession(ctx, sessionID); err != nil {
		g.sessionLookupError(w, sessionID, err)
		return
	}
	msgs, err := g.store.ListMessages(ctx, sessionID)
	if err != nil {
		g.logger.Error("failed to list messages", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := g.store.SetSessionUnread(ctx, sessionID, false); err != nil {
		g.logger.Warn("failed to mark session read", "session_id", sessionID, "error", err)
	}

	out := make([]client.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, client.MessageFromStore(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWatchSession streams new turns of a session over a WebSocket.
func (g *Gateway) handleWatchSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		g.sessionLookupError(w, sessionID, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Warn("watch accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer ws.CloseNow()

	// Watchers never send; CloseRead cancels ctx when the peer goes away
	ctx := ws.CloseRead(r.Context())
	msgs, _ := g.broadcaster.Subscribe(ctx, sessionID)
	g.logger.Debug("session watcher connected", "session_id", sessionID)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "gateway shutting down")
				return
			}
			data, err := json.Marshal(client.MessageFromStore(msg))
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				g.logger.Debug("session watcher write failed", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

func (g *Gateway) sessionLookupError(w http.ResponseWriter, sessionID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	g.logger.Error("failed to load session", "session_id", sessionID, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// handleListApprovals lists approvals; status defaults to pending and "all"
// lifts the filter.
func (g *Gateway) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	switch status {
	case "":
		status = string(store.ApprovalPending)
	case "all":
		status = ""
	case string(store.ApprovalPending), string(store.ApprovalApproved), string(store.ApprovalRejected):
	default:
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	approvals, err := g.store.ListApprovals(r.Context(), store.ApprovalStatus(status), limit)
	if err != nil {
		g.logger.Error("failed to list approvals", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]client.Approval, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, client.ApprovalFromStore(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDecision applies an approve or deny decision and resumes the episode.
func (g *Gateway) handleDecision(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvalID := r.PathValue("id")

		var req client.DecisionRequest
		if r.ContentLength != 0 {
			if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
				g.sendJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		out, err := g.conversation.Resume(r.Context(), approvalID, conversation.Decision{
			Approved:  approved,
			DecidedBy: req.DecidedBy,
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "approval not found")
		case errors.Is(err, conversation.ErrApprovalNotPending), errors.Is(err, conversation.ErrDecisionInFlight),
			errors.Is(err, conversation.ErrSessionBusy):
			g.sendJSONError(w, http.StatusConflict, err.Error())
		case err != nil:
			g.logger.Error("failed to apply decision", "approval_id", approvalID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		default:
			writeJSON(w, http.StatusOK, outcomeToWire(out))
		}
	}
}

func (g *Gateway) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := g.store.ListSchedules(r.Context(), false)
	if err != nil {
		g.logger.Error("failed to list schedules", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	now := time.Now()
	out := make([]client.Schedule, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, client.ScheduleFromStore(s, nextRun(s, now)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req client.CreateScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	sched := &store.Schedule{
		CronExpression:    req.CronExpression,
		TaskInstruction:   req.TaskInstruction,
		AgentID:           req.AgentID,
		UsePersistentChat: req.UsePersistentChat,
		Active:            active,
	}
	if err := g.scheduler.Create(r.Context(), sched); err != nil {
		if errors.Is(err, scheduler.ErrInvalidCron) || errors.Is(err, scheduler.ErrMissingTask) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("failed to create schedule", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.logger.Info("schedule created", "schedule_id", sched.ID, "cron", sched.CronExpression)
	writeJSON(w, http.StatusCreated, client.ScheduleFromStore(sched, nextRun(sched, time.Now())))
}

func (g *Gateway) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.store.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "schedule not found")
			return
		}
		g.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunSchedule runs a schedule now and waits for the episode.
func (g *Gateway) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := g.scheduler.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, conversation.ErrSessionBusy):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		g.logger.Error("failed to run schedule", "schedule_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, outcomeToWire(out))
	}
}

// nextRun returns when an active schedule fires next, or nil.
func nextRun(s *store.Schedule, now time.Time) *time.Time {
	if !s.Active {
		return nil
	}
	next, err := scheduler.NextRun(s.CronExpression, now)
	if err != nil {
		return nil
	}
	return &next
}

func outcomeToWire(o *conversation.Outcome) client.Outcome {
	return client.Outcome{
		SessionID:  o.SessionID,
		State:      string(o.State),
		ApprovalID: o.ApprovalID,
		Reason:     o.Reason,
		Content:    o.Content,
		Turns:      o.Turns,
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty: %w", err)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func queryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, client.ErrorResponse{Error: message})
}
