// ABOUTME: Agent Loop Controller running the bounded generate, execute, observe cycle
// ABOUTME: Every turn is persisted before the loop moves on, so a paused episode can resume from storage

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fabricore-gateway/internal/dedupe"
	"github.com/2389/fabricore-gateway/internal/llm"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/2389/fabricore-gateway/internal/tools"
)

const (
	// DefaultMaxTurns bounds an interactive episode.
	DefaultMaxTurns = 15

	// DefaultSystemPrompt is used when neither the request nor the session carries one.
	DefaultSystemPrompt = "You are FabriCore, an AI assistant that manages remote systems through connected agents."

	decisionClaimTTL = 10 * time.Minute
	persistTimeout   = 5 * time.Second
)

var (
	// ErrEmptyMessage is returned when Start is called without a message.
	ErrEmptyMessage = errors.New("message is required")

	// ErrApprovalNotPending is returned by Resume when the approval was already decided.
	ErrApprovalNotPending = errors.New("approval is not pending")

	// ErrDecisionInFlight is returned by Resume when another decision for the
	// same approval is being applied.
	ErrDecisionInFlight = errors.New("approval decision already in progress")

	// ErrSessionBusy is returned when another episode is running on the session.
	ErrSessionBusy = errors.New("session has an episode in progress")
)

// State is where an episode ended up.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateDone    State = "done"
	StateAborted State = "aborted"
)

// Abort reasons.
const (
	AbortMaxTurns          = "max_turns_exceeded"
	AbortGenerationFailed  = "generation_failed"
	AbortPersistenceFailed = "persistence_failed"
)

// Store is the persistence the controller needs.
type Store interface {
	store.ChatStore
	store.ApprovalStore
}

// ToolRunner executes catalog tools.
type ToolRunner interface {
	Execute(ctx context.Context, inv tools.Invocation) tools.Result
}

// Watchers reports whether a human is looking at a session.
type Watchers interface {
	Watching(sessionID string) bool
}

// Config contains the collaborators of a Controller.
type Config struct {
	Store        Store
	Generator    llm.Generator
	Tools        ToolRunner
	Broadcaster  *EventBroadcaster // optional
	Watchers     Watchers          // defaults to Broadcaster
	Guard        *dedupe.Guard     // optional, created when nil
	MaxTurns     int
	SystemPrompt string
	Logger       *slog.Logger
}

// Controller drives agent loop episodes.
type Controller struct {
	store        Store
	generator    llm.Generator
	tools        ToolRunner
	broadcaster  *EventBroadcaster
	watchers     Watchers
	guard        *dedupe.Guard
	ownsGuard    bool
	maxTurns     int
	systemPrompt string
	catalog      []llm.Tool
	logger       *slog.Logger

	// pauseMu serializes find-or-create of pending approvals
	pauseMu sync.Mutex

	sessionMu sync.Mutex
	running   map[string]struct{} // sessions with an episode in progress
}

// NewController creates a new Controller.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:        cfg.Store,
		generator:    cfg.Generator,
		tools:        cfg.Tools,
		broadcaster:  cfg.Broadcaster,
		watchers:     cfg.Watchers,
		guard:        cfg.Guard,
		maxTurns:     cfg.MaxTurns,
		systemPrompt: cfg.SystemPrompt,
		catalog:      catalogTools(),
		logger:       logger.With("component", "conversation"),
		running:      make(map[string]struct{}),
	}
	if c.watchers == nil && c.broadcaster != nil {
		c.watchers = c.broadcaster
	}
	if c.guard == nil {
		c.guard = dedupe.New(decisionClaimTTL, 10_000)
		c.ownsGuard = true
	}
	if c.maxTurns <= 0 {
		c.maxTurns = DefaultMaxTurns
	}
	if c.systemPrompt == "" {
		c.systemPrompt = DefaultSystemPrompt
	}
	return c
}

// Close releases resources the controller created itself.
func (c *Controller) Close() {
	if c.ownsGuard {
		c.guard.Close()
	}
}

// StartRequest begins an episode.
type StartRequest struct {
	SessionID      string // empty creates a new session
	Message        string
	Title          string         // new sessions only, derived from Message when empty
	SystemPrompt   string         // overrides the session's prompt for this episode
	DefaultAgentID string         // injected into tool arguments lacking agent_id
	MaxTurns       int            // zero uses the controller default
	Metadata       map[string]any // attached to the opening user turn
}

// Decision is a human verdict on a pending approval.
type Decision struct {
	Approved  bool
	DecidedBy string
}

// Outcome describes how an episode ended.
type Outcome struct {
	SessionID  string `json:"session_id"`
	State      State  `json:"state"`
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Content    string `json:"content,omitempty"`
	Turns      int    `json:"turns"`
}

type episode struct {
	session      *store.ChatSession
	systemPrompt string
	agentID      string
	maxTurns     int
}

// Start persists the opening turn and runs the loop until it finishes,
// pauses, or aborts. Only setup failures are returned as errors; loop
// failures end in an Aborted outcome with a visible error turn.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Outcome, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	if req.SessionID != "" {
		if !c.claimSession(req.SessionID) {
			return nil, ErrSessionBusy
		}
		defer c.releaseSession(req.SessionID)
	}

	sess, err := c.ensureSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		// nobody else knows the new id yet
		c.claimSession(sess.ID)
		defer c.releaseSession(sess.ID)
	}

	ep := c.newEpisode(sess, req.SystemPrompt, req.DefaultAgentID, req.MaxTurns)
	if _, err := c.persist(ctx, sess.ID, store.RoleUser, req.Message, req.Metadata); err != nil {
		return nil, fmt.Errorf("recording user turn: %w", err)
	}

	history, err := c.loadHistory(ctx, ep)
	if err != nil {
		return nil, err
	}

	c.logger.Info("episode started", "session_id", sess.ID, "max_turns", ep.maxTurns)
	out := c.run(ctx, ep, history)
	c.finish(ctx, out)
	return out, nil
}

// Resume applies a decision to a pending approval. A rejection appends a
// denied turn and stops. An approval executes the recorded call with the
// decider as approver, records the observation, rebuilds history from
// storage, and continues the loop. Once the decision is recorded the episode
// runs to its end even if ctx is cancelled.
func (c *Controller) Resume(ctx context.Context, approvalID string, d Decision) (*Outcome, error) {
	key := "approval:" + approvalID
	if !c.guard.Claim(key) {
		return nil, ErrDecisionInFlight
	}
	defer c.guard.Release(key)

	approval, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("loading approval: %w", err)
	}
	if approval.Status != store.ApprovalPending {
		return nil, ErrApprovalNotPending
	}
	if approval.SessionID != "" {
		if !c.claimSession(approval.SessionID) {
			return nil, ErrSessionBusy
		}
		defer c.releaseSession(approval.SessionID)
	}

	decidedBy := d.DecidedBy
	if decidedBy == "" {
		decidedBy = "admin"
	}
	status := store.ApprovalRejected
	if d.Approved {
		status = store.ApprovalApproved
	}
	if err := c.store.DecideApproval(ctx, approvalID, status, decidedBy, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrAlreadyDecided) {
			return nil, ErrApprovalNotPending
		}
		return nil, fmt.Errorf("recording decision: %w", err)
	}
	c.logger.Info("approval decided", "approval_id", approvalID, "status", status, "decided_by", decidedBy)
	ctx = context.WithoutCancel(ctx)

	sess, err := c.store.GetSession(ctx, approval.SessionID)
	if err != nil {
		// decided, but there is no conversation to continue
		c.logger.Warn("approval has no session to resume", "approval_id", approvalID, "session_id", approval.SessionID, "error", err)
		return &Outcome{SessionID: approval.SessionID, State: StateDone, ApprovalID: approvalID}, nil
	}
	ep := c.newEpisode(sess, "", "", approval.MaxTurns)

	if !d.Approved {
		content := deniedContent(approval.ToolName)
		_, err := c.persist(ctx, sess.ID, store.RoleAssistant, content, map[string]any{
			"type":        TypeApprovalResult,
			"approval_id": approvalID,
			"status":      string(store.ApprovalRejected),
		})
		out := &Outcome{SessionID: sess.ID, State: StateDone, ApprovalID: approvalID, Content: content}
		if err != nil {
			out.State, out.Reason = StateAborted, AbortPersistenceFailed
		}
		c.finish(ctx, out)
		return out, nil
	}

	res := c.tools.Execute(ctx, tools.Invocation{
		Tool:        approval.ToolName,
		Arguments:   approval.Arguments,
		ApprovedBy:  decidedBy,
		ExecutionID: approval.ExecutionID,
	})
	if _, err := c.persist(ctx, sess.ID, store.RoleSystem, observationContent(res), map[string]any{
		"type":        TypeApprovalResult,
		"approval_id": approvalID,
		"status":      string(store.ApprovalApproved),
		"raw_result":  res,
	}); err != nil {
		out := &Outcome{SessionID: sess.ID, State: StateAborted, ApprovalID: approvalID, Reason: AbortPersistenceFailed}
		c.finish(ctx, out)
		return out, nil
	}

	history, err := c.loadHistory(ctx, ep)
	if err != nil {
		return nil, err
	}
	out := c.run(ctx, ep, history)
	c.finish(ctx, out)
	return out, nil
}

func (c *Controller) claimSession(id string) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if _, busy := c.running[id]; busy {
		return false
	}
	c.running[id] = struct{}{}
	return true
}

func (c *Controller) releaseSession(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	delete(c.running, id)
}

func (c *Controller) ensureSession(ctx context.Context, req StartRequest) (*store.ChatSession, error) {
	if req.SessionID != "" {
		sess, err := c.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		return sess, nil
	}

	title := req.Title
	if title == "" {
		title = SessionTitle(req.Message)
	}
	sess := &store.ChatSession{
		Title:        title,
		SystemPrompt: req.SystemPrompt,
		AgentID:      req.DefaultAgentID,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	c.logger.Debug("session created", "session_id", sess.ID, "title", sess.Title)
	return sess, nil
}

func (c *Controller) newEpisode(sess *store.ChatSession, systemPrompt, agentID string, maxTurns int) episode {
	ep := episode{session: sess, systemPrompt: systemPrompt, agentID: agentID, maxTurns: maxTurns}
	if ep.systemPrompt == "" {
		ep.systemPrompt = sess.SystemPrompt
	}
	if ep.systemPrompt == "" {
		ep.systemPrompt = c.systemPrompt
	}
	if ep.agentID == "" {
		ep.agentID = sess.AgentID
	}
	if ep.maxTurns <= 0 {
		ep.maxTurns = c.maxTurns
	}
	return ep
}

func (c *Controller) loadHistory(ctx context.Context, ep episode) ([]llm.Message, error) {
	turns, err := c.store.ListMessages(ctx, ep.session.ID)
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}
	return rebuildHistory(ep.systemPrompt, turns), nil
}

func (c *Controller) run(ctx context.Context, ep episode, history []llm.Message) *Outcome {
	sessionID := ep.session.ID
	out := &Outcome{SessionID: sessionID, State: StateRunning}

	for out.Turns < ep.maxTurns {
		out.Turns++

		resp, err := c.generator.Generate(ctx, history, c.catalog)
		if err != nil {
			c.logger.Error("generation failed", "session_id", sessionID, "turn", out.Turns, "error", err)
			return c.abort(ctx, out, AbortGenerationFailed, "Error: "+err.Error())
		}

		if resp.ToolCall == nil {
			if _, err := c.persist(ctx, sessionID, store.RoleAssistant, resp.Content, map[string]any{"type": TypeFinal}); err != nil {
				return c.abort(ctx, out, AbortPersistenceFailed, "Error: "+err.Error())
			}
			out.State, out.Content = StateDone, resp.Content
			return out
		}

		call := &llm.ToolCall{
			Tool:   resp.ToolCall.Tool,
			Params: withDefaultAgent(resp.ToolCall.Tool, resp.ToolCall.Params, ep.agentID),
		}
		callContent := toolCallContent(call)
		if _, err := c.persist(ctx, sessionID, store.RoleAssistant, callContent, map[string]any{
			"type": TypeToolCall,
			"tool": call.Tool,
		}); err != nil {
			return c.abort(ctx, out, AbortPersistenceFailed, "Error: "+err.Error())
		}
		history = append(history, llm.Message{Role: store.RoleAssistant, Content: callContent})

		res := c.tools.Execute(ctx, tools.Invocation{
			Tool:        call.Tool,
			Arguments:   call.Params,
			ExecutionID: fingerprint(sessionID, call.Tool, call.Params),
		})

		if res.Paused() && res.Pause != nil {
			approvalID, err := c.pause(ctx, ep, res.Pause)
			if err != nil {
				c.logger.Error("recording approval failed", "session_id", sessionID, "tool_name", call.Tool, "error", err)
				return c.abort(ctx, out, AbortPersistenceFailed, "Error: could not record approval request")
			}
			out.State, out.ApprovalID, out.Reason = StatePaused, approvalID, res.Pause.Reason
			return out
		}

		obs := observationContent(res)
		if _, err := c.persist(ctx, sessionID, store.RoleSystem, obs, map[string]any{
			"type": TypeObservation,
			"tool": call.Tool,
		}); err != nil {
			return c.abort(ctx, out, AbortPersistenceFailed, "Error: "+err.Error())
		}
		history = append(history, llm.Message{Role: store.RoleSystem, Content: obs})
	}

	c.logger.Warn("episode hit turn limit", "session_id", sessionID, "max_turns", ep.maxTurns)
	return c.abort(ctx, out, AbortMaxTurns, maxTurnsContent(ep.maxTurns))
}

// pause records the approval (reusing a still-pending one for the same
// execution) and the turn announcing it.
func (c *Controller) pause(ctx context.Context, ep episode, info *tools.PauseInfo) (string, error) {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()

	sessionID := ep.session.ID
	existing, err := c.store.FindPendingApproval(ctx, info.ExecutionID)
	if err == nil {
		if _, err := c.persist(ctx, sessionID, store.RoleAssistant, pendingApprovalContent(info.Tool, info.Arguments, existing.ID), map[string]any{
			"type":        TypeApprovalRequest,
			"approval_id": existing.ID,
			"status":      string(store.ApprovalPending),
			"reason":      info.Reason,
			"remote":      info.Remote,
			"reused":      true,
		}); err != nil {
			return "", err
		}
		c.logger.Info("reusing pending approval", "approval_id", existing.ID, "session_id", sessionID, "tool_name", info.Tool)
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	agentID := info.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	approval := &store.PendingApproval{
		ID:          uuid.New().String(),
		ExecutionID: info.ExecutionID,
		AgentID:     agentID,
		ToolName:    info.Tool,
		Arguments:   info.Arguments,
		Status:      store.ApprovalPending,
		SessionID:   sessionID,
		MaxTurns:    ep.maxTurns,
	}
	if err := c.store.CreateApproval(ctx, approval); err != nil {
		return "", err
	}

	if _, err := c.persist(ctx, sessionID, store.RoleAssistant, approvalRequestContent(info.Tool, info.Arguments), map[string]any{
		"type":        TypeApprovalRequest,
		"approval_id": approval.ID,
		"status":      string(store.ApprovalPending),
		"reason":      info.Reason,
		"remote":      info.Remote,
	}); err != nil {
		return "", err
	}

	c.logger.Info("episode paused for approval",
		"session_id", sessionID,
		"approval_id", approval.ID,
		"agent_id", agentID,
		"tool_name", info.Tool)
	return approval.ID, nil
}

func (c *Controller) abort(ctx context.Context, out *Outcome, reason, content string) *Outcome {
	out.State, out.Reason, out.Content = StateAborted, reason, content
	if _, err := c.persist(ctx, out.SessionID, store.RoleAssistant, content, map[string]any{
		"type":   TypeError,
		"reason": reason,
	}); err != nil {
		c.logger.Error("recording error turn failed", "session_id", out.SessionID, "error", err)
	}
	return out
}

// finish marks unattended sessions unread and logs the outcome.
func (c *Controller) finish(ctx context.Context, out *Outcome) {
	if c.watchers == nil || !c.watchers.Watching(out.SessionID) {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := c.store.SetSessionUnread(saveCtx, out.SessionID, true); err != nil {
			c.logger.Warn("marking session unread failed", "session_id", out.SessionID, "error", err)
		}
	}
	c.logger.Info("episode finished",
		"session_id", out.SessionID,
		"state", out.State,
		"reason", out.Reason,
		"turns", out.Turns)
}

// persist saves a turn and fans it out to watchers. Saving outlives the
// caller's context so a cancelled request still leaves a complete record.
func (c *Controller) persist(ctx context.Context, sessionID, role, content string, meta map[string]any) (*store.ChatMessage, error) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg := &store.ChatMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
	}
	if err := c.store.AppendMessage(saveCtx, msg); err != nil {
		c.logger.Error("failed to save turn", "session_id", sessionID, "role", role, "error", err)
		return nil, err
	}
	if c.broadcaster != nil {
		c.broadcaster.Publish(sessionID, msg, "")
	}
	return msg, nil
}
