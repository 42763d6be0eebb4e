// ABOUTME: Tool Executor validating invocations, applying policy, and dispatching to agents
// ABOUTME: Shapes replies and failures into Result values the reasoning loop can observe

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/2389/fabricore-gateway/internal/agent"
	"github.com/2389/fabricore-gateway/internal/policy"
	"github.com/2389/fabricore-gateway/internal/protocol"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/google/uuid"
)

// Dispatcher sends a command to an agent and waits for the reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, call agent.Call) (json.RawMessage, error)
}

// PolicyEvaluator decides whether an invocation may run.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, agentID, tool string, args map[string]any, preApproved bool) (policy.Decision, error)
}

// Presence reports which agents are connected right now.
type Presence interface {
	List() []*agent.Info
	IsOnline(agentID string) bool
}

// Directory is the durable agent directory.
type Directory interface {
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// Invocation is one request to run a catalog tool.
type Invocation struct {
	Tool        string
	Arguments   map[string]any
	ApprovedBy  string // non-empty bypasses policy evaluation
	ExecutionID string // generated when empty
}

// Executor is the single entry point for running tools.
type Executor struct {
	dispatcher Dispatcher
	policy     PolicyEvaluator
	presence   Presence
	directory  Directory
	timeout    time.Duration
	logger     *slog.Logger
}

// ExecutorConfig contains the collaborators of an Executor.
type ExecutorConfig struct {
	Dispatcher Dispatcher
	Policy     PolicyEvaluator
	Presence   Presence
	Directory  Directory
	Timeout    time.Duration // zero uses the dispatcher default
	Logger     *slog.Logger
}

// NewExecutor creates a new Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		dispatcher: cfg.Dispatcher,
		policy:     cfg.Policy,
		presence:   cfg.Presence,
		directory:  cfg.Directory,
		timeout:    cfg.Timeout,
		logger:     logger.With("component", "tools"),
	}
}

// Execute runs one invocation. It never returns a Go error: every failure,
// including policy outcomes and dispatcher faults, is a Result value.
func (e *Executor) Execute(ctx context.Context, inv Invocation) Result {
	def, ok := Lookup(inv.Tool)
	if !ok {
		res := failure(KindUnknownTool, fmt.Sprintf("unknown tool %q", inv.Tool))
		res.ValidTools = Names()
		return res
	}

	args := inv.Arguments
	if args == nil {
		args = map[string]any{}
	}
	for _, p := range def.Parameters {
		if !p.Required {
			continue
		}
		if s, ok := args[p.Name].(string); !ok || strings.TrimSpace(s) == "" {
			return failure(KindMissingArgument, fmt.Sprintf("missing required argument %q for tool %s", p.Name, def.Name))
		}
	}

	agentID, _ := args["agent_id"].(string)
	executionID := inv.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	decision, err := e.policy.Evaluate(ctx, agentID, def.Name, args, inv.ApprovedBy != "")
	if err != nil {
		e.logger.Error("policy evaluation failed", "agent_id", agentID, "tool_name", def.Name, "error", err)
		return failure(KindInternal, "security policy could not be evaluated")
	}
	switch decision.Verdict {
	case policy.Block:
		res := failure(KindPolicyBlocked, decision.Reason)
		res.Reason = decision.Reason
		return res
	case policy.Pause:
		return paused(KindPolicyPauseRequired, PauseInfo{
			AgentID:     agentID,
			Tool:        def.Name,
			Arguments:   maps.Clone(args),
			ExecutionID: executionID,
			Reason:      decision.Reason,
		})
	}

	if def.Local {
		return e.answerLocally(ctx, def, agentID)
	}
	return e.dispatch(ctx, def, agentID, args, executionID, inv.ApprovedBy)
}

func (e *Executor) answerLocally(ctx context.Context, def Definition, agentID string) Result {
	switch def.Name {
	case ListAgents:
		return e.listAgents(ctx)
	case GetAgentDetails:
		return e.agentDetails(ctx, agentID)
	}
	return failure(KindInternal, fmt.Sprintf("no local handler for tool %s", def.Name))
}

func paused(kind ErrorKind, info PauseInfo) Result {
	return Result{
		Status:    StatusPaused,
		ErrorKind: kind,
		Reason:    info.Reason,
		Pause:     &info,
	}
}

func (e *Executor) dispatch(ctx context.Context, def Definition, agentID string, args map[string]any, executionID, approvedBy string) Result {
	remoteArgs := maps.Clone(args)
	delete(remoteArgs, "agent_id")

	raw, err := e.dispatcher.Dispatch(ctx, agent.Call{
		AgentID: agentID,
		Method:  protocol.MethodToolExecute,
		Params: protocol.ToolExecuteParams{
			ToolName:    def.Name,
			Arguments:   remoteArgs,
			ExecutionID: executionID,
			ApprovedBy:  approvedBy,
		},
		Timeout:   e.timeout,
		Tool:      def.Name,
		Arguments: args,
	})
	if err != nil {
		return e.dispatchFailure(def, agentID, args, executionID, err)
	}
	return success(shapeOutput(raw))
}

// shapeOutput returns the reply's "output" field when present, else the whole reply.
func shapeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	if obj, ok := decoded.(map[string]any); ok {
		if out, ok := obj["output"]; ok {
			return out
		}
	}
	return decoded
}

func (e *Executor) dispatchFailure(def Definition, agentID string, args map[string]any, executionID string, err error) Result {
	var remote *agent.RemoteError
	switch {
	case errors.As(err, &remote) && remote.IsApprovalRequired():
		return paused(KindRemoteApprovalRequired, PauseInfo{
			AgentID:     agentID,
			Tool:        def.Name,
			Arguments:   maps.Clone(args),
			ExecutionID: executionID,
			Reason:      "agent requires approval: " + remote.Message,
			Remote:      true,
		})
	case errors.As(err, &remote):
		return failure(KindRemoteError, remote.Message)
	case errors.Is(err, agent.ErrAgentNotConnected):
		return failure(KindAgentNotConnected, fmt.Sprintf("agent %s is not connected", agentID))
	case errors.Is(err, agent.ErrCommandTimedOut):
		return failure(KindCommandTimedOut, fmt.Sprintf("agent %s did not reply in time", agentID))
	case errors.Is(err, agent.ErrAgentDisconnected):
		return failure(KindAgentDisconnected, fmt.Sprintf("agent %s disconnected before replying", agentID))
	default:
		e.logger.Warn("dispatch failed", "agent_id", agentID, "tool_name", def.Name, "error", err)
		return failure(KindInternal, err.Error())
	}
}

type agentSummary struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

func (e *Executor) listAgents(ctx context.Context) Result {
	known, err := e.directory.ListAgents(ctx)
	if err != nil {
		e.logger.Error("listing agents failed", "error", err)
		return failure(KindInternal, "agent directory unavailable")
	}

	seen := make(map[string]bool, len(known))
	agents := make([]agentSummary, 0, len(known))
	for _, a := range known {
		seen[a.ID] = true
		status := store.AgentStatusOffline
		if e.presence.IsOnline(a.ID) {
			status = store.AgentStatusOnline
		}
		agents = append(agents, agentSummary{
			ID:       a.ID,
			Hostname: a.Hostname,
			Platform: a.Platform,
			Status:   status,
			LastSeen: a.LastSeen.Format(time.RFC3339),
		})
	}
	// Connected agents whose directory write has not landed yet
	for _, info := range e.presence.List() {
		if seen[info.ID] {
			continue
		}
		agents = append(agents, agentSummary{
			ID:       info.ID,
			Hostname: info.Hostname,
			Platform: info.Platform,
			Status:   store.AgentStatusOnline,
		})
	}

	return success(map[string]any{"agents": agents, "count": len(agents)})
}

func (e *Executor) agentDetails(ctx context.Context, agentID string) Result {
	a, err := e.directory.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return failure(KindAgentNotFound, fmt.Sprintf("agent %s not found", agentID))
	}
	if err != nil {
		e.logger.Error("loading agent failed", "agent_id", agentID, "error", err)
		return failure(KindInternal, "agent directory unavailable")
	}

	status := store.AgentStatusOffline
	if e.presence.IsOnline(agentID) {
		status = store.AgentStatusOnline
	}
	return success(map[string]any{
		"id":           a.ID,
		"hostname":     a.Hostname,
		"platform":     a.Platform,
		"arch":         a.Arch,
		"release":      a.Release,
		"memory_total": a.MemoryTotal,
		"tools":        a.Capabilities,
		"status":       status,
		"last_seen":    a.LastSeen.Format(time.RFC3339),
	})
}
