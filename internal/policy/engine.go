// ABOUTME: Policy Engine loading stored per-agent policies and resolving tool commands
// ABOUTME: Missing policies are permissive; exempt tools never consult a policy

package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/fabricore-gateway/internal/store"
)

// Rules describe how catalog tools map to underlying shell commands.
type Rules struct {
	// Exempt tools touch no remote agent and are always allowed.
	Exempt map[string]bool
	// FixedCommands maps a tool to the commands it always runs.
	FixedCommands map[string][]string
	// ShellArgument maps a tool to the argument holding a free-form shell command.
	ShellArgument map[string]string
}

// DefaultRules covers the gateway's tool catalog.
func DefaultRules() Rules {
	return Rules{
		Exempt: map[string]bool{"list_agents": true},
		FixedCommands: map[string][]string{
			"list_files": {"ls"},
			"read_file":  {"cat"},
		},
		ShellArgument: map[string]string{"run_command": "command"},
	}
}

// IsExempt reports whether a tool bypasses policy evaluation.
func (r Rules) IsExempt(tool string) bool {
	return r.Exempt[tool]
}

// Resolve returns the commands a tool invocation maps to. Tools with no
// underlying shell command resolve to nil.
func (r Rules) Resolve(tool string, args map[string]any) []string {
	if fixed, ok := r.FixedCommands[tool]; ok {
		return append([]string(nil), fixed...)
	}
	key, ok := r.ShellArgument[tool]
	if !ok {
		return nil
	}
	command, _ := args[key].(string)
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil
	}
	return []string{strings.ToLower(fields[0])}
}

// Source supplies stored policy documents. store.Store satisfies it.
type Source interface {
	GetAgentPolicy(ctx context.Context, agentID string) (*store.AgentPolicy, error)
}

// Engine evaluates tool invocations against stored per-agent policies.
// It holds no policy state of its own.
type Engine struct {
	source Source
	rules  Rules
	logger *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(source Source, rules Rules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source: source,
		rules:  rules,
		logger: logger.With("component", "policy"),
	}
}

// Policy loads the policy for an agent, defaulting to permissive when none is stored.
func (e *Engine) Policy(ctx context.Context, agentID string) (SecurityPolicy, error) {
	stored, err := e.source.GetAgentPolicy(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return SecurityPolicy{}, nil
	}
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("loading policy for %s: %w", agentID, err)
	}
	return Parse(stored.Document)
}

// Evaluate decides whether a tool invocation may run now.
func (e *Engine) Evaluate(ctx context.Context, agentID, tool string, args map[string]any, preApproved bool) (Decision, error) {
	if preApproved {
		return Decision{Verdict: Allow, Reason: "pre-approved"}, nil
	}
	if e.rules.IsExempt(tool) {
		return Decision{Verdict: Allow, Reason: "exempt"}, nil
	}

	p, err := e.Policy(ctx, agentID)
	if err != nil {
		return Decision{}, err
	}

	commands := e.rules.Resolve(tool, args)
	d := Decide(p, tool, commands, false)
	if d.Verdict != Allow {
		e.logger.Info("policy intervened",
			"agent_id", agentID,
			"tool_name", tool,
			"commands", commands,
			"verdict", d.Verdict.String(),
			"reason", d.Reason,
		)
	}
	return d, nil
}
