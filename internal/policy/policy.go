// ABOUTME: Per-agent security policy documents and the pure Allow/Block/Pause decision
// ABOUTME: Policy files may be authored as JSONC; comparisons are trimmed and lower-cased

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
)

// SecurityPolicy is the flat per-agent policy document.
// The zero value is fully permissive.
type SecurityPolicy struct {
	HITLEnabled         bool     `json:"hitl_enabled"`
	BlockedCommands     []string `json:"blocked_commands"`
	RequiresApprovalFor []string `json:"requires_approval_for"`
}

// Parse decodes a policy document. Comments and trailing commas are accepted.
func Parse(data []byte) (SecurityPolicy, error) {
	var p SecurityPolicy
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return SecurityPolicy{}, fmt.Errorf("parsing security policy: %w", err)
	}
	p.Normalize()
	return p, nil
}

// ReadFile reads and parses a JSONC policy file.
func ReadFile(path string) (SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("reading %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Normalize trims, lower-cases, and de-duplicates both sets.
func (p *SecurityPolicy) Normalize() {
	p.BlockedCommands = normalizeSet(p.BlockedCommands)
	p.RequiresApprovalFor = normalizeSet(p.RequiresApprovalFor)
}

// Document returns the canonical JSON stored for the policy.
func (p SecurityPolicy) Document() (json.RawMessage, error) {
	p.Normalize()
	if p.BlockedCommands == nil {
		p.BlockedCommands = []string{}
	}
	if p.RequiresApprovalFor == nil {
		p.RequiresApprovalFor = []string{}
	}
	return json.Marshal(p)
}

func normalizeSet(values []string) []string {
	var out []string
	for _, v := range values {
		v = normalize(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Verdict is the outcome of a policy evaluation.
type Verdict int

const (
	Allow Verdict = iota
	Block
	Pause
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Pause:
		return "pause"
	default:
		return "unknown"
	}
}

// Decision is a verdict plus a human-readable reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Decide evaluates a policy against a tool and the commands it resolves to.
// Approval is checked before blocking, so an entry present in both sets pauses.
func Decide(p SecurityPolicy, tool string, commands []string, preApproved bool) Decision {
	if preApproved {
		return Decision{Verdict: Allow, Reason: "pre-approved"}
	}
	if !p.HITLEnabled {
		return Decision{Verdict: Allow}
	}

	candidates := make([]string, 0, len(commands)+1)
	candidates = append(candidates, normalize(tool))
	for _, c := range commands {
		if c = normalize(c); c != "" {
			candidates = append(candidates, c)
		}
	}

	for _, c := range candidates {
		if containsNormalized(p.RequiresApprovalFor, c) {
			return Decision{Verdict: Pause, Reason: fmt.Sprintf("%q requires human approval", c)}
		}
	}
	for _, c := range candidates {
		if containsNormalized(p.BlockedCommands, c) {
			return Decision{Verdict: Block, Reason: fmt.Sprintf("%q is blocked by security policy", c)}
		}
	}
	return Decision{Verdict: Allow}
}

func containsNormalized(set []string, value string) bool {
	for _, s := range set {
		if normalize(s) == value {
			return true
		}
	}
	return false
}
