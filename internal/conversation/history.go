// ABOUTME: Turn artifacts and history reconstruction for the agent loop
// ABOUTME: Persisted chat turns are the only source the loop rebuilds its context from

package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/2389/fabricore-gateway/internal/llm"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/2389/fabricore-gateway/internal/tools"
)

// Metadata types stamped on persisted turns.
const (
	TypeToolCall         = "tool_call"
	TypeObservation      = "observation"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalResult   = "approval_result"
	TypeFinal            = "final"
	TypeError            = "error"
	TypeScheduledTrigger = "scheduled_trigger"
)

const titleLength = 30

// SessionTitle derives a session title from its first message.
func SessionTitle(message string) string {
	if utf8.RuneCountInString(message) <= titleLength {
		return message
	}
	return string([]rune(message)[:titleLength]) + "..."
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func metaType(msg *store.ChatMessage) string {
	t, _ := msg.Metadata["type"].(string)
	return t
}

// rebuildHistory turns persisted turns into generator messages. Error turns
// are shown to humans only and are left out.
func rebuildHistory(systemPrompt string, turns []*store.ChatMessage) []llm.Message {
	history := make([]llm.Message, 0, len(turns)+1)
	if systemPrompt != "" {
		history = append(history, llm.Message{Role: store.RoleSystem, Content: systemPrompt})
	}
	for _, t := range turns {
		if metaType(t) == TypeError {
			continue
		}
		history = append(history, llm.Message{Role: t.Role, Content: t.Content})
	}
	return history
}

// toolCallContent is the assistant turn recorded for a tool call.
func toolCallContent(call *llm.ToolCall) string {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q}`, call.Tool)
	}
	return string(data)
}

func observationContent(res tools.Result) string {
	data, err := json.Marshal(res)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}
	return "Observation: " + string(data)
}

func approvalRequestContent(tool string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("Approval Required\n\nTool: `%s`\nArgs: `%s`", tool, data)
}

// pendingApprovalContent announces a pause that joins an approval already waiting.
func pendingApprovalContent(tool string, args map[string]any, approvalID string) string {
	return approvalRequestContent(tool, args) + fmt.Sprintf("\n\nAlready waiting on approval `%s`.", approvalID)
}

func deniedContent(tool string) string {
	return fmt.Sprintf("Denied: `%s`", tool)
}

func maxTurnsContent(n int) string {
	return fmt.Sprintf("Agent stopped after %d turns.", n)
}

// fingerprint identifies a tool call within a session. encoding/json sorts
// map keys, so equal arguments always hash the same.
func fingerprint(sessionID, tool string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprint(args))
	}
	sum := sha256.New()
	sum.Write([]byte(sessionID))
	sum.Write([]byte{0})
	sum.Write([]byte(tool))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil))[:32]
}

// catalogTools renders the tool catalog for the generator.
func catalogTools() []llm.Tool {
	defs := tools.Catalog()
	out := make([]llm.Tool, len(defs))
	for i, d := range defs {
		out[i] = llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Schema()}
	}
	return out
}

// withDefaultAgent fills agent_id from the session default when the tool takes one.
func withDefaultAgent(tool string, params map[string]any, agentID string) map[string]any {
	args := make(map[string]any, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	if agentID == "" {
		return args
	}
	if id, _ := args["agent_id"].(string); id != "" {
		return args
	}
	def, ok := tools.Lookup(tool)
	if !ok {
		return args
	}
	for _, p := range def.Parameters {
		if p.Name == "agent_id" {
			args["agent_id"] = agentID
			break
		}
	}
	return args
}
