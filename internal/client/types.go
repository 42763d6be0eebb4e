// ABOUTME: JSON wire types of the gateway HTTP API
// ABOUTME: Shared by the server handlers and the typed API client

package client

import (
	"encoding/json"
	"time"

	"github.com/2389/fabricore-gateway/internal/store"
)

// Agent is a known agent with its live connection state.
type Agent struct {
	ID           string     `json:"id"`
	Hostname     string     `json:"hostname"`
	Platform     string     `json:"platform"`
	Arch         string     `json:"arch"`
	Release      string     `json:"release,omitempty"`
	MemoryTotal  uint64     `json:"memory_total"`
	Capabilities []string   `json:"capabilities"`
	Status       string     `json:"status"`
	Online       bool       `json:"online"`
	LastSeen     time.Time  `json:"last_seen"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
}

// AuditRecord is one dispatched command.
type AuditRecord struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	ToolName    string          `json:"tool_name"`
	Arguments   map[string]any  `json:"arguments,omitempty"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Approval is a paused tool invocation.
type Approval struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	AgentID     string         `json:"agent_id"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	Status      string         `json:"status"`
	SessionID   string         `json:"session_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
}

// Session is a chat session summary.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AgentID   string    `json:"agent_id,omitempty"`
	Unread    bool      `json:"unread"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted turn.
type Message struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Schedule is a cron-triggered task.
type Schedule struct {
	ID                string     `json:"id"`
	CronExpression    string     `json:"cron_expression"`
	TaskInstruction   string     `json:"task_instruction"`
	AgentID           string     `json:"agent_id,omitempty"`
	UsePersistentChat bool       `json:"use_persistent_chat"`
	ChatSessionID     string     `json:"chat_session_id,omitempty"`
	Active            bool       `json:"active"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Outcome is how a loop episode ended.
type Outcome struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	ApprovalID string `json:"approval_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Content    string `json:"content,omitempty"`
	Turns      int    `json:"turns"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// DecisionRequest is the optional body of the approve and deny endpoints.
type DecisionRequest struct {
	DecidedBy string `json:"decided_by,omitempty"`
}

// CreateScheduleRequest is the body of POST /api/schedules.
type CreateScheduleRequest struct {
	CronExpression    string `json:"cron_expression"`
	TaskInstruction   string `json:"task_instruction"`
	AgentID           string `json:"agent_id,omitempty"`
	UsePersistentChat bool   `json:"use_persistent_chat"`
	Active            *bool  `json:"active,omitempty"` // defaults to true
}

// AuditQuery filters GET /api/audit.
type AuditQuery struct {
	AgentID string
	Status  string
	Limit   int
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AgentFromStore converts a stored agent.
func AgentFromStore(a *store.Agent, online bool, connectedAt *time.Time) Agent {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return Agent{
		ID:           a.ID,
		Hostname:     a.Hostname,
		Platform:     a.Platform,
		Arch:         a.Arch,
		Release:      a.Release,
		MemoryTotal:  a.MemoryTotal,
		Capabilities: caps,
		Status:       a.Status,
		Online:       online,
		LastSeen:     a.LastSeen,
		ConnectedAt:  connectedAt,
	}
}

// AuditFromStore converts a stored audit record.
func AuditFromStore(r *store.AuditRecord) AuditRecord {
	return AuditRecord{
		ID:          r.ID,
		AgentID:     r.AgentID,
		ToolName:    r.ToolName,
		Arguments:   r.Arguments,
		Status:      string(r.Status),
		Result:      r.Result,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// ApprovalFromStore converts a stored approval.
func ApprovalFromStore(a *store.PendingApproval) Approval {
	return Approval{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		AgentID:     a.AgentID,
		ToolName:    a.ToolName,
		Arguments:   a.Arguments,
		Status:      string(a.Status),
		SessionID:   a.SessionID,
		CreatedAt:   a.CreatedAt,
		DecidedAt:   a.DecidedAt,
		DecidedBy:   a.DecidedBy,
	}
}

// SessionFromStore converts a stored chat session.
func SessionFromStore(s *store.ChatSession) Session {
	return Session{
		ID:        s.ID,
		Title:     s.Title,
		AgentID:   s.AgentID,
		Unread:    s.Unread,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// MessageFromStore converts a stored turn.
func MessageFromStore(m *store.ChatMessage) Message {
	return Message{
		Seq:       m.Seq,
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}

// ScheduleFromStore converts a stored schedule. nextRun may be nil.
func ScheduleFromStore(s *store.Schedule, nextRun *time.Time) Schedule {
	return Schedule{
		ID:                s.ID,
		CronExpression:    s.CronExpression,
		TaskInstruction:   s.TaskInstruction,
		AgentID:           s.AgentID,
		UsePersistentChat: s.UsePersistentChat,
		ChatSessionID:     s.ChatSessionID,
		Active:            s.Active,
		LastRunAt:         s.LastRunAt,
		NextRunAt:         nextRun,
		CreatedAt:         s.CreatedAt,
	}
}
