// ABOUTME: Store interfaces and data types for fabricore-gateway persistence
// ABOUTME: Defines agent, policy, audit, approval, chat, and schedule records

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating a record whose ID already exists
var ErrDuplicate = errors.New("already exists")

// ErrAlreadyDecided is returned when deciding an approval that is no longer pending
var ErrAlreadyDecided = errors.New("approval already decided")

// Agent status values
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// Agent is the last-known identity of a remote agent, kept after it disconnects
type Agent struct {
	ID           string
	Hostname     string
	Platform     string
	Arch         string
	Release      string
	MemoryTotal  uint64
	Capabilities []string
	Status       string
	LastSeen     time.Time
	CreatedAt    time.Time
}

// AgentPolicy is the flat JSON security policy document stored per agent
type AgentPolicy struct {
	AgentID   string
	Document  json.RawMessage
	UpdatedAt time.Time
}

// AuditStatus tracks a dispatched call through its lifecycle
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// AuditRecord is the durable trace of one dispatched command.
// ID equals the request identifier used on the wire.
type AuditRecord struct {
	ID          string
	AgentID     string
	ToolName    string
	Arguments   map[string]any
	Status      AuditStatus
	Result      json.RawMessage
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// AuditFilter narrows ListAuditRecords
type AuditFilter struct {
	AgentID string
	Status  AuditStatus
	Limit   int // default 100, max 1000
}

// ApprovalStatus is the decision state of a paused tool invocation
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// PendingApproval is a tool invocation suspended until a human decides on it.
// Records are never deleted automatically.
type PendingApproval struct {
	ID          string
	ExecutionID string
	AgentID     string
	ToolName    string
	Arguments   map[string]any
	Status      ApprovalStatus
	SessionID   string
	MaxTurns    int // turn limit of the paused episode, zero for the default
	CreatedAt   time.Time
	DecidedAt   *time.Time
	DecidedBy   string
}

// ChatSession is one conversation between the operator (or a schedule) and the loop
type ChatSession struct {
	ID           string
	Title        string
	SystemPrompt string
	AgentID      string // default target agent, optional
	Unread       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one persisted conversation turn.
// Seq is assigned by the store and defines replay order.
type ChatMessage struct {
	Seq       int64
	ID        string
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Schedule triggers an unattended loop episode on a cron expression
type Schedule struct {
	ID                string
	CronExpression    string
	TaskInstruction   string
	AgentID           string
	UsePersistentChat bool
	ChatSessionID     string
	Active            bool
	LastRunAt         *time.Time
	CreatedAt         time.Time
}

// AgentStore persists agent identities
type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentStatus(ctx context.Context, id, status string, seen time.Time) error
}

// PolicyStore persists per-agent security policy documents
type PolicyStore interface {
	GetAgentPolicy(ctx context.Context, agentID string) (*AgentPolicy, error)
	SetAgentPolicy(ctx context.Context, policy *AgentPolicy) error
}

// AuditStore persists dispatched-call audit records
type AuditStore interface {
	CreateAuditRecord(ctx context.Context, rec *AuditRecord) error
	CompleteAuditRecord(ctx context.Context, id string, status AuditStatus, result json.RawMessage, completedAt time.Time) error
	GetAuditRecord(ctx context.Context, id string) (*AuditRecord, error)
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
}

// ApprovalStore persists pending approvals and their decisions
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *PendingApproval) error
	GetApproval(ctx context.Context, id string) (*PendingApproval, error)
	// FindPendingApproval returns the still-pending approval for an execution, or ErrNotFound.
	FindPendingApproval(ctx context.Context, executionID string) (*PendingApproval, error)
	ListApprovals(ctx context.Context, status ApprovalStatus, limit int) ([]*PendingApproval, error)
	// DecideApproval moves a pending approval to approved or rejected.
	// Returns ErrAlreadyDecided if it is no longer pending.
	DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, at time.Time) error
}

// ChatStore persists chat sessions and their turns
type ChatStore interface {
	CreateSession(ctx context.Context, s *ChatSession) error
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	ListSessions(ctx context.Context, limit int) ([]*ChatSession, error)
	SetSessionUnread(ctx context.Context, id string, unread bool) error
	AppendMessage(ctx context.Context, msg *ChatMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error)
}

// ScheduleStore persists cron schedules
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]*Schedule, error)
	RecordScheduleRun(ctx context.Context, id string, ranAt time.Time, chatSessionID string) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Store is the full persistence surface of the gateway
type Store interface {
	AgentStore
	PolicyStore
	AuditStore
	ApprovalStore
	ChatStore
	ScheduleStore
	Close() error
}
