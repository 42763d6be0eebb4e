// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	policies  map[string]*AgentPolicy
	audit     map[string]*AuditRecord
	approvals map[string]*PendingApproval
	sessions  map[string]*ChatSession
	messages  map[string][]*ChatMessage // keyed by session ID
	schedules map[string]*Schedule
	seq       int64

	// AuditErr, when set, is returned by CreateAuditRecord.
	AuditErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		policies:  make(map[string]*AgentPolicy),
		audit:     make(map[string]*AuditRecord),
		approvals: make(map[string]*PendingApproval),
		sessions:  make(map[string]*ChatSession),
		messages:  make(map[string][]*ChatMessage),
		schedules: make(map[string]*Schedule),
	}
}

// UpsertAgent stores or refreshes an agent.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.LastSeen.IsZero() {
		agent.LastSeen = time.Now().UTC()
	}
	if agent.Status == "" {
		agent.Status = AgentStatusOnline
	}
	a := *agent
	if existing, ok := m.agents[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = a.LastSeen
	}
	agent.CreatedAt = a.CreatedAt
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		copied := *a
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// SetAgentStatus updates liveness and last-seen time.
func (m *MockStore) SetAgentStatus(ctx context.Context, id, status string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastSeen = seen
	return nil
}

// GetAgentPolicy returns the stored policy for an agent.
func (m *MockStore) GetAgentPolicy(ctx context.Context, agentID string) (*AgentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *p
	return &result, nil
}

// SetAgentPolicy replaces the policy for an agent.
func (m *MockStore) SetAgentPolicy(ctx context.Context, policy *AgentPolicy) error {
	if !json.Valid(policy.Document) {
		return fmt.Errorf("policy document for %s is not valid JSON", policy.AgentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now().UTC()
	}
	p := *policy
	m.policies[p.AgentID] = &p
	return nil
}

// CreateAuditRecord stores a new audit record.
func (m *MockStore) CreateAuditRecord(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AuditErr != nil {
		return m.AuditErr
	}
	if rec.ID == "" {
		return errors.New("audit record id is required")
	}
	if _, exists := m.audit[rec.ID]; exists {
		return ErrDuplicate
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = AuditPending
	}
	r := *rec
	r.Arguments = maps.Clone(rec.Arguments)
	m.audit[r.ID] = &r
	return nil
}

// CompleteAuditRecord records the outcome of a dispatched call.
func (m *MockStore) CompleteAuditRecord(ctx context.Context, id string, status AuditStatus, result json.RawMessage, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.audit[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Result = append(json.RawMessage(nil), result...)
	at := completedAt
	r.CompletedAt = &at
	return nil
}

// GetAuditRecord retrieves an audit record by ID.
func (m *MockStore) GetAuditRecord(ctx context.Context, id string) (*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.audit[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *r
	return &result, nil
}

// ListAuditRecords returns audit records newest first.
func (m *MockStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*AuditRecord
	for _, r := range m.audit {
		if filter.AgentID != "" && r.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		copied := *r
		records = append(records, &copied)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if limit := normalizeAuditLimit(filter.Limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CreateApproval stores a new pending approval.
func (m *MockStore) CreateApproval(ctx context.Context, a *PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if _, exists := m.approvals[a.ID]; exists {
		return ErrDuplicate
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = ApprovalPending
	}
	copied := *a
	copied.Arguments = maps.Clone(a.Arguments)
	m.approvals[a.ID] = &copied
	return nil
}

// GetApproval retrieves an approval by ID.
func (m *MockStore) GetApproval(ctx context.Context, id string) (*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// FindPendingApproval returns the oldest pending approval for an execution.
func (m *MockStore) FindPendingApproval(ctx context.Context, executionID string) (*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *PendingApproval
	for _, a := range m.approvals {
		if a.ExecutionID != executionID || a.Status != ApprovalPending {
			continue
		}
		if found == nil || a.CreatedAt.Before(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	return &result, nil
}

// ListApprovals returns approvals newest first, optionally filtered by status.
func (m *MockStore) ListApprovals(ctx context.Context, status ApprovalStatus, limit int) ([]*PendingApproval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var approvals []*PendingApproval
	for _, a := range m.approvals {
		if status != "" && a.Status != status {
			continue
		}
		copied := *a
		approvals = append(approvals, &copied)
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].CreatedAt.After(approvals[j].CreatedAt) })
	if limit = normalizeAuditLimit(limit); len(approvals) > limit {
		approvals = approvals[:limit]
	}
	return approvals, nil
}

// DecideApproval moves a pending approval to approved or rejected.
func (m *MockStore) DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, at time.Time) error {
	if status != ApprovalApproved && status != ApprovalRejected {
		return fmt.Errorf("invalid approval decision %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != ApprovalPending {
		return ErrAlreadyDecided
	}
	a.Status = status
	a.DecidedBy = decidedBy
	decided := at
	a.DecidedAt = &decided
	return nil
}

// CreateSession stores a new chat session.
func (m *MockStore) CreateSession(ctx context.Context, sess *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if _, exists := m.sessions[sess.ID]; exists {
		return ErrDuplicate
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	copied := *sess
	m.sessions[sess.ID] = &copied
	return nil
}

// GetSession retrieves a chat session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *sess
	return &result, nil
}

// ListSessions returns sessions by most recent activity.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*ChatSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		copied := *sess
		sessions = append(sessions, &copied)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt) })
	if limit <= 0 {
		limit = 50
	}
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// SetSessionUnread flags or clears unseen output on a session.
func (m *MockStore) SetSessionUnread(ctx context.Context, id string, unread bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Unread = unread
	return nil
}

// AppendMessage stores a turn and assigns its sequence number.
func (m *MockStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[msg.SessionID]
	if !ok {
		return fmt.Errorf("inserting chat message: session %s: %w", msg.SessionID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.seq++
	msg.Seq = m.seq

	copied := *msg
	copied.Metadata = maps.Clone(msg.Metadata)
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &copied)
	sess.UpdatedAt = msg.CreatedAt
	return nil
}

// ListMessages returns all turns of a session in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	result := make([]*ChatMessage, len(msgs))
	for i, msg := range msgs {
		copied := *msg
		result[i] = &copied
	}
	return result, nil
}

// CreateSchedule stores a new schedule.
func (m *MockStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sched.CronExpression == "" || sched.TaskInstruction == "" {
		return errors.New("cron expression and task instruction are required")
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if _, exists := m.schedules[sched.ID]; exists {
		return ErrDuplicate
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	copied := *sched
	m.schedules[sched.ID] = &copied
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *MockStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sched, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *sched
	return &result, nil
}

// ListSchedules returns schedules oldest first.
func (m *MockStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var schedules []*Schedule
	for _, sched := range m.schedules {
		if activeOnly && !sched.Active {
			continue
		}
		copied := *sched
		schedules = append(schedules, &copied)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].CreatedAt.Before(schedules[j].CreatedAt) })
	return schedules, nil
}

// RecordScheduleRun stamps the last run time.
func (m *MockStore) RecordScheduleRun(ctx context.Context, id string, ranAt time.Time, chatSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	at := ranAt
	sched.LastRunAt = &at
	if chatSessionID != "" {
		sched.ChatSessionID = chatSessionID
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (m *MockStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
