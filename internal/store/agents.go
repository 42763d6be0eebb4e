// ABOUTME: Agent directory and security policy persistence for SQLiteStore
// ABOUTME: Keeps last-known identity of every agent that ever completed a handshake

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertAgent inserts or refreshes an agent's identity record.
// CreatedAt is preserved for existing agents.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	if agent.LastSeen.IsZero() {
		agent.LastSeen = time.Now().UTC()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = agent.LastSeen
	}
	if agent.Status == "" {
		agent.Status = AgentStatusOnline
	}

	caps, err := marshalJSON(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, hostname, platform, arch, release, memory_total, capabilities_json, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			arch = excluded.arch,
			release = excluded.release,
			memory_total = excluded.memory_total,
			capabilities_json = excluded.capabilities_json,
			status = excluded.status,
			last_seen = excluded.last_seen
	`,
		agent.ID,
		agent.Hostname,
		agent.Platform,
		agent.Arch,
		agent.Release,
		int64(agent.MemoryTotal),
		caps,
		agent.Status,
		formatTime(agent.LastSeen),
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "agent_id", agent.ID, "status", agent.Status)
	return nil
}

const agentColumns = `id, hostname, platform, arch, release, memory_total, capabilities_json, status, last_seen, created_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var memTotal int64
	var caps sql.NullString
	var lastSeen, createdAt string

	if err := row.Scan(&a.ID, &a.Hostname, &a.Platform, &a.Arch, &a.Release, &memTotal, &caps, &a.Status, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	a.MemoryTotal = uint64(memTotal)

	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
		}
	}

	var err error
	if a.LastSeen, err = parseTime("last_seen", lastSeen); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent never registered.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all known agents ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// SetAgentStatus updates liveness and last-seen time.
// Returns ErrNotFound if the agent is unknown.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id, status string, seen time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, last_seen = ? WHERE id = ?`,
		status, formatTime(seen), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgentPolicy returns the stored policy document for an agent.
// Returns ErrNotFound when no policy was ever set.
func (s *SQLiteStore) GetAgentPolicy(ctx context.Context, agentID string) (*AgentPolicy, error) {
	var p AgentPolicy
	var doc, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, document, updated_at FROM agent_policies WHERE agent_id = ?`, agentID,
	).Scan(&p.AgentID, &doc, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent policy: %w", err)
	}
	p.Document = json.RawMessage(doc)
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetAgentPolicy replaces the policy document for an agent.
func (s *SQLiteStore) SetAgentPolicy(ctx context.Context, policy *AgentPolicy) error {
	if !json.Valid(policy.Document) {
		return fmt.Errorf("policy document for %s is not valid JSON", policy.AgentID)
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_policies (agent_id, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, policy.AgentID, string(policy.Document), formatTime(policy.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving agent policy: %w", err)
	}
	s.logger.Info("agent policy updated", "agent_id", policy.AgentID)
	return nil
}
