// ABOUTME: Tracks which agents are currently reachable, one connection per agent id.
// ABOUTME: A later registration silently supersedes an earlier one.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrAgentNotFound indicates the specified agent has no registered connection.
var ErrAgentNotFound = errors.New("agent not found")

// Registry coordinates all connected agents.
// One Registry is created at startup and passed to every component that needs it.
type Registry struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Connection),
		logger: logger,
	}
}

// Register installs a connection, replacing any prior entry for the same agent.
// The superseded connection is returned (nil if there was none) but not closed:
// its own receive loop notices the dead socket and releases it.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.agents[conn.AgentID]
	r.agents[conn.AgentID] = conn

	if previous != nil {
		r.logger.Warn("agent connection superseded",
			"agent_id", conn.AgentID,
			"old_connection_id", previous.ID,
			"new_connection_id", conn.ID,
		)
	}
	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.AgentID,
		"hostname", conn.Identity.Hostname,
		"platform", conn.Identity.Platform,
		"tools", conn.Identity.Tools,
		"total_agents", len(r.agents),
	)
	return previous
}

// Get returns the live connection for an agent.
func (r *Registry) Get(agentID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return conn, nil
}

// Unregister removes an agent's entry. Idempotent.
// Pending calls on the removed connection are not failed here; see Dispatcher.ConnectionLost.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		delete(r.agents, agentID)
		r.logger.Info("=== AGENT DISCONNECTED ===",
			"agent_id", agentID,
			"total_agents", len(r.agents),
		)
	}
}

// Release removes the entry for conn's agent only if it still points at conn.
// Returns false when the agent has already re-registered on a newer connection.
func (r *Registry) Release(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.agents[conn.AgentID]
	if !ok || current != conn {
		return false
	}
	delete(r.agents, conn.AgentID)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.AgentID,
		"connection_id", conn.ID,
		"total_agents", len(r.agents),
	)
	return true
}

// Info contains public information about a connected agent.
type Info struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Hostname     string    `json:"hostname"`
	Platform     string    `json:"platform"`
	Arch         string    `json:"arch"`
	Release      string    `json:"release,omitempty"`
	MemoryTotal  uint64    `json:"memory_total"`
	Tools        []string  `json:"tools"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// List returns information about all connected agents, ordered by ID.
func (r *Registry) List() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*Info, 0, len(r.agents))
	for _, conn := range r.agents {
		infos = append(infos, &Info{
			ID:           conn.AgentID,
			ConnectionID: conn.ID,
			Hostname:     conn.Identity.Hostname,
			Platform:     conn.Identity.Platform,
			Arch:         conn.Identity.Arch,
			Release:      conn.Identity.Release,
			MemoryTotal:  conn.Identity.MemoryTotal,
			Tools:        conn.Identity.Tools,
			ConnectedAt:  conn.ConnectedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (r *Registry) IsOnline(agentID string) bool {
	_, err := r.Get(agentID)
	return err == nil
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CloseAll closes every registered connection and empties the registry.
// Used on shutdown; returns the number of connections closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.agents))
	for id, conn := range r.agents {
		conns = append(conns, conn)
		delete(r.agents, id)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(reason)
	}
	return len(conns)
}
