// ABOUTME: Represents a single connected agent and owns its duplex transport.
// ABOUTME: Serializes writes and tracks liveness for the receive loop.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fabricore-gateway/internal/protocol"
	"github.com/google/uuid"
)

// ErrConnectionClosed indicates a write was attempted on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the raw duplex channel beneath a Connection.
// The gateway backs it with a WebSocket; tests use an in-memory fake.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Identity is the last-known metadata an agent declared in its handshake.
type Identity struct {
	Hostname    string
	Platform    string
	Arch        string
	Release     string
	MemoryTotal uint64
	Tools       []string
}

// IdentityFromHandshake extracts the identity fields of an agent.identify call.
func IdentityFromHandshake(p *protocol.IdentifyParams) Identity {
	return Identity{
		Hostname:    p.OSInfo.Hostname,
		Platform:    p.OSInfo.Platform,
		Arch:        p.OSInfo.Arch,
		Release:     p.OSInfo.Release,
		MemoryTotal: p.OSInfo.MemoryTotal,
		Tools:       append([]string(nil), p.Capabilities.NativeTools...),
	}
}

// Connection represents one registered agent channel.
type Connection struct {
	ID          string // unique per socket, distinguishes reconnects of one agent
	AgentID     string
	Identity    Identity
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// ConnectionParams contains the parameters for creating a new Connection.
type ConnectionParams struct {
	AgentID   string
	Identity  Identity
	Transport Transport
	Logger    *slog.Logger
}

// NewConnection creates a new Connection for an agent that completed its handshake.
func NewConnection(params ConnectionParams) *Connection {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:          uuid.New().String(),
		AgentID:     params.AgentID,
		Identity:    params.Identity,
		ConnectedAt: time.Now().UTC(),
		transport:   params.Transport,
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Send writes one frame to the agent. Writes are serialized.
func (c *Connection) Send(ctx context.Context, frame []byte) error {
	if !c.Alive() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Send(ctx, frame)
}

// Close shuts the transport down. Safe to call more than once.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close(reason)
		c.logger.Debug("connection closed",
			"agent_id", c.AgentID,
			"connection_id", c.ID,
			"reason", reason,
		)
	})
	return err
}

// Alive reports whether the connection has not been closed yet.
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
