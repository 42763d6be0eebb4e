// Package agent manages connections to remote agents and the commands sent to them.
//
// # Overview
//
// The agent package owns the two pieces of state that are touched from many
// goroutines at once: the map of live agent connections and the map of calls
// awaiting a reply. Each is guarded by its own mutex.
//
// # Registry
//
// The Registry tracks one connection per agent ID:
//
//	reg := agent.NewRegistry(logger)
//
// Key operations:
//
//   - Register(conn): install a connection, superseding any earlier one
//   - Get(agentID): look up the live connection (ErrAgentNotFound)
//   - Unregister(agentID): remove an entry, idempotent
//   - Release(conn): remove an entry only if it still points at conn
//   - List(): describe all connected agents
//
// # Connection
//
// Connection wraps the agent's Transport (a WebSocket in production) and
// serializes writes to it. The gateway's receive loop is the only reader.
//
// # Request/Response Correlation
//
// Dispatcher.Dispatch:
//
//  1. Resolves the agent's connection (ErrAgentNotConnected)
//  2. Generates a request id and registers a pending call
//  3. Writes a pending audit record, if an AuditRecorder is configured
//  4. Sends a JSON-RPC request on the connection
//  5. Waits for the reply, the timeout, or loss of the connection
//
// Replies are matched purely by request id, not by connection, so a reply
// that arrives after the agent reconnected still resolves its call.
//
// Whichever goroutine removes a pending call from the map owns its
// resolution, so a reply racing a timeout is reported exactly once.
// Late replies for forgotten ids are logged and discarded.
//
// # Disconnects
//
// When a receive loop exits, the gateway calls Registry.Release and then
// Dispatcher.ConnectionLost, which fails that connection's calls with
// ErrAgentDisconnected unless the agent has already re-registered.
package agent
