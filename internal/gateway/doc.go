// Package gateway wires the fabricore-gateway server together.
//
// # Overview
//
// A Gateway owns the agent registry and dispatcher, the policy engine, the
// tool executor, the agent loop controller, the cron scheduler, and the HTTP
// server. New builds it with a SQLite store and an OpenAI-compatible
// generator; NewWithDeps accepts both from the caller, which is how tests run
// it against store.MockStore and a scripted generator.
//
// # Agent Socket
//
// Agents connect to GET /ws and speak JSON-RPC 2.0 over WebSocket text
// frames. The first frame must be agent.identify; anything else, a missing
// frame within agents.handshake_timeout, or a rejected token closes the
// socket with status 1008. After the handshake the gateway replies
// {"status":"registered"}, pushes the agent's security policy with
// agent.update_policy, and routes every reply to the dispatcher. Requests the
// agent sends are answered with -32601; malformed frames get -32700 or
// -32600.
//
// A reconnect replaces the earlier socket. Only the socket that still owns
// the registration marks the agent offline when it ends.
//
// # HTTP API
//
//   - GET /health, GET /health/ready
//   - GET /api/agents
//   - GET|PUT /api/agents/{id}/policy (PUT accepts JSONC)
//   - GET /api/audit?agent_id=&status=&limit=
//   - POST /api/chat
//   - GET /api/sessions, GET /api/sessions/{id}/messages
//   - GET /api/sessions/{id}/watch (WebSocket stream of new turns)
//   - GET /api/approvals?status=, POST /api/approvals/{id}/approve|deny
//   - GET|POST /api/schedules, DELETE /api/schedules/{id}, POST /api/schedules/{id}/run
//
// Bodies and replies use the types in internal/client. Errors are
// {"error": "..."}.
//
// # Lifecycle
//
// Run serves on TCP, or on a tsnet node when tailscale.enabled is set, and
// runs the scheduler alongside the server in an errgroup. When the context
// ends, Shutdown fails pending agent calls, drains the HTTP server, closes
// agent sockets and watch streams, and closes the store.
package gateway
