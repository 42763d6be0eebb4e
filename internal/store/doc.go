// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is interface-driven. Each concern has its own interface
// and Store composes them:
//
//   - AgentStore: last-known identity of every agent that completed a handshake
//   - PolicyStore: per-agent security policy documents
//   - AuditStore: one record per dispatched command, keyed by wire request id
//   - ApprovalStore: paused tool invocations awaiting a human decision
//   - ChatStore: chat sessions and their ordered turns
//   - ScheduleStore: cron schedules for unattended episodes
//
// SQLiteStore implements all of them in a single struct.
//
// # Approvals
//
// DecideApproval is a conditional update on status = 'pending', so an
// approval is decided at most once. Losers of a race get ErrAlreadyDecided.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC 3339 text with nanosecond precision.
//
// # Testing
//
// Use NewMockStore() for unit tests of packages that depend on Store.
// Use NewSQLiteStore(":memory:") or a temp file for store tests.
package store
