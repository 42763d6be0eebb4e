// Package conversation runs the agent loop: the bounded cycle of asking the
// generator for the next step, executing any tool call it makes, and feeding
// the observation back.
//
// # Episodes
//
// Controller.Start records the opening turn and loops until the generator
// answers with plain content (Done), a tool call needs a human decision
// (Paused), or the episode fails or runs out of turns (Aborted).
//
// Every turn is persisted before the loop continues. Controller.Resume never
// trusts in-memory state: after applying an approval it rebuilds the history
// from the stored session, so a decision made after a restart, or on an older
// session, continues where that session left off.
//
// A session runs one episode at a time. Start or Resume on a session that
// already has an episode in progress returns ErrSessionBusy.
//
// # Watchers
//
// EventBroadcaster fans persisted turns out to anyone watching a session.
// When an episode ends with nobody watching, the session is marked unread.
package conversation
