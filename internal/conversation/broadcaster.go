// ABOUTME: In-memory fan-out broadcaster for persisted chat turns
// ABOUTME: Publishes each saved ChatMessage to every watcher of its session

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/fabricore-gateway/internal/store"
)

// subscriberBufferSize is the channel buffer for each watcher.
const subscriberBufferSize = 64

// EventBroadcaster provides in-memory pub/sub for persisted chat turns.
// Watchers subscribe to a session ID and receive turns as they are saved.
// A session with at least one watcher counts as attended.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.ChatMessage // sessionID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *store.ChatMessage),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a watcher for turns of the given session. The
// subscription is removed when ctx is cancelled. After Close the returned
// channel is already closed.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *store.ChatMessage, string) {
	subID := uuid.New().String()
	ch := make(chan *store.ChatMessage, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *store.ChatMessage)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends a turn to all watchers of the session except excludeSubID.
// Non-blocking: turns are dropped for watchers whose channels are full.
func (b *EventBroadcaster) Publish(sessionID string, msg *store.ChatMessage, excludeSubID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[sessionID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped turn for slow watcher",
				"session_id", sessionID,
				"message_id", msg.ID)
		}
	}
}

// Watching reports whether anyone is watching the session right now.
func (b *EventBroadcaster) Watching(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID]) > 0
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("watcher removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all watcher channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
