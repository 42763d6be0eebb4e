// ABOUTME: Tests for the EventBroadcaster that fans chat turns out to session watchers
// ABOUTME: Covers subscribe, publish, unsubscribe, watching state, context cancellation, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTurn(id, sessionID string) *store.ChatMessage {
	return &store.ChatMessage{
		ID:        id,
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   "hello from " + id,
		CreatedAt: time.Now(),
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch, _ := b.Subscribe(ctx, "sess-1")

	turn := makeTurn("turn-1", "sess-1")
	b.Publish("sess-1", turn, "")

	select {
	case received := <-ch:
		assert.Equal(t, "turn-1", received.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for turn")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "sess-1")
	ch2, _ := b.Subscribe(ctx, "sess-1")
	ch3, _ := b.Subscribe(ctx, "sess-1")

	turn := makeTurn("turn-2", "sess-1")
	b.Publish("sess-1", turn, "")

	for i, ch := range []<-chan *store.ChatMessage{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, "turn-2", received.ID, "subscriber %d got wrong turn", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_DifferentSessionsAreIsolated(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, _ := b.Subscribe(ctx, "sess-1")
	ch2, _ := b.Subscribe(ctx, "sess-2")

	turn := makeTurn("turn-3", "sess-1")
	b.Publish("sess-1", turn, "")

	// ch1 should receive the turn
	select {
	case received := <-ch1:
		assert.Equal(t, "turn-3", received.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for sess-1 timed out")
	}

	// ch2 should NOT receive anything
	select {
	case <-ch2:
		t.Fatal("subscriber for sess-2 should not receive turns for sess-1")
	case <-time.After(100 * time.Millisecond):
		// Expected: no turn
	}
}

func TestBroadcaster_ExcludeSubIDSkipsOriginator(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch1, subID1 := b.Subscribe(ctx, "sess-1")
	ch2, _ := b.Subscribe(ctx, "sess-1")

	turn := makeTurn("turn-4", "sess-1")
	b.Publish("sess-1", turn, subID1)

	// ch1 (the excluded subscriber) should NOT receive the turn
	select {
	case <-ch1:
		t.Fatal("excluded subscriber should not receive the turn")
	case <-time.After(100 * time.Millisecond):
		// Expected
	}

	// ch2 should still receive it
	select {
	case received := <-ch2:
		assert.Equal(t, "turn-4", received.ID)
	case <-time.After(time.Second):
		t.Fatal("non-excluded subscriber timed out")
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	// Subscribe but never read from ch1 (slow consumer)
	_, _ = b.Subscribe(ctx, "sess-1")
	ch2, _ := b.Subscribe(ctx, "sess-1")

	// Publish more turns than the buffer size to overflow ch1
	for i := range 100 {
		turn := makeTurn("turn-overflow-"+string(rune('0'+i%10)), "sess-1")
		b.Publish("sess-1", turn, "")
	}

	// ch2 should still receive turns (publisher wasn't blocked)
	receivedCount := 0
	for {
		select {
		case <-ch2:
			receivedCount++
		case <-time.After(200 * time.Millisecond):
			goto done
		}
	}
done:
	assert.Greater(t, receivedCount, 0, "fast consumer should receive at least some turns")
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "sess-1")

	// Verify subscription exists
	b.mu.RLock()
	_, exists := b.subscribers["sess-1"][subID]
	b.mu.RUnlock()
	assert.True(t, exists, "subscription should exist before cancel")

	// Cancel the context
	cancel()

	// Give cleanup goroutine time to run
	time.Sleep(50 * time.Millisecond)

	// Subscription should be cleaned up
	b.mu.RLock()
	subs, convExists := b.subscribers["sess-1"]
	if convExists {
		_, subExists := subs[subID]
		assert.False(t, subExists, "subscription should be removed after context cancel")
	}
	b.mu.RUnlock()

	// Channel should be closed
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	ch, subID := b.Subscribe(ctx, "sess-1")

	b.Unsubscribe("sess-1", subID)

	// Channel should be closed
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing should not panic
	turn := makeTurn("turn-after-unsub", "sess-1")
	b.Publish("sess-1", turn, "")
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewEventBroadcaster(nil)

	ctx1 := t.Context()
	ctx2 := t.Context()

	ch1, _ := b.Subscribe(ctx1, "sess-1")
	ch2, _ := b.Subscribe(ctx2, "sess-2")

	b.Close()

	// Both channels should be closed
	for i, ch := range []<-chan *store.ChatMessage{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	// Spawn concurrent subscribers
	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "sess-concurrent")
			// Read a few turns then exit
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	// Spawn concurrent publishers
	for range 10 {
		wg.Go(func() {
			for range 10 {
				turn := makeTurn("concurrent-turn", "sess-concurrent")
				b.Publish("sess-concurrent", turn, "")
			}
		})
	}

	wg.Wait()
	// If we get here without deadlock or panic, the test passes
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()

	_, id1 := b.Subscribe(ctx, "sess-1")
	_, id2 := b.Subscribe(ctx, "sess-1")
	_, id3 := b.Subscribe(ctx, "sess-2")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}

func TestBroadcaster_PublishToUnwatchedSession(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	// Should not panic
	turn := makeTurn("turn-nowhere", "nobody-listening")
	b.Publish("nobody-listening", turn, "")
}

func TestBroadcaster_Watching(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	assert.False(t, b.Watching("sess-1"))

	ctx, cancel := context.WithCancel(context.Background())
	_, subID := b.Subscribe(ctx, "sess-1")
	assert.True(t, b.Watching("sess-1"))
	assert.False(t, b.Watching("sess-2"))

	b.Unsubscribe("sess-1", subID)
	assert.False(t, b.Watching("sess-1"))
	cancel()
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewEventBroadcaster(nil)
	b.Close()

	ch, _ := b.Subscribe(t.Context(), "sess-1")
	_, ok := <-ch
	assert.False(t, ok, "subscribing to a closed broadcaster yields a closed channel")
	assert.False(t, b.Watching("sess-1"))
}
