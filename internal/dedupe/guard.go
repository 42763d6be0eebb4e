// ABOUTME: Thread-safe TTL claim guard for collapsing concurrent work on one key
// ABOUTME: Used to keep duplicate approval decisions and pause records from racing

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	at      time.Time
	element *list.Element
}

// Guard tracks claimed keys. A claim lasts until it is released or its TTL
// passes; the oldest claim is evicted when the guard is full.
type Guard struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a guard with the given TTL and capacity and starts its sweeper.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

// Claim takes the key if nobody holds a live claim on it.
// Returns true for the single winner.
func (g *Guard) Claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if c, ok := g.claims[key]; ok {
		if now.Sub(c.at) < g.ttl {
			return false
		}
		c.at = now
		g.order.MoveToBack(c.element)
		return true
	}

	if len(g.claims) >= g.maxSize {
		g.evictOldest()
	}
	g.claims[key] = &claim{at: now, element: g.order.PushBack(key)}
	return true
}

// Release drops a claim so the key can be claimed again.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.claims[key]; ok {
		g.order.Remove(c.element)
		delete(g.claims, key)
	}
}

// Must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.claims, key)
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.removeExpired()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) removeExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, c := range g.claims {
		if now.Sub(c.at) >= g.ttl {
			g.order.Remove(c.element)
			delete(g.claims, key)
		}
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
