// ABOUTME: Tests for the agent Registry and Connection.
// ABOUTME: Validates supersede, release, and idempotent unregister behavior.

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/2389/fabricore-gateway/internal/protocol"
)

// fakeTransport records frames written to it.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	sent    chan []byte
	sendErr error
	closed  bool
	reason  string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 64)}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	f.sent <- frame
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestConnection(agentID string) (*Connection, *fakeTransport) {
	tr := newFakeTransport()
	conn := NewConnection(ConnectionParams{
		AgentID:   agentID,
		Identity:  Identity{Hostname: agentID + ".lan", Platform: "linux"},
		Transport: tr,
	})
	return conn, tr
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	conn, _ := newTestConnection("a1")

	if prev := reg.Register(conn); prev != nil {
		t.Fatalf("expected no previous connection, got %v", prev.ID)
	}

	got, err := reg.Get("a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != conn {
		t.Error("Get returned a different connection")
	}
	if !reg.IsOnline("a1") {
		t.Error("expected a1 online")
	}

	if _, err := reg.Get("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRegistry_SupersedesWithoutClosing(t *testing.T) {
	reg := NewRegistry(nil)
	first, firstTr := newTestConnection("a1")
	second, _ := newTestConnection("a1")

	reg.Register(first)
	prev := reg.Register(second)

	if prev != first {
		t.Fatal("expected the first connection to be returned as superseded")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected exactly one entry, got %d", reg.Count())
	}
	got, _ := reg.Get("a1")
	if got != second {
		t.Error("expected the newer connection to win")
	}
	if firstTr.isClosed() {
		t.Error("superseding must not close the old transport")
	}
}

func TestRegistry_ReleaseOnlyRemovesOwnEntry(t *testing.T) {
	reg := NewRegistry(nil)
	first, _ := newTestConnection("a1")
	second, _ := newTestConnection("a1")

	reg.Register(first)
	reg.Register(second)

	if reg.Release(first) {
		t.Fatal("a superseded connection must not evict its successor")
	}
	if !reg.IsOnline("a1") {
		t.Fatal("a1 should still be online")
	}
	if !reg.Release(second) {
		t.Fatal("expected release of the current connection to succeed")
	}
	if reg.IsOnline("a1") {
		t.Error("a1 should be offline after release")
	}
}

func TestRegistry_UnregisterIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	conn, _ := newTestConnection("a1")
	reg.Register(conn)

	reg.Unregister("a1")
	reg.Unregister("a1")
	reg.Unregister("never-registered")

	if _, err := reg.Get("a1"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound after unregister, got %v", err)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		conn, _ := newTestConnection(id)
		reg.Register(conn)
	}

	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(infos))
	}
	for i, want := range []string{"a", "b", "c"} {
		if infos[i].ID != want {
			t.Errorf("infos[%d].ID = %q, want %q", i, infos[i].ID, want)
		}
	}
	if infos[0].Hostname != "a.lan" {
		t.Errorf("hostname not carried into Info: %q", infos[0].Hostname)
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn, tr := newTestConnection("a1")

	if !conn.Alive() {
		t.Fatal("new connection should be alive")
	}
	if err := conn.Close("shutdown"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := conn.Close("again"); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if conn.Alive() {
		t.Error("closed connection should not be alive")
	}
	if tr.reason != "shutdown" {
		t.Errorf("expected first close reason to win, got %q", tr.reason)
	}
	if err := conn.Send(context.Background(), []byte("{}")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestIdentityFromHandshake(t *testing.T) {
	p := &protocol.IdentifyParams{
		AgentID: "a1",
		OSInfo: protocol.OSInfo{
			Platform:    "linux",
			Hostname:    "box1",
			Arch:        "arm64",
			MemoryTotal: 4096,
		},
		Capabilities: protocol.Capabilities{NativeTools: []string{"run_command"}},
	}

	id := IdentityFromHandshake(p)
	if id.Hostname != "box1" || id.Arch != "arm64" || id.MemoryTotal != 4096 {
		t.Errorf("unexpected identity: %+v", id)
	}
	if len(id.Tools) != 1 || id.Tools[0] != "run_command" {
		t.Errorf("unexpected tools: %v", id.Tools)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nil)
	c1, t1 := newTestConnection("a1")
	c2, t2 := newTestConnection("a2")
	r.Register(c1)
	r.Register(c2)

	if n := r.CloseAll("shutdown"); n != 2 {
		t.Fatalf("CloseAll() = %d, want 2", n)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after CloseAll, want 0", r.Count())
	}
	if !t1.isClosed() || !t2.isClosed() {
		t.Error("CloseAll should close every transport")
	}
	if c1.Alive() || c2.Alive() {
		t.Error("connections should report closed")
	}
}
