// ABOUTME: Tests for Dispatcher request correlation, timeouts, and disconnects.
// ABOUTME: Uses an in-memory transport and store.MockStore as the audit recorder.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389/fabricore-gateway/internal/protocol"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchResult struct {
	result json.RawMessage
	err    error
}

func setupDispatcher(t *testing.T, timeout time.Duration) (*Dispatcher, *Registry, *store.MockStore) {
	t.Helper()
	reg := NewRegistry(nil)
	audit := store.NewMockStore()
	d := NewDispatcher(DispatcherConfig{Registry: reg, Audit: audit, Timeout: timeout})
	t.Cleanup(d.Close)
	return d, reg, audit
}

func dispatchAsync(d *Dispatcher, call Call) <-chan dispatchResult {
	ch := make(chan dispatchResult, 1)
	go func() {
		res, err := d.Dispatch(context.Background(), call)
		ch <- dispatchResult{res, err}
	}()
	return ch
}

// nextRequest waits for the next frame written to the transport.
func nextRequest(t *testing.T, tr *fakeTransport) *protocol.Request {
	t.Helper()
	select {
	case frame := <-tr.sent:
		req, err := protocol.ParseRequest(frame)
		require.NoError(t, err)
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
		return nil
	}
}

func waitResult(t *testing.T, ch <-chan dispatchResult) dispatchResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch to return")
		return dispatchResult{}
	}
}

func reply(id json.RawMessage, result string) *protocol.Response {
	return &protocol.Response{ID: id, Result: json.RawMessage(result)}
}

func TestDispatch_AgentNotConnected(t *testing.T) {
	d, _, _ := setupDispatcher(t, time.Second)

	_, err := d.Dispatch(context.Background(), Call{AgentID: "ghost", Method: protocol.MethodToolExecute})
	assert.ErrorIs(t, err, ErrAgentNotConnected)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatch_Success(t *testing.T) {
	d, reg, audit := setupDispatcher(t, time.Second)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	resCh := dispatchAsync(d, Call{
		AgentID:   "a1",
		Method:    protocol.MethodToolExecute,
		Params:    protocol.ToolExecuteParams{ToolName: "run_command", Arguments: map[string]any{"command": "uptime"}},
		Tool:      "run_command",
		Arguments: map[string]any{"command": "uptime"},
	})

	req := nextRequest(t, tr)
	assert.Equal(t, protocol.Version, req.JSONRPC)
	assert.Equal(t, protocol.MethodToolExecute, req.Method)
	assert.JSONEq(t, `{"tool_name":"run_command","arguments":{"command":"uptime"}}`, string(req.Params))

	requestID := protocol.IDString(req.ID)
	rec, err := audit.GetAuditRecord(context.Background(), requestID)
	require.NoError(t, err, "audit record must exist before the reply")
	assert.Equal(t, store.AuditPending, rec.Status)

	assert.True(t, d.HandleResponse(reply(req.ID, `{"output":"up 3 days"}`)))

	r := waitResult(t, resCh)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"output":"up 3 days"}`, string(r.result))
	assert.Equal(t, 0, d.PendingCount())

	rec, err = audit.GetAuditRecord(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, store.AuditSuccess, rec.Status)
	assert.Equal(t, "run_command", rec.ToolName)
	require.NotNil(t, rec.CompletedAt)
}

func TestDispatch_RemoteError(t *testing.T) {
	d, reg, audit := setupDispatcher(t, time.Second)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: protocol.MethodToolExecute, Tool: "run_command"})
	req := nextRequest(t, tr)

	d.HandleResponse(protocol.NewError(req.ID, protocol.CodeApprovalRequired, "approval required"))

	r := waitResult(t, resCh)
	var remote *RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.True(t, remote.IsApprovalRequired())
	assert.Equal(t, "approval required", remote.Message)

	rec, err := audit.GetAuditRecord(context.Background(), protocol.IDString(req.ID))
	require.NoError(t, err)
	assert.Equal(t, store.AuditError, rec.Status)
	assert.JSONEq(t, `{"code":-32001,"error":"approval required"}`, string(rec.Result))
}

func TestDispatch_TimeoutForgetsIdentifier(t *testing.T) {
	d, reg, audit := setupDispatcher(t, 50*time.Millisecond)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	start := time.Now()
	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: protocol.MethodToolExecute})
	req := nextRequest(t, tr)

	r := waitResult(t, resCh)
	assert.ErrorIs(t, r.err, ErrCommandTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, d.PendingCount())

	// A late reply is discarded, not an error
	assert.False(t, d.HandleResponse(reply(req.ID, `{"output":"late"}`)))

	rec, err := audit.GetAuditRecord(context.Background(), protocol.IDString(req.ID))
	require.NoError(t, err)
	assert.Equal(t, store.AuditError, rec.Status)
}

func TestDispatch_PerCallTimeoutOverride(t *testing.T) {
	d, reg, _ := setupDispatcher(t, time.Hour)
	conn, _ := newTestConnection("a1")
	reg.Register(conn)

	_, err := d.Dispatch(context.Background(), Call{AgentID: "a1", Method: "x", Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrCommandTimedOut)
}

func TestDispatch_CallerCancellation(t *testing.T) {
	d, reg, _ := setupDispatcher(t, time.Hour)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, Call{AgentID: "a1", Method: "x"})
		resCh <- err
	}()
	nextRequest(t, tr)
	cancel()

	select {
	case err := <-resCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
}

func TestDispatch_OutOfOrderReplies(t *testing.T) {
	d, reg, _ := setupDispatcher(t, 2*time.Second)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	first := dispatchAsync(d, Call{AgentID: "a1", Method: "x", Params: map[string]string{"n": "1"}})
	req1 := nextRequest(t, tr)
	second := dispatchAsync(d, Call{AgentID: "a1", Method: "x", Params: map[string]string{"n": "2"}})
	req2 := nextRequest(t, tr)
	assert.Equal(t, 2, d.PendingCount())

	d.HandleResponse(reply(req2.ID, `"two"`))
	r2 := waitResult(t, second)
	require.NoError(t, r2.err)
	assert.Equal(t, `"two"`, string(r2.result))
	assert.Equal(t, 1, d.PendingCount(), "the first call is unaffected")

	d.HandleResponse(reply(req1.ID, `"one"`))
	r1 := waitResult(t, first)
	require.NoError(t, r1.err)
	assert.Equal(t, `"one"`, string(r1.result))
}

func TestDispatch_UnknownReplyLeavesOthersAlone(t *testing.T) {
	d, reg, _ := setupDispatcher(t, 2*time.Second)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: "x"})
	req := nextRequest(t, tr)

	assert.False(t, d.HandleResponse(reply(protocol.StringID("not-a-real-id"), `{}`)))
	assert.Equal(t, 1, d.PendingCount())

	d.HandleResponse(reply(req.ID, `{}`))
	require.NoError(t, waitResult(t, resCh).err)
}

func TestDispatch_DisconnectFailsPendingCalls(t *testing.T) {
	d, reg, _ := setupDispatcher(t, time.Hour)
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: "x"})
	nextRequest(t, tr)

	reg.Release(conn)
	d.ConnectionLost(conn)

	r := waitResult(t, resCh)
	assert.ErrorIs(t, r.err, ErrAgentDisconnected)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatch_ReplyAfterReconnectStillCorrelates(t *testing.T) {
	d, reg, _ := setupDispatcher(t, time.Hour)
	oldConn, tr := newTestConnection("a1")
	reg.Register(oldConn)

	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: "x"})
	req := nextRequest(t, tr)

	// The agent reconnects before the old socket's loop notices it is dead
	newConn, _ := newTestConnection("a1")
	reg.Register(newConn)
	assert.False(t, reg.Release(oldConn))
	d.ConnectionLost(oldConn)
	assert.Equal(t, 1, d.PendingCount(), "call survives on the newer connection")

	// The reply arrives on the new channel
	assert.True(t, d.HandleResponse(reply(req.ID, `{"output":"done"}`)))
	r := waitResult(t, resCh)
	require.NoError(t, r.err)

	// If the newer connection dies too, its adopted calls fail
	resCh = dispatchAsync(d, Call{AgentID: "a1", Method: "x"})
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	reg.Release(newConn)
	d.ConnectionLost(newConn)
	assert.ErrorIs(t, waitResult(t, resCh).err, ErrAgentDisconnected)
}

func TestDispatch_SendFailure(t *testing.T) {
	d, reg, _ := setupDispatcher(t, time.Second)
	conn, tr := newTestConnection("a1")
	tr.sendErr = errors.New("broken pipe")
	reg.Register(conn)

	_, err := d.Dispatch(context.Background(), Call{AgentID: "a1", Method: "x"})
	assert.ErrorIs(t, err, ErrAgentDisconnected)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatch_AuditFailureAbortsBeforeSend(t *testing.T) {
	d, reg, audit := setupDispatcher(t, time.Second)
	audit.AuditErr = errors.New("disk full")
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	_, err := d.Dispatch(context.Background(), Call{AgentID: "a1", Method: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, d.PendingCount())
	assert.Empty(t, tr.sent, "nothing may be sent without an audit trail")
}

func TestDispatch_DuplicateRequestID(t *testing.T) {
	d, reg, _ := setupDispatcher(t, time.Hour)
	d.audit = nil
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: "x", RequestID: "fixed"})
	nextRequest(t, tr)

	_, err := d.Dispatch(context.Background(), Call{AgentID: "a1", Method: "x", RequestID: "fixed"})
	assert.ErrorIs(t, err, ErrDuplicateRequestID)

	d.HandleResponse(reply(protocol.StringID("fixed"), `{}`))
	require.NoError(t, waitResult(t, resCh).err)
}

func TestDispatch_CloseUnblocksWaiters(t *testing.T) {
	reg := NewRegistry(nil)
	d := NewDispatcher(DispatcherConfig{Registry: reg, Timeout: time.Hour})
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	resCh := dispatchAsync(d, Call{AgentID: "a1", Method: "x"})
	nextRequest(t, tr)

	d.Close()
	assert.ErrorIs(t, waitResult(t, resCh).err, ErrDispatcherClosed)

	_, err := d.Dispatch(context.Background(), Call{AgentID: "a1", Method: "x"})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

// Replies racing timeouts must still produce exactly one outcome per call.
func TestDispatch_ReplyRacingTimeoutResolvesOnce(t *testing.T) {
	reg := NewRegistry(nil)
	d := NewDispatcher(DispatcherConfig{Registry: reg, Timeout: 5 * time.Millisecond})
	defer d.Close()
	conn, tr := newTestConnection("a1")
	reg.Register(conn)

	const calls = 50
	var wg sync.WaitGroup
	results := make(chan error, calls)

	go func() {
		for frame := range tr.sent {
			req, err := protocol.ParseRequest(frame)
			if err != nil {
				continue
			}
			time.Sleep(4 * time.Millisecond)
			d.HandleResponse(reply(req.ID, `{}`))
		}
	}()

	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), Call{AgentID: "a1", Method: "x"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for err := range results {
		count++
		if err != nil {
			assert.ErrorIs(t, err, ErrCommandTimedOut)
		}
	}
	assert.Equal(t, calls, count)
	assert.Equal(t, 0, d.PendingCount())
}
