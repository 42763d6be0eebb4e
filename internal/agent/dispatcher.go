// ABOUTME: Dispatches JSON-RPC commands to agents and correlates their replies.
// ABOUTME: Handles request correlation, timeouts, and agent disconnection.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fabricore-gateway/internal/protocol"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/google/uuid"
)

// ErrAgentNotConnected indicates the target agent has no registered connection.
var ErrAgentNotConnected = errors.New("agent not connected")

// ErrCommandTimedOut indicates no reply arrived before the call's deadline.
var ErrCommandTimedOut = errors.New("command timed out")

// ErrAgentDisconnected indicates the connection carrying the call went away.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrDuplicateRequestID indicates the request ID is already in use.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// ErrDispatcherClosed indicates the dispatcher was shut down.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DefaultTimeout is the default time a dispatched call waits for its reply.
const DefaultTimeout = 30 * time.Second

// RemoteError is a JSON-RPC error returned by the agent.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// IsApprovalRequired reports whether the agent refused pending human approval.
func (e *RemoteError) IsApprovalRequired() bool {
	return e.Code == protocol.CodeApprovalRequired
}

// AuditRecorder receives the lifecycle of every dispatched call.
// store.Store satisfies it.
type AuditRecorder interface {
	CreateAuditRecord(ctx context.Context, rec *store.AuditRecord) error
	CompleteAuditRecord(ctx context.Context, id string, status store.AuditStatus, result json.RawMessage, completedAt time.Time) error
}

// Call describes one command to dispatch.
type Call struct {
	AgentID string
	Method  string
	Params  any
	Timeout time.Duration // zero uses the dispatcher default

	// RequestID is normally generated; set it only to reuse a known identifier.
	RequestID string

	// Tool and Arguments label the audit record.
	Tool      string
	Arguments map[string]any
}

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCall is owned by whichever goroutine removes it from the pending map.
// That goroutine delivers exactly one outcome on ch, which never blocks.
type pendingCall struct {
	agentID   string
	conn      *Connection
	ch        chan outcome
	createdAt time.Time
}

// Dispatcher sends commands to agents and correlates replies by request ID.
type Dispatcher struct {
	registry *Registry
	audit    AuditRecorder
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// DispatcherConfig contains configuration options for the Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Audit    AuditRecorder // optional
	Logger   *slog.Logger
	Timeout  time.Duration
}

// NewDispatcher creates a new Dispatcher with the given configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		registry: cfg.Registry,
		audit:    cfg.Audit,
		logger:   logger,
		timeout:  timeout,
		pending:  make(map[string]*pendingCall),
	}
}

// Dispatch sends a command to an agent and blocks until the reply, the timeout,
// loss of the connection, or cancellation of ctx. Exactly one of these is reported.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (json.RawMessage, error) {
	conn, err := d.registry.Get(call.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, call.AgentID)
	}

	requestID := call.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	req, err := protocol.NewRequest(requestID, call.Method, call.Params)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	pc, err := d.createPendingCall(requestID, conn)
	if err != nil {
		return nil, err
	}

	// The audit trail must exist before the agent can act on the command
	if d.audit != nil {
		rec := &store.AuditRecord{
			ID:        requestID,
			AgentID:   call.AgentID,
			ToolName:  auditToolName(call),
			Arguments: call.Arguments,
			Status:    store.AuditPending,
			CreatedAt: pc.createdAt,
		}
		if err := d.audit.CreateAuditRecord(ctx, rec); err != nil {
			d.claim(requestID)
			return nil, fmt.Errorf("recording audit entry: %w", err)
		}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := conn.Send(waitCtx, frame); err != nil {
		if d.claim(requestID) {
			d.logger.Warn("failed to send command",
				"agent_id", call.AgentID,
				"request_id", requestID,
				"error", err,
			)
			err = fmt.Errorf("%w: %v", ErrAgentDisconnected, err)
			d.complete(ctx, requestID, nil, err)
			return nil, err
		}
		// A reply or disconnect already resolved the call
		out := <-pc.ch
		d.complete(ctx, requestID, out.result, out.err)
		return out.result, out.err
	}

	d.logger.Info("→ dispatched",
		"agent_id", call.AgentID,
		"method", call.Method,
		"tool_name", call.Tool,
		"request_id", requestID,
	)

	var out outcome
	select {
	case out = <-pc.ch:
	case <-waitCtx.Done():
		if d.claim(requestID) {
			out.err = waitErr(ctx, waitCtx)
			d.logger.Warn("command timed out or cancelled",
				"agent_id", call.AgentID,
				"tool_name", call.Tool,
				"request_id", requestID,
				"timeout", timeout,
				"error", out.err,
			)
		} else {
			out = <-pc.ch
		}
	}

	if out.err == nil {
		d.logger.Info("← responded",
			"agent_id", call.AgentID,
			"request_id", requestID,
			"elapsed", time.Since(pc.createdAt),
		)
	}
	d.complete(ctx, requestID, out.result, out.err)
	return out.result, out.err
}

// waitErr distinguishes a deadline from caller cancellation.
func waitErr(parent, wait context.Context) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return parent.Err()
	}
	if errors.Is(wait.Err(), context.DeadlineExceeded) {
		return ErrCommandTimedOut
	}
	return wait.Err()
}

func auditToolName(call Call) string {
	if call.Tool != "" {
		return call.Tool
	}
	return call.Method
}

// complete writes the final audit state. It runs detached from the call's
// deadline so a timed-out call is still recorded.
func (d *Dispatcher) complete(ctx context.Context, requestID string, result json.RawMessage, callErr error) {
	if d.audit == nil {
		return
	}
	status := store.AuditSuccess
	payload := result
	if callErr != nil {
		status = store.AuditError
		payload = errorPayload(callErr)
	}
	if err := d.audit.CompleteAuditRecord(context.WithoutCancel(ctx), requestID, status, payload, time.Now().UTC()); err != nil {
		d.logger.Error("failed to complete audit record",
			"request_id", requestID,
			"error", err,
		)
	}
}

func errorPayload(err error) json.RawMessage {
	body := map[string]any{"error": err.Error()}
	var remote *RemoteError
	if errors.As(err, &remote) {
		body["code"] = remote.Code
		body["error"] = remote.Message
	}
	data, _ := json.Marshal(body)
	return data
}

// HandleResponse routes an inbound reply to its waiting caller.
// Returns false when no call is waiting for the identifier; the reply is discarded.
func (d *Dispatcher) HandleResponse(resp *protocol.Response) bool {
	requestID := protocol.IDString(resp.ID)

	d.mu.Lock()
	pc, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("received response for unknown request",
			"request_id", requestID,
		)
		return false
	}

	var out outcome
	if resp.Error != nil {
		out.err = &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	} else {
		out.result = resp.Result
	}
	pc.ch <- out
	return true
}

// ConnectionLost fails every call sent on conn with ErrAgentDisconnected.
// Calls whose agent already re-registered on a newer connection stay pending
// so a reply arriving on the new channel still resolves them.
func (d *Dispatcher) ConnectionLost(conn *Connection) {
	var failed []*pendingCall

	d.mu.Lock()
	current, err := d.registry.Get(conn.AgentID)
	for requestID, pc := range d.pending {
		if pc.conn != conn {
			continue
		}
		if err == nil && current != conn {
			pc.conn = current
			continue
		}
		delete(d.pending, requestID)
		failed = append(failed, pc)
	}
	d.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- outcome{err: fmt.Errorf("%w: %s", ErrAgentDisconnected, pc.agentID)}
	}
	if len(failed) > 0 {
		d.logger.Warn("failed pending calls for lost connection",
			"agent_id", conn.AgentID,
			"connection_id", conn.ID,
			"failed", len(failed),
		)
	}
}

// createPendingCall registers a new pending call.
// Returns ErrDuplicateRequestID if a call with the same ID is already pending.
func (d *Dispatcher) createPendingCall(requestID string, conn *Connection) (*pendingCall, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if _, exists := d.pending[requestID]; exists {
		return nil, ErrDuplicateRequestID
	}

	pc := &pendingCall{
		agentID:   conn.AgentID,
		conn:      conn,
		ch:        make(chan outcome, 1),
		createdAt: time.Now().UTC(),
	}
	d.pending[requestID] = pc
	return pc, nil
}

// claim removes a pending call. The caller that gets true owns its resolution.
func (d *Dispatcher) claim(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pending[requestID]; !ok {
		return false
	}
	delete(d.pending, requestID)
	return true
}

// PendingCount returns the number of calls awaiting a reply (for testing/monitoring).
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with ErrDispatcherClosed and rejects new ones.
// This should be called during graceful shutdown to unblock any waiting callers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- outcome{err: ErrDispatcherClosed}
	}
	d.logger.Info("dispatcher closed", "pending_cancelled", len(pending))
}
