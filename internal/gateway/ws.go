// ABOUTME: Agent WebSocket endpoint: identify handshake, receive loop, and policy push
// ABOUTME: Each socket becomes an agent.Connection; replies are routed to the dispatcher

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/2389/fabricore-gateway/internal/agent"
	"github.com/2389/fabricore-gateway/internal/auth"
	"github.com/2389/fabricore-gateway/internal/policy"
	"github.com/2389/fabricore-gateway/internal/protocol"
	"github.com/2389/fabricore-gateway/internal/store"
)

// wsTransport backs an agent.Connection with a WebSocket.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleAgentSocket handles GET /ws.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		g.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(maxFrameSize)

	ctx := r.Context()

	params, identifyID, ok := g.handshake(ctx, ws, r.RemoteAddr)
	if !ok {
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		AgentID:   params.AgentID,
		Identity:  agent.IdentityFromHandshake(params),
		Transport: &wsTransport{conn: ws},
		Logger:    g.logger,
	})
	if prev := g.registry.Register(conn); prev != nil {
		_ = prev.Close("superseded by a new connection")
	}
	defer g.disconnect(conn)

	if err := g.recordAgent(ctx, conn); err != nil {
		g.logger.Error("failed to record agent", "agent_id", conn.AgentID, "error", err)
	}

	ack, err := protocol.NewResult(identifyID, protocol.RegisteredResult{Status: "registered", AgentID: conn.AgentID})
	if err == nil {
		err = g.sendResponse(ctx, conn, ack)
	}
	if err != nil {
		g.logger.Warn("failed to acknowledge identify", "agent_id", conn.AgentID, "error", err)
		return
	}

	// The reply to the push arrives through the receive loop below
	go g.pushPolicy(context.WithoutCancel(ctx), conn.AgentID)

	g.receiveLoop(ctx, ws, conn)
}

// handshake reads and validates the first frame. On failure the socket is
// closed with a policy violation and ok is false.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn, remote string) (*protocol.IdentifyParams, json.RawMessage, bool) {
	readCtx, cancel := context.WithTimeout(ctx, g.config.Agents.HandshakeTimeout)
	defer cancel()

	_, frame, err := ws.Read(readCtx)
	if err != nil {
		g.logger.Warn("agent handshake not received", "remote", remote, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "agent.identify required")
		return nil, nil, false
	}

	req, params, err := protocol.ParseIdentify(frame)
	if err != nil {
		g.logger.Warn("rejecting agent handshake", "remote", remote, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "first message must be agent.identify")
		return nil, nil, false
	}

	if g.verifier != nil {
		if err := auth.VerifyAgent(g.verifier, params.Token, params.AgentID); err != nil {
			g.logger.Warn("agent token rejected", "agent_id", params.AgentID, "remote", remote, "error", err)
			_ = ws.Close(websocket.StatusPolicyViolation, "invalid agent token")
			return nil, nil, false
		}
	}

	return params, req.ID, true
}

// receiveLoop routes replies to the dispatcher until the socket closes.
func (g *Gateway) receiveLoop(ctx context.Context, ws *websocket.Conn, conn *agent.Connection) {
	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				g.logger.Debug("agent socket closed", "agent_id", conn.AgentID, "status", status)
			} else {
				g.logger.Warn("agent socket read failed", "agent_id", conn.AgentID, "error", err)
			}
			return
		}

		switch protocol.Classify(frame) {
		case protocol.KindResponse:
			resp, err := protocol.ParseResponse(frame)
			if err != nil {
				g.logger.Warn("dropping malformed response", "agent_id", conn.AgentID, "error", err)
				continue
			}
			g.dispatcher.HandleResponse(resp)

		case protocol.KindRequest:
			// Agents do not call the gateway; notifications are ignored
			id := gjson.GetBytes(frame, "id")
			method := gjson.GetBytes(frame, "method").String()
			if !id.Exists() || id.Type == gjson.Null {
				g.logger.Debug("ignoring agent notification", "agent_id", conn.AgentID, "method", method)
				continue
			}
			g.logger.Warn("agent called unknown method", "agent_id", conn.AgentID, "method", method)
			resp := protocol.NewError(json.RawMessage(id.Raw), protocol.CodeMethodNotFound, "method not found: "+method)
			if err := g.sendResponse(ctx, conn, resp); err != nil {
				return
			}

		default:
			code, msg := protocol.CodeInvalidRequest, "invalid request"
			if !gjson.ValidBytes(frame) {
				code, msg = protocol.CodeParseError, "parse error"
			}
			g.logger.Warn("agent sent invalid frame", "agent_id", conn.AgentID, "code", code)
			if err := g.sendResponse(ctx, conn, protocol.NewError(nil, code, msg)); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendResponse(ctx context.Context, conn *agent.Connection, resp *protocol.Response) error {
	frame, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Send(writeCtx, frame)
}

// recordAgent upserts the durable agent record as online.
func (g *Gateway) recordAgent(ctx context.Context, conn *agent.Connection) error {
	id := conn.Identity
	return g.store.UpsertAgent(ctx, &store.Agent{
		ID:           conn.AgentID,
		Hostname:     id.Hostname,
		Platform:     id.Platform,
		Arch:         id.Arch,
		Release:      id.Release,
		MemoryTotal:  id.MemoryTotal,
		Capabilities: id.Tools,
		Status:       store.AgentStatusOnline,
		LastSeen:     time.Now().UTC(),
	})
}

// disconnect releases a socket's registration and fails its pending calls.
// An agent that already reconnected on a newer socket stays online.
func (g *Gateway) disconnect(conn *agent.Connection) {
	released := g.registry.Release(conn)
	g.dispatcher.ConnectionLost(conn)
	_ = conn.Close("receive loop ended")

	if !released {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.SetAgentStatus(ctx, conn.AgentID, store.AgentStatusOffline, time.Now().UTC()); err != nil {
		g.logger.Warn("failed to mark agent offline", "agent_id", conn.AgentID, "error", err)
	}
}

// pushPolicy sends the agent its stored policy. Failures are logged only.
func (g *Gateway) pushPolicy(ctx context.Context, agentID string) {
	p, err := g.policy.Policy(ctx, agentID)
	if err != nil {
		g.logger.Warn("policy push skipped", "agent_id", agentID, "error", err)
		return
	}
	if err := g.sendPolicy(ctx, agentID, p); err != nil {
		g.logger.Warn("policy push failed", "agent_id", agentID, "error", err)
		return
	}
	g.logger.Debug("policy pushed", "agent_id", agentID)
}

func (g *Gateway) sendPolicy(ctx context.Context, agentID string, p policy.SecurityPolicy) error {
	doc, err := p.Document()
	if err != nil {
		return err
	}
	_, err = g.dispatcher.Dispatch(ctx, agent.Call{
		AgentID: agentID,
		Method:  protocol.MethodUpdatePolicy,
		Params:  protocol.UpdatePolicyParams{Policy: doc},
		Timeout: policyPushTimeout,
	})
	return err
}
