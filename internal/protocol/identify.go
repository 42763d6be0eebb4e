// ABOUTME: Identity handshake and tool execution parameter types
// ABOUTME: Validates that the first frame on a connection is a well-formed agent.identify

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OSInfo describes the host an agent runs on.
type OSInfo struct {
	Platform    string `json:"platform"`
	Hostname    string `json:"hostname"`
	Arch        string `json:"arch"`
	Release     string `json:"release,omitempty"`
	MemoryTotal uint64 `json:"memory_total"`
}

// Capabilities lists the tools/methods an agent declares support for.
type Capabilities struct {
	NativeTools []string `json:"native_tools"`
}

// IdentifyParams are the params of the agent.identify handshake.
type IdentifyParams struct {
	AgentID      string       `json:"agent_id"`
	Token        string       `json:"token,omitempty"`
	OSInfo       OSInfo       `json:"os_info"`
	Capabilities Capabilities `json:"capabilities"`
}

// RegisteredResult is the handshake acknowledgement sent back to the agent.
type RegisteredResult struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

// UpdatePolicyParams pushes the current security policy document to an agent.
type UpdatePolicyParams struct {
	Policy json.RawMessage `json:"policy"`
}

// ToolExecuteParams are the params of a tool.execute command.
type ToolExecuteParams struct {
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ApprovedBy  string         `json:"approved_by,omitempty"`
}

// ParseIdentify validates a handshake frame. Malformed JSON, any method other
// than agent.identify, or a missing agent id is a protocol violation.
func ParseIdentify(frame []byte) (*Request, *IdentifyParams, error) {
	switch Classify(frame) {
	case KindInvalid:
		return nil, nil, fmt.Errorf("%w: malformed handshake frame", ErrProtocolViolation)
	case KindResponse:
		return nil, nil, fmt.Errorf("%w: expected %s request", ErrProtocolViolation, MethodIdentify)
	}

	req, err := ParseRequest(frame)
	if err != nil {
		return nil, nil, err
	}
	if req.Method != MethodIdentify {
		return nil, nil, fmt.Errorf("%w: first method must be %s, got %q", ErrProtocolViolation, MethodIdentify, req.Method)
	}

	var params IdentifyParams
	if len(req.Params) == 0 {
		return nil, nil, fmt.Errorf("%w: %s without params", ErrProtocolViolation, MethodIdentify)
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding identify params: %v", ErrProtocolViolation, err)
	}
	params.AgentID = strings.TrimSpace(params.AgentID)
	if params.AgentID == "" {
		return nil, nil, fmt.Errorf("%w: agent_id is required", ErrProtocolViolation)
	}
	return req, &params, nil
}
