// ABOUTME: JSON-RPC 2.0 envelopes exchanged with remote agents over the WebSocket link
// ABOUTME: Classifies raw frames with gjson before committing to a typed decode

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Version is the JSON-RPC protocol version carried by every envelope.
const Version = "2.0"

// Methods understood by the gateway and its agents.
const (
	MethodIdentify     = "agent.identify"
	MethodToolExecute  = "tool.execute"
	MethodUpdatePolicy = "agent.update_policy"
)

// Standard JSON-RPC 2.0 error codes plus the agent-side approval signal.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeApprovalRequired = -32001
)

// ErrProtocolViolation is returned when a frame breaks the connection contract.
var ErrProtocolViolation = errors.New("protocol violation")

// Kind identifies the shape of an inbound frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Request is a JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC reply. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Classify inspects a raw frame without fully decoding it.
// A frame with a method is a request; a frame with an id and either a result
// or an error is a response; anything else is invalid.
func Classify(frame []byte) Kind {
	if !gjson.ValidBytes(frame) {
		return KindInvalid
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return KindInvalid
	}
	if m := root.Get("method"); m.Exists() && m.Type == gjson.String {
		return KindRequest
	}
	if root.Get("id").Exists() && (root.Get("result").Exists() || root.Get("error").Exists()) {
		return KindResponse
	}
	return KindInvalid
}

// ParseResponse decodes a response frame.
func ParseResponse(frame []byte) (*Response, error) {
	if Classify(frame) != KindResponse {
		return nil, fmt.Errorf("%w: not a response frame", ErrProtocolViolation)
	}
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrProtocolViolation, err)
	}
	return &resp, nil
}

// ParseRequest decodes a request frame.
func ParseRequest(frame []byte) (*Request, error) {
	if Classify(frame) != KindRequest {
		return nil, fmt.Errorf("%w: not a request frame", ErrProtocolViolation)
	}
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("%w: decoding request: %v", ErrProtocolViolation, err)
	}
	return &req, nil
}

// IDString normalizes a raw JSON-RPC id (string or number) to a string.
// Returns "" for a missing or null id.
func IDString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

// StringID encodes a request identifier as a JSON string id.
func StringID(id string) json.RawMessage {
	return json.RawMessage(strconv.Quote(id))
}

// NewRequest builds a request envelope with marshaled params.
func NewRequest(id, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method, ID: StringID(id)}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		req.Params = data
	}
	return req, nil
}

// NewResult builds a success response for the given id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Response{JSONRPC: Version, Result: data, ID: id}, nil
}

// NewError builds an error response for the given id.
func NewError(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: id}
}
