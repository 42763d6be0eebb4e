// ABOUTME: Types shared by the reasoning loop and the external text generator
// ABOUTME: Defines Message, Tool, ToolCall, Response, and the Generator interface

package llm

import (
	"context"
	"errors"
)

// ErrEmptyReply is returned when the generator answers with no choices.
var ErrEmptyReply = errors.New("generator returned no choices")

// Message is one turn sent to the generator.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a callable tool to the generator.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is the generator's request to run a tool.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Response is one generation. ToolCall is nil for plain content.
type Response struct {
	Content  string
	ToolCall *ToolCall
}

// Generator produces the next assistant turn from the history.
type Generator interface {
	Generate(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
}
