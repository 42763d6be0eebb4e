// ABOUTME: Extraction of tool calls from generated text
// ABOUTME: Handles fenced tool_call blocks, bare JSON objects, and inline think blocks

package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const toolFence = "```tool_call"

// BuildToolPrompt renders the tool catalog as instructions for text-only models.
func BuildToolPrompt(tools []Tool) string {
	var b strings.Builder
	b.WriteString("You are an AI assistant that can use tools to help users manage their systems.\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- **%s**: %s\n", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			params, err := json.Marshal(t.Parameters)
			if err == nil {
				fmt.Fprintf(&b, "  Parameters: %s\n", params)
			}
		}
	}
	b.WriteString("\nWhen you need to use a tool, respond with a JSON block in this format:\n")
	b.WriteString(toolFence + "\n")
	b.WriteString(`{"tool": "tool_name", "params": {"param1": "value1"}}` + "\n")
	b.WriteString("```\n\n")
	b.WriteString("After receiving tool results, provide a helpful response to the user.")
	return b.String()
}

// ParseToolCall finds a tool call in generated text. The fenced form wins;
// otherwise the outermost JSON object is used when it names a tool.
func ParseToolCall(content string) *ToolCall {
	if start := strings.Index(content, toolFence); start != -1 {
		body := content[start+len(toolFence):]
		if end := strings.Index(body, "```"); end > 0 {
			if call := decodeToolCall(strings.TrimSpace(body[:end])); call != nil {
				return call
			}
		}
	}

	if !strings.Contains(content, `"tool"`) || !strings.Contains(content, `"params"`) {
		return nil
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return nil
	}
	return decodeToolCall(content[start : end+1])
}

func decodeToolCall(raw string) *ToolCall {
	if !gjson.Valid(raw) {
		return nil
	}
	name := gjson.Get(raw, "tool")
	if name.Type != gjson.String || name.Str == "" {
		return nil
	}
	call := &ToolCall{Tool: name.Str, Params: map[string]any{}}
	if params := gjson.Get(raw, "params"); params.IsObject() {
		if m, ok := params.Value().(map[string]any); ok {
			call.Params = m
		}
	}
	return call
}

// stripThinkTags removes <think>...</think> blocks some reasoning models emit inline.
func stripThinkTags(s string) string {
	const openTag = "<think>"
	const closeTag = "</think>"

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openTag)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], closeTag)
		if end == -1 {
			// unclosed: drop the partial reasoning
			break
		}
		rest = rest[start+end+len(closeTag):]
	}
	out := b.String()
	if idx := strings.Index(out, closeTag); idx != -1 {
		out = out[idx+len(closeTag):]
	}
	return strings.TrimSpace(out)
}
