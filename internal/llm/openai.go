// ABOUTME: OpenAI-compatible chat completions client used as the loop's generator
// ABOUTME: Works against llama-server; retries rate limits and parses tool calls from replies

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 30 * time.Second
	maxErrorBody      = 512
)

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string // optional, llama-server serves a single model
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// OpenAIGenerator posts the history to /v1/chat/completions.
type OpenAIGenerator struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *slog.Logger
}

// NewOpenAIGenerator creates a new OpenAIGenerator.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("llm base_url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGenerator{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "llm"),
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Function *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends one completion request. The tool prompt is appended to the
// first system message (or prepended as one) on a copy of messages.
func (g *OpenAIGenerator) Generate(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	if len(tools) > 0 {
		prompt := BuildToolPrompt(tools)
		if len(msgs) > 0 && msgs[0].Role == "system" {
			msgs[0].Content += "\n\n" + prompt
		} else {
			msgs = append([]Message{{Role: "system", Content: prompt}}, msgs...)
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:       g.cfg.Model,
		Messages:    msgs,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	data, err := g.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return parseChatResponse(data)
}

func (g *OpenAIGenerator) post(ctx context.Context, body []byte) ([]byte, error) {
	url := g.cfg.BaseURL + "/v1/chat/completions"
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if g.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return data, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt < g.cfg.MaxRetries {
			delay := parseRetryDelay(resp.Header.Get("Retry-After"))
			g.logger.Warn("rate limited, retrying", "delay", delay, "attempt", attempt+1, "max_retries", g.cfg.MaxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
		return nil, fmt.Errorf("generator returned %d: %s", resp.StatusCode, truncate(string(data), maxErrorBody))
	}
}

func parseChatResponse(data []byte) (*Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyReply
	}
	msg := resp.Choices[0].Message

	content := stripThinkTags(msg.Content)
	if content == "" && msg.ReasoningContent != "" {
		content = stripThinkTags(msg.ReasoningContent)
	}
	out := &Response{Content: content, ToolCall: ParseToolCall(content)}

	// Native tool calls take precedence over text conventions
	for _, tc := range msg.ToolCalls {
		if tc.Function == nil || tc.Function.Name == "" {
			continue
		}
		params := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
				params = map[string]any{"raw": tc.Function.Arguments}
			}
		}
		out.ToolCall = &ToolCall{Tool: tc.Function.Name, Params: params}
		break
	}
	return out, nil
}

// parseRetryDelay reads a Retry-After header in seconds.
func parseRetryDelay(retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryDelay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
