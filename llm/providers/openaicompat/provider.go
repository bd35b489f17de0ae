// =============================================================================
// vtubeflow OpenAI-Compatible Backend
// =============================================================================
// Chat-completions backend for every OpenAI-compatible HTTP endpoint
// (OpenAI, DeepSeek, SiliconFlow, vLLM, LM Studio, ...). Speaks
// /v1/chat/completions JSON plus SSE streaming, tool calls, and image_url
// vision content.
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/internal/tlsutil"
	"github.com/BaSui01/vtubeflow/types"
)

// Config holds the configuration for an OpenAI-compatible backend.
type Config struct {
	// APIKey is the bearer token. Optional for local gateways.
	APIKey string

	// BaseURL is the endpoint root (e.g. "https://api.openai.com").
	BaseURL string

	// Model is used when a request does not name one.
	Model string

	Temperature float64
	MaxTokens   int

	// Timeout bounds non-streaming requests. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath defaults to "/v1/chat/completions".
	EndpointPath string
}

// Backend implements llm.Backend over an OpenAI-compatible HTTP API.
type Backend struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an OpenAI-compatible backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		cfg: cfg,
		// No client-level timeout: streaming responses outlive any fixed
		// deadline. Non-streaming calls bound themselves via context.
		client: &http.Client{Transport: tlsutil.SecureTransport()},
		logger: logger.With(zap.String("component", "openaicompat")),
	}
}

// Name returns the backend type tag.
func (b *Backend) Name() string { return "openai" }

// DefaultModel returns the configured model.
func (b *Backend) DefaultModel() string { return b.cfg.Model }

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// wire format

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		Delta        wireMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func convertMessages(msgs []types.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Images) > 0 {
			// Multimodal content: text part plus image_url parts.
			parts := []map[string]any{{"type": "text", "text": m.Content}}
			for _, img := range m.Images {
				url := img.URL
				if img.Type == "base64" {
					url = "data:image/png;base64," + img.Data
				}
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": url},
				})
			}
			wm.Content = parts
		} else {
			wm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func convertTools(tools []types.ToolSchema) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

func (b *Backend) endpoint() string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + b.cfg.EndpointPath
}

func (b *Backend) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	return httpReq, nil
}

// mapHTTPError converts a non-2xx status into a typed, retryability-tagged
// error.
func (b *Backend) mapHTTPError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrAuthentication, msg).WithProvider(b.Name())
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).WithProvider(b.Name()).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, msg).WithProvider(b.Name()).WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, msg).WithProvider(b.Name())
	}
}

func (b *Backend) marshalRequest(model string, messages []types.ChatMessage, maxTokens int, temperature float64, stream bool, tools []types.ToolSchema) ([]byte, error) {
	if model == "" {
		model = b.cfg.Model
	}
	if maxTokens == 0 {
		maxTokens = b.cfg.MaxTokens
	}
	if temperature == 0 {
		temperature = b.cfg.Temperature
	}
	return json.Marshal(wireRequest{
		Model:       model,
		Messages:    convertMessages(messages),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
		Tools:       convertTools(tools),
	})
}
