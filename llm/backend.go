package llm

import (
	"context"

	"github.com/BaSui01/vtubeflow/types"
)

// ChatRequest represents one chat completion request to a backend.
type ChatRequest struct {
	Model       string              `json:"model,omitempty"`
	Messages    []types.ChatMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Tools       []types.ToolSchema  `json:"tools,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

// ChatResponse represents a completed chat call.
type ChatResponse struct {
	Content   string           `json:"content"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
	Model     string           `json:"model"`
	Usage     types.TokenUsage `json:"usage"`

	// UsageKnown is false when the backend returned no usage block.
	UsageKnown bool `json:"-"`
}

// StreamChunk is one delta of a streaming chat call. Err, when non-nil,
// terminates the stream.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Backend is a concrete LLM implementation (OpenAI-compatible HTTP,
// Ollama, ...). Implementations live under llm/providers.
type Backend interface {
	// Complete sends a synchronous chat request.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream sends a streaming chat request. The returned channel is
	// closed after the final chunk.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the backend type tag (e.g. "openai", "ollama").
	Name() string

	// DefaultModel returns the configured model for this backend.
	DefaultModel() string

	// Close releases the backend's network resources.
	Close() error
}
