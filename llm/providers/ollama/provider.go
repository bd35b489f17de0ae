// Package ollama implements the llm.Backend interface against a local
// Ollama server's native /api/chat endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/types"
)

// Config holds the Ollama backend configuration.
type Config struct {
	// BaseURL defaults to "http://localhost:11434".
	BaseURL string

	// Model names the local model (e.g. "qwen2.5:7b").
	Model string

	Temperature float64

	// Timeout bounds non-streaming requests. Defaults to 120s: local
	// models on modest hardware are slow.
	Timeout time.Duration
}

// Backend implements llm.Backend over the Ollama HTTP API.
type Backend struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an Ollama backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With(zap.String("component", "ollama")),
	}
}

// Name returns the backend type tag.
func (b *Backend) Name() string { return "ollama" }

// DefaultModel returns the configured model.
func (b *Backend) DefaultModel() string { return b.cfg.Model }

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

type wireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type wireRequest struct {
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type wireResponse struct {
	Model   string      `json:"model"`
	Message wireMessage `json:"message"`
	Done    bool        `json:"done"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`

	Error string `json:"error"`
}

func (b *Backend) buildBody(req *llm.ChatRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			if img.Type == "base64" {
				wm.Images = append(wm.Images, img.Data)
			}
		}
		msgs = append(msgs, wm)
	}
	opts := map[string]any{}
	if t := req.Temperature; t != 0 {
		opts["temperature"] = t
	} else if b.cfg.Temperature != 0 {
		opts["temperature"] = b.cfg.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	return json.Marshal(wireRequest{Model: model, Messages: msgs, Stream: stream, Options: opts})
}

func (b *Backend) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "ollama unreachable").
			WithProvider(b.Name()).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		msg := strings.TrimSpace(string(respBody))
		if resp.StatusCode >= 500 {
			return nil, types.NewError(types.ErrUpstreamError, msg).WithProvider(b.Name()).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrInvalidRequest, msg).WithProvider(b.Name())
	}
	return resp, nil
}

// Complete performs a non-streaming chat call.
func (b *Backend) Complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body, err := b.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	resp, err := b.post(cctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, types.NewError(types.ErrProtocol, "decode response").
			WithProvider(b.Name()).WithCause(err)
	}
	if wire.Error != "" {
		return nil, types.NewError(types.ErrUpstreamError, wire.Error).WithProvider(b.Name())
	}

	out := &llm.ChatResponse{
		Content: wire.Message.Content,
		Model:   wire.Model,
	}
	if wire.PromptEvalCount > 0 || wire.EvalCount > 0 {
		out.Usage = types.TokenUsage{
			PromptTokens:     wire.PromptEvalCount,
			CompletionTokens: wire.EvalCount,
			TotalTokens:      wire.PromptEvalCount + wire.EvalCount,
		}
		out.UsageKnown = true
	}
	return out, nil
}

// Stream performs a streaming chat call. Ollama streams newline-delimited
// JSON objects rather than SSE.
func (b *Backend) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body, err := b.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := b.post(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var wire wireResponse
			if err := json.Unmarshal(scanner.Bytes(), &wire); err != nil {
				b.logger.Debug("skipping malformed stream line", zap.Error(err))
				continue
			}
			if wire.Error != "" {
				out <- llm.StreamChunk{Err: types.NewError(types.ErrUpstreamError, wire.Error).WithProvider(b.Name())}
				return
			}
			if wire.Message.Content != "" {
				select {
				case out <- llm.StreamChunk{Content: wire.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if wire.Done {
				out <- llm.StreamChunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- llm.StreamChunk{Err: err}
		}
	}()
	return out, nil
}
