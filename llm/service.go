package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/config"
	"github.com/BaSui01/vtubeflow/llm/providers/ollama"
	"github.com/BaSui01/vtubeflow/llm/providers/openaicompat"
	"github.com/BaSui01/vtubeflow/types"
)

// ErrBackendNotFound is returned when a named backend is not configured.
var ErrBackendNotFound = errors.New("llm backend not found")

// LLMResponse is the service-level result shape. Success is false when the
// call failed after retries; Error then carries the reason.
type LLMResponse struct {
	Success   bool             `json:"success"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
	Usage     types.TokenUsage `json:"usage"`
	Model     string           `json:"model,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// CallOption adjusts a single service call.
type CallOption func(*callOptions)

type callOptions struct {
	systemMessage string
	temperature   *float64
	maxTokens     int
}

// WithSystemMessage prepends a system message to the call.
func WithSystemMessage(msg string) CallOption {
	return func(o *callOptions) { o.systemMessage = msg }
}

// WithTemperature overrides the backend's configured temperature.
func WithTemperature(t float64) CallOption {
	return func(o *callOptions) { o.temperature = &t }
}

// WithMaxTokens overrides the backend's configured max tokens.
func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

type backendEntry struct {
	backend Backend
	cfg     config.BackendConfig
	policy  RetryPolicy
}

// Service is the backend-neutral LLM access layer. It is shared
// infrastructure, not a provider: it does not subscribe to the bus.
type Service struct {
	mu       sync.RWMutex
	backends map[string]*backendEntry
	usage    *usageTracker
	logger   *zap.Logger
}

// NewService builds the service from the config's named backend blocks.
// Unconfigured blocks are skipped.
func NewService(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		backends: make(map[string]*backendEntry),
		usage:    newUsageTracker(),
		logger:   logger.With(zap.String("component", "llm_service")),
	}

	named := map[string]config.BackendConfig{
		"llm":      cfg.LLM,
		"llm_fast": cfg.LLMFast,
		"vlm":      cfg.VLM,
	}
	for name, bc := range cfg.LLMCustom {
		named[name] = bc
	}

	for name, bc := range named {
		if !bc.Configured() {
			continue
		}
		if err := s.addBackend(name, bc); err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *Service) addBackend(name string, bc config.BackendConfig) error {
	backend, err := buildBackend(bc, s.logger)
	if err != nil {
		return err
	}
	policy := DefaultRetryPolicy()
	if bc.MaxRetries > 0 {
		policy.MaxRetries = bc.MaxRetries
	}
	if bc.RetryDelay > 0 {
		policy.InitialDelay = config.Seconds(bc.RetryDelay, policy.InitialDelay)
	}
	s.mu.Lock()
	s.backends[name] = &backendEntry{backend: backend, cfg: bc, policy: policy}
	s.mu.Unlock()
	s.logger.Info("llm backend registered",
		zap.String("name", name),
		zap.String("type", backend.Name()),
		zap.String("model", bc.Model))
	return nil
}

func buildBackend(bc config.BackendConfig, logger *zap.Logger) (Backend, error) {
	switch bc.Backend {
	case "openai":
		return openaicompat.New(openaicompat.Config{
			APIKey:      bc.APIKey,
			BaseURL:     bc.BaseURL,
			Model:       bc.Model,
			Temperature: bc.Temperature,
			MaxTokens:   bc.MaxTokens,
			Timeout:     config.Seconds(bc.TimeoutSecs, 0),
		}, logger), nil
	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL:     bc.BaseURL,
			Model:       bc.Model,
			Temperature: bc.Temperature,
			Timeout:     config.Seconds(bc.TimeoutSecs, 0),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Backend)
	}
}

// NewEmptyService creates a service with no backends. Embedders and
// tests wire backends through RegisterBackend.
func NewEmptyService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backends: make(map[string]*backendEntry),
		usage:    newUsageTracker(),
		logger:   logger.With(zap.String("component", "llm_service")),
	}
}

// RegisterBackend adds or replaces a backend instance. Used by tests and
// by embedders wiring custom backends.
func (s *Service) RegisterBackend(name string, backend Backend, policy RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[name] = &backendEntry{backend: backend, policy: policy}
}

func (s *Service) entry(name string) (*backendEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
	}
	return e, nil
}

func (o *callOptions) buildMessages(prompt string) []types.ChatMessage {
	var msgs []types.ChatMessage
	if o.systemMessage != "" {
		msgs = append(msgs, types.NewSystemMessage(o.systemMessage))
	}
	return append(msgs, types.NewUserMessage(prompt))
}

func (s *Service) buildRequest(e *backendEntry, prompt string, opts []CallOption) *ChatRequest {
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	req := &ChatRequest{
		Messages:    o.buildMessages(prompt),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
	if o.temperature != nil {
		req.Temperature = *o.temperature
	}
	if o.maxTokens > 0 {
		req.MaxTokens = o.maxTokens
	}
	return req
}

// Chat performs a synchronous chat call against a named backend.
func (s *Service) Chat(ctx context.Context, prompt, backend string, opts ...CallOption) *LLMResponse {
	e, err := s.entry(backend)
	if err != nil {
		return &LLMResponse{Success: false, Error: err.Error()}
	}
	req := s.buildRequest(e, prompt, opts)
	return s.complete(ctx, backend, e, req)
}

// ChatMessages performs a synchronous chat call with a caller-built
// message list (conversation history included).
func (s *Service) ChatMessages(ctx context.Context, messages []types.ChatMessage, backend string) *LLMResponse {
	e, err := s.entry(backend)
	if err != nil {
		return &LLMResponse{Success: false, Error: err.Error()}
	}
	req := &ChatRequest{
		Messages:    messages,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
	return s.complete(ctx, backend, e, req)
}

// CallTools performs a chat call offering tools; ToolCalls is populated
// when the backend requests invocations.
func (s *Service) CallTools(ctx context.Context, prompt string, tools []types.ToolSchema, backend string, opts ...CallOption) *LLMResponse {
	e, err := s.entry(backend)
	if err != nil {
		return &LLMResponse{Success: false, Error: err.Error()}
	}
	req := s.buildRequest(e, prompt, opts)
	req.Tools = tools
	return s.complete(ctx, backend, e, req)
}

// Vision performs a chat call with attached images against a
// vision-capable backend (conventionally "vlm").
func (s *Service) Vision(ctx context.Context, prompt string, images []types.ImageContent, backend string, opts ...CallOption) *LLMResponse {
	e, err := s.entry(backend)
	if err != nil {
		return &LLMResponse{Success: false, Error: err.Error()}
	}
	req := s.buildRequest(e, prompt, opts)
	if len(req.Messages) > 0 {
		req.Messages[len(req.Messages)-1].Images = images
	}
	return s.complete(ctx, backend, e, req)
}

func (s *Service) complete(ctx context.Context, name string, e *backendEntry, req *ChatRequest) *LLMResponse {
	resp, err := retryCall(ctx, e.policy, s.logger, func() (*ChatResponse, error) {
		return e.backend.Complete(ctx, req)
	})
	if err != nil {
		return &LLMResponse{Success: false, Error: err.Error()}
	}

	usage := resp.Usage
	if !resp.UsageKnown {
		usage = s.usage.estimate(req, resp.Content)
	}
	s.usage.record(name, usage)

	return &LLMResponse{
		Success:   true,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		Usage:     usage,
		Model:     resp.Model,
	}
}

// StreamChat performs a streaming chat call. Chunks arrive on the returned
// channel; cancel ctx to stop early. The channel is closed when the stream
// ends. Stream calls are not retried.
func (s *Service) StreamChat(ctx context.Context, prompt, backend string, opts ...CallOption) (<-chan string, error) {
	e, err := s.entry(backend)
	if err != nil {
		return nil, err
	}
	req := s.buildRequest(e, prompt, opts)
	req.Stream = true

	chunks, err := e.backend.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		var full string
		for chunk := range chunks {
			if chunk.Err != nil {
				s.logger.Warn("stream aborted", zap.String("backend", backend), zap.Error(chunk.Err))
				return
			}
			if chunk.Done {
				break
			}
			full += chunk.Content
			select {
			case out <- chunk.Content:
			case <-ctx.Done():
				return
			}
		}
		s.usage.record(backend, s.usage.estimate(req, full))
	}()
	return out, nil
}

// TokenUsageSummary returns accumulated usage per backend.
func (s *Service) TokenUsageSummary() map[string]types.TokenUsage {
	return s.usage.summary()
}

// BackendInfo describes one configured backend.
type BackendInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Model string `json:"model"`
}

// BackendInfos lists configured backends, sorted by name.
func (s *Service) BackendInfos() []BackendInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BackendInfo, 0, len(s.backends))
	for name, e := range s.backends {
		out = append(out, BackendInfo{
			Name:  name,
			Type:  e.backend.Name(),
			Model: e.backend.DefaultModel(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases every backend's network resources.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, e := range s.backends {
		if err := e.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close backend %s: %w", name, err)
		}
	}
	return firstErr
}
