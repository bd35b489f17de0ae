// Package webhook provides an input provider fed through the shared HTTP
// server: each POST /callbacks/<name> body becomes one RawData. This is
// how external bridges (stream deck macros, chat relay scripts, game mods)
// push events into the runtime without a dedicated protocol driver.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterInput("webhook", func(cfg map[string]any) (registry.InputProvider, error) {
		return New(cfg), nil
	})
}

// payload is the accepted callback body. Text is required; the rest is
// optional.
type payload struct {
	Text     string         `json:"text"`
	UserID   string         `json:"user_id,omitempty"`
	DataType string         `json:"data_type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider bridges HTTP callbacks into the input domain.
type Provider struct {
	route   string
	bufSize int

	queue  chan types.RawData
	logger *zap.Logger
}

// New builds the provider from its config map. Recognized keys:
// route (string, default "webhook") — the callback route name;
// queue_size (int, default 64) — pending event buffer.
func New(cfg map[string]any) *Provider {
	route, _ := cfg["route"].(string)
	if route == "" {
		route = "webhook"
	}
	bufSize := 64
	switch v := cfg["queue_size"].(type) {
	case int:
		bufSize = v
	case int64:
		bufSize = int(v)
	case float64:
		bufSize = int(v)
	}
	return &Provider{route: route, bufSize: bufSize}
}

// Name implements registry.InputProvider.
func (p *Provider) Name() string { return "webhook" }

// Setup implements registry.InputProvider: claims the callback route.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	if pctx.Callbacks == nil {
		return fmt.Errorf("webhook requires the callback server")
	}
	p.logger = pctx.ComponentLogger("webhook")
	p.queue = make(chan types.RawData, p.bufSize)
	pctx.Callbacks.RegisterCallback(p.route, p.handle)
	return nil
}

// handle converts one callback body into a queued RawData. A full queue
// rejects the request so the sender sees the backpressure.
func (p *Provider) handle(_ context.Context, body []byte) error {
	var in payload
	if err := json.Unmarshal(body, &in); err != nil {
		return fmt.Errorf("decode callback body: %w", err)
	}
	if in.Text == "" {
		return fmt.Errorf("callback body missing text")
	}

	dataType := types.DataType(in.DataType)
	if dataType == "" {
		dataType = types.DataTypeText
	}
	raw := types.NewRawData(in.Text, p.route, dataType)
	raw.Metadata = in.Metadata
	if in.UserID != "" {
		raw = raw.WithMetadata("user_id", in.UserID)
	}

	select {
	case p.queue <- raw:
		return nil
	default:
		return fmt.Errorf("webhook queue full")
	}
}

// Run forwards queued events until cancellation.
func (p *Provider) Run(ctx context.Context, emit func(types.RawData)) error {
	for {
		select {
		case raw := <-p.queue:
			emit(raw)
		case <-ctx.Done():
			return nil
		}
	}
}

// Cleanup implements registry.InputProvider. Idempotent.
func (p *Provider) Cleanup() error { return nil }
