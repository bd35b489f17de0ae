// Package subtitle provides the subtitle output provider. It holds the
// current subtitle line and hands each rendered line to an optional sink
// (the callback server, an OBS text source writer, ...). Without a sink
// it logs the line, which is enough for headless runs.
package subtitle

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterOutput("subtitle", func(cfg map[string]any) (registry.OutputProvider, error) {
		return New(cfg), nil
	})
}

// Provider renders subtitle text.
type Provider struct {
	// Sink receives each subtitle line. Swappable before Setup.
	Sink func(text string)

	mu      sync.Mutex
	current string
	logger  *zap.Logger
}

// New builds the provider from its config map (no recognized keys yet).
func New(_ map[string]any) *Provider {
	return &Provider{}
}

// Name implements registry.OutputProvider.
func (p *Provider) Name() string { return "subtitle" }

// Setup implements registry.OutputProvider.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	p.logger = pctx.ComponentLogger("subtitle")
	return nil
}

// Render publishes the subtitle line.
func (p *Provider) Render(_ context.Context, params *types.ExpressionParameters) error {
	if !params.SubtitleEnabled || params.SubtitleText == "" {
		return nil
	}
	p.mu.Lock()
	p.current = params.SubtitleText
	sink := p.Sink
	p.mu.Unlock()

	if sink != nil {
		sink(params.SubtitleText)
	} else if p.logger != nil {
		p.logger.Info("subtitle", zap.String("text", params.SubtitleText))
	}
	return nil
}

// Current returns the most recent subtitle line.
func (p *Provider) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Cleanup implements registry.OutputProvider. Idempotent.
func (p *Provider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = ""
	return nil
}
