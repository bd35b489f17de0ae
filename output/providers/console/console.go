// Package console provides the console output provider: each rendered
// intent is printed as a subtitle-style line. Mostly used for local runs
// and end-to-end tests.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterOutput("console", func(cfg map[string]any) (registry.OutputProvider, error) {
		return New(cfg), nil
	})
}

// Provider prints rendered intents to a writer (stdout by default).
type Provider struct {
	mu sync.Mutex
	// Writer is swappable for tests.
	Writer io.Writer
	prefix string
}

// New builds the provider from its config map. Recognized keys:
// prefix (string) printed before each line.
func New(cfg map[string]any) *Provider {
	prefix, _ := cfg["prefix"].(string)
	return &Provider{Writer: os.Stdout, prefix: prefix}
}

// Name implements registry.OutputProvider.
func (p *Provider) Name() string { return "console" }

// Setup implements registry.OutputProvider.
func (p *Provider) Setup(context.Context, registry.ProviderContext) error { return nil }

// Render prints the subtitle text with its emotion tag.
func (p *Provider) Render(_ context.Context, params *types.ExpressionParameters) error {
	if !params.SubtitleEnabled {
		return nil
	}
	emotion, _ := params.Metadata["emotion"].(string)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.Writer, "%s[%s] %s\n", p.prefix, emotion, params.SubtitleText)
	return err
}

// Cleanup implements registry.OutputProvider. Idempotent.
func (p *Provider) Cleanup() error { return nil }
