// Package console provides the console input provider: each line read
// from standard input becomes one text RawData. Mostly used for local
// runs and end-to-end tests.
package console

import (
	"bufio"
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterInput("console", func(cfg map[string]any) (registry.InputProvider, error) {
		return New(cfg), nil
	})
}

// Provider reads lines from a reader (stdin by default).
type Provider struct {
	// Reader is swappable for tests; defaults to os.Stdin.
	Reader io.Reader
	logger *zap.Logger
	userID string
}

// New builds the provider from its config map. Recognized keys:
// user_id (string) attached to every message.
func New(cfg map[string]any) *Provider {
	userID, _ := cfg["user_id"].(string)
	return &Provider{Reader: os.Stdin, userID: userID}
}

// Name implements registry.InputProvider.
func (p *Provider) Name() string { return "console" }

// Setup implements registry.InputProvider.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	p.logger = pctx.ComponentLogger("console")
	return nil
}

// Run reads lines until EOF or cancellation.
func (p *Provider) Run(ctx context.Context, emit func(types.RawData)) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.Reader)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case line, open := <-lines:
			if !open {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if line == "" {
				continue
			}
			raw := types.NewRawData(line, "console", types.DataTypeText)
			if p.userID != "" {
				raw = raw.WithMetadata("user_id", p.userID)
			}
			emit(raw)
		case <-ctx.Done():
			return nil
		}
	}
}

// Cleanup implements registry.InputProvider. Idempotent.
func (p *Provider) Cleanup() error { return nil }
