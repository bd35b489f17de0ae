package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/audio"
	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/contextsvc"
	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/prompt"
)

// CallbackHandler processes one HTTP callback body for a provider.
type CallbackHandler = func(ctx context.Context, body []byte) error

// CallbackRegistrar lets a provider claim its POST /callbacks/<name>
// route on the shared HTTP server.
type CallbackRegistrar interface {
	RegisterCallback(name string, handler CallbackHandler)
}

// ProviderContext is the frozen record of shared capabilities handed to a
// provider's Setup. Fields are nil when the capability is not configured;
// providers must tolerate absent optional capabilities. The struct is
// passed by value and never mutated after composition.
type ProviderContext struct {
	Bus       *bus.Bus
	LLM       *llm.Service
	Audio     *audio.Channel
	Prompts   *prompt.Manager
	Context   contextsvc.Service
	Callbacks CallbackRegistrar
	Logger    *zap.Logger
}

// ComponentLogger derives a named logger, tolerating a nil base.
func (c ProviderContext) ComponentLogger(name string) *zap.Logger {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(zap.String("provider", name))
}
