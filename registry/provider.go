package registry

import (
	"context"

	"github.com/BaSui01/vtubeflow/types"
)

// InputProvider produces RawData from one live source. Run blocks until
// the source ends or ctx is cancelled; returning nil signals a clean
// end-of-stream.
type InputProvider interface {
	Name() string
	Setup(ctx context.Context, pctx ProviderContext) error
	Run(ctx context.Context, emit func(types.RawData)) error
	Cleanup() error
}

// DecisionProvider converts normalized messages into intents. Exactly one
// decision provider is active at a time.
type DecisionProvider interface {
	Name() string
	Setup(ctx context.Context, pctx ProviderContext) error
	Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error)
	Cleanup() error
}

// OutputProvider renders expression parameters on one output surface.
// Render may be long-running (TTS synthesis, avatar updates) and is
// bounded by the domain's render timeout.
type OutputProvider interface {
	Name() string
	Setup(ctx context.Context, pctx ProviderContext) error
	Render(ctx context.Context, params *types.ExpressionParameters) error
	Cleanup() error
}

// Factories build providers from their config map and nothing else.
// Dependencies arrive later through Setup's ProviderContext, keeping
// constructors trivially testable.
type (
	InputFactory    func(cfg map[string]any) (InputProvider, error)
	DecisionFactory func(cfg map[string]any) (DecisionProvider, error)
	OutputFactory   func(cfg map[string]any) (OutputProvider, error)
)

// Kind tags a provider's domain.
type Kind string

const (
	KindInput    Kind = "input"
	KindDecision Kind = "decision"
	KindOutput   Kind = "output"
)

// State tracks a registry entry through its lifecycle.
type State string

const (
	StateRegistered State = "registered"
	StateBuilding   State = "building"
	StateReady      State = "ready"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateFailed     State = "failed"
)
