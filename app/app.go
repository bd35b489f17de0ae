// Package app is the composition root: it wires the event bus, LLM
// service, prompt manager, context service, provider registry, and the
// three domain managers from the loaded configuration, and owns orderly
// startup and shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/audio"
	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/config"
	"github.com/BaSui01/vtubeflow/contextsvc"
	"github.com/BaSui01/vtubeflow/decision"
	"github.com/BaSui01/vtubeflow/flow"
	"github.com/BaSui01/vtubeflow/input"
	"github.com/BaSui01/vtubeflow/internal/metrics"
	"github.com/BaSui01/vtubeflow/internal/server"
	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/output"
	"github.com/BaSui01/vtubeflow/prompt"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"

	// Built-in providers register themselves at link time.
	_ "github.com/BaSui01/vtubeflow/decision/providers/localllm"
	_ "github.com/BaSui01/vtubeflow/decision/providers/maicore"
	_ "github.com/BaSui01/vtubeflow/decision/providers/ruleengine"
	_ "github.com/BaSui01/vtubeflow/input/providers/console"
	_ "github.com/BaSui01/vtubeflow/input/providers/webhook"
	_ "github.com/BaSui01/vtubeflow/output/providers/console"
	_ "github.com/BaSui01/vtubeflow/output/providers/subtitle"
	_ "github.com/BaSui01/vtubeflow/output/providers/tts"
)

// App is the assembled runtime.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	Bus      *bus.Bus
	Registry *registry.Registry
	Metrics  *metrics.Collector
	LLM      *llm.Service
	Prompts  *prompt.Manager
	Context  contextsvc.Service
	Audio    *audio.Channel
	Server   *server.Server
	Input    *input.Manager
	Decision *decision.Manager
	Flow     *flow.Coordinator
	Output   *output.Manager

	statsStop chan struct{}
	stopOnce  sync.Once
}

// New wires the runtime from config. Configuration errors are fatal here;
// provider setup failures are isolated later, at start time.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger.With(zap.String("component", "app"))}

	a.Bus = bus.New(bus.WithLogger(logger), bus.WithValidation())
	a.Bus.RegisterPayloadType(bus.TopicDataMessage, (*types.NormalizedMessage)(nil))
	a.Bus.RegisterPayloadType(bus.TopicDecisionIntent, (*types.Intent)(nil))
	a.Bus.RegisterPayloadType(bus.TopicOutputIntent, (*types.ExpressionParameters)(nil))

	a.Metrics = metrics.NewCollector()
	a.Registry = registry.New(logger)

	var err error
	a.LLM, err = llm.NewService(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("llm service: %w", err)
	}

	a.Prompts = prompt.NewManager(cfg.Prompt.TemplatesDir, logger)

	if cfg.Context.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Context, err = contextsvc.NewRedisService(ctx, cfg.Context)
		if err != nil {
			return nil, fmt.Errorf("context service: %w", err)
		}
	} else {
		a.Context = contextsvc.NewMemoryService(cfg.Context.HistorySize)
	}

	a.Audio = audio.NewChannel(0, logger)
	a.Server = server.New(cfg.Server.Addr, a.Registry, a.Metrics, logger)

	inputChain, err := buildInputChain(cfg, logger)
	if err != nil {
		return nil, err
	}
	outputChain, err := buildOutputChain(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Input = input.NewManager(a.Bus, a.Registry, inputChain, a.Metrics, input.Options{
		AutoRestart:     cfg.Providers.Input.AutoRestart,
		RestartInterval: config.Seconds(cfg.Providers.Input.RestartInterval, 5*time.Second),
	}, logger)

	a.Decision = decision.NewManager(a.Bus, a.Registry, a.Metrics, decision.Options{
		DecideTimeout: config.Seconds(cfg.Providers.Decision.DecideTimeout, 30*time.Second),
		SwapGrace:     config.Seconds(cfg.Providers.Decision.SwapGraceTimeout, 5*time.Second),
		HoldQueueSize: cfg.Providers.Decision.HoldQueueSize,
	}, logger)

	a.Flow = flow.NewCoordinator(a.Bus, outputChain, flow.Options{}, logger)

	a.Output = output.NewManager(a.Bus, a.Registry, a.Metrics, output.Options{
		ConcurrentRendering: cfg.Providers.Output.ConcurrentRendering,
		ErrorHandling:       output.ErrorHandling(cfg.Providers.Output.ErrorHandling),
		RenderTimeout:       config.Seconds(cfg.Providers.Output.RenderTimeout, 10*time.Second),
		QueueSize:           cfg.Providers.Output.RenderQueueSize,
	}, logger)

	if err := a.buildProviders(); err != nil {
		return nil, err
	}
	return a, nil
}

// buildProviders constructs every enabled input and output provider (the
// decision provider is built in Start). Unknown names are configuration
// errors and fatal.
func (a *App) buildProviders() error {
	for _, name := range a.cfg.Providers.Input.EnabledInputs {
		p, err := a.Registry.BuildInput(name, a.cfg.Providers.Input.Providers[name])
		if err != nil {
			return err
		}
		a.Input.AddProvider(p)
	}
	for _, name := range a.cfg.Providers.Output.EnabledOutputs {
		p, err := a.Registry.BuildOutput(name, a.cfg.Providers.Output.Providers[name])
		if err != nil {
			return err
		}
		a.Output.AddProvider(p)
	}
	return nil
}

func (a *App) providerContext() registry.ProviderContext {
	return registry.ProviderContext{
		Bus:       a.Bus,
		LLM:       a.LLM,
		Audio:     a.Audio,
		Prompts:   a.Prompts,
		Context:   a.Context,
		Callbacks: a.Server,
		Logger:    a.logger,
	}
}

// Start brings components up leaves-first: HTTP server, decision domain
// (with its active provider), flow coordinator, output domain, and
// finally the input domain so no message arrives before its consumers.
func (a *App) Start(ctx context.Context) error {
	pctx := a.providerContext()

	if err := a.Server.Start(); err != nil {
		return err
	}

	if err := a.Decision.Start(ctx, pctx); err != nil {
		return err
	}
	if name := a.cfg.Providers.Decision.ActiveProvider; name != "" {
		p, err := a.Registry.BuildDecision(name, a.cfg.Providers.Decision.Providers[name])
		if err != nil {
			return err
		}
		if err := a.Decision.SetActive(ctx, p); err != nil {
			return err
		}
	}

	if err := a.Flow.Start(ctx); err != nil {
		return err
	}
	if err := a.Output.Start(ctx, pctx); err != nil {
		return err
	}
	if err := a.Input.Start(ctx, pctx); err != nil {
		return err
	}

	a.statsStop = make(chan struct{})
	go a.syncBusStats()

	a.logger.Info("runtime started",
		zap.Strings("inputs", a.cfg.Providers.Input.EnabledInputs),
		zap.String("decision", a.cfg.Providers.Decision.ActiveProvider),
		zap.Strings("outputs", a.cfg.Providers.Output.EnabledOutputs))
	return nil
}

// syncBusStats periodically mirrors bus statistics into prometheus.
func (a *App) syncBusStats() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	prev := map[string]bus.TopicStats{}
	for {
		select {
		case <-ticker.C:
			stats := a.Bus.Stats()
			a.Metrics.ObserveBusStats(stats, prev)
			prev = stats
		case <-a.statsStop:
			return
		}
	}
}

// SwitchDecisionProvider builds and swaps in a different decision
// provider at runtime.
func (a *App) SwitchDecisionProvider(ctx context.Context, name string) error {
	p, err := a.Registry.BuildDecision(name, a.cfg.Providers.Decision.Providers[name])
	if err != nil {
		return err
	}
	return a.Decision.SwitchProvider(ctx, p)
}

// Stop shuts down in strict reverse start order, each phase bounded by
// the configured grace period. Idempotent.
func (a *App) Stop() error {
	var firstErr error
	a.stopOnce.Do(func() { firstErr = a.stop() })
	return firstErr
}

func (a *App) stop() error {
	grace := config.Seconds(a.cfg.Server.ShutdownTimeout, 5*time.Second)
	var firstErr error
	phase := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Warn("shutdown phase failed", zap.String("phase", name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if a.statsStop != nil {
		close(a.statsStop)
	}

	phase("input", a.Input.Stop)
	phase("output", a.Output.Stop)
	phase("flow", a.Flow.Stop)
	phase("decision", a.Decision.Stop)
	a.Audio.Close()
	phase("server", a.Server.Stop)
	a.Bus.Close()
	phase("context", func(context.Context) error { return a.Context.Close() })
	phase("llm", func(context.Context) error { return a.LLM.Close() })

	a.logger.Info("runtime stopped")
	return firstErr
}

// Run starts the app and blocks until ctx is cancelled, then stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop()
}
