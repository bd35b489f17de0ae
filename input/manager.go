package input

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/internal/metrics"
	"github.com/BaSui01/vtubeflow/pipeline"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// Options configures the input domain manager.
type Options struct {
	// AutoRestart reawakens a failed provider after RestartInterval.
	AutoRestart     bool
	RestartInterval time.Duration
}

// Manager owns the input domain: provider tasks, normalization, the
// pipeline chain, and data.message emission.
type Manager struct {
	bus     *bus.Bus
	reg     *registry.Registry
	chain   *pipeline.Chain[*types.NormalizedMessage]
	metrics *metrics.Collector
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	providers []registry.InputProvider
	pctx      registry.ProviderContext
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	started   bool
}

// NewManager creates the input domain manager.
func NewManager(b *bus.Bus, reg *registry.Registry, chain *pipeline.Chain[*types.NormalizedMessage], collector *metrics.Collector, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = 5 * time.Second
	}
	m := &Manager{
		bus:     b,
		reg:     reg,
		chain:   chain,
		metrics: collector,
		opts:    opts,
		logger:  logger.With(zap.String("component", "input_manager")),
	}
	chain.OnDrop = func(stage string) { collector.MessageDropped(stage) }
	return m
}

// AddProvider registers a built provider for startup. Must be called
// before Start.
func (m *Manager) AddProvider(p registry.InputProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// Start sets up every provider and launches one task per provider. Setup
// failures are isolated: the provider is marked failed and skipped.
func (m *Manager) Start(ctx context.Context, pctx registry.ProviderContext) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("input manager already started")
	}
	m.started = true
	m.pctx = pctx
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	providers := append([]registry.InputProvider(nil), m.providers...)
	m.mu.Unlock()

	for _, p := range providers {
		if err := p.Setup(ctx, pctx); err != nil {
			m.reg.SetFailed(registry.KindInput, p.Name(), err)
			continue
		}
		m.reg.SetState(registry.KindInput, p.Name(), registry.StateRunning)
		m.bus.Emit(ctx, bus.TopicInputConnected, p.Name(), "input_manager")

		m.wg.Add(1)
		go m.runProvider(runCtx, p)
	}
	return nil
}

// runProvider drives one provider until shutdown, restarting it when
// auto-restart is enabled.
func (m *Manager) runProvider(ctx context.Context, p registry.InputProvider) {
	defer m.wg.Done()
	logger := m.logger.With(zap.String("provider", p.Name()))

	for {
		err := m.runOnce(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("input provider failed", zap.Error(err))
			m.reg.SetFailed(registry.KindInput, p.Name(), err)
		} else {
			logger.Info("input provider ended its stream")
			m.reg.SetState(registry.KindInput, p.Name(), registry.StateReady)
		}
		m.bus.Emit(ctx, bus.TopicInputDisconnected, p.Name(), "input_manager")

		if !m.opts.AutoRestart {
			return
		}
		select {
		case <-time.After(m.opts.RestartInterval):
		case <-ctx.Done():
			return
		}
		logger.Info("restarting input provider")
		if err := p.Setup(ctx, m.providerContext()); err != nil {
			m.reg.SetFailed(registry.KindInput, p.Name(), err)
			continue
		}
		m.reg.SetState(registry.KindInput, p.Name(), registry.StateRunning)
		m.bus.Emit(ctx, bus.TopicInputConnected, p.Name(), "input_manager")
	}
}

func (m *Manager) providerContext() registry.ProviderContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pctx
}

// runOnce runs the provider's stream, converting panics into errors so a
// panicking provider is handled like an erroring one.
func (m *Manager) runOnce(ctx context.Context, p registry.InputProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return p.Run(ctx, func(raw types.RawData) { m.handleRaw(ctx, raw) })
}

// handleRaw normalizes one observation, runs the pipeline chain, and
// emits the survivor.
func (m *Manager) handleRaw(ctx context.Context, raw types.RawData) {
	msg, err := Normalize(raw)
	if err != nil {
		m.logger.Debug("dropping unnormalizable raw data",
			zap.String("source", raw.Source), zap.Error(err))
		return
	}
	m.metrics.MessageNormalized()

	out, result, stage := m.chain.Run(ctx, msg)
	if result != pipeline.ResultPassed {
		m.logger.Debug("message dropped by pipeline",
			zap.String("source", msg.Source),
			zap.String("stage", stage))
		return
	}
	m.bus.Emit(ctx, bus.TopicDataMessage, out, msg.Source)
}

// Stop cancels provider tasks, waits for them, then cleans up providers.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	providers := append([]registry.InputProvider(nil), m.providers...)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("timed out waiting for input providers")
	}

	var firstErr error
	for _, p := range providers {
		m.reg.SetState(registry.KindInput, p.Name(), registry.StateStopping)
		if err := p.Cleanup(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleanup %s: %w", p.Name(), err)
		}
	}
	return firstErr
}
