package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/internal/metrics"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// ErrorHandling selects the fan-out failure policy.
type ErrorHandling string

const (
	// ErrorContinue logs a provider's failure; siblings keep rendering.
	ErrorContinue ErrorHandling = "continue"
	// ErrorStop aborts the in-flight fan-out on the first failure.
	// Providers stay registered and receive the next intent.
	ErrorStop ErrorHandling = "stop"
)

// Options configures the output domain manager.
type Options struct {
	// ConcurrentRendering fans out to all providers at once; otherwise
	// providers render sequentially in registration order.
	ConcurrentRendering bool
	ErrorHandling       ErrorHandling
	// RenderTimeout bounds one Render call. Defaults to 10s.
	RenderTimeout time.Duration
	// QueueSize bounds each provider's pending renders. Defaults to 16.
	QueueSize int
}

type providerEntry struct {
	provider registry.OutputProvider
	// queue is per-provider in independent mode, nil in batch mode.
	queue chan *types.ExpressionParameters
}

// Manager owns the output domain.
//
// Two dispatch shapes cover the policy matrix: with concurrent rendering
// and error isolation (the default), every provider gets its own queue
// and worker, so each sees consecutive intents in emit order and a slow
// provider only drops its own frames. With sequential rendering or stop
// error handling, intents go through a single batch queue and each batch
// is rendered across all providers together.
type Manager struct {
	bus     *bus.Bus
	reg     *registry.Registry
	metrics *metrics.Collector
	opts    Options
	logger  *zap.Logger

	mu         sync.Mutex
	entries    []*providerEntry
	batchQueue chan *types.ExpressionParameters
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	subID      bus.SubscriptionID
}

// NewManager creates the output domain manager.
func NewManager(b *bus.Bus, reg *registry.Registry, collector *metrics.Collector, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.ErrorHandling == "" {
		opts.ErrorHandling = ErrorContinue
	}
	return &Manager{
		bus:     b,
		reg:     reg,
		metrics: collector,
		opts:    opts,
		logger:  logger.With(zap.String("component", "output_manager")),
	}
}

func (m *Manager) independentWorkers() bool {
	return m.opts.ConcurrentRendering && m.opts.ErrorHandling == ErrorContinue
}

// AddProvider registers a built provider. Must be called before Start.
func (m *Manager) AddProvider(p registry.OutputProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &providerEntry{provider: p}
	if m.independentWorkers() {
		e.queue = make(chan *types.ExpressionParameters, m.opts.QueueSize)
	}
	m.entries = append(m.entries, e)
}

// Start sets up providers, launches workers, and subscribes to
// output.intent. Setup failures are isolated.
func (m *Manager) Start(ctx context.Context, pctx registry.ProviderContext) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("output manager already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	entries := append([]*providerEntry(nil), m.entries...)
	m.mu.Unlock()

	live := entries[:0]
	for _, e := range entries {
		if err := e.provider.Setup(ctx, pctx); err != nil {
			m.reg.SetFailed(registry.KindOutput, e.provider.Name(), err)
			continue
		}
		m.reg.SetState(registry.KindOutput, e.provider.Name(), registry.StateRunning)
		m.bus.Emit(ctx, bus.TopicOutputConnected, e.provider.Name(), "output_manager")
		live = append(live, e)
	}

	m.mu.Lock()
	m.entries = live
	m.mu.Unlock()

	if m.independentWorkers() {
		for _, e := range live {
			m.wg.Add(1)
			go m.providerWorker(runCtx, e)
		}
	} else {
		m.mu.Lock()
		m.batchQueue = make(chan *types.ExpressionParameters, m.opts.QueueSize)
		m.mu.Unlock()
		m.wg.Add(1)
		go m.batchWorker(runCtx)
	}

	m.subID = m.bus.Subscribe(bus.TopicOutputIntent, func(ctx context.Context, ev bus.Event) error {
		params, ok := ev.Payload.(*types.ExpressionParameters)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
		}
		m.dispatch(params)
		return nil
	}, 0)
	return nil
}

// dispatch enqueues one intent's parameters, dropping the oldest pending
// entry when a queue is full.
func (m *Manager) dispatch(params *types.ExpressionParameters) {
	m.mu.Lock()
	entries := append([]*providerEntry(nil), m.entries...)
	batchQueue := m.batchQueue
	m.mu.Unlock()

	if batchQueue != nil {
		m.enqueue(batchQueue, params.Clone(), "batch")
		return
	}
	for _, e := range entries {
		m.enqueue(e.queue, params.Clone(), e.provider.Name())
	}
}

func (m *Manager) enqueue(queue chan *types.ExpressionParameters, params *types.ExpressionParameters, label string) {
	for {
		select {
		case queue <- params:
			return
		default:
			select {
			case <-queue:
				m.logger.Warn("render queue overflow, dropping oldest",
					zap.String("queue", label))
				m.metrics.RenderQueueDropped(label)
			default:
			}
		}
	}
}

// providerWorker renders one provider's private queue.
func (m *Manager) providerWorker(ctx context.Context, e *providerEntry) {
	defer m.wg.Done()
	for {
		select {
		case params := <-e.queue:
			_ = m.renderOne(ctx, e.provider, params)
		case <-ctx.Done():
			return
		}
	}
}

// batchWorker renders each intent across all providers: concurrently with
// first-error abort in stop mode, or sequentially.
func (m *Manager) batchWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		var params *types.ExpressionParameters
		select {
		case params = <-m.batchQueue:
		case <-ctx.Done():
			return
		}

		m.mu.Lock()
		entries := append([]*providerEntry(nil), m.entries...)
		m.mu.Unlock()

		if m.opts.ConcurrentRendering {
			g, gctx := errgroup.WithContext(ctx)
			for _, e := range entries {
				g.Go(func() error {
					err := m.renderOne(gctx, e.provider, params.Clone())
					if m.opts.ErrorHandling == ErrorStop {
						return err
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				m.logger.Warn("fan-out aborted", zap.Error(err))
			}
			continue
		}

		for _, e := range entries {
			err := m.renderOne(ctx, e.provider, params.Clone())
			if err != nil && m.opts.ErrorHandling == ErrorStop {
				m.logger.Warn("fan-out aborted", zap.Error(err))
				break
			}
		}
	}
}

// renderOne runs a single Render under the render timeout, recovering
// panics.
func (m *Manager) renderOne(ctx context.Context, p registry.OutputProvider, params *types.ExpressionParameters) error {
	rctx, cancel := context.WithTimeout(ctx, m.opts.RenderTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("render panic: %v", r)
				}
			}()
			return p.Render(rctx, params)
		}()
	}()

	var err error
	select {
	case err = <-errCh:
	case <-rctx.Done():
		err = rctx.Err()
		if ctx.Err() == nil {
			m.metrics.RenderTimeout(p.Name())
		}
	}
	m.metrics.RenderObserved(p.Name(), time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil {
		m.logger.Warn("render failed",
			zap.String("provider", p.Name()),
			zap.Error(err))
	}
	return err
}

// Stop unsubscribes, stops workers, and cleans up providers in reverse
// registration order. Idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.bus.Unsubscribe(m.subID)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	entries := append([]*providerEntry(nil), m.entries...)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("timed out waiting for render workers")
	}

	var firstErr error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		m.reg.SetState(registry.KindOutput, e.provider.Name(), registry.StateStopping)
		if err := e.provider.Cleanup(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleanup %s: %w", e.provider.Name(), err)
		}
	}
	return firstErr
}
