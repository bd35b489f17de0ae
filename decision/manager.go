package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/internal/metrics"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// FallbackText is the response text of synthetic intents emitted when the
// active decider fails.
const FallbackText = "(decision unavailable)"

// Options configures the decision domain manager.
type Options struct {
	// DecideTimeout bounds one Decide call. Defaults to 30s.
	DecideTimeout time.Duration
	// SwapGrace bounds the wait for in-flight decides during a swap.
	SwapGrace time.Duration
	// HoldQueueSize bounds the queue of messages held during a swap.
	HoldQueueSize int
}

type activeSlot struct {
	provider registry.DecisionProvider
	inflight sync.WaitGroup
}

// Manager owns the decision domain.
type Manager struct {
	bus     *bus.Bus
	reg     *registry.Registry
	metrics *metrics.Collector
	opts    Options
	logger  *zap.Logger

	// mu guards the slot pointer and the swap state. Decide takes the
	// slot under the lock, then releases it before awaiting.
	mu       sync.Mutex
	slot     *activeSlot
	swapping bool
	held     []*types.NormalizedMessage

	pctx  registry.ProviderContext
	subID bus.SubscriptionID
}

// NewManager creates the decision domain manager.
func NewManager(b *bus.Bus, reg *registry.Registry, collector *metrics.Collector, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DecideTimeout <= 0 {
		opts.DecideTimeout = 30 * time.Second
	}
	if opts.SwapGrace <= 0 {
		opts.SwapGrace = 5 * time.Second
	}
	if opts.HoldQueueSize <= 0 {
		opts.HoldQueueSize = 16
	}
	return &Manager{
		bus:     b,
		reg:     reg,
		metrics: collector,
		opts:    opts,
		logger:  logger.With(zap.String("component", "decision_manager")),
	}
}

// Start subscribes to data.message. SetActive must have been called for
// messages to be decided rather than held.
func (m *Manager) Start(_ context.Context, pctx registry.ProviderContext) error {
	m.mu.Lock()
	m.pctx = pctx
	m.mu.Unlock()

	m.subID = m.bus.Subscribe(bus.TopicDataMessage, func(ctx context.Context, ev bus.Event) error {
		msg, ok := ev.Payload.(*types.NormalizedMessage)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
		}
		m.handleMessage(ctx, msg)
		return nil
	}, 0)
	return nil
}

// SetActive installs the first provider. Fails if one is already set;
// use SwitchProvider for replacement.
func (m *Manager) SetActive(ctx context.Context, p registry.DecisionProvider) error {
	m.mu.Lock()
	if m.slot != nil {
		m.mu.Unlock()
		return fmt.Errorf("decision provider already active; use SwitchProvider")
	}
	pctx := m.pctx
	m.mu.Unlock()

	if err := p.Setup(ctx, pctx); err != nil {
		m.reg.SetFailed(registry.KindDecision, p.Name(), err)
		return fmt.Errorf("setup decision provider %s: %w", p.Name(), err)
	}
	m.reg.SetState(registry.KindDecision, p.Name(), registry.StateRunning)

	m.mu.Lock()
	m.slot = &activeSlot{provider: p}
	m.mu.Unlock()
	m.replayHeld(ctx)
	return nil
}

// replayHeld re-enqueues messages that arrived while no provider was
// available.
func (m *Manager) replayHeld(ctx context.Context) {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for _, msg := range held {
		m.handleMessage(ctx, msg)
	}
}

// ActiveName returns the current provider's name, empty when none.
func (m *Manager) ActiveName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return ""
	}
	return m.slot.provider.Name()
}

// handleMessage decides one message or holds it while a swap is in
// progress.
func (m *Manager) handleMessage(ctx context.Context, msg *types.NormalizedMessage) {
	m.mu.Lock()
	if m.swapping || m.slot == nil {
		if len(m.held) >= m.opts.HoldQueueSize {
			dropped := m.held[0]
			m.held = m.held[1:]
			m.logger.Warn("hold queue overflow, dropping oldest message",
				zap.String("text", dropped.Text))
		}
		m.held = append(m.held, msg)
		m.mu.Unlock()
		return
	}
	slot := m.slot
	slot.inflight.Add(1)
	m.mu.Unlock()

	// Decide off the dispatch path: a slow decider must not block the
	// bus or subsequent messages.
	go func() {
		defer slot.inflight.Done()
		m.decideAndEmit(ctx, slot.provider, msg)
	}()
}

// decideAndEmit produces exactly one intent for msg, synthesizing a
// fallback when the provider errs or times out.
func (m *Manager) decideAndEmit(ctx context.Context, p registry.DecisionProvider, msg *types.NormalizedMessage) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DecideTimeout)
	defer cancel()

	start := time.Now()
	intent, err := m.safeDecide(dctx, p, msg)
	m.metrics.DecideObserved(time.Since(start).Seconds())

	if err != nil {
		kind := errorKind(err)
		m.logger.Warn("decide failed, emitting fallback",
			zap.String("provider", p.Name()),
			zap.String("kind", kind),
			zap.Error(err))
		m.metrics.DecideFallback(kind)
		intent = types.FallbackIntent(msg.Text, FallbackText, kind)
	} else if intent == nil {
		m.metrics.DecideFallback("nil_intent")
		intent = types.FallbackIntent(msg.Text, FallbackText, "nil_intent")
	}

	m.bus.Emit(ctx, bus.TopicDecisionIntent, intent, p.Name())
}

// safeDecide converts provider panics into errors.
func (m *Manager) safeDecide(ctx context.Context, p registry.DecisionProvider, msg *types.NormalizedMessage) (intent *types.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intent, err = nil, fmt.Errorf("decide panic: %v", r)
		}
	}()
	return p.Decide(ctx, msg)
}

func errorKind(err error) string {
	var terr *types.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &terr) && terr.Code == types.ErrTimeout:
		return "timeout"
	case errors.As(err, &terr) && terr.Code == types.ErrDisconnected:
		return "disconnected"
	default:
		return "provider_failed"
	}
}

// SwitchProvider atomically replaces the active provider: drain in-flight
// decides up to the grace timeout, clean up the outgoing provider, set up
// the replacement, then replay held messages. No message observes both
// providers.
func (m *Manager) SwitchProvider(ctx context.Context, next registry.DecisionProvider) error {
	m.mu.Lock()
	if m.swapping {
		m.mu.Unlock()
		return fmt.Errorf("provider swap already in progress")
	}
	m.swapping = true
	outgoing := m.slot
	m.slot = nil
	pctx := m.pctx
	m.mu.Unlock()

	finishSwap := func() {
		m.mu.Lock()
		m.swapping = false
		m.mu.Unlock()
		m.replayHeld(ctx)
	}

	if outgoing != nil {
		m.drain(outgoing)
		m.reg.SetState(registry.KindDecision, outgoing.provider.Name(), registry.StateStopping)
		if err := outgoing.provider.Cleanup(); err != nil {
			m.logger.Warn("outgoing provider cleanup failed",
				zap.String("provider", outgoing.provider.Name()), zap.Error(err))
		}
		m.reg.SetState(registry.KindDecision, outgoing.provider.Name(), registry.StateRegistered)
	}

	if err := next.Setup(ctx, pctx); err != nil {
		m.reg.SetFailed(registry.KindDecision, next.Name(), err)
		finishSwap()
		return fmt.Errorf("setup decision provider %s: %w", next.Name(), err)
	}
	m.reg.SetState(registry.KindDecision, next.Name(), registry.StateRunning)

	m.mu.Lock()
	m.slot = &activeSlot{provider: next}
	m.mu.Unlock()

	m.logger.Info("decision provider switched", zap.String("provider", next.Name()))
	finishSwap()
	return nil
}

// drain waits for in-flight decides up to the grace timeout.
func (m *Manager) drain(slot *activeSlot) {
	done := make(chan struct{})
	go func() { slot.inflight.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(m.opts.SwapGrace):
		m.logger.Warn("swap grace expired with decides in flight")
	}
}

// Stop unsubscribes and cleans up the active provider.
func (m *Manager) Stop(_ context.Context) error {
	m.bus.Unsubscribe(m.subID)

	m.mu.Lock()
	slot := m.slot
	m.slot = nil
	m.mu.Unlock()

	if slot == nil {
		return nil
	}
	m.drain(slot)
	m.reg.SetState(registry.KindDecision, slot.provider.Name(), registry.StateStopping)
	return slot.provider.Cleanup()
}
