package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrorHandling selects what a chain does when a stage fails or times out.
type ErrorHandling string

const (
	// ErrorContinue logs the failure and passes the stage's input forward.
	ErrorContinue ErrorHandling = "continue"
	// ErrorStop aborts the chain; the value in flight is dropped.
	ErrorStop ErrorHandling = "stop"
	// ErrorDrop silently discards the value in flight.
	ErrorDrop ErrorHandling = "drop"
)

// Stage transforms a value. Returning (nil-equivalent, false) drops the
// value; returning a modified or identical value with true passes it on.
type Stage[T any] interface {
	// Name identifies the stage in logs and metrics.
	Name() string
	// Process applies the stage. ok=false drops the value from the chain.
	Process(ctx context.Context, v T) (out T, ok bool, err error)
}

// StageConfig is the per-stage chain policy.
type StageConfig struct {
	Priority      int
	ErrorHandling ErrorHandling
	Timeout       time.Duration
}

// DefaultStageConfig returns the policy used when config omits a stage.
func DefaultStageConfig(priority int) StageConfig {
	return StageConfig{
		Priority:      priority,
		ErrorHandling: ErrorContinue,
		Timeout:       time.Second,
	}
}

type entry[T any] struct {
	stage Stage[T]
	cfg   StageConfig
	order int
}

// Result reports what the chain did with one value.
type Result string

const (
	ResultPassed  Result = "passed"
	ResultDropped Result = "dropped"
	ResultAborted Result = "aborted"
)

// Chain runs stages in ascending priority order.
type Chain[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	nextOrd int
	logger  *zap.Logger

	// OnDrop, when set, observes every drop with the responsible stage
	// name. Used by domains to count drops per pipeline.
	OnDrop func(stage string)
}

// NewChain creates an empty chain.
func NewChain[T any](logger *zap.Logger) *Chain[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain[T]{logger: logger}
}

// Add registers a stage with its policy.
func (c *Chain[T]) Add(stage Stage[T], cfg StageConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry[T]{stage: stage, cfg: cfg, order: c.nextOrd})
	c.nextOrd++
	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].cfg.Priority != c.entries[j].cfg.Priority {
			return c.entries[i].cfg.Priority < c.entries[j].cfg.Priority
		}
		return c.entries[i].order < c.entries[j].order
	})
}

// Len returns the number of registered stages.
func (c *Chain[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run applies every stage to v in order. The second return names the
// stage that dropped or aborted, empty when the value passed.
func (c *Chain[T]) Run(ctx context.Context, v T) (T, Result, string) {
	c.mu.RLock()
	entries := make([]entry[T], len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	for _, e := range entries {
		out, ok, err := c.runStage(ctx, e, v)
		if err != nil {
			switch e.cfg.ErrorHandling {
			case ErrorDrop:
				c.logger.Debug("stage failed, dropping value",
					zap.String("stage", e.stage.Name()), zap.Error(err))
				c.notifyDrop(e.stage.Name())
				return v, ResultDropped, e.stage.Name()
			case ErrorStop:
				c.logger.Warn("stage failed, aborting chain",
					zap.String("stage", e.stage.Name()), zap.Error(err))
				return v, ResultAborted, e.stage.Name()
			default: // ErrorContinue
				c.logger.Warn("stage failed, passing value through",
					zap.String("stage", e.stage.Name()), zap.Error(err))
				continue
			}
		}
		if !ok {
			c.notifyDrop(e.stage.Name())
			return v, ResultDropped, e.stage.Name()
		}
		v = out
	}
	return v, ResultPassed, ""
}

func (c *Chain[T]) notifyDrop(stage string) {
	if c.OnDrop != nil {
		c.OnDrop(stage)
	}
}

// runStage applies the stage under its timeout. A stage that outlives its
// deadline is abandoned; its goroutine may finish later but its result is
// discarded.
func (c *Chain[T]) runStage(ctx context.Context, e entry[T], v T) (T, bool, error) {
	if e.cfg.Timeout <= 0 {
		return e.stage.Process(ctx, v)
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type stageOut struct {
		v   T
		ok  bool
		err error
	}
	ch := make(chan stageOut, 1)
	go func() {
		out, ok, err := e.stage.Process(sctx, v)
		ch <- stageOut{out, ok, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.ok, r.err
	case <-sctx.Done():
		var zero T
		return zero, false, fmt.Errorf("stage %s: %w", e.stage.Name(), sctx.Err())
	}
}
