package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// fakeDecider 可脚本化决策测试替身
type fakeDecider struct {
	name     string
	decideFn func(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error)
	cleanups atomic.Int32

	mu   sync.Mutex
	seen []string
}

func (f *fakeDecider) Name() string                                          { return f.name }
func (f *fakeDecider) Setup(context.Context, registry.ProviderContext) error { return nil }
func (f *fakeDecider) Cleanup() error                                        { f.cleanups.Add(1); return nil }
func (f *fakeDecider) Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	f.mu.Lock()
	f.seen = append(f.seen, msg.Text)
	f.mu.Unlock()
	if f.decideFn != nil {
		return f.decideFn(ctx, msg)
	}
	return &types.Intent{OriginalText: msg.Text, ResponseText: "ok:" + msg.Text, Emotion: types.EmotionNeutral}, nil
}

type intentSink struct {
	mu      sync.Mutex
	intents []*types.Intent
}

func sinkIntents(b *bus.Bus) *intentSink {
	s := &intentSink{}
	b.Subscribe(bus.TopicDecisionIntent, func(_ context.Context, ev bus.Event) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.intents = append(s.intents, ev.Payload.(*types.Intent))
		return nil
	}, 0)
	return s
}

func (s *intentSink) waitLen(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.intents)
		s.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Fatalf("timed out: %d of %d intents", len(s.intents), n)
}

func testMsg(text string) *types.NormalizedMessage {
	return &types.NormalizedMessage{Text: text, Content: types.TextContent{Text: text}, Source: "test"}
}

func newTestSetup(t *testing.T, opts Options, decider registry.DecisionProvider) (*Manager, *bus.Bus, *intentSink) {
	t.Helper()
	b := bus.New()
	m := NewManager(b, registry.New(nil), nil, opts, nil)
	sink := sinkIntents(b)
	require.NoError(t, m.Start(context.Background(), registry.ProviderContext{}))
	if decider != nil {
		require.NoError(t, m.SetActive(context.Background(), decider))
	}
	return m, b, sink
}

func TestManager_ExactlyOneIntentPerMessage(t *testing.T) {
	d := &fakeDecider{name: "d"}
	m, b, sink := newTestSetup(t, Options{}, d)
	defer m.Stop(context.Background())

	b.Emit(context.Background(), bus.TopicDataMessage, testMsg("hello"), "test")
	sink.waitLen(t, 1, time.Second)

	assert.Equal(t, "ok:hello", sink.intents[0].ResponseText)
	assert.Equal(t, "d", m.ActiveName())
}

func TestManager_FallbackOnError(t *testing.T) {
	d := &fakeDecider{name: "d", decideFn: func(_ context.Context, _ *types.NormalizedMessage) (*types.Intent, error) {
		return nil, errors.New("brain offline")
	}}
	m, b, sink := newTestSetup(t, Options{}, d)
	defer m.Stop(context.Background())

	b.Emit(context.Background(), bus.TopicDataMessage, testMsg("hello"), "test")
	sink.waitLen(t, 1, time.Second)

	intent := sink.intents[0]
	assert.Equal(t, FallbackText, intent.ResponseText)
	assert.Equal(t, types.EmotionNeutral, intent.Emotion)
	assert.Equal(t, "provider_failed", intent.Metadata["error"])
	assert.Equal(t, "hello", intent.OriginalText)
}

func TestManager_FallbackOnPanic(t *testing.T) {
	d := &fakeDecider{name: "d", decideFn: func(_ context.Context, _ *types.NormalizedMessage) (*types.Intent, error) {
		panic("boom")
	}}
	m, b, sink := newTestSetup(t, Options{}, d)
	defer m.Stop(context.Background())

	b.Emit(context.Background(), bus.TopicDataMessage, testMsg("x"), "test")
	sink.waitLen(t, 1, time.Second)

	assert.Equal(t, "provider_failed", sink.intents[0].Metadata["error"])
}

func TestManager_TimeoutFallbackAndNoBlocking(t *testing.T) {
	d := &fakeDecider{name: "slow", decideFn: func(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
		if msg.Text == "slow" {
			<-ctx.Done()
			return nil, types.NewError(types.ErrTimeout, "deadline").WithCause(ctx.Err())
		}
		return &types.Intent{ResponseText: "fast"}, nil
	}}
	m, b, sink := newTestSetup(t, Options{DecideTimeout: 50 * time.Millisecond}, d)
	defer m.Stop(context.Background())

	b.Emit(context.Background(), bus.TopicDataMessage, testMsg("slow"), "test")
	// A subsequent message must not wait behind the stuck decide.
	b.Emit(context.Background(), bus.TopicDataMessage, testMsg("quick"), "test")

	sink.waitLen(t, 2, time.Second)

	var kinds []any
	for _, in := range sink.intents {
		if in.Metadata != nil {
			kinds = append(kinds, in.Metadata["error"])
		}
	}
	assert.Contains(t, kinds, "timeout")
}

func TestManager_MessagesHeldWithNoProvider(t *testing.T) {
	m, b, sink := newTestSetup(t, Options{}, nil)
	defer m.Stop(context.Background())

	b.Emit(context.Background(), bus.TopicDataMessage, testMsg("early"), "test")

	// Installing a provider replays the held message.
	d := &fakeDecider{name: "late"}
	require.NoError(t, m.SetActive(context.Background(), d))

	sink.waitLen(t, 1, time.Second)
	assert.Equal(t, "ok:early", sink.intents[0].ResponseText)
}

func TestManager_HoldQueueOverflowDropsOldest(t *testing.T) {
	m, b, sink := newTestSetup(t, Options{HoldQueueSize: 2}, nil)
	defer m.Stop(context.Background())

	for i := 0; i < 4; i++ {
		b.Emit(context.Background(), bus.TopicDataMessage, testMsg(fmt.Sprintf("m%d", i)), "test")
	}

	d := &fakeDecider{name: "d"}
	require.NoError(t, m.SwitchProvider(context.Background(), d))
	sink.waitLen(t, 2, time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var texts []string
	for _, in := range sink.intents {
		texts = append(texts, in.OriginalText)
	}
	assert.ElementsMatch(t, []string{"m2", "m3"}, texts, "oldest held messages are dropped")
}

// Scenario: switch under load. Every message gets exactly one intent, no
// message is decided by both providers, and the outgoing provider is
// cleaned up exactly once.
func TestManager_SwitchProviderUnderLoad(t *testing.T) {
	release := make(chan struct{})
	first := &fakeDecider{name: "maicore", decideFn: func(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &types.Intent{OriginalText: msg.Text, ResponseText: "first"}, nil
	}}
	second := &fakeDecider{name: "local_llm"}

	m, b, sink := newTestSetup(t, Options{SwapGrace: 2 * time.Second}, first)
	defer m.Stop(context.Background())

	for i := 0; i < 5; i++ {
		b.Emit(context.Background(), bus.TopicDataMessage, testMsg(fmt.Sprintf("m%d", i)), "test")
	}

	swapDone := make(chan error, 1)
	go func() { swapDone <- m.SwitchProvider(context.Background(), second) }()

	// Let the drain begin, then release the in-flight decides.
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-swapDone)

	for i := 5; i < 10; i++ {
		b.Emit(context.Background(), bus.TopicDataMessage, testMsg(fmt.Sprintf("m%d", i)), "test")
	}

	sink.waitLen(t, 10, 2*time.Second)

	assert.Equal(t, int32(1), first.cleanups.Load())

	// No message observed by both providers.
	first.mu.Lock()
	second.mu.Lock()
	defer first.mu.Unlock()
	defer second.mu.Unlock()
	seen := make(map[string]int)
	for _, text := range append(append([]string(nil), first.seen...), second.seen...) {
		seen[text]++
	}
	for text, count := range seen {
		assert.Equal(t, 1, count, "message %s decided more than once", text)
	}
	assert.Len(t, seen, 10)
}

func TestManager_StopCleansUp(t *testing.T) {
	d := &fakeDecider{name: "d"}
	m, _, _ := newTestSetup(t, Options{}, d)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int32(1), d.cleanups.Load())
	assert.Equal(t, "", m.ActiveName())
}
