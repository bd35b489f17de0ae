package input

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/pipeline"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// scriptedProvider 按脚本发送 RawData 的测试替身
type scriptedProvider struct {
	name     string
	items    []types.RawData
	runErr   error
	panics   bool
	setups   atomic.Int32
	cleanups atomic.Int32
	block    bool
}

func (p *scriptedProvider) Name() string { return p.name }
func (p *scriptedProvider) Setup(context.Context, registry.ProviderContext) error {
	p.setups.Add(1)
	return nil
}
func (p *scriptedProvider) Cleanup() error {
	p.cleanups.Add(1)
	return nil
}
func (p *scriptedProvider) Run(ctx context.Context, emit func(types.RawData)) error {
	if p.panics {
		panic("provider exploded")
	}
	for _, item := range p.items {
		emit(item)
	}
	if p.block {
		<-ctx.Done()
	}
	return p.runErr
}

type collected struct {
	mu   sync.Mutex
	msgs []*types.NormalizedMessage
}

func collect(b *bus.Bus) *collected {
	c := &collected{}
	b.Subscribe(bus.TopicDataMessage, func(_ context.Context, ev bus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, ev.Payload.(*types.NormalizedMessage))
		return nil
	}, 0)
	return c
}

func (c *collected) waitLen(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
}

func newTestManager(t *testing.T, opts Options, providers ...registry.InputProvider) (*Manager, *bus.Bus, *collected) {
	t.Helper()
	b := bus.New()
	chain := pipeline.NewChain[*types.NormalizedMessage](nil)
	m := NewManager(b, registry.New(nil), chain, nil, opts, nil)
	for _, p := range providers {
		m.AddProvider(p)
	}
	c := collect(b)
	return m, b, c
}

func TestManager_NormalizesAndEmits(t *testing.T) {
	p := &scriptedProvider{name: "p1", items: []types.RawData{
		types.NewRawData("hello world", "p1", types.DataTypeText),
	}}
	m, _, c := newTestManager(t, Options{}, p)

	require.NoError(t, m.Start(context.Background(), registry.ProviderContext{}))
	c.waitLen(t, 1)
	require.NoError(t, m.Stop(context.Background()))

	assert.Equal(t, "hello world", c.msgs[0].Text)
	assert.Equal(t, int32(1), p.cleanups.Load())
}

func TestManager_ProviderFailureIsolated(t *testing.T) {
	bad := &scriptedProvider{name: "bad", runErr: errors.New("stream died")}
	good := &scriptedProvider{name: "good", block: true, items: []types.RawData{
		types.NewRawData("still here", "good", types.DataTypeText),
	}}
	m, _, c := newTestManager(t, Options{}, bad, good)

	require.NoError(t, m.Start(context.Background(), registry.ProviderContext{}))
	c.waitLen(t, 1)

	assert.Equal(t, "still here", c.msgs[0].Text)
	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_ProviderPanicIsolated(t *testing.T) {
	boom := &scriptedProvider{name: "boom", panics: true}
	good := &scriptedProvider{name: "good", block: true, items: []types.RawData{
		types.NewRawData("alive", "good", types.DataTypeText),
	}}
	m, _, c := newTestManager(t, Options{}, boom, good)

	require.NoError(t, m.Start(context.Background(), registry.ProviderContext{}))
	c.waitLen(t, 1)
	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_AutoRestart(t *testing.T) {
	p := &scriptedProvider{name: "flaky", runErr: errors.New("drop")}
	m, _, _ := newTestManager(t, Options{AutoRestart: true, RestartInterval: 10 * time.Millisecond}, p)

	require.NoError(t, m.Start(context.Background(), registry.ProviderContext{}))

	assert.Eventually(t, func() bool {
		return p.setups.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "provider must be restarted")

	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_PipelineDropSuppressesEmit(t *testing.T) {
	p := &scriptedProvider{name: "p1", items: []types.RawData{
		types.NewRawData("drop me", "p1", types.DataTypeText),
		types.NewRawData("keep me", "p1", types.DataTypeText),
	}, block: true}

	b := bus.New()
	chain := pipeline.NewChain[*types.NormalizedMessage](nil)
	chain.Add(&dropStage{match: "drop me"}, pipeline.DefaultStageConfig(0))
	m := NewManager(b, registry.New(nil), chain, nil, Options{}, nil)
	m.AddProvider(p)
	c := collect(b)

	require.NoError(t, m.Start(context.Background(), registry.ProviderContext{}))
	c.waitLen(t, 1)
	require.NoError(t, m.Stop(context.Background()))

	require.Len(t, c.msgs, 1)
	assert.Equal(t, "keep me", c.msgs[0].Text)
}

type dropStage struct{ match string }

func (s *dropStage) Name() string { return "dropper" }
func (s *dropStage) Process(_ context.Context, m *types.NormalizedMessage) (*types.NormalizedMessage, bool, error) {
	if m.Text == s.match {
		return nil, false, nil
	}
	return m, true, nil
}
