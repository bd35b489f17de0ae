package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// fakeRegistrar 记录注册的回调
type fakeRegistrar struct {
	mu       sync.Mutex
	handlers map[string]registry.CallbackHandler
}

func (f *fakeRegistrar) RegisterCallback(name string, handler registry.CallbackHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]registry.CallbackHandler)
	}
	f.handlers[name] = handler
}

func setup(t *testing.T, cfg map[string]any) (*Provider, *fakeRegistrar) {
	t.Helper()
	p := New(cfg)
	reg := &fakeRegistrar{}
	require.NoError(t, p.Setup(context.Background(), registry.ProviderContext{Callbacks: reg}))
	return p, reg
}

func TestSetup_RegistersRoute(t *testing.T) {
	_, reg := setup(t, map[string]any{"route": "gamebridge"})
	assert.Contains(t, reg.handlers, "gamebridge")
}

func TestCallbackFlowsToEmit(t *testing.T) {
	p, reg := setup(t, map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var got []types.RawData
	go func() {
		_ = p.Run(ctx, func(raw types.RawData) {
			mu.Lock()
			got = append(got, raw)
			mu.Unlock()
		})
	}()

	err := reg.handlers["webhook"](context.Background(),
		[]byte(`{"text":"boss defeated","user_id":"game","metadata":{"hp":0.2}}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "boss defeated", got[0].Content)
	assert.Equal(t, "webhook", got[0].Source)
	assert.Equal(t, "game", got[0].Metadata["user_id"])
	assert.Equal(t, 0.2, got[0].Metadata["hp"])
}

func TestCallback_RejectsBadBodies(t *testing.T) {
	_, reg := setup(t, map[string]any{})

	assert.Error(t, reg.handlers["webhook"](context.Background(), []byte(`not json`)))
	assert.Error(t, reg.handlers["webhook"](context.Background(), []byte(`{"user_id":"x"}`)))
}

func TestCallback_QueueFullRejects(t *testing.T) {
	_, reg := setup(t, map[string]any{"queue_size": 1})

	ok := reg.handlers["webhook"](context.Background(), []byte(`{"text":"one"}`))
	require.NoError(t, ok)
	err := reg.handlers["webhook"](context.Background(), []byte(`{"text":"two"}`))
	assert.Error(t, err, "full queue must surface backpressure")
}

func TestSetup_RequiresCallbacks(t *testing.T) {
	p := New(map[string]any{})
	assert.Error(t, p.Setup(context.Background(), registry.ProviderContext{}))
}
