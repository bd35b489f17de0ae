package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/config"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

// feedInput 一次性注入脚本消息的输入 provider
type feedInput struct {
	name  string
	items []types.RawData
}

func (f *feedInput) Name() string                                          { return f.name }
func (f *feedInput) Setup(context.Context, registry.ProviderContext) error { return nil }
func (f *feedInput) Cleanup() error                                        { return nil }
func (f *feedInput) Run(ctx context.Context, emit func(types.RawData)) error {
	for _, item := range f.items {
		emit(item)
	}
	<-ctx.Done()
	return nil
}

// recordOutput 记录每次渲染的输出 provider
type recordOutput struct {
	name string
	mu   sync.Mutex
	got  []*types.ExpressionParameters
}

func (r *recordOutput) Name() string                                          { return r.name }
func (r *recordOutput) Setup(context.Context, registry.ProviderContext) error { return nil }
func (r *recordOutput) Cleanup() error                                        { return nil }
func (r *recordOutput) Render(_ context.Context, p *types.ExpressionParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	return nil
}
func (r *recordOutput) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// sleepyDecider 永远阻塞到超时
type sleepyDecider struct{}

func (sleepyDecider) Name() string                                          { return "sleepy" }
func (sleepyDecider) Setup(context.Context, registry.ProviderContext) error { return nil }
func (sleepyDecider) Cleanup() error                                        { return nil }
func (sleepyDecider) Decide(ctx context.Context, _ *types.NormalizedMessage) (*types.Intent, error) {
	<-ctx.Done()
	return nil, types.NewError(types.ErrTimeout, "still thinking").WithCause(ctx.Err())
}

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func collectIntents(a *App) (*sync.Mutex, *[]*types.Intent) {
	var mu sync.Mutex
	var intents []*types.Intent
	a.Bus.Subscribe(bus.TopicDecisionIntent, func(_ context.Context, ev bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		intents = append(intents, ev.Payload.(*types.Intent))
		return nil
	}, 0)
	return &mu, &intents
}

// Scenario: happy path with the rule-engine decider. One console-style
// input line flows through normalization, decision, expression mapping,
// and reaches both outputs exactly once.
func TestE2E_HappyPathRuleEngine(t *testing.T) {
	registry.RegisterInput("e2e_feed", func(cfg map[string]any) (registry.InputProvider, error) {
		return &feedInput{name: "e2e_feed", items: []types.RawData{
			types.NewRawData("hello world", "console", types.DataTypeText),
		}}, nil
	})
	subtitleRec := &recordOutput{name: "e2e_subtitle"}
	ttsRec := &recordOutput{name: "e2e_tts"}
	registry.RegisterOutput("e2e_subtitle", func(map[string]any) (registry.OutputProvider, error) {
		return subtitleRec, nil
	})
	registry.RegisterOutput("e2e_tts", func(map[string]any) (registry.OutputProvider, error) {
		return ttsRec, nil
	})

	cfg := baseConfig()
	cfg.Providers.Input.EnabledInputs = []string{"e2e_feed"}
	cfg.Providers.Decision.ActiveProvider = "rule_engine"
	cfg.Providers.Decision.Providers = map[string]map[string]any{
		"rule_engine": {"rules": []map[string]any{
			{"keywords": []string{"hello"}, "response": "hi!", "emotion": "happy"},
		}},
	}
	cfg.Providers.Output.EnabledOutputs = []string{"e2e_subtitle", "e2e_tts"}

	a := startApp(t, cfg)
	mu, intents := collectIntents(a)

	require.Eventually(t, func() bool {
		return subtitleRec.count() == 1 && ttsRec.count() == 1
	}, 3*time.Second, 10*time.Millisecond, "both outputs must render once")

	mu.Lock()
	require.Len(t, *intents, 1)
	assert.Equal(t, "hi!", (*intents)[0].ResponseText)
	assert.Equal(t, types.EmotionHappy, (*intents)[0].Emotion)
	mu.Unlock()

	assert.Equal(t, "hi!", subtitleRec.got[0].TTSText)
	assert.Equal(t, "hi!", ttsRec.got[0].TTSText)

	// Happy emotion reached the avatar parameters.
	assert.Equal(t, 0.8, subtitleRec.got[0].Expressions["mouth_smile"])
}

// Scenario: the rate-limit pipeline drops the second message from the
// same user inside the window; exactly one intent is observed.
func TestE2E_RateLimitDrop(t *testing.T) {
	registry.RegisterInput("e2e_ratefeed", func(cfg map[string]any) (registry.InputProvider, error) {
		mk := func(text string) types.RawData {
			return types.NewRawData(text, "chat", types.DataTypeText).WithMetadata("user_id", "U1")
		}
		return &feedInput{name: "e2e_ratefeed", items: []types.RawData{mk("first"), mk("second")}}, nil
	})

	cfg := baseConfig()
	cfg.Providers.Input.EnabledInputs = []string{"e2e_ratefeed"}
	cfg.Providers.Decision.ActiveProvider = "rule_engine"
	cfg.Providers.Decision.Providers = map[string]map[string]any{"rule_engine": {}}
	cfg.Pipelines.Input = map[string]config.PipelineConfig{
		"ratelimit": {Enabled: true, Priority: 100, UserRate: 1, WindowSecs: 60},
	}

	a := startApp(t, cfg)
	mu, intents := collectIntents(a)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*intents) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Give the dropped message time to (not) appear.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *intents, 1, "second message must be rate-limited")
	assert.Equal(t, "first", (*intents)[0].OriginalText)
}

// Scenario: decision timeout. The stuck decider yields a fallback intent
// with metadata.error = "timeout" within the decide timeout, and later
// messages are not blocked behind it.
func TestE2E_DecisionTimeoutFallback(t *testing.T) {
	registry.RegisterInput("e2e_timeoutfeed", func(cfg map[string]any) (registry.InputProvider, error) {
		return &feedInput{name: "e2e_timeoutfeed", items: []types.RawData{
			types.NewRawData("are you there?", "console", types.DataTypeText),
		}}, nil
	})
	registry.RegisterDecision("e2e_sleepy", func(map[string]any) (registry.DecisionProvider, error) {
		return sleepyDecider{}, nil
	})

	cfg := baseConfig()
	cfg.Providers.Input.EnabledInputs = []string{"e2e_timeoutfeed"}
	cfg.Providers.Decision.ActiveProvider = "e2e_sleepy"
	cfg.Providers.Decision.DecideTimeout = 0.2

	a := startApp(t, cfg)
	mu, intents := collectIntents(a)

	start := time.Now()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*intents) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Less(t, time.Since(start), 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	intent := (*intents)[0]
	assert.Equal(t, "timeout", intent.Metadata["error"])
	assert.Equal(t, types.EmotionNeutral, intent.Emotion)
	assert.Equal(t, "are you there?", intent.OriginalText)
}

// Scenario: one failing output provider leaves its sibling rendering,
// including for subsequent intents.
func TestE2E_OutputFailureIsolation(t *testing.T) {
	registry.RegisterInput("e2e_twofeed", func(cfg map[string]any) (registry.InputProvider, error) {
		return &feedInput{name: "e2e_twofeed", items: []types.RawData{
			types.NewRawData("one", "console", types.DataTypeText),
			types.NewRawData("two", "console", types.DataTypeText),
		}}, nil
	})
	recording := &recordOutput{name: "e2e_recorder"}
	registry.RegisterOutput("e2e_recorder", func(map[string]any) (registry.OutputProvider, error) {
		return recording, nil
	})
	registry.RegisterOutput("e2e_exploder", func(map[string]any) (registry.OutputProvider, error) {
		return &explodingOutput{}, nil
	})

	cfg := baseConfig()
	cfg.Providers.Input.EnabledInputs = []string{"e2e_twofeed"}
	cfg.Providers.Decision.ActiveProvider = "rule_engine"
	cfg.Providers.Decision.Providers = map[string]map[string]any{"rule_engine": {}}
	cfg.Providers.Output.EnabledOutputs = []string{"e2e_exploder", "e2e_recorder"}

	startApp(t, cfg)

	require.Eventually(t, func() bool {
		return recording.count() == 2
	}, 3*time.Second, 10*time.Millisecond, "recorder must see both intents despite the exploder")
}

type explodingOutput struct{}

func (explodingOutput) Name() string                                          { return "e2e_exploder" }
func (explodingOutput) Setup(context.Context, registry.ProviderContext) error { return nil }
func (explodingOutput) Cleanup() error                                        { return nil }
func (explodingOutput) Render(context.Context, *types.ExpressionParameters) error {
	panic("render exploded")
}

// Unknown provider names in config are fatal at build time.
func TestE2E_UnknownProviderFatal(t *testing.T) {
	cfg := baseConfig()
	cfg.Providers.Input.EnabledInputs = []string{"no_such_input"}

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_input")
}

// A plain default config starts and stops cleanly.
func TestE2E_StartStopClean(t *testing.T) {
	a := startApp(t, baseConfig())
	require.NoError(t, a.Stop())
}

// Runtime provider swap through the app surface.
func TestE2E_SwitchDecisionProvider(t *testing.T) {
	registry.RegisterInput("e2e_swapfeed", func(cfg map[string]any) (registry.InputProvider, error) {
		return &feedInput{name: "e2e_swapfeed", items: []types.RawData{
			types.NewRawData("before swap", "console", types.DataTypeText),
		}}, nil
	})

	cfg := baseConfig()
	cfg.Providers.Input.EnabledInputs = []string{"e2e_swapfeed"}
	cfg.Providers.Decision.ActiveProvider = "rule_engine"
	cfg.Providers.Decision.AvailableProviders = []string{"rule_engine"}
	cfg.Providers.Decision.Providers = map[string]map[string]any{
		"rule_engine": {"default_response": "from rules"},
	}

	a := startApp(t, cfg)
	mu, intents := collectIntents(a)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*intents) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SwitchDecisionProvider(context.Background(), "rule_engine"))
	assert.Equal(t, "rule_engine", a.Decision.ActiveName())
}
