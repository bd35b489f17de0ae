package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/types"
)

// stubInput 测试替身
type stubInput struct {
	name string
	cfg  map[string]any
}

func (s *stubInput) Name() string                                   { return s.name }
func (s *stubInput) Setup(context.Context, ProviderContext) error   { return nil }
func (s *stubInput) Run(context.Context, func(types.RawData)) error { return nil }
func (s *stubInput) Cleanup() error                                 { return nil }

func TestBuildInput_KnownProvider(t *testing.T) {
	RegisterInput("test_stub", func(cfg map[string]any) (InputProvider, error) {
		return &stubInput{name: "test_stub", cfg: cfg}, nil
	})

	r := New(nil)
	p, err := r.BuildInput("test_stub", map[string]any{"k": "v"})

	require.NoError(t, err)
	assert.Equal(t, "test_stub", p.Name())

	recs := r.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, StateReady, recs[0].State)
}

func TestBuildInput_UnknownProviderListsRegistered(t *testing.T) {
	RegisterInput("known_one", func(cfg map[string]any) (InputProvider, error) {
		return &stubInput{name: "known_one"}, nil
	})

	r := New(nil)
	_, err := r.BuildInput("ghost", nil)

	require.ErrorIs(t, err, ErrUnknownProvider)
	assert.Contains(t, err.Error(), "known_one")

	recs := r.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, StateFailed, recs[0].State)
}

func TestBuildInput_FactoryFailureIsIsolated(t *testing.T) {
	RegisterInput("broken", func(cfg map[string]any) (InputProvider, error) {
		return nil, errors.New("bad config")
	})
	RegisterInput("working", func(cfg map[string]any) (InputProvider, error) {
		return &stubInput{name: "working"}, nil
	})

	r := New(nil)
	_, err := r.BuildInput("broken", nil)
	require.Error(t, err)

	p, err := r.BuildInput("working", nil)
	require.NoError(t, err)
	assert.Equal(t, "working", p.Name())
}

// Factories receive only their config map; the same config must build
// observationally equivalent providers.
func TestBuildInput_SameConfigSameResult(t *testing.T) {
	RegisterInput("echo_cfg", func(cfg map[string]any) (InputProvider, error) {
		return &stubInput{name: "echo_cfg", cfg: cfg}, nil
	})

	r := New(nil)
	cfg := map[string]any{"a": 1}
	p1, err := r.BuildInput("echo_cfg", cfg)
	require.NoError(t, err)
	p2, err := r.BuildInput("echo_cfg", cfg)
	require.NoError(t, err)

	assert.Equal(t, p1.(*stubInput).cfg, p2.(*stubInput).cfg)
}

func TestSetState_Transitions(t *testing.T) {
	r := New(nil)
	r.SetState(KindOutput, "tts", StateRunning)
	r.SetFailed(KindOutput, "tts", errors.New("device gone"))
	r.SetState(KindOutput, "tts", StateRunning)

	recs := r.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, StateRunning, recs[0].State)
	assert.Empty(t, recs[0].Err, "recovery clears the failure")
}
