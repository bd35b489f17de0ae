package console

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func TestRun_EmitsLines(t *testing.T) {
	p := New(map[string]any{"user_id": "operator"})
	p.Reader = strings.NewReader("hello\n\nworld\n")
	require.NoError(t, p.Setup(context.Background(), registry.ProviderContext{}))

	var got []types.RawData
	err := p.Run(context.Background(), func(raw types.RawData) { got = append(got, raw) })

	require.NoError(t, err)
	require.Len(t, got, 2, "empty lines are skipped")
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "console", got[0].Source)
	assert.Equal(t, types.DataTypeText, got[0].DataType)
	assert.Equal(t, "operator", got[0].Metadata["user_id"])
	assert.Equal(t, "world", got[1].Content)
}

func TestRun_NoUserID(t *testing.T) {
	p := New(map[string]any{})
	p.Reader = strings.NewReader("hi\n")

	var got []types.RawData
	require.NoError(t, p.Run(context.Background(), func(raw types.RawData) { got = append(got, raw) }))
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Metadata)
}

func TestRun_CancelStops(t *testing.T) {
	p := New(map[string]any{})
	// A reader that never ends.
	pr, _ := newBlockingReader()
	p.Reader = pr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, func(types.RawData) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func newBlockingReader() (*blockingReader, func()) {
	r := &blockingReader{ch: make(chan struct{})}
	return r, func() { close(r.ch) }
}

type blockingReader struct{ ch chan struct{} }

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.ch
	return 0, nil
}
