package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func TestRender_PrintsSubtitle(t *testing.T) {
	var buf bytes.Buffer
	p := New(map[string]any{})
	p.Writer = &buf
	require.NoError(t, p.Setup(context.Background(), registry.ProviderContext{}))

	err := p.Render(context.Background(), &types.ExpressionParameters{
		SubtitleText:    "hello viewers",
		SubtitleEnabled: true,
		Metadata:        map[string]any{"emotion": "happy"},
	})

	require.NoError(t, err)
	assert.Equal(t, "[happy] hello viewers\n", buf.String())
}

func TestRender_DisabledSubtitleIsNoop(t *testing.T) {
	var buf bytes.Buffer
	p := New(map[string]any{})
	p.Writer = &buf

	require.NoError(t, p.Render(context.Background(), &types.ExpressionParameters{
		SubtitleText: "hidden", SubtitleEnabled: false,
	}))
	assert.Empty(t, buf.String())
}

func TestRender_Prefix(t *testing.T) {
	var buf bytes.Buffer
	p := New(map[string]any{"prefix": ">> "})
	p.Writer = &buf

	require.NoError(t, p.Render(context.Background(), &types.ExpressionParameters{
		SubtitleText: "hi", SubtitleEnabled: true,
	}))
	assert.Equal(t, ">> [] hi\n", buf.String())
}
