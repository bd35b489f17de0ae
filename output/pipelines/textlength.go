package pipelines

import (
	"context"

	"github.com/BaSui01/vtubeflow/types"
)

// TextLengthConfig configures the length limiter.
type TextLengthConfig struct {
	// MaxLength bounds tts_text and subtitle_text in runes. Zero selects
	// the default of 200.
	MaxLength int
}

// TextLength truncates tts_text and subtitle_text with an ellipsis
// beyond the configured maximum.
type TextLength struct {
	max int
}

// NewTextLength creates the limiter.
func NewTextLength(cfg TextLengthConfig) *TextLength {
	max := cfg.MaxLength
	if max <= 0 {
		max = 200
	}
	return &TextLength{max: max}
}

// Name implements pipeline.Stage.
func (l *TextLength) Name() string { return "textlength" }

// Process implements pipeline.Stage.
func (l *TextLength) Process(_ context.Context, params *types.ExpressionParameters) (*types.ExpressionParameters, bool, error) {
	params.TTSText = l.truncate(params.TTSText)
	params.SubtitleText = l.truncate(params.SubtitleText)
	return params, true, nil
}

func (l *TextLength) truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= l.max {
		return text
	}
	return string(runes[:l.max]) + "…"
}
