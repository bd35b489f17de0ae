// Package tts provides the speech output provider. Text is synthesized
// through a pluggable Synthesizer and the resulting audio is broadcast on
// the shared audio channel, where playback and lip-sync consumers pick it
// up. The default synthesizer produces silent PCM sized to the text,
// keeping the audio path exercised when no engine is configured.
package tts

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/audio"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterOutput("tts", func(cfg map[string]any) (registry.OutputProvider, error) {
		return New(cfg), nil
	})
}

// Synthesizer turns text into audio chunks delivered through emit.
type Synthesizer interface {
	// Info describes the audio format this synthesizer produces.
	Info() audio.StreamInfo

	// Synthesize streams the rendition of text. Implementations must
	// honor ctx cancellation between chunks.
	Synthesize(ctx context.Context, text string, emit func(chunk []byte)) error
}

// Provider is the TTS output provider.
type Provider struct {
	// Synth is swappable before Setup; defaults to the null synthesizer.
	Synth Synthesizer

	channel *audio.Channel
	logger  *zap.Logger
}

// New builds the provider from its config map (engine selection keys are
// read by concrete synthesizers).
func New(_ map[string]any) *Provider {
	return &Provider{Synth: nullSynth{}}
}

// Name implements registry.OutputProvider.
func (p *Provider) Name() string { return "tts" }

// Setup implements registry.OutputProvider.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	if pctx.Audio == nil {
		return fmt.Errorf("tts requires the audio channel")
	}
	p.channel = pctx.Audio
	p.logger = pctx.ComponentLogger("tts")
	return nil
}

// Render synthesizes the speech and broadcasts it.
func (p *Provider) Render(ctx context.Context, params *types.ExpressionParameters) error {
	if !params.TTSEnabled || params.TTSText == "" {
		return nil
	}

	info := p.Synth.Info()
	info.Text = params.TTSText
	writer, err := p.channel.StartStream(info)
	if err != nil {
		return fmt.Errorf("start audio stream: %w", err)
	}
	defer writer.Close()

	if err := p.Synth.Synthesize(ctx, params.TTSText, writer.Write); err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	return nil
}

// Cleanup implements registry.OutputProvider. Idempotent.
func (p *Provider) Cleanup() error { return nil }

// nullSynth produces silence: 16 kHz mono s16le, 80ms per rune.
type nullSynth struct{}

func (nullSynth) Info() audio.StreamInfo {
	return audio.StreamInfo{Format: "pcm_s16le", SampleRate: 16000, Channels: 1}
}

func (nullSynth) Synthesize(ctx context.Context, text string, emit func(chunk []byte)) error {
	const bytesPerRune = 16000 * 2 * 80 / 1000
	total := utf8.RuneCountInString(text) * bytesPerRune
	chunk := make([]byte, 3200)
	for written := 0; written < total; written += len(chunk) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(chunk)
	}
	return nil
}
