package pipelines

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/vtubeflow/types"
)

// ProfanityConfig configures the profanity filter.
type ProfanityConfig struct {
	// Words are matched as whole words, case-insensitive.
	Words []string
	// Patterns are additional raw regexes.
	Patterns []string
	// Replacement substitutes each match. Defaults to "***".
	Replacement string
}

// Profanity rewrites tts_text and subtitle_text, substituting matches of
// the configured word list and patterns.
type Profanity struct {
	res         []*regexp.Regexp
	replacement string
}

// NewProfanity compiles the filter.
func NewProfanity(cfg ProfanityConfig) (*Profanity, error) {
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = "***"
	}
	var res []*regexp.Regexp
	for _, word := range cfg.Words {
		if word == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("word %q: %w", word, err)
		}
		res = append(res, re)
	}
	for _, pattern := range cfg.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		res = append(res, re)
	}
	return &Profanity{res: res, replacement: replacement}, nil
}

// Name implements pipeline.Stage.
func (p *Profanity) Name() string { return "profanity" }

// Process implements pipeline.Stage.
func (p *Profanity) Process(_ context.Context, params *types.ExpressionParameters) (*types.ExpressionParameters, bool, error) {
	params.TTSText = p.clean(params.TTSText)
	params.SubtitleText = p.clean(params.SubtitleText)
	return params, true, nil
}

func (p *Profanity) clean(text string) string {
	for _, re := range p.res {
		text = re.ReplaceAllStringFunc(text, func(string) string { return p.replacement })
	}
	return strings.TrimSpace(text)
}
