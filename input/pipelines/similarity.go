package pipelines

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/vtubeflow/types"
)

// SimilarityConfig configures the similar-text filter.
type SimilarityConfig struct {
	// Threshold in (0, 1]: drop when similarity to a recent message
	// reaches it.
	Threshold float64
	// HistorySize bounds the per-source ring of recent messages.
	HistorySize int
	// TimeWindow ignores recent entries older than this.
	TimeWindow time.Duration
}

// DefaultSimilarityConfig drops near-duplicates seen within 30 seconds.
func DefaultSimilarityConfig() SimilarityConfig {
	return SimilarityConfig{Threshold: 0.85, HistorySize: 8, TimeWindow: 30 * time.Second}
}

type seenText struct {
	tokens map[string]struct{}
	at     time.Time
}

// Similarity drops messages whose token-set Jaccard similarity to a
// recently seen message from the same source reaches the threshold.
type Similarity struct {
	cfg SimilarityConfig

	mu       sync.Mutex
	bySource map[string][]seenText

	now func() time.Time
}

// NewSimilarity creates the stage.
func NewSimilarity(cfg SimilarityConfig) *Similarity {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.85
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 8
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = 30 * time.Second
	}
	return &Similarity{
		cfg:      cfg,
		bySource: make(map[string][]seenText),
		now:      time.Now,
	}
}

// Name implements pipeline.Stage.
func (s *Similarity) Name() string { return "similarity" }

// Process implements pipeline.Stage.
func (s *Similarity) Process(_ context.Context, msg *types.NormalizedMessage) (*types.NormalizedMessage, bool, error) {
	tokens := tokenize(msg.Text)
	if len(tokens) == 0 {
		return msg, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.cfg.TimeWindow)

	recent := s.bySource[msg.Source]
	kept := recent[:0]
	for _, seen := range recent {
		if seen.at.After(cutoff) {
			kept = append(kept, seen)
		}
	}

	for _, seen := range kept {
		if jaccard(tokens, seen.tokens) >= s.cfg.Threshold {
			s.bySource[msg.Source] = kept
			return nil, false, nil
		}
	}

	kept = append(kept, seenText{tokens: tokens, at: now})
	if len(kept) > s.cfg.HistorySize {
		kept = kept[len(kept)-s.cfg.HistorySize:]
	}
	s.bySource[msg.Source] = kept
	return msg, true, nil
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]{}")
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}

// jaccard computes |a ∩ b| / |a ∪ b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
