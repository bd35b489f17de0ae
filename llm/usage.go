package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/vtubeflow/types"
)

// usageTracker tallies token usage per backend name under a fine-grained
// lock. When a backend omits usage numbers, counts are estimated with a
// local tokenizer and flagged as such.
type usageTracker struct {
	mu      sync.Mutex
	byName  map[string]*types.TokenUsage
	encoder *tiktoken.Tiktoken
}

func newUsageTracker() *usageTracker {
	// cl100k_base covers the OpenAI-compatible model families we route
	// to; estimation accuracy for other backends is best-effort anyway.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &usageTracker{
		byName:  make(map[string]*types.TokenUsage),
		encoder: enc,
	}
}

func (t *usageTracker) record(backend string, usage types.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byName[backend]
	if !ok {
		u = &types.TokenUsage{}
		t.byName[backend] = u
	}
	u.Add(usage)
}

// estimate counts tokens locally for a request/response pair whose backend
// returned no usage block.
func (t *usageTracker) estimate(req *ChatRequest, content string) types.TokenUsage {
	usage := types.TokenUsage{Estimated: true}
	for _, m := range req.Messages {
		usage.PromptTokens += t.countTokens(m.Content)
	}
	usage.CompletionTokens = t.countTokens(content)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

func (t *usageTracker) countTokens(text string) int {
	if t.encoder == nil {
		// Rough fallback when the tokenizer dictionary is unavailable.
		return len(text) / 4
	}
	return len(t.encoder.Encode(text, nil, nil))
}

func (t *usageTracker) summary() map[string]types.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]types.TokenUsage, len(t.byName))
	for name, u := range t.byName {
		out[name] = *u
	}
	return out
}
