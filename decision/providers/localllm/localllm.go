// Package localllm provides a decision provider that calls the LLM
// service directly: a prompt template renders the system prompt, the
// conversation history and the incoming message follow it as chat
// messages, and the model's strict-JSON reply becomes the intent.
package localllm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/contextsvc"
	"github.com/BaSui01/vtubeflow/decision"
	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterDecision("local_llm", func(cfg map[string]any) (registry.DecisionProvider, error) {
		return New(cfg), nil
	})
}

const defaultSystemPrompt = `You are a cheerful AI VTuber. Reply to the viewer in one or two short sentences.
Respond with exactly one JSON object, no code fences:
{"response_text": "<what you say>", "emotion": "<neutral|happy|sad|angry|surprised|love>", "actions": ["<expression name>", ...]}`

// Provider is the direct-LLM decision provider.
type Provider struct {
	backend      string
	promptName   string
	conversation string

	llm     *llm.Service
	prompts promptRenderer
	history contextsvc.Service
	logger  *zap.Logger
}

// promptRenderer is the slice of prompt.Manager this provider needs.
type promptRenderer interface {
	RenderSafe(name string, vars map[string]string) (string, error)
}

// New builds the provider from its config map. Recognized keys:
// backend (string, default "llm"), prompt (string template name),
// conversation (string history key, default "main").
func New(cfg map[string]any) *Provider {
	backend, _ := cfg["backend"].(string)
	if backend == "" {
		backend = "llm"
	}
	promptName, _ := cfg["prompt"].(string)
	conversation, _ := cfg["conversation"].(string)
	if conversation == "" {
		conversation = "main"
	}
	return &Provider{backend: backend, promptName: promptName, conversation: conversation}
}

// Name implements registry.DecisionProvider.
func (p *Provider) Name() string { return "local_llm" }

// Setup implements registry.DecisionProvider.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	if pctx.LLM == nil {
		return fmt.Errorf("local_llm requires the llm service")
	}
	p.llm = pctx.LLM
	if pctx.Prompts != nil {
		p.prompts = pctx.Prompts
	}
	p.history = pctx.Context
	p.logger = pctx.ComponentLogger("local_llm")
	return nil
}

// Decide renders the prompt and parses the model's JSON reply.
func (p *Provider) Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	system := p.systemPrompt(msg)

	messages := []types.ChatMessage{types.NewSystemMessage(system)}
	messages = append(messages, p.historyMessages(ctx)...)
	messages = append(messages, types.NewUserMessage(msg.Text))

	resp := p.llm.ChatMessages(ctx, messages, p.backend)
	if !resp.Success {
		return nil, types.NewError(types.ErrProviderFailed, resp.Error).WithProvider(p.Name())
	}

	intent, err := decision.ParseIntentJSON(resp.Content)
	if err != nil {
		p.logger.Debug("model reply was not intent json, using raw text", zap.Error(err))
		intent = &types.Intent{
			ResponseText: strings.TrimSpace(resp.Content),
			Emotion:      types.EmotionNeutral,
		}
	}
	intent.OriginalText = msg.Text

	if p.history != nil {
		_ = p.history.Append(ctx, p.conversation, contextsvc.Exchange{
			UserText:     msg.Text,
			ResponseText: intent.ResponseText,
			Timestamp:    msg.Timestamp,
		})
	}
	return intent, nil
}

func (p *Provider) systemPrompt(msg *types.NormalizedMessage) string {
	if p.prompts != nil && p.promptName != "" {
		rendered, err := p.prompts.RenderSafe(p.promptName, map[string]string{
			"source":     msg.Source,
			"importance": fmt.Sprintf("%.2f", msg.Importance),
		})
		if err == nil {
			return rendered
		}
		p.logger.Warn("prompt template unavailable, using builtin",
			zap.String("template", p.promptName), zap.Error(err))
	}
	return defaultSystemPrompt
}

func (p *Provider) historyMessages(ctx context.Context) []types.ChatMessage {
	if p.history == nil {
		return nil
	}
	recent, err := p.history.Recent(ctx, p.conversation, 10)
	if err != nil {
		p.logger.Debug("history unavailable", zap.Error(err))
		return nil
	}
	var out []types.ChatMessage
	for _, ex := range recent {
		out = append(out,
			types.NewUserMessage(ex.UserText),
			types.NewAssistantMessage(ex.ResponseText))
	}
	return out
}

// Cleanup implements registry.DecisionProvider. Idempotent.
func (p *Provider) Cleanup() error { return nil }
