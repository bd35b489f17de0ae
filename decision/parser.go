package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/llm"
	"github.com/BaSui01/vtubeflow/types"
)

// parserSystemPrompt instructs the model to emit strict JSON and nothing
// else. Kept inline: the parser must work even when no template root is
// configured.
const parserSystemPrompt = `You convert a VTuber's raw reply into strict JSON.
Output exactly one JSON object, no code fences, no commentary:
{"response_text": "<text to speak>", "emotion": "<neutral|happy|sad|angry|surprised|love>", "actions": ["<action name>", ...]}
Strip any bracketed stage directions like [happy] or [smile] from response_text and express them via emotion/actions instead.`

// IntentParser converts a backend's freeform reply text into a structured
// intent using a small LLM.
type IntentParser struct {
	llm     *llm.Service
	backend string
	logger  *zap.Logger
}

// NewIntentParser creates a parser calling the named backend
// (conventionally "llm_fast").
func NewIntentParser(service *llm.Service, backend string, logger *zap.Logger) *IntentParser {
	if backend == "" {
		backend = "llm_fast"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentParser{
		llm:     service,
		backend: backend,
		logger:  logger.With(zap.String("component", "intent_parser")),
	}
}

// Parse asks the LLM to structure the reply, falling back to a neutral
// raw-text intent on any failure.
func (p *IntentParser) Parse(ctx context.Context, originalText, replyText string) *types.Intent {
	fallback := &types.Intent{
		OriginalText: originalText,
		ResponseText: replyText,
		Emotion:      types.EmotionNeutral,
	}
	if p.llm == nil {
		return fallback
	}

	resp := p.llm.Chat(ctx, replyText, p.backend,
		llm.WithSystemMessage(parserSystemPrompt),
		llm.WithTemperature(0.1))
	if !resp.Success {
		p.logger.Warn("intent parser llm failed", zap.String("error", resp.Error))
		return fallback
	}

	intent, err := ParseIntentJSON(resp.Content)
	if err != nil {
		p.logger.Warn("intent parser returned unusable json",
			zap.String("content", truncate(resp.Content, 200)),
			zap.Error(err))
		return fallback
	}
	intent.OriginalText = originalText
	return intent
}

// ParseIntentJSON decodes the strict-JSON intent shape. It tolerates code
// fences, uppercase emotion names, and bare-string actions (mapped to
// expression actions).
func ParseIntentJSON(raw string) (*types.Intent, error) {
	cleaned := stripCodeFence(raw)

	var wire struct {
		ResponseText string `json:"response_text"`
		Emotion      string `json:"emotion"`
		Actions      []any  `json:"actions"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, fmt.Errorf("decode intent json: %w", err)
	}
	if wire.ResponseText == "" {
		return nil, fmt.Errorf("intent json missing response_text")
	}

	intent := &types.Intent{
		ResponseText: wire.ResponseText,
		Emotion:      types.ParseEmotion(wire.Emotion),
	}
	for _, a := range wire.Actions {
		switch v := a.(type) {
		case string:
			intent.Actions = append(intent.Actions, types.IntentAction{
				Type:   types.ActionExpression,
				Params: map[string]any{"expression": v},
			})
		case map[string]any:
			action := types.IntentAction{Type: types.IntentActionType(stringField(v, "type"))}
			if params, ok := v["params"].(map[string]any); ok {
				action.Params = params
			}
			if prio, ok := v["priority"].(float64); ok {
				action.Priority = int(prio)
			}
			if action.Type == "" {
				action.Type = types.ActionExpression
			}
			intent.Actions = append(intent.Actions, action)
		default:
			return nil, fmt.Errorf("unsupported action shape %T", a)
		}
	}
	return intent, nil
}

// SerializeIntent renders an intent back into the parser's JSON shape.
func SerializeIntent(intent *types.Intent) (string, error) {
	wire := map[string]any{
		"response_text": intent.ResponseText,
		"emotion":       string(intent.Emotion),
	}
	actions := make([]any, 0, len(intent.Actions))
	for _, a := range intent.Actions {
		entry := map[string]any{"type": string(a.Type)}
		if a.Params != nil {
			entry["params"] = a.Params
		}
		if a.Priority != 0 {
			entry["priority"] = a.Priority
		}
		actions = append(actions, entry)
	}
	wire["actions"] = actions
	data, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
