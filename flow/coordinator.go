// Package flow bridges the decision and output domains: each
// decision.intent is mapped to expression parameters through the
// emotion-to-expression and action-to-hotkey tables, run through the
// output pipeline chain, and emitted as output.intent.
package flow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/pipeline"
	"github.com/BaSui01/vtubeflow/types"
)

// DefaultEmotionExpressions maps each emotion to avatar parameter values.
func DefaultEmotionExpressions() map[types.Emotion]map[string]float64 {
	return map[types.Emotion]map[string]float64{
		types.EmotionNeutral:   {},
		types.EmotionHappy:     {"mouth_smile": 0.8, "eye_smile": 0.6},
		types.EmotionSad:       {"mouth_frown": 0.7, "brow_down": 0.5},
		types.EmotionAngry:     {"brow_angry": 0.8, "mouth_frown": 0.4},
		types.EmotionSurprised: {"eye_wide": 0.9, "mouth_open": 0.5},
		types.EmotionLove:      {"eye_heart": 1.0, "cheek_blush": 0.7},
	}
}

// DefaultActionHotkeys maps expression action names to avatar hotkeys.
func DefaultActionHotkeys() map[string]string {
	return map[string]string{
		"SMILE": "hotkey_smile",
		"WAVE":  "hotkey_wave",
		"NOD":   "hotkey_nod",
	}
}

// Options configures the coordinator's mapping tables. Nil maps select
// the defaults; config-provided tables replace them wholesale.
type Options struct {
	EmotionExpressions map[types.Emotion]map[string]float64
	ActionHotkeys      map[string]string
}

// Coordinator subscribes to decision.intent and emits output.intent.
type Coordinator struct {
	bus    *bus.Bus
	chain  *pipeline.Chain[*types.ExpressionParameters]
	opts   Options
	logger *zap.Logger
	subID  bus.SubscriptionID
}

// NewCoordinator creates the flow coordinator.
func NewCoordinator(b *bus.Bus, chain *pipeline.Chain[*types.ExpressionParameters], opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EmotionExpressions == nil {
		opts.EmotionExpressions = DefaultEmotionExpressions()
	}
	if opts.ActionHotkeys == nil {
		opts.ActionHotkeys = DefaultActionHotkeys()
	}
	return &Coordinator{
		bus:    b,
		chain:  chain,
		opts:   opts,
		logger: logger.With(zap.String("component", "flow_coordinator")),
	}
}

// Start subscribes to decision.intent.
func (c *Coordinator) Start(_ context.Context) error {
	c.subID = c.bus.Subscribe(bus.TopicDecisionIntent, func(ctx context.Context, ev bus.Event) error {
		intent, ok := ev.Payload.(*types.Intent)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", ev.Payload, ev.Topic)
		}
		c.handleIntent(ctx, intent)
		return nil
	}, 0)
	return nil
}

// Stop unsubscribes.
func (c *Coordinator) Stop(_ context.Context) error {
	c.bus.Unsubscribe(c.subID)
	return nil
}

func (c *Coordinator) handleIntent(ctx context.Context, intent *types.Intent) {
	params := c.MapIntent(intent)

	out, result, stage := c.chain.Run(ctx, params)
	if result != pipeline.ResultPassed {
		c.logger.Debug("expression parameters dropped by pipeline",
			zap.String("stage", stage))
		return
	}
	c.bus.Emit(ctx, bus.TopicOutputIntent, out, "flow_coordinator")
}

// MapIntent converts an intent into expression parameters using the
// configured tables.
func (c *Coordinator) MapIntent(intent *types.Intent) *types.ExpressionParameters {
	params := &types.ExpressionParameters{
		TTSText:           intent.ResponseText,
		SubtitleText:      intent.ResponseText,
		Actions:           intent.Actions,
		TTSEnabled:        true,
		SubtitleEnabled:   true,
		ExpressionEnabled: true,
		Metadata:          map[string]any{"emotion": string(intent.Emotion)},
		Timestamp:         time.Now(),
	}
	if errKind, ok := intentError(intent); ok {
		params.Metadata["error"] = errKind
	}

	for name, value := range c.opts.EmotionExpressions[intent.Emotion] {
		params.SetExpression(name, value)
	}

	for _, action := range intent.Actions {
		if action.Type != types.ActionExpression && action.Type != types.ActionHotkey {
			continue
		}
		name := actionName(action)
		if name == "" {
			continue
		}
		if hotkey, ok := c.opts.ActionHotkeys[name]; ok {
			params.Hotkeys = append(params.Hotkeys, hotkey)
		}
	}
	return params
}

func actionName(action types.IntentAction) string {
	for _, key := range []string{"expression", "key", "name"} {
		if s, ok := action.Params[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intentError(intent *types.Intent) (string, bool) {
	if intent.Metadata == nil {
		return "", false
	}
	s, ok := intent.Metadata["error"].(string)
	return s, ok
}
