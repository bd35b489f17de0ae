// Package ruleengine provides a decision provider that matches messages
// against keyword and regex rules from a YAML rule file. Rules are
// checked in descending priority; the first match wins. Useful as a
// zero-cost decider for local runs and as the fallback brain when no LLM
// is reachable.
package ruleengine

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterDecision("rule_engine", func(cfg map[string]any) (registry.DecisionProvider, error) {
		return New(cfg)
	})
}

// Rule is one match/response entry.
type Rule struct {
	// Keywords match when any appears in the message text
	// (case-insensitive).
	Keywords []string `yaml:"keywords"`
	// Pattern is an optional regex tried when no keyword matches.
	Pattern string `yaml:"pattern"`
	// Response is the reply text.
	Response string `yaml:"response"`
	// Emotion names the reply emotion; empty means neutral.
	Emotion string `yaml:"emotion"`
	// Actions are expression names attached to the intent.
	Actions []string `yaml:"actions"`
	// Priority orders rules; higher is tried first.
	Priority int `yaml:"priority"`

	re *regexp.Regexp
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
	// DefaultResponse replies when nothing matches; empty drops to a
	// neutral echo.
	DefaultResponse string `yaml:"default_response"`
}

// Provider is the rule-engine decision provider.
type Provider struct {
	rules      []Rule
	defaultMsg string
	logger     *zap.Logger
}

// New builds the provider from its config map. Recognized keys:
// rules_file (string) — path to the YAML rule file;
// rules ([]map) — inline rules, mostly for tests and embedded configs.
func New(cfg map[string]any) (*Provider, error) {
	var rf ruleFile

	if path, ok := cfg["rules_file"].(string); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse rules file: %w", err)
		}
	} else if inline, ok := cfg["rules"]; ok {
		// Round-trip through YAML so inline config shares the file schema.
		data, err := yaml.Marshal(map[string]any{"rules": inline})
		if err != nil {
			return nil, fmt.Errorf("encode inline rules: %w", err)
		}
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse inline rules: %w", err)
		}
	}

	if msg, ok := cfg["default_response"].(string); ok {
		rf.DefaultResponse = msg
	}

	for i := range rf.Rules {
		if rf.Rules[i].Pattern != "" {
			re, err := regexp.Compile(rf.Rules[i].Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: bad pattern: %w", i, err)
			}
			rf.Rules[i].re = re
		}
	}
	sort.SliceStable(rf.Rules, func(i, j int) bool {
		return rf.Rules[i].Priority > rf.Rules[j].Priority
	})

	return &Provider{rules: rf.Rules, defaultMsg: rf.DefaultResponse}, nil
}

// Name implements registry.DecisionProvider.
func (p *Provider) Name() string { return "rule_engine" }

// Setup implements registry.DecisionProvider.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	p.logger = pctx.ComponentLogger("rule_engine")
	return nil
}

// Decide matches the message against the rules.
func (p *Provider) Decide(_ context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	text := strings.ToLower(msg.Text)

	for _, rule := range p.rules {
		if !rule.matches(text, msg.Text) {
			continue
		}
		intent := &types.Intent{
			OriginalText: msg.Text,
			ResponseText: rule.Response,
			Emotion:      types.ParseEmotion(rule.Emotion),
		}
		for _, a := range rule.Actions {
			intent.Actions = append(intent.Actions, types.IntentAction{
				Type:   types.ActionExpression,
				Params: map[string]any{"expression": a},
			})
		}
		return intent, nil
	}

	response := p.defaultMsg
	if response == "" {
		response = msg.Text
	}
	return &types.Intent{
		OriginalText: msg.Text,
		ResponseText: response,
		Emotion:      types.EmotionNeutral,
	}, nil
}

func (r *Rule) matches(lowered, original string) bool {
	for _, kw := range r.Keywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return r.re != nil && r.re.MatchString(original)
}

// Cleanup implements registry.DecisionProvider. Idempotent.
func (p *Provider) Cleanup() error { return nil }
