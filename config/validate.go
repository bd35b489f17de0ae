package config

import (
	"fmt"
	"strings"
)

// Validate 检查配置的结构性错误。启动期调用，失败即退出。
func (c *Config) Validate() error {
	var problems []string

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level: unknown level %q (want debug/info/warn/error)", c.Log.Level))
	}

	if c.Providers.Decision.ActiveProvider != "" && len(c.Providers.Decision.AvailableProviders) > 0 {
		if !contains(c.Providers.Decision.AvailableProviders, c.Providers.Decision.ActiveProvider) {
			problems = append(problems, fmt.Sprintf(
				"providers.decision.active_provider: %q is not in available_providers %v",
				c.Providers.Decision.ActiveProvider, c.Providers.Decision.AvailableProviders))
		}
	}
	if c.Providers.Decision.HoldQueueSize < 0 {
		problems = append(problems, "providers.decision.hold_queue_size: must be >= 0")
	}

	switch c.Providers.Output.ErrorHandling {
	case "", "continue", "stop":
	default:
		problems = append(problems, fmt.Sprintf(
			"providers.output.error_handling: unknown mode %q (want continue/stop)", c.Providers.Output.ErrorHandling))
	}
	if c.Providers.Output.RenderQueueSize < 0 {
		problems = append(problems, "providers.output.render_queue_size: must be >= 0")
	}

	for name, p := range c.Pipelines.Input {
		if err := validatePipeline(p); err != nil {
			problems = append(problems, fmt.Sprintf("pipelines.input.%s: %v", name, err))
		}
	}
	for name, p := range c.Pipelines.Output {
		if err := validatePipeline(p); err != nil {
			problems = append(problems, fmt.Sprintf("pipelines.output.%s: %v", name, err))
		}
	}

	for _, b := range []struct {
		name string
		cfg  BackendConfig
	}{{"llm", c.LLM}, {"llm_fast", c.LLMFast}, {"vlm", c.VLM}} {
		if err := validateBackend(b.cfg); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", b.name, err))
		}
	}
	for name, bc := range c.LLMCustom {
		if err := validateBackend(bc); err != nil {
			problems = append(problems, fmt.Sprintf("llm_custom.%s: %v", name, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	switch p.ErrorHandling {
	case "", "continue", "stop", "drop":
		return nil
	default:
		return fmt.Errorf("unknown error_handling %q (want continue/stop/drop)", p.ErrorHandling)
	}
}

func validateBackend(b BackendConfig) error {
	switch b.Backend {
	case "", "openai", "ollama":
		return nil
	default:
		return fmt.Errorf("unknown backend %q (want openai/ollama)", b.Backend)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
