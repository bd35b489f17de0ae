// =============================================================================
// 📦 vtubeflow 配置
// =============================================================================
// 统一配置加载，支持 TOML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.Load("config.toml")
//
// 配置优先级: 默认值 → TOML 文件 → 环境变量 (VTUBEFLOW_*)
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config 是运行时的完整配置结构
type Config struct {
	// Server 回调/指标 HTTP 服务配置
	Server ServerConfig `toml:"server"`

	// Log 日志配置
	Log LogConfig `toml:"log"`

	// Providers 三域 provider 配置
	Providers ProvidersConfig `toml:"providers"`

	// Pipelines 输入/输出管道配置
	Pipelines PipelinesConfig `toml:"pipelines"`

	// LLM 主对话后端
	LLM BackendConfig `toml:"llm"`
	// LLMFast 轻量后端（意图解析等低延迟场景）
	LLMFast BackendConfig `toml:"llm_fast"`
	// VLM 视觉后端
	VLM BackendConfig `toml:"vlm"`
	// LLMCustom 额外命名后端
	LLMCustom map[string]BackendConfig `toml:"llm_custom"`

	// Prompt 提示词模板配置
	Prompt PromptConfig `toml:"prompt"`

	// Context 会话上下文服务配置
	Context ContextConfig `toml:"context"`
}

// ServerConfig 共享 HTTP 服务配置
type ServerConfig struct {
	// 监听地址，例如 "127.0.0.1:8720"
	Addr string `toml:"addr"`
	// 优雅关闭超时（秒）
	ShutdownTimeout float64 `toml:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 级别: debug / info / warn / error
	Level string `toml:"level"`
	// 仅输出这些模块的日志（空表示全部）
	Filters []string `toml:"filters"`
}

// ProvidersConfig 三域 provider 配置
type ProvidersConfig struct {
	Input    InputDomainConfig    `toml:"input"`
	Decision DecisionDomainConfig `toml:"decision"`
	Output   OutputDomainConfig   `toml:"output"`
}

// InputDomainConfig 输入域配置
type InputDomainConfig struct {
	// EnabledInputs 启用的输入 provider 名称
	EnabledInputs []string `toml:"enabled_inputs"`
	// AutoRestart 失败后是否自动重启
	AutoRestart bool `toml:"auto_restart"`
	// RestartInterval 重启间隔（秒）
	RestartInterval float64 `toml:"restart_interval"`
	// Providers 按名称的 provider 私有配置
	Providers map[string]map[string]any `toml:"providers"`
}

// DecisionDomainConfig 决策域配置
type DecisionDomainConfig struct {
	// ActiveProvider 当前激活的决策 provider
	ActiveProvider string `toml:"active_provider"`
	// AvailableProviders 可切换的决策 provider 名称
	AvailableProviders []string `toml:"available_providers"`
	// DecideTimeout 单次决策超时（秒）
	DecideTimeout float64 `toml:"decide_timeout"`
	// SwapGraceTimeout 切换时等待在途决策的宽限（秒）
	SwapGraceTimeout float64 `toml:"swap_grace_timeout"`
	// HoldQueueSize 切换期间消息暂存队列容量
	HoldQueueSize int `toml:"hold_queue_size"`
	// Providers 按名称的 provider 私有配置
	Providers map[string]map[string]any `toml:"providers"`
}

// OutputDomainConfig 输出域配置
type OutputDomainConfig struct {
	// EnabledOutputs 启用的输出 provider 名称
	EnabledOutputs []string `toml:"enabled_outputs"`
	// ConcurrentRendering 是否并发渲染
	ConcurrentRendering bool `toml:"concurrent_rendering"`
	// ErrorHandling continue / stop
	ErrorHandling string `toml:"error_handling"`
	// RenderTimeout 单次渲染超时（秒）
	RenderTimeout float64 `toml:"render_timeout"`
	// RenderQueueSize 每个 provider 的渲染队列容量
	RenderQueueSize int `toml:"render_queue_size"`
	// Providers 按名称的 provider 私有配置
	Providers map[string]map[string]any `toml:"providers"`
}

// PipelinesConfig 管道配置
type PipelinesConfig struct {
	Input  map[string]PipelineConfig `toml:"input"`
	Output map[string]PipelineConfig `toml:"output"`
}

// PipelineConfig 单个管道配置。内置管道的专有字段全部在此声明。
type PipelineConfig struct {
	Enabled       bool    `toml:"enabled"`
	Priority      int     `toml:"priority"`
	ErrorHandling string  `toml:"error_handling"`
	TimeoutSecs   float64 `toml:"timeout_seconds"`

	// ratelimit
	GlobalRate int     `toml:"global_rate"`
	UserRate   int     `toml:"user_rate"`
	WindowSecs float64 `toml:"window_seconds"`

	// similarity
	Threshold      float64 `toml:"threshold"`
	HistorySize    int     `toml:"history_size"`
	TimeWindowSecs float64 `toml:"time_window_seconds"`

	// profanity
	Words       []string `toml:"words"`
	Replacement string   `toml:"replacement"`

	// textlength
	MaxLength int `toml:"max_length"`
}

// BackendConfig 单个 LLM 后端配置
type BackendConfig struct {
	// Backend 类型: openai / ollama
	Backend     string  `toml:"backend"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	MaxRetries  int     `toml:"max_retries"`
	// RetryDelay 初始重试延迟（秒）
	RetryDelay float64 `toml:"retry_delay"`
	// TimeoutSecs 单次请求超时（秒）
	TimeoutSecs float64 `toml:"timeout_seconds"`
}

// Configured 该后端是否已配置
func (b BackendConfig) Configured() bool { return b.Backend != "" }

// PromptConfig 提示词模板配置
type PromptConfig struct {
	// TemplatesDir 模板根目录
	TemplatesDir string `toml:"templates_dir"`
}

// ContextConfig 会话上下文服务配置
type ContextConfig struct {
	// HistorySize 每个会话保留的最近交互条数
	HistorySize int `toml:"history_size"`
	// RedisAddr 非空时启用 Redis 持久化
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// Seconds 将浮点秒转换为 Duration；非正值返回 def
func Seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8720",
			ShutdownTimeout: 5,
		},
		Log: LogConfig{Level: "info"},
		Providers: ProvidersConfig{
			Input: InputDomainConfig{
				RestartInterval: 5,
			},
			Decision: DecisionDomainConfig{
				DecideTimeout:    30,
				SwapGraceTimeout: 5,
				HoldQueueSize:    16,
			},
			Output: OutputDomainConfig{
				ConcurrentRendering: true,
				ErrorHandling:       "continue",
				RenderTimeout:       10,
				RenderQueueSize:     16,
			},
		},
		Context: ContextConfig{HistorySize: 20},
		Prompt:  PromptConfig{TemplatesDir: "prompts"},
	}
}

// Load 读取 TOML 配置文件并应用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 应用 VTUBEFLOW_* 环境变量覆盖。
// 只覆盖运维上最常见的敏感项，结构性配置仍来自文件。
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VTUBEFLOW_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("VTUBEFLOW_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("VTUBEFLOW_LLM_FAST_API_KEY"); v != "" {
		cfg.LLMFast.APIKey = v
	}
	if v := os.Getenv("VTUBEFLOW_VLM_API_KEY"); v != "" {
		cfg.VLM.APIKey = v
	}
	if v := os.Getenv("VTUBEFLOW_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("VTUBEFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VTUBEFLOW_REDIS_ADDR"); v != "" {
		cfg.Context.RedisAddr = v
	}
	if v := os.Getenv("VTUBEFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.RedisDB = n
		}
	}
}
