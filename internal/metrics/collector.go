// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaSui01/vtubeflow/bus"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有域共享一个实例；nil 安全（不采集）。
type Collector struct {
	// 事件总线指标
	busEmitsTotal  *prometheus.CounterVec
	busErrorsTotal *prometheus.CounterVec

	// 输入域指标
	messagesNormalized prometheus.Counter
	messagesDropped    *prometheus.CounterVec

	// 决策域指标
	decideDuration prometheus.Histogram
	decideFallback *prometheus.CounterVec

	// 输出域指标
	renderDuration *prometheus.HistogramVec
	renderTimeouts *prometheus.CounterVec
	renderDropped  *prometheus.CounterVec

	// LLM 指标
	llmTokensUsed *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector 创建指标收集器并注册所有指标
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		busEmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_bus_emits_total",
			Help: "Events emitted per topic.",
		}, []string{"topic"}),
		busErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_bus_handler_errors_total",
			Help: "Handler errors per topic.",
		}, []string{"topic"}),
		messagesNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vtubeflow_input_messages_normalized_total",
			Help: "Raw data items successfully normalized.",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_input_messages_dropped_total",
			Help: "Messages dropped per input pipeline.",
		}, []string{"pipeline"}),
		decideDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vtubeflow_decide_duration_seconds",
			Help:    "Latency of decision provider calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		decideFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_decide_fallbacks_total",
			Help: "Fallback intents emitted, by error kind.",
		}, []string{"kind"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vtubeflow_render_duration_seconds",
			Help:    "Latency of output provider renders.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"provider"}),
		renderTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_render_timeouts_total",
			Help: "Renders aborted by the render timeout.",
		}, []string{"provider"}),
		renderDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_render_queue_dropped_total",
			Help: "Pending renders dropped on queue overflow.",
		}, []string{"provider"}),
		llmTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtubeflow_llm_tokens_total",
			Help: "Tokens consumed per backend and direction.",
		}, []string{"backend", "direction"}),
		registry: reg,
	}
	reg.MustRegister(
		c.busEmitsTotal, c.busErrorsTotal,
		c.messagesNormalized, c.messagesDropped,
		c.decideDuration, c.decideFallback,
		c.renderDuration, c.renderTimeouts, c.renderDropped,
		c.llmTokensUsed,
	)
	return c
}

// Registry 返回底层 prometheus registry，用于挂接 /metrics
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// ObserveBusStats 将总线统计快照同步到计数器。
// counter 只能加不能设，因此这里记录增量前的状态由调用方保证单次调用。
func (c *Collector) ObserveBusStats(stats map[string]bus.TopicStats, prev map[string]bus.TopicStats) {
	if c == nil {
		return
	}
	for topic, s := range stats {
		p := prev[topic]
		if d := s.Emits - p.Emits; d > 0 {
			c.busEmitsTotal.WithLabelValues(topic).Add(float64(d))
		}
		if d := s.Errors - p.Errors; d > 0 {
			c.busErrorsTotal.WithLabelValues(topic).Add(float64(d))
		}
	}
}

// MessageNormalized 输入域：一条 RawData 归一化成功
func (c *Collector) MessageNormalized() {
	if c == nil {
		return
	}
	c.messagesNormalized.Inc()
}

// MessageDropped 输入域：消息被某个管道丢弃
func (c *Collector) MessageDropped(pipeline string) {
	if c == nil {
		return
	}
	c.messagesDropped.WithLabelValues(pipeline).Inc()
}

// DecideObserved 决策域：一次决策完成
func (c *Collector) DecideObserved(seconds float64) {
	if c == nil {
		return
	}
	c.decideDuration.Observe(seconds)
}

// DecideFallback 决策域：发出一条 fallback intent
func (c *Collector) DecideFallback(kind string) {
	if c == nil {
		return
	}
	c.decideFallback.WithLabelValues(kind).Inc()
}

// RenderObserved 输出域：一次渲染完成
func (c *Collector) RenderObserved(provider string, seconds float64) {
	if c == nil {
		return
	}
	c.renderDuration.WithLabelValues(provider).Observe(seconds)
}

// RenderTimeout 输出域：渲染超时
func (c *Collector) RenderTimeout(provider string) {
	if c == nil {
		return
	}
	c.renderTimeouts.WithLabelValues(provider).Inc()
}

// RenderQueueDropped 输出域：渲染队列溢出丢弃
func (c *Collector) RenderQueueDropped(provider string) {
	if c == nil {
		return
	}
	c.renderDropped.WithLabelValues(provider).Inc()
}

// LLMTokens LLM 服务：记录 token 消耗
func (c *Collector) LLMTokens(backend string, prompt, completion int) {
	if c == nil {
		return
	}
	c.llmTokensUsed.WithLabelValues(backend, "prompt").Add(float64(prompt))
	c.llmTokensUsed.WithLabelValues(backend, "completion").Add(float64(completion))
}
