// Package metrics tracks the dispatcher's counters, timing distributions
// and alert predicates. Prometheus collectors serve scraping; a parallel set
// of atomic counters and an in-memory sample ring back the operator stats
// endpoint, which needs readable values.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Alert thresholds for the operator summary.
const (
	abortRatioWarn      = 0.20
	retriesPer100Warn   = 5.0
	p95TurnDurationWarn = 2 * time.Second
)

// Config bounds the in-memory sample retention.
type Config struct {
	MaxSamples int
	SampleTTL  time.Duration
}

// DefaultConfig returns the retention defaults.
func DefaultConfig() Config {
	return Config{MaxSamples: 1000, SampleTTL: 24 * time.Hour}
}

// Metrics is the process-wide collector. All methods are safe for
// concurrent use.
type Metrics struct {
	totalTurns          atomic.Int64
	successfulOps       atomic.Int64
	failedOps           atomic.Int64
	abortedOps          atomic.Int64
	retries             atomic.Int64
	tool4xx             atomic.Int64
	tool5xx             atomic.Int64
	toolTransportFails  atomic.Int64
	llmCallsOK          atomic.Int64
	llmCallsErr         atomic.Int64
	llmPromptTokens     atomic.Int64
	llmCompletionTokens atomic.Int64
	llmCostMicros       atomic.Int64

	turnSamples *sampleRing
	toolSamples *sampleRing

	turnDuration *prometheus.HistogramVec
	toolDuration *prometheus.HistogramVec
	toolRequests *prometheus.CounterVec
	turnOutcomes *prometheus.CounterVec
	llmTokens    *prometheus.CounterVec
}

var (
	sharedOnce sync.Once
	shared     *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once to avoid duplicate
// registration panics when wired multiple times in tests.
func Default() *Metrics {
	sharedOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer, DefaultConfig())
	})
	return shared
}

// MustNew constructs a Metrics instance on the given registerer. Supply a
// fresh registry in tests that need isolated collectors. Registration
// errors panic, mirroring promauto semantics.
func MustNew(reg prometheus.Registerer, cfg Config) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	if cfg.SampleTTL <= 0 {
		cfg.SampleTTL = DefaultConfig().SampleTTL
	}

	m := &Metrics{
		turnSamples: newSampleRing(cfg.MaxSamples, cfg.SampleTTL),
		toolSamples: newSampleRing(cfg.MaxSamples, cfg.SampleTTL),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hydrochat",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one conversational turn.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hydrochat",
			Name:      "tool_duration_seconds",
			Help:      "Wall time of one backend tool call including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		toolRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydrochat",
			Name:      "tool_requests_total",
			Help:      "Backend tool calls by method and result class.",
		}, []string{"method", "class"}),
		turnOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydrochat",
			Name:      "turns_total",
			Help:      "Turns processed by outcome.",
		}, []string{"outcome"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydrochat",
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by the LLM provider.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.turnDuration, m.toolDuration, m.toolRequests, m.turnOutcomes, m.llmTokens,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return m
}

// TurnOutcome classifies a completed turn for counting.
type TurnOutcome string

const (
	TurnSuccess TurnOutcome = "success"
	TurnFailed  TurnOutcome = "failed"
	TurnAborted TurnOutcome = "aborted"
	TurnNeutral TurnOutcome = "neutral"
)

// RecordTurn records a completed turn and its wall time.
func (m *Metrics) RecordTurn(outcome TurnOutcome, d time.Duration) {
	m.totalTurns.Add(1)
	switch outcome {
	case TurnSuccess:
		m.successfulOps.Add(1)
	case TurnFailed:
		m.failedOps.Add(1)
	case TurnAborted:
		m.abortedOps.Add(1)
	}
	m.turnSamples.Add(d)
	m.turnDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
	m.turnOutcomes.WithLabelValues(string(outcome)).Inc()
}

// RecordTool records one backend call: its method, HTTP status class,
// duration and how many retries it needed.
func (m *Metrics) RecordTool(method string, status int, d time.Duration, retries int) {
	class := "ok"
	switch {
	case status >= 500:
		m.tool5xx.Add(1)
		class = "5xx"
	case status >= 400:
		m.tool4xx.Add(1)
		class = "4xx"
	case status == 0:
		m.toolTransportFails.Add(1)
		class = "transport"
	}
	m.retries.Add(int64(retries))
	m.toolSamples.Add(d)
	m.toolRequests.WithLabelValues(method, class).Inc()
	m.toolDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordLLM records one adapter call with provider-reported token usage.
func (m *Metrics) RecordLLM(ok bool, promptTokens, completionTokens int, costMicros int64) {
	if ok {
		m.llmCallsOK.Add(1)
	} else {
		m.llmCallsErr.Add(1)
	}
	m.llmPromptTokens.Add(int64(promptTokens))
	m.llmCompletionTokens.Add(int64(completionTokens))
	m.llmCostMicros.Add(costMicros)
	m.llmTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.llmTokens.WithLabelValues("completion").Add(float64(completionTokens))
}

// Summary is the operator-facing snapshot returned by the stats endpoint.
type Summary struct {
	TotalTurns          int64    `json:"total_turns"`
	SuccessfulOps       int64    `json:"successful_ops"`
	FailedOps           int64    `json:"failed_ops"`
	AbortedOps          int64    `json:"aborted_ops"`
	Retries             int64    `json:"retries"`
	Tool4xx             int64    `json:"tool_4xx"`
	Tool5xx             int64    `json:"tool_5xx"`
	ToolTransportFails  int64    `json:"tool_transport_failures"`
	LLMCallsOK          int64    `json:"llm_calls_ok"`
	LLMCallsErr         int64    `json:"llm_calls_err"`
	LLMPromptTokens     int64    `json:"llm_prompt_tokens"`
	LLMCompletionTokens int64    `json:"llm_completion_tokens"`
	LLMCostMicros       int64    `json:"llm_cost_micros"`
	TurnP50Millis       int64    `json:"turn_p50_ms"`
	TurnP95Millis       int64    `json:"turn_p95_ms"`
	ToolP50Millis       int64    `json:"tool_p50_ms"`
	ToolP95Millis       int64    `json:"tool_p95_ms"`
	Alerts              []string `json:"alerts"`
}

// Snapshot assembles the summary and evaluates the alert predicates.
func (m *Metrics) Snapshot() Summary {
	s := Summary{
		TotalTurns:          m.totalTurns.Load(),
		SuccessfulOps:       m.successfulOps.Load(),
		FailedOps:           m.failedOps.Load(),
		AbortedOps:          m.abortedOps.Load(),
		Retries:             m.retries.Load(),
		Tool4xx:             m.tool4xx.Load(),
		Tool5xx:             m.tool5xx.Load(),
		ToolTransportFails:  m.toolTransportFails.Load(),
		LLMCallsOK:          m.llmCallsOK.Load(),
		LLMCallsErr:         m.llmCallsErr.Load(),
		LLMPromptTokens:     m.llmPromptTokens.Load(),
		LLMCompletionTokens: m.llmCompletionTokens.Load(),
		LLMCostMicros:       m.llmCostMicros.Load(),
		TurnP50Millis:       m.turnSamples.Percentile(0.50).Milliseconds(),
		TurnP95Millis:       m.turnSamples.Percentile(0.95).Milliseconds(),
		ToolP50Millis:       m.toolSamples.Percentile(0.50).Milliseconds(),
		ToolP95Millis:       m.toolSamples.Percentile(0.95).Milliseconds(),
		Alerts:              []string{},
	}

	if s.TotalTurns > 0 {
		if ratio := float64(s.AbortedOps) / float64(s.TotalTurns); ratio > abortRatioWarn {
			s.Alerts = append(s.Alerts, "abort_ratio_high")
		}
		if per100 := float64(s.Retries) / float64(s.TotalTurns) * 100; per100 > retriesPer100Warn {
			s.Alerts = append(s.Alerts, "retry_rate_high")
		}
	}
	if time.Duration(s.TurnP95Millis)*time.Millisecond > p95TurnDurationWarn {
		s.Alerts = append(s.Alerts, "turn_p95_slow")
	}
	return s
}
