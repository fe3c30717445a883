package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 护栏检查指标
	checksTotal   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec

	// 阶段指标
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// 工具决策指标
	toolDecisions *prometheus.CounterVec

	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg。
// reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.checksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_checks_total",
			Help:      "Total number of guardrail check invocations",
		},
		[]string{"stage", "guardrail", "result"}, // result: pass, tripwire, error
	)

	c.checkDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guardrail_check_duration_seconds",
			Help:      "Guardrail check duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage", "guardrail"},
	)

	c.stagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_stages_total",
			Help:      "Total number of guardrail stage evaluations",
		},
		[]string{"stage", "outcome"}, // outcome: pass, tripwire, error
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guardrail_stage_duration_seconds",
			Help:      "Guardrail stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	c.toolDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_guardrail_decisions_total",
			Help:      "Total number of tool guardrail decisions",
		},
		[]string{"tool", "stage", "decision"},
	)

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guarded_runs_total",
			Help:      "Total number of guarded agent runs",
		},
		[]string{"agent", "status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guarded_run_duration_seconds",
			Help:      "Guarded agent run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🛡️ 护栏指标记录
// =============================================================================

// RecordCheck 记录单次护栏检查
func (c *Collector) RecordCheck(stage, guardrail string, tripped bool, err error, duration time.Duration) {
	c.checksTotal.WithLabelValues(stage, guardrail, resultLabel(tripped, err)).Inc()
	c.checkDuration.WithLabelValues(stage, guardrail).Observe(duration.Seconds())
}

// RecordStage 记录一次阶段评估
func (c *Collector) RecordStage(stage string, tripped bool, err error, duration time.Duration) {
	c.stagesTotal.WithLabelValues(stage, resultLabel(tripped, err)).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordToolDecision 记录工具护栏决策
func (c *Collector) RecordToolDecision(tool, stage, decision string) {
	c.toolDecisions.WithLabelValues(tool, stage, decision).Inc()
}

// RecordRun 记录一次受保护的运行
func (c *Collector) RecordRun(agent, status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(agent, status).Inc()
	c.runDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// resultLabel 将检查结果转换为标签值
func resultLabel(tripped bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case tripped:
		return "tripwire"
	default:
		return "pass"
	}
}
