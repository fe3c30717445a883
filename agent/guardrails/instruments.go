package guardrails

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/guardflow/agent/guardrails"

// OTel 指标名称
const (
	MetricStageDuration = "guardflow.guardrails.stage.duration"
	MetricStageOutcomes = "guardflow.guardrails.stage.outcomes"
	MetricCheckDuration = "guardflow.guardrails.check.duration"
)

// 阶段结果标签
const (
	outcomePass     = "pass"
	outcomeTripwire = "tripwire"
	outcomeError    = "error"
)

// stageInstruments 阶段执行器使用的 OTel 指标
type stageInstruments struct {
	stageDuration metric.Float64Histogram
	stageOutcomes metric.Int64Counter
	checkDuration metric.Float64Histogram
}

// newStageInstruments 在 meter 上创建指标，创建失败的指标退化为 noop
func newStageInstruments(meter metric.Meter, logger *zap.Logger) stageInstruments {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	ins := stageInstruments{
		stageDuration: noop.Float64Histogram{},
		stageOutcomes: noop.Int64Counter{},
		checkDuration: noop.Float64Histogram{},
	}

	if h, err := meter.Float64Histogram(MetricStageDuration,
		metric.WithUnit("s"),
		metric.WithDescription("Guardrail stage duration in seconds")); err == nil {
		ins.stageDuration = h
	} else {
		logger.Warn("failed to create otel instrument", zap.String("name", MetricStageDuration), zap.Error(err))
	}

	if c, err := meter.Int64Counter(MetricStageOutcomes,
		metric.WithDescription("Guardrail stage outcomes by result")); err == nil {
		ins.stageOutcomes = c
	} else {
		logger.Warn("failed to create otel instrument", zap.String("name", MetricStageOutcomes), zap.Error(err))
	}

	if h, err := meter.Float64Histogram(MetricCheckDuration,
		metric.WithUnit("s"),
		metric.WithDescription("Single guardrail check duration in seconds")); err == nil {
		ins.checkDuration = h
	} else {
		logger.Warn("failed to create otel instrument", zap.String("name", MetricCheckDuration), zap.Error(err))
	}
	return ins
}

func (ins stageInstruments) recordStage(ctx context.Context, stage Stage, tripped bool, err error, elapsed time.Duration) {
	result := outcomePass
	switch {
	case err != nil:
		result = outcomeError
	case tripped:
		result = outcomeTripwire
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("result", result),
	)
	ins.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
	ins.stageOutcomes.Add(ctx, 1, attrs)
}

func (ins stageInstruments) recordCheck(ctx context.Context, stage Stage, guardrail string, elapsed time.Duration) {
	ins.checkDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("guardrail", guardrail),
	))
}
