package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

const (
	MetricRuns          = "expert_panel.runs"
	MetricStageDuration = "expert_panel.stage.duration"
	MetricIterations    = "expert_panel.react.iterations"
	MetricCitations     = "expert_panel.citations"
)

type MetricsWriter interface {
	RecordMetrics(ctx context.Context, rec contractx.MetricsRecord) error
}

// Metrics records run metrics into OpenTelemetry instruments inline and
// persists them through writer in the background.
type Metrics struct {
	writer   MetricsWriter
	policy   retry.Policy
	dispatch *dispatcher[contractx.MetricsRecord]

	runs       metric.Int64Counter
	stages     metric.Float64Histogram
	iterations metric.Int64Histogram
	citations  metric.Int64Histogram
}

var _ contractx.MetricsSink = (*Metrics)(nil)

func NewMetrics(writer MetricsWriter, meter metric.Meter, cfg Config) (*Metrics, error) {
	m := &Metrics{writer: writer, policy: retry.DefaultPolicy()}

	var err error
	if m.runs, err = meter.Int64Counter(MetricRuns, metric.WithDescription("Completed orchestrator runs")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricRuns, err)
	}
	if m.stages, err = meter.Float64Histogram(MetricStageDuration, metric.WithUnit("ms"), metric.WithDescription("Per-stage latency")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricStageDuration, err)
	}
	if m.iterations, err = meter.Int64Histogram(MetricIterations, metric.WithDescription("ReAct iterations per run")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricIterations, err)
	}
	if m.citations, err = meter.Int64Histogram(MetricCitations, metric.WithDescription("Citations per answer")); err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricCitations, err)
	}

	if writer != nil {
		m.dispatch = newDispatcher("metrics", cfg.Buffer, cfg.DeliveryTimeout, log.Logger, m.persist)
	}
	return m, nil
}

func (m *Metrics) Record(ctx context.Context, rec contractx.MetricsRecord) {
	outcome := "completed"
	switch {
	case rec.Cancelled:
		outcome = "cancelled"
	case rec.ErrorCode != "":
		outcome = "failed"
	}
	base := []attribute.KeyValue{
		attribute.String("mode", rec.Mode.String()),
		attribute.String("path", string(rec.Path)),
	}

	m.runs.Add(ctx, 1, metric.WithAttributes(append(base,
		attribute.String("outcome", outcome),
		attribute.String("error_code", rec.ErrorCode),
	)...))
	for stage, d := range rec.Stages {
		m.stages.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(append(base,
			attribute.String("stage", string(stage)),
		)...))
	}
	if rec.Iterations > 0 {
		m.iterations.Record(ctx, int64(rec.Iterations), metric.WithAttributes(base...))
	}
	m.citations.Record(ctx, int64(rec.Citations), metric.WithAttributes(base...))

	if m.dispatch != nil && !m.dispatch.enqueue(rec) {
		zerolog.Ctx(ctx).Warn().Str("run_id", rec.RunID).Msg("metrics record dropped")
	}
}

func (m *Metrics) Close(ctx context.Context) error {
	if m.dispatch == nil {
		return nil
	}
	return m.dispatch.close(ctx)
}

func (m *Metrics) persist(ctx context.Context, rec contractx.MetricsRecord) error {
	return retry.Do(ctx, m.policy, retry.ScopeDatastore, func(ctx context.Context) error {
		return m.writer.RecordMetrics(ctx, rec)
	})
}
