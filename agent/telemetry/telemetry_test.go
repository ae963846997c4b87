package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

type memoryAudit struct {
	mu      sync.Mutex
	records []contractx.AuditRecord
	fail    int
	block   chan struct{}
}

func (m *memoryAudit) AppendAudit(_ context.Context, rec contractx.AuditRecord) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return retry.New(retry.KindDatastoreConnection, errors.New("connection refused"))
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryAudit) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memoryPublisher struct {
	mu       sync.Mutex
	payloads []any
	dest     []string
}

func (p *memoryPublisher) Publish(_ context.Context, destination string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	p.dest = append(p.dest, destination)
	return "msg", nil
}

type memoryMetrics struct {
	mu      sync.Mutex
	records []contractx.MetricsRecord
}

func (m *memoryMetrics) RecordMetrics(_ context.Context, rec contractx.MetricsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 3}
}

func TestAuditLogDeliversAndPublishes(t *testing.T) {
	writer := &memoryAudit{fail: 1}
	pub := &memoryPublisher{}
	audit := NewAuditLog(writer, Config{Buffer: 8}, WithPublisher(pub, "audit-topic"), WithAuditPolicy(fastPolicy()))

	audit.Append(context.Background(), contractx.AuditRecord{RunID: "run-1", Outcome: contractx.OutcomeCompleted})
	require.NoError(t, audit.Close(context.Background()))

	require.Equal(t, 1, writer.len())
	assert.NotEmpty(t, writer.records[0].ID)
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "audit-topic", pub.dest[0])
}

func TestAuditLogNeverBlocksCaller(t *testing.T) {
	writer := &memoryAudit{block: make(chan struct{})}
	audit := NewAuditLog(writer, Config{Buffer: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			audit.Append(context.Background(), contractx.AuditRecord{RunID: "run"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Append blocked on a stalled writer")
	}
	assert.Positive(t, audit.Dropped())

	close(writer.block)
	require.NoError(t, audit.Close(context.Background()))

	// closed logs drop silently
	audit.Append(context.Background(), contractx.AuditRecord{RunID: "late"})
}

func TestMetricsRecordsInstrumentsAndPersists(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	writer := &memoryMetrics{}

	m, err := NewMetrics(writer, provider.Meter("test"), Config{Buffer: 4})
	require.NoError(t, err)

	ctx := context.Background()
	m.Record(ctx, contractx.MetricsRecord{
		RunID:     "run-1",
		Mode:      contractx.ModeAutomaticSingleShot,
		Path:      contractx.PathRetrieval,
		Stages:    map[contractx.Stage]time.Duration{contractx.StageSelection: 40 * time.Millisecond, contractx.StageAnswer: time.Second},
		Citations: 2,
	})
	require.NoError(t, m.Close(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = md.Data
		}
	}
	require.Contains(t, names, MetricRuns)
	require.Contains(t, names, MetricStageDuration)
	require.Contains(t, names, MetricCitations)

	sum, ok := names[MetricRuns].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	hist, ok := names[MetricStageDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2)

	require.Len(t, writer.records, 1)
	assert.Equal(t, "run-1", writer.records[0].RunID)
}

func TestEndSpanMarksErrorsButNotCancellation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)

	_, failed := StartSpan(context.Background(), "failed")
	EndSpan(failed, errors.New("boom"))
	_, cancelled := StartSpan(context.Background(), "cancelled")
	EndSpan(cancelled, context.Canceled)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
