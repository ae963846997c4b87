package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

type Config struct {
	Buffer          int           `default:"256"`
	DeliveryTimeout time.Duration `split_words:"true" default:"5s"`
}

type AuditWriter interface {
	AppendAudit(ctx context.Context, rec contractx.AuditRecord) error
}

// Publisher fans audit records out to an external queue.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload any) (string, error)
}

type AuditLog struct {
	writer      AuditWriter
	publisher   Publisher
	destination string
	policy      retry.Policy
	dispatch    *dispatcher[contractx.AuditRecord]
}

var _ contractx.AuditLog = (*AuditLog)(nil)

type AuditOption func(*AuditLog)

func WithPublisher(p Publisher, destination string) AuditOption {
	return func(a *AuditLog) {
		a.publisher = p
		a.destination = destination
	}
}

func WithAuditPolicy(p retry.Policy) AuditOption {
	return func(a *AuditLog) { a.policy = p }
}

func NewAuditLog(writer AuditWriter, cfg Config, opts ...AuditOption) *AuditLog {
	a := &AuditLog{writer: writer, policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(a)
	}
	a.dispatch = newDispatcher("audit", cfg.Buffer, cfg.DeliveryTimeout, log.Logger, a.deliver)
	return a
}

// Append queues rec and returns immediately. Records without an id get one.
func (a *AuditLog) Append(ctx context.Context, rec contractx.AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if !a.dispatch.enqueue(rec) {
		zerolog.Ctx(ctx).Warn().Str("run_id", rec.RunID).Msg("audit record dropped")
	}
}

func (a *AuditLog) Close(ctx context.Context) error {
	return a.dispatch.close(ctx)
}

func (a *AuditLog) Dropped() int64 { return a.dispatch.dropped.Load() }

func (a *AuditLog) deliver(ctx context.Context, rec contractx.AuditRecord) error {
	var errs []error
	if a.writer != nil {
		err := retry.Do(ctx, a.policy, retry.ScopeDatastore, func(ctx context.Context) error {
			return a.writer.AppendAudit(ctx, rec)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("persist audit %s: %w", rec.ID, err))
		}
	}
	if a.publisher != nil {
		if _, err := a.publisher.Publish(ctx, a.destination, rec); err != nil {
			errs = append(errs, fmt.Errorf("publish audit %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}
