package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

// AppendAudit writes one record. Re-appending the same id is a no-op so
// callers may retry freely.
func (s *Store) AppendAudit(ctx context.Context, rec contractx.AuditRecord) error {
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("%w: audit id and run id are required", contractx.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.NewInsert().Model(auditRowFrom(rec)).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("%w: append audit %s: %w", contractx.ErrDatastore, rec.ID, err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, runID string) ([]contractx.AuditRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []auditRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("ar.run_id = ?", runID).
		Order("ar.started_at ASC", "ar.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit %s: %w", contractx.ErrDatastore, runID, err)
	}
	out := make([]contractx.AuditRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// RecordMetrics stores the run's metrics; one row per run, later writes win.
func (s *Store) RecordMetrics(ctx context.Context, rec contractx.MetricsRecord) error {
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("%w: metrics run id is required", contractx.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.NewInsert().
		Model(metricsRowFrom(rec)).
		On("CONFLICT (run_id) DO UPDATE").
		Set("mode = EXCLUDED.mode").
		Set("agent_id = EXCLUDED.agent_id").
		Set("path = EXCLUDED.path").
		Set("stages_ms = EXCLUDED.stages_ms").
		Set("iterations = EXCLUDED.iterations").
		Set("citations = EXCLUDED.citations").
		Set("error_code = EXCLUDED.error_code").
		Set("cancelled = EXCLUDED.cancelled").
		Set("tenant_id = EXCLUDED.tenant_id").
		Set("at = EXCLUDED.at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: record metrics %s: %w", contractx.ErrDatastore, rec.RunID, err)
	}
	return nil
}

func (s *Store) GetMetrics(ctx context.Context, runID string) (contractx.MetricsRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row metricsRow
	err := s.db.NewSelect().Model(&row).Where("rm.run_id = ?", runID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return contractx.MetricsRecord{}, fmt.Errorf("%w: metrics for run %s not found", contractx.ErrDatastore, runID)
	}
	if err != nil {
		return contractx.MetricsRecord{}, fmt.Errorf("%w: get metrics %s: %w", contractx.ErrDatastore, runID, err)
	}
	return row.toRecord(), nil
}
