// Package store persists the agent directory, the knowledge index and the
// audit/metrics trail through bun. Postgres is the production backend;
// SQLite (modernc, pure Go) serves local runs and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver       string        `split_words:"true" default:"sqlite"`
	DSN          string        `split_words:"true" default:"file:expert_panel.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`
	MaxOpenConns int           `split_words:"true" default:"10"`
	QueryTimeout time.Duration `split_words:"true" default:"5s"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%w: unsupported db driver=%q", contractx.ErrValidation, c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("%w: db dsn is required", contractx.ErrValidation)
	}
	return nil
}

type Store struct {
	db           *bun.DB
	queryTimeout time.Duration
	now          func() time.Time
}

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var db *bun.DB
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverPostgres:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		if cfg.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		sqldb, err := sql.Open(DriverSQLite, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: open sqlite: %w", contractx.ErrDatastore, err)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	s := New(db, cfg.QueryTimeout)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", contractx.ErrDatastore, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing bun.DB. Callers own migration.
func New(db *bun.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Store{db: db, queryTimeout: queryTimeout, now: time.Now}
}

func (s *Store) DB() *bun.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*agentRow)(nil),
		(*documentRow)(nil),
		(*auditRow)(nil),
		(*metricsRow)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("%w: create table %T: %w", contractx.ErrDatastore, m, err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		column string
	}{
		{(*auditRow)(nil), "idx_audit_records_run_id", "run_id"},
		{(*auditRow)(nil), "idx_audit_records_tenant_id", "tenant_id"},
		{(*documentRow)(nil), "idx_knowledge_documents_tenant_id", "tenant_id"},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.column).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("%w: create index %s: %w", contractx.ErrDatastore, idx.name, err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}
