package store

import (
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type agentRow struct {
	bun.BaseModel `bun:"table:agents,alias:a"`

	ID           string    `bun:"id,pk"`
	Name         string    `bun:"name,notnull"`
	Tags         []string  `bun:"tags"`
	ToolIDs      []string  `bun:"tool_ids"`
	Instructions string    `bun:"instructions,notnull"`
	Tier         string    `bun:"tier,notnull"`
	Active       bool      `bun:"active,notnull"`
	Embedding    []float64 `bun:"embedding"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

func (r agentRow) toAgent() contractx.Agent {
	return contractx.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Tags:         r.Tags,
		ToolIDs:      r.ToolIDs,
		Instructions: r.Instructions,
		Tier:         contractx.AgentTier(r.Tier),
		Active:       r.Active,
	}
}

type documentRow struct {
	bun.BaseModel `bun:"table:knowledge_documents,alias:d"`

	ID        string    `bun:"id,pk"`
	TenantID  string    `bun:"tenant_id,notnull"`
	Title     string    `bun:"title,notnull"`
	Content   string    `bun:"content,notnull"`
	Source    string    `bun:"source,notnull"`
	Domains   []string  `bun:"domains"`
	Embedding []float64 `bun:"embedding"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type auditRow struct {
	bun.BaseModel `bun:"table:audit_records,alias:ar"`

	ID         string         `bun:"id,pk"`
	RunID      string         `bun:"run_id,notnull"`
	Mode       int            `bun:"mode,notnull"`
	TenantID   string         `bun:"tenant_id,notnull"`
	SessionID  string         `bun:"session_id,notnull"`
	UserID     string         `bun:"user_id,notnull"`
	AgentIDs   []string       `bun:"agent_ids"`
	Question   string         `bun:"question,notnull"`
	Answer     string         `bun:"answer,notnull"`
	Outcome    string         `bun:"outcome,notnull"`
	ErrorCode  string         `bun:"error_code,notnull"`
	Confidence *float64       `bun:"confidence"`
	Metadata   map[string]any `bun:"metadata"`
	StartedAt  time.Time      `bun:"started_at,notnull"`
	FinishedAt time.Time      `bun:"finished_at,notnull"`
}

func auditRowFrom(rec contractx.AuditRecord) *auditRow {
	return &auditRow{
		ID:         rec.ID,
		RunID:      rec.RunID,
		Mode:       int(rec.Mode),
		TenantID:   rec.TenantID,
		SessionID:  rec.SessionID,
		UserID:     rec.UserID,
		AgentIDs:   rec.AgentIDs,
		Question:   rec.Question,
		Answer:     rec.Answer,
		Outcome:    string(rec.Outcome),
		ErrorCode:  rec.ErrorCode,
		Confidence: rec.Confidence,
		Metadata:   rec.Metadata,
		StartedAt:  rec.StartedAt.UTC(),
		FinishedAt: rec.FinishedAt.UTC(),
	}
}

func (r auditRow) toRecord() contractx.AuditRecord {
	return contractx.AuditRecord{
		ID:         r.ID,
		RunID:      r.RunID,
		Mode:       contractx.Mode(r.Mode),
		TenantID:   r.TenantID,
		SessionID:  r.SessionID,
		UserID:     r.UserID,
		AgentIDs:   r.AgentIDs,
		Question:   r.Question,
		Answer:     r.Answer,
		Outcome:    contractx.AuditOutcome(r.Outcome),
		ErrorCode:  r.ErrorCode,
		Confidence: r.Confidence,
		Metadata:   r.Metadata,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// metricsRow stores stage latencies in milliseconds keyed by stage name.
type metricsRow struct {
	bun.BaseModel `bun:"table:run_metrics,alias:rm"`

	RunID      string           `bun:"run_id,pk"`
	Mode       int              `bun:"mode,notnull"`
	AgentID    string           `bun:"agent_id,notnull"`
	Path       string           `bun:"path,notnull"`
	StagesMS   map[string]int64 `bun:"stages_ms"`
	Iterations int              `bun:"iterations,notnull"`
	Citations  int              `bun:"citations,notnull"`
	ErrorCode  string           `bun:"error_code,notnull"`
	Cancelled  bool             `bun:"cancelled,notnull"`
	TenantID   string           `bun:"tenant_id,notnull"`
	At         time.Time        `bun:"at,notnull"`
}

func metricsRowFrom(rec contractx.MetricsRecord) *metricsRow {
	stages := make(map[string]int64, len(rec.Stages))
	for stage, d := range rec.Stages {
		stages[string(stage)] = d.Milliseconds()
	}
	return &metricsRow{
		RunID:      rec.RunID,
		Mode:       int(rec.Mode),
		AgentID:    rec.AgentID,
		Path:       string(rec.Path),
		StagesMS:   stages,
		Iterations: rec.Iterations,
		Citations:  rec.Citations,
		ErrorCode:  rec.ErrorCode,
		Cancelled:  rec.Cancelled,
		TenantID:   rec.TenantID,
		At:         rec.At.UTC(),
	}
}

func (r metricsRow) toRecord() contractx.MetricsRecord {
	stages := make(map[contractx.Stage]time.Duration, len(r.StagesMS))
	for stage, ms := range r.StagesMS {
		stages[contractx.Stage(stage)] = time.Duration(ms) * time.Millisecond
	}
	return contractx.MetricsRecord{
		RunID:      r.RunID,
		Mode:       contractx.Mode(r.Mode),
		AgentID:    r.AgentID,
		Path:       contractx.ExecutionPath(r.Path),
		Stages:     stages,
		Iterations: r.Iterations,
		Citations:  r.Citations,
		ErrorCode:  r.ErrorCode,
		Cancelled:  r.Cancelled,
		TenantID:   r.TenantID,
		At:         r.At,
	}
}
