// Package orchestrator runs the four answer modes and streams their
// progress as typed chunks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	nodex "github.com/tanpawarit/Chative-Expert-Panel/agent/nodes/orchestrator"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	streamx "github.com/tanpawarit/Chative-Expert-Panel/agent/stream"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
	logx "github.com/tanpawarit/Chative-Expert-Panel/pkg/logger"
)

type Option func(*Service)

func WithAudit(a contractx.AuditLog) Option {
	return func(s *Service) { s.audit = a }
}

func WithMetrics(m contractx.MetricsSink) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRunIDs(next func() string) Option {
	return func(s *Service) { s.newID = next }
}

type Service struct {
	deps    nodex.Deps
	cfg     Config
	audit   contractx.AuditLog
	metrics contractx.MetricsSink
	graphs  map[contractx.Mode]compose.Runnable[*nodex.GraphState, contractx.FinalAnswer]

	now   func() time.Time
	newID func() string

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// New compiles one graph per mode. The directory and the answerer are
// required; the selector, planner and reasoner are only needed by the modes
// that use them.
func New(ctx context.Context, deps nodex.Deps, cfg Config, opts ...Option) (*Service, error) {
	if deps.Directory == nil {
		return nil, fmt.Errorf("%w: agent directory is required", contractx.ErrConfiguration)
	}
	if deps.Answerer == nil {
		return nil, fmt.Errorf("%w: answerer is required", contractx.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	deps.Settings = nodex.Settings{
		DefaultAgentID:   strings.TrimSpace(cfg.DefaultAgentID),
		RetrievalTopK:    cfg.RetrievalTopK,
		ToolTimeout:      cfg.ToolTimeout,
		PhaseConcurrency: cfg.PhaseConcurrency,
		Policy:           cfg.Retry.Policy(),
	}

	s := &Service{
		deps:   deps,
		cfg:    cfg,
		graphs: make(map[contractx.Mode]compose.Runnable[*nodex.GraphState, contractx.FinalAnswer], len(modeSteps)),
		now:    time.Now,
		newID:  uuid.NewString,
		runs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	for mode := range modeSteps {
		runner, err := s.compileModeGraph(ctx, mode)
		if err != nil {
			return nil, err
		}
		s.graphs[mode] = runner
	}
	return s, nil
}

// Stream starts a run and returns its chunks. The channel is closed after
// exactly one terminal chunk and must be drained. Cancelling ctx or calling
// Stop ends the run with a cancelled status.
func (s *Service) Stream(ctx context.Context, cfg contractx.ModeConfig) <-chan contractx.Chunk {
	runID := s.newID()
	runCtx, cancel := context.WithCancel(ctx)
	s.track(runID, cancel)

	emitter := streamx.New(runCtx, runID, streamx.WithClock(s.now))
	go s.run(runCtx, cancel, emitter, cfg)
	return emitter.Chunks()
}

// Stop cancels a running run. It reports whether the run was found.
func (s *Service) Stop(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *Service) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = cancel
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

func (s *Service) run(ctx context.Context, cancel context.CancelFunc, emitter *streamx.Emitter, cfg contractx.ModeConfig) {
	runID := emitter.RunID()
	defer s.untrack(runID)
	defer cancel()

	started := s.now()
	ctx = logx.WithFields(ctx, map[string]string{
		"run_id":     runID,
		"mode":       cfg.Mode.String(),
		"session_id": cfg.SessionID,
		"tenant_id":  cfg.TenantID,
	})
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.run",
		attribute.String("run.id", runID),
		attribute.String("run.mode", cfg.Mode.String()),
	)

	state := nodex.NewGraphState(runID, cfg, emitter, started)
	execCtx, cancelExec := context.WithTimeout(ctx, s.cfg.RunTimeout)
	answer, err := s.execute(execCtx, state)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancelExec()

	logger := zerolog.Ctx(ctx)
	var rec *retry.Error
	switch {
	case ctx.Err() != nil:
		logger.Info().Msg("run cancelled")
		emitter.Cancelled("run cancelled")
	case err != nil:
		rec = s.classify(state, err, timedOut)
		logger.Error().Err(err).
			Str("kind", string(rec.Kind)).
			Int("status", rec.Status).
			Bool("retryable", rec.Retryable).
			Msg("run failed")
		emitter.Emit(&contractx.ErrorChunk{
			Code:      string(rec.Kind),
			Status:    rec.Status,
			Message:   rec.UserMessage(),
			Hint:      rec.Hint,
			Retryable: rec.Retryable,
		})
	default:
		emitter.Emit(&contractx.FinalChunk{Answer: answer})
	}
	emitter.Close(nil)

	outcome := outcomeOf(emitter.Terminal())
	if outcome == contractx.OutcomeCompleted {
		s.writeHistory(ctx, state)
	} else {
		answer = contractx.FinalAnswer{}
	}
	s.report(ctx, state, answer, outcome, rec, started)

	if outcome == contractx.OutcomeCancelled {
		telemetry.EndSpan(span, context.Canceled)
		return
	}
	telemetry.EndSpan(span, err)
}

func (s *Service) execute(ctx context.Context, state *nodex.GraphState) (contractx.FinalAnswer, error) {
	runner, ok := s.graphs[state.Config.Mode]
	if !ok {
		return contractx.FinalAnswer{}, retry.New(retry.KindValidation,
			fmt.Errorf("%w: unsupported mode=%d", contractx.ErrValidation, int(state.Config.Mode)))
	}
	answer, err := runner.Invoke(ctx, state)
	if err != nil {
		if state.Err != nil {
			return contractx.FinalAnswer{}, state.Err
		}
		return contractx.FinalAnswer{}, err
	}
	return answer, nil
}

func (s *Service) classify(state *nodex.GraphState, err error, timedOut bool) *retry.Error {
	if timedOut {
		return retry.New(retry.KindRequestTimeout, err)
	}
	if state.Err != nil {
		return state.Err
	}
	return retry.Classify(retry.ScopeGeneral, err)
}

func (s *Service) writeHistory(ctx context.Context, state *nodex.GraphState) {
	if s.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HistoryTimeout)
	defer cancel()
	if err := nodex.WriteHistory(ctx, state, s.deps.History); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("append conversation history failed")
	}
}

// report hands one audit record and one metrics record to the sinks. Both
// sinks return immediately.
func (s *Service) report(ctx context.Context, state *nodex.GraphState, answer contractx.FinalAnswer, outcome contractx.AuditOutcome, rec *retry.Error, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	finished := s.now()
	cfg := state.Config

	errorCode := ""
	switch {
	case outcome == contractx.OutcomeCancelled:
		errorCode = string(retry.KindCancelled)
	case rec != nil:
		errorCode = string(rec.Kind)
	}

	agentIDs := state.AgentIDs()
	path := state.Path
	if answer.Path != "" {
		path = answer.Path
	}

	if s.audit != nil {
		meta := map[string]any{
			"path":       string(path),
			"iterations": state.Iterations(),
			"citations":  len(answer.Citations),
			"degraded":   state.Degraded,
		}
		if state.Plan != nil {
			meta["sub_questions"] = len(state.Plan.SubQuestions)
			meta["phases"] = len(state.Plan.Phases)
		}
		s.audit.Append(ctx, contractx.AuditRecord{
			ID:         uuid.NewString(),
			RunID:      state.RunID,
			Mode:       cfg.Mode,
			TenantID:   cfg.TenantID,
			SessionID:  cfg.SessionID,
			UserID:     cfg.UserID,
			AgentIDs:   agentIDs,
			Question:   cfg.Message,
			Answer:     answer.Content,
			Outcome:    outcome,
			ErrorCode:  errorCode,
			Confidence: answer.Confidence,
			Metadata:   meta,
			StartedAt:  started.UTC(),
			FinishedAt: finished.UTC(),
		})
	}

	if s.metrics != nil {
		stages := state.Stages()
		stages[contractx.StageTotal] = finished.Sub(started)
		agentID := ""
		if len(agentIDs) > 0 {
			agentID = agentIDs[0]
		}
		s.metrics.Record(ctx, contractx.MetricsRecord{
			RunID:      state.RunID,
			Mode:       cfg.Mode,
			AgentID:    agentID,
			Path:       path,
			Stages:     stages,
			Iterations: state.Iterations(),
			Citations:  len(answer.Citations),
			ErrorCode:  errorCode,
			Cancelled:  outcome == contractx.OutcomeCancelled,
			TenantID:   cfg.TenantID,
			At:         finished.UTC(),
		})
	}
}

func outcomeOf(terminal contractx.Chunk) contractx.AuditOutcome {
	switch terminal.(type) {
	case *contractx.FinalChunk:
		return contractx.OutcomeCompleted
	case *contractx.ErrorChunk:
		return contractx.OutcomeFailed
	default:
		return contractx.OutcomeCancelled
	}
}
