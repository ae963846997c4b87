package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
)

const defaultPhaseConcurrency = 4

// ExecutePhases runs the plan phase by phase. Sub-questions of one phase run
// concurrently. A sub-question whose dependency did not complete is skipped.
func ExecutePhases(ctx context.Context, in *GraphState, deps Deps) (*GraphState, error) {
	if in == nil || in.Plan == nil || in.Tracker == nil {
		return nil, fmt.Errorf("%w: plan is missing", contractx.ErrValidation)
	}
	if deps.Reasoner == nil {
		return nil, in.fail(retry.ScopeGeneral, fmt.Errorf("%w: reasoner is not configured", contractx.ErrConfiguration))
	}
	started := time.Now()
	defer in.Observe(contractx.StageReAct, started)

	plan := *in.Plan
	if in.Agent == nil && plan.Homogeneous() {
		selectStarted := time.Now()
		in.status(contractx.StateSelecting, "")
		agent, err := chooseAgent(ctx, in, deps, "", in.Config.Message, in.Config.DomainHints,
			contractx.WithPreferredDomains(plan.Goal.Domain))
		in.Observe(contractx.StageSelection, selectStarted)
		if err != nil {
			return nil, in.fail(retry.ScopeGeneral, err)
		}
		in.Agent = &agent
	}

	var lead *contractx.Agent
	for _, phase := range plan.Phases {
		if err := ctx.Err(); err != nil {
			return nil, in.fail(retry.ScopeGeneral, err)
		}

		runnable, skipped := in.Tracker.Split(phase)
		for _, q := range skipped {
			in.Tracker.Skip(q)
			in.statusScoped(phase.ID, q.ID, contractx.StatePhaseSkipped, "a sub-question it depends on did not complete")
		}
		if len(runnable) == 0 {
			continue
		}

		agent := in.Agent
		if agent == nil {
			selectStarted := time.Now()
			query, domains := phaseQuery(plan, phase)
			in.statusScoped(phase.ID, "", contractx.StateSelecting, "")
			picked, err := chooseAgent(ctx, in, deps, phase.ID, query, in.Config.DomainHints,
				contractx.WithPreferredDomains(domains...))
			in.Observe(contractx.StageSelection, selectStarted)
			if err != nil {
				return nil, in.fail(retry.ScopeGeneral, err)
			}
			agent = &picked
		}
		if lead == nil {
			lead = agent
		}

		if err := runPhase(ctx, in, deps, phase, *agent, runnable); err != nil {
			return nil, in.fail(retry.ScopeGeneral, err)
		}
	}

	if in.Agent == nil {
		in.Agent = lead
	}
	if in.Tracker.Completed() == 0 {
		return nil, in.fail(retry.ScopeGeneral, fmt.Errorf("%w: %d sub-questions", contractx.ErrNoPhaseSucceeded, len(plan.SubQuestions)))
	}
	return in, nil
}

func runPhase(ctx context.Context, in *GraphState, deps Deps, phase contractx.ExecutionPhase, agent contractx.Agent, questions []contractx.CoTSubQuestion) error {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.phase")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	in.statusScoped(phase.ID, "", contractx.StatePhaseStarted, fmt.Sprintf("%d sub-questions", len(questions)))

	limit := deps.Settings.PhaseConcurrency
	if limit <= 0 {
		limit = defaultPhaseConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, q := range questions {
		g.Go(func() error {
			return runSubQuestion(ctx, in, deps, phase, agent, q)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	failed := 0
	for _, q := range questions {
		if in.Tracker.Status(q.ID) != SubQuestionCompleted {
			failed++
		}
	}
	if failed == len(questions) {
		in.statusScoped(phase.ID, "", contractx.StatePhaseFailed, "no sub-question in this phase completed")
		return nil
	}
	in.statusScoped(phase.ID, "", contractx.StatePhaseDone, "")
	return nil
}

// runSubQuestion only returns an error for cancellation. Other failures mark
// the sub-question failed.
func runSubQuestion(ctx context.Context, in *GraphState, deps Deps, phase contractx.ExecutionPhase, agent contractx.Agent, q contractx.CoTSubQuestion) error {
	filter := contractx.RetrievalFilter{Domains: agent.Tags, TenantID: in.Config.TenantID}

	res, err := deps.Reasoner.Run(ctx, react.Request{
		Agent:            agent,
		Question:         q.Question,
		Goal:             in.Plan.Goal,
		Findings:         in.Tracker.DependencyFindings(q),
		History:          in.History,
		Tools:            agent.ToolIDs,
		RetrievalEnabled: in.Config.RetrievalEnabled,
		ToolsEnabled:     in.Config.ToolsEnabled,
		Filter:           filter,
	}, react.Observer{
		Iteration: func(it contractx.ReActIteration) {
			in.Emitter.EmitScoped(phase.ID, q.ID, &contractx.ReasoningStepChunk{Iteration: it})
		},
		ToolCall: func(c react.ToolCall) {
			in.Emitter.EmitScoped(phase.ID, q.ID, &contractx.ToolCallChunk{
				Tool:     c.Tool,
				Args:     c.Args,
				Result:   c.Result,
				Error:    c.Error,
				Null:     c.Null,
				Duration: c.Duration,
			})
		},
	})
	in.AddIterations(len(res.Iterations))
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		rec := retry.Classify(retry.ScopeModel, err)
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("phase_id", phase.ID).
			Str("sub_question_id", q.ID).
			Str("kind", string(rec.Kind)).
			Msg("sub-question failed")
		in.Tracker.Fail(q)
		in.statusScoped(phase.ID, q.ID, contractx.StatePhaseFailed, string(rec.Kind))
		return nil
	}

	in.Tracker.Complete(q, res)
	return nil
}
