// Package planner decomposes a goal into a bounded chain of sub-questions
// grouped into execution phases. It never executes anything.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	llmx "github.com/tanpawarit/Chative-Expert-Panel/agent/llm"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
)

const DefaultMaxSubQuestions = 6

type Config struct {
	MaxSubQuestions int `split_words:"true" default:"6"`
}

type Option func(*Planner)

func WithPolicy(p retry.Policy) Option {
	return func(pl *Planner) { pl.policy = p }
}

type goalOutput struct {
	Restatement string `json:"restatement"`
	Domain      string `json:"domain"`
	Complexity  string `json:"complexity"`
}

type subQuestionOutput struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	Rationale string   `json:"rationale"`
	Domain    string   `json:"domain"`
	DependsOn []string `json:"depends_on"`
}

type plannerOutput struct {
	Goal         goalOutput          `json:"goal"`
	SubQuestions []subQuestionOutput `json:"sub_questions"`
}

type Planner struct {
	runner       compose.Runnable[map[string]any, plannerOutput]
	strictRunner compose.Runnable[map[string]any, plannerOutput]
	maxSub       int
	policy       retry.Policy
}

var _ contractx.Planner = (*Planner)(nil)

// New compiles the regular planning graph and the stricter graph used for
// the single retry after a malformed reply.
func New(ctx context.Context, chatModel einomodel.BaseChatModel, prompt, strictPrompt string, cfg Config, opts ...Option) (*Planner, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: planner model is required", contractx.ErrConfiguration)
	}
	runner, err := llmx.CompileStructured[plannerOutput](ctx, chatModel, prompt, "planner.decompose")
	if err != nil {
		return nil, err
	}
	strictRunner, err := llmx.CompileStructured[plannerOutput](ctx, chatModel, strictPrompt, "planner.decompose_strict")
	if err != nil {
		return nil, err
	}

	maxSub := cfg.MaxSubQuestions
	if maxSub <= 0 {
		maxSub = DefaultMaxSubQuestions
	}
	p := &Planner{
		runner:       runner,
		strictRunner: strictRunner,
		maxSub:       maxSub,
		policy:       retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Plan returns an immutable plan. A malformed reply is retried once with
// the strict prompt; a second violation is surfaced wrapping ErrPlanning.
func (p *Planner) Plan(ctx context.Context, goal string, agent *contractx.Agent) (plan contractx.ExecutionPlan, err error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return contractx.ExecutionPlan{}, retry.New(retry.KindValidation, fmt.Errorf("%w: goal is required", contractx.ErrValidation))
	}

	ctx, span := telemetry.StartSpan(ctx, "planner.plan")
	defer func() { telemetry.EndSpan(span, err) }()

	payload := map[string]any{
		"goal":              goal,
		"max_sub_questions": p.maxSub,
	}
	if agent != nil {
		payload["expert"] = map[string]any{
			"name":         agent.Name,
			"domains":      agent.Tags,
			"instructions": agent.Instructions,
		}
	}

	plan, err = p.attempt(ctx, p.runner, payload, agent)
	if errors.Is(err, contractx.ErrSchemaViolation) {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("plan rejected, retrying with strict prompt")
		span.AddEvent("planner.strict_retry")
		plan, err = p.attempt(ctx, p.strictRunner, payload, agent)
	}
	if err != nil {
		return contractx.ExecutionPlan{}, planningError(err)
	}

	span.SetAttributes(
		attribute.Int("planner.sub_questions", len(plan.SubQuestions)),
		attribute.Int("planner.phases", len(plan.Phases)),
	)
	zerolog.Ctx(ctx).Debug().
		Int("sub_questions", len(plan.SubQuestions)).
		Int("phases", len(plan.Phases)).
		Str("domain", plan.Goal.Domain).
		Msg("plan ready")
	return plan, nil
}

func (p *Planner) attempt(
	ctx context.Context,
	runner compose.Runnable[map[string]any, plannerOutput],
	payload map[string]any,
	agent *contractx.Agent,
) (contractx.ExecutionPlan, error) {
	return retry.DoValue(ctx, p.policy, retry.ScopeModel, func(ctx context.Context) (contractx.ExecutionPlan, error) {
		out, err := llmx.InvokeStructured(ctx, runner, payload)
		if err == nil {
			var plan contractx.ExecutionPlan
			plan, err = BuildPlan(out, p.maxSub, agent)
			if err == nil {
				return plan, nil
			}
		}
		if errors.Is(err, contractx.ErrSchemaViolation) {
			// the strict prompt handles violations, not the backoff loop
			rec := retry.New(retry.KindModelAPIError, err).With("schema_violation", true)
			rec.Retryable = false
			return contractx.ExecutionPlan{}, rec
		}
		return contractx.ExecutionPlan{}, err
	})
}

func planningError(err error) error {
	rec := retry.Classify(retry.ScopeModel, err)
	if rec.Kind == retry.KindCancelled {
		return rec
	}
	out := retry.New(rec.Kind, fmt.Errorf("%w: %w", contractx.ErrPlanning, err))
	out.Metadata = rec.Metadata
	if errors.Is(err, contractx.ErrSchemaViolation) {
		out.Retryable = true
	}
	return out
}

// BuildPlan validates raw planner output and groups sub-questions into
// phases. A sub-question without dependencies lands in phase 0; otherwise it
// lands one phase after its latest dependency. Items beyond maxSub are
// dropped.
func BuildPlan(out plannerOutput, maxSub int, agent *contractx.Agent) (contractx.ExecutionPlan, error) {
	if maxSub <= 0 {
		maxSub = DefaultMaxSubQuestions
	}

	goal := contractx.GoalUnderstanding{
		Restatement: strings.TrimSpace(out.Goal.Restatement),
		Domain:      strings.ToLower(strings.TrimSpace(out.Goal.Domain)),
		Complexity:  contractx.Complexity(strings.ToLower(strings.TrimSpace(out.Goal.Complexity))),
	}
	if goal.Restatement == "" {
		return contractx.ExecutionPlan{}, fmt.Errorf("%w: goal restatement is empty", contractx.ErrSchemaViolation)
	}
	if !goal.Complexity.Valid() {
		return contractx.ExecutionPlan{}, fmt.Errorf("%w: unsupported complexity=%q", contractx.ErrSchemaViolation, out.Goal.Complexity)
	}
	if len(out.SubQuestions) == 0 {
		return contractx.ExecutionPlan{}, fmt.Errorf("%w: plan has no sub-questions", contractx.ErrSchemaViolation)
	}

	raw := out.SubQuestions
	if len(raw) > maxSub {
		raw = raw[:maxSub]
	}

	phaseOf := make(map[string]int, len(raw))
	subs := make([]contractx.CoTSubQuestion, 0, len(raw))
	phases := make([][]string, 0, len(raw))
	for i, item := range raw {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return contractx.ExecutionPlan{}, fmt.Errorf("%w: sub-question %d has no id", contractx.ErrSchemaViolation, i+1)
		}
		if _, dup := phaseOf[id]; dup {
			return contractx.ExecutionPlan{}, fmt.Errorf("%w: duplicate sub-question id=%s", contractx.ErrSchemaViolation, id)
		}
		question := strings.TrimSpace(item.Question)
		if question == "" {
			return contractx.ExecutionPlan{}, fmt.Errorf("%w: sub-question id=%s is empty", contractx.ErrSchemaViolation, id)
		}

		phase := 0
		var deps []string
		for _, dep := range item.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" || containsString(deps, dep) {
				continue
			}
			depPhase, ok := phaseOf[dep]
			if !ok {
				return contractx.ExecutionPlan{}, fmt.Errorf("%w: sub-question id=%s depends on %q which is not an earlier sub-question", contractx.ErrSchemaViolation, id, dep)
			}
			deps = append(deps, dep)
			if depPhase+1 > phase {
				phase = depPhase + 1
			}
		}
		phaseOf[id] = phase

		domain := strings.ToLower(strings.TrimSpace(item.Domain))
		if domain == "" {
			domain = goal.Domain
		}
		subs = append(subs, contractx.CoTSubQuestion{
			ID:        id,
			Index:     i,
			Question:  question,
			Rationale: strings.TrimSpace(item.Rationale),
			DependsOn: deps,
			Domain:    domain,
		})

		for len(phases) <= phase {
			phases = append(phases, nil)
		}
		phases[phase] = append(phases[phase], id)
	}

	plan := contractx.ExecutionPlan{Goal: goal, SubQuestions: subs}
	for i, ids := range phases {
		phase := contractx.ExecutionPhase{
			ID:             fmt.Sprintf("phase-%d", i+1),
			Index:          i,
			SubQuestionIDs: ids,
		}
		if agent != nil {
			phase.TargetAgentID = agent.ID
		}
		plan.Phases = append(plan.Phases, phase)
	}
	return plan, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
