// Package react runs the bounded think, act, observe loop for one expert
// and one question.
package react

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	llmx "github.com/tanpawarit/Chative-Expert-Panel/agent/llm"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
	toolx "github.com/tanpawarit/Chative-Expert-Panel/agent/tool"
)

const (
	maxObservationRunes = 1200
	evidenceSampleSize  = 3
)

type Config struct {
	MaxIterations          int           `split_words:"true" default:"5"`
	AcceptanceThreshold    float64       `split_words:"true" default:"0.75"`
	ActionTimeout          time.Duration `split_words:"true" default:"10s"`
	ToolEvidenceConfidence float64       `split_words:"true" default:"0.7"`
	RetrievalTopK          int           `split_words:"true" default:"4"`
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:          5,
		AcceptanceThreshold:    0.75,
		ActionTimeout:          10 * time.Second,
		ToolEvidenceConfidence: 0.7,
		RetrievalTopK:          4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.AcceptanceThreshold <= 0 || c.AcceptanceThreshold > 1 {
		c.AcceptanceThreshold = d.AcceptanceThreshold
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.ToolEvidenceConfidence <= 0 || c.ToolEvidenceConfidence > 1 {
		c.ToolEvidenceConfidence = d.ToolEvidenceConfidence
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = d.RetrievalTopK
	}
	return c
}

// Finding is the conclusion of an earlier sub-question handed to a
// dependent one.
type Finding struct {
	SubQuestionID string  `json:"sub_question_id"`
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	Confidence    float64 `json:"confidence"`
}

type Request struct {
	Agent            contractx.Agent
	Question         string
	Goal             contractx.GoalUnderstanding
	Findings         []Finding
	History          []contractx.Turn
	Tools            []string
	RetrievalEnabled bool
	ToolsEnabled     bool
	Filter           contractx.RetrievalFilter
}

// ToolCall describes one tool invocation as seen by observers.
type ToolCall struct {
	Tool     string
	Args     map[string]any
	Result   any
	Error    string
	Null     bool
	Duration time.Duration
}

// Observer receives loop progress in order. Nil fields are skipped.
type Observer struct {
	ToolCall  func(ToolCall)
	Iteration func(contractx.ReActIteration)
}

type StopReason string

const (
	StopThreshold StopReason = "confidence_threshold"
	StopCap       StopReason = "iteration_cap"
	StopModel     StopReason = "model_concluded"
)

type Result struct {
	State         State
	Answer        string
	Confidence    float64
	LowConfidence bool
	StopReason    StopReason
	Iterations    []contractx.ReActIteration
	Evidence      []contractx.EvidenceSource
	Trail         []State
}

type stepOutput struct {
	Thought string         `json:"thought"`
	Action  string         `json:"action"`
	Query   string         `json:"query"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
	Answer  string         `json:"answer"`
}

type Option func(*Engine)

func WithPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithActionPolicy sets the retry budget for retrieval and tool actions.
// Without it actions share the WithPolicy budget.
func WithActionPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.actionPolicy = &p }
}

type Engine struct {
	step         compose.Runnable[map[string]any, stepOutput]
	retriever    contractx.Retriever
	tools        contractx.ToolInvoker
	cfg          Config
	policy       retry.Policy
	actionPolicy *retry.Policy
	now          func() time.Time
}

// New compiles the thinking graph. retriever and tools may be nil, in which
// case the corresponding actions observe as unavailable.
func New(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	retriever contractx.Retriever,
	tools contractx.ToolInvoker,
	cfg Config,
	opts ...Option,
) (*Engine, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: react model is required", contractx.ErrConfiguration)
	}
	step, err := llmx.CompileStructured[stepOutput](ctx, chatModel, systemPrompt, "react.think")
	if err != nil {
		return nil, err
	}
	e := &Engine{
		step:      step,
		retriever: retriever,
		tools:     tools,
		cfg:       cfg.normalized(),
		policy:    retry.DefaultPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.actionPolicy == nil {
		p := e.policy
		e.actionPolicy = &p
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

type run struct {
	req        Request
	fsm        *machine
	iterations []contractx.ReActIteration
	evidence   []contractx.EvidenceSource
	evidenceAt map[string]int
	confidence float64
}

// Run drives one loop to Concluded or Failed. Action failures become null
// observations; only model failures and cancellation end in Failed, in
// which case the partial Result is returned with the error.
func (e *Engine) Run(ctx context.Context, req Request, obs Observer) (res Result, err error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{State: StateFailed}, retry.New(retry.KindValidation, fmt.Errorf("%w: question is required", contractx.ErrValidation))
	}

	ctx, span := telemetry.StartSpan(ctx, "react.run",
		attribute.String("agent.id", req.Agent.ID),
		attribute.Int("react.max_iterations", e.cfg.MaxIterations),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("react.iterations", len(res.Iterations)),
			attribute.Float64("react.confidence", res.Confidence),
			attribute.String("react.state", string(res.State)),
		)
		telemetry.EndSpan(span, err)
	}()

	r := &run{req: req, fsm: newMachine(), evidenceAt: make(map[string]int)}
	logger := zerolog.Ctx(ctx).With().Str("agent_id", req.Agent.ID).Logger()

	var (
		answer string
		reason StopReason
	)
	for len(r.iterations) < e.cfg.MaxIterations {
		index := len(r.iterations) + 1
		started := e.now()

		step, err := e.think(ctx, r, index, false)
		if err != nil {
			return e.fail(r, err)
		}

		if step.Action == string(contractx.ActionConclude) {
			it := contractx.ReActIteration{
				Index:      index,
				Thought:    strings.TrimSpace(step.Thought),
				Action:     contractx.ReActAction{Kind: contractx.ActionConclude},
				Confidence: r.confidence,
				Duration:   e.now().Sub(started),
			}
			r.iterations = append(r.iterations, it)
			if obs.Iteration != nil {
				obs.Iteration(it)
			}
			answer = strings.TrimSpace(step.Answer)
			reason = StopModel
			break
		}

		if err := r.fsm.to(StateActing); err != nil {
			return e.fail(r, err)
		}
		it, err := e.act(ctx, r, step, obs)
		if err != nil {
			return e.fail(r, err)
		}

		if err := r.fsm.to(StateObserving); err != nil {
			return e.fail(r, err)
		}
		it.Index = index
		it.Thought = strings.TrimSpace(step.Thought)
		it.Duration = e.now().Sub(started)
		r.iterations = append(r.iterations, it)
		r.confidence = runningConfidence(r.iterations)
		r.iterations[len(r.iterations)-1].Confidence = r.confidence
		if obs.Iteration != nil {
			obs.Iteration(r.iterations[len(r.iterations)-1])
		}

		logger.Debug().
			Int("iteration", index).
			Str("action", string(it.Action.Kind)).
			Bool("null", it.Null).
			Float64("confidence", r.confidence).
			Msg("react iteration observed")

		if r.confidence >= e.cfg.AcceptanceThreshold {
			reason = StopThreshold
			break
		}
		if len(r.iterations) >= e.cfg.MaxIterations {
			reason = StopCap
			break
		}
		if err := r.fsm.to(StateThinking); err != nil {
			return e.fail(r, err)
		}
	}

	if reason == "" {
		reason = StopCap
	}
	if err := r.fsm.to(StateConcluding); err != nil {
		return e.fail(r, err)
	}
	if answer == "" {
		final, err := e.think(ctx, r, len(r.iterations)+1, true)
		if err != nil {
			return e.fail(r, err)
		}
		answer = strings.TrimSpace(final.Answer)
		if answer == "" {
			return e.fail(r, retry.New(retry.KindModelAPIError, fmt.Errorf("%w: concluding step has no answer", contractx.ErrSchemaViolation)))
		}
	}
	if err := r.fsm.to(StateConcluded); err != nil {
		return e.fail(r, err)
	}

	res = e.result(r)
	res.Answer = answer
	res.StopReason = reason
	logger.Debug().
		Str("stop_reason", string(reason)).
		Int("iterations", len(r.iterations)).
		Float64("confidence", res.Confidence).
		Msg("react run concluded")
	return res, nil
}

func (e *Engine) fail(r *run, cause error) (Result, error) {
	if r.fsm.state != StateFailed && IsValidTransition(r.fsm.state, StateFailed) {
		_ = r.fsm.to(StateFailed)
	} else {
		r.fsm.state = StateFailed
		r.fsm.trail = append(r.fsm.trail, StateFailed)
	}
	res := e.result(r)
	return res, retry.Classify(retry.ScopeModel, cause)
}

func (e *Engine) result(r *run) Result {
	return Result{
		State:         r.fsm.state,
		Confidence:    r.confidence,
		LowConfidence: r.confidence < e.cfg.AcceptanceThreshold,
		Iterations:    append([]contractx.ReActIteration(nil), r.iterations...),
		Evidence:      append([]contractx.EvidenceSource(nil), r.evidence...),
		Trail:         append([]State(nil), r.fsm.trail...),
	}
}

func (e *Engine) think(ctx context.Context, r *run, index int, mustConclude bool) (stepOutput, error) {
	payload := e.payload(r, index, mustConclude)
	return retry.DoValue(ctx, e.policy, retry.ScopeModel, func(ctx context.Context) (stepOutput, error) {
		out, err := llmx.InvokeStructured(ctx, e.step, payload)
		if err != nil {
			return stepOutput{}, err
		}
		out.Action = strings.ToLower(strings.TrimSpace(out.Action))
		if mustConclude {
			out.Action = string(contractx.ActionConclude)
		}
		return out, validateStep(out)
	})
}

func validateStep(out stepOutput) error {
	switch contractx.ActionKind(out.Action) {
	case contractx.ActionRetrieve:
		if strings.TrimSpace(out.Query) == "" {
			return fmt.Errorf("%w: retrieve action without query", contractx.ErrSchemaViolation)
		}
	case contractx.ActionTool:
		if strings.TrimSpace(out.Tool) == "" {
			return fmt.Errorf("%w: tool action without tool name", contractx.ErrSchemaViolation)
		}
	case contractx.ActionConclude:
		if strings.TrimSpace(out.Answer) == "" {
			return fmt.Errorf("%w: conclude action without answer", contractx.ErrSchemaViolation)
		}
	default:
		return fmt.Errorf("%w: unsupported action=%q", contractx.ErrSchemaViolation, out.Action)
	}
	return nil
}

// act executes one action. Exhausted retries and unavailable actions yield a
// null observation; only cancellation is returned as an error.
func (e *Engine) act(ctx context.Context, r *run, step stepOutput, obs Observer) (contractx.ReActIteration, error) {
	switch contractx.ActionKind(step.Action) {
	case contractx.ActionRetrieve:
		return e.retrieve(ctx, r, strings.TrimSpace(step.Query))
	default:
		return e.invokeTool(ctx, r, strings.TrimSpace(step.Tool), step.Args, obs)
	}
}

func (e *Engine) retrieve(ctx context.Context, r *run, query string) (contractx.ReActIteration, error) {
	it := contractx.ReActIteration{Action: contractx.ReActAction{Kind: contractx.ActionRetrieve, Query: query}}
	if !r.req.RetrievalEnabled || e.retriever == nil {
		return nullObservation(it, "knowledge retrieval is unavailable for this question"), nil
	}

	found, err := retry.DoValue(ctx, *e.actionPolicy, retry.ScopeRetrieval, func(ctx context.Context) ([]contractx.EvidenceSource, error) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
		return e.retriever.Search(ctx, query, r.req.Filter, e.cfg.RetrievalTopK)
	})
	if err != nil {
		if rec := retry.Classify(retry.ScopeRetrieval, err); rec.Kind == retry.KindCancelled {
			return it, rec
		}
		zerolog.Ctx(ctx).Warn().Err(err).Str("query", query).Msg("retrieval exhausted retries")
		return nullObservation(it, "knowledge retrieval is unavailable: "+kindOf(retry.ScopeRetrieval, err)), nil
	}

	if len(found) == 0 {
		it.Observation = "No matching knowledge was found for this query."
		return it, nil
	}
	it.Evidence = found
	it.EvidenceConfidence = meanSimilarity(found)
	it.Observation = r.describeEvidence(found)
	return it, nil
}

func (e *Engine) invokeTool(ctx context.Context, r *run, name string, args map[string]any, obs Observer) (contractx.ReActIteration, error) {
	it := contractx.ReActIteration{Action: contractx.ReActAction{Kind: contractx.ActionTool, Tool: name, Args: args}}
	notify := func(call ToolCall) {
		if obs.ToolCall != nil {
			obs.ToolCall(call)
		}
	}

	if !r.req.ToolsEnabled || e.tools == nil || !containsString(r.req.Tools, name) {
		notify(ToolCall{Tool: name, Args: args, Null: true, Error: "tool is not available"})
		return nullObservation(it, fmt.Sprintf("tool unavailable: %s is not available to this expert", name)), nil
	}

	started := e.now()
	result, err := retry.DoValue(ctx, *e.actionPolicy, retry.ScopeTool, func(ctx context.Context) (contractx.ToolResult, error) {
		return e.tools.Invoke(ctx, name, args, e.cfg.ActionTimeout)
	})
	elapsed := e.now().Sub(started)
	if err != nil {
		if rec := retry.Classify(retry.ScopeTool, err); rec.Kind == retry.KindCancelled {
			return it, rec
		}
		kind := kindOf(retry.ScopeTool, err)
		zerolog.Ctx(ctx).Warn().Err(err).Str("tool", name).Msg("tool exhausted retries")
		notify(ToolCall{Tool: name, Args: args, Null: true, Error: kind, Duration: elapsed})
		return nullObservation(it, fmt.Sprintf("tool unavailable: %s (%s)", name, kind)), nil
	}

	notify(ToolCall{Tool: name, Args: args, Result: result.Result, Duration: elapsed})

	if kb, ok := result.Result.(toolx.KnowledgeBaseOutput); ok {
		if len(kb.Results) == 0 {
			it.Observation = "No matching knowledge was found for this query."
			return it, nil
		}
		it.Evidence = kb.Results
		it.EvidenceConfidence = meanSimilarity(kb.Results)
		it.Observation = r.describeEvidence(kb.Results)
		return it, nil
	}

	source := contractx.EvidenceSource{
		ID:      fmt.Sprintf("tool:%s:%d", name, len(r.iterations)+1),
		Title:   name,
		Content: truncate(renderResult(result.Result), maxObservationRunes),
		Source:  "tool",
		Level:   contractx.EvidenceUnknown,
	}
	it.Evidence = []contractx.EvidenceSource{source}
	it.EvidenceConfidence = e.cfg.ToolEvidenceConfidence
	it.Observation = fmt.Sprintf("[%d] %s returned %s", r.addEvidence(source), name, source.Content)
	return it, nil
}

func nullObservation(it contractx.ReActIteration, msg string) contractx.ReActIteration {
	it.Null = true
	it.Observation = msg
	it.EvidenceConfidence = 0
	return it
}

// addEvidence registers e and returns its 1-based citation number.
func (r *run) addEvidence(e contractx.EvidenceSource) int {
	if n, ok := r.evidenceAt[e.ID]; ok {
		return n
	}
	r.evidence = append(r.evidence, e)
	n := len(r.evidence)
	r.evidenceAt[e.ID] = n
	return n
}

func (r *run) describeEvidence(found []contractx.EvidenceSource) string {
	var b strings.Builder
	for i, ev := range found {
		if i > 0 {
			b.WriteString("\n")
		}
		n := r.addEvidence(ev)
		fmt.Fprintf(&b, "[%d] %s (level %s): %s", n, ev.Title, ev.Level, truncate(ev.Content, maxObservationRunes/len(found)))
	}
	return b.String()
}

func (e *Engine) payload(r *run, index int, mustConclude bool) map[string]any {
	scratchpad := make([]map[string]any, 0, len(r.iterations))
	for _, it := range r.iterations {
		entry := map[string]any{
			"iteration":   it.Index,
			"thought":     it.Thought,
			"action":      it.Action.Kind,
			"observation": it.Observation,
		}
		if it.Action.Query != "" {
			entry["query"] = it.Action.Query
		}
		if it.Action.Tool != "" {
			entry["tool"] = it.Action.Tool
			entry["args"] = it.Action.Args
		}
		scratchpad = append(scratchpad, entry)
	}

	tools := []string{}
	if r.req.ToolsEnabled && e.tools != nil {
		tools = r.req.Tools
	}
	payload := map[string]any{
		"expert":            r.req.Agent.Name,
		"instructions":      r.req.Agent.Instructions,
		"question":          r.req.Question,
		"findings":          r.req.Findings,
		"available_tools":   tools,
		"retrieval_enabled": r.req.RetrievalEnabled && e.retriever != nil,
		"scratchpad":        scratchpad,
		"iteration":         index,
		"max_iterations":    e.cfg.MaxIterations,
	}
	if r.req.Goal.Restatement != "" {
		payload["goal"] = r.req.Goal.Restatement
	}
	if len(r.req.History) > 0 {
		payload["history"] = r.req.History
	}
	if mustConclude {
		payload["must_conclude"] = true
		payload["instruction"] = "Conclude now with the best answer the scratchpad supports and set action to conclude."
	}
	return payload
}

// runningConfidence is the recency-weighted mean of evidence confidence over
// action iterations: the i-th action weighs i.
func runningConfidence(iterations []contractx.ReActIteration) float64 {
	var sum, weights float64
	w := 0
	for _, it := range iterations {
		if it.Action.Kind == contractx.ActionConclude {
			continue
		}
		w++
		sum += float64(w) * it.EvidenceConfidence
		weights += float64(w)
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func meanSimilarity(found []contractx.EvidenceSource) float64 {
	scores := make([]float64, 0, len(found))
	for _, ev := range found {
		scores = append(scores, ev.Score())
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if len(scores) > evidenceSampleSize {
		scores = scores[:evidenceSampleSize]
	}
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func kindOf(scope retry.Scope, err error) string {
	var rec *retry.Error
	if errors.As(err, &rec) {
		return string(rec.Kind)
	}
	return string(retry.Classify(scope, err).Kind)
}

func renderResult(v any) string {
	switch t := v.(type) {
	case nil:
		return "no output"
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n]) + "…"
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
