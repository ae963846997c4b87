// Package expert produces the user-facing text of a run: the single-shot
// answer of one expert, its tool plan, and the synthesis of autonomous
// findings.
package expert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

const maxEvidenceRunes = 900

// ToolCatalog describes the tools an expert may be offered.
type ToolCatalog interface {
	InfosFor(ids []string) []*schema.ToolInfo
}

type Prompts struct {
	Answer       string
	Synthesis    string
	ToolPlanning string
}

type Option func(*Expert)

func WithPolicy(p retry.Policy) Option {
	return func(x *Expert) { x.policy = p }
}

type Expert struct {
	chatModel einomodel.ToolCallingChatModel
	catalog   ToolCatalog
	prompts   Prompts
	answer    compose.Runnable[map[string]any, *schema.Message]
	synthesis compose.Runnable[map[string]any, *schema.Message]
	policy    retry.Policy

	mu       sync.Mutex
	planners map[string]compose.Runnable[map[string]any, *schema.Message]
}

func New(ctx context.Context, chatModel einomodel.ToolCallingChatModel, catalog ToolCatalog, prompts Prompts, opts ...Option) (*Expert, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("%w: answer model is required", contractx.ErrConfiguration)
	}
	answer, err := compileConversationGraph(ctx, chatModel, prompts.Answer, "expert.answer")
	if err != nil {
		return nil, err
	}
	synthesis, err := compileConversationGraph(ctx, chatModel, prompts.Synthesis, "expert.synthesis")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompts.ToolPlanning) == "" {
		return nil, fmt.Errorf("%w: tool planning prompt", contractx.ErrPromptMissing)
	}

	x := &Expert{
		chatModel: chatModel,
		catalog:   catalog,
		prompts:   prompts,
		answer:    answer,
		synthesis: synthesis,
		policy:    retry.DefaultPolicy(),
		planners:  make(map[string]compose.Runnable[map[string]any, *schema.Message]),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x, nil
}

type AnswerRequest struct {
	Agent       contractx.Agent
	Question    string
	History     []contractx.Turn
	Evidence    []contractx.EvidenceSource
	ToolResults []contractx.ToolResult
	Temperature *float32
	MaxTokens   *int
}

// Answer streams the expert's reply through onToken and returns the full
// text. Opening the stream is retried; a failure after the first token is
// returned as is.
func (x *Expert) Answer(ctx context.Context, req AnswerRequest, onToken func(string)) (string, error) {
	payload := map[string]any{"question": strings.TrimSpace(req.Question)}
	if len(req.Evidence) > 0 {
		payload["evidence"] = numberedEvidence(req.Evidence)
	}
	if len(req.ToolResults) > 0 {
		payload["tool_results"] = req.ToolResults
	}
	return x.stream(ctx, x.answer, req.Agent, req.History, payload, modelOptions(req.Temperature, req.MaxTokens), onToken)
}

type Finding struct {
	SubQuestionID string  `json:"sub_question_id"`
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
	Failed        bool    `json:"failed,omitempty"`
	Skipped       bool    `json:"skipped,omitempty"`
}

type SynthesisRequest struct {
	Agent       contractx.Agent
	Goal        string
	Restatement string
	Findings    []Finding
	Evidence    []contractx.EvidenceSource
	History     []contractx.Turn
	Temperature *float32
	MaxTokens   *int
}

// Synthesize streams one answer to the goal built from the findings.
func (x *Expert) Synthesize(ctx context.Context, req SynthesisRequest, onToken func(string)) (string, error) {
	payload := map[string]any{
		"goal":     strings.TrimSpace(req.Goal),
		"findings": req.Findings,
	}
	if req.Restatement != "" {
		payload["restatement"] = req.Restatement
	}
	if len(req.Evidence) > 0 {
		payload["evidence"] = numberedEvidence(req.Evidence)
	}
	return x.stream(ctx, x.synthesis, req.Agent, req.History, payload, modelOptions(req.Temperature, req.MaxTokens), onToken)
}

func (x *Expert) stream(
	ctx context.Context,
	runner compose.Runnable[map[string]any, *schema.Message],
	agent contractx.Agent,
	history []contractx.Turn,
	payload map[string]any,
	opts []einomodel.Option,
	onToken func(string),
) (string, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal answer payload: %v", contractx.ErrValidation, err)
	}
	vars := map[string]any{
		"instructions": profile(agent),
		"history":      historyMessages(history),
		"input":        string(input),
	}
	var callOpts []compose.Option
	if len(opts) > 0 {
		callOpts = append(callOpts, compose.WithChatModelOption(opts...))
	}

	reader, err := retry.DoValue(ctx, x.policy, retry.ScopeModel, func(ctx context.Context) (*schema.StreamReader[*schema.Message], error) {
		sr, err := runner.Stream(ctx, vars, callOpts...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %w", contractx.ErrModelInvoke, err)
		}
		return sr, nil
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var b strings.Builder
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return b.String(), retry.Classify(retry.ScopeModel, ctx.Err())
			}
			return b.String(), retry.Classify(retry.ScopeModel, fmt.Errorf("%w: stream: %w", contractx.ErrModelInvoke, err))
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		b.WriteString(msg.Content)
		if onToken != nil {
			onToken(msg.Content)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", retry.New(retry.KindModelAPIError, fmt.Errorf("%w: empty answer", contractx.ErrSchemaViolation))
	}
	return text, nil
}

// PlanTools asks the model, bound to the agent's tools, which calls to make.
// It returns nil when the agent has no tools or the model needs none.
func (x *Expert) PlanTools(ctx context.Context, agent contractx.Agent, question string, history []contractx.Turn) ([]contractx.ToolRequest, error) {
	if x.catalog == nil {
		return nil, nil
	}
	infos := x.catalog.InfosFor(agent.ToolIDs)
	if len(infos) == 0 {
		return nil, nil
	}

	runner, err := x.toolPlanner(ctx, infos)
	if err != nil {
		return nil, retry.Classify(retry.ScopeModel, err)
	}

	input, err := json.Marshal(map[string]any{"question": strings.TrimSpace(question)})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal tool planning payload: %v", contractx.ErrValidation, err)
	}
	vars := map[string]any{
		"instructions": profile(agent),
		"history":      historyMessages(history),
		"input":        string(input),
	}

	msg, err := retry.DoValue(ctx, x.policy, retry.ScopeModel, func(ctx context.Context) (*schema.Message, error) {
		msg, err := runner.Invoke(ctx, vars)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: tool planning invoke: %w", contractx.ErrModelInvoke, err)
		}
		if msg == nil {
			return nil, fmt.Errorf("%w: empty tool planning response", contractx.ErrSchemaViolation)
		}
		return msg, nil
	})
	if err != nil {
		return nil, err
	}

	reqs, err := toToolRequests(msg.ToolCalls)
	if err != nil {
		return nil, retry.Classify(retry.ScopeModel, err)
	}

	allowed := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		allowed[info.Name] = struct{}{}
	}
	for _, r := range reqs {
		if _, ok := allowed[r.Tool]; !ok {
			return nil, retry.Classify(retry.ScopeModel,
				fmt.Errorf("%w: tool=%s is not allowed for agent=%s", contractx.ErrSchemaViolation, r.Tool, agent.ID))
		}
	}

	zerolog.Ctx(ctx).Debug().Str("agent_id", agent.ID).Int("tool_requests", len(reqs)).Msg("tool plan ready")
	return reqs, nil
}

// toolPlanner compiles, once per tool set, a graph whose model is bound to
// those tools.
func (x *Expert) toolPlanner(ctx context.Context, infos []*schema.ToolInfo) (compose.Runnable[map[string]any, *schema.Message], error) {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	key := strings.Join(names, ",")

	x.mu.Lock()
	defer x.mu.Unlock()
	if runner, ok := x.planners[key]; ok {
		return runner, nil
	}

	toolModel, err := x.chatModel.WithTools(infos)
	if err != nil {
		return nil, fmt.Errorf("%w: bind tools %s: %v", contractx.ErrModelInvoke, key, err)
	}
	runner, err := compileConversationGraph(ctx, toolModel, x.prompts.ToolPlanning, "expert.tool_planning")
	if err != nil {
		return nil, err
	}
	x.planners[key] = runner
	return runner, nil
}

func toToolRequests(calls []schema.ToolCall) ([]contractx.ToolRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]contractx.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}
		reqs = append(reqs, contractx.ToolRequest{ID: call.ID, Tool: tool, Args: args})
	}
	return reqs, nil
}

func profile(agent contractx.Agent) string {
	var b strings.Builder
	if agent.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", agent.Name)
	}
	if len(agent.Tags) > 0 {
		fmt.Fprintf(&b, "Domains: %s\n", strings.Join(agent.Tags, ", "))
	}
	if s := strings.TrimSpace(agent.Instructions); s != "" {
		b.WriteString(s)
	}
	return strings.TrimSpace(b.String())
}

type numbered struct {
	N       int    `json:"n"`
	Title   string `json:"title,omitempty"`
	Source  string `json:"source,omitempty"`
	Level   string `json:"level"`
	Content string `json:"content"`
}

// numberedEvidence renders evidence with the 1-based numbers used by
// citations.
func numberedEvidence(evidence []contractx.EvidenceSource) []numbered {
	out := make([]numbered, 0, len(evidence))
	for i, e := range evidence {
		content := []rune(strings.TrimSpace(e.Content))
		if len(content) > maxEvidenceRunes {
			content = append(content[:maxEvidenceRunes], '…')
		}
		out = append(out, numbered{
			N:       i + 1,
			Title:   e.Title,
			Source:  e.Source,
			Level:   string(e.Level),
			Content: string(content),
		})
	}
	return out
}

func modelOptions(temperature *float32, maxTokens *int) []einomodel.Option {
	var opts []einomodel.Option
	if temperature != nil {
		opts = append(opts, einomodel.WithTemperature(*temperature))
	}
	if maxTokens != nil {
		opts = append(opts, einomodel.WithMaxTokens(*maxTokens))
	}
	return opts
}
