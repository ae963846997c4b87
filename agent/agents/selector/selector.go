// Package selector picks the experts best suited to a question: an LLM
// classifies the query, the directory returns embedding neighbours and a
// composite score re-ranks them.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	llmx "github.com/tanpawarit/Chative-Expert-Panel/agent/llm"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
)

const minOverfetch = 2

type Weights struct {
	Similarity float64 `default:"0.6"`
	Domain     float64 `default:"0.2"`
	Tier       float64 `default:"0.1"`
	Capability float64 `default:"0.1"`
}

func DefaultWeights() Weights {
	return Weights{Similarity: 0.6, Domain: 0.2, Tier: 0.1, Capability: 0.1}
}

func (w Weights) zero() bool {
	return w.Similarity == 0 && w.Domain == 0 && w.Tier == 0 && w.Capability == 0
}

type Config struct {
	Limit           int     `default:"3"`
	Overfetch       int     `default:"2"`
	SimilarityFloor float64 `split_words:"true" default:"0.5"`
	Weights         Weights
}

func (c Config) normalized() Config {
	if c.Limit <= 0 {
		c.Limit = 3
	}
	if c.Overfetch < minOverfetch {
		c.Overfetch = minOverfetch
	}
	if c.SimilarityFloor < 0 {
		c.SimilarityFloor = 0
	}
	if c.Weights.zero() {
		c.Weights = DefaultWeights()
	}
	return c
}

type Option func(*Selector)

func WithPolicy(p retry.Policy) Option {
	return func(s *Selector) { s.policy = p }
}

// WithAvailableTools lists the tool names the classifier may name as required.
func WithAvailableTools(names []string) Option {
	return func(s *Selector) { s.tools = append([]string(nil), names...) }
}

type classifierOutput struct {
	Domains       []string `json:"domains"`
	Intent        string   `json:"intent"`
	Complexity    string   `json:"complexity"`
	RequiredTools []string `json:"required_tools"`
}

type Selector struct {
	classifier compose.Runnable[map[string]any, classifierOutput]
	embedder   embedding.Embedder
	directory  contractx.AgentDirectory
	tools      []string
	cfg        Config
	policy     retry.Policy
}

var _ contractx.Selector = (*Selector)(nil)

func New(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	embedder embedding.Embedder,
	directory contractx.AgentDirectory,
	cfg Config,
	opts ...Option,
) (*Selector, error) {
	if chatModel == nil || embedder == nil || directory == nil {
		return nil, fmt.Errorf("%w: selector needs a model, an embedder and a directory", contractx.ErrConfiguration)
	}
	runner, err := llmx.CompileStructured[classifierOutput](ctx, chatModel, systemPrompt, "selector.classify")
	if err != nil {
		return nil, err
	}
	s := &Selector{
		classifier: runner,
		embedder:   embedder,
		directory:  directory,
		cfg:        cfg.normalized(),
		policy:     retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Select returns candidates ordered by composite score. Only hints filter
// the directory search; preferred domains feed the classifier and the
// domain overlap. An empty candidate list with a Reason is a valid outcome;
// errors are *retry.Error values wrapping ErrAgentSelection.
func (s *Selector) Select(ctx context.Context, query string, hints []string, opts ...contractx.SelectOption) (sel contractx.Selection, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return contractx.Selection{}, retry.New(retry.KindValidation, fmt.Errorf("%w: query is required", contractx.ErrValidation))
	}
	hints = normalizeTags(hints)
	preferred := normalizeTags(contractx.GetSelectOptions(opts...).PreferredDomains)

	ctx, span := telemetry.StartSpan(ctx, "selector.select", attribute.Int("selector.hints", len(hints)))
	defer func() { telemetry.EndSpan(span, err) }()

	class, err := s.classify(ctx, query, hints, preferred)
	if err != nil {
		return contractx.Selection{}, selectionError("classify query", err)
	}
	sel.Classification = class

	vectors, err := retry.DoValue(ctx, s.policy, retry.ScopeRetrieval, func(ctx context.Context) ([][]float64, error) {
		return s.embedder.EmbedStrings(ctx, []string{query})
	})
	if err != nil {
		return contractx.Selection{}, selectionError("embed query", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return contractx.Selection{}, selectionError("embed query", fmt.Errorf("%w: embedder returned %d vectors", contractx.ErrRetrieval, len(vectors)))
	}

	topK := s.cfg.Limit * s.cfg.Overfetch
	found, err := retry.DoValue(ctx, s.policy, retry.ScopeDatastore, func(ctx context.Context) ([]contractx.ScoredAgent, error) {
		return s.directory.SearchCandidates(ctx, vectors[0], hints, topK)
	})
	if err != nil {
		return contractx.Selection{}, selectionError("search candidates", err)
	}

	sel.Candidates = Rank(found, class, append(append([]string(nil), hints...), preferred...), s.cfg)
	span.SetAttributes(attribute.Int("selector.fetched", len(found)), attribute.Int("selector.ranked", len(sel.Candidates)))

	if len(sel.Candidates) == 0 {
		sel.Reason = fmt.Sprintf("no active agent reached the similarity floor of %.2f among %d candidates", s.cfg.SimilarityFloor, len(found))
	} else {
		top := sel.Candidates[0]
		sel.Reason = fmt.Sprintf("%s ranked first: %s", top.Agent.Name, top.Reason)
	}

	zerolog.Ctx(ctx).Debug().
		Strs("domains", class.Domains).
		Strs("preferred", preferred).
		Str("complexity", string(class.Complexity)).
		Int("fetched", len(found)).
		Int("ranked", len(sel.Candidates)).
		Msg("agent selection finished")
	return sel, nil
}

func (s *Selector) classify(ctx context.Context, query string, hints, preferred []string) (contractx.Classification, error) {
	payload := map[string]any{
		"question":          query,
		"domain_hints":      hints,
		"preferred_domains": preferred,
		"available_tools":   s.tools,
	}
	out, err := retry.DoValue(ctx, s.policy, retry.ScopeModel, func(ctx context.Context) (classifierOutput, error) {
		out, err := llmx.InvokeStructured(ctx, s.classifier, payload)
		if err != nil {
			return classifierOutput{}, err
		}
		return out, validateClassification(out)
	})
	if err != nil {
		return contractx.Classification{}, err
	}

	class := contractx.Classification{
		Domains:    normalizeTags(out.Domains),
		Intent:     strings.TrimSpace(out.Intent),
		Complexity: contractx.Complexity(strings.ToLower(strings.TrimSpace(out.Complexity))),
	}
	allowed := make(map[string]struct{}, len(s.tools))
	for _, name := range s.tools {
		allowed[name] = struct{}{}
	}
	for _, name := range out.RequiredTools {
		name = strings.TrimSpace(name)
		if _, ok := allowed[name]; ok {
			class.RequiredTools = append(class.RequiredTools, name)
		}
	}
	return class, nil
}

func validateClassification(out classifierOutput) error {
	if strings.TrimSpace(out.Intent) == "" {
		return fmt.Errorf("%w: classification intent is empty", contractx.ErrSchemaViolation)
	}
	if !contractx.Complexity(strings.ToLower(strings.TrimSpace(out.Complexity))).Valid() {
		return fmt.Errorf("%w: unsupported complexity=%q", contractx.ErrSchemaViolation, out.Complexity)
	}
	return nil
}

func selectionError(step string, err error) error {
	rec := retry.Classify(retry.ScopeGeneral, err)
	if rec.Kind == retry.KindCancelled {
		return rec
	}
	out := retry.New(rec.Kind, fmt.Errorf("%w: %s: %w", contractx.ErrAgentSelection, step, err))
	out.Retryable = true
	out.Metadata = rec.Metadata
	return out.With("step", step)
}

// Rank filters and orders directory hits. Inactive agents and hits below the
// similarity floor are dropped; the rest are sorted by composite score, then
// similarity, then agent id, and truncated to the configured limit.
func Rank(found []contractx.ScoredAgent, class contractx.Classification, hints []string, cfg Config) []contractx.RankedAgent {
	cfg = cfg.normalized()
	domains := normalizeTags(append(append([]string(nil), class.Domains...), hints...))

	ranked := make([]contractx.RankedAgent, 0, len(found))
	for _, hit := range bestHits(found) {
		if !hit.Agent.Active || hit.Similarity < cfg.SimilarityFloor {
			continue
		}

		domain := overlapRatio(normalizeTags(hit.Agent.Tags), domains)
		tier := tierScore(hit.Agent.Tier)
		matched, capability := capabilityMatch(hit.Agent.ToolIDs, class.RequiredTools)

		w := cfg.Weights
		composite := w.Similarity*hit.Similarity + w.Domain*domain + w.Tier*tier + w.Capability*capability
		ranked = append(ranked, contractx.RankedAgent{
			Agent:      hit.Agent,
			Similarity: hit.Similarity,
			Composite:  composite,
			Reason: fmt.Sprintf("similarity %.2f, domain overlap %.2f, %s tier, %d/%d required tools",
				hit.Similarity, domain, tierName(hit.Agent.Tier), matched, len(class.RequiredTools)),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Agent.ID < b.Agent.ID
	})

	if len(ranked) > cfg.Limit {
		ranked = ranked[:cfg.Limit]
	}
	return ranked
}

// bestHits keeps the highest-similarity hit per agent, in first-seen order.
func bestHits(found []contractx.ScoredAgent) []contractx.ScoredAgent {
	out := make([]contractx.ScoredAgent, 0, len(found))
	index := make(map[string]int, len(found))
	for _, hit := range found {
		if i, dup := index[hit.Agent.ID]; dup {
			if hit.Similarity > out[i].Similarity {
				out[i] = hit
			}
			continue
		}
		index[hit.Agent.ID] = len(out)
		out = append(out, hit)
	}
	return out
}

// overlapRatio is the share of want covered by have.
func overlapRatio(have, want []string) float64 {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	hits := 0
	for _, w := range want {
		if _, ok := set[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func capabilityMatch(toolIDs, required []string) (int, float64) {
	if len(required) == 0 {
		return 0, 0
	}
	set := make(map[string]struct{}, len(toolIDs))
	for _, id := range toolIDs {
		set[id] = struct{}{}
	}
	matched := 0
	for _, r := range required {
		if _, ok := set[r]; ok {
			matched++
		}
	}
	return matched, float64(matched) / float64(len(required))
}

func tierScore(t contractx.AgentTier) float64 {
	switch t {
	case contractx.AgentTierCore, "":
		return 1
	default:
		return 0
	}
}

func tierName(t contractx.AgentTier) string {
	if t == "" {
		return string(contractx.AgentTierCore)
	}
	return string(t)
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
