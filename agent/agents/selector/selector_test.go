package selector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

type fakeModel struct {
	mu      sync.Mutex
	content string
	calls   int
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return schema.AssistantMessage(f.content, nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0, 0}
	}
	return out, nil
}

type fakeDirectory struct {
	hits      []contractx.ScoredAgent
	gotTopK   int
	gotFilter []string
	searchErr error
}

func (f *fakeDirectory) GetAgent(ctx context.Context, id string) (contractx.Agent, error) {
	for _, h := range f.hits {
		if h.Agent.ID == id {
			return h.Agent, nil
		}
	}
	return contractx.Agent{}, contractx.ErrAgentNotFound
}

func (f *fakeDirectory) SearchCandidates(ctx context.Context, embedding []float64, domainFilter []string, topK int) ([]contractx.ScoredAgent, error) {
	f.gotTopK = topK
	f.gotFilter = domainFilter
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

const endocrinologyClassification = `{"domains":["endocrinology"],"intent":"explain a drug mechanism","complexity":"low","required_tools":[]}`

func agent(id string, tags ...string) contractx.Agent {
	return contractx.Agent{ID: id, Name: id, Tags: tags, Tier: contractx.AgentTierCore, Active: true}
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: 2}
}

func newTestSelector(t *testing.T, model *fakeModel, dir *fakeDirectory, cfg Config, opts ...Option) *Selector {
	t.Helper()
	opts = append([]Option{WithPolicy(fastPolicy())}, opts...)
	s, err := New(context.Background(), model, "classify the question", fakeEmbedder{}, dir, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSelectPrefersHigherSimilarityInSameDomain(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{hits: []contractx.ScoredAgent{
		{Agent: agent("endo-b", "endocrinology"), Similarity: 0.78},
		{Agent: agent("endo-a", "endocrinology"), Similarity: 0.91},
	}}
	s := newTestSelector(t, &fakeModel{content: endocrinologyClassification}, dir, Config{})

	sel, err := s.Select(context.Background(), "Explain mechanism of GLP-1 agonists", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(sel.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(sel.Candidates))
	}
	if sel.Candidates[0].Agent.ID != "endo-a" || sel.Candidates[0].Similarity != 0.91 {
		t.Fatalf("unexpected top candidate: %#v", sel.Candidates[0])
	}
	if dir.gotTopK != 6 {
		t.Fatalf("expected over-fetch topK=6, got %d", dir.gotTopK)
	}
	if sel.Classification.Complexity != contractx.ComplexityLow {
		t.Fatalf("unexpected classification: %#v", sel.Classification)
	}
}

func TestSelectDomainOverlapOutranksSlightlyHigherSimilarity(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{hits: []contractx.ScoredAgent{
		{Agent: agent("finance", "finance"), Similarity: 0.82},
		{Agent: agent("endocrinology", "endocrinology"), Similarity: 0.80},
	}}
	s := newTestSelector(t, &fakeModel{content: endocrinologyClassification}, dir, Config{})

	sel, err := s.Select(context.Background(), "How does semaglutide lower glucose?", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Candidates[0].Agent.ID != "endocrinology" {
		t.Fatalf("expected domain match first, got %s", sel.Candidates[0].Agent.ID)
	}
	if sel.Candidates[0].Composite <= sel.Candidates[1].Composite {
		t.Fatalf("expected strictly higher composite: %#v", sel.Candidates)
	}
}

func TestSelectBelowFloorIsEmptyNotError(t *testing.T) {
	t.Parallel()

	inactive := agent("retired", "endocrinology")
	inactive.Active = false
	dir := &fakeDirectory{hits: []contractx.ScoredAgent{
		{Agent: agent("weak", "endocrinology"), Similarity: 0.31},
		{Agent: inactive, Similarity: 0.95},
	}}
	s := newTestSelector(t, &fakeModel{content: endocrinologyClassification}, dir, Config{SimilarityFloor: 0.5})

	sel, err := s.Select(context.Background(), "Explain insulin resistance", []string{"Endocrinology"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if _, ok := sel.Top(); ok {
		t.Fatalf("expected no candidates, got %#v", sel.Candidates)
	}
	if sel.Reason == "" {
		t.Fatal("expected a reason for the empty selection")
	}
	if len(dir.gotFilter) != 1 || dir.gotFilter[0] != "endocrinology" {
		t.Fatalf("unexpected domain filter: %v", dir.gotFilter)
	}
}

func TestSelectClassificationFailureIsRetryableSelectionError(t *testing.T) {
	t.Parallel()

	model := &fakeModel{content: "I think this is about hormones."}
	s := newTestSelector(t, model, &fakeDirectory{}, Config{})

	_, err := s.Select(context.Background(), "Explain GLP-1", nil)
	if !errors.Is(err, contractx.ErrAgentSelection) {
		t.Fatalf("expected ErrAgentSelection, got %v", err)
	}
	rec, ok := retry.As(err)
	if !ok || !rec.Retryable {
		t.Fatalf("expected retryable classified error, got %#v", err)
	}
	if model.calls != 2 {
		t.Fatalf("expected classification to be retried once, got %d calls", model.calls)
	}
}

func TestSelectRejectsUnknownComplexity(t *testing.T) {
	t.Parallel()

	model := &fakeModel{content: `{"domains":["cardiology"],"intent":"x","complexity":"extreme"}`}
	s := newTestSelector(t, model, &fakeDirectory{}, Config{})

	if _, err := s.Select(context.Background(), "angina", nil); !errors.Is(err, contractx.ErrAgentSelection) {
		t.Fatalf("expected ErrAgentSelection, got %v", err)
	}
}

func TestSelectKeepsOnlyAvailableRequiredTools(t *testing.T) {
	t.Parallel()

	model := &fakeModel{content: `{"domains":["pharmacology"],"intent":"dose","complexity":"medium","required_tools":["units.convert","web.browse"]}`}
	dir := &fakeDirectory{hits: []contractx.ScoredAgent{{Agent: agent("pharm", "pharmacology"), Similarity: 0.7}}}
	s := newTestSelector(t, model, dir, Config{}, WithAvailableTools([]string{"units.convert", "math.evaluate"}))

	sel, err := s.Select(context.Background(), "Convert 5 mg/kg for 70 kg", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(sel.Classification.RequiredTools) != 1 || sel.Classification.RequiredTools[0] != "units.convert" {
		t.Fatalf("unexpected required tools: %v", sel.Classification.RequiredTools)
	}
}

func TestSelectEmptyQuery(t *testing.T) {
	t.Parallel()

	s := newTestSelector(t, &fakeModel{content: endocrinologyClassification}, &fakeDirectory{}, Config{})
	if _, err := s.Select(context.Background(), "   ", nil); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRankTieBreaks(t *testing.T) {
	t.Parallel()

	class := contractx.Classification{Domains: []string{"cardiology"}}

	t.Run("equal scores fall back to agent id", func(t *testing.T) {
		t.Parallel()
		ranked := Rank([]contractx.ScoredAgent{
			{Agent: agent("cardio-b", "cardiology"), Similarity: 0.8},
			{Agent: agent("cardio-a", "cardiology"), Similarity: 0.8},
		}, class, nil, Config{})
		if ranked[0].Agent.ID != "cardio-a" || ranked[1].Agent.ID != "cardio-b" {
			t.Fatalf("unexpected order: %s, %s", ranked[0].Agent.ID, ranked[1].Agent.ID)
		}
	})

	t.Run("equal composite falls back to similarity", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Weights: Weights{Domain: 1}, SimilarityFloor: 0.1}
		ranked := Rank([]contractx.ScoredAgent{
			{Agent: agent("a-low", "cardiology"), Similarity: 0.6},
			{Agent: agent("z-high", "cardiology"), Similarity: 0.9},
		}, class, nil, cfg)
		if ranked[0].Composite != ranked[1].Composite {
			t.Fatalf("expected equal composites, got %v and %v", ranked[0].Composite, ranked[1].Composite)
		}
		if ranked[0].Agent.ID != "z-high" {
			t.Fatalf("expected higher similarity first, got %s", ranked[0].Agent.ID)
		}
	})

	t.Run("core preferred over experimental", func(t *testing.T) {
		t.Parallel()
		lab := agent("lab", "cardiology")
		lab.Tier = contractx.AgentTierExperimental
		ranked := Rank([]contractx.ScoredAgent{
			{Agent: lab, Similarity: 0.8},
			{Agent: agent("zz-core", "cardiology"), Similarity: 0.8},
		}, class, nil, Config{})
		if ranked[0].Agent.ID != "zz-core" {
			t.Fatalf("expected core agent first, got %s", ranked[0].Agent.ID)
		}
	})
}

func TestSelectPreferredDomainsRankWithoutFiltering(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{hits: []contractx.ScoredAgent{
		{Agent: agent("finance", "finance"), Similarity: 0.82},
		{Agent: agent("cardiology-expert", "cardiology"), Similarity: 0.80},
	}}
	model := &fakeModel{content: `{"domains":[],"intent":"compare treatments","complexity":"medium","required_tools":[]}`}
	s := newTestSelector(t, model, dir, Config{})

	sel, err := s.Select(context.Background(), "First-line therapy for stable angina?", nil,
		contractx.WithPreferredDomains("Cardiology", "cardiovascular medicine"))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(dir.gotFilter) != 0 {
		t.Fatalf("preferred domains used as search filter: %v", dir.gotFilter)
	}
	if len(sel.Candidates) != 2 || sel.Candidates[0].Agent.ID != "cardiology-expert" {
		t.Fatalf("unexpected ranking: %#v", sel.Candidates)
	}
}

func TestRankKeepsBestDuplicateHit(t *testing.T) {
	t.Parallel()

	class := contractx.Classification{Domains: []string{"cardiology"}}
	ranked := Rank([]contractx.ScoredAgent{
		{Agent: agent("cardio", "cardiology"), Similarity: 0.6},
		{Agent: agent("other", "cardiology"), Similarity: 0.7},
		{Agent: agent("cardio", "cardiology"), Similarity: 0.9},
	}, class, nil, Config{})
	if len(ranked) != 2 {
		t.Fatalf("expected duplicates collapsed, got %#v", ranked)
	}
	if ranked[0].Agent.ID != "cardio" || ranked[0].Similarity != 0.9 {
		t.Fatalf("expected best cardio hit first, got %#v", ranked[0])
	}
}

func TestRankIsSortedAndLimited(t *testing.T) {
	t.Parallel()

	class := contractx.Classification{Domains: []string{"cardiology", "pharmacology"}, RequiredTools: []string{"math.evaluate"}}
	hits := []contractx.ScoredAgent{
		{Agent: agent("a", "cardiology"), Similarity: 0.55},
		{Agent: agent("b", "pharmacology", "cardiology"), Similarity: 0.6},
		{Agent: agent("c"), Similarity: 0.99},
		{Agent: agent("d", "finance"), Similarity: 0.7},
		{Agent: agent("e", "cardiology"), Similarity: 0.9},
	}
	hits[0].Agent.ToolIDs = []string{"math.evaluate"}

	ranked := Rank(hits, class, nil, Config{Limit: 4})
	if len(ranked) != 4 {
		t.Fatalf("expected limit of 4, got %d", len(ranked))
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i-1].Composite < ranked[i].Composite {
			t.Fatalf("not sorted by composite at %d: %#v", i, ranked)
		}
	}
}

func TestConfigClampsOverfetch(t *testing.T) {
	t.Parallel()

	cfg := Config{Limit: 2, Overfetch: 1}.normalized()
	if cfg.Overfetch != 2 {
		t.Fatalf("expected overfetch clamped to 2, got %d", cfg.Overfetch)
	}
	if cfg.Weights != DefaultWeights() {
		t.Fatalf("expected default weights, got %#v", cfg.Weights)
	}
}
