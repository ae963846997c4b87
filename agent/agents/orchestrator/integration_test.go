package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/selector"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retrieval"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/store"
	streamx "github.com/tanpawarit/Chative-Expert-Panel/agent/stream"
)

// topicEmbedder maps text onto two axes: heart and sugar.
type topicEmbedder struct{}

func (topicEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		v := []float64{0.01, 0.01}
		if strings.Contains(lower, "cardio") || strings.Contains(lower, "heart") || strings.Contains(lower, "angina") {
			v[0] = 1
		}
		if strings.Contains(lower, "diabetes") || strings.Contains(lower, "glucose") {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

type classifierModel struct {
	content string
}

func (m classifierModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.content, nil), nil
}

func (m classifierModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("classifier does not stream")
}

// retrievingReasoner answers each sub-question from the real retriever
// using the filter the orchestrator built.
type retrievingReasoner struct {
	retriever contractx.Retriever

	mu      sync.Mutex
	filters []contractx.RetrievalFilter
}

func (r *retrievingReasoner) Run(ctx context.Context, req react.Request, obs react.Observer) (react.Result, error) {
	r.mu.Lock()
	r.filters = append(r.filters, req.Filter)
	r.mu.Unlock()

	found, err := r.retriever.Search(ctx, req.Question, req.Filter, 3)
	if err != nil {
		return react.Result{State: react.StateFailed}, err
	}
	it := contractx.ReActIteration{
		Index:    1,
		Thought:  "Search the knowledge base.",
		Action:   contractx.ReActAction{Kind: contractx.ActionRetrieve, Query: req.Question},
		Evidence: found,
	}
	if obs.Iteration != nil {
		obs.Iteration(it)
	}
	if len(found) == 0 {
		return react.Result{State: react.StateFailed, Iterations: []contractx.ReActIteration{it}},
			retry.New(retry.KindRetrievalNoResults, errors.New("no evidence"))
	}
	return react.Result{
		State:      react.StateConcluded,
		Answer:     found[0].Content,
		Confidence: found[0].Score(),
		StopReason: react.StopThreshold,
		Iterations: []contractx.ReActIteration{it},
		Evidence:   found,
	}, nil
}

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "panel.db"),
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	err = st.Seed(ctx, topicEmbedder{}, store.SeedData{
		Agents: []contractx.Agent{
			{ID: "cardiology-expert", Name: "Cardiology Expert", Tags: []string{"cardiology"}, Instructions: "Answer heart questions.", Tier: contractx.AgentTierCore, Active: true},
			{ID: "diabetes-general", Name: "Diabetes Expert", Tags: []string{"diabetes"}, Instructions: "Answer glucose questions.", Tier: contractx.AgentTierCore, Active: true},
		},
		Documents: []store.SeedDocument{
			{ID: "angina-bb", Title: "Beta blockers in angina", Content: "Beta blockers lower heart rate and relieve angina.", Source: "guideline", Domains: []string{"cardiology"}},
			{ID: "angina-ntg", Title: "Nitrates for angina", Content: "Sublingual nitroglycerin relieves acute angina attacks.", Source: "guideline", Domains: []string{"cardiology"}},
			{ID: "metformin", Title: "Metformin", Content: "Metformin lowers glucose in type 2 diabetes.", Source: "guideline", Domains: []string{"diabetes"}},
		},
	})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	return st
}

func TestAutonomousRunAgainstSeededStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		goalDomain string
		q1Domain   string
		q2Domain   string
	}{
		{name: "homogeneous plan", goalDomain: "cardiovascular medicine", q1Domain: "cardiovascular medicine", q2Domain: "cardiovascular medicine"},
		{name: "per-phase selection", goalDomain: "cardiovascular medicine", q1Domain: "heart rhythm care", q2Domain: "angina management"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := seededStore(t)
			ctx := context.Background()
			policy := retry.Policy{InitialDelay: 1, Multiplier: 1, MaxDelay: 1, MaxAttempts: 2}

			sel, err := selector.New(ctx,
				classifierModel{content: `{"domains":["cardiology"],"intent":"treat angina","complexity":"high","required_tools":[]}`},
				"classify the question", topicEmbedder{}, st,
				selector.Config{SimilarityFloor: 0.5}, selector.WithPolicy(policy))
			if err != nil {
				t.Fatalf("selector.New() error = %v", err)
			}
			retriever, err := retrieval.New(topicEmbedder{}, st, retrieval.Config{MinScore: 0.5})
			if err != nil {
				t.Fatalf("retrieval.New() error = %v", err)
			}

			h := newHarness()
			h.planner.plan = contractx.ExecutionPlan{
				Goal: contractx.GoalUnderstanding{Restatement: "Relieve stable angina", Domain: tc.goalDomain, Complexity: contractx.ComplexityHigh},
				SubQuestions: []contractx.CoTSubQuestion{
					{ID: "q1", Question: "Which drugs lower heart rate in angina?", Domain: tc.q1Domain},
					{ID: "q2", Question: "What relieves an acute angina attack?", Domain: tc.q2Domain, DependsOn: []string{"q1"}},
				},
				Phases: []contractx.ExecutionPhase{
					{ID: "phase-0", SubQuestionIDs: []string{"q1"}},
					{ID: "phase-1", Index: 1, SubQuestionIDs: []string{"q2"}},
				},
			}
			reasoner := &retrievingReasoner{retriever: retriever}
			h.deps.Directory = st
			h.deps.Selector = sel
			h.deps.Retriever = retriever
			h.deps.Reasoner = reasoner
			s := h.service(t)

			chunks := streamx.Collect(s.Stream(ctx, contractx.ModeConfig{
				Mode:             contractx.ModeAutonomousAutomatic,
				Message:          "How should stable angina be treated?",
				RetrievalEnabled: true,
			}))
			answer := finalOf(t, chunks)

			for _, id := range answer.AgentIDs {
				if id != "cardiology-expert" {
					t.Fatalf("agent ids = %v", answer.AgentIDs)
				}
			}
			if len(answer.Citations) != 2 {
				t.Fatalf("citations = %#v", answer.Citations)
			}
			reasoner.mu.Lock()
			defer reasoner.mu.Unlock()
			if len(reasoner.filters) != 2 {
				t.Fatalf("reasoner runs = %d", len(reasoner.filters))
			}
			for _, f := range reasoner.filters {
				if len(f.Domains) != 1 || f.Domains[0] != "cardiology" {
					t.Fatalf("retrieval filter = %#v", f)
				}
			}
		})
	}
}
