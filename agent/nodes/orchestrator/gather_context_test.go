package orchestratornode

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/embedding"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retrieval"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
	streamx "github.com/tanpawarit/Chative-Expert-Panel/agent/stream"
)

type unreachableEmbedder struct {
	calls atomic.Int32
}

func (e *unreachableEmbedder) EmbedStrings(context.Context, []string, ...embedding.Option) ([][]float64, error) {
	e.calls.Add(1)
	return nil, errors.New("connection reset by peer")
}

type emptyIndex struct{}

func (emptyIndex) NearestDocuments(context.Context, []float64, contractx.RetrievalFilter, int) ([]contractx.EvidenceSource, error) {
	return nil, nil
}

func TestGatherContextSpendsOneRetryBudget(t *testing.T) {
	emb := &unreachableEmbedder{}
	retriever, err := retrieval.New(emb, emptyIndex{}, retrieval.Config{})
	if err != nil {
		t.Fatalf("retrieval.New() error = %v", err)
	}

	ctx := context.Background()
	emitter := streamx.New(ctx, "run-1")
	in := NewGraphState("run-1", contractx.ModeConfig{
		Mode:             contractx.ModeManualSingleShot,
		AgentID:          "cardiology-expert",
		Message:          "First-line treatment for stable angina?",
		RetrievalEnabled: true,
	}, emitter, time.Now())
	in.Agent = &contractx.Agent{ID: "cardiology-expert", Tags: []string{"cardiology"}, Active: true}

	out, err := GatherContext(ctx, in, Deps{
		Retriever: retriever,
		Settings: Settings{Policy: retry.Policy{
			InitialDelay: time.Millisecond,
			Multiplier:   1,
			MaxDelay:     time.Millisecond,
			MaxAttempts:  3,
		}},
	})
	if err != nil {
		t.Fatalf("GatherContext() error = %v", err)
	}
	if got := emb.calls.Load(); got != 3 {
		t.Fatalf("embedder calls = %d, want 3", got)
	}
	if !out.Degraded || out.Path != contractx.PathRetrieval {
		t.Fatalf("degraded=%v path=%s", out.Degraded, out.Path)
	}

	emitter.Close(nil)
	degraded := false
	for _, c := range streamx.Collect(emitter.Chunks()) {
		if s, ok := c.(*contractx.StatusChunk); ok && s.State == contractx.StateDegraded {
			degraded = true
		}
	}
	if !degraded {
		t.Fatal("missing degraded status")
	}
}
