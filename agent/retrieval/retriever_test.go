package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

type stubEmbedder struct {
	failures int32
	calls    atomic.Int32
}

func (s *stubEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return nil, errors.New("connection reset")
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

type stubIndex struct {
	got     contractx.RetrievalFilter
	gotTopK int
	sources []contractx.EvidenceSource
}

func (s *stubIndex) NearestDocuments(_ context.Context, _ []float64, filter contractx.RetrievalFilter, topK int) ([]contractx.EvidenceSource, error) {
	s.got = filter
	s.gotTopK = topK
	return s.sources, nil
}

func TestSearchAppliesDefaults(t *testing.T) {
	idx := &stubIndex{sources: []contractx.EvidenceSource{contractx.NewScoredEvidence("d1", "t", "c", "s", 0.9)}}
	r, err := New(&stubEmbedder{}, idx, Config{TopK: 4, MinScore: 0.6})
	require.NoError(t, err)

	got, err := r.Search(context.Background(), "what is af?", contractx.RetrievalFilter{Domains: []string{"cardiology"}}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, contractx.EvidenceA, got[0].Level)
	assert.Equal(t, 4, idx.gotTopK)
	assert.InDelta(t, 0.6, idx.got.MinScore, 1e-9)
	assert.Equal(t, []string{"cardiology"}, idx.got.Domains)
}

func TestSearchMakesSingleAttempt(t *testing.T) {
	emb := &stubEmbedder{failures: 1}
	r, err := New(emb, &stubIndex{}, Config{})
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "q", contractx.RetrievalFilter{}, 3)
	require.Error(t, err)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.True(t, retry.Classify(retry.ScopeRetrieval, err).Retryable)

	got, err := r.Search(context.Background(), "q", contractx.RetrievalFilter{}, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(2), emb.calls.Load())
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	r, err := New(&stubEmbedder{}, &stubIndex{}, Config{})
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "   ", contractx.RetrievalFilter{}, 3)
	assert.ErrorIs(t, err, contractx.ErrValidation)
	assert.Equal(t, retry.KindValidation, retry.Classify(retry.ScopeRetrieval, err).Kind)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, &stubIndex{}, Config{})
	assert.ErrorIs(t, err, contractx.ErrConfiguration)
}
