// Package retrieval answers knowledge searches by embedding the query and
// ranking indexed documents against it.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

// Index is the vector lookup the retriever delegates to.
type Index interface {
	NearestDocuments(ctx context.Context, embedding []float64, filter contractx.RetrievalFilter, topK int) ([]contractx.EvidenceSource, error)
}

type Config struct {
	TopK     int           `split_words:"true" default:"5"`
	MinScore float64       `split_words:"true" default:"0.55"`
	Timeout  time.Duration `default:"8s"`
}

type Retriever struct {
	embedder embedding.Embedder
	index    Index
	cfg      Config
}

var _ contractx.Retriever = (*Retriever)(nil)

func New(embedder embedding.Embedder, index Index, cfg Config) (*Retriever, error) {
	if embedder == nil || index == nil {
		return nil, fmt.Errorf("%w: retriever requires an embedder and an index", contractx.ErrConfiguration)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Retriever{embedder: embedder, index: index, cfg: cfg}, nil
}

// Search returns at most topK sources, best first. A zero filter.MinScore
// falls back to the configured floor. Search makes a single attempt; callers
// own the retry budget.
func (r *Retriever) Search(ctx context.Context, query string, filter contractx.RetrievalFilter, topK int) ([]contractx.EvidenceSource, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: retrieval query is empty", contractx.ErrValidation)
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if filter.MinScore <= 0 {
		filter.MinScore = r.cfg.MinScore
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	vectors, err := r.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no vector", contractx.ErrRetrieval)
	}

	sources, err := r.index.NearestDocuments(ctx, vectors[0], filter, topK)
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Debug().
		Int("hits", len(sources)).
		Strs("domains", filter.Domains).
		Float64("min_score", filter.MinScore).
		Msg("retrieval completed")
	return sources, nil
}
