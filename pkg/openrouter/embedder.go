package openrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	openaisdk "github.com/openai/openai-go"
)

// Embedder calls an OpenAI-compatible /embeddings endpoint.
type Embedder struct {
	client     *openaisdk.Client
	model      string
	dimensions int64
	batchSize  int
}

var _ embedding.Embedder = (*Embedder)(nil)

type EmbedderOption func(*Embedder)

func WithDimensions(n int64) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.dimensions = n
		}
	}
}

func WithBatchSize(n int) EmbedderOption {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func NewEmbedder(client *openaisdk.Client, modelName string, opts ...EmbedderOption) (*Embedder, error) {
	if client == nil {
		return nil, errors.New("openrouter: embedder client is nil")
	}
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = string(openaisdk.EmbeddingModelTextEmbedding3Small)
	}
	e := &Embedder{client: client, model: modelName, batchSize: 64}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Embedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	params := openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openaisdk.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openaisdk.Int(e.dimensions)
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openrouter: create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openrouter: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	vectors := make([][]float64, len(data))
	for i, d := range data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
