package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

//go:embed seed/panel.json
var defaultSeedRaw []byte

type SeedDocument struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id,omitempty"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Source   string   `json:"source"`
	Domains  []string `json:"domains"`
}

type SeedData struct {
	Agents    []contractx.Agent `json:"agents"`
	Documents []SeedDocument    `json:"documents"`
}

// DefaultSeed returns the bundled demo panel.
func DefaultSeed() (SeedData, error) {
	var data SeedData
	if err := json.Unmarshal(defaultSeedRaw, &data); err != nil {
		return SeedData{}, fmt.Errorf("%w: decode seed: %w", contractx.ErrConfiguration, err)
	}
	return data, nil
}

// AgentProfile is the text embedded for directory search.
func AgentProfile(a contractx.Agent) string {
	parts := []string{a.Name}
	if len(a.Tags) > 0 {
		parts = append(parts, "Domains: "+strings.Join(a.Tags, ", "))
	}
	if a.Instructions != "" {
		parts = append(parts, a.Instructions)
	}
	return strings.Join(parts, ". ")
}

// Seed embeds and upserts every agent and document in data.
func (s *Store) Seed(ctx context.Context, embedder embedding.Embedder, data SeedData) error {
	if embedder == nil {
		return fmt.Errorf("%w: embedder is required to seed", contractx.ErrConfiguration)
	}
	logger := zerolog.Ctx(ctx)

	if len(data.Agents) > 0 {
		texts := make([]string, len(data.Agents))
		for i, a := range data.Agents {
			texts[i] = AgentProfile(a)
		}
		vectors, err := embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: embed agent profiles: %w", contractx.ErrRetrieval, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("%w: embedder returned %d vectors for %d agents", contractx.ErrRetrieval, len(vectors), len(texts))
		}
		for i, a := range data.Agents {
			if err := s.UpsertAgent(ctx, a, vectors[i]); err != nil {
				return err
			}
		}
		logger.Info().Int("agents", len(data.Agents)).Msg("agent directory seeded")
	}

	if len(data.Documents) > 0 {
		texts := make([]string, len(data.Documents))
		for i, d := range data.Documents {
			texts[i] = d.Title + "\n" + d.Content
		}
		vectors, err := embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: embed documents: %w", contractx.ErrRetrieval, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("%w: embedder returned %d vectors for %d documents", contractx.ErrRetrieval, len(vectors), len(texts))
		}
		for i, d := range data.Documents {
			doc := Document{
				ID:       d.ID,
				TenantID: d.TenantID,
				Title:    d.Title,
				Content:  d.Content,
				Source:   d.Source,
				Domains:  d.Domains,
			}
			if err := s.UpsertDocument(ctx, doc, vectors[i]); err != nil {
				return err
			}
		}
		logger.Info().Int("documents", len(data.Documents)).Msg("knowledge index seeded")
	}
	return nil
}
