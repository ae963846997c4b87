package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

var _ contractx.AgentDirectory = (*Store)(nil)

func (s *Store) GetAgent(ctx context.Context, id string) (contractx.Agent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return contractx.Agent{}, fmt.Errorf("%w: agent id is required", contractx.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row agentRow
	err := s.db.NewSelect().Model(&row).Where("a.id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return contractx.Agent{}, fmt.Errorf("%w: id=%s", contractx.ErrAgentNotFound, id)
	}
	if err != nil {
		return contractx.Agent{}, fmt.Errorf("%w: get agent %s: %w", contractx.ErrDatastore, id, err)
	}
	return row.toAgent(), nil
}

// SearchCandidates ranks active agents by cosine similarity to embedding.
// Agents with no tag in domainFilter are skipped when the filter is set.
func (s *Store) SearchCandidates(ctx context.Context, embedding []float64, domainFilter []string, topK int) ([]contractx.ScoredAgent, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is empty", contractx.ErrValidation)
	}
	if topK <= 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []agentRow
	if err := s.db.NewSelect().Model(&rows).Where("a.active = ?", true).Scan(ctx); err != nil {
		return nil, fmt.Errorf("%w: list agents: %w", contractx.ErrDatastore, err)
	}

	out := make([]contractx.ScoredAgent, 0, len(rows))
	for _, row := range rows {
		if !overlaps(row.Tags, domainFilter) {
			continue
		}
		out = append(out, contractx.ScoredAgent{
			Agent:      row.toAgent(),
			Similarity: cosine(embedding, row.Embedding),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// UpsertAgent inserts or replaces an agent together with its profile embedding.
func (s *Store) UpsertAgent(ctx context.Context, agent contractx.Agent, embedding []float64) error {
	if strings.TrimSpace(agent.ID) == "" || strings.TrimSpace(agent.Name) == "" {
		return fmt.Errorf("%w: agent id and name are required", contractx.ErrValidation)
	}
	tier := agent.Tier
	if tier == "" {
		tier = contractx.AgentTierCore
	}
	row := &agentRow{
		ID:           agent.ID,
		Name:         agent.Name,
		Tags:         agent.Tags,
		ToolIDs:      agent.ToolIDs,
		Instructions: agent.Instructions,
		Tier:         string(tier),
		Active:       agent.Active,
		Embedding:    embedding,
		UpdatedAt:    s.now().UTC(),
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("tags = EXCLUDED.tags").
		Set("tool_ids = EXCLUDED.tool_ids").
		Set("instructions = EXCLUDED.instructions").
		Set("tier = EXCLUDED.tier").
		Set("active = EXCLUDED.active").
		Set("embedding = EXCLUDED.embedding").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: upsert agent %s: %w", contractx.ErrDatastore, agent.ID, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context) ([]contractx.Agent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []agentRow
	if err := s.db.NewSelect().Model(&rows).Order("a.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("%w: list agents: %w", contractx.ErrDatastore, err)
	}
	out := make([]contractx.Agent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toAgent())
	}
	return out, nil
}
