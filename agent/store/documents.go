package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type Document struct {
	ID       string
	TenantID string
	Title    string
	Content  string
	Source   string
	Domains  []string
}

func (s *Store) UpsertDocument(ctx context.Context, doc Document, embedding []float64) error {
	if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.Content) == "" {
		return fmt.Errorf("%w: document id and content are required", contractx.ErrValidation)
	}
	row := &documentRow{
		ID:        doc.ID,
		TenantID:  doc.TenantID,
		Title:     doc.Title,
		Content:   doc.Content,
		Source:    doc.Source,
		Domains:   doc.Domains,
		Embedding: embedding,
		CreatedAt: s.now().UTC(),
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("tenant_id = EXCLUDED.tenant_id").
		Set("title = EXCLUDED.title").
		Set("content = EXCLUDED.content").
		Set("source = EXCLUDED.source").
		Set("domains = EXCLUDED.domains").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: upsert document %s: %w", contractx.ErrDatastore, doc.ID, err)
	}
	return nil
}

// NearestDocuments returns up to topK documents at or above filter.MinScore,
// ordered by similarity then id. Documents without a tenant are shared.
func (s *Store) NearestDocuments(ctx context.Context, embedding []float64, filter contractx.RetrievalFilter, topK int) ([]contractx.EvidenceSource, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is empty", contractx.ErrValidation)
	}
	if topK <= 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []documentRow
	q := s.db.NewSelect().Model(&rows)
	if tenant := strings.TrimSpace(filter.TenantID); tenant != "" {
		q = q.Where("d.tenant_id IN (?, '')", tenant)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("%w: list documents: %w", contractx.ErrDatastore, err)
	}

	type hit struct {
		row documentRow
		sim float64
	}
	hits := make([]hit, 0, len(rows))
	for _, row := range rows {
		if !overlaps(row.Domains, filter.Domains) {
			continue
		}
		sim := cosine(embedding, row.Embedding)
		if sim < filter.MinScore {
			continue
		}
		hits = append(hits, hit{row: row, sim: sim})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].row.ID < hits[j].row.ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]contractx.EvidenceSource, 0, len(hits))
	for _, h := range hits {
		out = append(out, contractx.NewScoredEvidence(h.row.ID, h.row.Title, h.row.Content, h.row.Source, h.sim))
	}
	return out, nil
}
