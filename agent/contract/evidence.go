package contract

import "sort"

type EvidenceLevel string

const (
	EvidenceA       EvidenceLevel = "A"
	EvidenceB       EvidenceLevel = "B"
	EvidenceC       EvidenceLevel = "C"
	EvidenceD       EvidenceLevel = "D"
	EvidenceUnknown EvidenceLevel = "unknown"
)

// Similarity thresholds for evidence levels. The mapping is monotonic.
const (
	levelAThreshold = 0.85
	levelBThreshold = 0.70
	levelCThreshold = 0.55
)

func LevelForSimilarity(similarity float64) EvidenceLevel {
	switch {
	case similarity >= levelAThreshold:
		return EvidenceA
	case similarity >= levelBThreshold:
		return EvidenceB
	case similarity >= levelCThreshold:
		return EvidenceC
	default:
		return EvidenceD
	}
}

// EvidenceSource is a retrieved chunk or tool output backing a claim.
// Similarity is nil for sources without a retrieval score.
type EvidenceSource struct {
	ID         string        `json:"id"`
	Title      string        `json:"title,omitempty"`
	Content    string        `json:"content"`
	Source     string        `json:"source,omitempty"`
	Similarity *float64      `json:"similarity,omitempty"`
	Level      EvidenceLevel `json:"level"`
}

func NewScoredEvidence(id, title, content, source string, similarity float64) EvidenceSource {
	s := similarity
	return EvidenceSource{
		ID:         id,
		Title:      title,
		Content:    content,
		Source:     source,
		Similarity: &s,
		Level:      LevelForSimilarity(similarity),
	}
}

func (e EvidenceSource) Score() float64 {
	if e.Similarity == nil {
		return 0
	}
	return *e.Similarity
}

type Citation struct {
	Index      int           `json:"index"`
	SourceID   string        `json:"source_id"`
	Title      string        `json:"title,omitempty"`
	Source     string        `json:"source,omitempty"`
	Snippet    string        `json:"snippet,omitempty"`
	Similarity *float64      `json:"similarity,omitempty"`
	Level      EvidenceLevel `json:"level"`
}

const maxSnippetRunes = 280

func CitationFor(index int, e EvidenceSource) Citation {
	snippet := []rune(e.Content)
	if len(snippet) > maxSnippetRunes {
		snippet = append(snippet[:maxSnippetRunes], '…')
	}
	return Citation{
		Index:      index,
		SourceID:   e.ID,
		Title:      e.Title,
		Source:     e.Source,
		Snippet:    string(snippet),
		Similarity: e.Similarity,
		Level:      e.Level,
	}
}

// MergeEvidence deduplicates by source id keeping the highest score, ordered
// by score descending then id.
func MergeEvidence(groups ...[]EvidenceSource) []EvidenceSource {
	byID := make(map[string]EvidenceSource)
	for _, group := range groups {
		for _, e := range group {
			prev, ok := byID[e.ID]
			if !ok || e.Score() > prev.Score() {
				byID[e.ID] = e
			}
		}
	}
	out := make([]EvidenceSource, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].ID < out[j].ID
	})
	return out
}
