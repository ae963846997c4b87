package contract

import (
	"context"
	"time"
)

// AgentDirectory is the read-only store of expert agents.
// GetAgent returns an error wrapping ErrAgentNotFound for unknown ids.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	SearchCandidates(ctx context.Context, embedding []float64, domainFilter []string, topK int) ([]ScoredAgent, error)
}

// Retriever returns evidence ordered by similarity. Zero results is not an error.
type Retriever interface {
	Search(ctx context.Context, query string, filter RetrievalFilter, topK int) ([]EvidenceSource, error)
}

type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (ToolResult, error)
}

// MetricsSink and AuditLog are fire-and-forget; implementations must not block the caller.
type MetricsSink interface {
	Record(ctx context.Context, rec MetricsRecord)
}

type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord)
}

type Selection struct {
	Candidates     []RankedAgent  `json:"candidates"`
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
}

func (s Selection) Top() (RankedAgent, bool) {
	if len(s.Candidates) == 0 {
		return RankedAgent{}, false
	}
	return s.Candidates[0], true
}

type RankedAgent struct {
	Agent      Agent   `json:"agent"`
	Similarity float64 `json:"similarity"`
	Composite  float64 `json:"composite"`
	Reason     string  `json:"reason,omitempty"`
}

type Classification struct {
	Domains       []string   `json:"domains"`
	Intent        string     `json:"intent"`
	Complexity    Complexity `json:"complexity"`
	RequiredTools []string   `json:"required_tools,omitempty"`
}

// Selector ranks agents for a query. hints restrict the directory search to
// agents carrying one of the tags; options only influence ranking.
type Selector interface {
	Select(ctx context.Context, query string, hints []string, opts ...SelectOption) (Selection, error)
}

type SelectOptions struct {
	// PreferredDomains raise the domain overlap of matching agents. They are
	// never used as a search filter.
	PreferredDomains []string
}

type SelectOption func(*SelectOptions)

func WithPreferredDomains(domains ...string) SelectOption {
	return func(o *SelectOptions) {
		o.PreferredDomains = append(o.PreferredDomains, domains...)
	}
}

func GetSelectOptions(opts ...SelectOption) SelectOptions {
	var o SelectOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

type Planner interface {
	Plan(ctx context.Context, goal string, agent *Agent) (ExecutionPlan, error)
}

// ConversationStore keeps per-session history for follow-up turns.
type ConversationStore interface {
	History(ctx context.Context, sessionID string) ([]Turn, error)
	Append(ctx context.Context, sessionID string, turns ...Turn) error
}
