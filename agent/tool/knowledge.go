package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

const knowledgeBaseDefaultTopK = 3

type KnowledgeBaseOutput struct {
	Query   string                     `json:"query"`
	Results []contractx.EvidenceSource `json:"results"`
}

// KnowledgeBaseSpec exposes retrieval as a callable tool so the ReAct loop
// can search with its own follow-up queries.
func KnowledgeBaseSpec(retriever contractx.Retriever) Spec {
	return Spec{
		Name: ToolKnowledgeBase,
		Desc: "Search the knowledge base and return evidence snippets with similarity scores.",
		Params: map[string]*schema.ParameterInfo{
			"query":  {Type: schema.String, Desc: "Search query", Required: true},
			"domain": {Type: schema.String, Desc: "Optional domain to restrict the search"},
			"top_k":  {Type: schema.Integer, Desc: "Maximum results, default 3"},
		},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("query is empty")
			}
			filter := contractx.RetrievalFilter{}
			if domain, ok := args["domain"].(string); ok && strings.TrimSpace(domain) != "" {
				filter.Domains = []string{domain}
			}
			topK := knowledgeBaseDefaultTopK
			if _, ok := args["top_k"]; ok {
				if n, err := numberArg(args, "top_k"); err == nil && n >= 1 {
					topK = int(n)
				}
			}
			results, err := retriever.Search(ctx, query, filter, topK)
			if err != nil {
				return nil, err
			}
			return KnowledgeBaseOutput{Query: query, Results: results}, nil
		},
	}
}
