package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// ValidateRequest checks the mode configuration, normalizes it and announces
// the run.
func ValidateRequest(in *GraphState, mode contractx.Mode) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if in.Config.Mode != mode {
		return nil, in.fail(retry.ScopeGeneral,
			fmt.Errorf("%w: mode=%s routed to %s graph", contractx.ErrValidation, in.Config.Mode, mode))
	}
	if err := in.Config.Validate(); err != nil {
		return nil, in.fail(retry.ScopeGeneral, err)
	}

	in.Config.Message = strings.TrimSpace(in.Config.Message)
	in.Config.AgentID = strings.TrimSpace(in.Config.AgentID)
	in.Config.DomainHints = normalizeHints(in.Config.DomainHints)

	in.status(contractx.StateStarted, in.Config.Mode.String())
	return in, nil
}

func normalizeHints(hints []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(hints))
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
