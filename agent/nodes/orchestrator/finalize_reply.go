package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// FinalizeReply builds the final answer. It does not emit it: the caller
// owns the terminal chunk.
func FinalizeReply(in *GraphState) (contractx.FinalAnswer, error) {
	if in == nil {
		return contractx.FinalAnswer{}, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	content := strings.TrimSpace(in.Answer)
	if content == "" {
		return contractx.FinalAnswer{}, in.fail(retry.ScopeModel,
			fmt.Errorf("%w: expert returned an empty answer", contractx.ErrSchemaViolation))
	}
	return contractx.FinalAnswer{
		Content:       content,
		Citations:     append([]contractx.Citation(nil), in.Citations...),
		Confidence:    in.Confidence,
		LowConfidence: in.LowConfidence,
		AgentIDs:      in.AgentIDs(),
		Path:          in.Path,
	}, nil
}
