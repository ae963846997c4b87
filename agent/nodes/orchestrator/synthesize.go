package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/expert"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// Synthesize cites the merged evidence of every completed sub-question and
// streams one answer to the goal.
func Synthesize(ctx context.Context, in *GraphState, answerer Answerer) (*GraphState, error) {
	if in == nil || in.Plan == nil || in.Tracker == nil || in.Agent == nil {
		return nil, fmt.Errorf("%w: nothing to synthesize", contractx.ErrValidation)
	}
	if answerer == nil {
		return nil, in.fail(retry.ScopeGeneral, fmt.Errorf("%w: answerer is not configured", contractx.ErrConfiguration))
	}
	started := time.Now()
	defer in.Observe(contractx.StageAnswer, started)

	in.status(contractx.StateSynthesizing, "")
	in.number(in.Tracker.Evidence())

	text, err := answerer.Synthesize(ctx, expert.SynthesisRequest{
		Agent:       *in.Agent,
		Goal:        in.Config.Message,
		Restatement: in.Plan.Goal.Restatement,
		Findings:    in.Tracker.Findings(),
		Evidence:    in.Evidence,
		History:     in.History,
		Temperature: in.Config.Temperature,
		MaxTokens:   in.Config.MaxTokens,
	}, in.emitToken)
	if err != nil {
		return nil, in.fail(retry.ScopeModel, err)
	}

	in.Answer = text
	if mean, low, ok := in.Tracker.Confidence(); ok {
		in.Confidence = &mean
		in.LowConfidence = low
	} else {
		in.LowConfidence = true
	}
	return in, nil
}
