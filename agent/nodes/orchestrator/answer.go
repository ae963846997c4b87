package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/expert"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// Answer streams the single-shot answer of the resolved agent.
func Answer(ctx context.Context, in *GraphState, answerer Answerer) (*GraphState, error) {
	if in == nil || in.Agent == nil {
		return nil, fmt.Errorf("%w: agent is not resolved", contractx.ErrValidation)
	}
	if answerer == nil {
		return nil, in.fail(retry.ScopeGeneral, fmt.Errorf("%w: answerer is not configured", contractx.ErrConfiguration))
	}
	started := time.Now()
	defer in.Observe(contractx.StageAnswer, started)

	text, err := answerer.Answer(ctx, expert.AnswerRequest{
		Agent:       *in.Agent,
		Question:    in.Config.Message,
		History:     in.History,
		Evidence:    in.Evidence,
		ToolResults: in.ToolResults,
		Temperature: in.Config.Temperature,
		MaxTokens:   in.Config.MaxTokens,
	}, in.emitToken)
	if err != nil {
		return nil, in.fail(retry.ScopeModel, err)
	}

	in.Answer = text
	if c, ok := evidenceConfidence(in.Evidence); ok {
		in.Confidence = &c
		in.LowConfidence = in.Degraded || c < lowConfidenceFloor
	} else if in.Degraded {
		in.LowConfidence = true
	}
	return in, nil
}

func (s *GraphState) emitToken(text string) {
	if text == "" {
		return
	}
	s.Emitter.Emit(&contractx.TokenChunk{Text: text})
}
