package orchestratornode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// ResolveAgent loads the caller's agent for the manual modes.
func ResolveAgent(ctx context.Context, in *GraphState, deps Deps) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	started := time.Now()
	defer in.Observe(contractx.StageSelection, started)

	agent, err := lookupAgent(ctx, deps, in.Config.AgentID)
	if err != nil {
		return nil, in.fail(retry.ScopeDatastore, err)
	}
	in.Agent = &agent
	in.UseAgent(agent.ID)
	return in, nil
}

// SelectAgent ranks agents for the question and announces the winner. With
// no candidate it falls back to the default agent when one is configured.
func SelectAgent(ctx context.Context, in *GraphState, deps Deps) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	started := time.Now()
	defer in.Observe(contractx.StageSelection, started)

	in.status(contractx.StateSelecting, "")
	agent, err := chooseAgent(ctx, in, deps, "", in.Config.Message, in.Config.DomainHints)
	if err != nil {
		return nil, in.fail(retry.ScopeGeneral, err)
	}
	in.Agent = &agent
	return in, nil
}

// chooseAgent runs the selector and emits agent_selected scoped to phaseID.
// hints filter the directory search, opts only shape the ranking.
func chooseAgent(ctx context.Context, in *GraphState, deps Deps, phaseID, query string, hints []string, opts ...contractx.SelectOption) (contractx.Agent, error) {
	if deps.Selector == nil {
		return contractx.Agent{}, fmt.Errorf("%w: selector is not configured", contractx.ErrConfiguration)
	}
	sel, err := deps.Selector.Select(ctx, query, hints, opts...)
	if err != nil {
		return contractx.Agent{}, err
	}
	if in.Selection == nil {
		in.Selection = &sel
	}

	if top, ok := sel.Top(); ok {
		in.Emitter.EmitScoped(phaseID, "", &contractx.AgentSelectedChunk{
			AgentID:    top.Agent.ID,
			AgentName:  top.Agent.Name,
			Similarity: top.Similarity,
			Composite:  top.Composite,
			Reason:     top.Reason,
		})
		in.UseAgent(top.Agent.ID)
		return top.Agent, nil
	}

	defaultID := strings.TrimSpace(deps.Settings.DefaultAgentID)
	if defaultID == "" {
		rec := retry.New(retry.KindAgentNotFound,
			fmt.Errorf("%w: no candidate for query: %s", contractx.ErrAgentNotFound, sel.Reason))
		rec.Message = "Automatic selection found no expert matching this question."
		rec.Hint = "Rephrase the question or choose an expert directly."
		return contractx.Agent{}, rec
	}
	agent, err := lookupAgent(ctx, deps, defaultID)
	if err != nil {
		return contractx.Agent{}, err
	}
	zerolog.Ctx(ctx).Info().Str("agent_id", agent.ID).Str("reason", sel.Reason).Msg("using default agent")
	in.Emitter.EmitScoped(phaseID, "", &contractx.AgentSelectedChunk{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Reason:    sel.Reason,
		Fallback:  true,
	})
	in.UseAgent(agent.ID)
	return agent, nil
}

func lookupAgent(ctx context.Context, deps Deps, id string) (contractx.Agent, error) {
	if deps.Directory == nil {
		return contractx.Agent{}, fmt.Errorf("%w: agent directory is not configured", contractx.ErrConfiguration)
	}
	agent, err := retry.DoValue(ctx, deps.Settings.Policy, retry.ScopeDatastore, func(ctx context.Context) (contractx.Agent, error) {
		return deps.Directory.GetAgent(ctx, id)
	})
	if err != nil {
		return contractx.Agent{}, err
	}
	if !agent.Active {
		return contractx.Agent{}, retry.New(retry.KindAgentInactive, fmt.Errorf("%w: agent=%s", contractx.ErrAgentInactive, id))
	}
	return agent, nil
}
