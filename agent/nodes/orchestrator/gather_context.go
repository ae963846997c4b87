package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

const defaultRetrievalTopK = 4

// GatherContext runs the single retrieval pass and the single tool round of
// the single-shot modes. Failures of either degrade the answer instead of
// ending the run.
func GatherContext(ctx context.Context, in *GraphState, deps Deps) (*GraphState, error) {
	if in == nil || in.Agent == nil {
		return nil, fmt.Errorf("%w: agent is not resolved", contractx.ErrValidation)
	}
	in.Path = contractx.SingleShotPath(in.Config.RetrievalEnabled, in.Config.ToolsEnabled)

	if in.Config.RetrievalEnabled {
		if err := retrieveOnce(ctx, in, deps); err != nil {
			return nil, err
		}
	}
	if in.Config.ToolsEnabled {
		if err := runToolsOnce(ctx, in, deps); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func retrieveOnce(ctx context.Context, in *GraphState, deps Deps) error {
	started := time.Now()
	defer in.Observe(contractx.StageRetrieval, started)

	in.status(contractx.StateRetrieving, "")
	if deps.Retriever == nil {
		in.degrade(ctx, "retrieval", fmt.Errorf("%w: retriever is not configured", contractx.ErrConfiguration))
		return nil
	}

	topK := deps.Settings.RetrievalTopK
	if topK <= 0 {
		topK = defaultRetrievalTopK
	}
	filter := contractx.RetrievalFilter{Domains: in.Agent.Tags, TenantID: in.Config.TenantID}
	found, err := retry.DoValue(ctx, deps.Settings.Policy, retry.ScopeRetrieval, func(ctx context.Context) ([]contractx.EvidenceSource, error) {
		return deps.Retriever.Search(ctx, in.Config.Message, filter, topK)
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return in.fail(retry.ScopeRetrieval, err)
		}
		in.degrade(ctx, "retrieval", err)
		return nil
	}
	if len(found) == 0 {
		zerolog.Ctx(ctx).Debug().Msg("retrieval returned no results")
		return nil
	}
	in.number(found)
	return nil
}

func runToolsOnce(ctx context.Context, in *GraphState, deps Deps) error {
	if len(in.Agent.ToolIDs) == 0 || deps.Answerer == nil || deps.Tools == nil {
		return nil
	}
	started := time.Now()
	defer in.Observe(contractx.StageTools, started)

	reqs, err := deps.Answerer.PlanTools(ctx, *in.Agent, in.Config.Message, in.History)
	if err != nil {
		if isCancellation(ctx, err) {
			return in.fail(retry.ScopeModel, err)
		}
		in.degrade(ctx, "tool planning", err)
		return nil
	}

	allowed := make(map[string]struct{}, len(in.Agent.ToolIDs))
	for _, id := range in.Agent.ToolIDs {
		allowed[id] = struct{}{}
	}

	for _, req := range reqs {
		if _, ok := allowed[req.Tool]; !ok {
			in.Emitter.Emit(&contractx.ToolCallChunk{Tool: req.Tool, Args: req.Args, Error: string(retry.KindToolNotFound), Null: true})
			continue
		}

		callStarted := time.Now()
		res, err := retry.DoValue(ctx, deps.Settings.Policy, retry.ScopeTool, func(ctx context.Context) (contractx.ToolResult, error) {
			return deps.Tools.Invoke(ctx, req.Tool, req.Args, deps.Settings.ToolTimeout)
		})
		elapsed := time.Since(callStarted)
		if err != nil {
			if isCancellation(ctx, err) {
				return in.fail(retry.ScopeTool, err)
			}
			rec := retry.Classify(retry.ScopeTool, err)
			in.Emitter.Emit(&contractx.ToolCallChunk{Tool: req.Tool, Args: req.Args, Error: string(rec.Kind), Null: true, Duration: elapsed})
			in.ToolResults = append(in.ToolResults, contractx.ToolResult{Tool: req.Tool, Error: rec.UserMessage()})
			in.degrade(ctx, "tool "+req.Tool, err)
			continue
		}
		in.Emitter.Emit(&contractx.ToolCallChunk{Tool: req.Tool, Args: req.Args, Result: res.Result, Duration: elapsed})
		in.ToolResults = append(in.ToolResults, res)
	}
	return nil
}

// degrade reports a recoverable collaborator failure on the stream.
func (s *GraphState) degrade(ctx context.Context, what string, err error) {
	rec := retry.Classify(retry.ScopeGeneral, err)
	zerolog.Ctx(ctx).Warn().Err(err).Str("kind", string(rec.Kind)).Msgf("%s degraded", what)
	s.Degraded = true
	s.status(contractx.StateDegraded, fmt.Sprintf("%s unavailable: %s", what, rec.Kind))
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if rec, ok := retry.As(err); ok && rec.Kind == retry.KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
