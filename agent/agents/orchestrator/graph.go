package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	nodex "github.com/tanpawarit/Chative-Expert-Panel/agent/nodes/orchestrator"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/telemetry"
)

const (
	stepValidateRequest = "validate_request"
	stepLoadHistory     = "load_history"
	stepResolveAgent    = "resolve_agent"
	stepSelectAgent     = "select_agent"
	stepGatherContext   = "gather_context"
	stepAnswer          = "answer"
	stepPlanGoal        = "plan_goal"
	stepExecutePhases   = "execute_phases"
	stepSynthesize      = "synthesize"
	stepFinalizeReply   = "finalize_reply"
)

// modeSteps is the linear step order of each mode graph. Every graph ends
// with finalize_reply.
var modeSteps = map[contractx.Mode][]string{
	contractx.ModeManualSingleShot:    {stepValidateRequest, stepLoadHistory, stepResolveAgent, stepGatherContext, stepAnswer},
	contractx.ModeAutomaticSingleShot: {stepValidateRequest, stepLoadHistory, stepSelectAgent, stepGatherContext, stepAnswer},
	contractx.ModeAutonomousAutomatic: {stepValidateRequest, stepLoadHistory, stepPlanGoal, stepExecutePhases, stepSynthesize},
	contractx.ModeAutonomousManual:    {stepValidateRequest, stepLoadHistory, stepResolveAgent, stepPlanGoal, stepExecutePhases, stepSynthesize},
}

type stepFunc = func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error)

func (s *Service) stepFor(mode contractx.Mode, name string) (stepFunc, error) {
	switch name {
	case stepValidateRequest:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ValidateRequest(in, mode)
		}, nil
	case stepLoadHistory:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadHistory(ctx, in, s.deps.History)
		}, nil
	case stepResolveAgent:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ResolveAgent(ctx, in, s.deps)
		}, nil
	case stepSelectAgent:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.SelectAgent(ctx, in, s.deps)
		}, nil
	case stepGatherContext:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.GatherContext(ctx, in, s.deps)
		}, nil
	case stepAnswer:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Answer(ctx, in, s.deps.Answerer)
		}, nil
	case stepPlanGoal:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.PlanGoal(ctx, in, s.deps.Planner)
		}, nil
	case stepExecutePhases:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ExecutePhases(ctx, in, s.deps)
		}, nil
	case stepSynthesize:
		return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.Synthesize(ctx, in, s.deps.Answerer)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown step %s", contractx.ErrConfiguration, name)
	}
}

func (s *Service) compileModeGraph(
	ctx context.Context,
	mode contractx.Mode,
) (compose.Runnable[*nodex.GraphState, contractx.FinalAnswer], error) {
	steps, ok := modeSteps[mode]
	if !ok {
		return nil, fmt.Errorf("%w: no graph for mode=%s", contractx.ErrConfiguration, mode)
	}
	graph := compose.NewGraph[*nodex.GraphState, contractx.FinalAnswer]()

	for _, name := range steps {
		fn, err := s.stepFor(mode, name)
		if err != nil {
			return nil, err
		}
		if err := graph.AddLambdaNode(name, compose.InvokableLambda(traced(name, fn))); err != nil {
			return nil, fmt.Errorf("add node %s: %w", name, err)
		}
	}

	if err := graph.AddLambdaNode(stepFinalizeReply,
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (contractx.FinalAnswer, error) {
			return nodex.FinalizeReply(in)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node %s: %w", stepFinalizeReply, err)
	}

	edges := make([][2]string, 0, len(steps)+2)
	edges = append(edges, [2]string{compose.START, steps[0]})
	for i := 1; i < len(steps); i++ {
		edges = append(edges, [2]string{steps[i-1], steps[i]})
	}
	edges = append(edges,
		[2]string{steps[len(steps)-1], stepFinalizeReply},
		[2]string{stepFinalizeReply, compose.END},
	)

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator."+mode.String()))
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", mode, err)
	}
	return runner, nil
}

func traced(name string, fn stepFunc) stepFunc {
	return func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
		ctx, span := telemetry.StartSpan(ctx, "orchestrator."+name)
		out, err := fn(ctx, in)
		telemetry.EndSpan(span, err)
		return out, err
	}
}
