package orchestratornode

import (
	"context"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

// PlanGoal decomposes the question into phased sub-questions. In Mode 4 the
// caller's agent shapes the plan.
func PlanGoal(ctx context.Context, in *GraphState, planner contractx.Planner) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}
	if planner == nil {
		return nil, in.fail(retry.ScopeGeneral, fmt.Errorf("%w: planner is not configured", contractx.ErrConfiguration))
	}
	started := time.Now()
	defer in.Observe(contractx.StagePlanning, started)

	in.status(contractx.StatePlanning, "")
	plan, err := planner.Plan(ctx, in.Config.Message, in.Agent)
	if err != nil {
		return nil, in.fail(retry.ScopeModel, err)
	}

	in.Plan = &plan
	in.Tracker = NewPhaseTracker(plan)
	in.Path = contractx.PathReAct
	in.status(contractx.StatePlanReady, phaseSummary(plan))
	return in, nil
}
