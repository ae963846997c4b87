package orchestratornode

import (
	"testing"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

func trackerPlan() contractx.ExecutionPlan {
	return contractx.ExecutionPlan{
		Goal: contractx.GoalUnderstanding{Restatement: "goal", Domain: "cardiology"},
		SubQuestions: []contractx.CoTSubQuestion{
			{ID: "q1", Question: "first"},
			{ID: "q2", Question: "second", DependsOn: []string{"q1"}},
			{ID: "q3", Question: "third"},
			{ID: "q4", Question: "fourth", DependsOn: []string{"q3"}},
		},
		Phases: []contractx.ExecutionPhase{
			{ID: "phase-0", SubQuestionIDs: []string{"q1", "q3"}},
			{ID: "phase-1", Index: 1, SubQuestionIDs: []string{"q2", "q4"}},
		},
	}
}

func TestTrackerSkipsDependentsOfFailures(t *testing.T) {
	plan := trackerPlan()
	tr := NewPhaseTracker(plan)

	runnable, skipped := tr.Split(plan.Phases[0])
	if len(runnable) != 2 || len(skipped) != 0 {
		t.Fatalf("phase-0 runnable=%d skipped=%d", len(runnable), len(skipped))
	}

	q1, _ := plan.SubQuestion("q1")
	q3, _ := plan.SubQuestion("q3")
	tr.Fail(q1)
	tr.Complete(q3, react.Result{Answer: "three", Confidence: 0.9})

	runnable, skipped = tr.Split(plan.Phases[1])
	if len(runnable) != 1 || runnable[0].ID != "q4" {
		t.Fatalf("runnable = %#v", runnable)
	}
	if len(skipped) != 1 || skipped[0].ID != "q2" {
		t.Fatalf("skipped = %#v", skipped)
	}

	deps := tr.DependencyFindings(runnable[0])
	if len(deps) != 1 || deps[0].SubQuestionID != "q3" || deps[0].Answer != "three" {
		t.Fatalf("dependency findings = %#v", deps)
	}
	if got := tr.DependencyFindings(skipped[0]); len(got) != 0 {
		t.Fatalf("failed dependency leaked: %#v", got)
	}
}

func TestTrackerConfidence(t *testing.T) {
	plan := trackerPlan()
	tr := NewPhaseTracker(plan)

	if _, low, ok := tr.Confidence(); ok || !low {
		t.Fatalf("empty tracker ok=%v low=%v", ok, low)
	}

	q1, _ := plan.SubQuestion("q1")
	q3, _ := plan.SubQuestion("q3")
	tr.Complete(q1, react.Result{Answer: "one", Confidence: 0.8})
	tr.Complete(q3, react.Result{Answer: "three", Confidence: 0.6})

	mean, low, ok := tr.Confidence()
	if !ok || low || mean < 0.699 || mean > 0.701 {
		t.Fatalf("mean=%v low=%v ok=%v", mean, low, ok)
	}

	q2, _ := plan.SubQuestion("q2")
	tr.Skip(q2)
	if _, low, _ := tr.Confidence(); !low {
		t.Fatalf("skipped sub-question must lower confidence")
	}
	if tr.Completed() != 2 {
		t.Fatalf("completed = %d", tr.Completed())
	}

	findings := tr.Findings()
	if len(findings) != 3 || findings[0].SubQuestionID != "q1" || !findings[1].Skipped || findings[2].SubQuestionID != "q3" {
		t.Fatalf("findings = %#v", findings)
	}
}

func TestTrackerEvidenceMergesCompleted(t *testing.T) {
	plan := trackerPlan()
	tr := NewPhaseTracker(plan)
	q1, _ := plan.SubQuestion("q1")
	q3, _ := plan.SubQuestion("q3")

	shared := contractx.NewScoredEvidence("shared", "Shared", "x", "kb", 0.7)
	tr.Complete(q1, react.Result{Answer: "a", Evidence: []contractx.EvidenceSource{shared}})
	tr.Complete(q3, react.Result{Answer: "b", Evidence: []contractx.EvidenceSource{
		shared,
		contractx.NewScoredEvidence("other", "Other", "y", "kb", 0.9),
	}})

	if got := tr.Evidence(); len(got) != 2 {
		t.Fatalf("evidence = %#v", got)
	}
}
