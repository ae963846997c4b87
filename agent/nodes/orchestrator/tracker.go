package orchestratornode

import (
	"sort"
	"sync"

	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/expert"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/agents/react"
	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type SubQuestionStatus string

const (
	SubQuestionPending   SubQuestionStatus = "pending"
	SubQuestionCompleted SubQuestionStatus = "completed"
	SubQuestionFailed    SubQuestionStatus = "failed"
	SubQuestionSkipped   SubQuestionStatus = "skipped"
)

// PhaseTracker keeps the mutable progress of an immutable plan.
type PhaseTracker struct {
	plan contractx.ExecutionPlan

	mu       sync.Mutex
	status   map[string]SubQuestionStatus
	findings map[string]expert.Finding
	evidence map[string][]contractx.EvidenceSource
}

func NewPhaseTracker(plan contractx.ExecutionPlan) *PhaseTracker {
	t := &PhaseTracker{
		plan:     plan,
		status:   make(map[string]SubQuestionStatus, len(plan.SubQuestions)),
		findings: make(map[string]expert.Finding, len(plan.SubQuestions)),
		evidence: make(map[string][]contractx.EvidenceSource),
	}
	for _, q := range plan.SubQuestions {
		t.status[q.ID] = SubQuestionPending
	}
	return t
}

// Split returns the sub-questions of phase whose dependencies all completed
// and those that must be skipped.
func (t *PhaseTracker) Split(phase contractx.ExecutionPhase) (runnable, skipped []contractx.CoTSubQuestion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range phase.SubQuestionIDs {
		q, ok := t.plan.SubQuestion(id)
		if !ok {
			continue
		}
		ready := true
		for _, dep := range q.DependsOn {
			if t.status[dep] != SubQuestionCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, q)
		} else {
			skipped = append(skipped, q)
		}
	}
	return runnable, skipped
}

func (t *PhaseTracker) Complete(q contractx.CoTSubQuestion, res react.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[q.ID] = SubQuestionCompleted
	t.findings[q.ID] = expert.Finding{
		SubQuestionID: q.ID,
		Question:      q.Question,
		Answer:        res.Answer,
		Confidence:    res.Confidence,
		LowConfidence: res.LowConfidence,
	}
	t.evidence[q.ID] = res.Evidence
}

func (t *PhaseTracker) Fail(q contractx.CoTSubQuestion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[q.ID] = SubQuestionFailed
	t.findings[q.ID] = expert.Finding{SubQuestionID: q.ID, Question: q.Question, Failed: true}
}

func (t *PhaseTracker) Skip(q contractx.CoTSubQuestion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[q.ID] = SubQuestionSkipped
	t.findings[q.ID] = expert.Finding{SubQuestionID: q.ID, Question: q.Question, Skipped: true}
}

func (t *PhaseTracker) Status(id string) SubQuestionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[id]
}

// DependencyFindings returns the conclusions q depends on.
func (t *PhaseTracker) DependencyFindings(q contractx.CoTSubQuestion) []react.Finding {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []react.Finding
	for _, dep := range q.DependsOn {
		f, ok := t.findings[dep]
		if !ok || f.Failed || f.Skipped {
			continue
		}
		out = append(out, react.Finding{
			SubQuestionID: f.SubQuestionID,
			Question:      f.Question,
			Answer:        f.Answer,
			Confidence:    f.Confidence,
		})
	}
	return out
}

// Findings lists every recorded outcome in plan order.
func (t *PhaseTracker) Findings() []expert.Finding {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]expert.Finding, 0, len(t.findings))
	for _, q := range t.plan.SubQuestions {
		if f, ok := t.findings[q.ID]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Evidence merges the sources of completed sub-questions in plan order.
func (t *PhaseTracker) Evidence() []contractx.EvidenceSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	groups := make([][]contractx.EvidenceSource, 0, len(t.evidence))
	for _, q := range t.plan.SubQuestions {
		if ev, ok := t.evidence[q.ID]; ok {
			groups = append(groups, ev)
		}
	}
	return contractx.MergeEvidence(groups...)
}

func (t *PhaseTracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.status {
		if s == SubQuestionCompleted {
			n++
		}
	}
	return n
}

// Confidence is the mean confidence of completed sub-questions. low is set
// when any sub-question did not complete or concluded with low confidence.
func (t *PhaseTracker) Confidence() (mean float64, low bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.findings))
	for id := range t.findings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sum float64
	var n int
	for _, id := range ids {
		f := t.findings[id]
		if f.Failed || f.Skipped {
			low = true
			continue
		}
		if f.LowConfidence {
			low = true
		}
		sum += f.Confidence
		n++
	}
	if n == 0 {
		return 0, true, false
	}
	return sum / float64(n), low, true
}
