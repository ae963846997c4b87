package orchestratornode

import (
	"sort"
	"strings"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

const (
	lowConfidenceFloor = 0.5
	confidenceSample   = 3
)

// evidenceConfidence is the mean similarity of the best scored sources.
func evidenceConfidence(evidence []contractx.EvidenceSource) (float64, bool) {
	scores := make([]float64, 0, len(evidence))
	for _, e := range evidence {
		if e.Similarity != nil {
			scores = append(scores, *e.Similarity)
		}
	}
	if len(scores) == 0 {
		return 0, false
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if len(scores) > confidenceSample {
		scores = scores[:confidenceSample]
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), true
}

// phaseQuery is the selector query for one phase of a heterogeneous plan,
// with the planner's domains for the phase's sub-questions.
func phaseQuery(plan contractx.ExecutionPlan, phase contractx.ExecutionPhase) (string, []string) {
	var questions []string
	var domains []string
	seen := make(map[string]struct{})
	for _, id := range phase.SubQuestionIDs {
		q, ok := plan.SubQuestion(id)
		if !ok {
			continue
		}
		questions = append(questions, q.Question)
		d := strings.ToLower(strings.TrimSpace(q.Domain))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	return strings.Join(questions, "\n"), domains
}

func phaseSummary(plan contractx.ExecutionPlan) string {
	var b strings.Builder
	b.WriteString(plan.Goal.Restatement)
	for _, p := range plan.Phases {
		b.WriteString("\n")
		b.WriteString(p.ID)
		b.WriteString(": ")
		b.WriteString(strings.Join(p.SubQuestionIDs, ", "))
	}
	return b.String()
}
