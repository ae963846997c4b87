package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/classifier.txt
	classifierRaw string

	//go:embed template/planner.txt
	plannerRaw string

	//go:embed template/planner_strict.txt
	plannerStrictRaw string

	//go:embed template/react.txt
	reactRaw string

	//go:embed template/answer.txt
	answerRaw string

	//go:embed template/synthesis.txt
	synthesisRaw string

	//go:embed template/tool_planning.txt
	toolPlanningRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Classifier    string
	Planner       string
	PlannerStrict string
	ReAct         string
	Answer        string
	Synthesis     string
	ToolPlanning  string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Classifier:    strings.TrimSpace(classifierRaw),
		Planner:       strings.TrimSpace(plannerRaw),
		PlannerStrict: strings.TrimSpace(plannerStrictRaw),
		ReAct:         strings.TrimSpace(reactRaw),
		Answer:        strings.TrimSpace(answerRaw),
		Synthesis:     strings.TrimSpace(synthesisRaw),
		ToolPlanning:  strings.TrimSpace(toolPlanningRaw),
	}
}
