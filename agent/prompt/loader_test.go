package prompt

import (
	"strings"
	"testing"
)

func TestLoadPromptSetHasNoTemplateBraces(t *testing.T) {
	t.Parallel()

	set := LoadPromptSet()
	templated := map[string]string{
		"classifier":     set.Classifier,
		"planner":        set.Planner,
		"planner_strict": set.PlannerStrict,
		"react":          set.ReAct,
		"tool_planning":  set.ToolPlanning,
	}
	for name, p := range templated {
		if p == "" {
			t.Fatalf("prompt %s is empty", name)
		}
		if strings.ContainsAny(p, "{}") {
			t.Fatalf("prompt %s contains braces and would break FString rendering", name)
		}
	}
	if set.Answer == "" || set.Synthesis == "" {
		t.Fatal("answer and synthesis prompts must be present")
	}
}
