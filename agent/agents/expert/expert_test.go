package expert

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	"github.com/tanpawarit/Chative-Expert-Panel/agent/retry"
)

type streamModel struct {
	mu          sync.Mutex
	pieces      []string
	toolCalls   []schema.ToolCall
	openErrs    int
	streams     int
	generates   int
	bound       [][]*schema.ToolInfo
	lastInput   []*schema.Message
	temperature *float32
	maxTokens   *int
}

func (m *streamModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generates++
	m.lastInput = input
	return &schema.Message{Role: schema.Assistant, ToolCalls: m.toolCalls}, nil
}

func (m *streamModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams++
	m.lastInput = input
	common := einomodel.GetCommonOptions(nil, opts...)
	m.temperature = common.Temperature
	m.maxTokens = common.MaxTokens
	if m.openErrs > 0 {
		m.openErrs--
		return nil, errors.New("upstream 503")
	}
	msgs := make([]*schema.Message, 0, len(m.pieces))
	for _, p := range m.pieces {
		msgs = append(msgs, schema.AssistantMessage(p, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (m *streamModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = append(m.bound, tools)
	return m, nil
}

type fakeCatalog map[string]*schema.ToolInfo

func (c fakeCatalog) InfosFor(ids []string) []*schema.ToolInfo {
	var out []*schema.ToolInfo
	for _, id := range ids {
		if info, ok := c[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

func testPrompts() Prompts {
	return Prompts{Answer: "Answer as the expert.", Synthesis: "Combine the findings.", ToolPlanning: "Pick tools."}
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, MaxAttempts: attempts}
}

func cardiologist() contractx.Agent {
	return contractx.Agent{
		ID:           "cardiology",
		Name:         "Cardiology Expert",
		Tags:         []string{"cardiology"},
		ToolIDs:      []string{"math.evaluate"},
		Instructions: "Answer heart questions concisely.",
		Active:       true,
	}
}

func TestAnswerStreamsTokensInOrder(t *testing.T) {
	t.Parallel()

	model := &streamModel{pieces: []string{"Beta blockers ", "lower heart rate ", "[1]."}}
	x, err := New(context.Background(), model, nil, testPrompts(), WithPolicy(fastPolicy(2)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	temp := float32(0.2)
	maxTokens := 256
	var tokens []string
	text, err := x.Answer(context.Background(), AnswerRequest{
		Agent:       cardiologist(),
		Question:    "What do beta blockers do?",
		History:     []contractx.Turn{{Role: contractx.RoleUser, Content: "hi"}, {Role: contractx.RoleAssistant, Content: "hello"}},
		Evidence:    []contractx.EvidenceSource{contractx.NewScoredEvidence("doc-1", "Beta blockers", "They slow the heart.", "kb", 0.9)},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}, func(s string) { tokens = append(tokens, s) })
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	if text != "Beta blockers lower heart rate [1]." {
		t.Fatalf("text = %q", text)
	}
	if strings.Join(tokens, "") != text || len(tokens) != 3 {
		t.Fatalf("tokens = %#v", tokens)
	}
	if model.temperature == nil || *model.temperature != temp {
		t.Fatalf("temperature option = %v", model.temperature)
	}
	if model.maxTokens == nil || *model.maxTokens != maxTokens {
		t.Fatalf("max tokens option = %v", model.maxTokens)
	}

	// system, two history turns, then the payload
	if len(model.lastInput) != 4 {
		t.Fatalf("messages = %d, want 4", len(model.lastInput))
	}
	if !strings.Contains(model.lastInput[0].Content, "Answer heart questions concisely.") {
		t.Fatalf("system message missing instructions: %q", model.lastInput[0].Content)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(model.lastInput[3].Content), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	evidence, _ := payload["evidence"].([]any)
	if len(evidence) != 1 || evidence[0].(map[string]any)["n"].(float64) != 1 {
		t.Fatalf("evidence payload = %#v", payload["evidence"])
	}
}

func TestAnswerRetriesStreamOpen(t *testing.T) {
	t.Parallel()

	model := &streamModel{pieces: []string{"ok"}, openErrs: 1}
	x, err := New(context.Background(), model, nil, testPrompts(), WithPolicy(fastPolicy(3)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	text, err := x.Answer(context.Background(), AnswerRequest{Agent: cardiologist(), Question: "q"}, nil)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if text != "ok" || model.streams != 2 {
		t.Fatalf("text=%q streams=%d", text, model.streams)
	}
}

func TestAnswerEmptyStreamIsSchemaViolation(t *testing.T) {
	t.Parallel()

	model := &streamModel{pieces: []string{"", "  "}}
	x, err := New(context.Background(), model, nil, testPrompts(), WithPolicy(fastPolicy(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = x.Answer(context.Background(), AnswerRequest{Agent: cardiologist(), Question: "q"}, nil)
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("error = %v, want schema violation", err)
	}
}

func TestSynthesizeSendsFindings(t *testing.T) {
	t.Parallel()

	model := &streamModel{pieces: []string{"Combined answer."}}
	x, err := New(context.Background(), model, nil, testPrompts())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	text, err := x.Synthesize(context.Background(), SynthesisRequest{
		Agent: cardiologist(),
		Goal:  "Compare apixaban and warfarin.",
		Findings: []Finding{
			{SubQuestionID: "q1", Question: "Apixaban?", Answer: "DOAC", Confidence: 0.8},
			{SubQuestionID: "q2", Question: "Warfarin?", Failed: true},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if text != "Combined answer." {
		t.Fatalf("text = %q", text)
	}

	payload := model.lastInput[len(model.lastInput)-1].Content
	if !strings.Contains(payload, `"sub_question_id":"q2"`) || !strings.Contains(payload, `"failed":true`) {
		t.Fatalf("payload = %s", payload)
	}
}

func TestPlanToolsBindsAgentTools(t *testing.T) {
	t.Parallel()

	model := &streamModel{toolCalls: []schema.ToolCall{{
		ID:       "call-1",
		Function: schema.FunctionCall{Name: "math.evaluate", Arguments: `{"expression":"70*0.5"}`},
	}}}
	catalog := fakeCatalog{
		"math.evaluate":   {Name: "math.evaluate", Desc: "evaluate"},
		"units.convert":   {Name: "units.convert", Desc: "convert"},
		"knowledge.query": {Name: "knowledge.query", Desc: "search"},
	}
	x, err := New(context.Background(), model, catalog, testPrompts())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		reqs, err := x.PlanTools(context.Background(), cardiologist(), "Half of 70?", nil)
		if err != nil {
			t.Fatalf("PlanTools() error = %v", err)
		}
		if len(reqs) != 1 || reqs[0].Tool != "math.evaluate" || reqs[0].Args["expression"] != "70*0.5" {
			t.Fatalf("requests = %#v", reqs)
		}
	}
	if len(model.bound) != 1 || len(model.bound[0]) != 1 {
		t.Fatalf("bound tool sets = %#v, want one compile with one tool", model.bound)
	}
}

func TestPlanToolsWithoutToolsSkipsModel(t *testing.T) {
	t.Parallel()

	model := &streamModel{}
	x, err := New(context.Background(), model, fakeCatalog{}, testPrompts())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reqs, err := x.PlanTools(context.Background(), cardiologist(), "q", nil)
	if err != nil || reqs != nil {
		t.Fatalf("PlanTools() = %#v, %v", reqs, err)
	}
	if model.generates != 0 {
		t.Fatalf("generates = %d, want 0", model.generates)
	}
}

func TestToToolRequestsRejectsBadArgs(t *testing.T) {
	t.Parallel()

	_, err := toToolRequests([]schema.ToolCall{{Function: schema.FunctionCall{Name: "math.evaluate", Arguments: "{not json"}}})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("error = %v, want schema violation", err)
	}
}

func TestNewRequiresPrompts(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), &streamModel{}, nil, Prompts{Answer: "a", Synthesis: "s"})
	if !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("error = %v, want ErrPromptMissing", err)
	}
}
