package llm

import (
	"context"
	"errors"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type fakeModel struct {
	content string
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage(f.content, nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in fake model")
}

func (f *fakeModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return f, nil
}

type sample struct {
	Answer string `json:"answer"`
}

func TestInvokeStructuredStripsFences(t *testing.T) {
	t.Parallel()

	runner, err := CompileStructured[sample](context.Background(), &fakeModel{content: "```json\n{\"answer\":\"42\"}\n```"}, "answer in json", "test.structured")
	if err != nil {
		t.Fatalf("CompileStructured() error = %v", err)
	}

	out, err := InvokeStructured(context.Background(), runner, map[string]any{"q": "life"})
	if err != nil {
		t.Fatalf("InvokeStructured() error = %v", err)
	}
	if out.Answer != "42" {
		t.Fatalf("unexpected answer: %q", out.Answer)
	}
}

func TestInvokeStructuredNoJSONIsSchemaViolation(t *testing.T) {
	t.Parallel()

	runner, err := CompileStructured[sample](context.Background(), &fakeModel{content: "I cannot answer that."}, "answer in json", "test.structured")
	if err != nil {
		t.Fatalf("CompileStructured() error = %v", err)
	}

	_, err = InvokeStructured(context.Background(), runner, map[string]any{})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestCompileStructuredRequiresPrompt(t *testing.T) {
	t.Parallel()

	_, err := CompileStructured[sample](context.Background(), &fakeModel{}, "  ", "test.structured")
	if !errors.Is(err, contractx.ErrPromptMissing) {
		t.Fatalf("expected ErrPromptMissing, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`{"a":1}`:                       `{"a":1}`,
		"Sure! {\"a\":{\"b\":2}} done.": `{"a":{"b":2}}`,
		"```\n{\"a\":1}\n```":           `{"a":1}`,
		"no json here":                  "",
	}
	for in, want := range tests {
		if got := ExtractJSON(in); got != want {
			t.Fatalf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigRoleOverrides(t *testing.T) {
	t.Parallel()

	cfg := Config{
		APIKey:             "k",
		Model:              "base-model",
		Temperature:        0.5,
		PlannerModel:       "planner-model",
		PlannerTemperature: 0.1,
		AnswerTemperature:  -1,
		MaxCompletionToken: 800,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	planner := cfg.OpenRouterFor(RolePlanner)
	if planner.Model != "planner-model" || planner.Temperature != 0.1 {
		t.Fatalf("unexpected planner config: %#v", planner)
	}
	answer := cfg.OpenRouterFor(RoleAnswer)
	if answer.Model != "base-model" || answer.Temperature != 0.5 {
		t.Fatalf("unexpected answer config: %#v", answer)
	}
	if answer.MaxTokens != 800 || answer.Structured {
		t.Fatalf("unexpected answer spec: %#v", answer)
	}
	if !planner.Structured {
		t.Fatal("planner replies with JSON and must be structured")
	}

	cfg.EmbeddingBaseURL = "https://embeddings.example/v1"
	emb := cfg.EmbeddingClientConfig()
	if emb.BaseURL != "https://embeddings.example/v1" || emb.APIKey != "k" {
		t.Fatalf("unexpected embedding connection: %#v", emb)
	}

	cfg.Provider = "mystery"
	if err := cfg.Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
