package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

// CompileStructured builds prompt -> model -> strip_fences -> parse_json.
// The system prompt is an FString template, so it must not contain braces.
func CompileStructured[T any](
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, T], error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: system prompt for %s", contractx.ErrPromptMissing, graphName)
	}

	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	parser := schema.NewMessageJSONParser[T](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})

	graph := compose.NewGraph[map[string]any, T]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add structured prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add structured model node: %w", err)
	}
	if err := graph.AddLambdaNode("strip_fences", compose.InvokableLambda(func(ctx context.Context, msg *schema.Message) (*schema.Message, error) {
		if msg == nil {
			return nil, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
		}
		cleaned := *msg
		cleaned.Content = ExtractJSON(msg.Content)
		if cleaned.Content == "" {
			return nil, fmt.Errorf("%w: response has no json object", contractx.ErrSchemaViolation)
		}
		return &cleaned, nil
	})); err != nil {
		return nil, fmt.Errorf("add structured strip node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_json", compose.MessageParser(parser)); err != nil {
		return nil, fmt.Errorf("add structured parser node: %w", err)
	}

	edges := [][2]string{
		{compose.START, "prompt"},
		{"prompt", "model"},
		{"model", "strip_fences"},
		{"strip_fences", "parse_json"},
		{"parse_json", compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add structured edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile structured graph: %w", err)
	}
	return runner, nil
}

// InvokeStructured marshals payload as the {input} variable and runs the graph.
// Parse failures are reported as ErrSchemaViolation so callers can retry.
func InvokeStructured[T any](
	ctx context.Context,
	runner compose.Runnable[map[string]any, T],
	payload any,
	opts ...einomodel.Option,
) (T, error) {
	var zero T
	input, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("%w: marshal payload: %v", contractx.ErrValidation, err)
	}

	var callOpts []compose.Option
	if len(opts) > 0 {
		callOpts = append(callOpts, compose.WithChatModelOption(opts...))
	}

	out, err := runner.Invoke(ctx, map[string]any{"input": string(input)}, callOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if isParseFailure(err) {
			return zero, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
		}
		return zero, fmt.Errorf("%w: %w", contractx.ErrModelInvoke, err)
	}
	return out, nil
}

func isParseFailure(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"strip_fences", "parse_json", "unmarshal", "invalid character", "unexpected end of JSON", contractx.ErrSchemaViolation.Error()} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExtractJSON returns the outermost JSON object in s, dropping markdown fences
// and surrounding prose. It returns "" when no object is present.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
