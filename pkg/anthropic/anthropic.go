// Package anthropic adapts the Anthropic Messages API to eino's chat model interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type Config struct {
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true"`
	APIKey      string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model       string        `envconfig:"MODEL" split_words:"true" default:"claude-3-5-sonnet-20241022"`
	MaxTokens   int64         `envconfig:"MAX_TOKENS" split_words:"true" default:"2000"`
	Temperature float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

// SchemaSource resolves a tool's JSON schema properties and required fields by name.
type SchemaSource interface {
	JSONSchema(name string) (properties map[string]any, required []string, ok bool)
}

type ChatModel struct {
	client  *anthropic.Client
	conf    Config
	tools   []anthropic.ToolUnionParam
	schemas SchemaSource
}

var _ einomodel.ToolCallingChatModel = (*ChatModel)(nil)

// New builds a chat model. schemas may be nil when no tools will be bound.
func (c *Config) New(_ context.Context, schemas SchemaSource) (einomodel.ToolCallingChatModel, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(c.APIKey)),
	}
	if trimmed := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if c.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.Timeout))
	}
	client := anthropic.NewClient(opts...)
	return NewFromClient(&client, *c, schemas), nil
}

func NewFromClient(client *anthropic.Client, conf Config, schemas SchemaSource) *ChatModel {
	if conf.MaxTokens <= 0 {
		conf.MaxTokens = 2000
	}
	return &ChatModel{client: client, conf: conf, schemas: schemas}
}

func (m *ChatModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	converted := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, info := range tools {
		if info == nil || strings.TrimSpace(info.Name) == "" {
			return nil, errors.New("anthropic: tool name is empty")
		}
		inputSchema := anthropic.ToolInputSchemaParam{}
		if m.schemas != nil {
			if props, required, ok := m.schemas.JSONSchema(info.Name); ok {
				inputSchema.Properties = props
				inputSchema.Required = required
			}
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, info.Name)
		if param.OfTool != nil && info.Desc != "" {
			param.OfTool.Description = anthropic.String(info.Desc)
		}
		converted = append(converted, param)
	}

	clone := *m
	clone.tools = converted
	return &clone, nil
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	params, err := m.buildParams(input, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return toSchemaMessage(resp), nil
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	params, err := m.buildParams(input, opts...)
	if err != nil {
		return nil, err
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	sr, sw := schema.Pipe[*schema.Message](16)

	go func() {
		defer sw.Close()
		defer stream.Close()

		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				sw.Send(nil, fmt.Errorf("anthropic: accumulate stream: %w", err))
				return
			}
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if closed := sw.Send(schema.AssistantMessage(delta.Text, nil), nil); closed {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			sw.Send(nil, fmt.Errorf("anthropic: stream: %w", err))
			return
		}

		// Tool calls and usage arrive only once the message is complete.
		final := toSchemaMessage(&acc)
		final.Content = ""
		if len(final.ToolCalls) > 0 || final.ResponseMeta != nil {
			sw.Send(final, nil)
		}
	}()

	return sr, nil
}

func (m *ChatModel) buildParams(input []*schema.Message, opts ...einomodel.Option) (anthropic.MessageNewParams, error) {
	temperature := float32(m.conf.Temperature)
	maxTokens := int(m.conf.MaxTokens)
	modelName := m.conf.Model
	common := einomodel.GetCommonOptions(&einomodel.Options{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Model:       &modelName,
	}, opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(derefString(common.Model, m.conf.Model)),
		MaxTokens: int64(derefInt(common.MaxTokens, maxTokens)),
		Tools:     m.tools,
	}
	if common.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*common.Temperature))
	}

	messages, system, err := convertMessages(input)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: at least one non-system message is required")
	}
	params.Messages = messages
	params.System = system
	return params, nil
}

func convertMessages(input []*schema.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var (
		messages []anthropic.MessageParam
		system   []anthropic.TextBlockParam
	)
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if strings.TrimSpace(msg.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
		case schema.User:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case schema.Assistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var args any = map[string]any{}
				if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return nil, nil, fmt.Errorf("anthropic: tool call %s arguments: %w", call.Function.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Function.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case schema.Tool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return messages, system, nil
}

func toSchemaMessage(resp *anthropic.Message) *schema.Message {
	out := &schema.Message{Role: schema.Assistant}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := "{}"
			if toolBlock.Input != nil {
				if raw, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(raw)
				}
			}
			out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
				ID:   toolBlock.ID,
				Type: "function",
				Function: schema.FunctionCall{
					Name:      toolBlock.Name,
					Arguments: args,
				},
			})
		}
	}
	out.Content = text.String()

	if resp.StopReason != "" || resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		out.ResponseMeta = &schema.ResponseMeta{
			FinishReason: string(resp.StopReason),
			Usage: &schema.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		}
	}
	return out
}

func derefString(v *string, fallback string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return fallback
	}
	return *v
}

func derefInt(v *int, fallback int) int {
	if v == nil || *v <= 0 {
		return fallback
	}
	return *v
}
