package expert

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

// compileConversationGraph builds prompt -> model where the prompt carries
// the expert instructions, prior turns and the request payload. The same
// graph serves Invoke (tool planning) and Stream (answers).
func compileConversationGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	systemPrompt string,
	graphName string,
) (compose.Runnable[map[string]any, *schema.Message], error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: system prompt for %s", contractx.ErrPromptMissing, graphName)
	}

	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt+"\n\nExpert profile:\n{instructions}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add %s prompt node: %w", graphName, err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add %s model node: %w", graphName, err)
	}

	edges := [][2]string{
		{compose.START, "prompt"},
		{"prompt", "model"},
		{"model", compose.END},
	}
	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add %s edge %s->%s: %w", graphName, edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName(graphName))
	if err != nil {
		return nil, fmt.Errorf("compile %s graph: %w", graphName, err)
	}
	return runner, nil
}

func historyMessages(turns []contractx.Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		switch t.Role {
		case contractx.RoleAssistant:
			out = append(out, schema.AssistantMessage(content, nil))
		default:
			out = append(out, schema.UserMessage(content))
		}
	}
	return out
}
