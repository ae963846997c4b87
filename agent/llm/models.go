package llm

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	anthropicx "github.com/tanpawarit/Chative-Expert-Panel/pkg/anthropic"
	openrouterx "github.com/tanpawarit/Chative-Expert-Panel/pkg/openrouter"
)

// Models holds one chat model per pipeline role.
type Models struct {
	Classifier einomodel.ToolCallingChatModel
	Planner    einomodel.ToolCallingChatModel
	ReAct      einomodel.ToolCallingChatModel
	Answer     einomodel.ToolCallingChatModel
}

func (m *Models) Validate() error {
	if m == nil || m.Classifier == nil || m.Planner == nil || m.ReAct == nil || m.Answer == nil {
		return fmt.Errorf("%w: every model role must be set", contractx.ErrConfiguration)
	}
	return nil
}

// NewModels builds role models for the configured provider. schemas is used
// by providers that need explicit tool schemas.
func NewModels(ctx context.Context, cfg Config, schemas anthropicx.SchemaSource) (*Models, error) {
	build := func(role Role) (einomodel.ToolCallingChatModel, error) {
		switch cfg.provider() {
		case ProviderAnthropic:
			conf := cfg.AnthropicFor(role)
			return conf.New(ctx, schemas)
		default:
			return cfg.OpenRouter().ChatModel(ctx, cfg.OpenRouterFor(role))
		}
	}

	out := &Models{}
	for _, slot := range []struct {
		role Role
		dst  *einomodel.ToolCallingChatModel
	}{
		{RoleClassifier, &out.Classifier},
		{RolePlanner, &out.Planner},
		{RoleReAct, &out.ReAct},
		{RoleAnswer, &out.Answer},
	} {
		m, err := build(slot.role)
		if err != nil {
			return nil, fmt.Errorf("%w: build %s model: %v", contractx.ErrConfiguration, slot.role, err)
		}
		*slot.dst = m
	}
	return out, nil
}

// NewEmbedder builds the query/document embedder from the embedding settings.
func NewEmbedder(cfg Config) (*openrouterx.Embedder, error) {
	client := cfg.EmbeddingClientConfig().Client()
	if client == nil {
		return nil, fmt.Errorf("%w: embedding api key is required", contractx.ErrConfiguration)
	}
	return openrouterx.NewEmbedder(client, cfg.EmbeddingModel, openrouterx.WithDimensions(cfg.EmbeddingDimensions))
}
