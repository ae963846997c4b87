package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
	anthropicx "github.com/tanpawarit/Chative-Expert-Panel/pkg/anthropic"
	openrouterx "github.com/tanpawarit/Chative-Expert-Panel/pkg/openrouter"
)

type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderAnthropic  Provider = "anthropic"
)

// Role identifies which step of the pipeline a model serves.
type Role string

const (
	RoleClassifier Role = "classifier"
	RolePlanner    Role = "planner"
	RoleReAct      Role = "react"
	RoleAnswer     Role = "answer"
)

type Config struct {
	Provider           string        `envconfig:"PROVIDER" split_words:"true" default:"openrouter"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	ClassifierModel       string  `envconfig:"CLASSIFIER_MODEL" split_words:"true"`
	PlannerModel          string  `envconfig:"PLANNER_MODEL" split_words:"true"`
	ReActModel            string  `envconfig:"REACT_MODEL" split_words:"true"`
	AnswerModel           string  `envconfig:"ANSWER_MODEL" split_words:"true"`
	ClassifierTemperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" split_words:"true" default:"0"`
	PlannerTemperature    float32 `envconfig:"PLANNER_TEMPERATURE" split_words:"true" default:"0.2"`
	ReActTemperature      float32 `envconfig:"REACT_TEMPERATURE" split_words:"true" default:"0.2"`
	AnswerTemperature     float32 `envconfig:"ANSWER_TEMPERATURE" split_words:"true" default:"-1"`

	// Embeddings always go through an OpenAI-compatible endpoint.
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL" split_words:"true" default:"text-embedding-3-small"`
	EmbeddingBaseURL    string `envconfig:"EMBEDDING_BASE_URL" split_words:"true"`
	EmbeddingAPIKey     string `envconfig:"EMBEDDING_API_KEY" split_words:"true"`
	EmbeddingDimensions int64  `envconfig:"EMBEDDING_DIMENSIONS" split_words:"true" default:"0"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: llm api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	switch c.provider() {
	case ProviderOpenRouter, ProviderAnthropic:
	default:
		return fmt.Errorf("%w: unsupported llm provider=%q", contractx.ErrValidation, c.Provider)
	}
	return nil
}

func (c Config) provider() Provider {
	p := Provider(strings.ToLower(strings.TrimSpace(c.Provider)))
	if p == "" {
		return ProviderOpenRouter
	}
	return p
}

func (c Config) roleModel(role Role) (string, float32) {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	override := func(name string, t float32) {
		if v := strings.TrimSpace(name); v != "" {
			modelName = v
		}
		if t >= 0 {
			temp = t
		}
	}

	switch role {
	case RoleClassifier:
		override(c.ClassifierModel, c.ClassifierTemperature)
	case RolePlanner:
		override(c.PlannerModel, c.PlannerTemperature)
	case RoleReAct:
		override(c.ReActModel, c.ReActTemperature)
	case RoleAnswer:
		override(c.AnswerModel, c.AnswerTemperature)
	}
	return modelName, temp
}

// OpenRouter is the connection shared by every OpenRouter role model.
func (c Config) OpenRouter() openrouterx.Config {
	return openrouterx.Config{
		BaseURL:  strings.TrimSpace(c.BaseURL),
		APIKey:   strings.TrimSpace(c.APIKey),
		Timeout:  c.Timeout,
		SiteURL:  strings.TrimSpace(c.SiteURL),
		SiteName: strings.TrimSpace(c.SiteName),
	}
}

// OpenRouterFor is the model spec for role. The classifier and planner reply
// with JSON, so they are marked structured.
func (c Config) OpenRouterFor(role Role) openrouterx.ModelSpec {
	modelName, temp := c.roleModel(role)
	return openrouterx.ModelSpec{
		Role:        string(role),
		Model:       modelName,
		Temperature: temp,
		MaxTokens:   c.MaxCompletionToken,
		Structured:  role == RoleClassifier || role == RolePlanner,
	}
}

func (c Config) AnthropicFor(role Role) anthropicx.Config {
	modelName, temp := c.roleModel(role)
	baseURL := strings.TrimSpace(c.BaseURL)
	if strings.Contains(baseURL, "openrouter.ai") {
		baseURL = ""
	}
	return anthropicx.Config{
		BaseURL:     baseURL,
		APIKey:      strings.TrimSpace(c.APIKey),
		Model:       modelName,
		MaxTokens:   int64(c.MaxCompletionToken),
		Temperature: float64(temp),
		Timeout:     c.Timeout,
	}
}

// EmbeddingClientConfig falls back to the chat endpoint when no dedicated
// embedding endpoint is configured.
func (c Config) EmbeddingClientConfig() openrouterx.Config {
	conf := c.OpenRouter()
	if v := strings.TrimSpace(c.EmbeddingBaseURL); v != "" {
		conf.BaseURL = v
	}
	if v := strings.TrimSpace(c.EmbeddingAPIKey); v != "" {
		conf.APIKey = v
	}
	return conf
}
