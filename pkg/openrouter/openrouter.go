// Package openrouter talks to OpenRouter, or any OpenAI-compatible endpoint,
// for the panel's chat models and embeddings. One Config holds the
// connection; each pipeline role asks for its own model through a ModelSpec.
package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaimodel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Models that reject reasoning parameters unless explicitly excluded.
var reasoningExcluded = map[string]bool{
	"x-ai/grok-4.1-fast": true,
}

// Config is the connection shared by every role.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	SiteURL  string
	SiteName string
}

// ModelSpec is the model one pipeline role runs on.
type ModelSpec struct {
	Role        string
	Model       string
	Temperature float32
	MaxTokens   int
	// Structured roles reply with a single JSON object, so provider-side
	// reasoning is switched off for them.
	Structured bool
}

func (c Config) baseURL() string {
	if v := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"); v != "" {
		return v
	}
	return DefaultBaseURL
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("openrouter: api key is required")
	}
	return nil
}

// ChatModel builds the eino chat model for spec.
func (c Config) ChatModel(ctx context.Context, spec ModelSpec) (model.ToolCallingChatModel, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	modelName := strings.TrimSpace(spec.Model)
	if modelName == "" {
		return nil, fmt.Errorf("openrouter: no model configured for role %s", spec.Role)
	}

	temperature := spec.Temperature
	conf := &openaimodel.ChatModelConfig{
		BaseURL:     c.baseURL(),
		APIKey:      strings.TrimSpace(c.APIKey),
		Model:       modelName,
		Temperature: &temperature,
		HTTPClient:  c.httpClient(),
	}
	if spec.MaxTokens > 0 {
		maxTokens := spec.MaxTokens
		conf.MaxTokens = &maxTokens
	}
	if spec.Structured || reasoningExcluded[modelName] {
		conf.ExtraFields = map[string]any{
			"reasoning": map[string]any{
				"exclude": true,
				"effort":  "none",
			},
		}
	}

	m, err := openaimodel.NewChatModel(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("openrouter: create %s chat model: %w", spec.Role, err)
	}
	return m, nil
}

// Client returns a raw OpenAI SDK client for the embeddings endpoint. It
// returns nil when no API key is set.
func (c Config) Client() *openaisdk.Client {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(c.APIKey)),
		option.WithBaseURL(c.baseURL()),
		option.WithHTTPClient(c.httpClient()),
	}
	client := openaisdk.NewClient(opts...)
	return &client
}

// httpClient tags every request with the OpenRouter attribution headers.
func (c Config) httpClient() *http.Client {
	headers := http.Header{}
	if v := strings.TrimSpace(c.SiteURL); v != "" {
		headers.Set("HTTP-Referer", v)
	}
	if v := strings.TrimSpace(c.SiteName); v != "" {
		headers.Set("X-Title", v)
	}
	return &http.Client{
		Timeout:   c.Timeout,
		Transport: &attribution{headers: headers, next: http.DefaultTransport},
	}
}

type attribution struct {
	headers http.Header
	next    http.RoundTripper
}

func (a *attribution) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(a.headers) == 0 {
		return a.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range a.headers {
		req.Header[k] = v
	}
	return a.next.RoundTrip(req)
}
