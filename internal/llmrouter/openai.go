package llmrouter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider wraps the Chat Completions API. A non-empty baseURL lets
// the same client shape serve any OpenAI-compatible endpoint, which is how
// the always-available local_only tier is implemented (pointed at a local
// Ollama server rather than api.openai.com).
type OpenAIProvider struct {
	name    string
	client  openai.Client
	apiKey  string
	baseURL string
}

func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{name: "openai", apiKey: apiKey}
	if apiKey != "" {
		p.client = openai.NewClient(option.WithAPIKey(apiKey))
	}
	return p
}

// NewLocalProvider builds a zero-cost provider against an OpenAI-compatible
// local endpoint (e.g. Ollama's `/v1` shim). It is always available: unlike
// a hosted provider, an empty API key is expected and no budget is spent.
func NewLocalProvider(name, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return &OpenAIProvider{
		name:    name,
		baseURL: baseURL,
		client:  openai.NewClient(option.WithBaseURL(baseURL), option.WithAPIKey("local")),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) IsAvailable() bool {
	return p.baseURL != "" || p.apiKey != ""
}

func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, model string, temperature float64, maxTokens int) (Response, error) {
	if !p.IsAvailable() {
		return Response{}, fmt.Errorf("%s provider: not configured", p.name)
	}

	msgParams := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgParams = append(msgParams, openai.SystemMessage(m.Content))
		case "assistant":
			msgParams = append(msgParams, openai.AssistantMessage(m.Content))
		default:
			msgParams = append(msgParams, openai.UserMessage(m.Content))
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    msgParams,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return Response{}, classifySDKError(p.name, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%s complete: no choices returned", p.name)
	}

	return Response{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
