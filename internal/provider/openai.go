package provider

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter calls any OpenAI-compatible chat completion API. With a
// custom base URL it also covers DeepSeek and similar providers.
type OpenAIAdapter struct {
	name   string
	client *openai.Client
}

// NewOpenAI builds an adapter for the public OpenAI API.
func NewOpenAI(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{name: "openai", client: openai.NewClient(apiKey)}
}

// NewOpenAICompatible builds an adapter for an OpenAI-compatible
// endpoint (e.g. DeepSeek at https://api.deepseek.com/v1).
func NewOpenAICompatible(name, apiKey, baseURL string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{name: name, client: openai.NewClientWithConfig(cfg)}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Invoke(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		chatReq.Stop = req.Stop
	}

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, a.wrapAPIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &Error{Kind: KindUpstream, Provider: a.name, Err: ErrEmptyOutput}
	}

	return &Response{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Model:     req.Model,
	}, nil
}

// wrapAPIError prefers the HTTP status carried by the SDK error over
// message-pattern classification.
func (a *OpenAIAdapter) wrapAPIError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := KindUpstream
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			kind = KindRateLimited
		case apiErr.HTTPStatusCode == http.StatusRequestTimeout:
			kind = KindTimeout
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			kind = KindInvalidRequest
		}
		return &Error{Kind: kind, Provider: a.name, Err: err}
	}
	return wrap(a.name, err)
}
