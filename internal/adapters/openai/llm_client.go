package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// ProviderName is the provider key used in route configuration
const ProviderName = "openai"

// Options configures the OpenAI client
type Options struct {
	APIKey       string
	BaseURL      string
	Organization string
	MaxTokens    int
	TopP         float32
}

// OpenAIClient is an implementation of the ModelClient interface using OpenAI
type OpenAIClient struct {
	client    *openai.Client
	maxTokens int
	topP      float32
	logger    *zap.Logger
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(opts Options, logger *zap.Logger) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Organization != "" {
		cfg.OrgID = opts.Organization
	}

	return &OpenAIClient{
		client:    openai.NewClientWithConfig(cfg),
		maxTokens: opts.MaxTokens,
		topP:      opts.TopP,
		logger:    logger,
	}, nil
}

// Provider returns the provider name
func (c *OpenAIClient) Provider() string {
	return ProviderName
}

// Complete sends a chat completion request asking for a JSON object
func (c *OpenAIClient) Complete(ctx context.Context, req core.CompletionRequest) (*core.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.System,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.Prompt,
			},
		},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        c.topP,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to create chat completion with OpenAI: %w", err))
	}

	if len(resp.Choices) == 0 {
		return nil, core.Validation(fmt.Errorf("empty response from OpenAI"))
	}

	c.logger.Debug("OpenAI completion",
		zap.String("id", resp.ID),
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &core.Completion{
		ID:               resp.ID,
		Model:            resp.Model,
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classifyError maps OpenAI API errors onto the error taxonomy
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		// A 429 for an exhausted quota will not clear on retry.
		if apiErr.Type == "insufficient_quota" || fmt.Sprint(apiErr.Code) == "insufficient_quota" {
			return core.Permanent(err)
		}
		return core.WrapKind(core.HTTPStatusKind(apiErr.HTTPStatusCode), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return core.WrapKind(core.HTTPStatusKind(reqErr.HTTPStatusCode), err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return core.WrapByMessage(err)
}
