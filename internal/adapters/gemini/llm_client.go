package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// ProviderName is the provider key used in route configuration
const ProviderName = "gemini"

// Options configures the Gemini client
type Options struct {
	APIKey    string
	Endpoint  string
	MaxTokens int
	TopP      float32
}

// GeminiClient is an implementation of the ModelClient interface using Google Gemini
type GeminiClient struct {
	client    *genai.Client
	maxTokens int
	topP      float32
	logger    *zap.Logger
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, opts Options, logger *zap.Logger) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GeminiClient{
		client:    client,
		maxTokens: opts.MaxTokens,
		topP:      opts.TopP,
		logger:    logger,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Provider returns the provider name
func (c *GeminiClient) Provider() string {
	return ProviderName
}

// Complete generates content asking for a JSON response
func (c *GeminiClient) Complete(ctx context.Context, req core.CompletionRequest) (*core.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	model := c.client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	if c.topP > 0 {
		model.SetTopP(c.topP)
	}
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	model.ResponseMIMEType = "application/json"
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to generate content with Gemini: %w", err))
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	out := &core.Completion{
		Model: req.Model,
		Text:  text,
	}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	c.logger.Debug("Gemini completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", out.PromptTokens),
		zap.Int("completion_tokens", out.CompletionTokens))
	return out, nil
}

// responseText concatenates the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", core.Validation(fmt.Errorf("empty response from Gemini"))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", core.Validation(fmt.Errorf("no text parts in Gemini response"))
	}
	return b.String(), nil
}

// classifyError maps Gemini errors onto the error taxonomy
func classifyError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return core.WrapKind(core.HTTPStatusKind(apiErr.Code), err)
	}

	// Blocked prompts or responses depend on the content, not the service.
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return core.Validation(err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return core.WrapByMessage(err)
}
