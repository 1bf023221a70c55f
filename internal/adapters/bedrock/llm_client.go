package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// ProviderName is the provider key used in route configuration
const ProviderName = "bedrock"

const anthropicVersion = "bedrock-2023-05-31"

// InvokeModelAPI is the subset of the Bedrock runtime client used here
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the Bedrock client
type Options struct {
	Region    string
	MaxTokens int
	TopP      float32
}

// BedrockClient is an implementation of the ModelClient interface using Amazon Bedrock
type BedrockClient struct {
	api       InvokeModelAPI
	maxTokens int
	topP      float32
	logger    *zap.Logger
}

// NewBedrockClient creates a new Bedrock client around an existing runtime API
func NewBedrockClient(api InvokeModelAPI, opts Options, logger *zap.Logger) *BedrockClient {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BedrockClient{
		api:       api,
		maxTokens: opts.MaxTokens,
		topP:      opts.TopP,
		logger:    logger,
	}
}

// NewFromRegion loads the default AWS configuration and creates a Bedrock client
func NewFromRegion(ctx context.Context, opts Options, logger *zap.Logger) (*BedrockClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), opts, logger), nil
}

// Provider returns the provider name
func (c *BedrockClient) Provider() string {
	return ProviderName
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      float32         `json:"temperature"`
	TopP             float32         `json:"top_p,omitempty"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Content []claudeContent `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type titanResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount int    `json:"tokenCount"`
		OutputText string `json:"outputText"`
	} `json:"results"`
}

// Complete invokes the model with the request body format its family expects
func (c *BedrockClient) Complete(ctx context.Context, req core.CompletionRequest) (*core.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload, err := c.buildPayload(req, maxTokens)
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("failed to marshal request payload: %w", err))
	}

	resp, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to invoke Bedrock model: %w", err))
	}

	out, err := parseBody(req.Model, resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Bedrock completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", out.PromptTokens),
		zap.Int("completion_tokens", out.CompletionTokens))
	return out, nil
}

func (c *BedrockClient) buildPayload(req core.CompletionRequest, maxTokens int) ([]byte, error) {
	switch {
	case isAnthropicModel(req.Model):
		return json.Marshal(claudeRequest{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        maxTokens,
			System:           req.System,
			Messages: []claudeMessage{{
				Role:    "user",
				Content: []claudeContent{{Type: "text", Text: req.Prompt}},
			}},
			Temperature: req.Temperature,
			TopP:        c.topP,
		})
	case isAmazonTitanModel(req.Model):
		genCfg := map[string]any{
			"maxTokenCount": maxTokens,
			"temperature":   req.Temperature,
		}
		if c.topP > 0 {
			genCfg["topP"] = c.topP
		}
		return json.Marshal(map[string]any{
			"inputText":            req.System + "\n\n" + req.Prompt,
			"textGenerationConfig": genCfg,
		})
	default:
		return json.Marshal(map[string]any{
			"prompt":      req.System + "\n\n" + req.Prompt,
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
		})
	}
}

// parseBody extracts text and token usage from a model family's response body
func parseBody(modelID string, body []byte) (*core.Completion, error) {
	out := &core.Completion{Model: modelID}

	switch {
	case isAnthropicModel(modelID):
		var resp claudeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, core.Validation(fmt.Errorf("failed to unmarshal Claude response: %w", err))
		}
		var b strings.Builder
		for _, part := range resp.Content {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		out.ID = resp.ID
		out.Text = b.String()
		out.PromptTokens = resp.Usage.InputTokens
		out.CompletionTokens = resp.Usage.OutputTokens
	case isAmazonTitanModel(modelID):
		var resp titanResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, core.Validation(fmt.Errorf("failed to unmarshal Titan response: %w", err))
		}
		if len(resp.Results) == 0 {
			return nil, core.Validation(fmt.Errorf("empty response from Titan model"))
		}
		out.Text = resp.Results[0].OutputText
		out.PromptTokens = resp.InputTextTokenCount
		out.CompletionTokens = resp.Results[0].TokenCount
	default:
		var resp struct {
			Output   string `json:"output"`
			Text     string `json:"text"`
			Response string `json:"response"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, core.Validation(fmt.Errorf("failed to unmarshal generic response: %w", err))
		}
		switch {
		case resp.Output != "":
			out.Text = resp.Output
		case resp.Text != "":
			out.Text = resp.Text
		case resp.Response != "":
			out.Text = resp.Response
		default:
			out.Text = string(body)
		}
	}

	if strings.TrimSpace(out.Text) == "" {
		return nil, core.Validation(fmt.Errorf("empty response from Bedrock model %s", modelID))
	}
	return out, nil
}

var transientCodes = map[string]bool{
	"ThrottlingException":         true,
	"ModelTimeoutException":       true,
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelNotReadyException":      true,
	"ModelStreamErrorException":   true,
}

// classifyError maps Bedrock API error codes onto the error taxonomy
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return core.Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return core.Transient(err)
		}
		return core.Permanent(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return core.WrapByMessage(err)
}

// isAnthropicModel checks if the model is an Anthropic Claude model
func isAnthropicModel(modelID string) bool {
	return strings.Contains(modelID, "anthropic.claude")
}

// isAmazonTitanModel checks if the model is an Amazon Titan model
func isAmazonTitanModel(modelID string) bool {
	return strings.HasPrefix(modelID, "amazon.titan")
}
