package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-triage/internal/core"
)

type fakeRuntime struct {
	body  []byte
	err   error
	input *bedrockruntime.InvokeModelInput
}

func (f *fakeRuntime) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

const claudeModel = "anthropic.claude-3-haiku-20240307-v1:0"

func TestComplete_Claude(t *testing.T) {
	api := &fakeRuntime{body: []byte(`{
		"id": "msg_1",
		"model": "claude-3-haiku",
		"content": [{"type": "text", "text": "{\"score\": 9}"}],
		"usage": {"input_tokens": 321, "output_tokens": 17}
	}`)}
	c := NewBedrockClient(api, Options{MaxTokens: 200}, nil)

	out, err := c.Complete(context.Background(), core.CompletionRequest{Model: claudeModel, System: "sys", Prompt: "rate this"})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 9}`, out.Text)
	assert.Equal(t, 321, out.PromptTokens)
	assert.Equal(t, 17, out.CompletionTokens)
	assert.Equal(t, ProviderName, c.Provider())

	require.NotNil(t, api.input)
	assert.Equal(t, claudeModel, *api.input.ModelId)

	var sent claudeRequest
	require.NoError(t, json.Unmarshal(api.input.Body, &sent))
	assert.Equal(t, anthropicVersion, sent.AnthropicVersion)
	assert.Equal(t, 200, sent.MaxTokens)
	assert.Equal(t, "sys", sent.System)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, "rate this", sent.Messages[0].Content[0].Text)
}

func TestComplete_Titan(t *testing.T) {
	api := &fakeRuntime{body: []byte(`{"inputTextTokenCount": 50, "results": [{"tokenCount": 8, "outputText": "{\"score\": 2}"}]}`)}
	c := NewBedrockClient(api, Options{}, nil)

	out, err := c.Complete(context.Background(), core.CompletionRequest{Model: "amazon.titan-text-express-v1", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 2}`, out.Text)
	assert.Equal(t, 50, out.PromptTokens)
	assert.Equal(t, 8, out.CompletionTokens)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(api.input.Body, &sent))
	assert.Contains(t, sent, "inputText")
	assert.Contains(t, sent, "textGenerationConfig")
}

func TestComplete_EmptyBodies(t *testing.T) {
	for name, tc := range map[string]struct {
		model string
		body  string
	}{
		"claude no content": {claudeModel, `{"content": []}`},
		"titan no results":  {"amazon.titan-text-lite-v1", `{"results": []}`},
		"not json":          {claudeModel, `<<<`},
	} {
		t.Run(name, func(t *testing.T) {
			c := NewBedrockClient(&fakeRuntime{body: []byte(tc.body)}, Options{}, nil)
			_, err := c.Complete(context.Background(), core.CompletionRequest{Model: tc.model})
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind core.ErrorKind
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, core.KindTransient},
		{"model timeout", &smithy.GenericAPIError{Code: "ModelTimeoutException"}, core.KindTransient},
		{"server fault", &smithy.GenericAPIError{Code: "SomethingNew", Fault: smithy.FaultServer}, core.KindTransient},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}, core.KindPermanent},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException"}, core.KindPermanent},
		{"network", errors.New("dial tcp: i/o timeout"), core.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBedrockClient(&fakeRuntime{err: tt.err}, Options{}, nil)
			_, err := c.Complete(context.Background(), core.CompletionRequest{Model: claudeModel})
			require.Error(t, err)
			assert.Equal(t, tt.kind, core.Classify(err))
		})
	}
}
