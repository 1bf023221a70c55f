package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewOpenAIClient(Options{APIKey: "test-key", BaseURL: srv.URL + "/v1", MaxTokens: 150}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestComplete_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.EqualValues(t, 150, body["max_tokens"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"score\": 8}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 412, "completion_tokens": 23, "total_tokens": 435}
		}`))
	})

	out, err := c.Complete(context.Background(), core.CompletionRequest{Model: "gpt-4o-mini", System: "sys", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", out.ID)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", out.Model)
	assert.Equal(t, `{"score": 8}`, out.Text)
	assert.Equal(t, 412, out.PromptTokens)
	assert.Equal(t, 23, out.CompletionTokens)
	assert.Equal(t, ProviderName, c.Provider())
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   core.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error": {"message": "slow down", "type": "requests", "code": "rate_limit_exceeded"}}`, core.KindTransient},
		{"quota exhausted", http.StatusTooManyRequests, `{"error": {"message": "quota", "type": "insufficient_quota", "code": "insufficient_quota"}}`, core.KindPermanent},
		{"bad key", http.StatusUnauthorized, `{"error": {"message": "Incorrect API key", "type": "invalid_request_error", "code": "invalid_api_key"}}`, core.KindPermanent},
		{"server error", http.StatusInternalServerError, `{"error": {"message": "oops", "type": "server_error"}}`, core.KindTransient},
		{"gateway html", http.StatusBadGateway, `<html>bad gateway</html>`, core.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Complete(context.Background(), core.CompletionRequest{Model: "gpt-4o-mini"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, core.Classify(err))
		})
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	})

	_, err := c.Complete(context.Background(), core.CompletionRequest{Model: "gpt-4o-mini"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(Options{}, zap.NewNop())
	assert.Error(t, err)
}
