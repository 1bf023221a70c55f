package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-triage/internal/core"
)

type mockService struct {
	mu          sync.Mutex
	scored      []core.EmailFeatures
	batchUser   string
	batchLimit  int
	batchErr    error
	usageWindow core.UsageWindow
	health      core.HealthSnapshot
	invalidated []core.Signature
}

func (m *mockService) ScoreEmail(ctx context.Context, email core.EmailFeatures) (*core.ScoringResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scored = append(m.scored, email)
	return &core.ScoringResult{EmailID: email.ID, UserID: email.UserID, Score: 8, TierUsed: core.TierMini, Confidence: 0.9}, nil
}

func (m *mockService) ScoreBatch(ctx context.Context, userID string, limit int) (*core.BatchOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchUser, m.batchLimit = userID, limit
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	return &core.BatchOutcome{UserID: userID, Requested: 2, Scored: 2, Persisted: 2}, nil
}

func (m *mockService) GetHealth(ctx context.Context) core.HealthSnapshot {
	return m.health
}

func (m *mockService) GetUsageSummary(ctx context.Context, userID string, window core.UsageWindow) (*core.UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageWindow = window
	return &core.UsageSummary{UserID: userID, Window: window, TotalCostCents: 1.25}, nil
}

func (m *mockService) Invalidate(sig core.Signature) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, sig)
	return true
}

func setup(t *testing.T) (*mockService, http.Handler) {
	t.Helper()
	svc := &mockService{health: core.HealthSnapshot{Status: core.StatusHealthy}}
	return svc, NewServer(svc, Options{}, nil).Router()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestScore(t *testing.T) {
	svc, h := setup(t)

	w := do(h, http.MethodPost, "/api/v1/score",
		`{"id": "m1", "user_id": "u1", "from": "notifications@service.com", "subject": "Thanks!", "important": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result core.ScoringResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 8, result.Score)
	require.Len(t, svc.scored, 1)
	assert.Equal(t, "Thanks!", svc.scored[0].Subject)
	assert.True(t, svc.scored[0].Important)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestScore_ValidationErrors(t *testing.T) {
	_, h := setup(t)

	w := do(h, http.MethodPost, "/api/v1/score", `{"subject": "hi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "user_id is required")
	assert.Contains(t, resp.Error, "from is required")

	w = do(h, http.MethodPost, "/api/v1/score", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScoreBatch(t *testing.T) {
	svc, h := setup(t)

	w := do(h, http.MethodPost, "/api/v1/users/u1/score-batch?limit=25", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", svc.batchUser)
	assert.Equal(t, 25, svc.batchLimit)

	w = do(h, http.MethodPost, "/api/v1/users/u1/score-batch?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScoreBatch_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{core.Validation(errors.New("user id is required")), http.StatusBadRequest},
		{fmt.Errorf("failed to fetch pending emails: %w", core.ErrPoolTimeout), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("failed to persist batch results: %w", core.Transient(errors.New("connection refused"))), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		svc, h := setup(t)
		svc.batchErr = tt.err
		w := do(h, http.MethodPost, "/api/v1/users/u1/score-batch", "")
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}

func TestUsage(t *testing.T) {
	svc, h := setup(t)

	w := do(h, http.MethodGet, "/api/v1/users/u1/usage?window=monthly", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, core.WindowMonthly, svc.usageWindow)

	w = do(h, http.MethodGet, "/api/v1/users/u1/usage?window=weekly", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "window must be one of")
}

func TestInvalidate(t *testing.T) {
	svc, h := setup(t)

	w := do(h, http.MethodDelete, "/api/v1/signatures/0123456789ABCDEF0123456789abcdef", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.invalidated, 1)
	assert.Equal(t, core.Signature("0123456789abcdef0123456789abcdef"), svc.invalidated[0])

	w = do(h, http.MethodDelete, "/api/v1/signatures/not-a-signature", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	svc, h := setup(t)

	w := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	svc.health = core.HealthSnapshot{Status: core.StatusDegraded}
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "").Code)

	svc.health = core.HealthSnapshot{Status: core.StatusUnhealthy}
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/health", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := setup(t)
	do(h, http.MethodGet, "/health", "")

	w := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "triage_http_requests_total")
}

func TestRequestIDPropagation(t *testing.T) {
	_, h := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}
