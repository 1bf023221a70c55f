package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func TestSend(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewSink(Options{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}, nil)
	require.NoError(t, err)

	event := core.AlertEvent{
		RuleID:     "score-latency",
		MetricName: "score_email.sla_violations",
		Value:      5,
		Threshold:  5,
		Comparison: core.CompareGreaterOrEqual,
		State:      core.AlertFiring,
		Timestamp:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Send(context.Background(), event))
	assert.Equal(t, "mail-triage", got.Source)
	assert.Equal(t, event, got.Event)
}

func TestSend_ErrorStatus(t *testing.T) {
	for status, kind := range map[int]core.ErrorKind{
		http.StatusServiceUnavailable: core.KindTransient,
		http.StatusForbidden:          core.KindPermanent,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		}))

		sink, err := NewSink(Options{URL: srv.URL}, nil)
		require.NoError(t, err)
		err = sink.Send(context.Background(), core.AlertEvent{RuleID: "r"})
		assert.Error(t, err)
		assert.Equal(t, kind, core.Classify(err))
		srv.Close()
	}
}

func TestNewSink_RequiresURL(t *testing.T) {
	_, err := NewSink(Options{}, nil)
	assert.Error(t, err)
}
