package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"hydrochat/internal/logging"
	"hydrochat/internal/metrics"
)

func chatServer(t *testing.T, content string, promptTokens, completionTokens int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Authorization"))
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
			"usage":   map[string]any{"prompt_tokens": promptTokens, "completion_tokens": completionTokens},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newAdapter(t *testing.T, url string) (*OpenAIAdapter, *metrics.Metrics) {
	t.Helper()
	m := metrics.MustNew(prometheus.NewRegistry(), metrics.DefaultConfig())
	return NewOpenAIAdapter(url, "sk-test", "gpt-4o-mini", logging.Nop(), m), m
}

var labels = []string{"CreatePatient", "DeletePatient", "Unknown"}

func TestClassifyIntentParsesCleanJSON(t *testing.T) {
	srv := chatServer(t, `{"intent":"CreatePatient","confidence":0.9,"reason":"create verb"}`, 40, 12)
	defer srv.Close()
	adapter, m := newAdapter(t, srv.URL)

	verdict, err := adapter.ClassifyIntent(context.Background(), "please add a new patient", labels)
	require.NoError(t, err)
	require.Equal(t, "CreatePatient", verdict.Intent)
	require.InDelta(t, 0.9, verdict.Confidence, 1e-9)

	s := m.Snapshot()
	require.EqualValues(t, 1, s.LLMCallsOK)
	require.EqualValues(t, 40, s.LLMPromptTokens)
	require.EqualValues(t, 12, s.LLMCompletionTokens)
}

func TestClassifyIntentRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and unquoted key: jsonrepair territory.
	srv := chatServer(t, "{intent: \"DeletePatient\", \"confidence\": 0.7, \"reason\": \"delete\",}", 10, 5)
	defer srv.Close()
	adapter, _ := newAdapter(t, srv.URL)

	verdict, err := adapter.ClassifyIntent(context.Background(), "remove him", labels)
	require.NoError(t, err)
	require.Equal(t, "DeletePatient", verdict.Intent)
}

func TestClassifyIntentRejectsUnlistedLabel(t *testing.T) {
	srv := chatServer(t, `{"intent":"LaunchRockets","confidence":1,"reason":"?"}`, 10, 5)
	defer srv.Close()
	adapter, _ := newAdapter(t, srv.URL)

	_, err := adapter.ClassifyIntent(context.Background(), "hm", labels)
	require.ErrorContains(t, err, "unlisted intent")
}

func TestClassifyIntentServerErrorCountsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	adapter, m := newAdapter(t, srv.URL)

	_, err := adapter.ClassifyIntent(context.Background(), "hm", labels)
	require.Error(t, err)
	require.EqualValues(t, 1, m.Snapshot().LLMCallsErr)
}

func TestSummarize(t *testing.T) {
	srv := chatServer(t, "  Clinician created Jane Tan and reviewed her scans.  ", 30, 9)
	defer srv.Close()
	adapter, _ := newAdapter(t, srv.URL)

	summary, err := adapter.Summarize(context.Background(), []string{"user: create Jane Tan", "assistant: done"})
	require.NoError(t, err)
	require.Equal(t, "Clinician created Jane Tan and reviewed her scans.", summary)
}

func TestCountTokensNonZero(t *testing.T) {
	require.Positive(t, CountTokens("create patient Jane Tan"))
	require.Zero(t, CountTokens(""))
}

func TestEstimateTokensHeuristic(t *testing.T) {
	require.Equal(t, 0, estimateTokens("   "))
	require.Equal(t, 1, estimateTokens("hi"))
	require.GreaterOrEqual(t, estimateTokens("one two three four"), 4)
}

func TestCostMicros(t *testing.T) {
	// gpt-4o-mini: 0.15/M in, 0.60/M out.
	require.EqualValues(t, 150+600, costMicros("gpt-4o-mini", 1_000_000, 1_000_000)/1000)
	require.Positive(t, costMicros("some-unknown-model", 1_000_000, 0))
}
