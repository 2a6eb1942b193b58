package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return MustNew(prometheus.NewRegistry(), DefaultConfig())
}

func TestRecordTurnCountsOutcomes(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTurn(TurnSuccess, 100*time.Millisecond)
	m.RecordTurn(TurnFailed, 50*time.Millisecond)
	m.RecordTurn(TurnAborted, 10*time.Millisecond)
	m.RecordTurn(TurnNeutral, 10*time.Millisecond)

	s := m.Snapshot()
	require.EqualValues(t, 4, s.TotalTurns)
	require.EqualValues(t, 1, s.SuccessfulOps)
	require.EqualValues(t, 1, s.FailedOps)
	require.EqualValues(t, 1, s.AbortedOps)
}

func TestRecordToolStatusClasses(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTool("GET", 200, time.Millisecond, 0)
	m.RecordTool("POST", 400, time.Millisecond, 0)
	m.RecordTool("PUT", 503, time.Millisecond, 2)
	m.RecordTool("DELETE", 0, time.Millisecond, 2)

	s := m.Snapshot()
	require.EqualValues(t, 1, s.Tool4xx)
	require.EqualValues(t, 1, s.Tool5xx)
	require.EqualValues(t, 1, s.ToolTransportFails)
	require.EqualValues(t, 4, s.Retries)
}

func TestRecordLLMTokenAccounting(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLLM(true, 120, 30, 450)
	m.RecordLLM(false, 10, 0, 0)

	s := m.Snapshot()
	require.EqualValues(t, 1, s.LLMCallsOK)
	require.EqualValues(t, 1, s.LLMCallsErr)
	require.EqualValues(t, 130, s.LLMPromptTokens)
	require.EqualValues(t, 30, s.LLMCompletionTokens)
	require.EqualValues(t, 450, s.LLMCostMicros)
}

func TestAbortRatioAlert(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 7; i++ {
		m.RecordTurn(TurnSuccess, time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		m.RecordTurn(TurnAborted, time.Millisecond)
	}

	require.Contains(t, m.Snapshot().Alerts, "abort_ratio_high")
}

func TestRetryRateAlert(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 10; i++ {
		m.RecordTurn(TurnSuccess, time.Millisecond)
	}
	m.RecordTool("GET", 200, time.Millisecond, 2)

	// 2 retries over 10 turns = 20 per 100 turns.
	require.Contains(t, m.Snapshot().Alerts, "retry_rate_high")
}

func TestSlowTurnAlert(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 20; i++ {
		m.RecordTurn(TurnSuccess, 3*time.Second)
	}

	require.Contains(t, m.Snapshot().Alerts, "turn_p95_slow")
}

func TestNoAlertsWhenHealthy(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 50; i++ {
		m.RecordTurn(TurnSuccess, 10*time.Millisecond)
	}

	require.Empty(t, m.Snapshot().Alerts)
}

func TestSampleRingCap(t *testing.T) {
	r := newSampleRing(5, time.Hour)
	for i := 1; i <= 10; i++ {
		r.Add(time.Duration(i) * time.Millisecond)
	}
	require.Equal(t, 5, r.len())
	// Oldest five evicted; max retained sample is 10ms.
	require.Equal(t, 10*time.Millisecond, r.Percentile(1.0))
	require.Equal(t, 6*time.Millisecond, r.Percentile(0))
}

func TestSampleRingTTL(t *testing.T) {
	r := newSampleRing(100, time.Minute)
	current := time.Unix(1000, 0)
	r.now = func() time.Time { return current }

	r.Add(time.Millisecond)
	current = current.Add(2 * time.Minute)
	require.Equal(t, 0, r.len())
}

func TestPercentileEmpty(t *testing.T) {
	r := newSampleRing(10, time.Hour)
	require.Equal(t, time.Duration(0), r.Percentile(0.95))
}
