package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordTurnUpdatesDurationAndTokenCounters(t *testing.T) {
	m := New()

	m.RecordTurn("tool_calls", "anthropic", "claude-sonnet-4-5-20250929", 250*time.Millisecond, 100, 50, 20, 5)

	require.Equal(t, float64(100), testutil.ToFloat64(m.TurnTokens.WithLabelValues("anthropic", "claude-sonnet-4-5-20250929", "prompt")))
	require.Equal(t, float64(50), testutil.ToFloat64(m.TurnTokens.WithLabelValues("anthropic", "claude-sonnet-4-5-20250929", "completion")))
	require.Equal(t, float64(20), testutil.ToFloat64(m.TurnTokens.WithLabelValues("anthropic", "claude-sonnet-4-5-20250929", "cache_read")))
	require.Equal(t, float64(5), testutil.ToFloat64(m.TurnTokens.WithLabelValues("anthropic", "claude-sonnet-4-5-20250929", "cache_create")))
}

func TestRecordRequestIncrementsByModeAndDecision(t *testing.T) {
	m := New()
	m.RecordRequest("active", "start_prompt")
	m.RecordRequest("active", "start_prompt")
	require.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("active", "start_prompt")))
}

func TestRecordGateDecisionIncrementsByContextAndOutcome(t *testing.T) {
	m := New()
	m.RecordGateDecision("active-batch", "forward")
	require.Equal(t, float64(1), testutil.ToFloat64(m.GateDecisions.WithLabelValues("active-batch", "forward")))
}

func TestCalculateCostUsesModelPricingTable(t *testing.T) {
	cost := calculateCost("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000, 0, 0)
	require.InDelta(t, 18.0, cost, 0.0001)
}

func TestCalculateCostFallsBackToDefaultPricingForUnknownModel(t *testing.T) {
	known := calculateCost("claude-sonnet-4-5-20250929", 1_000_000, 0, 0, 0)
	unknown := calculateCost("some-unlisted-model", 1_000_000, 0, 0, 0)
	require.Equal(t, known, unknown)
}

func TestTrackerAppendsOneJSONLineWithComputedCost(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(dir)

	tracker.Record(TokenEvent{SessionID: "discord:c1", Model: "claude-haiku-3-5-20241022", InputTokens: 1000, OutputTokens: 500})
	tracker.Record(TokenEvent{SessionID: "discord:c1", Model: "claude-haiku-3-5-20241022", InputTokens: 2000, OutputTokens: 100})

	f, err := os.Open(filepath.Join(dir, "metrics", "tokens.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var ev TokenEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	require.Equal(t, "discord:c1", ev.SessionID)
	require.Greater(t, ev.CostUSD, 0.0)
}
