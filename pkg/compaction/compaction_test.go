package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/providers"
	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

func TestComputeInputBudgetRespectsBothCeilings(t *testing.T) {
	b := ComputeInputBudget(100000, 4096)
	require.LessOrEqual(t, b.InputBudget, b.SafeInputBudget)
	require.LessOrEqual(t, b.InputBudget, b.EarlyInputBudget)
	require.Equal(t, 4096, b.ReservedOutputTokens)
}

func TestComputeInputBudgetFallsBackToTwentyPercentReserve(t *testing.T) {
	b := ComputeInputBudget(10000, 0)
	require.Equal(t, 2000, b.ReservedOutputTokens)
}

func TestComputeInputBudgetClampsReserveToMinimum(t *testing.T) {
	b := ComputeInputBudget(2000, 10)
	require.Equal(t, minReservedOutputTokens, b.ReservedOutputTokens)
}

func TestOverflowRetryBudgetShrinksEachAttempt(t *testing.T) {
	b1 := OverflowRetryBudget(10000, 0, 1)
	b2 := OverflowRetryBudget(10000, 0, 2)
	require.Greater(t, b1, b2)
}

func TestOverflowRetryBudgetNeverBelowFloor(t *testing.T) {
	b := OverflowRetryBudget(100, 0, 10)
	require.Equal(t, 256, b)
}

func TestRepairTranscriptDropsOrphanToolMessage(t *testing.T) {
	msgs := []turnengine.Message{
		{Role: turnengine.RoleUser, Content: "hi"},
		{Role: turnengine.RoleTool, ToolCallID: "missing", Content: "orphan"},
	}
	out := repairTranscript(msgs)
	require.Len(t, out, 1)
}

func TestRepairTranscriptKeepsMatchedToolMessage(t *testing.T) {
	msgs := []turnengine.Message{
		{Role: turnengine.RoleUser, Content: "hi"},
		{Role: turnengine.RoleAssistant, ToolCalls: []providers.ToolCall{{ID: "tc1"}}},
		{Role: turnengine.RoleTool, ToolCallID: "tc1", Content: "result"},
	}
	out := repairTranscript(msgs)
	require.Len(t, out, 3)
}

type stubSummaryProvider struct{ calls int }

func (s *stubSummaryProvider) GetDefaultModel() string { return "stub-summary" }
func (s *stubSummaryProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	s.calls++
	return &providers.LLMResponse{Content: "summary of segment"}, nil
}

func TestTransformMessagesLeavesSmallTranscriptUntouched(t *testing.T) {
	c := New(Config{ContextLimit: 100000, OutputLimit: 4096, SummaryModel: "stub"}, &stubSummaryProvider{})
	msgs := []turnengine.Message{{Role: turnengine.RoleUser, Content: "hi"}}

	out, err := c.TransformMessages(context.Background(), msgs)
	require.NoError(t, err)
	require.Equal(t, msgs, out)
}

func TestTransformMessagesSummarizesOversizedTranscript(t *testing.T) {
	provider := &stubSummaryProvider{}
	c := New(Config{ContextLimit: 2000, OutputLimit: 200, SummaryModel: "stub", KeepLastN: 2}, provider)

	var msgs []turnengine.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, turnengine.Message{Role: turnengine.RoleUser, Content: strings.Repeat("word ", 100)})
		msgs = append(msgs, turnengine.Message{Role: turnengine.RoleAssistant, Content: strings.Repeat("reply ", 100)})
	}
	msgs = append(msgs, turnengine.Message{Role: turnengine.RoleUser, Content: "continue"})

	out, err := c.TransformMessages(context.Background(), msgs)
	require.NoError(t, err)
	require.Greater(t, provider.calls, 0)
	require.True(t, strings.Contains(out[0].Content, "<summary>"))
	require.Less(t, len(out), len(msgs))
}

func TestTransformMessagesRecordsSkippedOutcomeWhenAttached(t *testing.T) {
	c := New(Config{ContextLimit: 100000, OutputLimit: 4096, SummaryModel: "stub"}, &stubSummaryProvider{})
	m := metrics.New()
	c.SetMetrics(m)

	_, err := c.TransformMessages(context.Background(), []turnengine.Message{{Role: turnengine.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.CompactionsTotal.WithLabelValues("skipped")))
}

func TestTransformMessagesRecordsSummarizedOutcomeWhenAttached(t *testing.T) {
	provider := &stubSummaryProvider{}
	c := New(Config{ContextLimit: 2000, OutputLimit: 200, SummaryModel: "stub", KeepLastN: 2}, provider)
	m := metrics.New()
	c.SetMetrics(m)

	var msgs []turnengine.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, turnengine.Message{Role: turnengine.RoleUser, Content: strings.Repeat("word ", 100)})
		msgs = append(msgs, turnengine.Message{Role: turnengine.RoleAssistant, Content: strings.Repeat("reply ", 100)})
	}
	msgs = append(msgs, turnengine.Message{Role: turnengine.RoleUser, Content: "continue"})

	_, err := c.TransformMessages(context.Background(), msgs)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.CompactionsTotal.WithLabelValues("summarized")))
}

func TestTurnErrorHandlerRetriesOnContextOverflowUpToLimit(t *testing.T) {
	c := New(Config{ContextLimit: 1000, OverflowRecoveryMaxTries: 2}, &stubSummaryProvider{})
	err := &providers.ContextOverflowError{Model: "m", EstimatedTokens: 900}

	require.Equal(t, turnengine.TurnErrorRetry, c.TurnErrorHandler(context.Background(), err, 1))
	require.Equal(t, turnengine.TurnErrorRetry, c.TurnErrorHandler(context.Background(), err, 2))
	require.Equal(t, turnengine.TurnErrorFail, c.TurnErrorHandler(context.Background(), err, 3))
}

func TestTurnErrorHandlerFailsImmediatelyOnOtherErrors(t *testing.T) {
	c := New(Config{ContextLimit: 1000}, &stubSummaryProvider{})
	require.Equal(t, turnengine.TurnErrorFail, c.TurnErrorHandler(context.Background(), errors.New("boom"), 1))
}
