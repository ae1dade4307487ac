// Package compaction implements the Auto-Compaction budget calculation
// and transcript-shrinking transform the Turn Engine's transformMessages
// hook and turn-error handler install. Grounded on the
// teacher's maybeSummarize/summarizeSession/summarizeBatch, generalized
// from its ad hoc 75%-of-window/20-message trigger into an explicit
// token-budget walk with hierarchical, chunk-halving summarization.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/providers"
	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

const (
	minReservedOutputTokens = 1024
	earlyBudgetFraction     = 0.8
	defaultOverflowMaxTries = 2
	summaryChunkFraction    = 0.35
	maxSummaryPasses        = 6
)

// Budget is the computed input-token budget for one model call.
type Budget struct {
	ReservedOutputTokens int
	SafeInputBudget      int
	EarlyInputBudget     int
	InputBudget          int
}

// ComputeInputBudget implements the input-token budget math:
//
//	reservedOutputTokens = clamp(outputLimit, [1024, contextLimit-1])
//	                       or max(1024, 0.2*contextLimit) when outputLimit<=0
//	safeInputBudget = contextLimit - reservedOutputTokens
//	earlyInputBudget = floor(contextLimit * 0.8)
//	inputBudget = min(safeInputBudget, earlyInputBudget)
func ComputeInputBudget(contextLimit, outputLimit int) Budget {
	var reserved int
	if outputLimit > 0 {
		reserved = clamp(outputLimit, minReservedOutputTokens, contextLimit-1)
	} else {
		reserved = maxInt(minReservedOutputTokens, int(float64(contextLimit)*0.2))
	}

	safe := contextLimit - reserved
	early := int(float64(contextLimit) * earlyBudgetFraction)

	return Budget{
		ReservedOutputTokens: reserved,
		SafeInputBudget:      safe,
		EarlyInputBudget:      early,
		InputBudget:           minInt(safe, early),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// estimateTokens approximates token count at ceil(chars/4), the same
// estimator the compaction budget math uses throughout.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func estimateMessagesTokens(msgs []turnengine.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateTokens(tc.Name) + 8
		}
	}
	return total
}

// OverflowRetryBudget implements the overflow-unknown-capability heuristic:
// max(256, floor(baseline * max(0.2, 0.7 - 0.15*(attempt-1)))), where
// baseline = max(estimatedInputTokens, lastTurnInputTokens).
func OverflowRetryBudget(estimatedInputTokens, lastTurnInputTokens, attempt int) int {
	baseline := maxInt(estimatedInputTokens, lastTurnInputTokens)
	factor := 0.7 - 0.15*float64(attempt-1)
	if factor < 0.2 {
		factor = 0.2
	}
	budget := int(float64(baseline) * factor)
	if budget < 256 {
		budget = 256
	}
	return budget
}

// Config parameterizes a Compactor per session/model.
type Config struct {
	ContextLimit             int
	OutputLimit              int
	SummaryModel             string
	OverflowRecoveryMaxTries int // default 2
	KeepLastN                int // fallback suffix length when the budget walk finds no cut boundary
}

func (c Config) maxOverflowTries() int {
	if c.OverflowRecoveryMaxTries > 0 {
		return c.OverflowRecoveryMaxTries
	}
	return defaultOverflowMaxTries
}

func (c Config) keepLastN() int {
	if c.KeepLastN > 0 {
		return c.KeepLastN
	}
	return 4
}

// Compactor owns the summarizing provider call and the shrink/repair
// transform; it's installed on a turnengine.Engine via
// SetTransformMessages and SetTurnErrorHandler.
type Compactor struct {
	cfg      Config
	provider providers.LLMProvider
	metrics  *metrics.Metrics

	lastTurnInputTokens int
	overflowAttempts    int
	summaryPasses       int
}

func New(cfg Config, provider providers.LLMProvider) *Compactor {
	return &Compactor{cfg: cfg, provider: provider}
}

// SetMetrics attaches a Metrics sink. Nil-safe: unset means no recording.
func (c *Compactor) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// TurnErrorHandler recognizes *providers.ContextOverflowError and retries
// up to cfg.maxOverflowTries(), letting TransformMessages apply a tighter
// budget on the next attempt; anything else fails the run immediately.
func (c *Compactor) TurnErrorHandler(ctx context.Context, err error, attempt int) turnengine.TurnErrorDecision {
	var overflow *providers.ContextOverflowError
	ok := asContextOverflow(err, &overflow)
	if !ok {
		return turnengine.TurnErrorFail
	}
	c.overflowAttempts++
	if c.overflowAttempts > c.cfg.maxOverflowTries() {
		return turnengine.TurnErrorFail
	}
	if overflow != nil {
		c.lastTurnInputTokens = overflow.EstimatedTokens
	}
	return turnengine.TurnErrorRetry
}

func asContextOverflow(err error, target **providers.ContextOverflowError) bool {
	for err != nil {
		if oe, ok := err.(*providers.ContextOverflowError); ok {
			*target = oe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// TransformMessages is the hook installed on turnengine.Engine. It leaves
// the canonical transcript untouched and returns a (possibly summarized,
// possibly shrunk) outbound view.
func (c *Compactor) TransformMessages(ctx context.Context, canonical []turnengine.Message) ([]turnengine.Message, error) {
	budget := ComputeInputBudget(c.cfg.ContextLimit, c.cfg.OutputLimit)
	if c.overflowAttempts > 0 {
		budget.InputBudget = OverflowRetryBudget(estimateMessagesTokens(canonical), c.lastTurnInputTokens, c.overflowAttempts)
	}

	repaired := repairTranscript(canonical)
	if estimateMessagesTokens(repaired) <= budget.InputBudget {
		c.recordOutcome("skipped")
		return repaired, nil
	}

	c.summaryPasses = 0
	compacted, err := c.compact(ctx, repaired, budget.InputBudget)
	if err != nil {
		return nil, err
	}
	return shrinkToBudget(compacted, budget.InputBudget), nil
}

func (c *Compactor) recordOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCompaction(outcome, c.summaryPasses)
	}
}

// repairTranscript drops orphan tool-result messages (no matching open
// tool call) and empty tool messages, a defensive pass before any
// summarization runs.
func repairTranscript(msgs []turnengine.Message) []turnengine.Message {
	out := make([]turnengine.Message, 0, len(msgs))
	openCalls := map[string]bool{}
	for _, m := range msgs {
		switch m.Role {
		case turnengine.RoleAssistant:
			for _, tc := range m.ToolCalls {
				openCalls[tc.ID] = true
			}
			out = append(out, m)
		case turnengine.RoleTool:
			if !openCalls[m.ToolCallID] {
				continue
			}
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			delete(openCalls, m.ToolCallID)
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}

// compact chooses a suffix to retain, summarizes the prefix hierarchically,
// and splices summary+suffix back together (an 8-step transform).
func (c *Compactor) compact(ctx context.Context, msgs []turnengine.Message, inputBudget int) ([]turnengine.Message, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}
	if msgs[len(msgs)-1].Role == turnengine.RoleAssistant {
		return msgs, nil
	}

	suffixStart := chooseSuffixStart(msgs, inputBudget, c.cfg.keepLastN())
	suffixStart = alignToUserBoundary(msgs, suffixStart)

	prefix := msgs[:suffixStart]
	suffix := msgs[suffixStart:]

	if len(prefix) == 0 {
		return msgs, nil
	}

	summary, err := c.summarizeHierarchical(ctx, prefix, inputBudget)
	if err != nil {
		summary = fallbackTruncatedTranscript(prefix)
		c.recordOutcome("fallback_truncated")
	} else {
		c.recordOutcome("summarized")
	}

	summaryMsg := turnengine.Message{
		Role:    turnengine.RoleUser,
		Content: "<summary>\n" + summary + "\n</summary>",
	}

	out := make([]turnengine.Message, 0, len(suffix)+1)
	out = append(out, summaryMsg)
	out = append(out, suffix...)
	return out, nil
}

// chooseSuffixStart walks back from the end accumulating token cost until
// the budget is exhausted, landing on a cut-boundary message (user, or
// assistant with no open tool calls); falls back to keep-last-N.
func chooseSuffixStart(msgs []turnengine.Message, budget, keepLastN int) int {
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		used += estimateTokens(msgs[i].Content)
		if used > budget {
			candidate := i + 1
			if candidate >= len(msgs) {
				candidate = len(msgs) - 1
			}
			for candidate < len(msgs) && !isCutBoundary(msgs, candidate) {
				candidate++
			}
			if candidate < len(msgs) {
				return candidate
			}
			break
		}
	}
	if keepLastN >= len(msgs) {
		return 0
	}
	return len(msgs) - keepLastN
}

func isCutBoundary(msgs []turnengine.Message, idx int) bool {
	m := msgs[idx]
	if m.Role == turnengine.RoleUser {
		return true
	}
	if m.Role == turnengine.RoleAssistant && len(m.ToolCalls) == 0 {
		return true
	}
	return false
}

// alignToUserBoundary, when the chosen suffix start is an assistant
// message (a "split-turn prefix"), walks back to the preceding user
// message so the retained suffix always opens on a user turn.
func alignToUserBoundary(msgs []turnengine.Message, start int) int {
	if start <= 0 || start >= len(msgs) {
		return start
	}
	if msgs[start].Role == turnengine.RoleUser {
		return start
	}
	for i := start - 1; i >= 0; i-- {
		if msgs[i].Role == turnengine.RoleUser {
			return i
		}
	}
	return start
}

// summarizeHierarchical splits the prefix into chunks sized to ~35% of
// the summary model's context window, halving the chunk budget on
// overflow up to maxSummaryPasses times.
func (c *Compactor) summarizeHierarchical(ctx context.Context, prefix []turnengine.Message, inputBudget int) (string, error) {
	chunkBudget := int(float64(c.cfg.ContextLimit) * summaryChunkFraction)
	if chunkBudget <= 0 {
		chunkBudget = inputBudget
	}

	for pass := 0; pass < maxSummaryPasses; pass++ {
		c.summaryPasses = pass + 1
		chunks := splitIntoChunks(prefix, chunkBudget)
		summaries := make([]string, 0, len(chunks))
		overflowed := false

		for _, chunk := range chunks {
			s, err := c.summarizeBatch(ctx, chunk, "")
			if err != nil {
				var overflow *providers.ContextOverflowError
				if asContextOverflow(err, &overflow) {
					overflowed = true
					break
				}
				return "", err
			}
			summaries = append(summaries, s)
		}

		if overflowed {
			chunkBudget /= 2
			continue
		}

		if len(summaries) == 1 {
			return summaries[0], nil
		}
		return c.mergeSummaries(ctx, summaries)
	}

	return "", fmt.Errorf("compaction: exhausted %d summarization passes", maxSummaryPasses)
}

func splitIntoChunks(msgs []turnengine.Message, budget int) [][]turnengine.Message {
	if budget <= 0 {
		return [][]turnengine.Message{msgs}
	}
	var chunks [][]turnengine.Message
	var cur []turnengine.Message
	used := 0
	for _, m := range msgs {
		t := estimateTokens(m.Content)
		if used+t > budget && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur = nil
			used = 0
		}
		cur = append(cur, m)
		used += t
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	if len(chunks) == 0 {
		chunks = [][]turnengine.Message{msgs}
	}
	return chunks
}

func (c *Compactor) summarizeBatch(ctx context.Context, batch []turnengine.Message, existingSummary string) (string, error) {
	var b strings.Builder
	b.WriteString("Provide a concise summary of this conversation segment, preserving core context and key points.\n")
	if existingSummary != "" {
		b.WriteString("Existing context: " + existingSummary + "\n")
	}
	b.WriteString("\nCONVERSATION:\n")
	for _, m := range batch {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := c.provider.Chat(ctx, []providers.Message{{Role: "user", Content: b.String()}}, nil, c.cfg.SummaryModel, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Compactor) mergeSummaries(ctx context.Context, summaries []string) (string, error) {
	prompt := "Merge these conversation summaries into one cohesive summary:\n\n"
	for i, s := range summaries {
		fmt.Fprintf(&prompt, "%d: %s\n\n", i+1, s)
	}
	resp, err := c.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, c.cfg.SummaryModel, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return strings.Join(summaries, " "), nil
	}
	return resp.Content, nil
}

// fallbackTruncatedTranscript is the deterministic string used when
// hierarchical summarization exhausts its retry passes.
func fallbackTruncatedTranscript(msgs []turnengine.Message) string {
	var b strings.Builder
	b.WriteString("[compaction fallback: raw transcript excerpt]\n")
	for _, m := range msgs {
		content := m.Content
		if len(content) > 200 {
			content = content[:200] + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}

// shrinkToBudget applies the final shrink passes when the summarized
// transcript is still over budget: replace tool results with a
// placeholder, drop non-essential middle messages, then char-truncate.
func shrinkToBudget(msgs []turnengine.Message, budget int) []turnengine.Message {
	if estimateMessagesTokens(msgs) <= budget {
		return msgs
	}

	out := make([]turnengine.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].Role == turnengine.RoleTool && estimateTokens(out[i].Content) > budget/4 {
			out[i].Content = "[tool result omitted for compaction]"
		}
	}

	for estimateMessagesTokens(out) > budget && len(out) > 2 {
		mid := len(out) / 2
		out = append(out[:mid], out[mid+1:]...)
	}

	for i := range out {
		if estimateTokens(out[i].Content) > budget {
			cut := budget * 4
			if cut < len(out[i].Content) {
				out[i].Content = out[i].Content[:cut] + "…[truncated for compaction]"
			}
		}
	}

	return out
}
