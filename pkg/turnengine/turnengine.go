// Package turnengine drives the streaming LLM turn loop: one or more
// turns (a model streaming call plus optional local tool execution) per
// agent run, with support for steering, follow-ups, interrupt-with-rewind,
// and an outbound message-transform hook that lets auto-compaction adjust
// what is sent to the model without mutating the canonical transcript.
package turnengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lilacbridge/lilac-core/pkg/logger"
	"github.com/lilacbridge/lilac-core/pkg/providers"
)

// Role values for transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry. It mirrors providers.Message; kept as
// a distinct type because the engine's invariants (valid-boundary,
// tool-call closure) are about this list specifically, independent of any
// one provider's wire shape.
type Message = providers.Message

// SteeringMode controls how a non-empty steering queue is drained when a
// tool-call batch is in flight.
type SteeringMode string

const (
	SteeringOneAtATime SteeringMode = "one-at-a-time"
	SteeringAll        SteeringMode = "all"
)

// FollowUpMode controls how queued follow-ups are drained when a turn ends
// with no tool calls.
type FollowUpMode string

const (
	FollowUpOneAtATime FollowUpMode = "one-at-a-time"
	FollowUpAll        FollowUpMode = "all"
)

// AbortReason names why a turn aborted.
type AbortReason string

const (
	AbortReasonInterrupt AbortReason = "interrupt"
	AbortReasonManual    AbortReason = "manual"
)

// AbortPhase names where in the per-turn algorithm the abort was observed.
type AbortPhase string

const (
	AbortPhaseModel AbortPhase = "model"
	AbortPhaseTools AbortPhase = "tools"
)

// AbortedError is the typed result a turn's internal control flow carries
// instead of a panic-as-signal: callers should inspect it with
// errors.As, not recover from a panic.
type AbortedError struct {
	Reason AbortReason
	Phase  AbortPhase
	Detail string
}

func (e *AbortedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("turn aborted: reason=%s phase=%s: %s", e.Reason, e.Phase, e.Detail)
	}
	return fmt.Sprintf("turn aborted: reason=%s phase=%s", e.Reason, e.Phase)
}

// TurnResult is the outer Prompt()/Interrupt() result variant, replacing exceptions
// as the turn's terminal signal.
type TurnResult struct {
	Kind        TurnResultKind
	Transcript  []Message
	TotalUsage  providers.UsageInfo
	Err         error
	AbortDetail *AbortedError
}

type TurnResultKind string

const (
	TurnResultOK                 TurnResultKind = "ok"
	TurnResultAbortedByInterrupt TurnResultKind = "aborted_by_interrupt"
	TurnResultAbortedByManual    TurnResultKind = "aborted_by_manual"
	TurnResultFailed             TurnResultKind = "failed"
)

// TurnErrorDecision is what a turn-error handler returns.
type TurnErrorDecision string

const (
	TurnErrorRetry TurnErrorDecision = "retry"
	TurnErrorFail  TurnErrorDecision = "fail"
)

// TurnErrorHandler inspects an error from a model call and decides whether
// to retry the turn (after its side effect, e.g. scheduling a compaction)
// or fail the run. Auto-compaction installs one of these.
type TurnErrorHandler func(ctx context.Context, err error, attempt int) TurnErrorDecision

// TransformMessages lets a subscriber (auto-compaction) substitute the
// outbound view of the transcript for one model call without mutating the
// canonical transcript. Must not return a list ending in an assistant
// message.
type TransformMessages func(ctx context.Context, canonical []Message) ([]Message, error)

// Event is the engine's authoritative event stream; subscribers receive
// cloned messages, never the live transcript.
type Event struct {
	Kind              string
	AgentEnd          *AgentEndEvent
	TurnEnd           *TurnEndEvent
	TurnAbort         *AbortedError
	MessagesReset     *MessagesResetEvent
	MessageUpdate     *MessageUpdateEvent
	Message           *Message
	ToolExecution     *ToolExecutionEvent
}

const (
	EventAgentStart          = "agent_start"
	EventAgentEnd            = "agent_end"
	EventTurnStart           = "turn_start"
	EventTurnEnd             = "turn_end"
	EventTurnAbort           = "turn_abort"
	EventMessagesReset       = "messages_reset"
	EventMessageStart        = "message_start"
	EventMessageUpdate       = "message_update"
	EventMessageEnd          = "message_end"
	EventToolExecutionStart  = "tool_execution_start"
	EventToolExecutionUpdate = "tool_execution_update"
	EventToolExecutionEnd    = "tool_execution_end"
)

type AgentEndEvent struct {
	Transcript []Message
	Usage      providers.UsageInfo
	Err        error
}

type TurnEndEvent struct {
	FinishReason string
	NewMessages  []Message
	Usage        providers.UsageInfo
	TotalUsage   providers.UsageInfo
}

// ResetReason names why a messages_reset event fired.
type ResetReason string

const (
	ResetReasonInterrupt  ResetReason = "interrupt"
	ResetReasonReplace    ResetReason = "replace"
	ResetReasonCompaction ResetReason = "compaction"
)

type MessagesResetEvent struct {
	Reason               ResetReason
	Messages             []Message
	DroppedMessageCount  int
	PreviousMessageCount int
}

type MessageUpdateEvent struct {
	Role    string
	Content string // accumulated text so far
}

type ToolExecutionEvent struct {
	ToolCallID string
	ToolName   string
	Update     string
	Result     string
	IsError    bool
}

// Subscriber receives every Event the engine emits.
type Subscriber func(Event)

// ToolDefs mirrors providers.ToolDefinition, re-exported here so callers
// don't import both packages for one call to New.
type ToolDef = providers.ToolDefinition

// ToolExecutor executes one tool call. The shared abort signal is carried
// on ctx; executors must honor ctx.Done().
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (result string, isError bool)
}

// ProgressToolExecutor additionally streams intermediate chunks.
type ProgressToolExecutor interface {
	ToolExecutor
	ExecuteWithProgress(ctx context.Context, name string, args map[string]interface{}, onUpdate func(chunk string)) (result string, isError bool)
}

// ApprovalGate reports whether a proposed tool call is allowed to run.
type ApprovalGate func(name string, args map[string]interface{}) bool

// Engine runs one agent's turn loop. Not safe for concurrent Prompt/
// Steer/FollowUp/Interrupt calls from multiple goroutines without the
// caller's own per-session serialization (the Session-Queue Runner
// provides this).
type Engine struct {
	provider providers.LLMProvider
	tools    *toolBridge
	executor ToolExecutor
	approval ApprovalGate

	model   string
	options map[string]interface{}

	mu         sync.Mutex
	transcript []Message

	subscribers []Subscriber

	transformMessages TransformMessages
	turnErrorHandler  TurnErrorHandler

	steeringMode SteeringMode
	followUpMode FollowUpMode

	steeringQueue []string
	followUpQueue []string

	abortCancel      context.CancelFunc
	interruptPending bool

	totalUsage providers.UsageInfo
}

type toolBridge struct {
	defs []ToolDef
}

func New(provider providers.LLMProvider, toolDefs []ToolDef, executor ToolExecutor, approval ApprovalGate, model string, options map[string]interface{}) *Engine {
	return &Engine{
		provider:     provider,
		tools:        &toolBridge{defs: toolDefs},
		executor:     executor,
		approval:     approval,
		model:        model,
		options:      options,
		steeringMode: SteeringOneAtATime,
		followUpMode: FollowUpOneAtATime,
	}
}

func (e *Engine) Subscribe(s Subscriber) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := len(e.subscribers)
	e.subscribers = append(e.subscribers, s)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.subscribers) {
			e.subscribers[idx] = nil
		}
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	subs := append([]Subscriber(nil), e.subscribers...)
	e.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			s(ev)
		}
	}
}

// Model returns the model name this engine was constructed with.
func (e *Engine) Model() string { return e.model }

// Provider returns the LLM provider this engine was constructed with.
func (e *Engine) Provider() providers.LLMProvider { return e.provider }

func (e *Engine) SetTransformMessages(fn TransformMessages) { e.transformMessages = fn }
func (e *Engine) SetTurnErrorHandler(fn TurnErrorHandler)   { e.turnErrorHandler = fn }
func (e *Engine) SetSteeringMode(m SteeringMode)            { e.steeringMode = m }
func (e *Engine) SetFollowUpMode(m FollowUpMode)            { e.followUpMode = m }

// Transcript returns a clone of the current transcript. Callers never
// receive the live slice.
func (e *Engine) Transcript() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.transcript)
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}

// Prompt starts a new run with the given initial user messages and drives
// turns until the model produces a final response with no tool calls and
// no queued follow-ups, an error occurs, or the run is aborted.
func (e *Engine) Prompt(ctx context.Context, messages []Message) TurnResult {
	e.mu.Lock()
	e.transcript = append(e.transcript, messages...)
	e.mu.Unlock()

	return e.run(ctx)
}

// Steer appends a user message to be injected between tool calls or at
// the next turn boundary without interrupting the in-flight model call.
// Injection happens in the steering-queue drain in runToolCalls, or in run
// when a turn ends with no tool calls.
func (e *Engine) Steer(text string) {
	e.mu.Lock()
	e.steeringQueue = append(e.steeringQueue, text)
	e.mu.Unlock()
}

// FollowUp appends a user message to run after the current turn completes
// with no tool calls.
func (e *Engine) FollowUp(text string) {
	e.mu.Lock()
	e.followUpQueue = append(e.followUpQueue, text)
	e.mu.Unlock()
}

// Interrupt aborts the in-flight turn and, once the abort is observed,
// rewinds the transcript to the last valid boundary and re-runs with the
// interrupt message appended. At most one interrupt may be pending.
func (e *Engine) Interrupt(ctx context.Context, text string) (TurnResult, error) {
	e.mu.Lock()
	if e.interruptPending {
		e.mu.Unlock()
		return TurnResult{}, fmt.Errorf("interrupt already pending")
	}
	e.interruptPending = true
	cancel := e.abortCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	before := len(e.transcript)
	kept := lastValidBoundary(e.transcript)
	dropped := before - kept
	e.transcript = e.transcript[:kept]
	e.transcript = append(e.transcript, Message{Role: RoleUser, Content: text})
	e.interruptPending = false
	e.mu.Unlock()

	e.emit(Event{Kind: EventMessagesReset, MessagesReset: &MessagesResetEvent{
		Reason:              ResetReasonInterrupt,
		Messages:            e.Transcript(),
		DroppedMessageCount: dropped,
	}})

	result := e.run(ctx)
	return result, nil
}

// Abort exits the run without rewinding the transcript.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.abortCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// lastValidBoundary returns the length of the longest prefix of msgs
// whose final message is either a user message, an assistant message with
// no open tool calls, or a tool message that closes every tool call the
// preceding assistant message opened.
func lastValidBoundary(msgs []Message) int {
	for end := len(msgs); end > 0; end-- {
		if isValidBoundaryAt(msgs[:end]) {
			return end
		}
	}
	return 0
}

func isValidBoundaryAt(prefix []Message) bool {
	if len(prefix) == 0 {
		return true
	}
	last := prefix[len(prefix)-1]
	switch last.Role {
	case RoleUser:
		return true
	case RoleAssistant:
		return len(last.ToolCalls) == 0
	case RoleTool:
		open := openToolCallIDs(prefix[:len(prefix)-1])
		start := len(prefix) - 1
		for start > 0 && prefix[start-1].Role == RoleTool {
			start--
		}
		closed := closedToolCallIDsInSuffix(prefix, start)
		for id := range open {
			if !closed[id] {
				return false
			}
		}
		return len(open) > 0
	default:
		return false
	}
}

func openToolCallIDs(prefix []Message) map[string]bool {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i].Role == RoleAssistant && len(prefix[i].ToolCalls) > 0 {
			ids := make(map[string]bool, len(prefix[i].ToolCalls))
			for _, tc := range prefix[i].ToolCalls {
				ids[tc.ID] = true
			}
			return ids
		}
		if prefix[i].Role == RoleAssistant {
			return nil
		}
	}
	return nil
}

func closedToolCallIDsInSuffix(msgs []Message, fromIdx int) map[string]bool {
	closed := make(map[string]bool)
	for i := fromIdx; i < len(msgs); i++ {
		if msgs[i].Role == RoleTool {
			closed[msgs[i].ToolCallID] = true
		}
	}
	return closed
}

// run drives turns until termination; it is the shared body for Prompt
// and the post-interrupt re-run.
func (e *Engine) run(ctx context.Context) TurnResult {
	e.emit(Event{Kind: EventAgentStart})

	attempt := 0
	for {
		turnCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.abortCancel = cancel
		e.mu.Unlock()

		outcome, err := e.runOneTurn(turnCtx)
		cancel()

		if err != nil {
			var aborted *AbortedError
			if as, ok := err.(*AbortedError); ok {
				aborted = as
			}
			if aborted != nil {
				kind := TurnResultAbortedByManual
				if aborted.Reason == AbortReasonInterrupt {
					kind = TurnResultAbortedByInterrupt
				}
				e.emit(Event{Kind: EventTurnAbort, TurnAbort: aborted})
				result := TurnResult{Kind: kind, Transcript: e.Transcript(), TotalUsage: e.totalUsage, AbortDetail: aborted}
				e.emit(Event{Kind: EventAgentEnd, AgentEnd: &AgentEndEvent{Transcript: result.Transcript, Usage: e.totalUsage}})
				return result
			}

			attempt++
			decision := TurnErrorFail
			if e.turnErrorHandler != nil {
				decision = e.turnErrorHandler(ctx, err, attempt)
			}
			if decision == TurnErrorRetry {
				continue
			}
			e.emit(Event{Kind: EventAgentEnd, AgentEnd: &AgentEndEvent{Transcript: e.Transcript(), Usage: e.totalUsage, Err: err}})
			return TurnResult{Kind: TurnResultFailed, Transcript: e.Transcript(), TotalUsage: e.totalUsage, Err: err}
		}

		if outcome.hadToolCalls {
			if outcome.steeredOut {
				continue
			}
			continue
		}

		// No tool calls this turn: inject queued steering, else drain
		// follow-ups, or terminate.
		e.mu.Lock()
		if len(e.steeringQueue) > 0 {
			drained := e.steeringQueue
			if e.steeringMode == SteeringOneAtATime {
				drained = drained[:1]
			}
			e.steeringQueue = e.steeringQueue[len(drained):]
			for _, text := range drained {
				e.transcript = append(e.transcript, Message{Role: RoleUser, Content: text})
			}
			e.mu.Unlock()
			continue
		}
		hasFollowUp := len(e.followUpQueue) > 0
		var next string
		if hasFollowUp {
			next = e.followUpQueue[0]
			if e.followUpMode == FollowUpAll {
				joined := e.followUpQueue
				e.followUpQueue = nil
				for _, f := range joined {
					e.transcript = append(e.transcript, Message{Role: RoleUser, Content: f})
				}
			} else {
				e.followUpQueue = e.followUpQueue[1:]
				e.transcript = append(e.transcript, Message{Role: RoleUser, Content: next})
			}
		}
		e.mu.Unlock()

		if hasFollowUp {
			continue
		}

		result := TurnResult{Kind: TurnResultOK, Transcript: e.Transcript(), TotalUsage: e.totalUsage}
		e.emit(Event{Kind: EventAgentEnd, AgentEnd: &AgentEndEvent{Transcript: result.Transcript, Usage: e.totalUsage}})
		return result
	}
}

type turnOutcome struct {
	hadToolCalls bool
	steeredOut   bool
}

// runOneTurn implements the per-turn algorithm: clone +
// transform, stream the model call, relay parts, execute tool calls in
// order, and drain steering between tool results. Steering and follow-ups
// left queued after a turn with no tool calls are drained by run.
func (e *Engine) runOneTurn(ctx context.Context) (turnOutcome, error) {
	e.emit(Event{Kind: EventTurnStart})

	e.mu.Lock()
	outbound := cloneMessages(e.transcript)
	e.mu.Unlock()

	if e.transformMessages != nil {
		transformed, err := e.transformMessages(ctx, outbound)
		if err != nil {
			return turnOutcome{}, fmt.Errorf("transforming outbound messages: %w", err)
		}
		if len(transformed) > 0 && transformed[len(transformed)-1].Role == RoleAssistant {
			return turnOutcome{}, fmt.Errorf("transformMessages produced an assistant-last list")
		}
		outbound = transformed
	}

	accumulated := ""
	var resp *providers.LLMResponse
	var err error

	e.emit(Event{Kind: EventMessageStart})

	if sp, ok := e.provider.(providers.StreamingProvider); ok {
		resp, err = sp.ChatStream(ctx, outbound, e.tools.defs, e.model, e.options, func(delta string) {
			accumulated += delta
			e.emit(Event{Kind: EventMessageUpdate, MessageUpdate: &MessageUpdateEvent{Role: RoleAssistant, Content: accumulated}})
		})
	} else {
		resp, err = e.provider.Chat(ctx, outbound, e.tools.defs, e.model, e.options)
	}

	if err != nil {
		if ctx.Err() != nil {
			return turnOutcome{}, &AbortedError{Reason: e.currentAbortReason(), Phase: AbortPhaseModel}
		}
		return turnOutcome{}, err
	}
	if ctx.Err() != nil {
		return turnOutcome{}, &AbortedError{Reason: e.currentAbortReason(), Phase: AbortPhaseModel}
	}

	e.mergeUsage(resp.Usage)

	assistantMsg := Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
	e.emit(Event{Kind: EventMessageEnd, Message: &assistantMsg})

	newMessages := []Message{assistantMsg}

	if resp.FinishReason == "tool_calls" && len(resp.ToolCalls) > 0 {
		e.mu.Lock()
		e.transcript = append(e.transcript, assistantMsg)
		e.mu.Unlock()

		steeredOut, toolMsgs, err := e.runToolCalls(ctx, resp.ToolCalls)
		newMessages = append(newMessages, toolMsgs...)
		if err != nil {
			return turnOutcome{}, err
		}

		e.emit(Event{Kind: EventTurnEnd, TurnEnd: &TurnEndEvent{
			FinishReason: resp.FinishReason,
			NewMessages:  newMessages,
			Usage:        usageOrZero(resp.Usage),
			TotalUsage:   e.totalUsage,
		}})
		return turnOutcome{hadToolCalls: true, steeredOut: steeredOut}, nil
	}

	e.mu.Lock()
	e.transcript = append(e.transcript, assistantMsg)
	e.mu.Unlock()

	e.emit(Event{Kind: EventTurnEnd, TurnEnd: &TurnEndEvent{
		FinishReason: resp.FinishReason,
		NewMessages:  newMessages,
		Usage:        usageOrZero(resp.Usage),
		TotalUsage:   e.totalUsage,
	}})
	return turnOutcome{hadToolCalls: false}, nil
}

func usageOrZero(u *providers.UsageInfo) providers.UsageInfo {
	if u == nil {
		return providers.UsageInfo{}
	}
	return *u
}

func (e *Engine) mergeUsage(u *providers.UsageInfo) {
	if u == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalUsage.PromptTokens += u.PromptTokens
	e.totalUsage.CompletionTokens += u.CompletionTokens
	e.totalUsage.TotalTokens += u.TotalTokens
	e.totalUsage.CacheReadTokens += u.CacheReadTokens
	e.totalUsage.CacheCreateTokens += u.CacheCreateTokens
}

func (e *Engine) currentAbortReason() AbortReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interruptPending {
		return AbortReasonInterrupt
	}
	return AbortReasonManual
}

// runToolCalls executes tool calls in emission order, draining the
// steering queue between results per steeringMode. Returns steeredOut
// true if steering cut the batch short.
func (e *Engine) runToolCalls(ctx context.Context, calls []providers.ToolCall) (bool, []Message, error) {
	var toolMsgs []Message

	for i, tc := range calls {
		if ctx.Err() != nil {
			return false, toolMsgs, &AbortedError{Reason: e.currentAbortReason(), Phase: AbortPhaseTools}
		}

		if e.approval != nil && !e.approval(tc.Name, tc.Arguments) {
			msg := Message{Role: RoleTool, ToolCallID: tc.ID, Content: "denied by approval policy"}
			toolMsgs = append(toolMsgs, msg)
			e.appendTranscript(msg)
			continue
		}

		e.emit(Event{Kind: EventToolExecutionStart, ToolExecution: &ToolExecutionEvent{ToolCallID: tc.ID, ToolName: tc.Name}})

		var result string
		var isError bool
		if pe, ok := e.executor.(ProgressToolExecutor); ok {
			result, isError = pe.ExecuteWithProgress(ctx, tc.Name, tc.Arguments, func(chunk string) {
				e.emit(Event{Kind: EventToolExecutionUpdate, ToolExecution: &ToolExecutionEvent{ToolCallID: tc.ID, ToolName: tc.Name, Update: chunk}})
			})
		} else {
			result, isError = e.executor.Execute(ctx, tc.Name, tc.Arguments)
		}

		e.emit(Event{Kind: EventToolExecutionEnd, ToolExecution: &ToolExecutionEvent{ToolCallID: tc.ID, ToolName: tc.Name, Result: result, IsError: isError}})

		msg := Message{Role: RoleTool, ToolCallID: tc.ID, Content: result}
		toolMsgs = append(toolMsgs, msg)
		e.appendTranscript(msg)

		e.mu.Lock()
		steeringPending := len(e.steeringQueue) > 0
		e.mu.Unlock()

		if steeringPending {
			remaining := calls[i+1:]
			for _, skipped := range remaining {
				skipMsg := Message{Role: RoleTool, ToolCallID: skipped.ID, Content: "Skipped due to steering message"}
				toolMsgs = append(toolMsgs, skipMsg)
				e.appendTranscript(skipMsg)
			}

			e.mu.Lock()
			drained := e.steeringQueue
			if e.steeringMode == SteeringOneAtATime && len(drained) > 0 {
				drained = drained[:1]
				e.steeringQueue = e.steeringQueue[1:]
			} else {
				e.steeringQueue = nil
			}
			e.mu.Unlock()

			for _, text := range drained {
				steerMsg := Message{Role: RoleUser, Content: text}
				toolMsgs = append(toolMsgs, steerMsg)
				e.appendTranscript(steerMsg)
			}

			return true, toolMsgs, nil
		}

		if ctx.Err() != nil {
			return false, toolMsgs, &AbortedError{Reason: e.currentAbortReason(), Phase: AbortPhaseTools}
		}
	}

	return false, toolMsgs, nil
}

func (e *Engine) appendTranscript(msg Message) {
	e.mu.Lock()
	e.transcript = append(e.transcript, msg)
	e.mu.Unlock()
}

// logTurnError is a small helper for component-tagged error logging at
// turn-loop failure points.
func logTurnError(requestID string, err error) {
	logger.ErrorCF("turnengine", "turn failed", map[string]interface{}{"request_id": requestID, "error": err.Error()})
}
