// Package runner implements the Session-Queue Runner: one drain loop per
// session enforcing strict FIFO order within a session while letting
// different sessions run concurrently. Grounded on the
// teacher's pkg/agent/loop.go Run/routeMessages active-session tracking,
// generalized from one global active session to one runner goroutine per
// session, and on other_examples' sched.Schedule(ctx, lane, req) lane
// model for the per-lane FIFO shape.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lilacbridge/lilac-core/pkg/bus"
	"github.com/lilacbridge/lilac-core/pkg/logger"
	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/session"
	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

// QueueMode is session.QueueMode, re-exported so callers need not import
// both packages for one type name.
type QueueMode = session.QueueMode

const (
	QueueModePrompt          = session.QueueModePrompt
	QueueModeFollowUp        = session.QueueModeFollowUp
	QueueModeSteer           = session.QueueModeSteer
	QueueModeInterrupt       = session.QueueModeInterrupt
	QueueModeRedundantPrompt = session.QueueModeRedundantPrompt
)

// AgentFactory constructs a fresh Turn Engine for one request's session,
// already carrying that session's provider/tool/config wiring.
type AgentFactory func(ctx context.Context, sessionID string) (*turnengine.Engine, error)

// Runner drives per-session FIFO queues of session.Request.
type Runner struct {
	sessions *session.Manager
	bus      *bus.Bus
	newAgent AgentFactory
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running map[string]bool // sessionID -> drain loop active
}

func New(sessions *session.Manager, b *bus.Bus, newAgent AgentFactory) *Runner {
	return &Runner{
		sessions: sessions,
		bus:      b,
		newAgent: newAgent,
		running:  make(map[string]bool),
	}
}

// SetMetrics attaches a Metrics sink. Nil-safe: call sites may leave it
// unset, in which case recording is a no-op.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Submit enqueues a request for its session and, if the prompt arrived
// carrying the id of the currently-active request, coerces it per the
// QueueModeRedundantPrompt rule instead of starting a second agent. A
// prompt with any other id while a request is active is queued behind it
// (queue_prompt, forked), never merged into the running turn.
func (r *Runner) Submit(ctx context.Context, req session.Request) {
	rs := r.sessions.RunnerState(req.SessionID)

	rs.Lock()
	activeElsewhere := rs.ActiveRequestID != "" && req.ID != rs.ActiveRequestID
	redundant := req.Queue == QueueModePrompt && rs.ActiveRequestID != "" && req.ID == rs.ActiveRequestID
	if redundant {
		req.Queue = QueueModeRedundantPrompt
	}
	rs.Unlock()

	switch req.Queue {
	case QueueModeInterrupt:
		r.dispatchInterrupt(req)
		return
	case QueueModeSteer:
		r.dispatchSteer(req)
		return
	case QueueModeFollowUp, QueueModeRedundantPrompt:
		r.dispatchFollowUp(req)
		return
	}

	rs.Enqueue(req)
	if r.metrics != nil {
		r.metrics.QueueDepth.Inc()
	}
	if activeElsewhere {
		r.publishLifecycle(req, bus.LifecycleQueued, "")
	}
	r.ensureDrainLoop(ctx, req.SessionID)
}

func (r *Runner) dispatchInterrupt(req session.Request) {
	rs := r.sessions.RunnerState(req.SessionID)
	rs.Lock()
	agent := rs.Agent
	rs.Unlock()
	if agent == nil {
		rs.Enqueue(req)
		return
	}
	text := requestText(req)
	go func() {
		if _, err := agent.Interrupt(context.Background(), text); err != nil {
			logger.ErrorCF("runner", "interrupt rejected", map[string]interface{}{"session_id": req.SessionID, "error": err.Error()})
		}
	}()
}

func (r *Runner) dispatchSteer(req session.Request) {
	rs := r.sessions.RunnerState(req.SessionID)
	rs.Lock()
	agent := rs.Agent
	rs.Unlock()
	if agent == nil {
		rs.Enqueue(req)
		return
	}
	agent.Steer(requestText(req))
}

func (r *Runner) dispatchFollowUp(req session.Request) {
	rs := r.sessions.RunnerState(req.SessionID)
	rs.Lock()
	agent := rs.Agent
	rs.Unlock()
	if agent == nil {
		rs.Enqueue(req)
		return
	}
	agent.FollowUp(requestText(req))
}

func requestText(req session.Request) string {
	for _, m := range req.Messages {
		if tm, ok := m.(turnengine.Message); ok {
			return tm.Content
		}
	}
	return ""
}

func (r *Runner) ensureDrainLoop(ctx context.Context, sessionID string) {
	r.mu.Lock()
	if r.running[sessionID] {
		r.mu.Unlock()
		return
	}
	r.running[sessionID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, sessionID)
			r.mu.Unlock()
		}()
		r.drain(ctx, sessionID)
	}()
}

// drain implements the per-session drain algorithm: pop,
// publish running, publish evt.request.reply, construct the agent,
// prompt, wait for idle, publish the final text and terminal lifecycle
// state, then recurse until the queue is empty.
func (r *Runner) drain(ctx context.Context, sessionID string) {
	rs := r.sessions.RunnerState(sessionID)

	for {
		req, ok := rs.Pop()
		if !ok {
			return
		}
		if r.metrics != nil {
			r.metrics.QueueDepth.Dec()
		}
		started := time.Now()

		rs.Lock()
		rs.ActiveRequestID = req.ID
		rs.Unlock()

		r.publishLifecycle(req, bus.LifecycleRunning, "")

		agent, err := r.newAgent(ctx, sessionID)
		if err != nil {
			r.publishLifecycle(req, bus.LifecycleFailed, err.Error())
			r.recordTerminal(bus.LifecycleFailed, started)
			r.clearActive(rs)
			continue
		}

		rs.Lock()
		rs.Agent = agent
		rs.Unlock()

		var unsubscribeMetrics func()
		if r.metrics != nil {
			unsubscribeMetrics = agent.Subscribe(r.recordTurnEvent(agent.Model()))
		}

		r.bus.Publish(bus.Envelope{
			Topic:     bus.TopicRequest,
			EventType: bus.EventRequestReply,
			Headers:   bus.RequiredHeaders(req.ID, sessionID, req.RequestClient),
		})

		if r.metrics != nil {
			r.metrics.ActiveSessions.Inc()
		}
		messages := toTurnMessages(req.Messages)
		result := agent.Prompt(ctx, messages)
		if r.metrics != nil {
			r.metrics.ActiveSessions.Dec()
		}
		if unsubscribeMetrics != nil {
			unsubscribeMetrics()
		}

		rs.Lock()
		rs.Agent = nil
		rs.Unlock()

		switch result.Kind {
		case turnengine.TurnResultOK:
			finalText := lastAssistantText(result.Transcript)
			r.publishFinal(req, finalText)
			r.publishLifecycle(req, bus.LifecycleResolved, "")
			r.recordTerminal(bus.LifecycleResolved, started)
		case turnengine.TurnResultAbortedByInterrupt:
			r.publishLifecycle(req, bus.LifecycleCancelled, "interrupted")
			r.recordTerminal(bus.LifecycleCancelled, started)
		case turnengine.TurnResultAbortedByManual:
			r.publishLifecycle(req, bus.LifecycleCancelled, "manual abort")
			r.recordTerminal(bus.LifecycleCancelled, started)
		case turnengine.TurnResultFailed:
			detail := "agent internal error"
			if result.Err != nil {
				detail = result.Err.Error()
			}
			r.publishFinal(req, fmt.Sprintf("Error: %s", detail))
			r.publishLifecycle(req, bus.LifecycleFailed, detail)
			r.recordTerminal(bus.LifecycleFailed, started)
		}

		r.clearActive(rs)
	}
}

// recordTurnEvent builds an engine Subscriber that feeds turn and tool
// outcomes into Metrics as they cross the engine's event stream.
func (r *Runner) recordTurnEvent(model string) turnengine.Subscriber {
	toolStarted := make(map[string]time.Time)
	var turnStarted time.Time
	return func(ev turnengine.Event) {
		switch ev.Kind {
		case turnengine.EventTurnStart:
			turnStarted = time.Now()
		case turnengine.EventTurnEnd:
			u := ev.TurnEnd.Usage
			r.metrics.RecordTurn(ev.TurnEnd.FinishReason, "", model, time.Since(turnStarted), u.PromptTokens, u.CompletionTokens, u.CacheReadTokens, u.CacheCreateTokens)
		case turnengine.EventTurnAbort:
			if ev.TurnAbort != nil && ev.TurnAbort.Reason == turnengine.AbortReasonInterrupt {
				r.metrics.RecordInterrupt()
			}
		case turnengine.EventToolExecutionStart:
			toolStarted[ev.ToolExecution.ToolCallID] = time.Now()
		case turnengine.EventToolExecutionEnd:
			status := "success"
			if ev.ToolExecution.IsError {
				status = "error"
			}
			dur := time.Since(toolStarted[ev.ToolExecution.ToolCallID])
			delete(toolStarted, ev.ToolExecution.ToolCallID)
			r.metrics.RecordToolExecution(ev.ToolExecution.ToolName, status, dur)
		}
	}
}

func (r *Runner) recordTerminal(state bus.LifecycleState, started time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordLifecycle(string(state), time.Since(started))
}

func (r *Runner) clearActive(rs *session.RunnerState) {
	rs.Lock()
	rs.ActiveRequestID = ""
	rs.Unlock()
}

func (r *Runner) publishLifecycle(req session.Request, state bus.LifecycleState, detail string) {
	r.bus.Publish(bus.Envelope{
		Topic:     bus.TopicRequest,
		EventType: bus.EventRequestLifecycle,
		Headers:   bus.RequiredHeaders(req.ID, req.SessionID, req.RequestClient),
		Payload: bus.RequestLifecycleChanged{
			State:  state,
			Detail: detail,
		},
	})
}

func (r *Runner) publishFinal(req session.Request, text string) {
	r.bus.Publish(bus.Envelope{
		Topic:     bus.RequestTopic(req.ID),
		EventType: bus.EventOutputResponseText,
		Headers:   bus.RequiredHeaders(req.ID, req.SessionID, req.RequestClient),
		Payload:   text,
	})
}

func toTurnMessages(raw []interface{}) []turnengine.Message {
	out := make([]turnengine.Message, 0, len(raw))
	for _, m := range raw {
		if tm, ok := m.(turnengine.Message); ok {
			out = append(out, tm)
		}
	}
	return out
}

func lastAssistantText(transcript []turnengine.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == turnengine.RoleAssistant {
			return transcript[i].Content
		}
	}
	return ""
}
