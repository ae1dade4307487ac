// Package router implements the Request Router: the decision
// table mapping a surface event to exactly one routing decision, the
// active-channel debounce buffer, the Gate, directive parsing, and the
// per-session state machine (Idle/BufferOpen/GateCheck/ActiveStarted).
// Generalizes a Run/routeMessages dispatch
// shape from one global active session to per-session router
// state, and on the pack's debounce-then-schedule pattern for the buffer.
package router

import (
	"context"
	"time"

	"github.com/lilacbridge/lilac-core/pkg/bus"
	"github.com/lilacbridge/lilac-core/pkg/config"
	"github.com/lilacbridge/lilac-core/pkg/logger"
	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/session"
	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

// Decision is a routing output: one of the seven the decision table names,
// or steer_or_interrupt, which the message's directive resolves to steer
// or interrupt.
type Decision string

const (
	DecisionSkip          Decision = "skip"
	DecisionStartPrompt   Decision = "start_prompt"
	DecisionQueuePrompt   Decision = "queue_prompt"
	DecisionSteer         Decision = "steer"
	DecisionInterrupt     Decision = "interrupt"
	DecisionFollowUp      Decision = "followUp"
	DecisionBuffer        Decision = "buffer"
	DecisionSteerOrInterrupt Decision = "steer_or_interrupt"
)

// Trigger classifies a surface event against the session's active output
// chain, per the inputs the decision table lists: { isDM, mode, gateEnabled,
// mentionsBot, replyToBot, replyToActiveOutput, activeRequest? }.
type Trigger struct {
	IsDM                 bool
	MentionsBot          bool
	ReplyToBot           bool
	ReplyToActiveOutput  bool
	HasActiveRequest     bool
}

func (t Trigger) isPlain() bool { return !t.MentionsBot && !t.ReplyToBot }

// Decide implements the decision table. mode is "active" or "mention".
func Decide(mode string, t Trigger) Decision {
	switch mode {
	case "active":
		switch {
		case t.isPlain():
			if !t.HasActiveRequest {
				return DecisionBuffer
			}
			return DecisionFollowUp
		case t.MentionsBot && !t.ReplyToBot:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return DecisionSteer
		case t.ReplyToActiveOutput && !t.MentionsBot:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return DecisionFollowUp
		case t.ReplyToActiveOutput && t.MentionsBot:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return DecisionSteerOrInterrupt
		case t.ReplyToBot && !t.ReplyToActiveOutput:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return DecisionQueuePrompt
		default:
			return DecisionSkip
		}
	case "mention":
		switch {
		case t.isPlain():
			return DecisionSkip
		case t.MentionsBot && !t.ReplyToActiveOutput:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return DecisionQueuePrompt
		case t.ReplyToActiveOutput && t.MentionsBot:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return DecisionSteerOrInterrupt
		case t.ReplyToActiveOutput && !t.MentionsBot:
			if !t.HasActiveRequest {
				return DecisionStartPrompt
			}
			return "enqueue_pending_mention_batch"
		default:
			return DecisionSkip
		}
	default:
		return DecisionSkip
	}
}

// SuppressionHook is consulted before routing; on true, the event is
// acked and dropped.
type SuppressionHook func(evt bus.AdapterMessageCreated) bool

// Deps bundles everything the Router needs from the rest of the system.
type Deps struct {
	Sessions  *session.Manager
	Bus       *bus.Bus
	Config    *config.Manager
	Gate      *Gate
	Suppress  SuppressionHook
	BotUserID string
	Metrics   *metrics.Metrics
}

type Router struct {
	deps Deps
}

func New(deps Deps) *Router {
	return &Router{deps: deps}
}

// HandleAdapterEvent is the evt.adapter/adapter.message.created consumer.
// Malformed headers are the caller's concern (validated
// before this is invoked, via surface.ValidateEnvelope); logic errors here
// are logged and swallowed rather than propagated, per the decision table's
// failure semantics.
func (r *Router) HandleAdapterEvent(ctx context.Context, evt bus.AdapterMessageCreated) {
	if r.deps.Suppress != nil && r.deps.Suppress(evt) {
		return
	}

	cfg := r.deps.Config.ReloadIfNeeded()
	sessionID := evt.Platform + ":" + evt.ChannelID
	mode := cfg.SessionMode(sessionID)

	body, mentionsBot, directive, modelOverride := NormalizeIncomingText(evt.Text, r.deps.BotUserID)

	isDM := evt.Raw.Discord != nil && evt.Raw.Discord.IsDMBased
	replyToBot := evt.Raw.Discord != nil && evt.Raw.Discord.ReplyToBot

	activeState, hasActive := r.deps.Sessions.ActiveState(sessionID)
	replyToActiveOutput := false
	if hasActive && evt.Raw.Reference != nil {
		replyToActiveOutput = activeState.IsActiveOutput(evt.Raw.Reference.MessageID)
	}

	trigger := Trigger{
		IsDM:                isDM,
		MentionsBot:         mentionsBot,
		ReplyToBot:          replyToBot,
		ReplyToActiveOutput: replyToActiveOutput,
		HasActiveRequest:    hasActive,
	}

	decision := Decide(mode, trigger)

	logger.DebugCF("router", "routed event", map[string]interface{}{
		"session_id": sessionID, "mode": mode, "decision": string(decision),
	})
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordRequest(mode, string(decision))
	}

	switch decision {
	case DecisionSkip:
		return
	case DecisionBuffer:
		r.openOrExtendBuffer(ctx, sessionID, cfg, evt)
		return
	case DecisionStartPrompt:
		r.discardBuffer(sessionID)
		r.startPrompt(sessionID, evt, body, directive, modelOverride)
		return
	case DecisionQueuePrompt:
		r.queuePrompt(sessionID, evt, body, directive, modelOverride)
		return
	case DecisionFollowUp:
		r.submitQueueMode(sessionID, evt, body, session.QueueModeFollowUp)
		return
	case DecisionSteer:
		r.reanchorAndClearOutputChain(sessionID, evt)
		r.submitQueueMode(sessionID, evt, body, resolveSteerDirective(directive))
		return
	case DecisionSteerOrInterrupt:
		r.reanchorAndClearOutputChain(sessionID, evt)
		r.submitQueueMode(sessionID, evt, body, resolveSteerDirective(directive))
		return
	case "enqueue_pending_mention_batch":
		r.deps.Sessions.AppendPending(sessionID, session.BufferedMessage{
			MessageID: evt.MessageID, AuthorID: evt.UserID, Text: body, TS: evt.TS,
		})
		return
	}
}

func resolveSteerDirective(d Directive) session.QueueMode {
	if d == DirectiveInterrupt {
		return session.QueueModeInterrupt
	}
	return session.QueueModeSteer
}

func (r *Router) reanchorAndClearOutputChain(sessionID string, evt bus.AdapterMessageCreated) {
	if st, ok := r.deps.Sessions.ActiveState(sessionID); ok {
		st.ClearOutputChain()
	}
	r.deps.Bus.Publish(bus.Envelope{
		Topic:     bus.TopicCmdSurf,
		EventType: bus.EventSurfaceReanchor,
		Headers:   bus.RequiredHeaders("", sessionID, ""),
		Payload: bus.SurfaceReanchor{
			InheritReplyTo: true,
			ReplyTo:        evt.MessageID,
		},
	})
}

func (r *Router) startPrompt(sessionID string, evt bus.AdapterMessageCreated, body string, directive Directive, modelOverride string) {
	reqID := session.NewRequestID(sessionID, evt.MessageID)
	r.deps.Sessions.SetActiveState(sessionID, session.NewActiveSessionState(reqID))
	r.publishRequest(sessionID, reqID, evt, body, session.QueueModePrompt, modelOverride)
}

func (r *Router) queuePrompt(sessionID string, evt bus.AdapterMessageCreated, body string, directive Directive, modelOverride string) {
	var activeReqID string
	if st, ok := r.deps.Sessions.ActiveState(sessionID); ok {
		activeReqID = st.RequestID
	}
	reqID := session.NewQueuedBehindRequestID(activeReqID)
	r.publishRequest(sessionID, reqID, evt, body, session.QueueModePrompt, modelOverride)
}

func (r *Router) submitQueueMode(sessionID string, evt bus.AdapterMessageCreated, body string, mode session.QueueMode) {
	var reqID string
	if st, ok := r.deps.Sessions.ActiveState(sessionID); ok {
		reqID = st.RequestID
	} else {
		reqID = session.NewRequestID(sessionID, evt.MessageID)
	}
	r.publishRequest(sessionID, reqID, evt, body, mode, "")
}

func (r *Router) publishRequest(sessionID, reqID string, evt bus.AdapterMessageCreated, body string, mode session.QueueMode, modelOverride string) {
	r.deps.Bus.Publish(bus.Envelope{
		Topic:     bus.TopicCmdReq,
		EventType: bus.EventRequestMessage,
		Headers:   bus.RequiredHeaders(reqID, sessionID, evt.Platform),
		Payload: bus.RequestMessage{
			Queue:         bus.QueueMode(mode),
			Messages:      []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: body}},
			ModelOverride: modelOverride,
			Raw:           evt.Raw,
		},
	})
}

func (r *Router) discardBuffer(sessionID string) {
	r.deps.Sessions.ClearBuffer(sessionID)
}

// openOrExtendBuffer implements the active-channel debounce: a non-trigger
// message starts or extends a buffer; after activeDebounceMs it flushes
// through the gate.
func (r *Router) openOrExtendBuffer(ctx context.Context, sessionID string, cfg *config.Config, evt bus.AdapterMessageCreated) {
	debounceMs := cfg.Surface.Router.ActiveDebounceMs
	if debounceMs <= 0 {
		debounceMs = 300
	}

	buf, ok := r.deps.Sessions.Buffer(sessionID)
	if !ok {
		buf = &session.DebounceBuffer{SessionID: sessionID, ParentChannelID: evt.ChannelID}
	} else if buf.Timer != nil {
		buf.Timer.Stop()
	}

	buf.Messages = append(buf.Messages, session.BufferedMessage{
		MessageID: evt.MessageID, AuthorID: evt.UserID, Text: evt.Text, TS: evt.TS,
	})

	buf.Timer = time.AfterFunc(time.Duration(debounceMs)*time.Millisecond, func() {
		r.flushBuffer(ctx, sessionID, cfg)
	})
	r.deps.Sessions.SetBuffer(sessionID, buf)
}

func (r *Router) flushBuffer(ctx context.Context, sessionID string, cfg *config.Config) {
	buf, ok := r.deps.Sessions.Buffer(sessionID)
	if !ok {
		return
	}
	r.deps.Sessions.ClearBuffer(sessionID)

	if !cfg.GateEnabled(sessionID) || r.deps.Gate == nil {
		r.flushAsPrompt(sessionID, buf)
		return
	}

	texts := make([]string, len(buf.Messages))
	for i, m := range buf.Messages {
		texts[i] = m.Text
	}

	timeout := time.Duration(cfg.Surface.Router.ActiveGate.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	decision, err := r.deps.Gate.Check(ctx, GateContextActiveBatch, BuildActiveBatchPrompt(texts), timeout)
	if err != nil {
		logger.WarnCF("router", "gate check failed, failing closed", map[string]interface{}{"session_id": sessionID, "error": err.Error()})
		return
	}
	if !decision.Forward {
		return
	}
	r.flushAsPrompt(sessionID, buf)
}

func (r *Router) flushAsPrompt(sessionID string, buf *session.DebounceBuffer) {
	if len(buf.Messages) == 0 {
		return
	}
	newest := buf.Messages[len(buf.Messages)-1]
	reqID := session.NewGateForwardedRequestID()
	r.deps.Sessions.SetActiveState(sessionID, session.NewActiveSessionState(reqID))

	var body string
	for i, m := range buf.Messages {
		if i > 0 {
			body += "\n\n"
		}
		body += m.Text
	}

	r.publishRequest(sessionID, reqID, bus.AdapterMessageCreated{
		Platform:  splitSessionID(sessionID),
		ChannelID: buf.ParentChannelID,
		MessageID: newest.MessageID,
		UserID:    newest.AuthorID,
		TS:        newest.TS,
	}, body, session.QueueModePrompt, "")
}

func splitSessionID(sessionID string) string {
	for i := 0; i < len(sessionID); i++ {
		if sessionID[i] == ':' {
			return sessionID[:i]
		}
	}
	return sessionID
}

// HandleLifecycleEvent observes evt.request/request.lifecycle.changed and
// drives the state machine's ActiveStarted -> Idle transition, flushing
// any pending-mention-reply-batch as a single new prompt.
func (r *Router) HandleLifecycleEvent(sessionID string, state bus.LifecycleState) {
	switch state {
	case bus.LifecycleResolved, bus.LifecycleFailed, bus.LifecycleCancelled:
		r.deps.Sessions.ClearActiveState(sessionID)
		pending := r.deps.Sessions.DrainPending(sessionID)
		if len(pending) == 0 {
			return
		}
		var body string
		for i, m := range pending {
			if i > 0 {
				body += "\n\n"
			}
			body += m.Text
		}
		reqID := session.NewRequestID(sessionID, pending[len(pending)-1].MessageID)
		r.deps.Sessions.SetActiveState(sessionID, session.NewActiveSessionState(reqID))
		r.publishRequest(sessionID, reqID, bus.AdapterMessageCreated{
			Platform: splitSessionID(sessionID),
		}, body, session.QueueModePrompt, "")
	}
}
