package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lilacbridge/lilac-core/pkg/bus"
	"github.com/lilacbridge/lilac-core/pkg/config"
	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/providers"
	"github.com/lilacbridge/lilac-core/pkg/session"
)

func TestDecideActiveModePlainMessageBuffersWithNoActiveRequest(t *testing.T) {
	d := Decide("active", Trigger{})
	require.Equal(t, DecisionBuffer, d)
}

func TestDecideActiveModePlainMessageIsFollowUpWhenRequestActive(t *testing.T) {
	d := Decide("active", Trigger{HasActiveRequest: true})
	require.Equal(t, DecisionFollowUp, d)
}

func TestDecideActiveModeMentionStartsPromptWhenIdle(t *testing.T) {
	d := Decide("active", Trigger{MentionsBot: true})
	require.Equal(t, DecisionStartPrompt, d)
}

func TestDecideActiveModeMentionSteersWhenRunning(t *testing.T) {
	d := Decide("active", Trigger{MentionsBot: true, HasActiveRequest: true})
	require.Equal(t, DecisionSteer, d)
}

func TestDecideMentionModePlainMessageSkipped(t *testing.T) {
	d := Decide("mention", Trigger{})
	require.Equal(t, DecisionSkip, d)
}

func TestDecideMentionModeMentionQueuesBehindActive(t *testing.T) {
	d := Decide("mention", Trigger{MentionsBot: true, HasActiveRequest: true})
	require.Equal(t, DecisionQueuePrompt, d)
}

func TestDecideReplyToActiveOutputWithMentionIsSteerOrInterrupt(t *testing.T) {
	d := Decide("mention", Trigger{MentionsBot: true, ReplyToActiveOutput: true, HasActiveRequest: true})
	require.Equal(t, DecisionSteerOrInterrupt, d)
}

func TestResolveSteerDirectivePicksInterruptOverSteer(t *testing.T) {
	require.Equal(t, session.QueueModeInterrupt, resolveSteerDirective(DirectiveInterrupt))
	require.Equal(t, session.QueueModeSteer, resolveSteerDirective(DirectiveNone))
}

func TestNormalizeIncomingTextStripsMentionAndInterruptDirective(t *testing.T) {
	body, mentions, directive, model := NormalizeIncomingText("<@42> !interrupt: stop that", "42")
	require.True(t, mentions)
	require.Equal(t, DirectiveInterrupt, directive)
	require.Equal(t, "", model)
	require.Equal(t, "stop that", body)
}

func TestNormalizeIncomingTextParsesModelOverride(t *testing.T) {
	body, _, _, model := NormalizeIncomingText("<@42> !m:gpt-5-mini summarize this", "42")
	require.Equal(t, "gpt-5-mini", model)
	require.Equal(t, "summarize this", body)
}

func TestResolveEffectiveModelPrecedence(t *testing.T) {
	require.Equal(t, "per-request", ResolveEffectiveModel("per-request", "event", "static", "fallback"))
	require.Equal(t, "event", ResolveEffectiveModel("", "event", "static", "fallback"))
	require.Equal(t, "static", ResolveEffectiveModel("", "", "static", "fallback"))
	require.Equal(t, "fallback", ResolveEffectiveModel("", "", "", "fallback"))
}

type stubResponder struct {
	raw json.RawMessage
	err error
}

func (s *stubResponder) RespondStructured(ctx context.Context, messages []providers.Message, model, schemaName string, schema map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	return s.raw, s.err
}

func TestGateCheckFailsOpenOnReplyDisambiguationError(t *testing.T) {
	g := &Gate{responder: &stubResponder{err: errors.New("boom")}, model: "fast"}
	d, err := g.Check(context.Background(), GateContextReplyDisambiguate, "p", time.Second)
	require.NoError(t, err)
	require.True(t, d.Forward)
}

func TestGateCheckFailsClosedOnActiveBatchError(t *testing.T) {
	g := &Gate{responder: &stubResponder{err: errors.New("boom")}, model: "fast"}
	d, err := g.Check(context.Background(), GateContextActiveBatch, "p", time.Second)
	require.Error(t, err)
	require.False(t, d.Forward)
}

func TestGateCheckParsesDecision(t *testing.T) {
	g := &Gate{responder: &stubResponder{raw: json.RawMessage(`{"forward":true,"reason":"ok"}`)}, model: "fast"}
	d, err := g.Check(context.Background(), GateContextActiveBatch, "p", time.Second)
	require.NoError(t, err)
	require.True(t, d.Forward)
	require.Equal(t, "ok", d.Reason)
}

func newTestRouter(t *testing.T) (*Router, *bus.Bus, *session.Manager) {
	b := bus.New()
	sessions := session.NewManager()
	cfg := &config.Config{}
	cfg.Surface.Router.DefaultMode = "active"
	cfg.Surface.Router.ActiveDebounceMs = 20
	mgr := config.NewManager("", cfg)
	r := New(Deps{Sessions: sessions, Bus: b, Config: mgr, BotUserID: "42"})
	return r, b, sessions
}

func TestHandleAdapterEventStartsPromptOnMention(t *testing.T) {
	r, b, sessions := newTestRouter(t)

	var published []bus.Envelope
	b.Subscribe(bus.TopicCmdReq, func(e bus.Envelope) { published = append(published, e) })

	r.HandleAdapterEvent(context.Background(), bus.AdapterMessageCreated{
		Platform: "discord", ChannelID: "c1", MessageID: "m1", UserID: "u1", Text: "<@42> hello",
	})

	require.Len(t, published, 1)
	require.Equal(t, bus.EventRequestMessage, published[0].EventType)
	st, ok := sessions.ActiveState("discord:c1")
	require.True(t, ok)
	require.NotEmpty(t, st.RequestID)
}

func TestHandleAdapterEventSteerPreservesActiveRequestID(t *testing.T) {
	r, b, sessions := newTestRouter(t)

	var published []bus.Envelope
	b.Subscribe(bus.TopicCmdReq, func(e bus.Envelope) { published = append(published, e) })

	r.HandleAdapterEvent(context.Background(), bus.AdapterMessageCreated{
		Platform: "discord", ChannelID: "c1", MessageID: "m1", UserID: "u1", Text: "<@42> hello",
	})
	require.Len(t, published, 1)
	st, ok := sessions.ActiveState("discord:c1")
	require.True(t, ok)
	activeReqID := st.RequestID
	require.NotEmpty(t, activeReqID)
	st.RecordOutputMessage("anchor-msg")

	r.HandleAdapterEvent(context.Background(), bus.AdapterMessageCreated{
		Platform: "discord", ChannelID: "c1", MessageID: "m2", UserID: "u1", Text: "<@42> stop and do this instead",
	})

	require.Len(t, published, 2)
	require.Equal(t, activeReqID, published[1].Header("request_id"))

	st, ok = sessions.ActiveState("discord:c1")
	require.True(t, ok)
	require.Equal(t, activeReqID, st.RequestID)
	require.False(t, st.IsActiveOutput("anchor-msg"))
}

func TestHandleAdapterEventBuffersPlainMessageThenFlushes(t *testing.T) {
	r, b, sessions := newTestRouter(t)

	var published []bus.Envelope
	b.Subscribe(bus.TopicCmdReq, func(e bus.Envelope) { published = append(published, e) })

	r.HandleAdapterEvent(context.Background(), bus.AdapterMessageCreated{
		Platform: "discord", ChannelID: "c1", MessageID: "m1", UserID: "u1", Text: "just chatting",
	})

	require.Empty(t, published)
	_, buffered := sessions.Buffer("discord:c1")
	require.True(t, buffered)

	require.Eventually(t, func() bool {
		return len(published) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, bus.EventRequestMessage, published[0].EventType)
	_, stillBuffered := sessions.Buffer("discord:c1")
	require.False(t, stillBuffered)
}

func TestHandleAdapterEventSuppressionHookDropsEvent(t *testing.T) {
	b := bus.New()
	sessions := session.NewManager()
	cfg := &config.Config{}
	mgr := config.NewManager("", cfg)
	r := New(Deps{
		Sessions: sessions, Bus: b, Config: mgr, BotUserID: "42",
		Suppress: func(bus.AdapterMessageCreated) bool { return true },
	})

	var published []bus.Envelope
	b.Subscribe(bus.TopicCmdReq, func(e bus.Envelope) { published = append(published, e) })

	r.HandleAdapterEvent(context.Background(), bus.AdapterMessageCreated{
		Platform: "discord", ChannelID: "c1", MessageID: "m1", UserID: "u1", Text: "<@42> hi",
	})

	require.Empty(t, published)
}

func TestHandleLifecycleEventFlushesPendingBatchOnCompletion(t *testing.T) {
	r, b, sessions := newTestRouter(t)

	var published []bus.Envelope
	b.Subscribe(bus.TopicCmdReq, func(e bus.Envelope) { published = append(published, e) })

	sessions.AppendPending("discord:c1", session.BufferedMessage{MessageID: "m2", AuthorID: "u1", Text: "follow up"})
	r.HandleLifecycleEvent("discord:c1", bus.LifecycleResolved)

	require.Len(t, published, 1)
	_, hasPending := sessions.PendingBatch("discord:c1")
	require.False(t, hasPending)
}

func TestHandleAdapterEventRecordsRequestMetricWhenAttached(t *testing.T) {
	b := bus.New()
	sessions := session.NewManager()
	cfg := &config.Config{}
	cfg.Surface.Router.DefaultMode = "active"
	mgr := config.NewManager("", cfg)
	m := metrics.New()
	r := New(Deps{Sessions: sessions, Bus: b, Config: mgr, BotUserID: "42", Metrics: m})

	r.HandleAdapterEvent(context.Background(), bus.AdapterMessageCreated{
		Platform: "discord", ChannelID: "c1", MessageID: "m1", UserID: "u1", Text: "<@42> hi",
	})

	require.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("active", string(DecisionStartPrompt))))
}
