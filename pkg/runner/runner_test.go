package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lilacbridge/lilac-core/pkg/bus"
	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/providers"
	"github.com/lilacbridge/lilac-core/pkg/session"
	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

type stubProvider struct{ content string }

func (s *stubProvider) GetDefaultModel() string { return "stub" }
func (s *stubProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: s.content, FinishReason: "stop"}, nil
}

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (string, bool) {
	return "", false
}

func newTestRunner(content string) (*Runner, *session.Manager, *bus.Bus) {
	sessions := session.NewManager()
	b := bus.New()
	r := New(sessions, b, func(ctx context.Context, sessionID string) (*turnengine.Engine, error) {
		return turnengine.New(&stubProvider{content: content}, nil, stubExecutor{}, nil, "stub", nil), nil
	})
	return r, sessions, b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunnerDrainsSinglePromptToResolved(t *testing.T) {
	r, _, b := newTestRunner("hello")

	var mu sync.Mutex
	var states []bus.LifecycleState
	b.Subscribe(bus.TopicRequest, func(e bus.Envelope) {
		if e.EventType != bus.EventRequestLifecycle {
			return
		}
		payload := e.Payload.(bus.RequestLifecycleChanged)
		mu.Lock()
		states = append(states, payload.State)
		mu.Unlock()
	})

	r.Submit(context.Background(), session.Request{
		ID:        "discord:s1:m1",
		SessionID: "s1",
		Queue:     session.QueueModePrompt,
		Messages:  []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "hi"}},
	})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, bus.LifecycleRunning, states[0])
	require.Equal(t, bus.LifecycleResolved, states[len(states)-1])
}

func TestRunnerProcessesSecondSessionsPromptWithoutWaiting(t *testing.T) {
	r, _, b := newTestRunner("ok")

	var mu sync.Mutex
	resolved := map[string]bool{}
	b.Subscribe(bus.TopicRequest, func(e bus.Envelope) {
		if e.EventType != bus.EventRequestLifecycle {
			return
		}
		if e.Payload.(bus.RequestLifecycleChanged).State != bus.LifecycleResolved {
			return
		}
		mu.Lock()
		resolved[e.Header("session_id")] = true
		mu.Unlock()
	})

	r.Submit(context.Background(), session.Request{ID: "r1", SessionID: "s1", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "a"}}})
	r.Submit(context.Background(), session.Request{ID: "r2", SessionID: "s2", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "b"}}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resolved["s1"] && resolved["s2"]
	})
}

func TestRunnerQueuesDifferentPromptBehindRunning(t *testing.T) {
	sessions := session.NewManager()
	b := bus.New()

	var mu sync.Mutex
	var queuedSeen bool
	b.Subscribe(bus.TopicRequest, func(e bus.Envelope) {
		if e.EventType != bus.EventRequestLifecycle {
			return
		}
		if e.Payload.(bus.RequestLifecycleChanged).State == bus.LifecycleQueued && e.Header("request_id") == "r2" {
			mu.Lock()
			queuedSeen = true
			mu.Unlock()
		}
	})

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	r := New(sessions, b, func(ctx context.Context, sessionID string) (*turnengine.Engine, error) {
		return turnengine.New(&blockingProvider{started: started, release: release}, nil, stubExecutor{}, nil, "stub", nil), nil
	})

	req1 := session.Request{ID: "r1", SessionID: "s1", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "a"}}}
	req2 := session.Request{ID: "r2", SessionID: "s1", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "b"}}}

	r.Submit(context.Background(), req1)
	<-started

	rs := sessions.RunnerState("s1")
	r.Submit(context.Background(), req2)

	rs.Lock()
	qlen := len(rs.Queue)
	rs.Unlock()
	require.Equal(t, 1, qlen, "a prompt with an id other than the active request must be queued behind it, not merged in")

	mu.Lock()
	require.True(t, queuedSeen, "queuing behind an active request must publish the queued lifecycle state")
	mu.Unlock()

	close(release)
}

func TestRunnerCoercesSameRequestIDPromptToFollowUp(t *testing.T) {
	sessions := session.NewManager()
	b := bus.New()

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	r := New(sessions, b, func(ctx context.Context, sessionID string) (*turnengine.Engine, error) {
		return turnengine.New(&blockingProvider{started: started, release: release}, nil, stubExecutor{}, nil, "stub", nil), nil
	})

	req1 := session.Request{ID: "r1", SessionID: "s1", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "a"}}}
	redundant := session.Request{ID: "r1", SessionID: "s1", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "b"}}}

	r.Submit(context.Background(), req1)
	<-started

	rs := sessions.RunnerState("s1")
	r.Submit(context.Background(), redundant)

	rs.Lock()
	qlen := len(rs.Queue)
	rs.Unlock()
	require.Equal(t, 0, qlen, "a prompt carrying the active request's own id is coerced to a follow-up, not queued")

	close(release)
}

type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	done    bool
}

func (b *blockingProvider) GetDefaultModel() string { return "stub" }
func (b *blockingProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	if !b.done {
		b.done = true
		b.started <- struct{}{}
		<-b.release
	}
	return &providers.LLMResponse{Content: "done", FinishReason: "stop"}, nil
}

func TestRunnerRecordsTurnAndLifecycleMetricsWhenAttached(t *testing.T) {
	r, _, _ := newTestRunner("hello")
	m := metrics.New()
	r.SetMetrics(m)

	req := session.Request{ID: "r1", SessionID: "s1", Queue: session.QueueModePrompt, Messages: []interface{}{turnengine.Message{Role: turnengine.RoleUser, Content: "hi"}}}
	r.Submit(context.Background(), req)

	waitFor(t, func() bool {
		return testutil.ToFloat64(m.RequestLifecycle.WithLabelValues("resolved")) == 1
	})
}
