// Package session holds the in-process data model the Request Router and
// Session-Queue Runner share: sessions, requests, active-session state,
// debounce buffers, and pending mention-reply batches. Session lifetime is
// process lifetime, state is reconstructed lazily on first event and is
// never persisted across restarts (a replay of bus events re-establishes
// it).
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

// QueueMode mirrors bus.QueueMode; duplicated here rather than imported so
// this package stays free of a bus dependency (only pkg/router/pkg/runner
// need both).
type QueueMode string

const (
	QueueModePrompt    QueueMode = "prompt"
	QueueModeFollowUp  QueueMode = "followUp"
	QueueModeSteer     QueueMode = "steer"
	QueueModeInterrupt QueueMode = "interrupt"
	// QueueModeRedundantPrompt is what a "prompt" is coerced to when it
	// arrives carrying the request id of the request already running on
	// its session (open question: treat as a follow-up rather than
	// starting a second agent on the same session). A prompt with a
	// different request id is queued behind the running one instead.
	QueueModeRedundantPrompt QueueMode = "redundantPrompt"
)

// LifecycleState mirrors a request's bus lifecycle.
type LifecycleState string

const (
	LifecycleQueued    LifecycleState = "queued"
	LifecycleRunning   LifecycleState = "running"
	LifecycleResolved  LifecycleState = "resolved"
	LifecycleFailed    LifecycleState = "failed"
	LifecycleCancelled LifecycleState = "cancelled"
)

// ID identifies a session by (platform, channelId).
type ID struct {
	Platform  string
	ChannelID string
}

func (id ID) String() string {
	return id.Platform + ":" + id.ChannelID
}

// NewRequestID builds a reply/mention-anchored request id.
func NewRequestID(sessionID, triggerMessageID string) string {
	return "discord:" + sessionID + ":" + triggerMessageID
}

// NewGateForwardedRequestID builds a gate-forwarded request id.
func NewGateForwardedRequestID() string {
	return "req:" + uuid.NewString()
}

// NewQueuedBehindRequestID builds a buffered-behind request id.
func NewQueuedBehindRequestID(activeRequestID string) string {
	return "queued:" + activeRequestID
}

// Request is one unit of work routed to the Session-Queue Runner.
type Request struct {
	ID            string
	SessionID     string
	RequestClient string
	Messages      []interface{}
	Queue         QueueMode
	ModelOverride string
	Raw           map[string]interface{}
	State         LifecycleState
}

// ActiveSessionState is held by the router: the currently-running
// request's id and the set of bot output message ids produced as part of
// it (the "active output chain").
type ActiveSessionState struct {
	RequestID              string
	ActiveOutputMessageIDs map[string]struct{}
}

func NewActiveSessionState(requestID string) *ActiveSessionState {
	return &ActiveSessionState{RequestID: requestID, ActiveOutputMessageIDs: make(map[string]struct{})}
}

func (a *ActiveSessionState) RecordOutputMessage(messageID string) {
	a.ActiveOutputMessageIDs[messageID] = struct{}{}
}

func (a *ActiveSessionState) IsActiveOutput(messageID string) bool {
	_, ok := a.ActiveOutputMessageIDs[messageID]
	return ok
}

// ClearOutputChain empties the active output chain set in place, leaving
// RequestID untouched: ownership of the request stays with its lifecycle,
// only the reanchor-eligible output set resets.
func (a *ActiveSessionState) ClearOutputChain() {
	a.ActiveOutputMessageIDs = make(map[string]struct{})
}

// BufferedMessage is one entry accumulated in a DebounceBuffer.
type BufferedMessage struct {
	MessageID string
	AuthorID  string
	Text      string
	TS        time.Time
}

// DebounceBuffer accumulates non-trigger messages in an idle active-mode
// channel until activeDebounceMs elapses, at which point it is flushed
// through the gate.
type DebounceBuffer struct {
	SessionID       string
	SessionConfigID string
	ParentChannelID string
	Messages        []BufferedMessage
	Timer           *time.Timer
}

// PendingMentionReplyBatch accumulates non-mention replies to a running
// request's active output, to be re-played as follow-ups or recomposed as
// a prompt on completion (mention-mode sessions only).
type PendingMentionReplyBatch struct {
	SessionID string
	Messages  []BufferedMessage
}

// Enqueued is one entry in the Session-Queue Runner's per-session FIFO.
type Enqueued struct {
	Request Request
}

// RunnerState is the Session-Queue Runner's per-session bookkeeping. It
// carries its own mutex: the bus handler appending to the queue and the
// drain loop popping from it run on different goroutines per session.
type RunnerState struct {
	mu              sync.Mutex
	Running         bool
	ActiveRequestID string
	Queue           []Enqueued
	Agent           *turnengine.Engine
}

func (rs *RunnerState) Lock()   { rs.mu.Lock() }
func (rs *RunnerState) Unlock() { rs.mu.Unlock() }

// Enqueue appends r to the FIFO under lock.
func (rs *RunnerState) Enqueue(r Request) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Queue = append(rs.Queue, Enqueued{Request: r})
}

// Pop removes and returns the front of the FIFO, or false if empty.
func (rs *RunnerState) Pop() (Request, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.Queue) == 0 {
		return Request{}, false
	}
	r := rs.Queue[0].Request
	rs.Queue = rs.Queue[1:]
	return r, true
}

// Manager is the shared registry of per-session state, guarded by a
// mutex-per-map registry-of-structs style rather than a distributed
// lock service, all
// state here is process-local by design (parallelism across
// sessions, strict order within one).
type Manager struct {
	mu sync.RWMutex

	active  map[string]*ActiveSessionState
	buffers map[string]*DebounceBuffer
	pending map[string]*PendingMentionReplyBatch
	runners map[string]*RunnerState
}

func NewManager() *Manager {
	return &Manager{
		active:  make(map[string]*ActiveSessionState),
		buffers: make(map[string]*DebounceBuffer),
		pending: make(map[string]*PendingMentionReplyBatch),
		runners: make(map[string]*RunnerState),
	}
}

func (m *Manager) ActiveState(sessionID string) (*ActiveSessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.active[sessionID]
	return s, ok
}

func (m *Manager) SetActiveState(sessionID string, s *ActiveSessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		delete(m.active, sessionID)
		return
	}
	m.active[sessionID] = s
}

func (m *Manager) ClearActiveState(sessionID string) {
	m.SetActiveState(sessionID, nil)
}

func (m *Manager) Buffer(sessionID string) (*DebounceBuffer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buffers[sessionID]
	return b, ok
}

func (m *Manager) SetBuffer(sessionID string, b *DebounceBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b == nil {
		delete(m.buffers, sessionID)
		return
	}
	m.buffers[sessionID] = b
}

func (m *Manager) ClearBuffer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[sessionID]; ok && b.Timer != nil {
		b.Timer.Stop()
	}
	delete(m.buffers, sessionID)
}

func (m *Manager) PendingBatch(sessionID string) (*PendingMentionReplyBatch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pending[sessionID]
	return p, ok
}

func (m *Manager) AppendPending(sessionID string, msg BufferedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[sessionID]
	if !ok {
		p = &PendingMentionReplyBatch{SessionID: sessionID}
		m.pending[sessionID] = p
	}
	p.Messages = append(p.Messages, msg)
}

func (m *Manager) DrainPending(sessionID string) []BufferedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[sessionID]
	if !ok {
		return nil
	}
	delete(m.pending, sessionID)
	return p.Messages
}

func (m *Manager) RunnerState(sessionID string) *RunnerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runners[sessionID]
	if !ok {
		rs = &RunnerState{}
		m.runners[sessionID] = rs
	}
	return rs
}
