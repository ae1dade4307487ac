// Package relay implements the Surface-Output Relay: one instance per
// in-flight request, draining its out.req.<id> topic to the adapter,
// suppressing the reply entirely when the final text is exactly
// NO_REPLY, and watchdogging idle streams.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/lilacbridge/lilac-core/pkg/bus"
	"github.com/lilacbridge/lilac-core/pkg/logger"
	"github.com/lilacbridge/lilac-core/pkg/metrics"
)

// noReplyToken is the exact (post-trim) assistant text that suppresses the
// surface reply (directive-driven).
const noReplyToken = "NO_REPLY"

const (
	defaultFlushInterval = 1500 * time.Millisecond
	defaultIdleTimeout   = time.Hour
)

// Sink is the adapter-facing side of the relay; narrowed to exactly what
// the relay drives so it can be tested against a stub instead of a live
// Discord/Telegram/Slack client.
type Sink interface {
	StreamEdit(ctx context.Context, requestID, fullText string)
	ToolStatus(ctx context.Context, requestID, toolName, phase string)
	FinalMessage(ctx context.Context, requestID, text string) error
	FinalBinary(ctx context.Context, requestID string, data []byte, filename, mimeType string) error
}

// Config carries the relay's two knobs: the StreamNotifier flush interval
// and the idle watchdog timeout.
type Config struct {
	FlushInterval time.Duration
	IdleTimeout   time.Duration
}

func (c Config) flushInterval() time.Duration {
	if c.FlushInterval > 0 {
		return c.FlushInterval
	}
	return defaultFlushInterval
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

// Relay drains one request's out.req.<id> topic to a Sink.
type Relay struct {
	bus     *bus.Bus
	sink    Sink
	cfg     Config
	metrics *metrics.Metrics
}

func New(b *bus.Bus, sink Sink, cfg Config) *Relay {
	return &Relay{bus: b, sink: sink, cfg: cfg}
}

// SetMetrics attaches a Metrics sink. Nil-safe: unset means no recording.
func (r *Relay) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Start spins up one relay instance for requestID, per evt.request/
// request.reply. It runs until the request's lifecycle reaches a
// terminal state, the idle watchdog fires, or ctx is cancelled, whichever
// comes first, then unsubscribes from both topics and returns.
func (r *Relay) Start(ctx context.Context, sessionID, requestID string) {
	events := make(chan bus.Envelope, 64)

	unsubOut := r.bus.Subscribe(bus.RequestTopic(requestID), func(e bus.Envelope) {
		select {
		case events <- e:
		default:
			logger.WarnCF("relay", "output channel full, dropping event", map[string]interface{}{
				"request_id": requestID, "event_type": e.EventType,
			})
		}
	})
	unsubLifecycle := r.bus.Subscribe(bus.TopicRequest, func(e bus.Envelope) {
		if e.Header("request_id") != requestID {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	defer unsubOut()
	defer unsubLifecycle()

	acc := newAccumulator(requestID, r.sink, r.cfg.flushInterval())
	defer acc.stop()

	idle := time.NewTimer(r.cfg.idleTimeout())
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			logger.WarnCF("relay", "idle timeout, aborting output stream", map[string]interface{}{
				"request_id": requestID,
			})
			if r.metrics != nil {
				r.metrics.RecordRelayIdleTimeout()
			}
			return
		case e := <-events:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.idleTimeout())

			if r.handle(ctx, requestID, acc, e) {
				return
			}
		}
	}
}

// handle processes one envelope and reports whether the relay should stop
// (a terminal lifecycle state was reached for this request).
func (r *Relay) handle(ctx context.Context, requestID string, acc *accumulator, e bus.Envelope) bool {
	switch e.Topic {
	case bus.TopicRequest:
		if e.EventType != bus.EventRequestLifecycle {
			return false
		}
		payload, ok := e.Payload.(bus.RequestLifecycleChanged)
		if !ok {
			return false
		}
		switch payload.State {
		case bus.LifecycleResolved, bus.LifecycleFailed, bus.LifecycleCancelled:
			acc.stop()
			return true
		}
		return false

	default:
		switch e.EventType {
		case bus.EventOutputDeltaText:
			if delta, ok := e.Payload.(string); ok {
				acc.appendDelta(ctx, delta)
			}
		case bus.EventOutputToolCall:
			if status, ok := e.Payload.(ToolCallStatus); ok {
				r.sink.ToolStatus(ctx, requestID, status.Name, status.Phase)
			}
		case bus.EventOutputResponseText:
			if text, ok := e.Payload.(string); ok {
				acc.finalize(ctx, text)
			}
		case bus.EventOutputResponseBinary:
			if bin, ok := e.Payload.(BinaryOutput); ok {
				if err := r.sink.FinalBinary(ctx, requestID, bin.Data, bin.Filename, bin.MimeType); err != nil {
					logger.ErrorCF("relay", "final binary relay failed", map[string]interface{}{
						"request_id": requestID, "error": err.Error(),
					})
				}
			}
		}
		return false
	}
}

// ToolCallStatus is the agent.output.tool.call payload.
type ToolCallStatus struct {
	Name  string
	Phase string // "start" | "update" | "end"
}

// BinaryOutput is the agent.output.response.binary payload.
type BinaryOutput struct {
	Data     []byte
	Filename string
	MimeType string
}

// accumulator implements the NO_REPLY early-suppression rule: while the
// text streamed so far is still a possible prefix of "NO_REPLY", nothing is
// relayed; the instant it diverges, the buffered prefix and every
// subsequent delta are relayed through a bus.StreamNotifier as normal.
type accumulator struct {
	requestID string
	sink      Sink
	interval  time.Duration

	buffered   string
	confirmed  bool
	notifier   *bus.StreamNotifier
}

func newAccumulator(requestID string, sink Sink, interval time.Duration) *accumulator {
	return &accumulator{requestID: requestID, sink: sink, interval: interval}
}

func (a *accumulator) appendDelta(ctx context.Context, delta string) {
	if a.confirmed {
		a.notifier.Append(delta)
		return
	}

	a.buffered += delta
	if couldStillBeNoReply(a.buffered) {
		return
	}

	a.confirmed = true
	a.notifier = bus.NewStreamNotifier(a.interval, func(fullText string) {
		a.sink.StreamEdit(ctx, a.requestID, fullText)
	})
	a.notifier.Append(a.buffered)
}

// finalize handles the agent.output.response.text event: exact-match
// NO_REPLY suppresses the reply outright, otherwise the full text is
// relayed as the final message.
func (a *accumulator) finalize(ctx context.Context, text string) {
	a.stop()

	if strings.TrimSpace(text) == noReplyToken {
		return
	}

	if err := a.sink.FinalMessage(ctx, a.requestID, text); err != nil {
		logger.ErrorCF("relay", "final message relay failed", map[string]interface{}{
			"request_id": a.requestID, "error": err.Error(),
		})
	}
}

func (a *accumulator) stop() {
	if a.notifier != nil {
		a.notifier.Flush()
		a.notifier = nil
	}
}

// couldStillBeNoReply reports whether trimmed(s) is still a prefix of
// "NO_REPLY", meaning it cannot yet be ruled out that the final text will
// be exactly NO_REPLY once streaming finishes.
func couldStillBeNoReply(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return true
	}
	if len(trimmed) > len(noReplyToken) {
		return false
	}
	return strings.HasPrefix(noReplyToken, trimmed)
}
