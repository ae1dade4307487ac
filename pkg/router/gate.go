package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/lilacbridge/lilac-core/pkg/metrics"
	"github.com/lilacbridge/lilac-core/pkg/providers"
)

// GateContext names the two invocation contexts the Request Router distinguishes:
// active-batch fails closed on error, the reply/mention disambiguation
// fails open.
type GateContext string

const (
	GateContextActiveBatch       GateContext = "active-batch"
	GateContextReplyDisambiguate GateContext = "direct-reply-mention-disambiguation"
)

func (c GateContext) failOpen() bool {
	return c == GateContextReplyDisambiguate
}

// GateDecision is the gate's strict JSON output shape; jsonschema.For
// infers the schema handed to the model from this struct's tags.
type GateDecision struct {
	Forward bool   `json:"forward"`
	Reason  string `json:"reason,omitempty"`
}

// structuredResponder is the slice of *providers.OpenAIProvider the gate
// drives; narrowed to an interface so the gate can be tested against a
// stub instead of a live OpenAI client.
type structuredResponder interface {
	RespondStructured(ctx context.Context, messages []providers.Message, model, schemaName string, schema map[string]interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Gate invokes the fast model slot with a strict JSON schema to decide
// whether a buffered burst (or an ambiguous reply) should be forwarded to
// an agent.
type Gate struct {
	responder structuredResponder
	model     string
	schema    map[string]interface{}
	metrics   *metrics.Metrics
}

// SetMetrics attaches a Metrics sink. Nil-safe: unset means no recording.
func (g *Gate) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

func NewGate(responder structuredResponder, model string) (*Gate, error) {
	s, err := jsonschema.For[GateDecision](nil)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var schemaMap map[string]interface{}
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		return nil, err
	}
	return &Gate{responder: responder, model: model, schema: schemaMap}, nil
}

// Check runs the gate and applies the fail-open/fail-closed-by-context
// rule on error or timeout.
func (g *Gate) Check(ctx context.Context, gateCtx GateContext, prompt string, timeout time.Duration) (GateDecision, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := g.responder.RespondStructured(callCtx, []providers.Message{{Role: "user", Content: prompt}}, g.model, "gate_decision", g.schema, timeout)
	if err != nil {
		if gateCtx.failOpen() {
			g.recordOutcome(gateCtx, "error_fail_open")
			return GateDecision{Forward: true, Reason: "gate error, failing open"}, nil
		}
		g.recordOutcome(gateCtx, "error_fail_closed")
		return GateDecision{Forward: false, Reason: "gate error, failing closed"}, err
	}

	var decision GateDecision
	if unmarshalErr := json.Unmarshal(raw, &decision); unmarshalErr != nil {
		if gateCtx.failOpen() {
			g.recordOutcome(gateCtx, "error_fail_open")
			return GateDecision{Forward: true, Reason: "gate decode error, failing open"}, nil
		}
		g.recordOutcome(gateCtx, "error_fail_closed")
		return GateDecision{Forward: false, Reason: "gate decode error, failing closed"}, unmarshalErr
	}

	if decision.Forward {
		g.recordOutcome(gateCtx, "forward")
	} else {
		g.recordOutcome(gateCtx, "suppress")
	}
	return decision, nil
}

func (g *Gate) recordOutcome(gateCtx GateContext, outcome string) {
	if g.metrics != nil {
		g.metrics.RecordGateDecision(string(gateCtx), outcome)
	}
}

// BuildActiveBatchPrompt renders the prompt for the active-batch gate
// context from a buffered burst's texts.
func BuildActiveBatchPrompt(texts []string) string {
	prompt := "A user sent the following message(s) in an idle channel the assistant monitors passively. Decide whether the assistant should respond.\n\nMESSAGES:\n"
	for _, t := range texts {
		prompt += "- " + t + "\n"
	}
	prompt += "\nRespond with {\"forward\": true|false, \"reason\": \"...\"}."
	return prompt
}

// BuildReplyDisambiguationPrompt renders the prompt for the
// direct-reply-mention-disambiguation gate context.
func BuildReplyDisambiguationPrompt(replyText, mentionedUser string) string {
	return "The user replied to the assistant's message but also @-mentioned \"" + mentionedUser +
		"\" in their reply text. Decide whether they are addressing the assistant (forward=true) or just " +
		"referencing that other user while talking to someone else (forward=false).\n\nREPLY TEXT:\n" + replyText
}
