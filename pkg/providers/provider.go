// Package providers wraps the concrete LLM SDKs (Anthropic, OpenAI) behind
// one small interface the Turn Engine and Gate drive. The SDKs' own
// streaming transport is out of scope here, this package only translates
// lilac's message/tool shapes to and from each SDK's params.
package providers

import "context"

// ContentPart is a single part of a multimodal message (image, file,
// inline text extracted from an attachment). Defined here rather than
// imported from a media package to keep providers dependency-free of the
// composition layer; pkg/compose produces these.
type ContentPart struct {
	Type     string // "image" | "file" | "text"
	URL      string // for image/file parts
	MimeType string
	Text     string // for text parts (extracted attachment content)
}

// FunctionCall is the OpenAI-shaped function-call payload carried
// alongside a provider-neutral ToolCall for providers that need the
// stringly-typed arguments form.
type FunctionCall struct {
	Name      string
	Arguments string // JSON-encoded
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Type      string // "function"
	Name      string
	Arguments map[string]interface{}
	Function  *FunctionCall
}

// Message is one entry of the transcript sent to / received from a
// provider. Role is one of "system" | "user" | "assistant" | "tool".
type Message struct {
	Role         string
	Content      string
	ContentParts []ContentPart
	ToolCalls    []ToolCall
	ToolCallID   string // set on role=="tool"
}

// ToolDefinition is the provider-neutral function/tool schema handed to
// the model, translated per-provider in each provider's buildParams.
type ToolDefinition struct {
	Type     string
	Function FunctionDefinition
}

type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// UsageInfo is the token accounting returned with each model response,
// the Auto-Compaction budget calculation is driven by this.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheReadTokens  int
	CacheCreateTokens int
}

// LLMResponse is a single non-streaming model call's result.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // "stop" | "tool_calls" | "length"
	Usage        *UsageInfo
}

// StreamCallback receives each text delta as it streams in.
type StreamCallback func(delta string)

// LLMProvider is the minimal contract the Turn Engine, the Gate, and the
// compaction summarizer all drive.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is implemented by providers that can stream text
// deltas; the Turn Engine type-asserts for it and falls back to Chat.
type StreamingProvider interface {
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onDelta StreamCallback) (*LLMResponse, error)
}

// ContextOverflowError is recognized by the turn-error handler installed
// by Auto-Compaction to distinguish a provider's context-window-exceeded
// error from any other failure.
type ContextOverflowError struct {
	Model            string
	EstimatedTokens  int
	Err              error
}

func (e *ContextOverflowError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "context window exceeded for model " + e.Model
}

func (e *ContextOverflowError) Unwrap() error { return e.Err }
