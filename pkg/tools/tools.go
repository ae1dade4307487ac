// Package tools defines the Tool contract the Agent Turn Engine drives
// and a small registry of tools exercised by its tests. The full tool
// catalogue (file system, shell, web, specialist hand-off, memory search,
// email/Moodle integrations) is out of scope here.
package tools

import "context"

// ToolResult is what a tool execution contributes back to the transcript.
type ToolResult struct {
	ForLLM  string // rendered into the tool-result message content
	IsError bool   // renders as an error-text part
	Err     error
	Silent  bool // true when the tool already delivered output out-of-band
}

func ErrorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, IsError: true}
}

func SilentResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: msg, Silent: true}
}

// NeedsApproval is implemented by tools that require interactive approval
// before executing ("Gate by the tool's needsApproval
// predicate"). A tool without this interface is always approved.
type NeedsApproval interface {
	NeedsApproval(args map[string]interface{}) bool
}

// ProgressReporter is implemented by tools whose execution yields
// intermediate chunks, the Turn Engine emits a tool_execution_update per
// chunk before the final result.
type ProgressReporter interface {
	Execute(ctx context.Context, args map[string]interface{}, onUpdate func(chunk string)) *ToolResult
}

// Tool is the minimal contract every registered tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// Registry holds the tools available to a turn engine instance.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the provider-neutral tool schema for every
// registered tool, in registration order, for handing to the model.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, ToolDefinition{
			Type: "function",
			Function: FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// ToolDefinition/FunctionDefinition duplicate providers.ToolDefinition's
// shape so this package has no import-time dependency on pkg/providers;
// pkg/turnengine converts between the two at its boundary.
type ToolDefinition struct {
	Type     string
	Function FunctionDefinition
}

type FunctionDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}
