package runner

import (
	"context"

	"github.com/lilacbridge/lilac-core/pkg/config"
	"github.com/lilacbridge/lilac-core/pkg/providers"
	"github.com/lilacbridge/lilac-core/pkg/turnengine"
)

// NewFallbackAgentFactory builds an AgentFactory whose Turn Engine drives
// the main model (models.main, Claude) and transparently retries against
// the fast model (models.fast, OpenAI) when the main provider's call
// fails, via providers.FallbackProvider. Every session's agent shares one
// FallbackProvider pair; per-session state lives entirely in the Engine
// newAgent constructs fresh each call.
func NewFallbackAgentFactory(cfg *config.Config, toolDefs []turnengine.ToolDef, executor turnengine.ToolExecutor, approval turnengine.ApprovalGate) AgentFactory {
	claude := providers.NewClaudeProvider(cfg.Secrets.AnthropicAPIKey)
	openai := providers.NewOpenAIProvider(cfg.Secrets.OpenAIAPIKey, cfg.Models.Fast.Model)
	fallback := providers.NewFallbackProvider(claude, openai, cfg.Models.Main.Model, cfg.Models.Fast.Model)

	return func(ctx context.Context, sessionID string) (*turnengine.Engine, error) {
		return turnengine.New(fallback, toolDefs, executor, approval, cfg.Models.Main.Model, cfg.Models.Main.Options), nil
	}
}
