package engine

import (
	"github.com/ChamsBouzaiene/pycoder/internal/prompts"
)

// AgentConfig holds configuration for an agent instance.
type AgentConfig struct {
	Model           string
	Budget          Budget
	RetryConfig     *RetryConfig
	PromptID        string
	PromptVersion   prompts.PromptVersion
	MaxOutputTokens int // Maximum tokens for LLM output (0 = use default)
	Temperature     float32
}

// DefaultAgentConfig returns a default agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Model:           "anthropic/claude-sonnet-4.5",
		Budget:          DefaultBudget(),
		PromptID:        prompts.PromptCoder,
		MaxOutputTokens: 8192,
	}
}

// DefaultInteractiveMaxSteps is the default step limit for each interactive follow-up.
const DefaultInteractiveMaxSteps = 100
