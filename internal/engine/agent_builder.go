package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ChamsBouzaiene/pycoder/internal/prompts"
)

// AgentBuilder helps construct an Agent with a fluent API.
type AgentBuilder struct {
	config       AgentConfig
	llm          LLMClient
	tools        ToolRegistry
	hooks        Hooks
	prompt       *prompts.Prompt
	instructions string
}

// NewAgentBuilder creates a new agent builder with default configuration.
func NewAgentBuilder() *AgentBuilder {
	return &AgentBuilder{
		config: DefaultAgentConfig(),
	}
}

// WithModel sets the model name.
func (b *AgentBuilder) WithModel(model string) *AgentBuilder {
	b.config.Model = model
	return b
}

// WithLLM sets the LLM client.
func (b *AgentBuilder) WithLLM(llm LLMClient) *AgentBuilder {
	b.llm = llm
	return b
}

// WithBudget sets the step, time and token ceilings for each run.
func (b *AgentBuilder) WithBudget(budget Budget) *AgentBuilder {
	b.config.Budget = budget
	return b
}

// WithMaxSteps sets the step ceiling.
func (b *AgentBuilder) WithMaxSteps(maxSteps int) *AgentBuilder {
	b.config.Budget.MaxSteps = maxSteps
	return b
}

// WithMaxOutputTokens sets the maximum output tokens for LLM responses.
// If not set, defaults to 8192. Set to 0 to use the default.
func (b *AgentBuilder) WithMaxOutputTokens(tokens int) *AgentBuilder {
	b.config.MaxOutputTokens = tokens
	return b
}

// WithRetryConfig sets the retry configuration.
func (b *AgentBuilder) WithRetryConfig(retryConfig *RetryConfig) *AgentBuilder {
	b.config.RetryConfig = retryConfig
	return b
}

// WithToolRegistry provides the session's tool registry.
func (b *AgentBuilder) WithToolRegistry(reg ToolRegistry) *AgentBuilder {
	b.tools = reg
	return b
}

// WithPrompt sets the prompt ID and version.
func (b *AgentBuilder) WithPrompt(id string, version prompts.PromptVersion) (*AgentBuilder, error) {
	registry := prompts.DefaultRegistry()
	prompt, err := registry.Get(id, version)
	if err != nil {
		return nil, err
	}
	b.prompt = prompt
	b.config.PromptID = id
	b.config.PromptVersion = version
	return b, nil
}

// WithHooks sets custom hooks.
func (b *AgentBuilder) WithHooks(hooks Hooks) *AgentBuilder {
	b.hooks = hooks
	return b
}

// WithInstructions appends project instructions to the system prompt.
func (b *AgentBuilder) WithInstructions(text string) *AgentBuilder {
	b.instructions = text
	return b
}

// Build constructs the Agent instance.
func (b *AgentBuilder) Build(ctx context.Context) (*Agent, error) {
	if b.llm == nil {
		return nil, fmt.Errorf("LLM client not configured: use WithLLM")
	}
	if b.tools == nil {
		return nil, fmt.Errorf("tools not configured: use WithToolRegistry")
	}

	if b.prompt == nil {
		registry := prompts.DefaultRegistry()
		prompt, err := registry.GetLatest(b.config.PromptID)
		if err != nil {
			return nil, err
		}
		b.prompt = prompt
	}

	prompt := *b.prompt
	if text := strings.TrimSpace(b.instructions); text != "" {
		builder, err := prompts.NewPromptBuilder(prompts.DefaultRegistry(), prompt.ID, prompt.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to create prompt builder: %w", err)
		}
		content, err := builder.BuildWithProject(text)
		if err != nil {
			return nil, fmt.Errorf("failed to build prompt: %w", err)
		}
		prompt.Content = content
		log.Printf("📜 Injected project instructions (%d bytes)", len(text))
	}

	if b.hooks == nil {
		b.hooks = DefaultHooks()
	}

	logInitialConfiguration(&prompt, b.tools, b.config)

	return &Agent{
		llm:    b.llm,
		tools:  b.tools,
		config: b.config,
		hooks:  b.hooks,
		prompt: &prompt,
	}, nil
}

// logInitialConfiguration logs a short summary: prompt, budget and tool categories.
func logInitialConfiguration(prompt *prompts.Prompt, tools ToolRegistry, cfg AgentConfig) {
	logger := log.Default()
	logger.Printf("📋 PROMPT: %s@%s (%d bytes) model=%s", prompt.ID, prompt.Version, len(prompt.Content), cfg.Model)
	logger.Printf("⏱️  BUDGET: steps=%d time=%s tokens=%d", cfg.Budget.MaxSteps, cfg.Budget.MaxDuration, cfg.Budget.MaxTokens)

	categories := make(map[string]int)
	for _, t := range tools {
		categories[t.GetCategory()]++
	}
	if len(tools) == 0 {
		logger.Printf("🔧 TOOLS: none")
		return
	}
	logger.Printf("🔧 TOOLS: %d available %v [categories: %v]", len(tools), tools.Names(), categories)
}
