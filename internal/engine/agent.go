package engine

import (
	"context"

	"github.com/ChamsBouzaiene/pycoder/internal/prompts"
)

// Agent represents an agent instance that can run conversations.
// One Agent serves one session; it is not shared between sessions.
type Agent struct {
	llm    LLMClient
	tools  ToolRegistry
	config AgentConfig
	hooks  Hooks
	prompt *prompts.Prompt
	state  *State
}

// Run executes a single user message through the agent.
// It keeps the conversation across calls so follow-ups see earlier turns;
// the step and time budget apply to each call separately.
func (a *Agent) Run(ctx context.Context, userMessage string) Outcome {
	st := a.ensureState(ctx)
	a.append(ctx, ChatMessage{Role: RoleUser, Content: userMessage})

	maxOutputTokens := a.config.MaxOutputTokens
	if maxOutputTokens == 0 {
		maxOutputTokens = 8192
	}
	opts := ChatOptions{
		MaxOutputTokens: maxOutputTokens,
		Temperature:     a.config.Temperature,
		RetryConfig:     a.config.RetryConfig,
	}
	return Run(ctx, a.llm, a.tools, st, a.config.Budget, a.hooks, opts)
}

// Append adds a message to the agent's conversation history.
// Messages appended here will be visible to the next Run() call.
func (a *Agent) Append(ctx context.Context, msg ChatMessage) {
	a.ensureState(ctx)
	a.append(ctx, msg)
}

func (a *Agent) append(ctx context.Context, msg ChatMessage) {
	stored := a.state.Append(msg)
	a.hooks.OnMessageAppended(ctx, a.state, stored)
}

func (a *Agent) ensureState(ctx context.Context) *State {
	if a.state != nil {
		return a.state
	}
	a.state = NewState(a.config.Model)
	if a.prompt != nil && a.prompt.Content != "" {
		a.append(ctx, ChatMessage{Role: RoleSystem, Content: a.prompt.Content})
	}
	return a.state
}

// State returns the conversation state, or nil before the first Run.
// Callers should treat the returned state as read-only.
func (a *Agent) State() *State {
	return a.state
}

// Tools returns the registry this agent dispatches to.
func (a *Agent) Tools() ToolRegistry {
	return a.tools
}

// SetLLM replaces the agent's LLM client and model name between runs.
// Conversation history is preserved across the swap.
func (a *Agent) SetLLM(client LLMClient, modelName string) {
	a.llm = client
	a.config.Model = modelName
	if a.state != nil {
		a.state.Model = modelName
	}
}
