// engine/hooks.go
package engine

import (
	"context"
	"time"
)

type Hook interface {
	OnStateChange(ctx context.Context, st *State, from, to LoopState)
	OnStepStart(ctx context.Context, st *State)
	OnBeforeLLM(ctx context.Context, st *State, messages []ChatMessage, toolSchemas []ToolSchema)
	OnAfterLLM(ctx context.Context, st *State, resp LLMResponse)
	OnToolCall(ctx context.Context, st *State, call ToolCall)
	OnToolResult(ctx context.Context, st *State, call ToolCall, result ToolResult)
	OnMessageAppended(ctx context.Context, st *State, msg ChatMessage)
	// Retry hooks
	OnRetryAttempt(ctx context.Context, st *State, attempt int, maxAttempts int, delay time.Duration, err error)
	OnRetryExhausted(ctx context.Context, st *State, err error)
	// Budget hooks
	OnBudgetExceeded(ctx context.Context, st *State, reason string)
	OnDone(ctx context.Context, st *State, out Outcome)
}

// NopHook lets you implement any hook you need.
type NopHook struct{}

func (NopHook) OnStateChange(context.Context, *State, LoopState, LoopState)            {}
func (NopHook) OnStepStart(context.Context, *State)                                    {}
func (NopHook) OnBeforeLLM(context.Context, *State, []ChatMessage, []ToolSchema)       {}
func (NopHook) OnAfterLLM(context.Context, *State, LLMResponse)                        {}
func (NopHook) OnToolCall(context.Context, *State, ToolCall)                           {}
func (NopHook) OnToolResult(context.Context, *State, ToolCall, ToolResult)             {}
func (NopHook) OnMessageAppended(context.Context, *State, ChatMessage)                 {}
func (NopHook) OnRetryAttempt(context.Context, *State, int, int, time.Duration, error) {}
func (NopHook) OnRetryExhausted(context.Context, *State, error)                        {}
func (NopHook) OnBudgetExceeded(context.Context, *State, string)                       {}
func (NopHook) OnDone(context.Context, *State, Outcome)                                {}
