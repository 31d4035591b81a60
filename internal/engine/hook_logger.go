// engine/hook_logger.go
package engine

import (
	"context"
	"log"
	"time"
)

type LoggerHook struct{ L *log.Logger }

func (h LoggerHook) OnStateChange(_ context.Context, st *State, from, to LoopState) {
	if to.Terminal() {
		h.L.Printf("state %s → %s (step=%d)", from, to, st.Step)
	}
}
func (h LoggerHook) OnStepStart(_ context.Context, st *State) {
	h.L.Printf("step=%d", st.Step+1)
}
func (h LoggerHook) OnBeforeLLM(_ context.Context, st *State, msgs []ChatMessage, toolSchemas []ToolSchema) {
	h.L.Printf("📤 step=%d: %d msgs, %d tools (cumulative tokens=%d)", st.Step+1, len(msgs), len(toolSchemas), st.Totals.Total)
}
func (h LoggerHook) OnAfterLLM(_ context.Context, st *State, r LLMResponse) {
	h.L.Printf("finish=%s tool_calls=%d tokens: prompt=%d completion=%d total=%d (cumulative=%d)",
		r.FinishReason, len(r.ToolCalls), r.Usage.Prompt, r.Usage.Completion, r.Usage.Total, st.Totals.Total)
}
func (h LoggerHook) OnToolCall(_ context.Context, _ *State, c ToolCall) {
	h.L.Printf("tool → %s %s", c.Name, ToolCallPreview(c))
}
func (h LoggerHook) OnToolResult(_ context.Context, _ *State, c ToolCall, r ToolResult) {
	if !r.Succeeded {
		h.L.Printf("tool %s failed: %s", c.Name, preview(r.Error, 200))
		return
	}
	out := r.Value
	if out == "" {
		out = r.Stdout
	}
	h.L.Printf("tool %s ok: %s", c.Name, preview(out, 100))
}
func (h LoggerHook) OnMessageAppended(_ context.Context, _ *State, _ ChatMessage) {}
func (h LoggerHook) OnRetryAttempt(_ context.Context, _ *State, attempt int, maxAttempts int, delay time.Duration, err error) {
	h.L.Printf("retry attempt=%d/%d delay=%v error=%v", attempt, maxAttempts, delay, err)
}
func (h LoggerHook) OnRetryExhausted(_ context.Context, _ *State, err error) {
	h.L.Printf("retries exhausted: %v", err)
}
func (h LoggerHook) OnBudgetExceeded(_ context.Context, _ *State, reason string) {
	h.L.Printf("⚠️  budget exceeded: %s", reason)
}
func (h LoggerHook) OnDone(_ context.Context, _ *State, out Outcome) {
	h.L.Printf("done: state=%s steps=%d tokens=%d elapsed=%s", out.State, out.Steps, out.Usage.Total, out.Elapsed.Round(time.Millisecond))
}

func preview(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
