package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// machine carries one run through its states. It is not safe for concurrent use;
// each session drives its own machine sequentially.
type machine struct {
	parent context.Context // caller context; cancellation is fatal
	ctx    context.Context // parent bounded by the wall-clock budget

	llm    LLMClient
	reg    ToolRegistry
	st     *State
	budget Budget
	hooks  Hooks
	opts   ChatOptions
	retry  *RetryConfig

	current LoopState
}

// getRetryConfig returns the retry configuration, using defaults if not provided.
func getRetryConfig(opts ChatOptions) *RetryConfig {
	if opts.RetryConfig != nil {
		return opts.RetryConfig
	}
	defaultConfig := DefaultRetryConfig()
	return &defaultConfig
}

func (m *machine) transition(to LoopState) {
	from := m.current
	m.current = to
	m.hooks.OnStateChange(m.parent, m.st, from, to)
}

func (m *machine) appendMessage(msg ChatMessage) ChatMessage {
	stored := m.st.Append(msg)
	m.hooks.OnMessageAppended(m.parent, m.st, stored)
	return stored
}

// plan asks the model for its next move, retrying transient failures.
func (m *machine) plan() (LLMResponse, error) {
	m.hooks.OnStepStart(m.parent, m.st)

	msgs := m.st.Messages()
	schemas := m.reg.Schemas()
	m.hooks.OnBeforeLLM(m.parent, m.st, msgs, schemas)

	policy := m.retry.LLMPolicy
	resp, err := RetryLLMCall(m.ctx, policy, m.llm, m.st.Model, msgs, schemas, m.opts,
		func(attempt int, delay time.Duration, retryErr error) {
			m.hooks.OnRetryAttempt(m.parent, m.st, attempt, policy.MaxRetries, delay, retryErr)
		},
	)
	if err != nil {
		if IsRetryExhausted(err) {
			m.hooks.OnRetryExhausted(m.parent, m.st, err)
		}
		return LLMResponse{}, err
	}

	m.st.Totals.Add(resp.Usage)
	m.hooks.OnAfterLLM(m.parent, m.st, resp)
	return resp, nil
}

// dispatch runs the calls in the order proposed. Each result is appended before
// the next call starts, so later calls observe earlier side effects.
func (m *machine) dispatch(calls []ToolCall) {
	for _, call := range calls {
		var res ToolResult
		if err := m.ctx.Err(); err != nil {
			res = FailedResult("not executed: %v", err)
			res.CallID, res.Tool = call.ID, call.Name
		} else {
			m.hooks.OnToolCall(m.parent, m.st, call)
			res = m.reg.Dispatch(m.ctx, call)
		}
		m.appendMessage(ChatMessage{Role: RoleTool, Content: res.Render(), Result: &res})
		m.hooks.OnToolResult(m.parent, m.st, call, res)
	}
}

// observe closes a step.
func (m *machine) observe() {
	m.transition(StateObserving)
	m.st.Step++
}

// malformed records model output that could not be interpreted. The message has
// the shape of a tool result so the model sees it as feedback on its last turn.
func (m *machine) malformed(reason string) {
	res := FailedResult("malformed model output: %s", reason)
	m.appendMessage(ChatMessage{Role: RoleTool, Content: res.Render(), Result: &res})
}

// normalizeCalls gives every call a unique correlation id. Names and arguments are
// kept exactly as the model produced them.
func normalizeCalls(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = fmt.Sprintf("call_%s", uuid.NewString())
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}
