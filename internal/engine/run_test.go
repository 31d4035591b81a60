package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// interpreterTool is a stand-in for execute_code: it keeps variables between
// calls and understands "name = int", "name + int" and "raise Name msg".
func interpreterTool() Tool {
	vars := map[string]int{}
	add := regexp.MustCompile(`^(\w+)\s*\+\s*(\d+)$`)
	return Tool{
		Name:        "execute_code",
		Description: "run code",
		SchemaJSON:  `{"type":"object","properties":{"code":{"type":"string"}},"required":["code"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (ToolResult, error) {
			code := strings.TrimSpace(args["code"].(string))
			switch {
			case strings.HasPrefix(code, "raise "):
				name, msg, _ := strings.Cut(strings.TrimPrefix(code, "raise "), " ")
				return ToolResult{Succeeded: false, Error: name + ": " + msg, Stderr: "Traceback..."}, nil
			case add.MatchString(code):
				m := add.FindStringSubmatch(code)
				v, ok := vars[m[1]]
				if !ok {
					return ToolResult{Error: fmt.Sprintf("NameError: name '%s' is not defined", m[1])}, nil
				}
				n, _ := strconv.Atoi(m[2])
				return TextResult(strconv.Itoa(v + n)), nil
			case strings.Contains(code, "="):
				name, value, _ := strings.Cut(code, "=")
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					return ToolResult{}, err
				}
				vars[strings.TrimSpace(name)] = n
				return ToolResult{Succeeded: true}, nil
			}
			return ToolResult{}, fmt.Errorf("unsupported code %q", code)
		},
	}
}

func testRegistry() ToolRegistry {
	reg := make(ToolRegistry)
	reg.Register(interpreterTool())
	return reg
}

func execCall(id, code string) ToolCall {
	return ToolCall{ID: id, Name: "execute_code", Args: map[string]any{"code": code}}
}

func toolTurn(calls ...ToolCall) LLMResponse {
	return LLMResponse{ToolCalls: calls, FinishReason: "tool_calls", Usage: Usage{Prompt: 10, Completion: 5, Total: 15}}
}

func textTurn(s string) LLMResponse {
	return LLMResponse{Content: s, FinishReason: "stop", Usage: Usage{Prompt: 10, Completion: 5, Total: 15}}
}

// recordingHook captures transitions and terminal callbacks.
type recordingHook struct {
	NopHook
	mu       sync.Mutex
	states   []LoopState
	done     int
	retries  int
	exceeded []string
}

func (h *recordingHook) OnStateChange(_ context.Context, _ *State, _, to LoopState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, to)
}

func (h *recordingHook) OnDone(context.Context, *State, Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done++
}

func (h *recordingHook) OnRetryAttempt(context.Context, *State, int, int, time.Duration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
}

func (h *recordingHook) OnBudgetExceeded(_ context.Context, _ *State, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exceeded = append(h.exceeded, reason)
}

func fastRetry() ChatOptions {
	return ChatOptions{RetryConfig: &RetryConfig{LLMPolicy: RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}}}
}

func runTask(t *testing.T, llm LLMClient, reg ToolRegistry, budget Budget, hooks ...Hook) (Outcome, *State) {
	t.Helper()
	st := NewState("test-model")
	st.Append(ChatMessage{Role: RoleUser, Content: "task"})
	out := Run(context.Background(), llm, reg, st, budget, Hooks(hooks), fastRetry())
	return out, st
}

// resultFor returns the tool result recorded for a call id.
func resultFor(st *State, callID string) *ToolResult {
	for _, m := range st.Messages() {
		if m.Role == RoleTool && m.CallID() == callID {
			return m.Result
		}
	}
	return nil
}

func TestRunPersistentState(t *testing.T) {
	llm := &MockLLMClient{responses: []LLMResponse{
		toolTurn(execCall("a", "x = 5")),
		toolTurn(execCall("b", "x + 1")),
		textTurn("x + 1 is 6"),
	}}
	hook := &recordingHook{}
	out, st := runTask(t, llm, testRegistry(), Budget{MaxSteps: 10}, hook)

	if out.State != StateCompleted || out.ExitCode() != ExitCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.FinalAnswer != "x + 1 is 6" {
		t.Errorf("final answer = %q", out.FinalAnswer)
	}
	if out.Steps != 2 {
		t.Errorf("steps = %d, want 2", out.Steps)
	}
	if out.Usage.Total != 45 {
		t.Errorf("usage = %d, want 45", out.Usage.Total)
	}
	if r := resultFor(st, "b"); r == nil || !r.Succeeded || r.Value != "6" {
		t.Errorf("result of x + 1 = %+v", r)
	}
	if hook.done != 1 {
		t.Errorf("OnDone fired %d times", hook.done)
	}
	want := []LoopState{
		StatePlanning, StateDispatching, StateObserving,
		StatePlanning, StateDispatching, StateObserving,
		StatePlanning, StateCompleted,
	}
	if fmt.Sprint(hook.states) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", hook.states, want)
	}
}

func TestRunUnknownToolContinues(t *testing.T) {
	llm := &MockLLMClient{responses: []LLMResponse{
		toolTurn(ToolCall{ID: "u", Name: "frobnicate", Args: map[string]any{}}),
		textTurn("ok"),
	}}
	out, st := runTask(t, llm, testRegistry(), Budget{MaxSteps: 10})

	if out.State != StateCompleted {
		t.Fatalf("state = %s", out.State)
	}
	r := resultFor(st, "u")
	if r == nil || r.Succeeded {
		t.Fatalf("unknown tool result = %+v", r)
	}
	if !strings.Contains(r.Error, "frobnicate") || !strings.Contains(r.Error, "execute_code") {
		t.Errorf("error %q should name the tool and list available tools", r.Error)
	}
}

func TestRunToolErrorKeepsGoing(t *testing.T) {
	llm := &MockLLMClient{responses: []LLMResponse{
		toolTurn(execCall("x", "x = 2")),
		toolTurn(execCall("boom", "raise ZeroDivisionError division by zero")),
		toolTurn(execCall("after", "x + 1")),
		textTurn("recovered"),
	}}
	out, st := runTask(t, llm, testRegistry(), Budget{MaxSteps: 10})

	if out.State != StateCompleted {
		t.Fatalf("state = %s", out.State)
	}
	if r := resultFor(st, "boom"); r == nil || r.Succeeded || r.Error != "ZeroDivisionError: division by zero" {
		t.Errorf("exception result = %+v", r)
	}
	if r := resultFor(st, "after"); r == nil || r.Value != "3" {
		t.Errorf("state after exception = %+v", r)
	}
}

func TestRunStepCeiling(t *testing.T) {
	repeat := toolTurn(execCall("", "x = 1"))
	llm := &MockLLMClient{repeat: &repeat}
	hook := &recordingHook{}
	out, _ := runTask(t, llm, testRegistry(), Budget{MaxSteps: 3}, hook)

	if out.State != StateBudgetExceeded {
		t.Fatalf("state = %s, want BUDGET_EXCEEDED", out.State)
	}
	if out.Steps != 3 {
		t.Errorf("steps = %d, want 3", out.Steps)
	}
	if llm.Calls() != 3 {
		t.Errorf("LLM called %d times, want 3", llm.Calls())
	}
	if out.ExitCode() != ExitBudgetExceeded {
		t.Errorf("exit code = %d, want %d", out.ExitCode(), ExitBudgetExceeded)
	}
	if len(hook.exceeded) != 1 || !strings.Contains(hook.exceeded[0], "step limit") {
		t.Errorf("budget reasons = %v", hook.exceeded)
	}
}

func TestRunTokenCeiling(t *testing.T) {
	repeat := toolTurn(execCall("", "x = 1"))
	llm := &MockLLMClient{repeat: &repeat}
	out, _ := runTask(t, llm, testRegistry(), Budget{MaxSteps: 100, MaxTokens: 40})

	if out.State != StateBudgetExceeded {
		t.Fatalf("state = %s", out.State)
	}
	// 15 tokens per call: 45 >= 40 after the third step.
	if out.Steps != 3 || !strings.Contains(out.Reason, "token limit") {
		t.Errorf("steps=%d reason=%q", out.Steps, out.Reason)
	}
}

// blockingLLM waits for its context to end.
type blockingLLM struct{}

func (blockingLLM) Chat(ctx context.Context, _ string, _ []ChatMessage, _ []ToolSchema, _ ChatOptions) (LLMResponse, error) {
	<-ctx.Done()
	return LLMResponse{}, ctx.Err()
}

func TestRunWallClockCeiling(t *testing.T) {
	out, _ := runTask(t, blockingLLM{}, testRegistry(), Budget{MaxSteps: 10, MaxDuration: 50 * time.Millisecond})
	if out.State != StateBudgetExceeded {
		t.Fatalf("state = %s (%s), want BUDGET_EXCEEDED", out.State, out.Reason)
	}
	if !strings.Contains(out.Reason, "time limit") {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestRunParentCancelIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := NewState("m")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out := Run(ctx, blockingLLM{}, testRegistry(), st, Budget{MaxSteps: 10}, Hooks{}, fastRetry())
	if out.State != StateFatalError || out.ExitCode() != ExitFatal {
		t.Fatalf("outcome = %+v", out)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", out.Err)
	}
}

func TestRunLLMErrors(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantState LoopState
		retries   int
	}{
		{"non-retryable", []error{errors.New("401 unauthorized")}, StateFatalError, 0},
		{"transient then success", []error{errors.New("503 service unavailable")}, StateCompleted, 1},
		{"retries exhausted", []error{
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
		}, StateFatalError, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses := make([]LLMResponse, len(tt.errs)+1)
			responses[len(tt.errs)] = textTurn("done")
			llm := &MockLLMClient{errs: tt.errs, responses: responses}
			hook := &recordingHook{}
			out, _ := runTask(t, llm, testRegistry(), Budget{MaxSteps: 5}, hook)
			if out.State != tt.wantState {
				t.Fatalf("state = %s (%v), want %s", out.State, out.Err, tt.wantState)
			}
			if hook.retries != tt.retries {
				t.Errorf("retries = %d, want %d", hook.retries, tt.retries)
			}
			if tt.wantState == StateFatalError && out.Err == nil {
				t.Errorf("fatal outcome without error")
			}
		})
	}
}

func TestRunMalformedOutput(t *testing.T) {
	llm := &MockLLMClient{responses: []LLMResponse{
		{Content: "   ", FinishReason: "stop"},
		toolTurn(ToolCall{ID: "bad", Name: "execute_code", Error: "invalid JSON in arguments"}),
		toolTurn(ToolCall{ID: "noname", Args: map[string]any{}}),
		textTurn("finally"),
	}}
	out, st := runTask(t, llm, testRegistry(), Budget{MaxSteps: 10})

	if out.State != StateCompleted {
		t.Fatalf("state = %s", out.State)
	}
	if out.Steps != 3 {
		t.Errorf("steps = %d, want 3 (malformed turns count)", out.Steps)
	}

	msgs := st.Messages()
	// user, synthesized error, agent+bad, result, agent+noname, result, final
	if len(msgs) != 7 {
		t.Fatalf("got %d messages, want 7", len(msgs))
	}
	if msgs[1].Role != RoleTool || msgs[1].CallID() != "" || !strings.Contains(msgs[1].Result.Error, "malformed model output") {
		t.Errorf("empty response message = %+v", msgs[1])
	}
	if r := resultFor(st, "bad"); r == nil || r.Succeeded || !strings.Contains(r.Error, "invalid JSON") {
		t.Errorf("bad arguments result = %+v", r)
	}
	if r := resultFor(st, "noname"); r == nil || !strings.Contains(r.Error, "missing tool name") {
		t.Errorf("missing name result = %+v", r)
	}
}

func TestRunResultsFollowCallsInOrder(t *testing.T) {
	llm := &MockLLMClient{responses: []LLMResponse{
		toolTurn(execCall("1", "a = 1"), execCall("2", "a + 1"), execCall("2", "a + 2")),
		textTurn("done"),
	}}
	_, st := runTask(t, llm, testRegistry(), Budget{MaxSteps: 10})

	msgs := st.Messages()
	var agent ChatMessage
	for i, m := range msgs {
		if m.Seq != i {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
		if m.Role == RoleAgent && len(m.ToolCalls) > 0 {
			agent = m
			for j, c := range m.ToolCalls {
				next := msgs[i+1+j]
				if next.Role != RoleTool || next.CallID() != c.ID {
					t.Errorf("call %s not answered in position (got %+v)", c.ID, next)
				}
			}
		}
	}
	if len(agent.ToolCalls) != 3 {
		t.Fatalf("agent calls = %d", len(agent.ToolCalls))
	}
	if agent.ToolCalls[2].ID == "2" {
		t.Errorf("duplicate call id was not replaced")
	}
	if r := resultFor(st, "2"); r == nil || r.Value != "2" {
		t.Errorf("second call result = %+v", r)
	}
}

func TestRunValidationFailure(t *testing.T) {
	llm := &MockLLMClient{responses: []LLMResponse{
		toolTurn(ToolCall{ID: "v", Name: "execute_code", Args: map[string]any{"code": "x = 1", "timeout": 5}}),
		textTurn("done"),
	}}
	_, st := runTask(t, llm, testRegistry(), Budget{MaxSteps: 10})
	r := resultFor(st, "v")
	if r == nil || r.Succeeded || !strings.Contains(r.Error, "validation failed for tool execute_code") {
		t.Errorf("validation result = %+v", r)
	}
}

func TestStateIsAppendOnly(t *testing.T) {
	st := NewState("m")
	st.Append(ChatMessage{Role: RoleUser, Content: "one"})
	args := map[string]any{"code": "x = 1", "opts": map[string]any{"k": "v"}, "list": []any{"a"}}
	st.Append(ChatMessage{Role: RoleAgent, ToolCalls: []ToolCall{{ID: "c", Name: "execute_code", Args: args}}})
	res := ToolResult{CallID: "c", Succeeded: true, Value: "v"}
	st.Append(ChatMessage{Role: RoleTool, Result: &res})

	// The caller's values are copied on append.
	res.Value = "changed after append"
	args["code"] = "changed after append"
	args["opts"].(map[string]any)["k"] = "changed after append"

	// Returned messages share nothing with the stored ones.
	msgs := st.Messages()
	msgs[0].Content = "mutated copy"
	msgs[1].ToolCalls[0].Name = "renamed"
	msgs[1].ToolCalls[0].Args["code"] = "mutated copy"
	msgs[1].ToolCalls[0].Args["list"].([]any)[0] = "mutated copy"
	msgs[2].Result.Value = "mutated copy"
	last := st.Last()
	last.Result.Value = "mutated last"

	again := st.Messages()
	if again[0].Content != "one" {
		t.Errorf("stored message changed through a returned copy")
	}
	call := again[1].ToolCalls[0]
	if call.Name != "execute_code" || call.Args["code"] != "x = 1" {
		t.Errorf("stored tool call changed: %+v", call)
	}
	if call.Args["opts"].(map[string]any)["k"] != "v" || call.Args["list"].([]any)[0] != "a" {
		t.Errorf("stored nested args changed: %+v", call.Args)
	}
	if again[2].Result.Value != "v" {
		t.Errorf("stored result value = %q, want v", again[2].Result.Value)
	}
	if st.Len() != 3 || st.Last().Seq != 2 {
		t.Errorf("Len=%d Last.Seq=%d", st.Len(), st.Last().Seq)
	}
}
