package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	engineprotocol "github.com/ChamsBouzaiene/pycoder/internal/engine/protocol"
)

// protocolHook mirrors the engine's progress onto the NDJSON event stream.
type protocolHook struct {
	engine.NopHook
	session    *sessionState
	tokenLimit int
}

func newProtocolHook(session *sessionState, tokenLimit int) *protocolHook {
	return &protocolHook{session: session, tokenLimit: tokenLimit}
}

func (h *protocolHook) OnStepStart(ctx context.Context, st *engine.State) {
	h.session.emit(engineprotocol.NewStatusEvent(h.session.id, "step_start", fmt.Sprintf("step=%d", st.Step+1)))
}

func (h *protocolHook) OnBeforeLLM(ctx context.Context, st *engine.State, messages []engine.ChatMessage, schemas []engine.ToolSchema) {
	h.session.emit(engineprotocol.NewStatusEvent(h.session.id, "thinking", fmt.Sprintf("%d messages", len(messages))))
}

func (h *protocolHook) OnAfterLLM(ctx context.Context, st *engine.State, resp engine.LLMResponse) {
	if content := strings.TrimSpace(resp.Content); content != "" {
		h.session.emit(engineprotocol.NewAssistantTextEvent(h.session.id, content, len(resp.ToolCalls) == 0))
	}
	h.session.emit(engineprotocol.NewTokenUsageEvent(h.session.id, st.Totals.Prompt, st.Totals.Completion, st.Totals.Total, h.tokenLimit))
}

func (h *protocolHook) OnToolCall(ctx context.Context, st *engine.State, call engine.ToolCall) {
	h.session.emit(engineprotocol.NewToolEvent(h.session.id, call.ID, call.Name, "started", nil, engine.ToolCallPreview(call)))
}

func (h *protocolHook) OnToolResult(ctx context.Context, st *engine.State, call engine.ToolCall, res engine.ToolResult) {
	success := res.Succeeded
	details := res.Error
	if success {
		details = truncate(res.Value, 500)
	}
	h.session.emit(engineprotocol.NewToolEvent(h.session.id, call.ID, call.Name, "completed", &success, details))

	if res.Stdout != "" {
		h.session.emit(engineprotocol.NewToolOutputEvent(h.session.id, call.ID, "stdout", res.Stdout, res.StdoutTruncated))
	}
	if res.Stderr != "" {
		h.session.emit(engineprotocol.NewToolOutputEvent(h.session.id, call.ID, "stderr", res.Stderr, false))
	}
	if call.Name == "execute_code" && res.Value != "" {
		h.session.emit(engineprotocol.NewToolOutputEvent(h.session.id, call.ID, "value", res.Value, false))
	}

	if !success {
		return
	}
	switch call.Name {
	case "write_file", "delete_file":
		if path, ok := call.Args["path"].(string); ok {
			h.session.emit(engineprotocol.NewFilesChangedEvent(h.session.id, []string{path}))
		}
	}
}

func (h *protocolHook) OnRetryAttempt(ctx context.Context, st *engine.State, attempt, maxAttempts int, delay time.Duration, err error) {
	detail := fmt.Sprintf("attempt=%d/%d delay=%s error=%v", attempt, maxAttempts, delay, err)
	h.session.emit(engineprotocol.NewStatusEvent(h.session.id, "retry", detail))
}

func (h *protocolHook) OnBudgetExceeded(ctx context.Context, st *engine.State, reason string) {
	h.session.emit(engineprotocol.NewStatusEvent(h.session.id, "budget_exceeded", reason))
}
