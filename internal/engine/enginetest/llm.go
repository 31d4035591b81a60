// Package enginetest provides a scripted LLM client for tests outside the engine.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// ScriptedLLM replays responses in order. When the script runs out it repeats
// Repeat if set, and otherwise fails the call.
type ScriptedLLM struct {
	mu        sync.Mutex
	Responses []engine.LLMResponse
	Repeat    *engine.LLMResponse
	calls     int
	seen      [][]engine.ChatMessage
}

var _ engine.LLMClient = (*ScriptedLLM)(nil)

// Chat implements engine.LLMClient.
func (l *ScriptedLLM) Chat(ctx context.Context, model string, messages []engine.ChatMessage, schemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return engine.LLMResponse{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, messages)
	i := l.calls
	l.calls++
	if i < len(l.Responses) {
		return l.Responses[i], nil
	}
	if l.Repeat != nil {
		r := *l.Repeat
		r.ToolCalls = make([]engine.ToolCall, len(l.Repeat.ToolCalls))
		for j, c := range l.Repeat.ToolCalls {
			c.ID = fmt.Sprintf("%s-%d", c.ID, i)
			r.ToolCalls[j] = c
		}
		return r, nil
	}
	return engine.LLMResponse{}, fmt.Errorf("scripted LLM: no response for call %d", i+1)
}

// Calls returns how many times Chat was called.
func (l *ScriptedLLM) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Seen returns the message list passed to the n-th call (0-based).
func (l *ScriptedLLM) Seen(n int) []engine.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 0 || n >= len(l.seen) {
		return nil
	}
	return l.seen[n]
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) engine.ToolCall {
	return engine.ToolCall{ID: id, Name: name, Args: args}
}

// Tools builds a response carrying tool calls.
func Tools(calls ...engine.ToolCall) engine.LLMResponse {
	return engine.LLMResponse{ToolCalls: calls, FinishReason: "tool_calls", Usage: engine.Usage{Prompt: 10, Completion: 5, Total: 15}}
}

// Text builds a final prose response.
func Text(s string) engine.LLMResponse {
	return engine.LLMResponse{Content: s, FinishReason: "stop", Usage: engine.Usage{Prompt: 10, Completion: 5, Total: 15}}
}
