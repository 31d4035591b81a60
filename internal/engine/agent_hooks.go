package engine

import (
	"context"
	"log"
	"sync"
)

// DefaultHooks returns default hooks for an agent (logger + response).
func DefaultHooks() Hooks {
	return Hooks{
		LoggerHook{L: log.Default()},
		NewResponseHook(),
	}
}

// StatsHook counts tool usage across every run of an agent.
type StatsHook struct {
	NopHook
	mu     sync.Mutex
	usage  map[string]int
	failed int
	steps  int
}

// NewStatsHook creates an empty stats collector.
func NewStatsHook() *StatsHook {
	return &StatsHook{usage: make(map[string]int)}
}

func (h *StatsHook) OnToolCall(_ context.Context, _ *State, c ToolCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := c.Name
	if name == "" {
		name = "(malformed)"
	}
	h.usage[name]++
}

func (h *StatsHook) OnToolResult(_ context.Context, _ *State, _ ToolCall, r ToolResult) {
	if r.Succeeded {
		return
	}
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
}

func (h *StatsHook) OnDone(_ context.Context, _ *State, out Outcome) {
	h.mu.Lock()
	h.steps += out.Steps
	h.mu.Unlock()
}

// ToolUsage returns a copy of the per-tool call counts.
func (h *StatsHook) ToolUsage() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.usage))
	for k, v := range h.usage {
		out[k] = v
	}
	return out
}

// Summary returns total calls, failed calls and observed steps.
func (h *StatsHook) Summary() (calls, failed, steps int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.usage {
		calls += n
	}
	return calls, h.failed, h.steps
}
