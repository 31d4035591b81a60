package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/reasoning"
)

// LogFileName returns the session log name for a task file: "<basename>.jsonl",
// or "log.jsonl" for inline tasks.
func LogFileName(taskBase string) string {
	if taskBase == "" {
		return "log.jsonl"
	}
	return taskBase + ".jsonl"
}

// EventLog appends one JSON object per line. Every line carries a timestamp and
// is written straight to the file so the log survives abrupt exits.
type EventLog struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
	now    func() time.Time
}

// OpenEventLog creates (or truncates) the log at path.
func OpenEventLog(path string) (*EventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return &EventLog{f: f, path: path, now: time.Now}, nil
}

// Path returns the log file location.
func (l *EventLog) Path() string { return l.path }

// Write records one event. Errors are returned but never fatal to a session.
func (l *EventLog) Write(event string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}

	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["event"] = event
	rec["timestamp"] = l.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}

// Close flushes and closes the file. It is safe to call twice.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// changeSource reports files changed since the last call.
type changeSource interface {
	Drain() []string
}

// LogHook writes the engine's progress to an EventLog.
type LogHook struct {
	engine.NopHook
	Log     *EventLog
	Todos   *reasoning.TodoList // optional
	Changes changeSource        // optional
}

func (h *LogHook) write(event string, fields map[string]any) {
	_ = h.Log.Write(event, fields)
}

func (h *LogHook) OnStateChange(_ context.Context, st *engine.State, from, to engine.LoopState) {
	h.write("state", map[string]any{"from": string(from), "to": string(to), "step": st.Step})
}

func (h *LogHook) OnMessageAppended(_ context.Context, _ *engine.State, msg engine.ChatMessage) {
	switch msg.Role {
	case engine.RoleUser:
		h.write("user", map[string]any{"seq": msg.Seq, "content": msg.Content})
	case engine.RoleAgent:
		h.write("agent", map[string]any{"seq": msg.Seq, "content": msg.Content, "tool_calls": len(msg.ToolCalls)})
	case engine.RoleTool:
		if msg.CallID() == "" && msg.Result != nil {
			h.write("tool_response", map[string]any{"seq": msg.Seq, "success": false, "malformed": true, "error": msg.Result.Error})
		}
	}
}

func (h *LogHook) OnToolCall(_ context.Context, _ *engine.State, call engine.ToolCall) {
	fields := map[string]any{"tool": call.Name, "call_id": call.ID}
	switch call.Name {
	case "execute_code", "save_artifact":
		code, _ := call.Args["code"].(string)
		fields["code_length"] = len(code)
	case "record_todo", "report_issue":
	default:
		if len(call.Args) > 0 {
			fields["args"] = call.Args
		}
	}
	if call.Error != "" {
		fields["error"] = call.Error
	}
	h.write("tool_call", fields)
}

func (h *LogHook) OnToolResult(_ context.Context, _ *engine.State, call engine.ToolCall, res engine.ToolResult) {
	fields := map[string]any{"tool": call.Name, "call_id": res.CallID, "success": res.Succeeded}
	if !res.Succeeded {
		fields["error"] = res.Error
	}
	if res.StdoutTruncated {
		fields["stdout_truncated"] = true
	}
	h.write("tool_response", fields)

	if res.Succeeded {
		h.logToolEffect(call)
	}
	if h.Changes != nil {
		if files := h.Changes.Drain(); len(files) > 0 {
			h.write("files_changed", map[string]any{"files": files})
		}
	}
}

// logToolEffect records what a successful meta tool changed.
func (h *LogHook) logToolEffect(call engine.ToolCall) {
	switch call.Name {
	case "record_todo":
		if h.Todos != nil {
			items := h.Todos.Items()
			tasks := make([]map[string]any, len(items))
			for i, it := range items {
				tasks[i] = map[string]any{"id": it.ID, "content": it.Content, "status": it.Status}
			}
			h.write("todo", map[string]any{"action": "update", "count": len(items), "tasks": tasks})
		}
	case "save_artifact":
		code, _ := call.Args["code"].(string)
		name, _ := call.Args["name"].(string)
		h.write("save_artifact", map[string]any{"name": name, "code_length": len(code)})
	case "report_issue":
		msg, _ := call.Args["message"].(string)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		h.write("report_issue", map[string]any{"issue": msg})
	}
}

func (h *LogHook) OnBudgetExceeded(_ context.Context, st *engine.State, reason string) {
	h.write("budget_exceeded", map[string]any{"reason": reason, "step": st.Step})
}
