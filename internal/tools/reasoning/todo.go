package reasoning

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// TodoStatus is the lifecycle state of a task list item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of the agent's task list.
type TodoItem struct {
	ID       string     `json:"id"`
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Priority string     `json:"priority"`
}

// TodoOperation upserts one item. Empty fields keep the existing value.
type TodoOperation struct {
	ID       string `json:"id"`
	Content  string `json:"content,omitempty"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// RecordTodoArgs is the input of record_todo.
type RecordTodoArgs struct {
	Operations []TodoOperation `json:"operations"`
	Replace    bool            `json:"replace,omitempty"`
}

// TodoList is a session-scoped task list. At most one item is in_progress.
type TodoList struct {
	mu    sync.Mutex
	items []TodoItem
}

// NewTodoList creates an empty list.
func NewTodoList() *TodoList {
	return &TodoList{}
}

// Items returns a copy of the current list.
func (l *TodoList) Items() []TodoItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TodoItem(nil), l.items...)
}

// Apply runs a batch of upserts. The batch is applied entirely or not at all.
func (l *TodoList) Apply(ops []TodoOperation, replace bool) ([]TodoItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next []TodoItem
	if !replace {
		next = append(next, l.items...)
	}
	index := make(map[string]int, len(next))
	for i, it := range next {
		index[it.ID] = i
	}

	for i, op := range ops {
		id := strings.TrimSpace(op.ID)
		if id == "" {
			return nil, fmt.Errorf("operation %d: id must not be empty", i+1)
		}
		pos, exists := index[id]
		if !exists {
			next = append(next, TodoItem{ID: id, Status: TodoPending, Priority: "medium"})
			pos = len(next) - 1
			index[id] = pos
		}
		it := &next[pos]
		if op.Content != "" {
			it.Content = op.Content
		}
		if op.Status != "" {
			it.Status = TodoStatus(op.Status)
		}
		if op.Priority != "" {
			it.Priority = op.Priority
		}
	}

	if err := validateTodos(next); err != nil {
		return nil, err
	}
	l.items = next
	return append([]TodoItem(nil), next...), nil
}

func validateTodos(items []TodoItem) error {
	inProgress := 0
	for _, it := range items {
		switch it.Status {
		case TodoPending, TodoCompleted:
		case TodoInProgress:
			inProgress++
		default:
			return fmt.Errorf("todo %s: invalid status %q (want pending, in_progress or completed)", it.ID, it.Status)
		}
		switch it.Priority {
		case "high", "medium", "low":
		default:
			return fmt.Errorf("todo %s: invalid priority %q (want high, medium or low)", it.ID, it.Priority)
		}
		if strings.TrimSpace(it.Content) == "" {
			return fmt.Errorf("todo %s: content must not be empty", it.ID)
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("only one task can be in_progress at a time (got %d)", inProgress)
	}
	return nil
}

// FormatTodos renders the list as a checklist.
func FormatTodos(items []TodoItem) string {
	if len(items) == 0 {
		return "(empty task list)"
	}
	var b strings.Builder
	for _, it := range items {
		mark := "[ ]"
		switch it.Status {
		case TodoInProgress:
			mark = "[>]"
		case TodoCompleted:
			mark = "[x]"
		}
		fmt.Fprintf(&b, "%s %s: %s (%s)\n", mark, it.ID, it.Content, it.Priority)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewRecordTodoTool creates the record_todo tool backed by list.
func NewRecordTodoTool(list *TodoList) engine.Tool {
	return engine.Tool{
		Name: "record_todo",
		Description: `Maintain a short task checklist for the current session.

Each operation upserts one item by id; fields you omit keep their previous value.
Set replace=true to replace the whole list. Keep exactly one item in_progress
while working on it and mark it completed when done.`,
		SchemaJSON: `{"type":"object","properties":{
			"operations":{"type":"array","items":{"type":"object","properties":{
				"id":{"type":"string","description":"Stable identifier of the item"},
				"content":{"type":"string","description":"Task description"},
				"status":{"type":"string","enum":["pending","in_progress","completed"]},
				"priority":{"type":"string","enum":["high","medium","low"]}
			},"required":["id"],"additionalProperties":false}},
			"replace":{"type":"boolean","description":"Replace the entire list instead of updating it. Default: false"}
		},"required":["operations"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in RecordTodoArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			items, err := list.Apply(in.Operations, in.Replace)
			if err != nil {
				return engine.ToolResult{}, err
			}
			log.Printf("📝 Task list updated (%d items)", len(items))
			return engine.TextResult(fmt.Sprintf("Updated %d todos\n%s", len(items), FormatTodos(items))), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "meta",
			Tags:     []string{"planning", "session-state"},
		},
	}
}
