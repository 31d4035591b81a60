package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/engine/enginetest"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox/sandboxtest"
)

func code(id, name, src string) engine.ToolCall {
	return enginetest.Call(id, name, map[string]any{"code": src})
}

func newTestSession(t *testing.T, llm engine.LLMClient, mutate func(*Options)) *Session {
	t.Helper()
	opts := Options{
		WorkDir:  t.TempDir(),
		Task:     "add one to five",
		Model:    "test-model",
		LLM:      llm,
		Launcher: &sandboxtest.Launcher{},
		Budget:   engine.Budget{MaxSteps: 20},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", sc.Text(), err)
		}
		if _, ok := ev["timestamp"].(string); !ok {
			t.Errorf("log line without timestamp: %q", sc.Text())
		}
		events = append(events, ev)
	}
	return events
}

func eventsNamed(events []map[string]any, name string) []map[string]any {
	var out []map[string]any
	for _, ev := range events {
		if ev["event"] == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestSessionSolvesTask(t *testing.T) {
	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Tools(code("c1", "execute_code", "x = 5")),
		enginetest.Tools(code("c2", "execute_code", "x + 1")),
		enginetest.Tools(code("c3", "save_artifact", "print(5 + 1)")),
		enginetest.Text("The answer is 6."),
	}}
	store, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	s := newTestSession(t, llm, func(o *Options) {
		o.TaskFile = filepath.Join("tasks", "add.md")
		o.Store = store
	})

	out := s.Run(context.Background(), "add one to five")
	if out.State != engine.StateCompleted {
		t.Fatalf("state = %s (%s), want COMPLETED", out.State, out.Reason)
	}
	if out.FinalAnswer != "The answer is 6." {
		t.Errorf("final answer = %q", out.FinalAnswer)
	}

	msgs := s.Agent().State().Messages()
	var sawSix bool
	for _, m := range msgs {
		if m.Result != nil && m.Result.CallID == "c2" {
			sawSix = m.Result.Value == "6"
		}
	}
	if !sawSix {
		t.Errorf("second fragment did not see x from the first")
	}

	a, ok := s.Artifact()
	if !ok || a.Name != "add_code.py" {
		t.Fatalf("artifact = %+v, %v; want add_code.py", a, ok)
	}
	data, err := os.ReadFile(filepath.Join(s.WorkDir, "add_code.py"))
	if err != nil || string(data) != "print(5 + 1)" {
		t.Errorf("artifact content = %q, %v", data, err)
	}

	logPath := s.LogPath()
	if filepath.Base(logPath) != "add.jsonl" {
		t.Errorf("log file = %s, want add.jsonl", filepath.Base(logPath))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := readEvents(t, logPath)
	if events[0]["event"] != "start" {
		t.Errorf("first event = %v, want start", events[0]["event"])
	}
	if last := events[len(events)-1]; last["event"] != "complete" || last["status"] != StatusSuccess {
		t.Errorf("last event = %v", last)
	}
	if got := len(eventsNamed(events, "tool_call")); got != 3 {
		t.Errorf("tool_call events = %d, want 3", got)
	}
	if got := len(eventsNamed(events, "save_artifact")); got != 1 {
		t.Errorf("save_artifact events = %d, want 1", got)
	}
	if len(eventsNamed(events, "statistics")) != 1 {
		t.Errorf("missing statistics event")
	}

	rec, err := store.Load(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.Status != StatusSuccess || rec.Artifact != "add_code.py" || rec.Steps != 3 {
		t.Errorf("record = %+v", rec.Meta())
	}
	if len(rec.Messages) != len(msgs) {
		t.Errorf("stored %d messages, want %d", len(rec.Messages), len(msgs))
	}

	hits, err := store.Search(context.Background(), "answer", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != s.ID {
		t.Errorf("search hits = %+v", hits)
	}
}

func TestSessionBudgetExceeded(t *testing.T) {
	repeat := enginetest.Tools(code("loop", "execute_code", "print again"))
	llm := &enginetest.ScriptedLLM{Repeat: &repeat}
	s := newTestSession(t, llm, func(o *Options) { o.Budget = engine.Budget{MaxSteps: 3} })

	out := s.Run(context.Background(), "never finish")
	if out.State != engine.StateBudgetExceeded {
		t.Fatalf("state = %s, want BUDGET_EXCEEDED", out.State)
	}
	if out.Steps != 3 {
		t.Errorf("steps = %d, want 3", out.Steps)
	}
	if out.ExitCode() != engine.ExitBudgetExceeded {
		t.Errorf("exit code = %d", out.ExitCode())
	}
	if s.Status() != StatusBudgetExceeded {
		t.Errorf("status = %s", s.Status())
	}

	logPath := s.LogPath()
	s.Close()
	events := readEvents(t, logPath)
	if len(eventsNamed(events, "budget_exceeded")) != 1 {
		t.Errorf("missing budget_exceeded event")
	}
	if last := events[len(events)-1]; last["status"] != StatusBudgetExceeded {
		t.Errorf("complete status = %v", last["status"])
	}
}

func TestSessionIssuesAndTodos(t *testing.T) {
	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Tools(enginetest.Call("t1", "record_todo", map[string]any{
			"operations": []any{
				map[string]any{"id": "1", "content": "load data", "status": "in_progress"},
				map[string]any{"id": "2", "content": "fit model"},
			},
		})),
		enginetest.Tools(enginetest.Call("i1", "report_issue", map[string]any{"message": "scipy is missing"})),
		enginetest.Text("done with caveats"),
	}}
	s := newTestSession(t, llm, func(o *Options) { o.Todo = true })

	out := s.Run(context.Background(), "fit a model")
	if out.State != engine.StateCompleted {
		t.Fatalf("state = %s (%s)", out.State, out.Reason)
	}
	if s.Status() != StatusSuccessWithIssues {
		t.Errorf("status = %s, want %s", s.Status(), StatusSuccessWithIssues)
	}
	if got := len(s.Todos()); got != 2 {
		t.Errorf("todos = %d, want 2", got)
	}
	if got := s.Issues(); len(got) != 1 || got[0].Message != "scipy is missing" {
		t.Errorf("issues = %+v", got)
	}

	logPath := s.LogPath()
	s.Close()
	events := readEvents(t, logPath)
	todo := eventsNamed(events, "todo")
	if len(todo) != 1 || todo[0]["count"] != float64(2) {
		t.Errorf("todo events = %v", todo)
	}
	if len(eventsNamed(events, "report_issue")) != 1 {
		t.Errorf("missing report_issue event")
	}
}

func TestSessionFollowUpKeepsInterpreter(t *testing.T) {
	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Tools(code("a", "execute_code", "x = 5")),
		enginetest.Text("x is set"),
		enginetest.Tools(code("b", "execute_code", "x + 1")),
		enginetest.Text("x + 1 is 6"),
	}}
	launcher := &sandboxtest.Launcher{}
	s := newTestSession(t, llm, func(o *Options) { o.Launcher = launcher })

	if out := s.Run(context.Background(), "set x"); out.State != engine.StateCompleted {
		t.Fatalf("first turn state = %s", out.State)
	}
	if out := s.Run(context.Background(), "now add one"); out.State != engine.StateCompleted {
		t.Fatalf("second turn state = %s", out.State)
	}
	last := s.Agent().State().Messages()
	var value string
	for _, m := range last {
		if m.Result != nil && m.Result.CallID == "b" {
			value = m.Result.Value
		}
	}
	if value != "6" {
		t.Errorf("follow-up value = %q, want 6", value)
	}
	if launcher.Launches() != 1 {
		t.Errorf("launches = %d, want 1", launcher.Launches())
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	const n = 4
	var wg sync.WaitGroup
	results := make([]string, n)
	dirs := make([]string, n)

	for i := 0; i < n; i++ {
		llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
			enginetest.Tools(code("set", "execute_code", fmt.Sprintf("x = %d", i*10))),
			enginetest.Tools(code("get", "execute_code", "x + 1")),
			enginetest.Text("ok"),
		}}
		s := newTestSession(t, llm, nil)
		dirs[i] = s.WorkDir

		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			s.Run(context.Background(), "compute")
			for _, m := range s.Agent().State().Messages() {
				if m.Result != nil && m.Result.CallID == "get" {
					results[i] = m.Result.Value
				}
			}
		}(i, s)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if want := fmt.Sprint(i*10 + 1); results[i] != want {
			t.Errorf("session %d value = %q, want %q", i, results[i], want)
		}
		if seen[dirs[i]] {
			t.Errorf("working directory %s shared", dirs[i])
		}
		seen[dirs[i]] = true
	}
}

func TestSessionRejectsEscapingWrite(t *testing.T) {
	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Tools(enginetest.Call("w", "write_file", map[string]any{"path": "../escape.txt", "content": "x"})),
		enginetest.Text("could not write"),
	}}
	parent := t.TempDir()
	s := newTestSession(t, llm, func(o *Options) { o.WorkDir = filepath.Join(parent, "work") })

	s.Run(context.Background(), "write outside")
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("escape.txt exists outside the working directory")
	}
	for _, m := range s.Agent().State().Messages() {
		if m.Result != nil && m.Result.CallID == "w" && m.Result.Succeeded {
			t.Errorf("write_file outside the root succeeded")
		}
	}
}

func TestNewValidatesInputs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"missing llm", func(o *Options) { o.LLM = nil }, "LLM"},
		{"missing launcher", func(o *Options) { o.Launcher = nil }, "launcher"},
		{"bad package", func(o *Options) { o.Packages = []string{"numpy; rm -rf /"} }, "package"},
		{"launch failure", func(o *Options) { o.Launcher = &sandboxtest.Launcher{Fail: fmt.Errorf("no docker")} }, "no docker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{
				WorkDir:  t.TempDir(),
				LLM:      &enginetest.ScriptedLLM{},
				Launcher: &sandboxtest.Launcher{},
			}
			tt.mutate(&opts)
			s, err := New(context.Background(), opts)
			if err == nil {
				s.Close()
				t.Fatalf("New() succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, &enginetest.ScriptedLLM{}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	events := readEvents(t, s.LogPath())
	if got := len(eventsNamed(events, "complete")); got != 1 {
		t.Errorf("complete events = %d, want 1", got)
	}
	if events[len(events)-1]["status"] != StatusRunning {
		t.Errorf("status of an unused session = %v", events[len(events)-1]["status"])
	}
}
