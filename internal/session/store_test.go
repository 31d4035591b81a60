package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id, task, status string) *Record {
	return &Record{
		ID:      id,
		WorkDir: "/tmp/" + id,
		Task:    task,
		Title:   titleFromTask(task),
		Model:   "test-model",
		Status:  status,
		Steps:   2,
		Usage:   engine.Usage{Prompt: 100, Completion: 20, Total: 120},
		Elapsed: 1500 * time.Millisecond,
		Issues:  []string{"pandas missing"},
		Messages: []engine.ChatMessage{
			{Seq: 0, Role: engine.RoleUser, Content: task, Time: time.Now()},
			{Seq: 1, Role: engine.RoleAgent, ToolCalls: []engine.ToolCall{
				{ID: "c1", Name: "execute_code", Args: map[string]any{"code": "import csv"}},
			}, Time: time.Now()},
			{Seq: 2, Role: engine.RoleTool, Result: &engine.ToolResult{CallID: "c1", Tool: "execute_code", Succeeded: true}, Time: time.Now()},
			{Seq: 3, Role: engine.RoleAgent, Content: "parsed the file", Time: time.Now()},
		},
	}
}

func TestStoreSaveLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("s1", "parse the csv file", StatusSuccess)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Task != rec.Task || got.Status != rec.Status || got.Usage != rec.Usage || got.Elapsed != rec.Elapsed {
		t.Errorf("Load() = %+v", got.Meta())
	}
	if len(got.Issues) != 1 || got.Issues[0] != "pandas missing" {
		t.Errorf("issues = %v", got.Issues)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(got.Messages))
	}
	if c := got.Messages[1].ToolCalls; len(c) != 1 || c[0].Args["code"] != "import csv" {
		t.Errorf("tool calls = %+v", c)
	}
	if r := got.Messages[2].Result; r == nil || r.CallID != "c1" || !r.Succeeded {
		t.Errorf("result = %+v", r)
	}

	// Saving again replaces messages instead of duplicating them.
	rec.Messages = rec.Messages[:2]
	rec.Status = StatusFatalError
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	got, _ = s.Load(ctx, "s1")
	if len(got.Messages) != 2 || got.Status != StatusFatalError {
		t.Errorf("after resave: %d messages, status %s", len(got.Messages), got.Status)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, sampleRecord(id, "task "+id, StatusSuccess)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	metas, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(metas) != 2 || metas[0].ID != "c" || metas[1].ID != "b" {
		t.Errorf("List(2) = %+v", metas)
	}

	if err := s.Delete(ctx, "c"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	metas, _ = s.List(ctx, 0)
	if len(metas) != 2 {
		t.Errorf("after delete: %d sessions, want 2", len(metas))
	}
}

func TestStoreSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, sampleRecord("csv", "parse the csv file", StatusSuccess))
	s.Save(ctx, sampleRecord("plot", "draw a histogram of temperatures", StatusBudgetExceeded))

	tests := []struct {
		query string
		want  []string
	}{
		{"histogram", []string{"plot"}},
		{"parse", []string{"csv"}},
		{"status:budget_exceeded", []string{"plot"}},
		{"pandas status:success", []string{"csv"}},
		{"spaceship", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			hits, err := s.Search(ctx, tt.query, 10)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			var ids []string
			for _, h := range hits {
				ids = append(ids, h.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("Search(%q) = %v, want %v", tt.query, ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("Search(%q) = %v, want %v", tt.query, ids, tt.want)
				}
			}
		})
	}

	if _, err := s.Search(ctx, "   ", 10); err == nil {
		t.Errorf("empty query should fail")
	}
}

func TestStoreReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()
	s, err := NewStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	s.Save(ctx, sampleRecord("keep", "persist me", StatusSuccess))
	s.Close()

	s, err = NewStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	if _, err := s.Load(ctx, "keep"); err != nil {
		t.Errorf("Load after reopen: %v", err)
	}
	if hits, _ := s.Search(ctx, "persist", 5); len(hits) != 1 {
		t.Errorf("search after reopen = %v", hits)
	}
	if _, err := os.Stat(path + ".bleve"); err != nil {
		t.Errorf("index directory missing: %v", err)
	}
}
