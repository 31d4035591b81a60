package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

func TestDefaultName(t *testing.T) {
	tests := map[string]string{
		"":                    "code.py",
		"tasks/sudoku.md":     "sudoku_code.py",
		"/abs/path/queens.md": "queens_code.py",
		"plain":               "plain_code.py",
	}
	for in, want := range tests {
		if got := DefaultName(in); got != want {
			t.Errorf("DefaultName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveArtifactLastWriteWins(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, "task_code.py")
	reg := engine.ToolRegistry{}
	reg.Register(NewSaveArtifactTool(store))

	for i, code := range []string{"print(1)\n", "print(2)\n"} {
		res := reg.Dispatch(context.Background(), engine.ToolCall{
			ID:   "c",
			Name: "save_artifact",
			Args: map[string]any{"code": code},
		})
		if !res.Succeeded {
			t.Fatalf("save %d failed: %+v", i, res)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "task_code.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print(2)\n" {
		t.Errorf("artifact = %q, want last write", data)
	}
	last, ok := store.Last()
	if !ok || last.Saves != 2 || last.Name != "task_code.py" {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestSaveArtifactNamed(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, "")

	if _, ok := store.Last(); ok {
		t.Fatal("no artifact expected before saving")
	}
	a, err := store.Save("solution/main.py", "x = 1\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "solution", "main.py")); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
	if a.Bytes != 6 {
		t.Errorf("Bytes = %d", a.Bytes)
	}

	if _, err := store.Save("../outside.py", "x"); err == nil {
		t.Error("escaping name should be rejected")
	}
	if last, _ := store.Last(); last.Name != "solution/main.py" {
		t.Errorf("rejected save changed the canonical artifact: %+v", last)
	}
}
