package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPrepare(t *testing.T) {
	base := t.TempDir()
	dir, err := Prepare(filepath.Join(base, "a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(dir) {
		t.Errorf("Prepare returned relative path %q", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("directory not created: %v", err)
	}

	file := filepath.Join(base, "file")
	os.WriteFile(file, []byte("x"), 0o644)
	if _, err := Prepare(file); err == nil {
		t.Error("expected error for a regular file")
	}
}

func TestSessionDir(t *testing.T) {
	base := t.TempDir()
	a, err := SessionDir(base, "one")
	if err != nil {
		t.Fatal(err)
	}
	b, err := SessionDir(base, "two")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("sessions must get distinct directories")
	}
}

// waitFor polls Drain until want shows up or the deadline passes.
func waitFor(t *testing.T, w *Watcher, want string) []string {
	t.Helper()
	var seen []string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		seen = append(seen, w.Drain()...)
		for _, p := range seen {
			if p == want {
				return seen
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("change to %s not observed, saw %v", want, seen)
	return nil
}

func TestWatcherRecordsChanges(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.log\n"), 0o644)

	w, err := NewWatcher(root)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	os.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(root, "__pycache__"), 0o755)
	os.WriteFile(filepath.Join(root, "out.csv"), []byte("a,b\n"), 0o644)

	seen := waitFor(t, w, "out.csv")
	for _, p := range seen {
		if strings.HasSuffix(p, ".log") || strings.HasPrefix(p, "__pycache__") {
			t.Errorf("ignored path reported: %s", p)
		}
	}

	os.MkdirAll(filepath.Join(root, "results"), 0o755)
	os.WriteFile(filepath.Join(root, "results", "r.txt"), []byte("1"), 0o644)
	waitFor(t, w, "results/r.txt")

	if got := w.Drain(); len(got) != 0 {
		// Late duplicate events are possible but nothing new was written.
		for _, p := range got {
			if p != "results/r.txt" && p != "out.csv" {
				t.Errorf("unexpected change %s", p)
			}
		}
	}
}
