package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnores are never reported as changes.
var defaultIgnores = []string{"**/.git/", "**/__pycache__/", "**/.venv/", "*.pyc", "**/.ipynb_checkpoints/"}

// Watcher records files created, modified or removed under a working directory,
// typically by code running in the sandbox.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	ignore  *gitignore.GitIgnore

	mu      sync.Mutex
	changed map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching root recursively. Patterns from root/.gitignore
// are honoured in addition to the built-in ignores; extra lists more patterns.
func NewWatcher(root string, extra ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	patterns := append([]string{}, defaultIgnores...)
	patterns = append(patterns, extra...)
	if data, err := os.ReadFile(filepath.Join(root, ".gitignore")); err == nil {
		patterns = append(patterns, strings.Split(string(data), "\n")...)
	}

	w := &Watcher{
		root:    root,
		watcher: fw,
		ignore:  gitignore.CompileIgnoreLines(patterns...),
		changed: make(map[string]bool),
		done:    make(chan struct{}),
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.eventLoop()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			log.Printf("⚠️  Failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string, isDir bool) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel += "/"
	}
	return w.ignore.MatchesPath(rel)
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directory: watch it and record files that appeared before the watch.
			if w.ignored(event.Name, true) {
				return
			}
			_ = w.addTree(event.Name)
			_ = filepath.WalkDir(event.Name, func(path string, d os.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					w.record(path)
				}
				return nil
			})
			return
		}
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.record(event.Name)
	}
}

func (w *Watcher) record(path string) {
	if w.ignored(path, false) {
		return
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.changed[filepath.ToSlash(rel)] = true
	w.mu.Unlock()
}

// Drain returns the files changed since the previous call, sorted.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.changed) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.changed))
	for p := range w.changed {
		out = append(out, p)
	}
	w.changed = make(map[string]bool)
	sort.Strings(out)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	w.wg.Wait()
	return w.watcher.Close()
}
