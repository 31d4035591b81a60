// Package artifact implements save_artifact, the tool that records the
// session's final solution.
package artifact

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/filesystem"
)

// Artifact is a saved solution.
type Artifact struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Bytes int       `json:"bytes"`
	Saves int       `json:"saves"` // how many times this session saved an artifact
	Time  time.Time `json:"time"`
}

// DefaultName derives the artifact file name from the task file:
// "<basename>_code.py", or "code.py" for inline tasks.
func DefaultName(taskFile string) string {
	if taskFile == "" {
		return "code.py"
	}
	base := filepath.Base(taskFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		return "code.py"
	}
	return base + "_code.py"
}

// Store writes artifacts into the working directory and remembers the last one.
// Repeated saves are allowed; the last write wins.
type Store struct {
	mu          sync.Mutex
	fs          filesystem.FileSystem
	root        string
	defaultName string
	last        *Artifact
	saves       int
}

// NewStore creates a store writing into root.
func NewStore(root, defaultName string) *Store {
	if defaultName == "" {
		defaultName = "code.py"
	}
	return &Store{fs: filesystem.NewOSFileSystem(), root: root, defaultName: defaultName}
}

// Save writes code under name (or the default name) and makes it canonical.
func (s *Store) Save(name, code string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		name = s.defaultName
	}
	path, err := filesystem.ResolvePath(s.fs, s.root, name)
	if err != nil {
		return Artifact{}, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := s.fs.WriteFile(path, []byte(code), 0o644); err != nil {
		return Artifact{}, fmt.Errorf("failed to save artifact: %w", err)
	}

	s.saves++
	a := Artifact{Name: name, Path: path, Bytes: len(code), Saves: s.saves, Time: time.Now()}
	s.last = &a
	return a, nil
}

// Last returns the canonical artifact, if any was saved.
func (s *Store) Last() (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Artifact{}, false
	}
	return *s.last, true
}

// SaveArtifactArgs is the input of save_artifact.
type SaveArtifactArgs struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// NewSaveArtifactTool creates the save_artifact tool. Saving never ends the session.
func NewSaveArtifactTool(store *Store) engine.Tool {
	return engine.Tool{
		Name: "save_artifact",
		Description: fmt.Sprintf(`Save the final, complete and runnable solution code.

The code is written to %s in the working directory unless a name is given.
Calling it again replaces the saved solution; the last save is the one delivered.`, store.defaultName),
		SchemaJSON: `{"type":"object","properties":{
			"code":{"type":"string","description":"The complete Python program"},
			"name":{"type":"string","description":"Optional file name relative to the working directory"}
		},"required":["code"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in SaveArtifactArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			a, err := store.Save(in.Name, in.Code)
			if err != nil {
				return engine.ToolResult{}, err
			}
			log.Printf("💾 Artifact saved to %s (%d bytes)", a.Name, a.Bytes)
			return engine.TextResult(fmt.Sprintf("Code saved to %s", a.Name)), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "artifact",
			Tags:     []string{"write", "side-effect"},
		},
	}
}
