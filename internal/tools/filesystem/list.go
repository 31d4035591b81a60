package filesystem

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	gitignore "github.com/sabhiram/go-gitignore"
)

const maxListedFiles = 1000

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	".git":          true,
	"__pycache__":   true,
	".venv":         true,
	"node_modules":  true,
	".pytest_cache": true,
}

// ListFilesArgs is the input of list_files.
type ListFilesArgs struct {
	Pattern string `json:"pattern"`
}

// fileMatcher reports whether a slash-separated relative path matches a pattern.
// Patterns containing "**" match at any depth with gitignore semantics; other
// patterns use glob rules where "*" never crosses a directory boundary.
type fileMatcher struct {
	deep     *gitignore.GitIgnore
	glob     string
	maxDepth int // directory levels a glob can reach; -1 for unlimited
}

func newFileMatcher(pattern string) (*fileMatcher, error) {
	if pattern == "" {
		pattern = "*"
	}
	if filepath.IsAbs(pattern) || strings.HasPrefix(pattern, "/") {
		return nil, &PathError{Path: pattern, Reason: "absolute patterns are not allowed"}
	}
	for _, seg := range strings.Split(filepath.ToSlash(pattern), "/") {
		if seg == ".." {
			return nil, &PathError{Path: pattern, Reason: "pattern is outside the working directory"}
		}
	}

	if strings.Contains(pattern, "**") {
		return &fileMatcher{deep: gitignore.CompileIgnoreLines(filepath.ToSlash(pattern)), maxDepth: -1}, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &fileMatcher{glob: filepath.ToSlash(pattern), maxDepth: strings.Count(filepath.ToSlash(pattern), "/")}, nil
}

func (m *fileMatcher) match(rel string) bool {
	if m.deep != nil {
		return m.deep.MatchesPath(rel)
	}
	ok, _ := filepath.Match(m.glob, rel)
	return ok
}

func listFilesImpl(fileSys FileSystem, root, pattern string) ([]string, bool, error) {
	matcher, err := newFileMatcher(pattern)
	if err != nil {
		return nil, false, err
	}

	root = filepath.Clean(root)
	files := make([]string, 0)
	truncated := false

	err = fileSys.WalkDir(root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if walkPath == root {
			return nil
		}
		rel, err := filepath.Rel(root, walkPath)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			if matcher.maxDepth >= 0 && strings.Count(rel, "/") >= matcher.maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if matcher.match(rel) {
			if len(files) == maxListedFiles {
				truncated = true
				return filepath.SkipAll
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	sort.Strings(files)
	return files, truncated, nil
}

// NewListFilesTool creates the list_files tool confined to root.
func NewListFilesTool(root string) engine.Tool {
	return newListFilesTool(NewOSFileSystem(), root)
}

func newListFilesTool(fs FileSystem, root string) engine.Tool {
	return engine.Tool{
		Name:        "list_files",
		Description: "Lists files in the working directory matching a glob pattern. Use \"**\" to match at any depth, e.g. \"**/*.py\". Paths are relative and sorted.",
		SchemaJSON: `{"type":"object","properties":{
			"pattern":{"type":"string","description":"Glob pattern relative to the working directory. Default: \"*\""}
		},"required":[],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in ListFilesArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			files, truncated, err := listFilesImpl(fs, root, in.Pattern)
			if err != nil {
				return engine.ToolResult{}, err
			}
			if len(files) == 0 {
				return engine.TextResult("no files match"), nil
			}
			out := strings.Join(files, "\n")
			if truncated {
				out += fmt.Sprintf("\n[listing stopped after %d files; use a narrower pattern]", maxListedFiles)
			}
			return engine.TextResult(out), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "filesystem",
			Tags:     []string{"read-only", "idempotent"},
		},
	}
}
