package filesystem

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem defines the interface for filesystem operations.
// This allows mocking the os package for testing.
type FileSystem interface {
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
	WalkDir(root string, fn fs.WalkDirFunc) error
	EvalSymlinks(path string) (string, error)
}

// OSFileSystem is the default implementation that uses the os package.
type OSFileSystem struct{}

// NewOSFileSystem creates a new OSFileSystem.
func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

func (fs *OSFileSystem) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (fs *OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fs *OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (fs *OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (fs *OSFileSystem) Remove(name string) error {
	return os.Remove(name)
}

func (fs *OSFileSystem) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

func (fs *OSFileSystem) EvalSymlinks(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// PathError reports a path argument that may not be used.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// ResolvePath maps a path relative to root onto the host filesystem.
// Absolute paths, paths that climb out of root and symlinks that lead out of
// root are rejected.
func ResolvePath(fsys FileSystem, root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", &PathError{Path: rel, Reason: "path must not be empty"}
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.VolumeName(rel) != "" {
		return "", &PathError{Path: rel, Reason: "absolute paths are not allowed"}
	}

	root = filepath.Clean(root)
	full := filepath.Join(root, rel)
	if !within(root, full) {
		return "", &PathError{Path: rel, Reason: "path is outside the working directory"}
	}

	// The deepest existing ancestor decides where a symlink really points.
	realRoot, err := fsys.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	for probe := full; ; probe = filepath.Dir(probe) {
		real, err := fsys.EvalSymlinks(probe)
		if err == nil {
			rest, _ := filepath.Rel(probe, full)
			if !within(realRoot, filepath.Join(real, rest)) {
				return "", &PathError{Path: rel, Reason: "path is outside the working directory"}
			}
			break
		}
		if probe == root || probe == filepath.Dir(probe) {
			break
		}
	}
	return full, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
