package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// DeleteFileArgs is the input of delete_file.
type DeleteFileArgs struct {
	Path string `json:"path"`
}

// deleteFileImpl removes a single regular file.
func deleteFileImpl(fs FileSystem, root, path string) (string, error) {
	absPath, err := ResolvePath(fs, root, path)
	if err != nil {
		return "", err
	}

	info, err := fs.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to check file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a file: %s", path)
	}

	if err := fs.Remove(absPath); err != nil {
		return "", fmt.Errorf("failed to delete file: %w", err)
	}
	return fmt.Sprintf("Successfully deleted %s", path), nil
}

// NewDeleteFileTool creates the delete_file tool confined to root.
func NewDeleteFileTool(root string) engine.Tool {
	return newDeleteFileTool(NewOSFileSystem(), root)
}

func newDeleteFileTool(fs FileSystem, root string) engine.Tool {
	return engine.Tool{
		Name:        "delete_file",
		Description: "Deletes a single file from the working directory. Directories cannot be deleted.",
		SchemaJSON: `{"type":"object","properties":{
			"path":{"type":"string","description":"Path to the file relative to the working directory"}
		},"required":["path"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in DeleteFileArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			msg, err := deleteFileImpl(fs, root, in.Path)
			if err != nil {
				return engine.ToolResult{}, err
			}
			return engine.TextResult(msg), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "filesystem",
			Tags:     []string{"delete", "destructive", "side-effect"},
		},
	}
}
