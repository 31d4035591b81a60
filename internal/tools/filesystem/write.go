package filesystem

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// WriteFileArgs is the input of write_file.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func writeFileImpl(fs FileSystem, root, path, content string) (string, error) {
	filePath, err := ResolvePath(fs, root, path)
	if err != nil {
		return "", err
	}

	if info, err := fs.Stat(filePath); err == nil && info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	if err := fs.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := fs.WriteFile(filePath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// NewWriteFileTool creates the write_file tool confined to root.
func NewWriteFileTool(root string) engine.Tool {
	return newWriteFileTool(NewOSFileSystem(), root)
}

func newWriteFileTool(fs FileSystem, root string) engine.Tool {
	return engine.Tool{
		Name:        "write_file",
		Description: "Writes content to a file in the working directory. Creates parent directories and overwrites existing files.",
		SchemaJSON: `{"type":"object","properties":{
			"path":{"type":"string","description":"Path to the file relative to the working directory"},
			"content":{"type":"string","description":"Content to write to the file"}
		},"required":["path","content"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in WriteFileArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			msg, err := writeFileImpl(fs, root, in.Path, in.Content)
			if err != nil {
				return engine.ToolResult{}, err
			}
			return engine.TextResult(msg), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "filesystem",
			Tags:     []string{"write", "side-effect"},
		},
	}
}
