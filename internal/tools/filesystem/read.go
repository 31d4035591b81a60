package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// maxReadBytes bounds read_file; larger files should be processed with execute_code.
const maxReadBytes = 1 << 20

// ReadFileArgs is the input of read_file.
type ReadFileArgs struct {
	Path string `json:"path"`
}

func readFileImpl(fs FileSystem, root, path string) (string, error) {
	filePath, err := ResolvePath(fs, root, path)
	if err != nil {
		return "", err
	}

	info, err := fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("error reading file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory; use list_files", path)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("%s is too large to read (%d bytes); process it with execute_code", path, info.Size())
	}

	data, err := fs.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("error reading file: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not a text file; process it with execute_code", path)
	}
	return string(data), nil
}

// NewReadFileTool creates the read_file tool confined to root.
func NewReadFileTool(root string) engine.Tool {
	return newReadFileTool(NewOSFileSystem(), root)
}

func newReadFileTool(fs FileSystem, root string) engine.Tool {
	return engine.Tool{
		Name:        "read_file",
		Description: "Reads a text file from the working directory. Provide the path relative to the working directory.",
		SchemaJSON: `{"type":"object","properties":{
			"path":{"type":"string","description":"Path to the file relative to the working directory"}
		},"required":["path"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in ReadFileArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			content, err := readFileImpl(fs, root, in.Path)
			if err != nil {
				return engine.ToolResult{}, err
			}
			return engine.TextResult(content), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "filesystem",
			Tags:     []string{"read-only", "idempotent"},
		},
	}
}
