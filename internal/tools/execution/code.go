package execution

import (
	"context"
	"strings"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
)

// ExecuteCodeArgs is the input of execute_code.
type ExecuteCodeArgs struct {
	Code string `json:"code"`
}

// toToolResult maps a sandbox result onto the result the model sees.
func toToolResult(r sandbox.Result) engine.ToolResult {
	return engine.ToolResult{
		Succeeded:       r.Succeeded,
		Stdout:          r.Stdout,
		StdoutTruncated: r.StdoutTruncated,
		Stderr:          r.Stderr,
		Value:           r.Value,
		Error:           r.ErrorSummary,
	}
}

// NewExecuteCodeTool creates the execute_code tool backed by a persistent interpreter.
func NewExecuteCodeTool(exec Executor) engine.Tool {
	return engine.Tool{
		Name: "execute_code",
		Description: `Execute Python code in a persistent interpreter.

Variables, functions and imports persist across calls. Use print() to see output;
the value of a trailing expression is returned as the result. Code runs in the
working directory, so files can be read and written with relative paths.

Example:
  first call:  x = 5
  second call: x + 1   -> result "6"`,
		SchemaJSON: `{"type":"object","properties":{
			"code":{"type":"string","description":"Python code to execute. Multi-line code is supported."}
		},"required":["code"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in ExecuteCodeArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			if strings.TrimSpace(in.Code) == "" {
				return engine.FailedResult("code must not be empty"), nil
			}
			return toToolResult(exec.Execute(ctx, in.Code)), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "execution",
			Tags:     []string{"python", "stateful", "side-effect"},
		},
	}
}
