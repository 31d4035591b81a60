package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// ResponseHook prints progress lines and the final answer for a human reader.
type ResponseHook struct {
	NopHook
	Writer io.Writer // Defaults to os.Stdout
}

// NewResponseHook creates a new response hook that prints to stdout.
func NewResponseHook() *ResponseHook {
	return &ResponseHook{Writer: os.Stdout}
}

func (h *ResponseHook) OnToolCall(_ context.Context, _ *State, c ToolCall) {
	fmt.Fprintf(h.Writer, "  %s: %s\n", c.Name, ToolCallPreview(c))
}

func (h *ResponseHook) OnToolResult(_ context.Context, _ *State, c ToolCall, r ToolResult) {
	if !r.Succeeded {
		fmt.Fprintf(h.Writer, "  %s failed: %s\n", c.Name, preview(firstLine(r.Error), 120))
	}
}

// OnAfterLLM prints the agent's response when it's a final answer (no tool calls).
func (h *ResponseHook) OnAfterLLM(_ context.Context, _ *State, resp LLMResponse) {
	if len(resp.ToolCalls) == 0 {
		if content := strings.TrimSpace(resp.Content); content != "" {
			fmt.Fprintf(h.Writer, "agent> %s\n", content)
		}
	}
}

func (h *ResponseHook) OnBudgetExceeded(_ context.Context, _ *State, reason string) {
	fmt.Fprintf(h.Writer, "⚠️  stopping: %s\n", reason)
}

var pyFileRE = regexp.MustCompile(`["']([^"'\\/]+\.py)["']`)

// ToolCallPreview summarises a tool call in one short line.
func ToolCallPreview(c ToolCall) string {
	if c.Error != "" {
		return "malformed call"
	}
	switch c.Name {
	case "execute_code":
		code, _ := c.Args["code"].(string)
		return codePreview(code)
	case "read_file", "write_file", "delete_file":
		p, _ := c.Args["path"].(string)
		return p
	case "list_files":
		if p, _ := c.Args["pattern"].(string); p != "" {
			return p
		}
		return "*"
	case "save_artifact":
		if n, _ := c.Args["name"].(string); n != "" {
			return "saving " + n
		}
		return "saving solution"
	case "report_issue":
		m, _ := c.Args["message"].(string)
		return preview(firstLine(m), 60)
	case "record_todo":
		ops, _ := c.Args["operations"].([]any)
		return fmt.Sprintf("%d item(s)", len(ops))
	}
	return ""
}

func codePreview(code string) string {
	trimmed := strings.TrimSpace(code)
	single := !strings.Contains(trimmed, "\n")
	switch {
	case strings.Contains(code, "def "):
		name := strings.SplitN(strings.SplitN(code, "def ", 2)[1], "(", 2)[0]
		return fmt.Sprintf("defining function %s()", strings.TrimSpace(name))
	case strings.Contains(code, "class "):
		name := strings.SplitN(code, "class ", 2)[1]
		if i := strings.IndexAny(name, "(:"); i >= 0 {
			name = name[:i]
		}
		return "defining class " + strings.TrimSpace(name)
	case strings.Contains(code, ".py") && strings.Contains(code, "open"):
		if m := pyFileRE.FindStringSubmatch(code); m != nil {
			return "executing file " + m[1]
		}
		return "executing Python file"
	case single && strings.Contains(code, "import "):
		return trimmed
	case single && strings.Contains(code, "=") && !strings.Contains(code, "=="):
		return "assigning variable " + strings.TrimSpace(strings.SplitN(code, "=", 2)[0])
	case strings.HasPrefix(trimmed, "print("):
		return preview(trimmed, 50)
	}
	return preview(firstLine(trimmed), 50)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
