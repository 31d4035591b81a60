package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MessageRole represents the role of a chat message.
type MessageRole string

const (
	RoleSystem MessageRole = "system"
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleTool   MessageRole = "tool"
)

// ChatMessage is the provider-agnostic message we pass around.
// Seq and Time are assigned by State.Append; a message is never changed after that.
type ChatMessage struct {
	Seq     int         `json:"seq"`
	Role    MessageRole `json:"role"`
	Content string      `json:"content,omitempty"`
	// ToolCalls made by an agent message, in the order the model proposed them.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Result is set on tool messages.
	Result *ToolResult `json:"result,omitempty"`
	Time   time.Time   `json:"time"`
}

// clone returns a copy of m that shares no mutable data with it.
func (m ChatMessage) clone() ChatMessage {
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			if c.Args != nil {
				c.Args = cloneMap(c.Args)
			}
			calls[i] = c
		}
		m.ToolCalls = calls
	}
	if m.Result != nil {
		r := *m.Result
		m.Result = &r
	}
	return m
}

// cloneMap copies decoded JSON values, descending into nested objects and arrays.
func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// CallID returns the correlation id of a tool message, or "" when the message
// reports a model output problem that is not tied to any call.
func (m ChatMessage) CallID() string {
	if m.Result == nil {
		return ""
	}
	return m.Result.CallID
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.Prompt += u2.Prompt
	u.Completion += u2.Completion
	u.Total += u2.Total
}

// ToolCall represents a function/tool the agent requested.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	// Error is set by a provider when the call could not be decoded
	// (bad JSON arguments, missing name). The call is still recorded.
	Error string `json:"error,omitempty"`
}

// ToolResult is the outcome of one dispatched ToolCall.
type ToolResult struct {
	CallID          string `json:"call_id,omitempty"`
	Tool            string `json:"tool,omitempty"`
	Succeeded       bool   `json:"succeeded"`
	Stdout          string `json:"stdout,omitempty"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	Value           string `json:"value,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TextResult is a successful result carrying a single value.
func TextResult(value string) ToolResult {
	return ToolResult{Succeeded: true, Value: value}
}

// FailedResult is an unsuccessful result with the given error description.
func FailedResult(format string, args ...any) ToolResult {
	return ToolResult{Succeeded: false, Error: fmt.Sprintf(format, args...)}
}

// Render produces the text the model sees for this result.
func (r ToolResult) Render() string {
	payload := map[string]any{"success": r.Succeeded}
	if r.Value != "" {
		payload["result"] = r.Value
	}
	if r.Stdout != "" {
		payload["stdout"] = r.Stdout
	}
	if r.StdoutTruncated {
		payload["stdout_truncated"] = true
	}
	if r.Stderr != "" {
		payload["stderr"] = r.Stderr
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"success": false, "error": %q}`, err.Error())
	}
	return string(data)
}

// LLMResponse is a normalized result of one chat call.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall // zero or more tool calls requested by the model
	Usage        Usage
	FinishReason string // "stop" | "length" | "tool_calls" | "content_filter"
}

// LLMClient abstracts the provider SDK (OpenAI compatible, Anthropic).
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []ChatMessage, toolSchemas []ToolSchema, opts ChatOptions) (LLMResponse, error)
}

// ChatOptions keeps knobs forwarded to the SDK.
type ChatOptions struct {
	Temperature     float32
	MaxOutputTokens int
	RetryConfig     *RetryConfig // nil = DefaultRetryConfig
}

// ToolSchema is the manifest entry the provider expects for function calling.
type ToolSchema struct {
	Name        string
	Description string
	JSONSchema  string // raw JSON schema of the arguments object
}
