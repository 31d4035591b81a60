package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// ToolFunc implements one tool. A returned error becomes a failed ToolResult;
// it never stops the session.
type ToolFunc func(ctx context.Context, args map[string]any) (ToolResult, error)

// ToolMetadata provides versioning and categorization for tools.
type ToolMetadata struct {
	Version  string   // e.g., "1.0.0"
	Category string   // e.g., "filesystem", "execution", "session"
	Tags     []string // e.g., ["read-only", "idempotent"]
}

type Tool struct {
	Name        string
	Description string
	SchemaJSON  string
	Fn          ToolFunc
	Metadata    ToolMetadata
}

// ValidateArgs validates the provided arguments against the tool's JSON schema.
func (t Tool) ValidateArgs(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	schemaLoader := gojsonschema.NewStringLoader(t.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errorMsgs []string
		for _, err := range result.Errors() {
			errorMsgs = append(errorMsgs, err.String())
		}
		return &ToolValidationError{
			ToolName: t.Name,
			Errors:   errorMsgs,
		}
	}

	return nil
}

// GetCategory returns the tool category, defaulting to "general" if unset.
func (t Tool) GetCategory() string {
	if t.Metadata.Category == "" {
		return "general"
	}
	return t.Metadata.Category
}

type ToolRegistry map[string]Tool

// Register adds t, replacing any tool with the same name.
func (r ToolRegistry) Register(t Tool) {
	r[t.Name] = t
}

// Names returns the registered tool names in sorted order.
func (r ToolRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool manifest, sorted by name so prompts are stable.
func (r ToolRegistry) Schemas() []ToolSchema {
	s := make([]ToolSchema, 0, len(r))
	for _, name := range r.Names() {
		t := r[name]
		s = append(s, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			JSONSchema:  t.SchemaJSON,
		})
	}
	return s
}

// Dispatch validates and runs one call. It always returns a result for the call:
// unknown tools, undecodable calls, schema failures, tool errors and panics are
// all reported as failed results.
func (r ToolRegistry) Dispatch(ctx context.Context, call ToolCall) (res ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			res = FailedResult("tool %s panicked: %v", call.Name, p)
		}
		res.CallID = call.ID
		res.Tool = call.Name
	}()

	if call.Error != "" {
		return FailedResult("malformed tool call: %s", call.Error)
	}
	if call.Name == "" {
		return FailedResult("malformed tool call: missing tool name")
	}

	t, ok := r[call.Name]
	if !ok {
		return FailedResult("tool not found: %s (available tools: %v)", call.Name, r.Names())
	}

	if err := t.ValidateArgs(call.Args); err != nil {
		return FailedResult("validation failed for tool %s: %v", call.Name, err)
	}

	result, err := t.Fn(ctx, call.Args)
	if err != nil {
		result.Succeeded = false
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result
}

// DecodeArgs converts validated arguments into a typed record. Fields that do
// not exist on v are rejected.
func DecodeArgs(args map[string]any, v any) error {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
