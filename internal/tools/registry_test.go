package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/artifact"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/reasoning"
)

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, code string) sandbox.Result {
	return sandbox.Result{Succeeded: true, Value: "ok"}
}

func newBackends(t *testing.T) Backends {
	dir := t.TempDir()
	return Backends{
		WorkDir:   dir,
		Executor:  stubExecutor{},
		Artifacts: artifact.NewStore(dir, ""),
		Todos:     reasoning.NewTodoList(),
		Issues:    reasoning.NewIssueLog(),
	}
}

func TestNewToolRegistry(t *testing.T) {
	tests := []struct {
		name string
		set  engine.ToolSet
		want []string
	}{
		{
			name: "default",
			set:  engine.DefaultToolSet(),
			want: []string{"delete_file", "execute_code", "list_files", "read_file", "report_issue", "save_artifact", "write_file"},
		},
		{
			name: "with todo",
			set:  engine.ToolSet{Execution: true, Todo: true},
			want: []string{"execute_code", "record_todo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewToolRegistry(newBackends(t), tt.set)
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Join(reg.Names(), ","); got != strings.Join(tt.want, ",") {
				t.Errorf("Names() = %s", got)
			}
		})
	}
}

func TestNewToolRegistryMissingBackend(t *testing.T) {
	_, err := NewToolRegistry(Backends{WorkDir: t.TempDir()}, engine.ToolSet{Execution: true})
	if err == nil {
		t.Fatal("expected error without executor")
	}
}

// Every manifest entry is a closed object schema.
func TestSchemasRejectUnknownFields(t *testing.T) {
	set := engine.DefaultToolSet()
	set.Todo = true
	reg, err := NewToolRegistry(newBackends(t), set)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range reg.Schemas() {
		var schema map[string]any
		if err := json.Unmarshal([]byte(s.JSONSchema), &schema); err != nil {
			t.Fatalf("%s: schema is not valid JSON: %v", s.Name, err)
		}
		if schema["additionalProperties"] != false {
			t.Errorf("%s: additionalProperties must be false", s.Name)
		}

		res := reg.Dispatch(context.Background(), engine.ToolCall{ID: "x", Name: s.Name, Args: map[string]any{"bogus": 1}})
		if res.Succeeded {
			t.Errorf("%s accepted an unknown field", s.Name)
		}
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg, err := NewToolRegistry(newBackends(t), engine.DefaultToolSet())
	if err != nil {
		t.Fatal(err)
	}
	res := reg.Dispatch(context.Background(), engine.ToolCall{ID: "c9", Name: "launch_rockets"})
	if res.Succeeded {
		t.Fatal("unknown tool must fail")
	}
	if !strings.Contains(res.Error, "launch_rockets") || !strings.Contains(res.Error, "execute_code") {
		t.Errorf("error should name the tool and list available tools: %q", res.Error)
	}
	if res.CallID != "c9" {
		t.Errorf("CallID = %q", res.CallID)
	}
}
