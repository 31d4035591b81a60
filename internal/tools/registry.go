package tools

import (
	"errors"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/artifact"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/execution"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/filesystem"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/reasoning"
)

// Backends are the session-owned objects the tools act on.
type Backends struct {
	WorkDir   string
	Executor  execution.Executor
	Artifacts *artifact.Store
	Todos     *reasoning.TodoList
	Issues    *reasoning.IssueLog
}

// NewToolRegistry creates the registry for one session. The returned map is
// both the manifest sent to the model and the dispatch table.
func NewToolRegistry(b Backends, set engine.ToolSet) (engine.ToolRegistry, error) {
	reg := make(engine.ToolRegistry)

	if set.Filesystem {
		if b.WorkDir == "" {
			return nil, errors.New("filesystem tools need a working directory")
		}
		reg.Register(filesystem.NewReadFileTool(b.WorkDir))
		reg.Register(filesystem.NewWriteFileTool(b.WorkDir))
		reg.Register(filesystem.NewListFilesTool(b.WorkDir))
		reg.Register(filesystem.NewDeleteFileTool(b.WorkDir))
	}

	if set.Execution {
		if b.Executor == nil {
			return nil, errors.New("execute_code needs an executor")
		}
		reg.Register(execution.NewExecuteCodeTool(b.Executor))
	}

	if set.Artifact {
		if b.Artifacts == nil {
			return nil, errors.New("save_artifact needs an artifact store")
		}
		reg.Register(artifact.NewSaveArtifactTool(b.Artifacts))
	}

	if set.Todo {
		if b.Todos == nil {
			return nil, errors.New("record_todo needs a todo list")
		}
		reg.Register(reasoning.NewRecordTodoTool(b.Todos))
	}

	if set.Issues {
		if b.Issues == nil {
			return nil, errors.New("report_issue needs an issue log")
		}
		reg.Register(reasoning.NewReportIssueTool(b.Issues))
	}

	return reg, nil
}
