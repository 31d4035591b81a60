package execution

import (
	"context"

	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
)

// Executor runs Python code against persistent interpreter state.
// This allows mocking the sandbox for testing.
type Executor interface {
	Execute(ctx context.Context, code string) sandbox.Result
}

var _ Executor = (*sandbox.Sandbox)(nil)
