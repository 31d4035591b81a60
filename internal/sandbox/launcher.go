package sandbox

import (
	"context"
	"io"
)

// LaunchSpec describes the interpreter a session needs.
type LaunchSpec struct {
	WorkDir  string   // host directory the interpreter runs in
	Packages []string // extra packages to make importable (validated specs)
	Env      []string // extra KEY=VALUE pairs
}

// Process is a running interpreter speaking the line-delimited JSON driver protocol
// on its stdin and stdout.
type Process interface {
	Stdin() io.Writer
	CloseInput() error
	Stdout() io.Reader
	Stderr() io.Reader
	// Interrupt asks the interpreter to abort the running statement.
	Interrupt() error
	// Kill terminates the interpreter and everything it spawned.
	Kill() error
	// Wait blocks until the process has exited and its resources are released.
	Wait() error
}

// Launcher starts interpreters for sandboxes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
	Name() string
}
