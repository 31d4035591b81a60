// Package factory wires the process-wide infrastructure (sandbox launcher,
// history store, user config) and hands it to every session it builds.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ChamsBouzaiene/pycoder/internal/coder"
	"github.com/ChamsBouzaiene/pycoder/internal/config"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/session"
)

// Options select the infrastructure of a Runtime.
type Options struct {
	Sandbox   sandbox.Config
	Home      string // state directory; PYCODER_HOME or ~/.pycoder when empty
	NoHistory bool   // skip the sqlite history store
	Launcher  sandbox.Launcher
	LLM       engine.LLMClient
}

// Runtime is shared by all sessions of one process.
type Runtime struct {
	Launcher sandbox.Launcher
	Store    *session.Store
	User     *config.Config
	Home     string

	sandboxOpts sandbox.Options
	llm         engine.LLMClient
}

// New builds the runtime. A history store that cannot be opened is logged and
// skipped; a launcher that cannot be created is an error.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	home, err := ResolveHome(opts.Home)
	if err != nil {
		return nil, err
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher, err = sandbox.NewLauncher(ctx, opts.Sandbox)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox launcher: %w", err)
		}
	}

	rt := &Runtime{
		Launcher:    launcher,
		Home:        home,
		User:        &config.Config{},
		sandboxOpts: opts.Sandbox.Options(),
		llm:         opts.LLM,
	}

	if mgr, err := config.NewManager(); err == nil {
		if cfg, err := mgr.Load(); err != nil {
			log.Printf("⚠️  Ignoring user config: %v", err)
		} else {
			rt.User = cfg
		}
	}

	if !opts.NoHistory {
		store, err := session.NewStore(ctx, session.DefaultStorePath(home))
		if err != nil {
			log.Printf("⚠️  Session history disabled: %v", err)
		} else {
			rt.Store = store
		}
	}
	return rt, nil
}

// ResolveHome returns the state directory, creating it when missing.
func ResolveHome(home string) (string, error) {
	if home == "" {
		home = os.Getenv("PYCODER_HOME")
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory: %w", err)
		}
		home = filepath.Join(userHome, ".pycoder")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return home, nil
}

// NewSession builds a session for s using the runtime's infrastructure.
func (r *Runtime) NewSession(ctx context.Context, s coder.Settings, hooks ...engine.Hook) (*session.Session, error) {
	if s.User == nil {
		s.User = r.User
	}
	return coder.NewSession(ctx, s, r.infra(hooks))
}

// Solve runs one task to completion.
func (r *Runtime) Solve(ctx context.Context, s coder.Settings, hooks ...engine.Hook) (coder.Result, error) {
	if s.User == nil {
		s.User = r.User
	}
	return coder.Solve(ctx, s, r.infra(hooks))
}

func (r *Runtime) infra(hooks []engine.Hook) coder.Infra {
	return coder.Infra{
		Launcher: r.Launcher,
		Sandbox:  r.sandboxOpts,
		Store:    r.Store,
		Hooks:    engine.Hooks(hooks),
		LLM:      r.llm,
	}
}

// Close releases the history store.
func (r *Runtime) Close() error {
	var errs []error
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}
