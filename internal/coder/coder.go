// Package coder assembles a fully configured coding session from the layered
// settings of the CLI: flags, project file, user config and environment.
package coder

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/config"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/project"
	"github.com/ChamsBouzaiene/pycoder/internal/providers"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/session"
)

// Settings describe one task. Zero values mean "not set" and fall through to
// the project file, the user config, the environment and finally the defaults.
type Settings struct {
	Task         string
	TaskFile     string
	WorkDir      string
	ProjectFile  string
	Instructions string // inline project instructions, added before the project file's

	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	Packages  []string
	StepLimit int
	Timeout   time.Duration
	MaxTokens int
	Todo      bool
	Watch     bool

	User *config.Config // persisted user preferences, may be nil
}

// FromEnv returns settings populated from PYCODER_* variables.
func FromEnv() Settings {
	return Settings{
		StepLimit: envInt("PYCODER_STEP_LIMIT"),
		Timeout:   envDuration("PYCODER_TIMEOUT"),
		MaxTokens: envInt("PYCODER_MAX_TOKENS"),
	}
}

// Merge overlays the non-zero fields of override onto s.
func (s Settings) Merge(override Settings) Settings {
	if override.Task != "" {
		s.Task = override.Task
	}
	if override.TaskFile != "" {
		s.TaskFile = override.TaskFile
	}
	if override.WorkDir != "" {
		s.WorkDir = override.WorkDir
	}
	if override.ProjectFile != "" {
		s.ProjectFile = override.ProjectFile
	}
	if override.Instructions != "" {
		s.Instructions = override.Instructions
	}
	if override.Provider != "" {
		s.Provider = override.Provider
	}
	if override.Model != "" {
		s.Model = override.Model
	}
	if override.APIKey != "" {
		s.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		s.BaseURL = override.BaseURL
	}
	if len(override.Packages) > 0 {
		s.Packages = append(append([]string(nil), s.Packages...), override.Packages...)
	}
	if override.StepLimit > 0 {
		s.StepLimit = override.StepLimit
	}
	if override.Timeout > 0 {
		s.Timeout = override.Timeout
	}
	if override.MaxTokens > 0 {
		s.MaxTokens = override.MaxTokens
	}
	s.Todo = s.Todo || override.Todo
	s.Watch = s.Watch || override.Watch
	if override.User != nil {
		s.User = override.User
	}
	return s
}

// Budget returns the ceilings implied by the settings.
func (s Settings) Budget() engine.Budget {
	b := engine.DefaultBudget()
	if s.StepLimit > 0 {
		b.MaxSteps = s.StepLimit
	}
	if s.Timeout > 0 {
		b.MaxDuration = s.Timeout
	}
	if s.MaxTokens > 0 {
		b.MaxTokens = s.MaxTokens
	}
	return b
}

// Infra is the process-wide infrastructure a session borrows.
type Infra struct {
	Launcher sandbox.Launcher
	Sandbox  sandbox.Options
	Store    *session.Store
	Hooks    engine.Hooks

	// LLM overrides provider resolution; used by tests and embedding callers.
	LLM engine.LLMClient
}

// Resolve applies the project file to s and returns the instructions it adds.
// Precedence is flags, then project file, then user config.
func Resolve(s Settings) (Settings, string, error) {
	var instructions []string
	if s.Instructions != "" {
		instructions = append(instructions, s.Instructions)
	}

	if s.ProjectFile != "" {
		pf, err := project.Load(s.ProjectFile)
		if err != nil {
			return s, "", err
		}
		if s.Model == "" {
			s.Model = pf.Model
		}
		if s.StepLimit == 0 {
			s.StepLimit = pf.StepLimit
		}
		s.Packages = append(append([]string(nil), pf.Packages...), s.Packages...)
		if p := pf.Prompt(); p != "" {
			instructions = append(instructions, p)
		}
	}

	if u := s.User; u != nil {
		if s.Provider == "" {
			s.Provider = u.Provider
		}
		if s.Model == "" {
			s.Model = u.Model
		}
		if s.APIKey == "" {
			s.APIKey = u.APIKey
		}
		if s.BaseURL == "" {
			s.BaseURL = u.BaseURL
		}
	}

	if s.WorkDir != "" {
		if rules, err := project.LoadRules(s.WorkDir); err != nil {
			log.Printf("⚠️  Ignoring workspace rules: %v", err)
		} else if rules != "" {
			instructions = append(instructions, rules)
		}
	}

	if err := sandbox.ValidatePackages(s.Packages); err != nil {
		return s, "", err
	}
	return s, strings.Join(instructions, "\n\n"), nil
}

// NewSession builds a ready-to-run session.
func NewSession(ctx context.Context, s Settings, infra Infra) (*session.Session, error) {
	s, instructions, err := Resolve(s)
	if err != nil {
		return nil, err
	}

	llm := infra.LLM
	model, provider := s.Model, s.Provider
	maxOutput := 0
	if llm == nil {
		client, res, err := providers.NewLLMClient(providers.Config{
			Provider: s.Provider,
			Model:    s.Model,
			APIKey:   s.APIKey,
			BaseURL:  s.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		llm, model, provider = client, res.Model, res.Provider
		maxOutput = res.Settings.MaxOutputTokens
	}

	sbOpts := infra.Sandbox
	if sbOpts == (sandbox.Options{}) {
		sbOpts = sandbox.DefaultOptions()
	}

	return session.New(ctx, session.Options{
		WorkDir:         s.WorkDir,
		Task:            s.Task,
		TaskFile:        s.TaskFile,
		Model:           model,
		Provider:        provider,
		LLM:             llm,
		Launcher:        infra.Launcher,
		Sandbox:         sbOpts,
		Packages:        s.Packages,
		Budget:          s.Budget(),
		MaxOutputTokens: maxOutput,
		Instructions:    instructions,
		Todo:            s.Todo,
		Hooks:           infra.Hooks,
		Watch:           s.Watch,
		Store:           infra.Store,
	})
}

// Result summarizes a finished one-shot task.
type Result struct {
	SessionID string
	Outcome   engine.Outcome
	Status    string
	Artifact  string // path of the saved solution, empty when none
	LogPath   string
	Issues    []string
}

// Solve runs a task to completion in a fresh session and releases it.
func Solve(ctx context.Context, s Settings, infra Infra) (Result, error) {
	if strings.TrimSpace(s.Task) == "" {
		return Result{}, fmt.Errorf("task is empty")
	}
	sess, err := NewSession(ctx, s, infra)
	if err != nil {
		return Result{}, err
	}

	out := sess.Run(ctx, s.Task)
	res := Result{
		SessionID: sess.ID,
		Outcome:   out,
		Status:    sess.Status(),
		LogPath:   sess.LogPath(),
	}
	if a, ok := sess.Artifact(); ok {
		res.Artifact = a.Path
	}
	for _, is := range sess.Issues() {
		res.Issues = append(res.Issues, is.Message)
	}
	if err := sess.Close(); err != nil {
		log.Printf("⚠️  Session cleanup: %v", err)
	}
	return res, nil
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Printf("WARNING: Invalid %s value '%s', ignoring", key, v)
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := ParseTimeout(v)
	if err != nil {
		log.Printf("WARNING: Invalid %s value '%s', ignoring", key, v)
		return 0
	}
	return d
}

// ParseTimeout accepts a Go duration ("90s", "5m") or a whole number of seconds.
func ParseTimeout(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid timeout %q (use a duration like 90s or a number of seconds)", v)
}
