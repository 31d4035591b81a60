// Package session runs one coding task end to end: it owns the working directory,
// the sandbox, the tool backends, the agent and the session log, and releases all
// of them through a single Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/prompts"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/tools"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/artifact"
	"github.com/ChamsBouzaiene/pycoder/internal/tools/reasoning"
	"github.com/ChamsBouzaiene/pycoder/internal/workspace"
)

// Options configure a Session.
type Options struct {
	ID       string // generated when empty
	WorkDir  string // created when missing
	Task     string // first user message, recorded in history
	TaskFile string // names the artifact and the log; empty for inline tasks

	Model    string
	Provider string
	LLM      engine.LLMClient

	Launcher sandbox.Launcher
	Sandbox  sandbox.Options
	Packages []string

	Budget          engine.Budget
	MaxOutputTokens int
	RetryConfig     *engine.RetryConfig
	Instructions    string // project instructions appended to the system prompt
	Todo            bool   // enable record_todo
	Hooks           engine.Hooks

	Watch bool   // record files changed by executed code in the log
	Store *Store // history store; nil disables persistence
}

// Session is one task run. It is not safe for concurrent Run calls;
// separate sessions share nothing mutable.
type Session struct {
	ID      string
	WorkDir string

	opts      Options
	sandbox   *sandbox.Sandbox
	artifacts *artifact.Store
	todos     *reasoning.TodoList
	issues    *reasoning.IssueLog
	watcher   *workspace.Watcher
	log       *EventLog
	stats     *engine.StatsHook
	agent     *engine.Agent
	created   time.Time

	mu      sync.Mutex
	turns   int
	steps   int
	elapsed time.Duration
	last    *engine.Outcome

	closeOnce sync.Once
	closeErr  error
}

// New prepares every resource of a session. On error nothing is left running.
func New(ctx context.Context, opts Options) (s *Session, err error) {
	if opts.LLM == nil {
		return nil, errors.New("session needs an LLM client")
	}
	if opts.Launcher == nil {
		return nil, errors.New("session needs a sandbox launcher")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if err := sandbox.ValidatePackages(opts.Packages); err != nil {
		return nil, err
	}

	workDir, err := workspace.Prepare(opts.WorkDir)
	if err != nil {
		return nil, err
	}

	s = &Session{
		ID:      opts.ID,
		WorkDir: workDir,
		opts:    opts,
		todos:   reasoning.NewTodoList(),
		issues:  reasoning.NewIssueLog(),
		stats:   engine.NewStatsHook(),
		created: time.Now(),
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	base := taskBase(opts.TaskFile)
	logName := LogFileName(base)
	s.log, err = OpenEventLog(filepath.Join(workDir, logName))
	if err != nil {
		return nil, err
	}

	s.artifacts = artifact.NewStore(workDir, artifact.DefaultName(opts.TaskFile))

	s.sandbox = sandbox.New(opts.Launcher, sandbox.LaunchSpec{
		WorkDir:  workDir,
		Packages: opts.Packages,
	}, opts.Sandbox)
	if err = s.sandbox.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	if opts.Watch {
		w, werr := workspace.NewWatcher(workDir, logName)
		if werr != nil {
			log.Printf("⚠️  File watcher unavailable: %v", werr)
		} else {
			s.watcher = w
		}
	}

	set := engine.DefaultToolSet()
	set.Todo = opts.Todo
	reg, err := tools.NewToolRegistry(tools.Backends{
		WorkDir:   workDir,
		Executor:  s.sandbox,
		Artifacts: s.artifacts,
		Todos:     s.todos,
		Issues:    s.issues,
	}, set)
	if err != nil {
		return nil, err
	}

	logHook := &LogHook{Log: s.log, Todos: s.todos}
	if s.watcher != nil {
		logHook.Changes = s.watcher
	}
	hooks := append(engine.Hooks{}, opts.Hooks...)
	hooks = append(hooks, engine.LoggerHook{L: log.Default()}, logHook, s.stats)

	builder := engine.NewAgentBuilder().
		WithLLM(opts.LLM).
		WithBudget(opts.Budget).
		WithToolRegistry(reg).
		WithHooks(hooks).
		WithInstructions(opts.Instructions).
		WithMaxOutputTokens(opts.MaxOutputTokens).
		WithRetryConfig(opts.RetryConfig)
	if opts.Model != "" {
		builder = builder.WithModel(opts.Model)
	}
	if opts.Todo {
		if builder, err = builder.WithPrompt(prompts.PromptCoderTodo, prompts.PromptV1); err != nil {
			return nil, err
		}
	}
	s.agent, err = builder.Build(ctx)
	if err != nil {
		return nil, err
	}

	_ = s.log.Write("start", map[string]any{
		"session":  s.ID,
		"task":     opts.Task,
		"model":    opts.Model,
		"provider": opts.Provider,
		"work_dir": workDir,
		"packages": opts.Packages,
		"sandbox":  opts.Launcher.Name(),
		"python":   s.sandbox.Version(),
	})
	return s, nil
}

// Run sends one user message and drives the agent to a terminal state.
// Follow-up calls continue the same conversation and the same interpreter.
func (s *Session) Run(ctx context.Context, message string) engine.Outcome {
	out := s.agent.Run(ctx, message)

	s.mu.Lock()
	s.turns++
	s.steps += out.Steps
	s.elapsed += out.Elapsed
	s.last = &out
	s.mu.Unlock()
	return out
}

// Artifact returns the canonical saved solution, if any.
func (s *Session) Artifact() (artifact.Artifact, bool) { return s.artifacts.Last() }

// Issues returns the problems reported by the agent.
func (s *Session) Issues() []reasoning.Issue { return s.issues.Issues() }

// Todos returns the current task list.
func (s *Session) Todos() []reasoning.TodoItem { return s.todos.Items() }

// Stats returns the tool usage collector.
func (s *Session) Stats() *engine.StatsHook { return s.stats }

// LogPath returns the session log location.
func (s *Session) LogPath() string { return s.log.Path() }

// Agent returns the session's agent.
func (s *Session) Agent() *engine.Agent { return s.agent }

// Usage returns the tokens used across every turn.
func (s *Session) Usage() engine.Usage {
	if st := s.agent.State(); st != nil {
		return st.Totals
	}
	return engine.Usage{}
}

// Status is the history status of the last turn, or "running" before any turn ended.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return StatusRunning
	}
	return StatusFor(*s.last, s.issues.Len())
}

// Close writes the closing statistics, persists the session when a store is
// configured and releases the sandbox, watcher and log. Later calls return the
// first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.finish()
		s.closeErr = s.release()
	})
	return s.closeErr
}

func (s *Session) finish() {
	s.mu.Lock()
	turns, steps, elapsed, last := s.turns, s.steps, s.elapsed, s.last
	s.mu.Unlock()

	usage := s.Usage()
	calls, failed, _ := s.stats.Summary()
	_ = s.log.Write("statistics", map[string]any{
		"tool_usage":     s.stats.ToolUsage(),
		"tool_calls":     calls,
		"failed_calls":   failed,
		"turns":          turns,
		"steps":          steps,
		"tokens":         usage,
		"execution_time": elapsed.Seconds(),
	})

	status := s.Status()
	complete := map[string]any{"status": status, "issues": s.issues.Len()}
	if last != nil {
		complete["state"] = string(last.State)
		complete["reason"] = last.Reason
	}
	if a, ok := s.artifacts.Last(); ok {
		complete["artifact"] = a.Name
	}
	_ = s.log.Write("complete", complete)

	if s.opts.Store == nil {
		return
	}
	rec := s.record(status, steps, elapsed, usage, last)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.Store.Save(ctx, rec); err != nil {
		log.Printf("⚠️  Failed to save session history: %v", err)
	}
}

func (s *Session) record(status string, steps int, elapsed time.Duration, usage engine.Usage, last *engine.Outcome) *Record {
	rec := &Record{
		ID:        s.ID,
		WorkDir:   s.WorkDir,
		Task:      s.opts.Task,
		Title:     titleFromTask(s.opts.Task),
		Model:     s.opts.Model,
		Provider:  s.opts.Provider,
		Status:    status,
		Steps:     steps,
		Usage:     usage,
		Elapsed:   elapsed,
		CreatedAt: s.created,
	}
	if last != nil {
		rec.Reason = last.Reason
	}
	if a, ok := s.artifacts.Last(); ok {
		rec.Artifact = a.Name
	}
	for _, is := range s.issues.Issues() {
		rec.Issues = append(rec.Issues, is.Message)
	}
	if st := s.agent.State(); st != nil {
		rec.Messages = st.Messages()
	}
	return rec
}

// release frees resources in reverse order of acquisition.
func (s *Session) release() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.sandbox != nil {
		errs = append(errs, s.sandbox.Close())
	}
	if s.log != nil {
		errs = append(errs, s.log.Close())
	}
	return errors.Join(errs...)
}

func taskBase(taskFile string) string {
	if taskFile == "" {
		return ""
	}
	base := filepath.Base(taskFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func titleFromTask(task string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(task), "\n")
	line = strings.TrimSpace(line)
	if len(line) > 60 {
		line = clip(line, 57)
	}
	return line
}
