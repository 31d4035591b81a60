package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/coder"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	engineprotocol "github.com/ChamsBouzaiene/pycoder/internal/engine/protocol"
	"github.com/ChamsBouzaiene/pycoder/internal/factory"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/session"
	"github.com/ChamsBouzaiene/pycoder/internal/workspace"
)

func serveCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		defaults    coder.Settings
		packages    packageList
		baseDir     string
		sandboxMode string
		noHistory   bool
		timeout     time.Duration
	)
	fs.StringVar(&baseDir, "dir", "", "Parent directory of session working directories (default: temp dir)")
	fs.StringVar(&baseDir, "d", "", "Shorthand for --dir")
	fs.StringVar(&defaults.Model, "model", "", "Default model name or alias")
	fs.StringVar(&defaults.Provider, "provider", "", "Default LLM provider")
	fs.StringVar(&defaults.APIKey, "api-key", "", "API key for the provider")
	fs.Var(&packages, "with", "Packages installed in every session")
	fs.IntVar(&defaults.StepLimit, "step-limit", 0, "Maximum agent steps per request")
	fs.Func("timeout", "Wall-clock limit per request", func(v string) error {
		d, err := coder.ParseTimeout(v)
		timeout = d
		return err
	})
	fs.IntVar(&defaults.MaxTokens, "max-tokens", 0, "Cumulative token limit per request")
	fs.BoolVar(&defaults.Todo, "todo", false, "Enable record_todo in every session")
	fs.StringVar(&sandboxMode, "sandbox", "", "Sandbox mode: host, docker or auto")
	fs.BoolVar(&noHistory, "no-history", false, "Do not store sessions in history")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return usageError{msg: err.Error()}
	}
	if fs.NArg() > 0 {
		return usagef("serve takes no arguments")
	}
	defaults.Packages = packages
	defaults.Timeout = timeout
	if err := sandbox.ValidatePackages(defaults.Packages); err != nil {
		return usageError{msg: err.Error()}
	}

	// Logs go to stderr so they never corrupt the protocol stream.
	log.SetOutput(stderr)

	sbCfg := sandbox.DefaultConfig()
	if sandboxMode != "" {
		sbCfg.Mode = sandbox.ParseMode(sandboxMode)
	}
	rt, err := newRuntime(ctx, factory.Options{Sandbox: sbCfg, NoHistory: noHistory})
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Println("🔌 Starting stdio protocol server")
	runner := newStdIORunner(stdin, stdout, rt, coder.FromEnv().Merge(defaults), baseDir)
	runner.emitEvent(engineprotocol.NewStatusEvent("", "engine_ready", "stdio protocol ready"))
	return runner.Run(ctx)
}

// sessionFactory builds sessions; *factory.Runtime implements it.
type sessionFactory interface {
	NewSession(ctx context.Context, s coder.Settings, hooks ...engine.Hook) (*session.Session, error)
}

type stdioRunner struct {
	scanner *bufio.Scanner
	writer  *bufio.Writer
	events  chan engineprotocol.Event
	manager *sessionManager
	pending sync.WaitGroup
}

func newStdIORunner(in io.Reader, out io.Writer, builder sessionFactory, defaults coder.Settings, baseDir string) *stdioRunner {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	events := make(chan engineprotocol.Event, 256)
	return &stdioRunner{
		scanner: scanner,
		writer:  bufio.NewWriter(out),
		events:  events,
		manager: newSessionManager(builder, defaults, baseDir, events),
	}
}

// Run reads commands until end of input, waits for running requests, closes
// every session and flushes the remaining events. Cancelling ctx cancels the
// running requests.
func (r *stdioRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go r.flushEvents(errCh)

	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		r.handleLine(ctx, line)
	}
	if err := r.scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		r.emitEvent(engineprotocol.NewErrorEvent("", fmt.Sprintf("stdin error: %v", err), "protocol_error", ""))
	}

	r.pending.Wait()
	r.manager.CloseAll()

	close(r.events)
	return <-errCh
}

func (r *stdioRunner) flushEvents(errCh chan<- error) {
	var werr error
	for ev := range r.events {
		if werr != nil {
			continue // drain so emitters never block
		}
		werr = r.writeEvent(ev)
	}
	errCh <- werr
}

func (r *stdioRunner) writeEvent(ev engineprotocol.Event) error {
	payload, err := engineprotocol.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := r.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return r.writer.Flush()
}

func (r *stdioRunner) emitEvent(ev engineprotocol.Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("stdio: dropping event %s due to full buffer", ev.GetType())
	}
}

// handleLine applies session lifecycle commands in order and runs user
// messages in the background so a cancel_request can reach a busy session.
func (r *stdioRunner) handleLine(ctx context.Context, line string) {
	cmd, err := engineprotocol.DecodeCommand([]byte(line))
	if err != nil {
		r.emitEvent(engineprotocol.NewErrorEvent("", err.Error(), "invalid_command", truncate(line, 256)))
		return
	}

	switch c := cmd.(type) {
	case engineprotocol.StartSessionCommand:
		st, err := r.manager.StartSession(c)
		if err != nil {
			r.emitEvent(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
			return
		}
		r.emitEvent(engineprotocol.NewStatusEvent(st.id, "session_ready", "work_dir="+st.settings.WorkDir))

	case engineprotocol.UserMessageCommand:
		st, err := r.manager.session(c.SessionID)
		if err != nil {
			r.emitEvent(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
			return
		}
		runCtx, ok := st.beginRun(ctx)
		if !ok {
			r.emitEvent(engineprotocol.NewErrorEvent(c.SessionID, fmt.Sprintf("session %s is already processing a request", c.SessionID), "busy", ""))
			return
		}
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			defer st.endRun()
			if err := r.manager.HandleUserMessage(ctx, runCtx, st, c); err != nil {
				log.Printf("session %s: %v", c.SessionID, err)
				st.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "engine_error", ""))
			}
		}()

	case engineprotocol.CancelRequestCommand:
		st, err := r.manager.session(c.SessionID)
		if err != nil {
			r.emitEvent(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
			return
		}
		if !st.cancel() {
			r.emitEvent(engineprotocol.NewStatusEvent(c.SessionID, "idle", "no request to cancel"))
		}

	case engineprotocol.EndSessionCommand:
		if err := r.manager.EndSession(c.SessionID); err != nil {
			r.emitEvent(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
			return
		}
		r.emitEvent(engineprotocol.NewStatusEvent(c.SessionID, "session_closed", ""))
	}
}

// sessionManager owns the sessions of one server. Each session has its own
// working directory; the sandbox starts with the first user message.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	builder  sessionFactory
	defaults coder.Settings
	baseDir  string
	events   chan<- engineprotocol.Event
}

func newSessionManager(builder sessionFactory, defaults coder.Settings, baseDir string, sink chan<- engineprotocol.Event) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*sessionState),
		builder:  builder,
		defaults: defaults,
		baseDir:  baseDir,
		events:   sink,
	}
}

func (m *sessionManager) StartSession(cmd engineprotocol.StartSessionCommand) (*sessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := cmd.SessionID
	if id == "" {
		id = engineprotocol.NewSessionID()
	}
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session already exists: %s", id)
	}

	var (
		workDir string
		err     error
	)
	if cmd.WorkDir != "" {
		workDir, err = workspace.Prepare(cmd.WorkDir)
	} else {
		workDir, err = workspace.SessionDir(m.baseDir, id)
	}
	if err != nil {
		return nil, err
	}
	for _, other := range m.sessions {
		if other.settings.WorkDir == workDir {
			return nil, fmt.Errorf("working directory %s is in use by session %s", workDir, other.id)
		}
	}

	cfg := cmd.Config
	settings := m.defaults.Merge(coder.Settings{
		WorkDir:      workDir,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Packages:     cfg.Packages,
		StepLimit:    cfg.StepLimit,
		Todo:         cfg.Todo,
		Instructions: cfg.Project,
	})
	if err := sandbox.ValidatePackages(settings.Packages); err != nil {
		return nil, err
	}

	st := &sessionState{
		id:        id,
		settings:  settings,
		eventSink: m.events,
	}
	m.sessions[id] = st
	log.Printf("Session %s started in %s", id, workDir)
	return st, nil
}

// HandleUserMessage runs one request to a terminal state under runCtx, the
// request context created by beginRun. The first message of a session is its
// task; the session itself lives on ctx so its interpreter outlasts the request.
func (m *sessionManager) HandleUserMessage(ctx, runCtx context.Context, st *sessionState, cmd engineprotocol.UserMessageCommand) error {
	st.emit(engineprotocol.NewStatusEvent(st.id, "message_received", truncate(cmd.Message, 120)))

	sess, err := st.ensureSession(ctx, m.builder, cmd.Message)
	if err != nil {
		return err
	}

	out := sess.Run(runCtx, cmd.Message)
	if errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() == nil {
		st.emit(engineprotocol.NewCancelledEvent(st.id, "cancelled by client"))
	}

	var artifactPath string
	if a, ok := sess.Artifact(); ok {
		artifactPath = a.Path
	}
	st.emit(engineprotocol.NewDoneEvent(st.id, cmd.RequestID, string(out.State), out.ExitCode(), out.Steps,
		out.FinalAnswer, out.Reason, artifactPath))
	return nil
}

// EndSession forgets the session and releases it once any running request ends.
func (m *sessionManager) EndSession(id string) error {
	m.mu.Lock()
	st, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session_id: %s", id)
	}
	st.end()
	return nil
}

// CloseAll ends every session.
func (m *sessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*sessionState)
	m.mu.Unlock()
	for _, st := range sessions {
		st.end()
	}
}

func (m *sessionManager) session(id string) (*sessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session_id: %s", id)
	}
	return st, nil
}

type sessionState struct {
	id        string
	settings  coder.Settings
	eventSink chan<- engineprotocol.Event

	mu         sync.Mutex
	sess       *session.Session
	running    bool
	ended      bool
	cancelFunc context.CancelFunc
}

func (s *sessionState) emit(ev engineprotocol.Event) {
	select {
	case s.eventSink <- ev:
	default:
		log.Printf("stdio session %s: dropping event %s due to full buffer", s.id, ev.GetType())
	}
}

// ensureSession creates the underlying session on first use. It is only
// called by the goroutine holding the run slot.
func (s *sessionState) ensureSession(ctx context.Context, builder sessionFactory, task string) (*session.Session, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	settings := s.settings
	settings.Task = task
	sess, err := builder.NewSession(ctx, settings, newProtocolHook(s, settings.Budget().MaxTokens))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	return sess, nil
}

// beginRun claims the run slot and returns the request context. The cancel
// function is stored before the request starts, so a cancel_request that
// follows immediately is never lost.
func (s *sessionState) beginRun(ctx context.Context) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.ended {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelFunc = cancel
	return runCtx, true
}

func (s *sessionState) endRun() {
	s.mu.Lock()
	s.running = false
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	closeNow := s.ended
	s.mu.Unlock()
	if closeNow {
		s.release()
	}
}

// end marks the session finished. A running request is cancelled and the
// session is released when it returns.
func (s *sessionState) end() {
	s.mu.Lock()
	s.ended = true
	running := s.running
	if running && s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.mu.Unlock()
	if !running {
		s.release()
	}
}

func (s *sessionState) release() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		log.Printf("⚠️  Session %s cleanup: %v", s.id, err)
	}
}

// cancel cancels the running request and reports whether there was one.
func (s *sessionState) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.cancelFunc != nil {
		s.cancelFunc()
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
