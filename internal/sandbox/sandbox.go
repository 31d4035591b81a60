package sandbox

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

//go:embed driver.py
var driverSource string

// Result is the structured outcome of one Execute call.
type Result struct {
	Succeeded       bool
	Stdout          string
	StdoutTruncated bool
	Value           string // repr of the trailing expression; "" when there is none
	Stderr          string
	ErrorSummary    string
	TimedOut        bool
}

// Options tune a Sandbox.
type Options struct {
	ExecTimeout    time.Duration // per-call ceiling
	InterruptGrace time.Duration // how long an interrupted call may take to unwind
	StartTimeout   time.Duration // ceiling for the interpreter to report ready
	MaxOutput      int           // stdout characters kept per call
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		ExecTimeout:    120 * time.Second,
		InterruptGrace: 3 * time.Second,
		StartTimeout:   2 * time.Minute,
		MaxOutput:      30000,
	}
}

type request struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
}

type response struct {
	ID          int     `json:"id"`
	Ready       bool    `json:"ready,omitempty"`
	Python      string  `json:"python,omitempty"`
	Succeeded   bool    `json:"succeeded"`
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	Value       *string `json:"value"`
	Error       *string `json:"error"`
	Interrupted bool    `json:"interrupted"`
}

// kernel is one live interpreter process and its reader goroutine.
type kernel struct {
	proc      Process
	responses chan response
	exited    chan struct{}
	done      chan struct{}
	once      sync.Once
	stderr    *tailBuffer
	version   string
}

// Sandbox is a persistent Python interpreter owned by a single session.
// Calls are serialised; names bound by one call are visible to the next.
type Sandbox struct {
	mu       sync.Mutex
	launcher Launcher
	spec     LaunchSpec
	opts     Options

	k      *kernel
	nextID int
	reset  string // note attached to the first result after a forced restart
	closed bool
}

// New creates a sandbox. The interpreter is started lazily on the first call.
func New(launcher Launcher, spec LaunchSpec, opts Options) *Sandbox {
	def := DefaultOptions()
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = def.ExecTimeout
	}
	if opts.InterruptGrace <= 0 {
		opts.InterruptGrace = def.InterruptGrace
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = def.StartTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = def.MaxOutput
	}
	return &Sandbox{launcher: launcher, spec: spec, opts: opts}
}

// Start launches the interpreter now instead of on the first call.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sandbox closed")
	}
	_, err := s.ensureKernel(ctx)
	return err
}

// Execute runs code against the accumulated interpreter state.
// It never returns an error: every failure is described in the Result.
func (s *Sandbox) Execute(ctx context.Context, code string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return failed("SandboxError: sandbox closed")
	}

	k, err := s.ensureKernel(ctx)
	if err != nil {
		return failed(fmt.Sprintf("SandboxError: %v", err))
	}

	s.nextID++
	id := s.nextID
	if err := writeRequest(k.proc, request{ID: id, Code: code}); err != nil {
		s.discard("interpreter input closed")
		return failed(fmt.Sprintf("SandboxError: send code: %v", err))
	}

	res := s.await(ctx, k, id)
	if s.reset != "" {
		res.Stderr = s.reset + "\n" + res.Stderr
		s.reset = ""
	}
	return res
}

func (s *Sandbox) await(ctx context.Context, k *kernel, id int) Result {
	timer := time.NewTimer(s.opts.ExecTimeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-k.responses:
			if resp.ID != id {
				continue // late answer to an abandoned call
			}
			return s.toResult(resp)
		case <-k.exited:
			tail := k.stderr.String()
			s.discard("interpreter exited")
			r := failed("KernelDied: the interpreter exited unexpectedly; its state was lost")
			r.Stderr = tail
			return r
		case <-timer.C:
			return s.interrupt(k, id, fmt.Sprintf("TimeoutError: execution exceeded %s", s.opts.ExecTimeout))
		case <-ctx.Done():
			summary := "CancelledError: execution cancelled"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				summary = "TimeoutError: session time limit reached during execution"
			}
			return s.interrupt(k, id, summary)
		}
	}
}

// interrupt stops the running call. State bound before the interrupted statement
// survives; when the interpreter does not unwind in time it is replaced.
func (s *Sandbox) interrupt(k *kernel, id int, summary string) Result {
	if err := k.proc.Interrupt(); err != nil {
		log.Printf("⚠️  sandbox interrupt failed: %v", err)
	}

	grace := time.NewTimer(s.opts.InterruptGrace)
	defer grace.Stop()
	for {
		select {
		case resp := <-k.responses:
			if resp.ID != id {
				continue
			}
			r := s.toResult(resp)
			r.Succeeded = false
			r.TimedOut = true
			r.ErrorSummary = summary
			return r
		case <-k.exited:
			s.discard("interpreter exited after interrupt")
			r := failed(summary + " (interpreter restarted; previous state was lost)")
			r.TimedOut = true
			return r
		case <-grace.C:
			s.discard("interpreter did not respond to interrupt")
			r := failed(summary + " (interpreter restarted; previous state was lost)")
			r.TimedOut = true
			return r
		}
	}
}

func (s *Sandbox) toResult(resp response) Result {
	stdout, truncated := TruncateOutput(resp.Stdout, s.opts.MaxOutput)
	r := Result{
		Succeeded:       resp.Succeeded,
		Stdout:          stdout,
		StdoutTruncated: truncated,
		Stderr:          resp.Stderr,
	}
	if resp.Value != nil {
		r.Value = *resp.Value
	}
	if resp.Error != nil {
		r.ErrorSummary = *resp.Error
	}
	if !r.Succeeded && r.ErrorSummary == "" {
		r.ErrorSummary = "ExecutionError: unknown failure"
	}
	return r
}

// Restart discards the interpreter and all its state.
func (s *Sandbox) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sandbox closed")
	}
	s.stop()
	_, err := s.ensureKernel(ctx)
	return err
}

// Close terminates the interpreter and releases its resources. It is safe to call twice.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stop()
}

// Version reports the interpreter version once started.
func (s *Sandbox) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.k == nil {
		return ""
	}
	return s.k.version
}

func (s *Sandbox) ensureKernel(ctx context.Context) (*kernel, error) {
	if s.k != nil {
		return s.k, nil
	}

	proc, err := s.launcher.Launch(ctx, s.spec)
	if err != nil {
		return nil, fmt.Errorf("launch %s interpreter: %w", s.launcher.Name(), err)
	}

	k := &kernel{
		proc:      proc,
		responses: make(chan response, 4),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		stderr:    newTailBuffer(8 * 1024),
	}
	go func() { _, _ = io.Copy(k.stderr, proc.Stderr()) }()
	go k.read()

	timer := time.NewTimer(s.opts.StartTimeout)
	defer timer.Stop()
	select {
	case resp := <-k.responses:
		if !resp.Ready {
			k.shutdown()
			return nil, fmt.Errorf("unexpected first message from interpreter (id=%d)", resp.ID)
		}
		k.version = resp.Python
	case <-k.exited:
		k.shutdown()
		return nil, fmt.Errorf("interpreter exited during startup: %s", k.stderr.String())
	case <-timer.C:
		k.shutdown()
		return nil, fmt.Errorf("interpreter not ready after %s", s.opts.StartTimeout)
	case <-ctx.Done():
		k.shutdown()
		return nil, ctx.Err()
	}

	s.k = k
	return k, nil
}

func (k *kernel) read() {
	defer close(k.exited)
	sc := bufio.NewScanner(k.proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
scan:
	for sc.Scan() {
		var resp response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			log.Printf("⚠️  sandbox: undecodable driver line: %v", err)
			continue
		}
		select {
		case k.responses <- resp:
		case <-k.done:
			break scan
		}
	}
	_ = k.proc.Wait()
}

// shutdown kills the process and waits briefly for the reader to finish.
func (k *kernel) shutdown() error {
	var err error
	k.once.Do(func() {
		close(k.done)
		_ = k.proc.CloseInput()
		select {
		case <-k.exited:
			return
		default:
		}
		err = k.proc.Kill()
		select {
		case <-k.exited:
		case <-time.After(5 * time.Second):
		}
	})
	return err
}

// discard drops a broken interpreter; the next call starts a fresh one.
func (s *Sandbox) discard(reason string) {
	log.Printf("⚠️  sandbox: %s, restarting on next call", reason)
	s.stop()
	s.reset = "note: the interpreter was restarted; variables and imports from earlier calls are gone"
}

func (s *Sandbox) stop() error {
	if s.k == nil {
		return nil
	}
	k := s.k
	s.k = nil
	return k.shutdown()
}

func writeRequest(p Process, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = p.Stdin().Write(append(data, '\n'))
	return err
}

func failed(summary string) Result {
	return Result{Succeeded: false, ErrorSummary: summary}
}
