package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/coder"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/engine/enginetest"
	engineprotocol "github.com/ChamsBouzaiene/pycoder/internal/engine/protocol"
	"github.com/ChamsBouzaiene/pycoder/internal/factory"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox/sandboxtest"
)

// wireEvent holds the union of event fields the tests look at.
type wireEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Phase     string `json:"phase"`
	Success   *bool  `json:"success"`
	Stream    string `json:"stream"`
	Output    string `json:"output"`
	Total     int    `json:"total"`
	State     string `json:"state"`
	ExitCode  int    `json:"exit_code"`
	Steps     int    `json:"steps"`
	Summary   string `json:"summary"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Files     []string
}

func decodeEvents(t *testing.T, out string) []wireEvent {
	t.Helper()
	var events []wireEvent
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev wireEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid event line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func filterEvents(events []wireEvent, typ string) []wireEvent {
	var out []wireEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func commands(lines ...string) io.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func TestServeRunsSession(t *testing.T) {
	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Tools(enginetest.Call("c1", "execute_code", map[string]any{"code": "x = 5"})),
		enginetest.Tools(enginetest.Call("c2", "execute_code", map[string]any{"code": "x + 1"})),
		enginetest.Tools(enginetest.Call("c3", "write_file", map[string]any{"path": "out.txt", "content": "6"})),
		enginetest.Text("x + 1 is 6"),
	}}
	useFakeRuntime(t, llm)
	base := t.TempDir()

	var stdout bytes.Buffer
	err := serveCommand(context.Background(), []string{"--dir", base}, commands(
		`{"type":"start_session","session_id":"s1"}`,
		`{"type":"user_message","session_id":"s1","message":"compute x + 1","request_id":"r1"}`,
	), &stdout, io.Discard)
	if err != nil {
		t.Fatalf("serveCommand() error = %v", err)
	}

	events := decodeEvents(t, stdout.String())
	if len(events) == 0 || events[0].Status != "engine_ready" {
		t.Fatalf("first event = %+v", events)
	}

	ready := filterEvents(events, "status")
	workDir := filepath.Join(base, "pycoder-s1")
	var sawReady bool
	for _, ev := range ready {
		if ev.Status == "session_ready" && ev.Detail == "work_dir="+workDir {
			sawReady = true
		}
	}
	if !sawReady {
		t.Errorf("no session_ready for %s in %+v", workDir, ready)
	}

	var value string
	for _, ev := range filterEvents(events, "tool_output") {
		if ev.CallID == "c2" && ev.Stream == "value" {
			value = ev.Output
		}
	}
	if value != "6" {
		t.Errorf("tool_output value for c2 = %q, want 6", value)
	}

	tools := filterEvents(events, "tool_event")
	if len(tools) != 6 {
		t.Errorf("tool events = %d, want 6 (started + completed for 3 calls)", len(tools))
	}
	for _, ev := range tools {
		if ev.Phase == "completed" && (ev.Success == nil || !*ev.Success) {
			t.Errorf("tool %s failed: %+v", ev.Tool, ev)
		}
	}

	if changed := filterEvents(events, "files_changed"); len(changed) != 1 || changed[0].Files[0] != "out.txt" {
		t.Errorf("files_changed = %+v", changed)
	}
	if usage := filterEvents(events, "token_usage"); len(usage) == 0 || usage[len(usage)-1].Total != 60 {
		t.Errorf("token_usage = %+v", usage)
	}

	done := filterEvents(events, "done")
	if len(done) != 1 {
		t.Fatalf("done events = %+v", done)
	}
	d := done[0]
	if d.State != string(engine.StateCompleted) || d.ExitCode != 0 || d.Steps != 3 || d.Summary != "x + 1 is 6" || d.RequestID != "r1" {
		t.Errorf("done = %+v", d)
	}

	if data, err := os.ReadFile(filepath.Join(workDir, "out.txt")); err != nil || string(data) != "6" {
		t.Errorf("out.txt = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "log.jsonl")); err != nil {
		t.Errorf("session log missing: %v", err)
	}
}

func TestServeProtocolErrors(t *testing.T) {
	useFakeRuntime(t, &enginetest.ScriptedLLM{})

	var stdout bytes.Buffer
	err := serveCommand(context.Background(), []string{"--dir", t.TempDir()}, commands(
		`not json`,
		`{"type":"launch_rockets"}`,
		`{"type":"user_message","session_id":"ghost","message":"hi"}`,
		`{"type":"start_session","session_id":"s1"}`,
		`{"type":"start_session","session_id":"s1"}`,
		`{"type":"start_session","session_id":"s2","config":{"packages":["numpy; rm -rf /"]}}`,
		`{"type":"cancel_request","session_id":"s1"}`,
		`{"type":"end_session","session_id":"s1"}`,
		`{"type":"end_session","session_id":"s1"}`,
	), &stdout, io.Discard)
	if err != nil {
		t.Fatalf("serveCommand() error = %v", err)
	}

	events := decodeEvents(t, stdout.String())
	errs := filterEvents(events, "error")
	wantKinds := []string{"invalid_command", "invalid_command", "session_error", "session_error", "session_error", "session_error"}
	if len(errs) != len(wantKinds) {
		t.Fatalf("error events = %+v", errs)
	}
	for i, kind := range wantKinds {
		if errs[i].Kind != kind {
			t.Errorf("error %d kind = %q, want %q (%s)", i, errs[i].Kind, kind, errs[i].Message)
		}
	}

	var idle, closed bool
	for _, ev := range filterEvents(events, "status") {
		idle = idle || ev.Status == "idle"
		closed = closed || ev.Status == "session_closed"
	}
	if !idle || !closed {
		t.Errorf("idle=%v closed=%v in %+v", idle, closed, events)
	}
}

func TestServeBudgetExceeded(t *testing.T) {
	loop := enginetest.Tools(enginetest.Call("c", "execute_code", map[string]any{"code": "x = 1"}))
	useFakeRuntime(t, &enginetest.ScriptedLLM{Repeat: &loop})

	var stdout bytes.Buffer
	err := serveCommand(context.Background(), []string{"--dir", t.TempDir()}, commands(
		`{"type":"start_session","session_id":"s1","config":{"step_limit":2}}`,
		`{"type":"user_message","session_id":"s1","message":"spin"}`,
	), &stdout, io.Discard)
	if err != nil {
		t.Fatalf("serveCommand() error = %v", err)
	}

	done := filterEvents(decodeEvents(t, stdout.String()), "done")
	if len(done) != 1 || done[0].State != string(engine.StateBudgetExceeded) || done[0].ExitCode != 2 || done[0].Steps != 2 {
		t.Errorf("done = %+v", done)
	}
}

// blockingLLM waits for cancellation and records that it was entered.
type blockingLLM struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingLLM) Chat(ctx context.Context, model string, msgs []engine.ChatMessage, schemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return engine.LLMResponse{}, ctx.Err()
}

func TestServeCancelRequest(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	llm := &blockingLLM{entered: make(chan struct{})}
	rt, err := factory.New(context.Background(), factory.Options{
		Home:      t.TempDir(),
		NoHistory: true,
		Launcher:  &sandboxtest.Launcher{},
		LLM:       llm,
	})
	if err != nil {
		t.Fatalf("factory.New() error = %v", err)
	}
	defer rt.Close()

	inR, inW := io.Pipe()
	var stdout bytes.Buffer
	runner := newStdIORunner(inR, &stdout, rt, coder.Settings{}, t.TempDir())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(context.Background()) }()

	io.WriteString(inW, `{"type":"start_session","session_id":"s1"}`+"\n")
	io.WriteString(inW, `{"type":"user_message","session_id":"s1","message":"wait"}`+"\n")
	select {
	case <-llm.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the LLM")
	}
	io.WriteString(inW, `{"type":"user_message","session_id":"s1","message":"again"}`+"\n")
	io.WriteString(inW, `{"type":"cancel_request","session_id":"s1"}`+"\n")
	inW.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}

	events := decodeEvents(t, stdout.String())
	if busy := filterEvents(events, "error"); len(busy) != 1 || busy[0].Kind != "busy" {
		t.Errorf("error events = %+v", busy)
	}
	if c := filterEvents(events, "cancelled"); len(c) != 1 {
		t.Errorf("cancelled events = %+v", c)
	}
	done := filterEvents(events, "done")
	if len(done) != 1 || done[0].State != string(engine.StateFatalError) || done[0].ExitCode != 1 {
		t.Errorf("done = %+v", done)
	}
}

// A cancel_request written right behind its user_message must still stop the
// request, however early in the request it arrives.
func TestServeCancelImmediatelyAfterMessage(t *testing.T) {
	for i := 0; i < 10; i++ {
		llm := &blockingLLM{entered: make(chan struct{})}
		useFakeRuntime(t, llm)

		var stdout bytes.Buffer
		errCh := make(chan error, 1)
		go func() {
			errCh <- serveCommand(context.Background(), []string{"--dir", t.TempDir()}, commands(
				`{"type":"start_session","session_id":"s1"}`,
				`{"type":"user_message","session_id":"s1","message":"wait","request_id":"r1"}`,
				`{"type":"cancel_request","session_id":"s1"}`,
			), &stdout, io.Discard)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("serveCommand() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d: request still running after cancel_request and EOF", i)
		}

		events := decodeEvents(t, stdout.String())
		for _, ev := range filterEvents(events, "status") {
			if ev.Status == "idle" {
				t.Errorf("run %d: cancel_request found no request: %+v", i, ev)
			}
		}
		if c := filterEvents(events, "cancelled"); len(c) != 1 {
			t.Errorf("run %d: cancelled events = %+v", i, c)
		}
		done := filterEvents(events, "done")
		if len(done) != 1 || done[0].State != string(engine.StateFatalError) || done[0].RequestID != "r1" {
			t.Errorf("run %d: done = %+v", i, done)
		}
	}
}

func TestServeSessionsUseSeparateDirectories(t *testing.T) {
	final := enginetest.Text("ok")
	useFakeRuntime(t, &enginetest.ScriptedLLM{Repeat: &final})
	base := t.TempDir()

	var stdout bytes.Buffer
	err := serveCommand(context.Background(), []string{"--dir", base}, commands(
		`{"type":"start_session","session_id":"a"}`,
		`{"type":"start_session","session_id":"b"}`,
		`{"type":"user_message","session_id":"a","message":"one"}`,
		`{"type":"user_message","session_id":"b","message":"two"}`,
	), &stdout, io.Discard)
	if err != nil {
		t.Fatalf("serveCommand() error = %v", err)
	}

	events := decodeEvents(t, stdout.String())
	if done := filterEvents(events, "done"); len(done) != 2 {
		t.Fatalf("done events = %+v", done)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(base, "pycoder-"+id, "log.jsonl")); err != nil {
			t.Errorf("session %s log: %v", id, err)
		}
	}
}

func TestServeRejectsSharedWorkDir(t *testing.T) {
	m := newSessionManager(nil, coder.Settings{}, t.TempDir(), make(chan engineprotocol.Event, 8))
	dir := t.TempDir()
	if _, err := m.StartSession(engineprotocol.StartSessionCommand{SessionID: "a", WorkDir: dir}); err != nil {
		t.Fatalf("first StartSession() error = %v", err)
	}
	if _, err := m.StartSession(engineprotocol.StartSessionCommand{SessionID: "b", WorkDir: dir}); err == nil {
		t.Error("second session in the same directory was accepted")
	}
}
