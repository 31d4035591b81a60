package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/coder"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/factory"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/session"
)

// packageList collects --with values; each may itself be a comma list.
type packageList []string

func (l *packageList) String() string { return strings.Join(*l, ",") }

func (l *packageList) Set(v string) error {
	*l = append(*l, sandbox.ParsePackageList(v)...)
	return nil
}

type runFlags struct {
	settings    coder.Settings
	sandboxMode string
	interactive bool
	quiet       bool
	noHistory   bool
}

func parseRunFlags(args []string, stderr io.Writer) (runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }

	var (
		rf       runFlags
		taskFile string
		packages packageList
		timeout  time.Duration
	)
	s := &rf.settings
	fs.StringVar(&taskFile, "task", "", "Read the task from a file")
	fs.StringVar(&taskFile, "t", "", "Shorthand for --task")
	fs.StringVar(&s.ProjectFile, "project", "", "Markdown project file")
	fs.StringVar(&s.ProjectFile, "p", "", "Shorthand for --project")
	fs.StringVar(&s.WorkDir, "dir", "", "Working directory")
	fs.StringVar(&s.WorkDir, "d", "", "Shorthand for --dir")
	fs.StringVar(&s.Model, "model", "", "Model name or alias")
	fs.StringVar(&s.Provider, "provider", "", "LLM provider")
	fs.StringVar(&s.APIKey, "api-key", "", "API key for the provider")
	fs.Var(&packages, "with", "Extra packages (repeatable, comma separated)")
	fs.BoolVar(&s.Todo, "todo", false, "Enable the record_todo tool")
	fs.IntVar(&s.StepLimit, "step-limit", 0, "Maximum agent steps")
	fs.Func("timeout", "Wall-clock limit (duration or seconds)", func(v string) error {
		d, err := coder.ParseTimeout(v)
		timeout = d
		return err
	})
	fs.IntVar(&s.MaxTokens, "max-tokens", 0, "Cumulative token limit")
	fs.StringVar(&rf.sandboxMode, "sandbox", "", "Sandbox mode: host, docker or auto")
	fs.BoolVar(&s.Watch, "watch", false, "Record files changed by executed code in the log")
	fs.BoolVar(&rf.noHistory, "no-history", false, "Do not store the session in history")
	fs.BoolVar(&rf.interactive, "i", false, "Interactive follow-up mode")
	fs.BoolVar(&rf.quiet, "q", false, "Quiet mode")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return rf, err
		}
		return rf, usageError{msg: err.Error()}
	}
	if s.StepLimit < 0 {
		return rf, usagef("--step-limit must not be negative")
	}
	if s.MaxTokens < 0 {
		return rf, usagef("--max-tokens must not be negative")
	}
	s.Timeout = timeout
	s.Packages = packages
	if err := sandbox.ValidatePackages(s.Packages); err != nil {
		return rf, usageError{msg: err.Error()}
	}

	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if taskFile != "" {
		if task != "" {
			return rf, usagef("give the task either with --task or as an argument, not both")
		}
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return rf, usagef("cannot read task file: %v", err)
		}
		task = strings.TrimSpace(string(data))
		if task == "" {
			return rf, usagef("task file %s is empty", taskFile)
		}
		s.TaskFile = taskFile
	}
	if task == "" && !rf.interactive {
		return rf, usagef("no task given")
	}
	s.Task = task
	return rf, nil
}

func runCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	rf, err := parseRunFlags(args, stderr)
	if err != nil {
		return exitUsage, err
	}
	quiet(rf.quiet)

	sbCfg := sandbox.DefaultConfig()
	if rf.sandboxMode != "" {
		sbCfg.Mode = sandbox.ParseMode(rf.sandboxMode)
	}
	rt, err := newRuntime(ctx, factory.Options{Sandbox: sbCfg, NoHistory: rf.noHistory})
	if err != nil {
		return engine.ExitFatal, err
	}
	defer rt.Close()

	settings := coder.FromEnv().Merge(rf.settings)
	if rf.interactive {
		return runInteractive(ctx, rt, settings, stdin, stdout)
	}

	log.Printf("🚀 Solving task (%d chars)", len(settings.Task))
	res, err := rt.Solve(ctx, settings)
	if err != nil {
		return engine.ExitFatal, err
	}
	printResult(stdout, res)
	return res.Outcome.ExitCode(), nil
}

// runInteractive keeps one session, and so one interpreter, across follow-up
// messages until exit, quit or end of input.
func runInteractive(ctx context.Context, rt *factory.Runtime, s coder.Settings, stdin io.Reader, stdout io.Writer) (int, error) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if s.Task == "" {
		task, ok := prompt(scanner, stdout, "task> ")
		if !ok {
			return engine.ExitCompleted, nil
		}
		s.Task = task
	}

	sess, err := rt.NewSession(ctx, s, &engine.ResponseHook{Writer: stdout})
	if err != nil {
		return engine.ExitFatal, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("⚠️  Session cleanup: %v", err)
		}
	}()
	fmt.Fprintf(stdout, "Session %s in %s (type exit or quit to leave)\n", sess.ID, sess.WorkDir)

	var last engine.Outcome
	for msg := s.Task; ; {
		last = sess.Run(ctx, msg)
		printOutcome(stdout, sess, last)
		if ctx.Err() != nil {
			break
		}
		next, ok := prompt(scanner, stdout, "\nyou> ")
		if !ok {
			break
		}
		msg = next
	}

	calls, failed, steps := sess.Stats().Summary()
	usage := sess.Usage()
	fmt.Fprintf(stdout, "\nSession totals: %d steps, %d tool calls (%d failed), %d tokens (prompt %d, completion %d)\n",
		steps, calls, failed, usage.Total, usage.Prompt, usage.Completion)
	fmt.Fprintf(stdout, "Log: %s\n", sess.LogPath())
	return last.ExitCode(), nil
}

// prompt reads the next non-empty line. It reports false on end of input or
// when the user asks to leave.
func prompt(scanner *bufio.Scanner, w io.Writer, label string) (string, bool) {
	for {
		fmt.Fprint(w, label)
		if !scanner.Scan() {
			return "", false
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return "", false
		}
		return line, true
	}
}

// printOutcome reports one interactive turn; the answer itself was already
// printed by the response hook.
func printOutcome(w io.Writer, sess *session.Session, out engine.Outcome) {
	fmt.Fprintf(w, "\n%s %s after %d steps, %d tokens, %s\n",
		stateMarker(out.State), out.State, out.Steps, out.Usage.Total, out.Elapsed.Round(time.Millisecond))
	if out.State != engine.StateCompleted && out.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", out.Reason)
	}
	if a, ok := sess.Artifact(); ok {
		fmt.Fprintf(w, "Artifact: %s\n", a.Path)
	}
}

func printResult(w io.Writer, res coder.Result) {
	out := res.Outcome
	fmt.Fprintf(w, "%s %s (%s) after %d steps, %d tokens, %s\n",
		stateMarker(out.State), out.State, res.Status, out.Steps, out.Usage.Total, out.Elapsed.Round(time.Millisecond))
	if out.State != engine.StateCompleted && out.Reason != "" {
		fmt.Fprintf(w, "Reason: %s\n", out.Reason)
	}
	if answer := strings.TrimSpace(out.FinalAnswer); answer != "" {
		fmt.Fprintf(w, "\n%s\n\n", answer)
	}
	if res.Artifact != "" {
		fmt.Fprintf(w, "Artifact: %s\n", res.Artifact)
	} else {
		fmt.Fprintln(w, "Artifact: none saved")
	}
	fmt.Fprintf(w, "Log: %s\n", res.LogPath)
	if len(res.Issues) > 0 {
		fmt.Fprintln(w, "Issues reported:")
		for _, is := range res.Issues {
			fmt.Fprintf(w, "  - %s\n", is)
		}
	}
}

func stateMarker(s engine.LoopState) string {
	switch s {
	case engine.StateCompleted:
		return "✅"
	case engine.StateBudgetExceeded:
		return "⏱️"
	default:
		return "❌"
	}
}
