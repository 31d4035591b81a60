package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/factory"
)

// exitUsage is returned for invalid invocations (sysexits EX_USAGE).
const exitUsage = 64

// usageError marks errors caused by how the command was invoked.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// newRuntime builds the process runtime; tests replace it to inject fakes.
var newRuntime = factory.New

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	var (
		code int
		err  error
	)
	switch args[0] {
	case "run":
		code, err = runCommand(ctx, args[1:], stdin, stdout, stderr)
	case "serve":
		err = serveCommand(ctx, args[1:], stdin, stdout, stderr)
	case "history":
		err = historyCommand(ctx, args[1:], stdout, stderr)
	case "mcp":
		err = mcpCommand(ctx, args[1:], stderr)
	case "config":
		err = configCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		// `pycoder "task"` and `pycoder -t task.md` are shorthands for run.
		code, err = runCommand(ctx, args, stdin, stdout, stderr)
	}
	if err != nil {
		return exitCodeFor(err, stderr)
	}
	return code
}

func exitCodeFor(err error, stderr io.Writer) int {
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return exitUsage
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return engine.ExitFatal
}

// quiet silences operator logging for the rest of the process.
func quiet(on bool) {
	if on {
		log.SetOutput(io.Discard)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `pycoder solves Python coding tasks with an LLM agent and a persistent interpreter.

Usage:
  pycoder run [flags] [task]       solve a task (also: pycoder [flags] [task])
  pycoder serve [flags]            serve sessions over the NDJSON stdio protocol
  pycoder history list|show|search|summarize|delete
  pycoder mcp [flags]              expose the sandbox tools as an MCP stdio server
  pycoder config show|set|path

Run flags:
  -t, --task FILE        read the task from a file (names the artifact and the log)
  -p, --project FILE     markdown project file with packages and instructions
  -d, --dir DIR          working directory (default: current directory)
      --with PKGS        extra packages, repeatable or comma separated
      --model NAME       model name or alias (sonnet, deepseek, gpt, ...)
      --provider NAME    LLM provider (openrouter, openai, anthropic, ...)
      --api-key KEY      API key for the provider
      --todo             enable the record_todo tool
      --step-limit N     maximum agent steps (default 200)
      --timeout DUR      wall-clock limit, e.g. 10m or 600 (default 30m)
      --max-tokens N     cumulative token limit (default unlimited)
      --sandbox MODE     host, docker or auto (default auto)
  -i                     interactive: keep the session open for follow-ups
  -q                     quiet: only print the result

Exit codes: 0 completed, 2 budget exceeded, 1 fatal error, 64 usage error.
`)
}
