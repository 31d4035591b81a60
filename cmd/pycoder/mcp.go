package main

import (
	"context"
	"flag"
	"io"
	"log"

	"github.com/ChamsBouzaiene/pycoder/internal/mcpserver"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
)

// newLauncher creates the sandbox launcher for `pycoder mcp`; tests replace it.
var newLauncher = sandbox.NewLauncher

func mcpCommand(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var packages packageList
	dir := fs.String("dir", "", "Working directory shared by all tool calls (default: current directory)")
	fs.StringVar(dir, "d", "", "Shorthand for --dir")
	fs.Var(&packages, "with", "Extra packages (repeatable, comma separated)")
	sandboxMode := fs.String("sandbox", "", "Sandbox mode: host, docker or auto")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return usageError{msg: err.Error()}
	}
	if err := sandbox.ValidatePackages(packages); err != nil {
		return usageError{msg: err.Error()}
	}

	// stdout carries the MCP stream.
	log.SetOutput(stderr)

	cfg := sandbox.DefaultConfig()
	if *sandboxMode != "" {
		cfg.Mode = sandbox.ParseMode(*sandboxMode)
	}
	launcher, err := newLauncher(ctx, cfg)
	if err != nil {
		return err
	}

	srv, err := mcpserver.New(ctx, mcpserver.Options{
		WorkDir:  *dir,
		Launcher: launcher,
		Sandbox:  cfg.Options(),
		Packages: packages,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("⚠️  Sandbox cleanup: %v", err)
		}
	}()
	return srv.Run(ctx)
}
