// Package mcpserver exposes the sandbox tools of one persistent session to MCP
// clients. Every tool call runs against the same interpreter and working directory.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox"
	"github.com/ChamsBouzaiene/pycoder/internal/tools"
	"github.com/ChamsBouzaiene/pycoder/internal/workspace"
)

// Version is reported to clients during initialization.
const Version = "1.0.0"

// Options configure a Server.
type Options struct {
	WorkDir  string
	Launcher sandbox.Launcher
	Sandbox  sandbox.Options
	Packages []string
}

// Server owns the sandbox and the MCP server bound to it.
type Server struct {
	WorkDir string

	mcp      *mcp.Server
	sandbox  *sandbox.Sandbox
	registry engine.ToolRegistry
}

// New starts the sandbox and registers execute_code and the filesystem tools.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("mcp server needs a sandbox launcher")
	}
	if err := sandbox.ValidatePackages(opts.Packages); err != nil {
		return nil, err
	}
	workDir, err := workspace.Prepare(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	if opts.Sandbox == (sandbox.Options{}) {
		opts.Sandbox = sandbox.DefaultOptions()
	}

	sb := sandbox.New(opts.Launcher, sandbox.LaunchSpec{WorkDir: workDir, Packages: opts.Packages}, opts.Sandbox)
	if err := sb.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	reg, err := tools.NewToolRegistry(tools.Backends{
		WorkDir:  workDir,
		Executor: sb,
	}, engine.ToolSet{Filesystem: true, Execution: true})
	if err != nil {
		sb.Close()
		return nil, err
	}

	s := &Server{
		WorkDir:  workDir,
		sandbox:  sb,
		registry: reg,
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "pycoder", Version: Version}, nil),
	}
	for _, name := range reg.Names() {
		t := reg[name]
		schema, err := inputSchema(t)
		if err != nil {
			sb.Close()
			return nil, err
		}
		s.mcp.AddTool(&mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Annotations: annotations(t),
		}, s.handler(t.Name))
	}
	return s, nil
}

// MCP returns the underlying server, for callers that bring their own transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves over stdin/stdout until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log.Printf("🔌 MCP server ready (work dir: %s, python: %s)", s.WorkDir, s.sandbox.Version())
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// Close stops the sandbox.
func (s *Server) Close() error {
	return s.sandbox.Close()
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid JSON in arguments: %v", err)), nil
			}
		}
		res := s.registry.Dispatch(ctx, engine.ToolCall{Name: name, Args: args})
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: res.Render()}},
			IsError: !res.Succeeded,
		}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	res := engine.FailedResult("%s", msg)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: res.Render()}},
		IsError: true,
	}
}

func inputSchema(t engine.Tool) (map[string]any, error) {
	var schema map[string]any
	if err := json.Unmarshal([]byte(t.SchemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
	}
	return schema, nil
}

func annotations(t engine.Tool) *mcp.ToolAnnotations {
	a := &mcp.ToolAnnotations{}
	for _, tag := range t.Metadata.Tags {
		switch tag {
		case "read-only":
			a.ReadOnlyHint = true
		case "idempotent":
			a.IdempotentHint = true
		case "destructive":
			destructive := true
			a.DestructiveHint = &destructive
		}
	}
	return a
}
