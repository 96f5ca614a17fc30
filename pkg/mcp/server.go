// Package mcp exposes run supervision as MCP tools for AI agents.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/playtrace/pkg/supervisor"
)

// NewServer creates a new MCP server with playtrace tools registered.
func NewServer(version string, sup *supervisor.Supervisor) *server.MCPServer {
	s := server.NewMCPServer(
		"playtrace",
		version,
		server.WithToolCapabilities(true),
	)
	h := &Handlers{sup: sup}

	s.AddTool(
		mcp.NewTool("playtrace/start",
			mcp.WithDescription("Start ansible-playbook under supervision and stream its progress into the status tree"),
			mcp.WithString("playbook", mcp.Required(), mcp.Description("Path to the playbook")),
			mcp.WithArray("args", mcp.Description("Extra ansible-playbook arguments"), mcp.WithStringItems()),
			mcp.WithString("cwd", mcp.Description("Working directory for the run")),
		),
		h.HandleStart,
	)

	s.AddTool(
		mcp.NewTool("playtrace/cancel",
			mcp.WithDescription("Ask the active run to stop (SIGINT to its process group)"),
		),
		h.HandleCancel,
	)

	s.AddTool(
		mcp.NewTool("playtrace/tree",
			mcp.WithDescription("Return the current status tree of the active or last run"),
			mcp.WithString("format", mcp.Description("Output format: 'text' (default) or 'json'")),
			mcp.WithBoolean("targets", mcp.Description("Include one line per target in text output")),
		),
		h.HandleTree,
	)

	s.AddTool(
		mcp.NewTool("playtrace/wait",
			mcp.WithDescription("Wait for the active run to finish and evaluate a fail-on policy"),
			mcp.WithNumber("timeout_seconds", mcp.Description("Give up after this many seconds (default 300)")),
			mcp.WithString("fail_on", mcp.Description("expr-lang policy expression over the run counters")),
		),
		h.HandleWait,
	)

	s.AddTool(
		mcp.NewTool("playtrace/validate",
			mcp.WithDescription("Validate a recorded event stream (JSON Lines) against the event schema"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the recording")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("playtrace/schema",
			mcp.WithDescription("Export the event record JSON Schema"),
		),
		HandleSchema,
	)

	return s
}
