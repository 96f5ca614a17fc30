package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/manifest"
	"github.com/ormasoftchile/playtrace/pkg/policy"
	"github.com/ormasoftchile/playtrace/pkg/render"
	"github.com/ormasoftchile/playtrace/pkg/supervisor"
)

const defaultWaitTimeout = 300 * time.Second

// Handlers implements the run tools against one supervisor.
type Handlers struct {
	sup *supervisor.Supervisor

	mu    sync.Mutex
	run   *supervisor.RunHandle
	runID string
}

// NewHandlers binds the run tools to sup.
func NewHandlers(sup *supervisor.Supervisor) *Handlers {
	return &Handlers{sup: sup}
}

// HandleStart implements the playtrace/start MCP tool.
func (h *Handlers) HandleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	playbook, _ := args["playbook"].(string)
	if playbook == "" {
		return errorResult("playbook argument is required"), nil
	}
	var extra []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			extra = append(extra, fmt.Sprint(a))
		}
	}
	cwd, _ := args["cwd"].(string)

	// The run outlives the tool call, so it is not bound to ctx.
	run, err := h.sup.StartRun(context.Background(), supervisor.Descriptor{
		Name:   filepath.Base(playbook),
		Args:   append(extra, playbook),
		Dir:    cwd,
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("start: %s", err)), nil
	}
	runID := manifest.GenerateRunID(time.Now())
	h.mu.Lock()
	h.run, h.runID = run, runID
	h.mu.Unlock()
	return jsonResult(map[string]any{
		"run_id":   runID,
		"run":      run.Name(),
		"epoch":    run.Epoch(),
		"pid":      run.Pid(),
		"endpoint": run.Endpoint(),
	}, false), nil
}

// HandleCancel implements the playtrace/cancel MCP tool.
func (h *Handlers) HandleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run := h.sup.Active()
	if run == nil || !run.IsRunning() {
		return errorResult("no active run"), nil
	}
	if err := run.Cancel(); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("cancel requested for %s", run.Name())), nil
}

// HandleTree implements the playtrace/tree MCP tool.
func (h *Handlers) HandleTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	format, _ := args["format"].(string)
	targets, _ := args["targets"].(bool)

	snap := h.sup.Snapshot()
	switch format {
	case "", "text":
		var buf bytes.Buffer
		if err := render.Tree(&buf, snap.Run, render.Options{Targets: targets}); err != nil {
			return errorResult(err.Error()), nil
		}
		return textResult(buf.String()), nil
	case "json":
		return jsonResult(snap, false), nil
	default:
		return errorResult(fmt.Sprintf("unknown format %q, use 'text' or 'json'", format)), nil
	}
}

// HandleWait implements the playtrace/wait MCP tool. The result is an
// error result when the policy fails the run.
func (h *Handlers) HandleWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	timeout := defaultWaitTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	failOn, _ := args["fail_on"].(string)
	pol, err := policy.Compile(failOn)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, runID := h.started()
	if run == nil {
		return errorResult("no run started"), nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := run.Wait(waitCtx)
	if err != nil {
		return errorResult(fmt.Sprintf("wait: %s", err)), nil
	}

	snap := h.sup.Snapshot()
	if snap.Epoch != run.Epoch() {
		return errorResult(fmt.Sprintf("run %s was superseded before it could be reported (outcome %s)", runID, res.Outcome)), nil
	}
	m := manifest.Build(runID, snap.Run, time.Now())
	failed, err := pol.Failed(snap.Run)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	m.Policy = &manifest.PolicyRecord{Expression: pol.String(), Failed: failed}

	response := map[string]any{
		"outcome":   res.Outcome,
		"exit_code": res.ExitCode,
		"manifest":  m,
	}
	if res.Err != nil {
		response["error"] = res.Err.Error()
	}
	return jsonResult(response, failed), nil
}

// started returns the run begun by HandleStart and the ID chosen for it.
func (h *Handlers) started() (*supervisor.RunHandle, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run, h.runID
}

// HandleValidate implements the playtrace/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer f.Close()

	v, err := event.NewValidator()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	records, errs, err := v.ValidateStream(f)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if len(errs) > 0 {
		return errorResult(formatErrors(errs)), nil
	}
	return textResult(fmt.Sprintf("✓ %s is valid (%d records)", filepath.Base(path), records)), nil
}

// HandleSchema implements the playtrace/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := event.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

func formatErrors(errs []*event.ValidationError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func jsonResult(v any, isErr bool) *mcp.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: isErr,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
