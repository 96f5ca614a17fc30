// Package serve implements a JSON-RPC server that starts and observes
// playbook runs for editor integrations. It communicates over stdio
// (stdin/stdout) using newline-delimited JSON messages.
package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ormasoftchile/playtrace/pkg/manifest"
	"github.com/ormasoftchile/playtrace/pkg/status"
	"github.com/ormasoftchile/playtrace/pkg/supervisor"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeStartFailed    = -32000
	CodeNoActiveRun    = -32001
	CodeCancelFailed   = -32002
)

// Notification methods.
const (
	NotifyRunUpdated  = "event/runUpdated"
	NotifyRunFinished = "event/runFinished"
)

// Message is a JSON-RPC 2.0 message (request or notification).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"` // nil for notifications
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StartParams are the parameters for run/start.
type StartParams struct {
	Playbook string   `json:"playbook"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Cwd      string   `json:"cwd,omitempty"`
	Env      []string `json:"env,omitempty"`
	Record   string   `json:"record,omitempty"`
}

// StartResult is returned by run/start.
type StartResult struct {
	RunID    string `json:"runId"`
	Epoch    uint64 `json:"epoch"`
	Endpoint string `json:"endpoint"`
	Pid      int    `json:"pid"`
}

// FinishedParams is the payload of event/runFinished.
type FinishedParams struct {
	RunID    string             `json:"runId"`
	Epoch    uint64             `json:"epoch"`
	Outcome  status.Outcome     `json:"outcome"`
	ExitCode int                `json:"exitCode"`
	Error    string             `json:"error,omitempty"`
	Manifest *manifest.Manifest `json:"manifest,omitempty"`
}

// Server is the JSON-RPC server wrapping a run supervisor.
type Server struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex // serializes writes
	sup    *supervisor.Supervisor
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// ChildOutput receives the supervised process's stdout and stderr.
	// Stdout carries the protocol, so it defaults to os.Stderr.
	ChildOutput io.Writer

	runMu  sync.Mutex
	handle *supervisor.RunHandle
	runID  string
}

// New creates a new server reading from stdin and writing to stdout.
func New(sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	return NewWithIO(os.Stdin, os.Stdout, sup, logger)
}

// NewWithIO creates a server with custom IO streams.
func NewWithIO(r io.Reader, w io.Writer, sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		reader:      bufio.NewReader(r),
		writer:      w,
		sup:         sup,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		ChildOutput: os.Stderr,
	}
}

// Run starts the server main loop. It reads messages until the input
// closes or shutdown is requested, forwarding every tree update as an
// event/runUpdated notification.
func (s *Server) Run() error {
	defer s.cancel()

	unsubscribe := s.sup.Subscribe(func(u status.Update) {
		s.sendEvent(NotifyRunUpdated, u)
	})
	defer unsubscribe()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.reader)
		// Increase buffer for large messages
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-s.ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(line, &msg); err != nil {
				s.sendError(nil, CodeParseError, fmt.Sprintf("parse error: %v", err))
				continue
			}
			s.dispatch(&msg)
		}
	}
}

// dispatch routes a message to the appropriate handler.
func (s *Server) dispatch(msg *Message) {
	switch msg.Method {
	case "run/start":
		s.handleStart(msg)
	case "run/cancel":
		s.handleCancel(msg)
	case "run/isRunning":
		s.handleIsRunning(msg)
	case "run/tree":
		s.sendResult(msg.ID, s.sup.Snapshot())
	case "shutdown":
		s.cancel()
		s.sendResult(msg.ID, map[string]string{"status": "shutting down"})
	default:
		s.sendError(msg.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", msg.Method))
	}
}

// handleStart starts a supervised run, superseding any active one.
func (s *Server) handleStart(msg *Message) {
	var params StartParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		return
	}
	if params.Playbook == "" && params.Command == "" {
		s.sendError(msg.ID, CodeInvalidParams, "invalid params: playbook or command is required")
		return
	}

	d := supervisor.Descriptor{
		Command:    params.Command,
		Args:       params.Args,
		Dir:        params.Cwd,
		Env:        params.Env,
		Stdout:     s.ChildOutput,
		Stderr:     s.ChildOutput,
		RecordPath: params.Record,
	}
	if params.Playbook != "" {
		d.Name = filepath.Base(params.Playbook)
		d.Args = append(append([]string(nil), params.Args...), params.Playbook)
	}

	s.runMu.Lock()
	h, err := s.sup.StartRun(s.ctx, d)
	if err != nil {
		s.runMu.Unlock()
		s.sendError(msg.ID, CodeStartFailed, err.Error())
		return
	}
	runID := manifest.GenerateRunID(time.Now())
	s.handle, s.runID = h, runID
	s.runMu.Unlock()

	s.logger.Info("serve: run started", "run_id", runID, "playbook", params.Playbook)
	s.sendResult(msg.ID, StartResult{
		RunID:    runID,
		Epoch:    h.Epoch(),
		Endpoint: h.Endpoint(),
		Pid:      h.Pid(),
	})

	go s.awaitFinish(runID, h)
}

// awaitFinish publishes event/runFinished once h is done.
func (s *Server) awaitFinish(runID string, h *supervisor.RunHandle) {
	select {
	case <-h.Done():
	case <-s.ctx.Done():
		return
	}
	res := h.Result()
	params := FinishedParams{
		RunID:    runID,
		Epoch:    h.Epoch(),
		Outcome:  res.Outcome,
		ExitCode: res.ExitCode,
	}
	if res.Err != nil {
		params.Error = res.Err.Error()
	}
	if snap := s.sup.Snapshot(); snap.Epoch == h.Epoch() {
		params.Manifest = manifest.Build(runID, snap.Run, time.Now())
	}
	s.sendEvent(NotifyRunFinished, params)
}

// handleCancel interrupts the active run.
func (s *Server) handleCancel(msg *Message) {
	h, runID := s.active()
	if h == nil || !h.IsRunning() {
		s.sendError(msg.ID, CodeNoActiveRun, "no active run")
		return
	}
	if err := h.Cancel(); err != nil {
		s.sendError(msg.ID, CodeCancelFailed, err.Error())
		return
	}
	s.sendResult(msg.ID, map[string]string{"status": "cancelling", "runId": runID})
}

func (s *Server) handleIsRunning(msg *Message) {
	h, runID := s.active()
	running := h != nil && h.IsRunning()
	result := map[string]any{"running": running}
	if h != nil {
		result["runId"] = runID
	}
	s.sendResult(msg.ID, result)
}

func (s *Server) active() (*supervisor.RunHandle, string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.handle, s.runID
}

// Close stops the server loop and cancels the active run.
func (s *Server) Close() error {
	s.cancel()
	h, _ := s.active()
	if h == nil || !h.IsRunning() {
		return nil
	}
	return h.Cancel()
}

// --- Message sending ---

func (s *Server) sendResult(id *int, result interface{}) {
	data, _ := json.Marshal(result)
	msg := Message{
		JSONRPC: "2.0",
		ID:      id,
		Result:  json.RawMessage(data),
	}
	s.send(&msg)
}

func (s *Server) sendError(id *int, code int, message string) {
	msg := Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
	s.send(&msg)
}

func (s *Server) sendEvent(method string, params interface{}) {
	data, _ := json.Marshal(params)
	msg := Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  json.RawMessage(data),
	}
	s.send(&msg)
}

func (s *Server) send(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(msg)
	fmt.Fprintf(s.writer, "%s\n", data)
}
