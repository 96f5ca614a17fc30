// Package supervisor runs one playbook process at a time and wires its
// event stream into a status aggregator.
//
// StartRun allocates a fresh event channel, injects its address and the
// callback plugin settings into the child environment, starts the child
// in its own process group and returns a RunHandle. Starting a new run
// cancels the previous one and resets the aggregator to a new epoch, so
// anything still arriving from the old process is dropped.
//
// A run ends either with a run_complete event in the stream or when the
// process exits. After exit the supervisor waits, up to the configured
// grace period, for a producer connection to arrive and close, then
// applies a ProcessExit completion, which is a no-op when run_complete
// already arrived.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ormasoftchile/playtrace/pkg/channel"
	"github.com/ormasoftchile/playtrace/pkg/config"
	"github.com/ormasoftchile/playtrace/pkg/plugin"
	"github.com/ormasoftchile/playtrace/pkg/recorder"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

var (
	// ErrAbnormalTermination is wrapped by Result.Err when the process
	// ended without reporting completion.
	ErrAbnormalTermination = errors.New("process exited without completing the run")
	// ErrStopped is wrapped by Result.Err when a cancelled run ended
	// without reporting completion.
	ErrStopped = errors.New("run stopped")
	// ErrClosed is returned by StartRun after Close.
	ErrClosed = errors.New("supervisor closed")
)

// Descriptor describes the process to run.
type Descriptor struct {
	// Name labels the run in logs. Defaults to the command.
	Name string
	// Command defaults to supervisor.command from the config.
	Command string
	Args    []string
	Dir     string
	// Env is added to the current environment before the emitter
	// variables are injected.
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// RecordPath, when set, receives a copy of the event stream.
	RecordPath string
	// RedactEnv names environment variables whose values are masked in
	// the recording.
	RedactEnv []string
}

// Supervisor owns the aggregator and at most one active run.
type Supervisor struct {
	cfg    *config.Config
	grace  time.Duration
	agg    *status.Aggregator
	logger *slog.Logger

	mu     sync.Mutex
	active *RunHandle
	closed bool
}

// New creates a supervisor from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	grace, err := cfg.Supervisor.ExitGraceDuration()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:    cfg,
		grace:  grace,
		agg:    status.NewAggregator(logger),
		logger: logger,
	}, nil
}

// Aggregator returns the aggregator fed by every run.
func (s *Supervisor) Aggregator() *status.Aggregator { return s.agg }

// Snapshot returns the current tree.
func (s *Supervisor) Snapshot() status.Snapshot { return s.agg.Snapshot() }

// Subscribe registers fn for tree updates.
func (s *Supervisor) Subscribe(fn status.Subscriber) (unsubscribe func()) {
	return s.agg.Subscribe(fn)
}

// Active returns the most recently started run, or nil.
func (s *Supervisor) Active() *RunHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// StartRun starts d as the active run. Any previous run is cancelled and
// detached first. Channel allocation errors are returned before the
// process is spawned. Cancelling ctx cancels the run.
func (s *Supervisor) StartRun(ctx context.Context, d Descriptor) (*RunHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if prev := s.active; prev != nil {
		if prev.IsRunning() {
			s.logger.Info("superseding active run", "run", prev.name)
		}
		prev.detach()
		s.active = nil
	}

	epoch := s.agg.Reset()
	srv, err := channel.Allocate(s.cfg.Channel.Dir, s.logger)
	if err != nil {
		return nil, err
	}

	h, err := s.spawn(ctx, d, epoch, srv)
	if err != nil {
		srv.Close()
		return nil, err
	}
	s.active = h
	return h, nil
}

func (s *Supervisor) spawn(ctx context.Context, d Descriptor, epoch uint64, srv *channel.Server) (*RunHandle, error) {
	command := d.Command
	if command == "" {
		command = s.cfg.Supervisor.Command
	}
	name := d.Name
	if name == "" {
		name = command
	}

	var cleanup []func()
	undo := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pluginDir, pluginName := s.cfg.Emitter.PluginDir, s.cfg.Emitter.Plugin
	if pluginDir == "" {
		dir, err := os.MkdirTemp("", "playtrace-plugin-")
		if err != nil {
			return nil, fmt.Errorf("create plugin dir: %w", err)
		}
		cleanup = append(cleanup, func() { os.RemoveAll(dir) })
		if _, err := plugin.Install(dir); err != nil {
			undo()
			return nil, err
		}
		pluginDir, pluginName = dir, plugin.BundledName
	}

	var record *recorder.Recorder
	if d.RecordPath != "" {
		f, err := os.Create(d.RecordPath)
		if err != nil {
			undo()
			return nil, fmt.Errorf("create recording: %w", err)
		}
		record = recorder.New(f)
		record.SetSecrets(d.RedactEnv)
		record.SetMaxRecord(s.cfg.Channel.MaxRecordBytes)
		cleanup = append(cleanup, func() {
			record.Flush()
			f.Close()
		})
	}

	cmd := exec.Command(command, d.Args...)
	cmd.Dir = d.Dir
	cmd.Stdin = d.Stdin
	cmd.Stdout = d.Stdout
	cmd.Stderr = d.Stderr
	cmd.Env = plugin.Environ(append(os.Environ(), d.Env...), plugin.Env{
		SocketEnv:     s.cfg.Emitter.SocketEnv,
		Socket:        srv.Endpoint(),
		Plugin:        pluginName,
		PluginDir:     pluginDir,
		EnableEnv:     s.cfg.Emitter.EnableEnv,
		PluginPathEnv: s.cfg.Emitter.PluginPathEnv,
	})
	setProcessGroup(cmd)

	pipe := newPipeline(s.agg, epoch, s.cfg.Channel.MaxRecordBytes, record, s.logger.With("run", name))

	serveCtx, stopServe := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(serveCtx, pipe); err != nil {
			s.logger.Error("event channel stopped", "run", name, "error", err)
		}
	}()

	if err := cmd.Start(); err != nil {
		stopServe()
		srv.Close()
		<-served
		undo()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	h := &RunHandle{
		name:      name,
		epoch:     epoch,
		cmd:       cmd,
		srv:       srv,
		pipe:      pipe,
		agg:       s.agg,
		grace:     s.grace,
		logger:    s.logger,
		served:    served,
		stopServe: stopServe,
		cleanup:   undo,
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.stopCtx = context.AfterFunc(ctx, func() { h.Cancel() })

	s.logger.Info("run started",
		"run", name,
		"pid", cmd.Process.Pid,
		"socket", srv.Endpoint(),
		"epoch", epoch,
	)
	go h.supervise()
	return h, nil
}

// Close cancels the active run and releases its channel. It does not wait
// for the process to exit; use the handle for that.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.active != nil {
		s.active.detach()
	}
	return nil
}
