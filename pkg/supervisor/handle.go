package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/ormasoftchile/playtrace/pkg/channel"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

// Result is how a run ended.
type Result struct {
	Outcome  status.Outcome `json:"outcome"`
	ExitCode int            `json:"exit_code"`
	// Err is nil for a completed run. Otherwise it wraps
	// ErrAbnormalTermination or ErrStopped.
	Err error `json:"-"`
}

// RunHandle controls one started process.
type RunHandle struct {
	name   string
	epoch  uint64
	cmd    *exec.Cmd
	srv    *channel.Server
	pipe   *pipeline
	agg    *status.Aggregator
	grace  time.Duration
	logger *slog.Logger

	served    chan struct{}
	stopServe context.CancelFunc
	stopCtx   func() bool
	cleanup   func()

	mu              sync.Mutex
	cancelRequested bool
	result          Result
	exited          chan struct{} // closed under mu once Wait returns
	done            chan struct{}
}

// Name returns the run label.
func (h *RunHandle) Name() string { return h.name }

// Epoch returns the aggregator epoch this run feeds.
func (h *RunHandle) Epoch() uint64 { return h.epoch }

// Endpoint returns the event socket path handed to the process.
func (h *RunHandle) Endpoint() string { return h.srv.Endpoint() }

// Pid returns the process id.
func (h *RunHandle) Pid() int { return h.cmd.Process.Pid }

// Cancel asks the process to stop by interrupting its process group. It
// never kills. The tree keeps showing the run as running until completion
// is reported or the process exits. Repeated calls, and calls after the
// process has exited, do nothing.
func (h *RunHandle) Cancel() error {
	h.mu.Lock()
	if h.cancelRequested || h.hasExited() {
		h.mu.Unlock()
		return nil
	}
	h.cancelRequested = true
	h.mu.Unlock()

	h.logger.Info("cancelling run", "run", h.name, "pid", h.cmd.Process.Pid)
	if err := interrupt(h.cmd.Process); err != nil {
		return fmt.Errorf("interrupt %s: %w", h.name, err)
	}
	return nil
}

// CancelRequested reports whether Cancel was called.
func (h *RunHandle) CancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

func (h *RunHandle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// IsRunning reports whether the process has not yet been reconciled.
func (h *RunHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the run has ended and its result is final.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run ends or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the final result. It is the zero Result while running.
func (h *RunHandle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// detach cancels the run and closes its channel so that nothing more
// reaches the aggregator.
func (h *RunHandle) detach() {
	if err := h.Cancel(); err != nil {
		h.logger.Warn("cancel superseded run", "run", h.name, "error", err)
	}
	h.stopServe()
	h.srv.Close()
}

func (h *RunHandle) supervise() {
	waitErr := h.cmd.Wait()
	h.mu.Lock()
	cancelled := h.cancelRequested
	close(h.exited)
	h.mu.Unlock()

	code := exitCode(waitErr)
	if waitErr != nil && code == -1 {
		h.logger.Debug("process wait", "run", h.name, "error", waitErr)
	}

	h.drain()
	h.stopServe()
	h.srv.Close()
	<-h.served
	h.stopCtx()

	if _, err := h.agg.Complete(h.epoch, status.ProcessExit{Code: code, Cancelled: cancelled}); err != nil && !errors.Is(err, status.ErrStaleEpoch) {
		h.logger.Warn("resolve run", "run", h.name, "error", err)
	}
	res := h.resolve(code, cancelled)
	h.cleanup()

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	close(h.done)

	h.logger.Info("run finished", "run", h.name, "outcome", res.Outcome, "exit_code", code)
}

// drain waits, bounded by the grace period, until a producer has
// connected and its connection has closed. A producer that exits right
// after writing may still be queued in the listener when the process is
// reaped, so no connection yet is not the same as drained.
func (h *RunHandle) drain() {
	if h.grace <= 0 {
		return
	}
	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	for {
		accepted, open := h.pipe.state()
		if accepted && !open {
			return
		}
		select {
		case <-h.pipe.changed:
		case <-timer.C:
			if open {
				h.logger.Warn("event stream still open after exit", "run", h.name, "grace", h.grace)
			} else {
				h.logger.Debug("no event stream after exit", "run", h.name, "grace", h.grace)
			}
			return
		}
	}
}

// resolve derives the result from the tree this run fed.
func (h *RunHandle) resolve(code int, cancelled bool) Result {
	outcome := status.OutcomeCrashed
	if cancelled {
		outcome = status.OutcomeStopped
	}
	if snap := h.agg.Snapshot(); snap.Epoch == h.epoch && snap.Run != nil && snap.Run.Completed() {
		outcome = snap.Run.Outcome
	}

	res := Result{Outcome: outcome, ExitCode: code}
	switch outcome {
	case status.OutcomeStopped:
		res.Err = fmt.Errorf("%s: %w", h.name, ErrStopped)
	case status.OutcomeCrashed:
		res.Err = fmt.Errorf("%s exited with code %d: %w", h.name, code, ErrAbnormalTermination)
	}
	return res
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
