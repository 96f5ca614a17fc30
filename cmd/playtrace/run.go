package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/manifest"
	"github.com/ormasoftchile/playtrace/pkg/policy"
	"github.com/ormasoftchile/playtrace/pkg/render"
	"github.com/ormasoftchile/playtrace/pkg/status"
	"github.com/ormasoftchile/playtrace/pkg/supervisor"
	"github.com/ormasoftchile/playtrace/pkg/tui"
)

// errPolicyFailed marks a run the fail-on policy rejected.
var errPolicyFailed = errors.New("run failed policy")

// exitError carries the process exit status for main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

var (
	runTUI       bool
	runTargets   bool
	runRecord    string
	runManifest  string
	runFailOn    string
	runCommand   string
	runRedactEnv []string
	runQuiet     bool
)

var runCmd = &cobra.Command{
	Use:   "run [playbook.yml] [-- ansible-playbook args...]",
	Short: "Run a playbook under supervision",
	Long: `Run starts ansible-playbook with the bundled callback plugin enabled,
streams its events into the status tree and reports the final result.

Exit status is 0 when the fail-on policy passes, 2 when it fails and 1 on
any other error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	pol, err := policy.Compile(runFailOn)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	playbook := args[0]
	childOut := io.Writer(os.Stdout)
	if runTUI || runQuiet {
		childOut = io.Discard
	}
	d := supervisor.Descriptor{
		Name:       filepath.Base(playbook),
		Command:    runCommand,
		Args:       append(append([]string(nil), args[1:]...), playbook),
		Stdout:     childOut,
		Stderr:     os.Stderr,
		RecordPath: runRecord,
		RedactEnv:  runRedactEnv,
	}
	if runTUI {
		d.Stderr = io.Discard
	}

	if !runTUI && !runQuiet {
		unsubscribe := sup.Subscribe(progressPrinter(os.Stderr))
		defer unsubscribe()
	}

	started := time.Now()
	h, err := sup.StartRun(ctx, d)
	if err != nil {
		return err
	}
	runID := manifest.GenerateRunID(started)

	if runTUI {
		err := tui.Run(ctx, sup, tui.Config{
			Title:   d.Name,
			Targets: runTargets,
			Cancel:  h.Cancel,
			Done:    h.Done(),
			Err:     func() error { return h.Result().Err },
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("tui stopped", "error", err)
		}
		// Quitting the view stops the run.
		h.Cancel()
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		return err
	}

	snap := sup.Snapshot()
	if !runTUI {
		fmt.Fprintln(os.Stdout)
		render.Tree(os.Stdout, snap.Run, render.Options{Color: isTerminal(os.Stdout), Targets: runTargets})
		render.Recap(os.Stdout, snap.Run, render.Options{Color: isTerminal(os.Stdout)})
	}

	failed, err := pol.Failed(snap.Run)
	if err != nil {
		return err
	}

	if runManifest != "" {
		m := manifest.Build(runID, snap.Run, time.Now())
		m.Command = append([]string{commandName(runCommand, cfg.Supervisor.Command)}, d.Args...)
		m.Recording = runRecord
		m.Policy = &manifest.PolicyRecord{Expression: pol.String(), Failed: failed}
		if err := manifest.Write(runManifest, m); err != nil {
			return err
		}
	}

	if res.Err != nil {
		logger.Warn("run did not complete", "outcome", res.Outcome, "exit_code", res.ExitCode)
	}
	if failed {
		return &exitError{code: 2, err: fmt.Errorf("%s: %w (%s)", d.Name, errPolicyFailed, pol)}
	}
	return nil
}

func commandName(flag, configured string) string {
	if flag != "" {
		return flag
	}
	return configured
}

// progressPrinter writes one line per play and per finished target.
func progressPrinter(w io.Writer) func(status.Update) {
	return func(u status.Update) {
		if u.Event == nil || u.Run == nil {
			return
		}
		ev := u.Event
		switch {
		case ev.Kind == event.KindPlayStart:
			fmt.Fprintf(w, "PLAY %s\n", ev.Text("name"))
		case ev.Kind.IsTerminal():
			t, tr := lookupTarget(u.Run, ev)
			if tr == nil {
				return
			}
			fmt.Fprintf(w, "  %s %s  %s\n", render.Glyph(tr.Status), tr.Target, t.Name)
		}
	}
}

// lookupTarget finds the target a result event finished in the current play.
func lookupTarget(run *status.Run, ev *event.Event) (*status.Task, *status.TargetResult) {
	if len(run.Plays) == 0 {
		return nil, nil
	}
	p := run.Plays[len(run.Plays)-1]
	id, host := ev.Text("task_uuid"), ev.Text("host")
	for i := len(p.Tasks) - 1; i >= 0; i-- {
		t := p.Tasks[i]
		if id != "" && t.ID != id {
			continue
		}
		if tr := t.Target(host); tr != nil {
			return t, tr
		}
	}
	return nil, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live status tree in a terminal UI")
	runCmd.Flags().BoolVar(&runTargets, "targets", false, "Include per-target lines in the tree")
	runCmd.Flags().StringVar(&runRecord, "record", "", "Save the event stream to this JSON Lines file")
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "Write a run.yaml manifest to this path")
	runCmd.Flags().StringVar(&runFailOn, "fail-on", "", "Policy expression that fails the run (default: "+policy.DefaultFailOn+")")
	runCmd.Flags().StringVar(&runCommand, "command", "", "Executable to run instead of the configured ansible-playbook")
	runCmd.Flags().StringArrayVar(&runRedactEnv, "redact-env", nil, "Mask the value of this environment variable in the recording, repeatable")
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "Suppress playbook output and progress lines")
}
