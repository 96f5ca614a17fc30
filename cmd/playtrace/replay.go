package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/playtrace/pkg/policy"
	"github.com/ormasoftchile/playtrace/pkg/render"
	"github.com/ormasoftchile/playtrace/pkg/replay"
	"github.com/ormasoftchile/playtrace/pkg/status"
	"github.com/ormasoftchile/playtrace/pkg/tui"
)

var (
	replaySpeed    float64
	replayFinalize bool
	replayTUI      bool
	replayTargets  bool
	replayFailOn   string
	replayJSON     bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [recording.jsonl]",
	Short: "Rebuild the status tree from a recorded event stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	pol, err := policy.Compile(replayFailOn)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	agg := status.NewAggregator(logger)
	opts := replay.Options{
		Speed:     replaySpeed,
		MaxRecord: cfg.Channel.MaxRecordBytes,
		Finalize:  replayFinalize,
	}

	var (
		stats    replay.Stats
		replayed error
		wg       sync.WaitGroup
	)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		stats, replayed = replay.File(ctx, args[0], agg, opts, logger)
	}()

	if replayTUI {
		tuiCtx, cancel := context.WithCancel(ctx)
		err := tui.Run(tuiCtx, agg, tui.Config{
			Title:   args[0],
			Targets: replayTargets,
			Cancel:  func() error { stop(); return nil },
			Done:    done,
			Err:     func() error { return replayed },
		})
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		stop()
	}
	wg.Wait()
	if replayed != nil && !(replayTUI && errors.Is(replayed, context.Canceled)) {
		return replayed
	}

	run := agg.Snapshot().Run
	if replayJSON {
		return writeJSON(os.Stdout, agg.Snapshot())
	}
	if !replayTUI {
		color := isTerminal(os.Stdout)
		render.Tree(os.Stdout, run, render.Options{Color: color, Targets: replayTargets})
		render.Recap(os.Stdout, run, render.Options{Color: color})
	}
	fmt.Fprintf(os.Stderr, "%d records, %d applied, %d malformed, %d oversized, %d violations\n",
		stats.Records, stats.Applied, stats.Malformed, stats.Oversized, stats.Violations)

	failed, err := pol.Failed(run)
	if err != nil {
		return err
	}
	if failed {
		return &exitError{code: 2, err: fmt.Errorf("%s: %w (%s)", args[0], errPolicyFailed, pol)}
	}
	return nil
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Replay speed relative to recorded timing (0 = as fast as possible)")
	replayCmd.Flags().BoolVar(&replayFinalize, "finalize", false, "Resolve a recording without run_complete as a crashed run")
	replayCmd.Flags().BoolVar(&replayTUI, "tui", false, "Show the replay in the terminal UI")
	replayCmd.Flags().BoolVar(&replayTargets, "targets", false, "Include per-target lines in the tree")
	replayCmd.Flags().StringVar(&replayFailOn, "fail-on", "", "Policy expression that fails the run")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the final snapshot as JSON")
}
