// Package replay feeds a recorded event stream through the same framer
// and aggregator a live run uses.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/framer"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

const chunkSize = 32 * 1024

// Options controls a replay.
type Options struct {
	// Speed scales the gaps between event timestamps. Zero replays as fast
	// as possible; 1 replays in real time.
	Speed float64
	// MaxRecord bounds one record; zero selects the framer default.
	MaxRecord int
	// Finalize resolves a recording that ends without run_complete as if
	// the producer had crashed.
	Finalize bool
}

// Stats summarizes a replay.
type Stats struct {
	framer.Stats
	Applied    int
	Violations int
}

// File replays the recording at path into agg.
func File(ctx context.Context, path string, agg *status.Aggregator, opts Options, logger *slog.Logger) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return Run(ctx, f, agg, opts, logger)
}

// Run resets agg and replays r into the new epoch.
func Run(ctx context.Context, r io.Reader, agg *status.Aggregator, opts Options, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	epoch := agg.Reset()
	fr := framer.New(logger, opts.MaxRecord)
	violationsBefore := agg.Violations()

	var stats Stats
	var last time.Time
	var pauseErr error
	emit := func(ev event.Event) {
		if pauseErr != nil {
			return
		}
		if opts.Speed > 0 && !last.IsZero() && ev.Timestamp.After(last) {
			gap := time.Duration(float64(ev.Timestamp.Sub(last)) / opts.Speed)
			if pauseErr = sleep(ctx, gap); pauseErr != nil {
				return
			}
		}
		last = ev.Timestamp
		if err := agg.ApplyAt(epoch, ev); err == nil {
			stats.Applied++
		}
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			fr.Feed(buf[:n], emit)
			if pauseErr != nil {
				return stats, pauseErr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read recording: %w", err)
		}
	}
	fr.Flush(emit)
	if pauseErr != nil {
		return stats, pauseErr
	}
	agg.Disconnected(epoch)

	if opts.Finalize {
		if _, err := agg.Complete(epoch, status.ProcessExit{Code: -1}); err != nil {
			return stats, err
		}
	}

	stats.Stats = fr.Stats()
	stats.Violations = agg.Violations() - violationsBefore
	logger.Debug("replay finished",
		"records", stats.Records,
		"applied", stats.Applied,
		"malformed", stats.Malformed,
		"violations", stats.Violations,
	)
	return stats, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
