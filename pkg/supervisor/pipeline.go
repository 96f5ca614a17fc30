package supervisor

import (
	"log/slog"
	"sync"

	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/framer"
	"github.com/ormasoftchile/playtrace/pkg/recorder"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

// pipeline feeds one run's byte stream through the framer into the
// aggregator. It runs on the channel's reader goroutine, so events are
// applied strictly in arrival order.
type pipeline struct {
	agg    *status.Aggregator
	epoch  uint64
	framer *framer.Framer
	record *recorder.Recorder
	logger *slog.Logger

	mu       sync.Mutex
	accepted bool // a producer has connected at least once
	open     bool // a producer connection is being read
	// changed receives a token after every connect and disconnect.
	changed chan struct{}
}

func newPipeline(agg *status.Aggregator, epoch uint64, maxRecord int, record *recorder.Recorder, logger *slog.Logger) *pipeline {
	return &pipeline{
		agg:     agg,
		epoch:   epoch,
		framer:  framer.New(logger, maxRecord),
		record:  record,
		logger:  logger,
		changed: make(chan struct{}, 1),
	}
}

func (p *pipeline) HandleConnect() {
	p.mu.Lock()
	p.accepted, p.open = true, true
	p.mu.Unlock()
	p.signal()
}

func (p *pipeline) HandleChunk(chunk []byte) {
	if p.record != nil {
		if _, err := p.record.Write(chunk); err != nil {
			p.logger.Warn("recording stopped", "error", err)
			p.record = nil
		}
	}
	p.framer.Feed(chunk, p.apply)
}

func (p *pipeline) HandleDisconnect(err error) {
	p.framer.Flush(p.apply)
	if p.record != nil {
		if ferr := p.record.Flush(); ferr != nil {
			p.logger.Warn("recording stopped", "error", ferr)
			p.record = nil
		}
	}
	if err != nil {
		p.logger.Warn("event stream ended with error", "error", err)
	}
	p.agg.Disconnected(p.epoch)
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	p.signal()
}

// apply ignores the returned error: violations are logged by the
// aggregator and a stale epoch means the run was superseded.
func (p *pipeline) apply(ev event.Event) {
	_ = p.agg.ApplyAt(p.epoch, ev)
}

func (p *pipeline) signal() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// state reports whether a producer ever connected and whether its
// connection is still open.
func (p *pipeline) state() (accepted, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted, p.open
}
