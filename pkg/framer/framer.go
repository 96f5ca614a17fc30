// Package framer splits the raw byte stream read from the event channel
// into newline-terminated records and decodes each one into an event.
//
// Chunks may split records anywhere; the trailing partial record is kept
// until the next chunk. A record that fails to decode is logged and
// dropped so that one corrupt line never blinds the consumer to the rest
// of the run.
package framer

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/ormasoftchile/playtrace/pkg/event"
)

// Separator terminates every record on the wire.
const Separator = '\n'

// DefaultMaxRecord bounds a single record. Larger records are discarded.
const DefaultMaxRecord = 16 * 1024 * 1024

// Stats counts what the framer has seen since creation.
type Stats struct {
	Records   int // decoded and emitted
	Malformed int // dropped because they failed to decode
	Oversized int // dropped because they exceeded the record limit
}

// Framer is not safe for concurrent use. The channel feeds it from a
// single reader goroutine.
type Framer struct {
	buf       []byte
	maxRecord int
	// discarding is set while skipping the rest of an oversized record.
	discarding bool
	stats      Stats
	logger     *slog.Logger
}

// New creates a framer. maxRecord <= 0 selects DefaultMaxRecord.
func New(logger *slog.Logger, maxRecord int) *Framer {
	if maxRecord <= 0 {
		maxRecord = DefaultMaxRecord
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{maxRecord: maxRecord, logger: logger}
}

// Feed consumes one chunk and calls emit for every complete record, in order.
func (f *Framer) Feed(chunk []byte, emit func(event.Event)) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Separator)
		if i < 0 {
			f.buffer(chunk)
			return
		}

		if f.discarding {
			f.discarding = false
			chunk = chunk[i+1:]
			continue
		}

		var record []byte
		if len(f.buf) == 0 {
			record = chunk[:i]
		} else {
			f.buf = append(f.buf, chunk[:i]...)
			record = f.buf
		}
		f.decode(record, emit)
		f.buf = f.buf[:0]
		chunk = chunk[i+1:]
	}
}

// Flush decodes a final record that was not terminated by a separator.
// It is called when the producer disconnects.
func (f *Framer) Flush(emit func(event.Event)) {
	if !f.discarding && len(f.buf) > 0 {
		f.decode(f.buf, emit)
	}
	f.buf = f.buf[:0]
	f.discarding = false
}

// Pending returns the number of buffered bytes awaiting a separator.
func (f *Framer) Pending() int { return len(f.buf) }

// Stats returns counters accumulated so far.
func (f *Framer) Stats() Stats { return f.stats }

func (f *Framer) buffer(partial []byte) {
	if f.discarding {
		return
	}
	if len(f.buf)+len(partial) > f.maxRecord {
		f.stats.Oversized++
		f.logger.Warn("dropping oversized record",
			"buffered", len(f.buf)+len(partial),
			"limit", f.maxRecord,
		)
		f.buf = f.buf[:0]
		f.discarding = true
		return
	}
	f.buf = append(f.buf, partial...)
}

func (f *Framer) decode(record []byte, emit func(event.Event)) {
	if len(bytes.TrimSpace(record)) == 0 {
		return
	}
	if len(record) > f.maxRecord {
		f.stats.Oversized++
		f.logger.Warn("dropping oversized record", "size", len(record), "limit", f.maxRecord)
		return
	}

	ev, err := event.Decode(record)
	if err != nil {
		f.stats.Malformed++
		var mre *event.MalformedRecordError
		if errors.As(err, &mre) {
			f.logger.Warn("dropping malformed record", "reason", mre.Reason, "error", mre.Err, "record", mre.Record)
		} else {
			f.logger.Warn("dropping malformed record", "error", err)
		}
		return
	}
	f.stats.Records++
	emit(ev)
}
