// Package event defines the lifecycle events a playbook run emits over the
// event channel, and their newline-delimited JSON wire encoding.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the lifecycle event kinds understood by the aggregator.
type Kind string

const (
	KindRunStart          Kind = "run_start"
	KindPlayStart         Kind = "play_start"
	KindTaskStart         Kind = "task_start"
	KindTargetTaskStart   Kind = "target_task_start"
	KindTargetOK          Kind = "target_ok"
	KindTargetChanged     Kind = "target_changed"
	KindTargetFailed      Kind = "target_failed"
	KindTargetSkipped     Kind = "target_skipped"
	KindTargetUnreachable Kind = "target_unreachable"
	KindRunComplete       Kind = "run_complete"

	// Per-iteration results of a looped task. They never finalize a target.
	KindTargetItemOK      Kind = "target_item_ok"
	KindTargetItemFailed  Kind = "target_item_failed"
	KindTargetItemSkipped Kind = "target_item_skipped"

	KindTargetRetry Kind = "target_retry"
	KindFileDiff    Kind = "file_diff"
	KindInclude     Kind = "include"
)

// Kinds lists every canonical kind in lifecycle order.
var Kinds = []Kind{
	KindRunStart,
	KindPlayStart,
	KindTaskStart,
	KindTargetTaskStart,
	KindTargetOK,
	KindTargetChanged,
	KindTargetFailed,
	KindTargetSkipped,
	KindTargetUnreachable,
	KindTargetItemOK,
	KindTargetItemFailed,
	KindTargetItemSkipped,
	KindTargetRetry,
	KindFileDiff,
	KindInclude,
	KindRunComplete,
}

// wireAliases maps the names emitted by the ansible callback plugin onto
// canonical kinds.
var wireAliases = map[string]Kind{
	"playbook_start":    KindRunStart,
	"playbook_complete": KindRunComplete,
	"host_task_start":   KindTargetTaskStart,
	"host_ok":           KindTargetOK,
	"host_changed":      KindTargetChanged,
	"host_failed":       KindTargetFailed,
	"host_skipped":      KindTargetSkipped,
	"host_unreachable":  KindTargetUnreachable,
	"item_ok":           KindTargetItemOK,
	"item_failed":       KindTargetItemFailed,
	"item_skipped":      KindTargetItemSkipped,
	"host_retry":        KindTargetRetry,
}

// ParseKind resolves a wire type name to its canonical Kind.
func ParseKind(name string) (Kind, bool) {
	if k, ok := wireAliases[name]; ok {
		return k, true
	}
	k := Kind(name)
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// IsTerminal reports whether k finalizes a target result.
func (k Kind) IsTerminal() bool {
	switch k {
	case KindTargetOK, KindTargetChanged, KindTargetFailed, KindTargetSkipped, KindTargetUnreachable:
		return true
	}
	return false
}

// IsItem reports whether k carries a single loop iteration result.
func (k Kind) IsItem() bool {
	switch k {
	case KindTargetItemOK, KindTargetItemFailed, KindTargetItemSkipped:
		return true
	}
	return false
}

// Event is one immutable record of the append-only input log.
// Data is shared read-only once decoded.
type Event struct {
	Kind      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// ErrMalformedRecord is matched by every decode failure.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError describes a framed record that could not be decoded.
type MalformedRecordError struct {
	Record string // truncated copy of the offending record
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed record: %s: %v", e.Reason, e.Err)
	}
	return "malformed record: " + e.Reason
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

const maxRecordExcerpt = 200

func malformed(record []byte, reason string, err error) error {
	excerpt := record
	if len(excerpt) > maxRecordExcerpt {
		excerpt = excerpt[:maxRecordExcerpt]
	}
	return &MalformedRecordError{Record: string(excerpt), Reason: reason, Err: err}
}

// wireEvent mirrors Event with pointer fields so that missing keys can be
// told apart from zero values.
type wireEvent struct {
	Type      *string         `json:"type"`
	Timestamp *string         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// timestampLayouts are tried in order. The python emitter writes
// isoformat() with a literal Z appended.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Decode parses a single record (without its separator) into an Event.
// All failures match ErrMalformedRecord.
func Decode(record []byte) (Event, error) {
	record = bytes.TrimSpace(record)
	if len(record) == 0 || record[0] != '{' {
		return Event{}, malformed(record, "not a JSON object", nil)
	}

	var w wireEvent
	if err := json.Unmarshal(record, &w); err != nil {
		return Event{}, malformed(record, "invalid JSON", err)
	}
	if w.Type == nil || *w.Type == "" {
		return Event{}, malformed(record, "missing type", nil)
	}
	kind, ok := ParseKind(*w.Type)
	if !ok {
		return Event{}, malformed(record, fmt.Sprintf("unknown type %q", *w.Type), nil)
	}
	if w.Timestamp == nil {
		return Event{}, malformed(record, "missing timestamp", nil)
	}
	ts, err := parseTimestamp(*w.Timestamp)
	if err != nil {
		return Event{}, malformed(record, "invalid timestamp", err)
	}
	if len(w.Data) == 0 || bytes.Equal(w.Data, []byte("null")) {
		return Event{}, malformed(record, "missing data", nil)
	}
	var data map[string]any
	if err := json.Unmarshal(w.Data, &data); err != nil {
		return Event{}, malformed(record, "data is not an object", err)
	}

	return Event{Kind: kind, Timestamp: ts, Data: data}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// --- Payload accessors ---

// Text returns the string value at key, or "".
func (e Event) Text(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bool returns the boolean value at key, or false.
func (e Event) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// Float returns the numeric value at key. JSON null and absent keys report false.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	}
	return 0, false
}

// Map returns the object value at key, or nil.
func (e Event) Map(key string) map[string]any {
	m, _ := e.Data[key].(map[string]any)
	return m
}

// List returns the array value at key, or nil.
func (e Event) List(key string) []any {
	l, _ := e.Data[key].([]any)
	return l
}

// Has reports whether key is present in the payload, even if null.
func (e Event) Has(key string) bool {
	_, ok := e.Data[key]
	return ok
}
