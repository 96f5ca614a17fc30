package event

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecode_PluginRecord(t *testing.T) {
	line := []byte(`{"type": "host_ok", "timestamp": "2024-05-01T10:11:12.345678Z", "data": {"host": "web1", "task_uuid": "t-1", "changed": true, "duration": 1.25}}`)

	ev, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ev.Kind != KindTargetOK {
		t.Errorf("kind = %q, want target_ok", ev.Kind)
	}
	if ev.Text("host") != "web1" {
		t.Errorf("host = %q", ev.Text("host"))
	}
	if !ev.Bool("changed") {
		t.Error("changed = false, want true")
	}
	if d, ok := ev.Float("duration"); !ok || d != 1.25 {
		t.Errorf("duration = %v (%v)", d, ok)
	}
	want := time.Date(2024, 5, 1, 10, 11, 12, 345678000, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestDecode_NaiveTimestamp(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"run_start","timestamp":"2024-05-01T10:11:12.5","data":{}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ev.Timestamp.Nanosecond() != 500000000 {
		t.Errorf("nanos = %d", ev.Timestamp.Nanosecond())
	}
}

func TestDecode_Aliases(t *testing.T) {
	cases := map[string]Kind{
		"playbook_start":    KindRunStart,
		"playbook_complete": KindRunComplete,
		"host_task_start":   KindTargetTaskStart,
		"host_failed":       KindTargetFailed,
		"host_skipped":      KindTargetSkipped,
		"host_unreachable":  KindTargetUnreachable,
		"item_ok":           KindTargetItemOK,
		"host_retry":        KindTargetRetry,
		"target_changed":    KindTargetChanged,
		"file_diff":         KindFileDiff,
	}
	for name, want := range cases {
		got, ok := ParseKind(name)
		if !ok || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name   string
		record string
		reason string
	}{
		{"truncated", `{"type":"play_start","timestamp":"2024-05-01T10:11:12Z","data":{`, "invalid JSON"},
		{"array", `[1,2,3]`, "not a JSON object"},
		{"missing type", `{"timestamp":"2024-05-01T10:11:12Z","data":{}}`, "missing type"},
		{"unknown type", `{"type":"bogus","timestamp":"2024-05-01T10:11:12Z","data":{}}`, "unknown type"},
		{"missing timestamp", `{"type":"run_start","data":{}}`, "missing timestamp"},
		{"bad timestamp", `{"type":"run_start","timestamp":"yesterday","data":{}}`, "invalid timestamp"},
		{"missing data", `{"type":"run_start","timestamp":"2024-05-01T10:11:12Z"}`, "missing data"},
		{"null data", `{"type":"run_start","timestamp":"2024-05-01T10:11:12Z","data":null}`, "missing data"},
		{"data not object", `{"type":"run_start","timestamp":"2024-05-01T10:11:12Z","data":[1]}`, "data is not an object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.record))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformedRecord) {
				t.Errorf("error %v does not match ErrMalformedRecord", err)
			}
			var mre *MalformedRecordError
			if !errors.As(err, &mre) {
				t.Fatalf("error %T is not *MalformedRecordError", err)
			}
			if !strings.Contains(mre.Reason, tc.reason) {
				t.Errorf("reason = %q, want to contain %q", mre.Reason, tc.reason)
			}
		})
	}
}

func TestDecode_ExcerptTruncated(t *testing.T) {
	record := "{" + strings.Repeat("x", 1000)
	_, err := Decode([]byte(record))
	var mre *MalformedRecordError
	if !errors.As(err, &mre) {
		t.Fatalf("expected *MalformedRecordError, got %v", err)
	}
	if len(mre.Record) != maxRecordExcerpt {
		t.Errorf("excerpt length = %d, want %d", len(mre.Record), maxRecordExcerpt)
	}
}

func TestWriter_EmitDecodes(t *testing.T) {
	var buf bytes.Buffer
	ew := NewWriter(&buf)

	if err := ew.EmitTaskStart(TaskStart{
		Name:   "Install pkg",
		ID:     "t-1",
		Action: "pkg",
		Args:   map[string]any{"name": "nginx"},
		Path:   "site.yml:12",
	}); err != nil {
		t.Fatal(err)
	}
	if err := ew.EmitTargetResult(KindTargetChanged, "web1", "t-1", true, nil); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	ev, err := Decode([]byte(lines[0]))
	if err != nil {
		t.Fatalf("line 0: %v", err)
	}
	if ev.Kind != KindTaskStart || ev.Text("action") != "pkg" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Map("args")["name"] != "nginx" {
		t.Errorf("args = %v", ev.Map("args"))
	}

	ev, err = Decode([]byte(lines[1]))
	if err != nil {
		t.Fatalf("line 1: %v", err)
	}
	if ev.Kind != KindTargetChanged || ev.Text("host") != "web1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWriter_RejectsNonTerminalResult(t *testing.T) {
	ew := NewWriter(&bytes.Buffer{})
	if err := ew.EmitTargetResult(KindTaskStart, "web1", "t-1", false, nil); err == nil {
		t.Error("expected error for non-terminal kind")
	}
}

func TestKind_Predicates(t *testing.T) {
	if !KindTargetUnreachable.IsTerminal() {
		t.Error("target_unreachable should be terminal")
	}
	if KindTargetItemOK.IsTerminal() {
		t.Error("target_item_ok should not be terminal")
	}
	if !KindTargetItemSkipped.IsItem() {
		t.Error("target_item_skipped should be an item kind")
	}
}
