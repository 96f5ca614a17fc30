package event

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Writer writes events as newline-delimited JSON. It is the producer side
// of the channel and is used by the emit command, recordings, and tests.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	now func() time.Time
}

// NewWriter creates an event writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:   w,
		enc: json.NewEncoder(w),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Dial connects to a channel endpoint and returns a writer for it.
// Close the writer to release the connection.
func Dial(endpoint string) (*Writer, error) {
	conn, err := net.Dial("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial event channel %s: %w", endpoint, err)
	}
	return NewWriter(conn), nil
}

// Close closes the underlying writer if it is closable.
func (ew *Writer) Close() error {
	if c, ok := ew.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Emit writes a single event stamped with the current time.
func (ew *Writer) Emit(kind Kind, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	return ew.Write(Event{Kind: kind, Timestamp: ew.now(), Data: data})
}

// Write encodes ev verbatim. json.Encoder terminates each record with '\n'.
func (ew *Writer) Write(ev Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if err := ew.enc.Encode(ev); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Kind, err)
	}
	return nil
}

// EmitRunStart emits a run_start event.
func (ew *Writer) EmitRunStart(playbook, path string) error {
	return ew.Emit(KindRunStart, map[string]any{
		"playbook": playbook,
		"path":     path,
	})
}

// EmitPlayStart emits a play_start event.
func (ew *Writer) EmitPlayStart(name, id string, hosts []string) error {
	data := map[string]any{
		"name": name,
		"uuid": id,
	}
	if hosts != nil {
		data["hosts"] = hosts
	}
	return ew.Emit(KindPlayStart, data)
}

// TaskStart describes a task_start payload.
type TaskStart struct {
	Name      string
	ID        string
	Action    string
	Args      map[string]any
	Path      string // file:line
	IsHandler bool
}

// EmitTaskStart emits a task_start event.
func (ew *Writer) EmitTaskStart(t TaskStart) error {
	data := map[string]any{
		"name":       t.Name,
		"uuid":       t.ID,
		"action":     t.Action,
		"is_handler": t.IsHandler,
	}
	if t.Args != nil {
		data["args"] = t.Args
	}
	if t.Path != "" {
		data["path"] = t.Path
	}
	return ew.Emit(KindTaskStart, data)
}

// EmitTargetStart emits a target_task_start event.
func (ew *Writer) EmitTargetStart(host, taskID string) error {
	return ew.Emit(KindTargetTaskStart, map[string]any{
		"host":      host,
		"task_uuid": taskID,
	})
}

// EmitTargetResult emits a terminal target event of the given kind.
func (ew *Writer) EmitTargetResult(kind Kind, host, taskID string, changed bool, result map[string]any) error {
	if !kind.IsTerminal() {
		return fmt.Errorf("emit target result: %s is not a terminal kind", kind)
	}
	data := map[string]any{
		"host":      host,
		"task_uuid": taskID,
		"changed":   changed,
	}
	if result != nil {
		data["result"] = result
	}
	return ew.Emit(kind, data)
}

// EmitRunComplete emits a run_complete event.
func (ew *Writer) EmitRunComplete(stats map[string]any, duration time.Duration) error {
	data := map[string]any{
		"duration": duration.Seconds(),
	}
	if stats != nil {
		data["stats"] = stats
	}
	return ew.Emit(KindRunComplete, data)
}
