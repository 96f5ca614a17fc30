// Package recorder copies an event stream to a file, one record per line,
// redacting secret values on the way.
package recorder

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ormasoftchile/playtrace/pkg/framer"
)

// Redacted replaces every secret value in a recording.
const Redacted = "<REDACTED>"

// Recorder wraps a writer and redacts secrets record by record. Records
// are only written once their newline arrives, so a secret split across
// two reads is still caught.
//
// Secrets are matched against decoded string values inside the record's
// data, so escaped forms are caught and keys, kinds and timestamps stay
// intact. Records that are not valid JSON fall back to byte matching of
// the raw and JSON-escaped value.
type Recorder struct {
	mu        sync.Mutex
	w         io.Writer
	secrets   []string
	escaped   [][]byte
	maxRecord int
	buf       []byte
	skipping  bool
	dropped   int
	err       error
}

// New creates a recorder writing to w.
func New(w io.Writer) *Recorder {
	return &Recorder{w: w, maxRecord: framer.DefaultMaxRecord}
}

// SetSecrets configures env var names whose current values are redacted.
// Unset or empty variables are ignored.
func (r *Recorder) SetSecrets(envVars []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = r.secrets[:0]
	r.escaped = r.escaped[:0]
	for _, name := range envVars {
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		r.secrets = append(r.secrets, val)
		r.escaped = append(r.escaped, []byte(val))
		if enc, err := json.Marshal(val); err == nil {
			if enc = enc[1 : len(enc)-1]; string(enc) != val {
				r.escaped = append(r.escaped, enc)
			}
		}
	}
}

// SetMaxRecord bounds a single record. Longer records are dropped up to
// their newline. Zero or less selects framer.DefaultMaxRecord.
func (r *Recorder) SetMaxRecord(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		n = framer.DefaultMaxRecord
	}
	r.maxRecord = n
}

// Dropped returns how many oversized records were left out.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Write buffers p and writes every complete record. After the first write
// error all further writes fail with it.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}

	data := p
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			r.buffer(data)
			break
		}
		switch {
		case r.skipping:
			r.skipping = false
		case len(r.buf)+idx > r.maxRecord:
			r.dropped++
		default:
			r.buf = append(r.buf, data[:idx]...)
			if err := r.emit(r.buf); err != nil {
				return 0, err
			}
		}
		r.buf = r.buf[:0]
		data = data[idx+1:]
	}
	return len(p), nil
}

// buffer keeps a partial record, switching to skip mode once it exceeds
// the record limit.
func (r *Recorder) buffer(partial []byte) {
	if r.skipping {
		return
	}
	if len(r.buf)+len(partial) > r.maxRecord {
		r.buf = r.buf[:0]
		r.skipping = true
		r.dropped++
		return
	}
	r.buf = append(r.buf, partial...)
}

// Flush writes a trailing record that never got its newline, terminating
// it so the recording replays the same records the live stream produced.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.skipping = false
	if len(r.buf) == 0 {
		return nil
	}
	err := r.emit(r.buf)
	r.buf = r.buf[:0]
	return err
}

// emit writes one record without its newline, then the newline.
func (r *Recorder) emit(record []byte) error {
	out := append(r.redact(record), '\n')
	if _, err := r.w.Write(out); err != nil {
		r.err = err
		return err
	}
	return nil
}

// redact returns record with secret values replaced by Redacted.
func (r *Recorder) redact(record []byte) []byte {
	if len(r.secrets) == 0 || len(bytes.TrimSpace(record)) == 0 {
		return bytes.Clone(record)
	}

	dec := json.NewDecoder(bytes.NewReader(record))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return r.redactBytes(record)
	}

	var changed bool
	if obj, ok := doc.(map[string]any); ok && obj["data"] != nil {
		obj["data"], changed = r.scrub(obj["data"])
	} else {
		doc, changed = r.scrub(doc)
	}
	if !changed {
		return bytes.Clone(record)
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return r.redactBytes(record)
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n"))
}

// scrub replaces secrets inside every string value of v.
func (r *Recorder) scrub(v any) (any, bool) {
	switch v := v.(type) {
	case string:
		out := v
		for _, s := range r.secrets {
			out = strings.ReplaceAll(out, s, Redacted)
		}
		return out, out != v
	case map[string]any:
		changed := false
		for k, e := range v {
			if ne, c := r.scrub(e); c {
				v[k] = ne
				changed = true
			}
		}
		return v, changed
	case []any:
		changed := false
		for i, e := range v {
			if ne, c := r.scrub(e); c {
				v[i] = ne
				changed = true
			}
		}
		return v, changed
	}
	return v, false
}

func (r *Recorder) redactBytes(record []byte) []byte {
	out := bytes.Clone(record)
	for _, s := range r.escaped {
		out = bytes.ReplaceAll(out, s, []byte(Redacted))
	}
	return out
}
