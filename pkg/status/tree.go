package status

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ResultPayload is the structured data a unit of work returned for one
// target: either a single result or the list of per-iteration results of
// a looped task. Values are shared with the originating event and must be
// treated as read-only.
type ResultPayload interface {
	isResultPayload()
}

// Scalar is the result of a task that ran once for the target.
type Scalar struct {
	Value map[string]any
}

// Looped holds the per-iteration results of a looped task, verbatim.
type Looped struct {
	Items []any
}

func (Scalar) isResultPayload() {}
func (Looped) isResultPayload() {}

func (s Scalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"kind": "scalar", "value": s.Value})
}

func (l Looped) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"kind": "looped", "items": l.Items})
}

// payloadFrom classifies a result object once, at the event boundary.
// Ansible reports loop results under the "results" key.
func payloadFrom(result map[string]any) ResultPayload {
	if result == nil {
		return nil
	}
	if items, ok := result["results"].([]any); ok {
		return Looped{Items: items}
	}
	return Scalar{Value: result}
}

// SourceLocation points at the task definition.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
}

// parseSourceLocation splits "file.yml:42". Paths without a numeric
// suffix are kept whole.
func parseSourceLocation(path string) *SourceLocation {
	if path == "" {
		return nil
	}
	if i := strings.LastIndexByte(path, ':'); i > 0 {
		if line, err := strconv.Atoi(path[i+1:]); err == nil {
			return &SourceLocation{File: path[:i], Line: line}
		}
	}
	return &SourceLocation{File: path}
}

// ItemResult is one loop iteration reported before the target finalized.
type ItemResult struct {
	Item    any            `json:"item"`
	Status  Status         `json:"status"`
	Changed bool           `json:"changed,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// TargetResult is the outcome of one task on one target.
type TargetResult struct {
	Target          string        `json:"target"`
	Status          Status        `json:"status"`
	Changed         bool          `json:"changed"`
	DurationSeconds *float64      `json:"duration_seconds,omitempty"`
	Result          ResultPayload `json:"result,omitempty"`
	Items           []ItemResult  `json:"items,omitempty"`
	Attempts        int           `json:"attempts,omitempty"`
	Diffs           []any         `json:"diffs,omitempty"`
	IgnoreErrors    bool          `json:"ignore_errors,omitempty"`
	// Forced is set when the status was resolved at completion rather
	// than reported by a terminal event.
	Forced bool `json:"forced,omitempty"`
}

func (tr *TargetResult) clone() *TargetResult {
	c := *tr
	if tr.DurationSeconds != nil {
		d := *tr.DurationSeconds
		c.DurationSeconds = &d
	}
	c.Items = append([]ItemResult(nil), tr.Items...)
	c.Diffs = append([]any(nil), tr.Diffs...)
	return &c
}

// Task is one unit of work applied across targets.
type Task struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
	// InvocationArgs is captured at task_start and never changes. Every
	// target outcome of the task, loop items included, is read against it.
	InvocationArgs map[string]any   `json:"invocation_args,omitempty"`
	Source         *SourceLocation  `json:"source,omitempty"`
	IsHandler      bool             `json:"is_handler,omitempty"`
	Status         Status           `json:"status"`
	Targets        []*TargetResult  `json:"targets"`
	index          map[string]int
}

// Target returns the result for the named target, or nil.
func (t *Task) Target(name string) *TargetResult {
	if i, ok := t.index[name]; ok {
		return t.Targets[i]
	}
	return nil
}

func (t *Task) addTarget(tr *TargetResult) {
	if t.index == nil {
		t.index = make(map[string]int)
	}
	t.index[tr.Target] = len(t.Targets)
	t.Targets = append(t.Targets, tr)
}

func (t *Task) clone() *Task {
	c := *t
	c.Targets = make([]*TargetResult, len(t.Targets))
	c.index = make(map[string]int, len(t.Targets))
	for i, tr := range t.Targets {
		c.Targets[i] = tr.clone()
		c.index[tr.Target] = i
	}
	if t.Source != nil {
		src := *t.Source
		c.Source = &src
	}
	return &c
}

// Play is an ordered group of tasks.
type Play struct {
	Name   string   `json:"name"`
	ID     string   `json:"id"`
	Hosts  []string `json:"hosts,omitempty"`
	Status Status   `json:"status"`
	Tasks  []*Task  `json:"tasks"`
}

// Task returns the task with the given identifier, or nil.
func (p *Play) Task(id string) *Task {
	for i := len(p.Tasks) - 1; i >= 0; i-- {
		if p.Tasks[i].ID == id {
			return p.Tasks[i]
		}
	}
	return nil
}

func (p *Play) lastTask() *Task {
	if len(p.Tasks) == 0 {
		return nil
	}
	return p.Tasks[len(p.Tasks)-1]
}

func (p *Play) clone() *Play {
	c := *p
	c.Hosts = append([]string(nil), p.Hosts...)
	c.Tasks = make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		c.Tasks[i] = t.clone()
	}
	return &c
}

// Counters tally reported terminal target results.
type Counters struct {
	OK          int `json:"ok" yaml:"ok"`
	Changed     int `json:"changed" yaml:"changed"`
	Failed      int `json:"failed" yaml:"failed"`
	Skipped     int `json:"skipped" yaml:"skipped"`
	Unreachable int `json:"unreachable" yaml:"unreachable"`
}

func (c *Counters) count(s Status) {
	switch s {
	case OK:
		c.OK++
	case Changed:
		c.Changed++
	case Failed:
		c.Failed++
	case Skipped:
		c.Skipped++
	case Unreachable:
		c.Unreachable++
	}
}

// TargetStats is one row of the final per-target summary table.
type TargetStats struct {
	OK          int `json:"ok" yaml:"ok"`
	Changed     int `json:"changed" yaml:"changed"`
	Failures    int `json:"failures" yaml:"failures"`
	Unreachable int `json:"unreachable" yaml:"unreachable"`
	Skipped     int `json:"skipped" yaml:"skipped"`
	Rescued     int `json:"rescued" yaml:"rescued"`
	Ignored     int `json:"ignored" yaml:"ignored"`
}

// Run is the root of the tree.
type Run struct {
	// Generation increases with every run the aggregator has seen.
	Generation      uint64                 `json:"generation"`
	Name            string                 `json:"name"`
	SourcePath      string                 `json:"source_path,omitempty"`
	Status          Status                 `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	Counters        Counters               `json:"counters"`
	Summary         map[string]TargetStats `json:"summary,omitempty"`
	Outcome         Outcome                `json:"outcome,omitempty"`
	ExitCode        *int                   `json:"exit_code,omitempty"`
	StreamClosed    bool                   `json:"stream_closed,omitempty"`
	Plays           []*Play                `json:"plays"`
	resolution      Resolution
}

// Completed reports whether a completion signal has been applied.
func (r *Run) Completed() bool { return r.Outcome != OutcomeNone }

func (r *Run) currentPlay() *Play {
	if len(r.Plays) == 0 {
		return nil
	}
	return r.Plays[len(r.Plays)-1]
}

func (r *Run) play(id string) *Play {
	for _, p := range r.Plays {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *Run) clone() *Run {
	c := *r
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		c.DurationSeconds = &d
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	if r.Summary != nil {
		c.Summary = make(map[string]TargetStats, len(r.Summary))
		for k, v := range r.Summary {
			c.Summary[k] = v
		}
	}
	c.Plays = make([]*Play, len(r.Plays))
	for i, p := range r.Plays {
		c.Plays[i] = p.clone()
	}
	return &c
}

// refresh recomputes every derived status bottom-up.
func (r *Run) refresh() {
	for _, p := range r.Plays {
		for _, t := range p.Tasks {
			r.refreshTask(t)
		}
		r.refreshPlay(p)
	}
	r.refreshRun()
}

func (r *Run) refreshTask(t *Task) {
	children := make([]Status, len(t.Targets))
	for i, tr := range t.Targets {
		children[i] = tr.Status
	}
	t.Status = Rollup(children, r.resolution)
}

func (r *Run) refreshPlay(p *Play) {
	children := make([]Status, len(p.Tasks))
	for i, t := range p.Tasks {
		children[i] = t.Status
	}
	p.Status = Rollup(children, r.resolution)
}

func (r *Run) refreshRun() {
	children := make([]Status, len(r.Plays))
	for i, p := range r.Plays {
		children[i] = p.Status
	}
	r.Status = Rollup(children, r.resolution)
}

// refreshFrom recomputes the path from a task up to the run.
func (r *Run) refreshFrom(p *Play, t *Task) {
	if t != nil {
		r.refreshTask(t)
	}
	if p != nil {
		r.refreshPlay(p)
	}
	r.refreshRun()
}
