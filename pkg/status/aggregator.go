package status

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ormasoftchile/playtrace/pkg/event"
)

// Cause says why an Update was published.
type Cause string

const (
	CauseEvent      Cause = "event"
	CauseCompletion Cause = "completion"
	CauseDisconnect Cause = "disconnect"
	CauseReset      Cause = "reset"
)

// Snapshot is a deep copy of the tree at one point in time. Run is nil
// until the first run_start of the current epoch.
type Snapshot struct {
	Epoch uint64 `json:"epoch"`
	Run   *Run   `json:"run"`
}

// Update is published to subscribers after every mutation, in mutation order.
type Update struct {
	Snapshot
	Cause Cause `json:"cause"`
	// Event is the applied event for CauseEvent and nil otherwise.
	Event *event.Event `json:"event,omitempty"`
}

// Subscriber receives updates synchronously on the mutating goroutine.
// It may call Snapshot but must not call any mutating method.
type Subscriber func(Update)

// Aggregator owns the tree for one supervised process at a time. All
// methods are safe for concurrent use; events must still be applied in
// stream order by a single producer.
type Aggregator struct {
	// notifyMu serializes mutate-then-publish so that subscribers observe
	// updates in the order they were applied.
	notifyMu sync.Mutex

	mu         sync.Mutex
	epoch      uint64
	generation uint64
	run        *Run
	violations int

	subs    map[int]Subscriber
	nextSub int

	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an empty aggregator at epoch 0.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		subs:   make(map[int]Subscriber),
		logger: logger,
		now:    time.Now,
	}
}

// Epoch returns the current epoch.
func (a *Aggregator) Epoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Violations returns the number of events rejected since creation.
func (a *Aggregator) Violations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.violations
}

// Snapshot returns a deep copy of the current tree.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	s := Snapshot{Epoch: a.epoch}
	if a.run != nil {
		s.Run = a.run.clone()
	}
	return s
}

// Subscribe registers fn for updates and returns a function that removes it.
func (a *Aggregator) Subscribe(fn Subscriber) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// Reset discards the tree and starts a new epoch. Calls still carrying
// the previous epoch are ignored from now on.
func (a *Aggregator) Reset() uint64 {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	a.epoch++
	a.run = nil
	epoch := a.epoch
	subs := a.subscribersLocked()
	a.mu.Unlock()

	publish(subs, Update{Snapshot: Snapshot{Epoch: epoch}, Cause: CauseReset})
	return epoch
}

// Apply folds ev into the tree of the current epoch. A rejected event is
// logged, counted and returned as a *ViolationError; the tree is unchanged.
func (a *Aggregator) Apply(ev event.Event) error {
	return a.apply(0, false, ev)
}

// ApplyAt is Apply guarded by epoch. It returns ErrStaleEpoch without
// touching the tree if epoch is no longer current.
func (a *Aggregator) ApplyAt(epoch uint64, ev event.Event) error {
	return a.apply(epoch, true, ev)
}

func (a *Aggregator) apply(epoch uint64, checkEpoch bool, ev event.Event) error {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if checkEpoch && epoch != a.epoch {
		a.mu.Unlock()
		return ErrStaleEpoch
	}
	mutated, err := a.applyLocked(ev)
	if err != nil {
		a.violations++
		a.mu.Unlock()
		a.logger.Warn("ignoring event", "kind", ev.Kind, "error", err)
		return err
	}
	if !mutated {
		a.mu.Unlock()
		return nil
	}
	cause := CauseEvent
	if ev.Kind == event.KindRunComplete {
		cause = CauseCompletion
	}
	u := Update{Snapshot: a.snapshotLocked(), Cause: cause, Event: &ev}
	subs := a.subscribersLocked()
	a.mu.Unlock()

	publish(subs, u)
	return nil
}

// Complete applies a completion signal to the run of the given epoch.
// It reports whether the tree changed: a ProcessExit after an explicit
// completion, or with no run started, is a no-op.
func (a *Aggregator) Complete(epoch uint64, sig CompletionSignal) (bool, error) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if epoch != a.epoch {
		a.mu.Unlock()
		return false, ErrStaleEpoch
	}
	applied, err := a.completeLocked(sig)
	if err != nil || !applied {
		a.mu.Unlock()
		return false, err
	}
	u := Update{Snapshot: a.snapshotLocked(), Cause: CauseCompletion}
	subs := a.subscribersLocked()
	a.mu.Unlock()

	publish(subs, u)
	return true, nil
}

// Disconnected records that the producer closed its stream.
func (a *Aggregator) Disconnected(epoch uint64) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if epoch != a.epoch || a.run == nil || a.run.StreamClosed {
		a.mu.Unlock()
		return
	}
	a.run.StreamClosed = true
	u := Update{Snapshot: a.snapshotLocked(), Cause: CauseDisconnect}
	subs := a.subscribersLocked()
	a.mu.Unlock()

	publish(subs, u)
}

func (a *Aggregator) subscribersLocked() []Subscriber {
	if len(a.subs) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(a.subs))
	for i := 0; i < a.nextSub; i++ {
		if fn, ok := a.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func publish(subs []Subscriber, u Update) {
	for _, fn := range subs {
		fn(u)
	}
}

// applyLocked mutates the tree. It reports false for events that are
// accepted but carry nothing to record.
func (a *Aggregator) applyLocked(ev event.Event) (bool, error) {
	if ev.Kind == event.KindRunStart {
		a.startRun(ev)
		return true, nil
	}
	if a.run == nil {
		return false, violation(ev.Kind, "no run started")
	}
	if a.run.Completed() {
		return false, violation(ev.Kind, "run already completed")
	}

	switch {
	case ev.Kind == event.KindPlayStart:
		return true, a.startPlay(ev)
	case ev.Kind == event.KindTaskStart:
		return true, a.startTask(ev)
	case ev.Kind == event.KindTargetTaskStart:
		return true, a.startTarget(ev)
	case ev.Kind.IsTerminal():
		return true, a.finishTarget(ev)
	case ev.Kind.IsItem():
		return true, a.addItem(ev)
	case ev.Kind == event.KindTargetRetry:
		return true, a.retryTarget(ev)
	case ev.Kind == event.KindFileDiff:
		return true, a.addDiff(ev)
	case ev.Kind == event.KindInclude:
		a.logger.Debug("included file", "file", ev.Text("file"))
		return false, nil
	case ev.Kind == event.KindRunComplete:
		if _, err := a.completeLocked(explicitFrom(ev)); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, violation(ev.Kind, "unhandled kind")
}

func (a *Aggregator) startRun(ev event.Event) {
	if a.run != nil && !a.run.Completed() {
		a.logger.Warn("run restarted before completion", "previous", a.run.Name)
	}
	a.generation++
	name := ev.Text("playbook")
	if name == "" {
		name = ev.Text("name")
	}
	a.run = &Run{
		Generation: a.generation,
		Name:       name,
		SourcePath: ev.Text("path"),
		Status:     Running,
		StartedAt:  ev.Timestamp,
		Plays:      []*Play{},
	}
}

func (a *Aggregator) startPlay(ev event.Event) error {
	id := ev.Text("uuid")
	if id != "" && a.run.play(id) != nil {
		return violation(ev.Kind, "duplicate play %q", id)
	}
	p := &Play{
		Name:   ev.Text("name"),
		ID:     id,
		Status: Running,
		Tasks:  []*Task{},
	}
	for _, h := range ev.List("hosts") {
		if s, ok := h.(string); ok {
			p.Hosts = append(p.Hosts, s)
		}
	}
	a.run.Plays = append(a.run.Plays, p)
	a.run.refreshFrom(p, nil)
	return nil
}

func (a *Aggregator) startTask(ev event.Event) error {
	p := a.run.currentPlay()
	if p == nil {
		return violation(ev.Kind, "no play started")
	}
	id := ev.Text("uuid")
	if id != "" && p.Task(id) != nil {
		return violation(ev.Kind, "duplicate task %q", id)
	}
	t := &Task{
		Name:           ev.Text("name"),
		ID:             id,
		Action:         ev.Text("action"),
		InvocationArgs: ev.Map("args"),
		Source:         parseSourceLocation(ev.Text("path")),
		IsHandler:      ev.Bool("is_handler"),
		Status:         Running,
		Targets:        []*TargetResult{},
	}
	p.Tasks = append(p.Tasks, t)
	a.run.refreshFrom(p, t)
	return nil
}

// taskFor resolves the task an event refers to: by task_uuid within the
// current play, else the most recent task.
func (a *Aggregator) taskFor(ev event.Event) (*Play, *Task, error) {
	p := a.run.currentPlay()
	if p == nil {
		return nil, nil, violation(ev.Kind, "no play started")
	}
	if id := ev.Text("task_uuid"); id != "" {
		t := p.Task(id)
		if t == nil {
			return nil, nil, violation(ev.Kind, "unknown task %q", id)
		}
		return p, t, nil
	}
	t := p.lastTask()
	if t == nil {
		return nil, nil, violation(ev.Kind, "no task started")
	}
	return p, t, nil
}

// targetFor resolves the target an event refers to. Without a task_uuid
// the most recent task of the current play that knows the host wins.
func (a *Aggregator) targetFor(ev event.Event) (*Play, *Task, *TargetResult, error) {
	host := ev.Text("host")
	if host == "" {
		return nil, nil, nil, violation(ev.Kind, "missing host")
	}
	if ev.Text("task_uuid") == "" {
		if p := a.run.currentPlay(); p != nil {
			for i := len(p.Tasks) - 1; i >= 0; i-- {
				if tr := p.Tasks[i].Target(host); tr != nil {
					return p, p.Tasks[i], tr, nil
				}
			}
		}
	}
	p, t, err := a.taskFor(ev)
	if err != nil {
		return nil, nil, nil, err
	}
	tr := t.Target(host)
	if tr == nil {
		return nil, nil, nil, violation(ev.Kind, "target %q not started for task %q", host, t.Name)
	}
	return p, t, tr, nil
}

func (a *Aggregator) startTarget(ev event.Event) error {
	host := ev.Text("host")
	if host == "" {
		return violation(ev.Kind, "missing host")
	}
	p, t, err := a.taskFor(ev)
	if err != nil {
		return err
	}
	if t.Target(host) != nil {
		return violation(ev.Kind, "duplicate target %q for task %q", host, t.Name)
	}
	t.addTarget(&TargetResult{Target: host, Status: Running})
	a.run.refreshFrom(p, t)
	return nil
}

var terminalStatus = map[event.Kind]Status{
	event.KindTargetOK:          OK,
	event.KindTargetChanged:     Changed,
	event.KindTargetFailed:      Failed,
	event.KindTargetSkipped:     Skipped,
	event.KindTargetUnreachable: Unreachable,
}

func (a *Aggregator) finishTarget(ev event.Event) error {
	p, t, tr, err := a.targetFor(ev)
	if err != nil {
		return err
	}
	if tr.Status.Terminal() {
		return violation(ev.Kind, "target %q already %s", tr.Target, tr.Status)
	}

	st := terminalStatus[ev.Kind]
	changed := ev.Bool("changed") || st == Changed
	if st == OK && changed {
		st = Changed
	}
	tr.Status = st
	tr.Changed = changed
	tr.IgnoreErrors = ev.Bool("ignore_errors")
	if d, ok := ev.Float("duration"); ok {
		tr.DurationSeconds = &d
	}
	tr.Result = payloadFrom(ev.Map("result"))

	a.run.Counters.count(st)
	a.run.refreshFrom(p, t)
	return nil
}

func (a *Aggregator) addItem(ev event.Event) error {
	_, _, tr, err := a.targetFor(ev)
	if err != nil {
		return err
	}
	if tr.Status.Terminal() {
		return violation(ev.Kind, "item for finalized target %q", tr.Target)
	}
	item := ItemResult{
		Item:    ev.Data["item"],
		Changed: ev.Bool("changed"),
		Result:  ev.Map("result"),
	}
	switch ev.Kind {
	case event.KindTargetItemFailed:
		item.Status = Failed
	case event.KindTargetItemSkipped:
		item.Status = Skipped
	default:
		item.Status = OK
		if item.Changed {
			item.Status = Changed
		}
	}
	tr.Items = append(tr.Items, item)
	return nil
}

func (a *Aggregator) retryTarget(ev event.Event) error {
	_, _, tr, err := a.targetFor(ev)
	if err != nil {
		return err
	}
	if tr.Status.Terminal() {
		return violation(ev.Kind, "retry for finalized target %q", tr.Target)
	}
	if n, ok := ev.Float("attempts"); ok {
		tr.Attempts = int(n)
	} else {
		tr.Attempts++
	}
	return nil
}

func (a *Aggregator) addDiff(ev event.Event) error {
	_, _, tr, err := a.targetFor(ev)
	if err != nil {
		return err
	}
	if d, ok := ev.Data["diff"]; ok && d != nil {
		tr.Diffs = append(tr.Diffs, d)
	}
	return nil
}

// completeLocked applies sig and force-resolves whatever is still running.
// Counters only reflect reported results and are left alone.
func (a *Aggregator) completeLocked(sig CompletionSignal) (bool, error) {
	switch s := sig.(type) {
	case Explicit:
		if a.run == nil {
			return false, violation(event.KindRunComplete, "no run started")
		}
		if a.run.Completed() {
			return false, violation(event.KindRunComplete, "run already completed")
		}
		a.run.Summary = s.Stats
		a.run.DurationSeconds = s.DurationSeconds
		a.resolve(OK, ForceOK)
		a.run.Outcome = OutcomeCompleted
		return true, nil

	case ProcessExit:
		if a.run == nil || a.run.Completed() {
			return false, nil
		}
		code := s.Code
		a.run.ExitCode = &code
		d := a.now().Sub(a.run.StartedAt).Seconds()
		if d >= 0 && !a.run.StartedAt.IsZero() {
			a.run.DurationSeconds = &d
		}
		a.resolve(Failed, ForceFailed)
		a.run.Outcome = OutcomeCrashed
		if s.Cancelled {
			a.run.Outcome = OutcomeStopped
		}
		return true, nil
	}
	return false, errors.New("unknown completion signal")
}

func (a *Aggregator) resolve(forced Status, mode Resolution) {
	for _, p := range a.run.Plays {
		for _, t := range p.Tasks {
			for _, tr := range t.Targets {
				if tr.Status == Running {
					tr.Status = forced
					tr.Forced = true
				}
			}
		}
	}
	a.run.resolution = mode
	a.run.refresh()
}
