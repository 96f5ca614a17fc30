// Package status folds the ordered event stream of a playbook run into a
// Run → Play → Task → Target tree and derives every parent status from
// its children with a single rollup rule.
package status

// Status is the execution status of any node in the tree. Task, Play and
// Run statuses are always derived, never assigned from an event.
type Status string

const (
	Running     Status = "running"
	OK          Status = "ok"
	Changed     Status = "changed"
	Failed      Status = "failed"
	Skipped     Status = "skipped"
	Unreachable Status = "unreachable"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case Running, OK, Changed, Failed, Skipped, Unreachable:
		return true
	}
	return false
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s.Valid() && s != Running
}

// Resolution selects how still-running children are treated by Rollup.
type Resolution int

const (
	// Live: the run is in progress. A parent without children is running.
	Live Resolution = iota
	// ForceOK: completion was reported explicitly. In-flight children count
	// as successful and a parent without children is ok.
	ForceOK
	// ForceFailed: the producer went away without reporting completion.
	// In-flight children and childless parents count as failed.
	ForceFailed
)

func (r Resolution) String() string {
	switch r {
	case ForceOK:
		return "force_ok"
	case ForceFailed:
		return "force_failed"
	}
	return "live"
}

// Rollup derives a parent status from its children:
//
//  1. any failed or unreachable child → failed
//  2. else any changed child → changed
//  3. else any running child → running
//  4. else every child skipped → skipped
//  5. else → ok
//
// The same rule applies at every level of the tree. It is a pure function
// of its arguments.
func Rollup(children []Status, mode Resolution) Status {
	if len(children) == 0 {
		switch mode {
		case ForceOK:
			return OK
		case ForceFailed:
			return Failed
		}
		return Running
	}

	changed, running := false, false
	skipped := 0
	for _, c := range children {
		switch c {
		case Failed, Unreachable:
			return Failed
		case Changed:
			changed = true
		case Running:
			switch mode {
			case ForceFailed:
				return Failed
			case Live:
				running = true
			}
		case Skipped:
			skipped++
		}
	}

	switch {
	case changed:
		return Changed
	case running:
		return Running
	case skipped == len(children):
		return Skipped
	}
	return OK
}

// Outcome describes how a run ended. The zero value means it has not.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeCrashed   Outcome = "crashed"
	OutcomeStopped   Outcome = "stopped"
)
