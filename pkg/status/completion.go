package status

import "github.com/ormasoftchile/playtrace/pkg/event"

// CompletionSignal ends a run. It is one of Explicit or ProcessExit.
// Explicit completion reported in the stream is authoritative; a
// ProcessExit arriving after it is ignored.
type CompletionSignal interface {
	isCompletionSignal()
}

// Explicit is the producer's own end-of-run report.
type Explicit struct {
	Stats           map[string]TargetStats
	DurationSeconds *float64
}

// ProcessExit is raised by the supervisor when the producing process ended
// without an explicit report.
type ProcessExit struct {
	Code      int
	Cancelled bool
}

func (Explicit) isCompletionSignal()    {}
func (ProcessExit) isCompletionSignal() {}

// explicitFrom reads a run_complete payload.
func explicitFrom(ev event.Event) Explicit {
	var sig Explicit
	if d, ok := ev.Float("duration"); ok {
		sig.DurationSeconds = &d
	}
	stats := ev.Map("stats")
	if len(stats) == 0 {
		return sig
	}
	sig.Stats = make(map[string]TargetStats, len(stats))
	for host, raw := range stats {
		row, _ := raw.(map[string]any)
		sig.Stats[host] = TargetStats{
			OK:          intField(row, "ok"),
			Changed:     intField(row, "changed"),
			Failures:    intField(row, "failures"),
			Unreachable: intField(row, "unreachable"),
			Skipped:     intField(row, "skipped"),
			Rescued:     intField(row, "rescued"),
			Ignored:     intField(row, "ignored"),
		}
	}
	return sig
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
