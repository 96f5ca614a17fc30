// Package policy decides whether a finished run counts as a failure,
// using an expr-lang expression over the run's counters and outcome.
//
// Available variables: ok, changed, failed, skipped, unreachable (counters),
// forced (targets resolved at completion), outcome, status, duration,
// exit_code (-1 when unknown), plays, tasks, failed_targets.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ormasoftchile/playtrace/pkg/status"
)

// DefaultFailOn fails any run that did not complete cleanly.
const DefaultFailOn = `failed > 0 || unreachable > 0 || outcome != "completed"`

// Policy is a compiled fail-on expression.
type Policy struct {
	source  string
	program *vm.Program
}

// Compile parses expression. Empty selects DefaultFailOn.
func Compile(expression string) (*Policy, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		expression = DefaultFailOn
	}
	program, err := expr.Compile(expression, expr.Env(Env(&status.Run{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile policy %q: %w", expression, err)
	}
	return &Policy{source: expression, program: program}, nil
}

// String returns the expression source.
func (p *Policy) String() string { return p.source }

// Failed reports whether run violates the policy. A nil run (nothing was
// ever reported) is evaluated as an empty run with no outcome.
func (p *Policy) Failed(run *status.Run) (bool, error) {
	if run == nil {
		run = &status.Run{}
	}
	out, err := expr.Run(p.program, Env(run))
	if err != nil {
		return false, fmt.Errorf("eval policy %q: %w", p.source, err)
	}
	failed, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("policy %q did not return bool (got %T)", p.source, out)
	}
	return failed, nil
}

// Env builds the evaluation environment for run.
func Env(run *status.Run) map[string]any {
	forced, tasks := 0, 0
	failedTargets := map[string]bool{}
	for _, p := range run.Plays {
		tasks += len(p.Tasks)
		for _, t := range p.Tasks {
			for _, tr := range t.Targets {
				if tr.Forced {
					forced++
				}
				if tr.Status == status.Failed || tr.Status == status.Unreachable {
					failedTargets[tr.Target] = true
				}
			}
		}
	}
	names := make([]string, 0, len(failedTargets))
	for name := range failedTargets {
		names = append(names, name)
	}
	sort.Strings(names)

	exitCode := -1
	if run.ExitCode != nil {
		exitCode = *run.ExitCode
	}
	duration := 0.0
	if run.DurationSeconds != nil {
		duration = *run.DurationSeconds
	}

	return map[string]any{
		"ok":             run.Counters.OK,
		"changed":        run.Counters.Changed,
		"failed":         run.Counters.Failed,
		"skipped":        run.Counters.Skipped,
		"unreachable":    run.Counters.Unreachable,
		"forced":         forced,
		"outcome":        string(run.Outcome),
		"status":         string(run.Status),
		"duration":       duration,
		"exit_code":      exitCode,
		"plays":          len(run.Plays),
		"tasks":          tasks,
		"failed_targets": names,
	}
}
