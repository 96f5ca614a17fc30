// Package manifest writes the run.yaml summary of a finished run.
package manifest

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/playtrace/pkg/status"
)

// Manifest records the metadata of one supervised or replayed run.
type Manifest struct {
	RunID           string                        `yaml:"run_id"                json:"run_id"`
	Playbook        string                        `yaml:"playbook"              json:"playbook"`
	SourcePath      string                        `yaml:"source_path,omitempty" json:"source_path,omitempty"`
	Command         []string                      `yaml:"command,omitempty"     json:"command,omitempty"`
	StartedAt       string                        `yaml:"started_at"            json:"started_at"`
	EndedAt         string                        `yaml:"ended_at"              json:"ended_at"`
	DurationSeconds float64                       `yaml:"duration_seconds"      json:"duration_seconds"`
	Status          status.Status                 `yaml:"status"                json:"status"`
	Outcome         status.Outcome                `yaml:"outcome"               json:"outcome"`
	ExitCode        *int                          `yaml:"exit_code,omitempty"   json:"exit_code,omitempty"`
	Counters        status.Counters               `yaml:"counters"              json:"counters"`
	Summary         map[string]status.TargetStats `yaml:"summary,omitempty"     json:"summary,omitempty"`
	Plays           []PlaySummary                 `yaml:"plays"                 json:"plays"`
	Recording       string                        `yaml:"recording,omitempty"   json:"recording,omitempty"`
	Policy          *PolicyRecord                 `yaml:"policy,omitempty"      json:"policy,omitempty"`
}

// PlaySummary is one play in the manifest.
type PlaySummary struct {
	Name   string        `yaml:"name"   json:"name"`
	Status status.Status `yaml:"status" json:"status"`
	Tasks  int           `yaml:"tasks"  json:"tasks"`
	Forced int           `yaml:"forced,omitempty" json:"forced,omitempty"`
}

// PolicyRecord captures the fail-on evaluation.
type PolicyRecord struct {
	Expression string `yaml:"expression" json:"expression"`
	Failed     bool   `yaml:"failed"     json:"failed"`
}

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxxxxxx.
func GenerateRunID(now time.Time) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", now.Format("20060102T150405"), suffix)
}

// Build produces a manifest from a run snapshot. A nil run yields a
// manifest with no plays and no outcome.
func Build(runID string, run *status.Run, ended time.Time) *Manifest {
	m := &Manifest{
		RunID:   runID,
		EndedAt: ended.UTC().Format(time.RFC3339),
		Plays:   []PlaySummary{},
	}
	if run == nil {
		return m
	}
	m.Playbook = run.Name
	m.SourcePath = run.SourcePath
	if !run.StartedAt.IsZero() {
		m.StartedAt = run.StartedAt.UTC().Format(time.RFC3339)
	}
	if run.DurationSeconds != nil {
		m.DurationSeconds = *run.DurationSeconds
	}
	m.Status = run.Status
	m.Outcome = run.Outcome
	m.ExitCode = run.ExitCode
	m.Counters = run.Counters
	m.Summary = run.Summary
	for _, p := range run.Plays {
		ps := PlaySummary{Name: p.Name, Status: p.Status, Tasks: len(p.Tasks)}
		for _, t := range p.Tasks {
			for _, tr := range t.Targets {
				if tr.Forced {
					ps.Forced++
				}
			}
		}
		m.Plays = append(m.Plays, ps)
	}
	return m
}

// Write marshals m to path as YAML.
func Write(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Read loads a manifest written by Write.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
