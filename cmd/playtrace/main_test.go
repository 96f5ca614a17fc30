package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/logging"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte(`# comment
PLAYTRACE_TEST_A="quoted value"
export PLAYTRACE_TEST_B=plain
PLAYTRACE_TEST_C=from-file
not a pair
`), 0o644)
	t.Chdir(dir)
	t.Setenv("PLAYTRACE_TEST_C", "from-env")
	os.Unsetenv("PLAYTRACE_TEST_A")
	os.Unsetenv("PLAYTRACE_TEST_B")
	t.Cleanup(func() {
		os.Unsetenv("PLAYTRACE_TEST_A")
		os.Unsetenv("PLAYTRACE_TEST_B")
	})

	loadDotEnv()

	if got := os.Getenv("PLAYTRACE_TEST_A"); got != "quoted value" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("PLAYTRACE_TEST_B"); got != "plain" {
		t.Errorf("B = %q", got)
	}
	if got := os.Getenv("PLAYTRACE_TEST_C"); got != "from-env" {
		t.Errorf("C = %q, existing value overwritten", got)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("plain error exit = %d", got)
	}
	policyErr := &exitError{code: 2, err: errPolicyFailed}
	if got := exitCode(policyErr); got != 2 {
		t.Errorf("policy exit = %d", got)
	}
	if !errors.Is(policyErr, errPolicyFailed) {
		t.Error("exitError does not unwrap")
	}
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	agg := status.NewAggregator(logging.Discard())
	agg.Subscribe(progressPrinter(&out))

	apply := func(kind event.Kind, data map[string]any) {
		t.Helper()
		if err := agg.Apply(event.Event{Kind: kind, Data: data}); err != nil {
			t.Fatalf("apply %s: %v", kind, err)
		}
	}
	apply(event.KindRunStart, map[string]any{"playbook": "site.yml"})
	apply(event.KindPlayStart, map[string]any{"name": "Deploy", "uuid": "p1"})
	apply(event.KindTaskStart, map[string]any{"name": "Install", "uuid": "t1"})
	apply(event.KindTargetTaskStart, map[string]any{"host": "web1", "task_uuid": "t1"})
	apply(event.KindTargetTaskStart, map[string]any{"host": "web2", "task_uuid": "t1"})
	apply(event.KindTargetFailed, map[string]any{"host": "web2", "task_uuid": "t1"})
	apply(event.KindTargetOK, map[string]any{"host": "web1"})

	want := "PLAY Deploy\n  ✗ web2  Install\n  ✓ web1  Install\n"
	if out.String() != want {
		t.Errorf("progress =\n%s\nwant\n%s", out.String(), want)
	}
}

func TestValidateCommand(t *testing.T) {
	rootCmd.SetArgs([]string{"validate", "testdata/partial.jsonl"})
	if err := rootCmd.Execute(); err != nil {
		t.Errorf("validate partial.jsonl: %v", err)
	}

	rootCmd.SetArgs([]string{"validate", "../../pkg/replay/testdata/deploy.jsonl"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("validate deploy.jsonl: %v", err)
	}
}

func TestReplayCommand_PolicyExit(t *testing.T) {
	t.Cleanup(func() { replayFailOn, replayFinalize = "", false })

	// The partial recording has no run_complete, so the run never reaches
	// an outcome and the default policy fails it.
	rootCmd.SetArgs([]string{"replay", "testdata/partial.jsonl", "--log-level", "error"})
	err := rootCmd.Execute()
	if exitCode(err) != 2 {
		t.Errorf("replay partial: exit %d (%v)", exitCode(err), err)
	}

	rootCmd.SetArgs([]string{"replay", "testdata/partial.jsonl", "--fail-on", "failed > 0", "--log-level", "error"})
	if err := rootCmd.Execute(); err != nil {
		t.Errorf("replay with lenient policy: %v", err)
	}
}
