//go:build unix

package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ormasoftchile/playtrace/pkg/supervisor"
)

func TestHandleStartAndWait(t *testing.T) {
	h := testHandlers(t)
	ctx := context.Background()

	// The configured command is sh; the playbook lands in $0.
	result, err := h.HandleStart(ctx, request(map[string]any{
		"playbook": "site.yml",
		"args":     []any{"-c", "exit 5"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("start failed: %s", resultText(t, result))
	}
	var started struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &started); err != nil {
		t.Fatal(err)
	}
	if started.RunID == "" {
		t.Fatal("start returned no run_id")
	}

	result, err = h.HandleWait(ctx, request(map[string]any{"timeout_seconds": float64(10)}))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Outcome  string `json:"outcome"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error"`
		Manifest struct {
			RunID  string `json:"run_id"`
			Policy struct {
				Failed bool `json:"failed"`
			} `json:"policy"`
		} `json:"manifest"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Outcome != "crashed" || got.ExitCode != 5 || got.Error == "" {
		t.Errorf("wait result = %+v", got)
	}
	if got.Manifest.RunID != started.RunID {
		t.Errorf("manifest run_id = %q, want %q from start", got.Manifest.RunID, started.RunID)
	}
	if !result.IsError || !got.Manifest.Policy.Failed {
		t.Error("default policy did not fail a crashed run")
	}
}

func TestHandleWait_SupersededRun(t *testing.T) {
	h := testHandlers(t)
	ctx := context.Background()

	result, err := h.HandleStart(ctx, request(map[string]any{
		"playbook": "site.yml",
		"args":     []any{"-c", "sleep 10"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("start failed: %s", resultText(t, result))
	}

	// Another client replaces the run before it is waited on.
	if _, err := h.sup.StartRun(ctx, supervisor.Descriptor{Command: "sh", Args: []string{"-c", "sleep 10"}}); err != nil {
		t.Fatal(err)
	}

	result, err = h.HandleWait(ctx, request(map[string]any{"timeout_seconds": float64(10)}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !result.IsError || !strings.Contains(text, "superseded") {
		t.Errorf("wait result = %q, want a superseded error", text)
	}
	if strings.Contains(text, "manifest") {
		t.Errorf("superseded run reported the newer run's manifest: %s", text)
	}
}
