package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ormasoftchile/playtrace/pkg/status"
)

func runSnapshot(epoch uint64, st status.Status, outcome status.Outcome) status.Snapshot {
	return status.Snapshot{
		Epoch: epoch,
		Run: &status.Run{
			Name:    "site.yml",
			Status:  st,
			Outcome: outcome,
			Plays: []*status.Play{{
				Name:   "Deploy",
				Status: st,
				Tasks: []*status.Task{{
					Name:    "Install packages",
					Status:  st,
					Targets: []*status.TargetResult{{Target: "web1", Status: st}},
				}},
			}},
		},
	}
}

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

func TestModel_RendersUpdates(t *testing.T) {
	m := sized(t, NewModel(Config{}))
	if !strings.Contains(m.View(), "waiting for events") {
		t.Errorf("initial view:\n%s", m.View())
	}

	next, _ := m.Update(updateMsg{Snapshot: runSnapshot(1, status.Running, status.OutcomeNone), Cause: status.CauseEvent})
	m = next.(Model)
	view := m.View()
	for _, want := range []string{"site.yml", "Deploy", "Install packages", "running"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "web1") {
		t.Errorf("targets shown before toggle:\n%s", view)
	}

	next, _ = m.Update(keyMsg("t"))
	m = next.(Model)
	if !strings.Contains(m.View(), "web1") {
		t.Errorf("targets hidden after toggle:\n%s", m.View())
	}
}

func TestModel_IgnoresSupersededEpoch(t *testing.T) {
	m := sized(t, NewModel(Config{}))
	next, _ := m.Update(updateMsg{Snapshot: runSnapshot(3, status.Running, status.OutcomeNone)})
	m = next.(Model)

	old := runSnapshot(2, status.Failed, status.OutcomeCrashed)
	old.Run.Name = "old.yml"
	next, _ = m.Update(updateMsg{Snapshot: old})
	m = next.(Model)
	if m.snap.Epoch != 3 || strings.Contains(m.View(), "old.yml") {
		t.Errorf("superseded update applied: epoch %d", m.snap.Epoch)
	}
}

func TestModel_CancelOnce(t *testing.T) {
	calls := 0
	m := sized(t, NewModel(Config{Cancel: func() error { calls++; return nil }}))

	next, cmd := m.Update(keyMsg("c"))
	m = next.(Model)
	if cmd == nil {
		t.Fatal("cancel key produced no command")
	}
	if msg := cmd(); msg != (cancelledMsg{}) {
		t.Errorf("cancel command returned %#v", msg)
	}
	if !strings.Contains(m.View(), "cancelling") {
		t.Errorf("view does not show cancelling:\n%s", m.View())
	}

	if _, cmd := m.Update(keyMsg("c")); cmd != nil {
		t.Error("second cancel issued another command")
	}
	if calls != 1 {
		t.Errorf("cancel called %d times, want 1", calls)
	}
}

func TestModel_CancelError(t *testing.T) {
	m := sized(t, NewModel(Config{Cancel: func() error { return nil }}))
	next, _ := m.Update(keyMsg("c"))
	m = next.(Model)
	next, _ = m.Update(cancelledMsg{err: errors.New("no such process")})
	m = next.(Model)
	if m.cancelling || !strings.Contains(m.View(), "no such process") {
		t.Errorf("cancel error not shown:\n%s", m.View())
	}
}

func TestModel_Finished(t *testing.T) {
	tests := []struct {
		name string
		snap status.Snapshot
		err  error
		want string
	}{
		{"completed", runSnapshot(1, status.OK, status.OutcomeCompleted), nil, "completed (ok)"},
		{"crashed", runSnapshot(1, status.Failed, status.OutcomeCrashed), errors.New("exited with code 3"), "crashed (failed): exited with code 3"},
		{"no run", status.Snapshot{Epoch: 1}, errors.New("start failed"), "start failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sized(t, NewModel(Config{Cancel: func() error { return nil }}))
			next, _ := m.Update(updateMsg{Snapshot: tt.snap})
			m = next.(Model)
			next, _ = m.Update(finishedMsg{err: tt.err})
			m = next.(Model)
			if !strings.Contains(m.View(), tt.want) {
				t.Errorf("view missing %q:\n%s", tt.want, m.View())
			}
			if _, cmd := m.Update(keyMsg("c")); cmd != nil {
				t.Error("cancel allowed after finish")
			}
		})
	}
}

func TestModel_Quit(t *testing.T) {
	m := NewModel(Config{})
	_, cmd := m.Update(keyMsg("q"))
	if cmd == nil {
		t.Fatal("quit key produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit key did not quit")
	}
}

func TestModel_ViewBeforeResize(t *testing.T) {
	m := NewModel(Config{Title: "nightly"})
	view := m.View()
	if !strings.Contains(view, "nightly") || !strings.Contains(view, "no run reported yet") {
		t.Errorf("view:\n%s", view)
	}
}
