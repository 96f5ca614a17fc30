//go:build unix

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/playtrace/pkg/channel"
	"github.com/ormasoftchile/playtrace/pkg/config"
	"github.com/ormasoftchile/playtrace/pkg/event"
	"github.com/ormasoftchile/playtrace/pkg/status"
)

// producerEnv makes the test binary act as a producer that writes a
// whole run and exits immediately.
const producerEnv = "PLAYTRACE_TEST_PRODUCER"

func TestMain(m *testing.M) {
	if os.Getenv(producerEnv) == "1" {
		os.Exit(runProducer())
	}
	os.Exit(m.Run())
}

func runProducer() int {
	w, err := event.Dial(os.Getenv(config.Default().Emitter.SocketEnv))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	steps := []error{
		w.EmitRunStart("fast.yml", "/pb/fast.yml"),
		w.EmitPlayStart("Fast", "p1", []string{"web1"}),
		w.EmitTaskStart(event.TaskStart{Name: "Touch", ID: "t1", Action: "file"}),
		w.EmitTargetStart("web1", "t1"),
		w.EmitTargetResult(event.KindTargetChanged, "web1", "t1", true, nil),
		w.EmitRunComplete(map[string]any{"web1": map[string]any{"changed": 1}}, time.Second),
		w.Close(),
	}
	for _, err := range steps {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 4
		}
	}
	return 0
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := config.Default()
	cfg.Channel.Dir = t.TempDir()
	cfg.Supervisor.ExitGrace = "500ms"
	s, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// shell runs script under sh with stdin held open until the returned
// release function is called.
func shell(script string) (Descriptor, func()) {
	r, w := io.Pipe()
	return Descriptor{
		Name:    "test",
		Command: "sh",
		Args:    []string{"-c", script},
		Stdin:   r,
	}, func() { w.Close() }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitResult(t *testing.T, h *RunHandle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return res
}

// produceUntilTarget writes run → play → task → target web1 started.
func produceUntilTarget(t *testing.T, w *event.Writer) {
	t.Helper()
	steps := []error{
		w.EmitRunStart("site.yml", "/pb/site.yml"),
		w.EmitPlayStart("Deploy", "p1", []string{"web"}),
		w.EmitTaskStart(event.TaskStart{Name: "Install pkg", ID: "t1", Action: "pkg"}),
		w.EmitTargetStart("web1", "t1"),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("emit step %d: %v", i, err)
		}
	}
}

func hasTarget(s *Supervisor) func() bool {
	return func() bool {
		snap := s.Snapshot()
		return snap.Run != nil && len(snap.Run.Plays) == 1 &&
			len(snap.Run.Plays[0].Tasks) == 1 && snap.Run.Plays[0].Tasks[0].Target("web1") != nil
	}
}

func TestStartRun_ExplicitCompletion(t *testing.T) {
	s := testSupervisor(t)
	d, release := shell("read line; exit 2")
	h, err := s.StartRun(context.Background(), d)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if !h.IsRunning() {
		t.Fatal("handle not running after start")
	}

	w, err := event.Dial(h.Endpoint())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	produceUntilTarget(t, w)
	if err := w.EmitTargetResult(event.KindTargetChanged, "web1", "t1", true, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.EmitRunComplete(map[string]any{"web1": map[string]any{"changed": 1}}, 3*time.Second); err != nil {
		t.Fatal(err)
	}
	w.Close()

	waitFor(t, "explicit completion", func() bool {
		snap := s.Snapshot()
		return snap.Run != nil && snap.Run.Completed()
	})
	if !h.IsRunning() {
		t.Error("handle stopped running before the process exited")
	}
	release()

	res := waitResult(t, h)
	if res.Outcome != status.OutcomeCompleted || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", res.ExitCode)
	}

	snap := s.Snapshot()
	if snap.Run.Status != status.Changed {
		t.Errorf("run status = %s, want changed", snap.Run.Status)
	}
	if snap.Run.Counters != (status.Counters{Changed: 1}) {
		t.Errorf("counters = %+v", snap.Run.Counters)
	}
	if snap.Run.ExitCode != nil {
		t.Error("process exit was applied over an explicit completion")
	}
}

func TestStartRun_AbnormalTermination(t *testing.T) {
	s := testSupervisor(t)
	d, release := shell("read line; exit 3")
	h, err := s.StartRun(context.Background(), d)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	w, err := event.Dial(h.Endpoint())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	produceUntilTarget(t, w)
	w.Close()
	waitFor(t, "target web1", hasTarget(s))
	release()

	res := waitResult(t, h)
	if res.Outcome != status.OutcomeCrashed || !errors.Is(res.Err, ErrAbnormalTermination) {
		t.Errorf("result = %+v", res)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d", res.ExitCode)
	}

	tr := s.Snapshot().Run.Plays[0].Tasks[0].Target("web1")
	if tr.Status != status.Failed || !tr.Forced {
		t.Errorf("target = %s forced=%v, want forced failed", tr.Status, tr.Forced)
	}
}

func TestStartRun_UnterminatedFinalRecord(t *testing.T) {
	s := testSupervisor(t)
	d, release := shell("read line")
	defer release()
	h, err := s.StartRun(context.Background(), d)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	conn, err := net.Dial("unix", h.Endpoint())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	record := `{"type":"playbook_start","timestamp":"2024-05-01T10:00:00Z","data":{"playbook":"tail.yml"}}`
	if _, err := conn.Write([]byte(record)); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	waitFor(t, "flushed run_start", func() bool {
		snap := s.Snapshot()
		return snap.Run != nil && snap.Run.Name == "tail.yml" && snap.Run.StreamClosed
	})
}

func TestCancel_ReportsStopped(t *testing.T) {
	s := testSupervisor(t)
	h, err := s.StartRun(context.Background(), Descriptor{
		Command: "sh",
		Args:    []string{"-c", "exec sleep 30"},
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	w, err := event.Dial(h.Endpoint())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	produceUntilTarget(t, w)
	waitFor(t, "target web1", hasTarget(s))

	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !h.CancelRequested() {
		t.Error("cancel not recorded")
	}

	res := waitResult(t, h)
	w.Close()
	if res.Outcome != status.OutcomeStopped || !errors.Is(res.Err, ErrStopped) {
		t.Errorf("result = %+v", res)
	}
	if h.IsRunning() {
		t.Error("handle still running")
	}
	snap := s.Snapshot()
	if snap.Run.Outcome != status.OutcomeStopped || snap.Run.Status != status.Failed {
		t.Errorf("run = %s outcome %q", snap.Run.Status, snap.Run.Outcome)
	}
}

func TestStartRun_ContextCancels(t *testing.T) {
	s := testSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.StartRun(ctx, Descriptor{Command: "sh", Args: []string{"-c", "exec sleep 30"}})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	cancel()

	res := waitResult(t, h)
	if res.Outcome != status.OutcomeStopped {
		t.Errorf("outcome = %q, want stopped", res.Outcome)
	}
}

func TestStartRun_InjectsEnvironment(t *testing.T) {
	s := testSupervisor(t)
	var out bytes.Buffer
	h, err := s.StartRun(context.Background(), Descriptor{
		Command: "sh",
		Args: []string{"-c",
			`printf '%s\n%s\n%s\n%s\n' "$PLAYTRACE_SOCKET" "$ANSIBLE_CALLBACKS_ENABLED" "$ANSIBLE_CALLBACK_PLUGINS" "$EXTRA"`},
		Env:    []string{"EXTRA=kept", "ANSIBLE_CALLBACKS_ENABLED=timer"},
		Stdout: &out,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitResult(t, h)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("output = %q", out.String())
	}
	if lines[0] != h.Endpoint() {
		t.Errorf("socket = %q, want %q", lines[0], h.Endpoint())
	}
	if lines[1] != "timer,playtrace_progress" {
		t.Errorf("callbacks enabled = %q", lines[1])
	}
	if !strings.Contains(filepath.Base(strings.Split(lines[2], ":")[0]), "playtrace-plugin-") {
		t.Errorf("plugin path = %q", lines[2])
	}
	if lines[3] != "kept" {
		t.Errorf("descriptor env lost: %q", lines[3])
	}
	if _, err := os.Stat(strings.Split(lines[2], ":")[0]); !os.IsNotExist(err) {
		t.Errorf("plugin dir not cleaned up: %v", err)
	}
}

func TestStartRun_ChannelUnavailable(t *testing.T) {
	s := testSupervisor(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s.cfg.Channel.Dir = filepath.Join(blocker, "sockets")

	marker := filepath.Join(t.TempDir(), "spawned")
	_, err := s.StartRun(context.Background(), Descriptor{
		Command: "sh",
		Args:    []string{"-c", "touch " + marker},
	})
	if !errors.Is(err, channel.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ErrChannelUnavailable", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("process was spawned despite channel failure")
	}
	if s.Active() != nil {
		t.Error("failed start left an active run")
	}
}

func TestStartRun_CommandNotFound(t *testing.T) {
	s := testSupervisor(t)
	_, err := s.StartRun(context.Background(), Descriptor{Command: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Fatal("expected start error")
	}
}

func TestStartRun_SupersedesActiveRun(t *testing.T) {
	s := testSupervisor(t)
	first, err := s.StartRun(context.Background(), Descriptor{Command: "sh", Args: []string{"-c", "exec sleep 30"}})
	if err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	w, err := event.Dial(first.Endpoint())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	produceUntilTarget(t, w)
	waitFor(t, "first run target", hasTarget(s))

	d, release := shell("read line")
	defer release()
	second, err := s.StartRun(context.Background(), d)
	if err != nil {
		t.Fatalf("second StartRun: %v", err)
	}
	if second.Epoch() <= first.Epoch() {
		t.Errorf("epochs %d then %d", first.Epoch(), second.Epoch())
	}
	if s.Active() != second {
		t.Error("active run not replaced")
	}

	res := waitResult(t, first)
	if res.Outcome != status.OutcomeStopped {
		t.Errorf("first outcome = %q, want stopped", res.Outcome)
	}
	// Late writes from the first producer must not reach the new epoch.
	_ = w.EmitTargetResult(event.KindTargetFailed, "web1", "t1", false, nil)
	w.Close()

	snap := s.Snapshot()
	if snap.Epoch != second.Epoch() || snap.Run != nil {
		t.Errorf("snapshot after supersede = epoch %d run %+v", snap.Epoch, snap.Run)
	}
}

func TestStartRun_RecordsStream(t *testing.T) {
	s := testSupervisor(t)
	record := filepath.Join(t.TempDir(), "events.jsonl")
	t.Setenv("PLAYTRACE_TEST_SECRET", "web1")
	d, release := shell("read line")
	d.RecordPath = record
	d.RedactEnv = []string{"PLAYTRACE_TEST_SECRET"}
	h, err := s.StartRun(context.Background(), d)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	w, err := event.Dial(h.Endpoint())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	produceUntilTarget(t, w)
	w.Close()
	waitFor(t, "target web1", hasTarget(s))
	release()
	waitResult(t, h)

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 4 {
		t.Errorf("recorded %d records, want 4", n)
	}
	if strings.Contains(string(data), "web1") || !strings.Contains(string(data), "<REDACTED>") {
		t.Errorf("secret not redacted:\n%s", data)
	}
}

func TestStartRun_AfterClose(t *testing.T) {
	s := testSupervisor(t)
	s.Close()
	if _, err := s.StartRun(context.Background(), Descriptor{Command: "true"}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestStartRun_ProducerExitsRightAfterWriting(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	s := testSupervisor(t)
	for i := 0; i < 10; i++ {
		h, err := s.StartRun(context.Background(), Descriptor{
			Name:    "fast",
			Command: exe,
			Env:     []string{producerEnv + "=1"},
		})
		if err != nil {
			t.Fatalf("run %d: StartRun: %v", i, err)
		}
		res := waitResult(t, h)
		if res.Outcome != status.OutcomeCompleted || res.Err != nil || res.ExitCode != 0 {
			t.Fatalf("run %d: result = %+v", i, res)
		}
		snap := s.Snapshot()
		if snap.Run == nil || snap.Run.Name != "fast.yml" {
			t.Fatalf("run %d: tree lost: %+v", i, snap.Run)
		}
		if snap.Run.Counters.Changed != 1 {
			t.Errorf("run %d: counters = %+v, want one changed", i, snap.Run.Counters)
		}
	}
}

func TestCancel_AfterExitKeepsCrashed(t *testing.T) {
	s := testSupervisor(t)
	h, err := s.StartRun(context.Background(), Descriptor{Command: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// No producer connects, so the run stays unresolved for the grace
	// period after the process is reaped.
	select {
	case <-h.exited:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.CancelRequested() {
		t.Error("cancel recorded for an exited process")
	}

	res := waitResult(t, h)
	if res.Outcome != status.OutcomeCrashed || !errors.Is(res.Err, ErrAbnormalTermination) || res.ExitCode != 3 {
		t.Errorf("result = %+v, want crashed with code 3", res)
	}
}
