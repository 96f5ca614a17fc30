package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playtrace.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Emitter.SocketEnv != "PLAYTRACE_SOCKET" {
		t.Errorf("socket_env = %q", cfg.Emitter.SocketEnv)
	}
	if cfg.Emitter.Plugin != "playtrace_progress" {
		t.Errorf("plugin = %q", cfg.Emitter.Plugin)
	}
	if d, err := cfg.Supervisor.ExitGraceDuration(); err != nil || d != 2*time.Second {
		t.Errorf("exit grace = %v, %v", d, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_NoSourceUsesDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Supervisor.Command != "ansible-playbook" {
		t.Errorf("command = %q", cfg.Supervisor.Command)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	path := writeConfig(t, `
supervisor:
  exit_grace: 500ms
log:
  level: debug
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d, _ := cfg.Supervisor.ExitGraceDuration(); d != 500*time.Millisecond {
		t.Errorf("exit grace = %v", d)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	if cfg.Emitter.Plugin != "playtrace_progress" {
		t.Errorf("unset field lost its default: plugin = %q", cfg.Emitter.Plugin)
	}
}

func TestLoad_FlagWinsOverEnv(t *testing.T) {
	t.Setenv(EnvVar, writeConfig(t, "supervisor:\n  command: from-env\n"))
	cfg, err := Load(writeConfig(t, "supervisor:\n  command: from-flag\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Supervisor.Command != "from-flag" {
		t.Errorf("command = %q", cfg.Supervisor.Command)
	}
}

func TestLoadFile_ExpandsPaths(t *testing.T) {
	t.Setenv("PT_TEST_DIR", "/srv/pt")
	cfg, err := LoadFile(writeConfig(t, "channel:\n  dir: ${PT_TEST_DIR}/sockets\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Channel.Dir != "/srv/pt/sockets" {
		t.Errorf("dir = %q", cfg.Channel.Dir)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "channel: [", "parse config"},
		{"bad duration", "supervisor:\n  exit_grace: soon\n", "exit_grace"},
		{"negative duration", "supervisor:\n  exit_grace: -1s\n", "exit_grace"},
		{"empty socket env", "emitter:\n  socket_env: \"\"\n", "socket_env"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
