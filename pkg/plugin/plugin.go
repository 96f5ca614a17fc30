// Package plugin installs the bundled ansible callback plugin and builds
// the environment that makes a child process stream events to playtrace.
package plugin

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BundledName is the callback name of the bundled plugin.
const BundledName = "playtrace_progress"

// SocketEnvVar tells the plugin which variable holds the socket path.
const SocketEnvVar = "PLAYTRACE_SOCKET_ENV"

//go:embed callback/playtrace_progress.py
var source []byte

// Source returns the bundled plugin source.
func Source() []byte { return source }

// Install writes the bundled plugin into dir, creating it if needed, and
// returns the plugin file path.
func Install(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create plugin dir: %w", err)
	}
	path := filepath.Join(dir, BundledName+".py")
	if err := os.WriteFile(path, source, 0o600); err != nil {
		return "", fmt.Errorf("write plugin: %w", err)
	}
	return path, nil
}

// Env describes the variables injected into the child.
type Env struct {
	SocketEnv     string // receives Socket
	Socket        string
	Plugin        string // callback name to enable
	PluginDir     string // directory containing the plugin; empty to skip
	EnableEnv     string // comma separated list the plugin is added to
	PluginPathEnv string // colon separated list PluginDir is prepended to
}

// Environ returns base with the emitter variables set. Existing callback
// lists are extended rather than replaced so user-enabled callbacks keep
// working.
func Environ(base []string, e Env) []string {
	vars := parse(base)
	out := base

	out = setenv(out, e.SocketEnv, e.Socket)
	out = setenv(out, SocketEnvVar, e.SocketEnv)

	if e.EnableEnv != "" && e.Plugin != "" {
		out = setenv(out, e.EnableEnv, appendList(vars[e.EnableEnv], e.Plugin, ",", false))
	}
	if e.PluginPathEnv != "" && e.PluginDir != "" {
		out = setenv(out, e.PluginPathEnv, appendList(vars[e.PluginPathEnv], e.PluginDir, string(os.PathListSeparator), true))
	}
	return out
}

func parse(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// setenv replaces every occurrence of key in env.
func setenv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	prefix := key + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}

// appendList adds item to a separated list unless already present.
func appendList(list, item, sep string, prepend bool) string {
	if list == "" {
		return item
	}
	for _, existing := range strings.Split(list, sep) {
		if strings.TrimSpace(existing) == item {
			return list
		}
	}
	if prepend {
		return item + sep + list
	}
	return list + sep + item
}
