// Package config loads playtrace configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or, failing that, the PLAYTRACE_CONFIG environment variable. Values the
// file leaves out keep their defaults. Without a file the defaults are
// used as they are.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "PLAYTRACE_CONFIG"

// Config is the complete playtrace configuration.
type Config struct {
	Channel    ChannelConfig    `yaml:"channel"`
	Emitter    EmitterConfig    `yaml:"emitter"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Log        LogConfig        `yaml:"log"`
}

// ChannelConfig controls the event socket.
type ChannelConfig struct {
	// Dir holds the per-run sockets. Empty means the system temp dir.
	Dir string `yaml:"dir"`
	// MaxRecordBytes bounds a single event record.
	MaxRecordBytes int `yaml:"max_record_bytes"`
}

// EmitterConfig describes how the supervised process is told to emit
// events.
type EmitterConfig struct {
	// SocketEnv carries the socket path into the child.
	SocketEnv string `yaml:"socket_env"`
	// Plugin is the callback plugin name to enable.
	Plugin string `yaml:"plugin"`
	// PluginDir is an existing directory containing the plugin. When empty
	// the bundled plugin is installed into a private directory per run.
	PluginDir string `yaml:"plugin_dir"`
	// EnableEnv lists enabled callbacks in the child (comma separated).
	EnableEnv string `yaml:"enable_env"`
	// PluginPathEnv lists callback plugin directories in the child
	// (colon separated).
	PluginPathEnv string `yaml:"plugin_path_env"`
}

// SupervisorConfig controls process supervision.
type SupervisorConfig struct {
	// Command is the executable used when a run names none.
	Command string `yaml:"command"`
	// ExitGrace is how long to wait for the stream to drain after the
	// process exits before resolving the run from the exit status.
	ExitGrace string `yaml:"exit_grace"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Channel: ChannelConfig{
			MaxRecordBytes: 16 * 1024 * 1024,
		},
		Emitter: EmitterConfig{
			SocketEnv:     "PLAYTRACE_SOCKET",
			Plugin:        "playtrace_progress",
			EnableEnv:     "ANSIBLE_CALLBACKS_ENABLED",
			PluginPathEnv: "ANSIBLE_CALLBACK_PLUGINS",
		},
		Supervisor: SupervisorConfig{
			Command:   "ansible-playbook",
			ExitGrace: "2s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path, or the file named by PLAYTRACE_CONFIG when
// path is empty. With neither set it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates one config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Channel.Dir = os.ExpandEnv(cfg.Channel.Dir)
	cfg.Emitter.PluginDir = os.ExpandEnv(cfg.Emitter.PluginDir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed up by defaults.
func (c *Config) Validate() error {
	if c.Emitter.SocketEnv == "" {
		return fmt.Errorf("emitter.socket_env must not be empty")
	}
	if c.Emitter.Plugin == "" {
		return fmt.Errorf("emitter.plugin must not be empty")
	}
	if c.Channel.MaxRecordBytes < 0 {
		return fmt.Errorf("channel.max_record_bytes must not be negative")
	}
	if _, err := c.Supervisor.ExitGraceDuration(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// ExitGraceDuration parses ExitGrace. Empty means no grace period.
func (s SupervisorConfig) ExitGraceDuration() (time.Duration, error) {
	if s.ExitGrace == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.ExitGrace)
	if err != nil {
		return 0, fmt.Errorf("supervisor.exit_grace: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("supervisor.exit_grace must not be negative")
	}
	return d, nil
}
