package config

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/dshills/lldebug/internal/logging"
)

// memFS is an in-memory FileSystem.
type memFS map[string]string

func (m memFS) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(data), nil
}

func noEnv(string) (string, bool) { return "", false }

func newTestLoader(files memFS, env map[string]string) *Loader {
	lookup := noEnv
	if env != nil {
		lookup = func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}
	}
	return NewLoader(
		WithFileSystem(files),
		WithEnvLoader(NewEnvLoaderWithLookup(EnvPrefix, lookup)),
	)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Remote.Address() != "localhost:51123" {
		t.Errorf("expected localhost:51123, got %s", cfg.Remote.Address())
	}
	if cfg.Debug.QueueCapacity != 50 {
		t.Errorf("expected queue capacity 50, got %d", cfg.Debug.QueueCapacity)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := newTestLoader(memFS{}, nil).Load("nope.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.Port != DefaultPort {
		t.Errorf("expected default port, got %d", cfg.Remote.Port)
	}
}

func TestLoad_TOML(t *testing.T) {
	files := memFS{"lldebug.toml": `
[remote]
host = "10.0.0.2"
port = 6000
dial_timeout = "2s"

[logging]
level = "debug"

[debug]
stop_on_entry = true
queue_capacity = 10
`}

	cfg, err := newTestLoader(files, nil).Load("lldebug.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.Address() != "10.0.0.2:6000" {
		t.Errorf("unexpected address %s", cfg.Remote.Address())
	}
	if cfg.Remote.Timeout() != 2*time.Second {
		t.Errorf("unexpected timeout %v", cfg.Remote.Timeout())
	}
	if cfg.Logging.LogLevel() != logging.LevelDebug {
		t.Errorf("unexpected level %v", cfg.Logging.LogLevel())
	}
	if !cfg.Debug.StopOnEntry || cfg.Debug.QueueCapacity != 10 {
		t.Errorf("unexpected debug section %+v", cfg.Debug)
	}
}

func TestLoad_YAML(t *testing.T) {
	files := memFS{"lldebug.yaml": `
remote:
  port: 7000
debug:
  watch_sources: true
`}

	cfg, err := newTestLoader(files, nil).Load("lldebug.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.Port != 7000 {
		t.Errorf("expected port 7000, got %d", cfg.Remote.Port)
	}
	if cfg.Remote.Host != DefaultHost {
		t.Errorf("expected default host to survive, got %q", cfg.Remote.Host)
	}
	if !cfg.Debug.WatchSources {
		t.Error("expected watch_sources to be set")
	}
}

func TestLoad_ParseError(t *testing.T) {
	files := memFS{"bad.toml": "[remote\nport = "}

	_, err := newTestLoader(files, nil).Load("bad.toml")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Path != "bad.toml" {
		t.Errorf("unexpected path %q", perr.Path)
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	files := memFS{"cfg.ini": "x=1"}

	_, err := newTestLoader(files, nil).Load("cfg.ini")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	files := memFS{"lldebug.toml": "[remote]\nport = 6000\n"}
	env := map[string]string{
		"LLDEBUG_PORT":          "6100",
		"LLDEBUG_HOST":          "debughost",
		"LLDEBUG_STOP_ON_ENTRY": "yes",
		"LLDEBUG_LOG_LEVEL":     "warn",
	}

	cfg, err := newTestLoader(files, env).Load("lldebug.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.Address() != "debughost:6100" {
		t.Errorf("unexpected address %s", cfg.Remote.Address())
	}
	if !cfg.Debug.StopOnEntry {
		t.Error("expected stop on entry from env")
	}
	if cfg.Logging.LogLevel() != logging.LevelWarn {
		t.Errorf("unexpected level %v", cfg.Logging.LogLevel())
	}
}

func TestLoad_EnvInvalidPort(t *testing.T) {
	_, err := newTestLoader(memFS{}, map[string]string{"LLDEBUG_PORT": "abc"}).Load("")
	if !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Remote.Host = "" }},
		{"port zero", func(c *Config) { c.Remote.Port = 0 }},
		{"port too large", func(c *Config) { c.Remote.Port = 70000 }},
		{"bad timeout", func(c *Config) { c.Remote.DialTimeout = "soon" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero capacity", func(c *Config) { c.Debug.QueueCapacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrValidationFailed) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRemoteTimeoutFallback(t *testing.T) {
	r := RemoteConfig{DialTimeout: "garbage"}
	if r.Timeout() != DefaultDialTimeout {
		t.Errorf("expected default timeout, got %v", r.Timeout())
	}
}
