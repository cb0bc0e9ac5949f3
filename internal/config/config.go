package config

import (
	"net"
	"strconv"
	"time"

	"github.com/dshills/lldebug/internal/logging"
)

// Default values.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 51123
	DefaultDialTimeout   = 5 * time.Second
	DefaultQueueCapacity = 50
	DefaultLogLevel      = "info"
)

// Config is the resolved lldebug configuration.
type Config struct {
	Remote  RemoteConfig  `toml:"remote" yaml:"remote"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Debug   DebugConfig   `toml:"debug" yaml:"debug"`
}

// RemoteConfig describes where the front-end listens.
type RemoteConfig struct {
	// Host is the front-end host name.
	Host string `toml:"host" yaml:"host"`

	// Port is the front-end TCP port.
	Port int `toml:"port" yaml:"port"`

	// DialTimeout is a duration string such as "5s".
	DialTimeout string `toml:"dial_timeout" yaml:"dial_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`
}

// DebugConfig configures the session engine.
type DebugConfig struct {
	// StopOnEntry stops at the first executed line of the first chunk.
	StopOnEntry bool `toml:"stop_on_entry" yaml:"stop_on_entry"`

	// QueueCapacity bounds the outbound notification queue.
	QueueCapacity int `toml:"queue_capacity" yaml:"queue_capacity"`

	// WatchSources reports on-disk changes to loaded script files.
	WatchSources bool `toml:"watch_sources" yaml:"watch_sources"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Remote: RemoteConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			DialTimeout: DefaultDialTimeout.String(),
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
		Debug: DebugConfig{
			QueueCapacity: DefaultQueueCapacity,
		},
	}
}

// Address returns host:port.
func (r RemoteConfig) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Timeout returns the parsed dial timeout, or the default when unset or invalid.
func (r RemoteConfig) Timeout() time.Duration {
	if r.DialTimeout == "" {
		return DefaultDialTimeout
	}
	d, err := time.ParseDuration(r.DialTimeout)
	if err != nil || d <= 0 {
		return DefaultDialTimeout
	}
	return d
}

// LogLevel returns the parsed logging level.
func (l LoggingConfig) LogLevel() logging.Level {
	return logging.ParseLevel(l.Level)
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.Remote.Host == "" {
		return &ValidationError{Setting: "remote.host", Reason: "must not be empty"}
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		return &ValidationError{Setting: "remote.port", Reason: "must be between 1 and 65535"}
	}
	if c.Remote.DialTimeout != "" {
		if d, err := time.ParseDuration(c.Remote.DialTimeout); err != nil || d <= 0 {
			return &ValidationError{Setting: "remote.dial_timeout", Reason: "must be a positive duration"}
		}
	}
	if c.Logging.Level != "" && !logging.ValidLevel(c.Logging.Level) {
		return &ValidationError{Setting: "logging.level", Reason: "must be debug, info, warn, or error"}
	}
	if c.Debug.QueueCapacity <= 0 {
		return &ValidationError{Setting: "debug.queue_capacity", Reason: "must be positive"}
	}
	return nil
}
