package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of every lldebug environment variable.
const EnvPrefix = "LLDEBUG_"

// EnvLoader applies environment variable overrides.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a loader reading the process environment.
// The prefix should include the trailing underscore (e.g., "LLDEBUG_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		lookup: os.LookupEnv,
	}
}

// NewEnvLoaderWithLookup creates a loader with a custom lookup function.
func NewEnvLoaderWithLookup(prefix string, lookup func(string) (string, bool)) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		lookup: lookup,
	}
}

// Apply overrides cfg fields for every variable that is set.
// Note: Empty string values are treated as valid values, not as unset.
func (l *EnvLoader) Apply(cfg *Config) error {
	if v, ok := l.get("HOST"); ok {
		cfg.Remote.Host = v
	}
	if v, ok := l.get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Setting: l.prefix + "PORT", Reason: "not an integer"}
		}
		cfg.Remote.Port = port
	}
	if v, ok := l.get("DIAL_TIMEOUT"); ok {
		cfg.Remote.DialTimeout = v
	}
	if v, ok := l.get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := l.get("STOP_ON_ENTRY"); ok {
		cfg.Debug.StopOnEntry = parseBool(v)
	}
	if v, ok := l.get("WATCH_SOURCES"); ok {
		cfg.Debug.WatchSources = parseBool(v)
	}
	if v, ok := l.get("QUEUE_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Setting: l.prefix + "QUEUE_CAPACITY", Reason: "not an integer"}
		}
		cfg.Debug.QueueCapacity = n
	}
	return nil
}

func (l *EnvLoader) get(name string) (string, bool) {
	return l.lookup(l.prefix + name)
}

// parseBool accepts the usual spellings of true; everything else is false.
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true
	}
	return false
}
