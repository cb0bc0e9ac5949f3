// Package main is the entry point of the lldebug host. It runs Lua scripts
// under a debugging session connected to an lldebug front-end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/lldebug/internal/config"
	"github.com/dshills/lldebug/internal/debug"
	"github.com/dshills/lldebug/internal/logging"
	"github.com/dshills/lldebug/internal/remote"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	configPath  string
	host        string
	port        int
	logLevel    string
	stopOnEntry bool
	watch       bool
	scripts     []string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, set := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	applyFlags(&cfg, opts, set)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.LogLevel()
	logger := logging.New(logCfg)

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Remote.Timeout())
	defer cancel()

	addr := cfg.Remote.Address()
	session, err := debug.Open(cfg.Debug,
		debug.WithLogger(logger),
		debug.WithChannelFactory(remote.Factory(dialCtx, addr,
			remote.WithLogger(logger),
			remote.WithQueueCapacity(cfg.Debug.QueueCapacity),
		)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to front-end at %s: %v\n", addr, err)
		return 1
	}
	defer session.Close()
	logger.Info("session %s connected to %s", session.ID(), addr)

	// Handle signals: abort the running script and release any stop
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		if _, ok := <-signals; ok {
			session.Quit(true)
		}
	}()

	for _, path := range opts.scripts {
		if err := session.LoadFile(path); err != nil {
			if errors.Is(err, debug.ErrQuit) {
				return 0
			}
			var serr *debug.ScriptError
			if !errors.As(err, &serr) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			return 1
		}
	}
	return 0
}

// parseFlags returns the options and the names of the flags given on the
// command line.
func parseFlags() (options, map[string]bool) {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", "lldebug.toml", "Path to configuration file (.toml or .yaml)")
	flag.StringVar(&opts.configPath, "c", "lldebug.toml", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.host, "host", config.DefaultHost, "Front-end host")
	flag.IntVar(&opts.port, "port", config.DefaultPort, "Front-end port")
	flag.StringVar(&opts.logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.stopOnEntry, "stop-on-entry", false, "Stop at the first line of the first script")
	flag.BoolVar(&opts.watch, "watch", false, "Report on-disk changes to loaded scripts")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lldebug - Lua debugger host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lldebug [options] script.lua [more.lua...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lldebug main.lua                  Debug main.lua with the front-end on localhost:%d\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  lldebug -stop-on-entry main.lua   Stop before the first line\n")
		fmt.Fprintf(os.Stderr, "  lldebug -port 9000 main.lua       Use another front-end port\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("lldebug %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if !logging.ValidLevel(opts.logLevel) {
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}

	opts.scripts = flag.Args()
	if len(opts.scripts) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return opts, set
}

// applyFlags overrides cfg with the flags given on the command line, the
// highest configuration layer.
func applyFlags(cfg *config.Config, opts options, set map[string]bool) {
	if set["host"] {
		cfg.Remote.Host = opts.host
	}
	if set["port"] {
		cfg.Remote.Port = opts.port
	}
	if set["log-level"] {
		cfg.Logging.Level = opts.logLevel
	}
	if set["stop-on-entry"] {
		cfg.Debug.StopOnEntry = opts.stopOnEntry
	}
	if set["watch"] {
		cfg.Debug.WatchSources = opts.watch
	}
}
