// Package main is the lldebug console, a line-oriented front-end. It
// listens for an lldebug host and drives the session from the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/dshills/lldebug/internal/config"
	"github.com/dshills/lldebug/internal/remote"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const prompt = "(lldebug) "

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "lldebug.toml", "Path to configuration file (.toml or .yaml)")
	flag.StringVar(&host, "host", "", "Listen host (default from config)")
	flag.IntVar(&port, "port", 0, "Listen port (default from config)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lldebug-console - interactive front-end for lldebug\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lldebug-console [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("lldebug-console %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if host != "" {
		cfg.Remote.Host = host
	}
	if port != 0 {
		cfg.Remote.Port = port
	}

	ln, err := remote.Listen(cfg.Remote.Address())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("waiting for lldebug on %s\n", ln.Addr())
	client, err := ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer client.Close()
	stop()

	readLine, out, restore, err := newLineReader()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer restore()

	c := newConsole(client, out)
	c.printf("engine connected (h for help)\n")

	go func() {
		<-client.Done()
		if err := client.Err(); err != nil && !errors.Is(err, io.EOF) {
			c.printf("connection lost: %v\n", err)
		}
	}()

	for {
		line, err := readLine()
		if err != nil {
			// Ctrl-D or end of input detaches without killing the script.
			_ = c.quit(context.Background(), nil)
			return 0
		}
		if err := c.execute(context.Background(), line); err != nil {
			if errors.Is(err, errQuit) {
				return 0
			}
			if errors.Is(err, remote.ErrClientClosed) {
				c.printf("engine disconnected\n")
				return 0
			}
			c.printf("%v\n", err)
		}
	}
}

// newLineReader returns a line editor on a terminal and a plain line
// scanner otherwise. Output written to out does not corrupt the prompt.
func newLineReader() (readLine func() (string, error), out io.Writer, restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		scanner := bufio.NewScanner(os.Stdin)
		readLine = func() (string, error) {
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return scanner.Text(), nil
		}
		return readLine, os.Stdout, func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("terminal raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	return t.ReadLine, t, func() { _ = term.Restore(fd, state) }, nil
}
