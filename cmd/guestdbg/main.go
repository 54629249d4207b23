// Package main is the entry point for the guestdbg remote debugger client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/dshills/guestdbg/internal/app"
	"github.com/dshills/guestdbg/internal/script"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type cliOptions struct {
	app    app.Options
	script string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	application, err := app.New(opts.app)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		if err := application.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := application.Logger()
	dbg := script.ForSession(application.Session())

	// Scripts drive attach themselves.
	if opts.script != "" {
		state := script.NewState(dbg, script.WithLogger(logger.WithComponent("script")))
		defer state.Close()

		if err := state.RunFile(ctx, opts.script); err != nil {
			if errors.Is(err, context.Canceled) {
				return 130
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	cfg := application.Config()
	if err := application.Attach(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: attach %s: %v\n", cfg.Server.Address, err)
		return 1
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		if err := runPrompt(ctx, application, dbg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeSummary(os.Stdout, application.Session().ServerVersion(), dbg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags() cliOptions {
	var opts cliOptions
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.app.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.app.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.app.Address, "address", "", "Target host:port (overrides server.address)")
	flag.StringVar(&opts.app.Address, "a", "", "Target host:port (shorthand)")
	flag.StringVar(&opts.script, "script", "", "Run a Lua script against the session")
	flag.StringVar(&opts.script, "s", "", "Run a Lua script (shorthand)")
	flag.StringVar(&opts.app.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "guestdbg - remote debugger client for an emulated guest\n\n")
		fmt.Fprintf(os.Stderr, "Usage: guestdbg [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  guestdbg                          Attach and print modules and threads\n")
		fmt.Fprintf(os.Stderr, "  guestdbg -a 192.168.1.20:19000    Attach to a remote target\n")
		fmt.Fprintf(os.Stderr, "  guestdbg -s trace.lua             Run a script\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("guestdbg %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.app.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.app.LogLevel)
		os.Exit(1)
	}

	opts.app.Watch = true
	return opts
}
