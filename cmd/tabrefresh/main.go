// Command tabrefresh is the tab auto-refresh daemon and its admin CLI.
//
// Usage:
//
//	tabrefresh serve -config tabrefresh.yaml       # run the daemon
//	tabrefresh filter -config f.yaml allow <pat>   # edit the URL filter lists
//	tabrefresh filter -config f.yaml list
//	tabrefresh sessions -config f.yaml             # dump persisted sessions
//	tabrefresh status -config f.yaml               # heartbeat, event counts, last notification
//	tabrefresh hash-token <token>                  # bcrypt hash for api.token_hash
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tabrefresh/config"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "serve":
		err = withConfig("serve", args, func(cfg *config.Config, logger *slog.Logger, _ []string) error {
			return runServe(ctx, logger, cfg)
		})
	case "filter":
		err = withConfig("filter", args, func(cfg *config.Config, _ *slog.Logger, rest []string) error {
			return runFilter(ctx, cfg, rest)
		})
	case "sessions":
		err = withConfig("sessions", args, func(cfg *config.Config, _ *slog.Logger, _ []string) error {
			return runSessions(ctx, cfg)
		})
	case "status":
		err = withConfig("status", args, func(cfg *config.Config, _ *slog.Logger, _ []string) error {
			return runStatus(ctx, cfg)
		})
	case "hash-token":
		err = runHashToken(args)
	case "version":
		fmt.Println("tabrefresh", version)
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("tabrefresh: fatal", "cmd", cmd, "error", err)
		os.Exit(1)
	}
}

// withConfig parses the common flags, loads the configuration and installs
// the JSON logger before calling fn with the remaining arguments.
func withConfig(name string, args []string, fn func(*config.Config, *slog.Logger, []string) error) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to tabrefresh.yaml (defaults apply when empty)")
	dbPath := fs.String("db", "", "override database path")
	listen := fs.String("listen", "", "override listen address")
	logLevel := fs.String("log-level", "", "override log_level: debug, info, warn, error")
	fs.Parse(args)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return err
		}
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	// stdout may carry MCP stdio frames; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return fn(cfg, logger, fs.Args())
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tabrefresh <command> [flags]

commands:
  serve       run the refresh daemon
  filter      allow|deny|remove <pattern>, or list
  sessions    print persisted sessions as JSON
  status      print daemon heartbeat, event counts and last notification
  hash-token  print the bcrypt hash of a bearer token
  version     print the version`)
}
