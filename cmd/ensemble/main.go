// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the Ensemble CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jllopis/ensemble/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(NewInvalidArgumentError("flags", err.Error()), false)
	}
	if global.Help {
		printUsage()
		return
	}

	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "help":
		printUsage()
		return
	case "version":
		printVersion(global)
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(NewConfigError(err, configPath(global.ConfigArgs)), global.JSON)
	}

	switch cmd {
	case "run":
		err = runRun(ctx, global, cfg, args)
	case "mcp":
		err = runMCP(ctx, global, cfg, args)
	case "runs":
		err = runRuns(ctx, global, cfg, args)
	default:
		err = NewInvalidArgumentError("command", fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		fatal(err, global.JSON)
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config", arg == "--set", arg == "--profile", arg == "--env":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="), strings.HasPrefix(arg, "--set="),
			strings.HasPrefix(arg, "--profile="), strings.HasPrefix(arg, "--env="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := parseTimeout(args[i+1])
			if err != nil {
				return flags, nil, err
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := parseTimeout(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, err
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func parseTimeout(raw string) (time.Duration, error) {
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --timeout: %w", err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid --timeout: must not be negative")
	}
	return value, nil
}

// configPath returns the last --config value in args.
func configPath(args []string) string {
	var path string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		}
	}
	return path
}

// withTimeout bounds ctx by the global --timeout when one was given.
func withTimeout(ctx context.Context, flags globalFlags) (context.Context, context.CancelFunc) {
	if flags.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, flags.Timeout)
}

func printJSON(value any) {
	writeJSON(os.Stdout, value)
}

func writeJSON(w io.Writer, value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err, false)
	}
	fmt.Fprintln(w, string(payload))
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

// truncateMessage cuts value to at most limit runes.
func truncateMessage(value string, limit int) string {
	value = normalizeCell(value)
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(time.RFC3339)
}

func printVersion(flags globalFlags) {
	if flags.JSON {
		printJSON(map[string]string{"version": version})
		return
	}
	fmt.Println(version)
}

func printUsage() {
	fmt.Println(`Ensemble CLI

Usage:
  ensemble [global flags] [command] [args]

Global flags:
  --config <path>      Path to config.yaml
  --profile <name>     Load config.<name>.yaml on top of --config (alias --env)
  --set key=value      Override config (repeatable)
  --timeout <dur>      Bound the whole command (default: none)
  --json               JSON output

Commands:
  run [--task <text>] [--remote <url>]   Run a task (default command; prompts when --task is empty)
  mcp [--http <addr>]                    Serve execute_task and health over MCP (stdio by default)
  runs [--run <id>] [--limit N]          List journaled runs or the entries of one run
  version
  help`)
}
