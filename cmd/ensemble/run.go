// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/jllopis/ensemble/pkg/config"
	"github.com/jllopis/ensemble/pkg/core"
	ensemblemcp "github.com/jllopis/ensemble/pkg/mcp"
	"github.com/jllopis/ensemble/pkg/orchestrator"
)

const taskPrompt = "Enter the task you want to complete: "

type runResult struct {
	RunID      string   `json:"run_id,omitempty"`
	Task       string   `json:"task"`
	Roles      []string `json:"roles,omitempty"`
	Subtasks   []string `json:"subtasks,omitempty"`
	Output     string   `json:"output"`
	Tokens     int      `json:"tokens,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Remote     string   `json:"remote,omitempty"`
}

func runRun(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	task := cmd.String("task", "", "Task to complete (prompted on stdin when empty)")
	remote := cmd.String("remote", "", "Run on a remote 'ensemble mcp --http' server at this URL")
	quiet := cmd.Bool("quiet", false, "Do not print step progress to stderr")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("run", err.Error())
	}
	if cmd.NArg() > 0 && *task == "" {
		*task = strings.Join(cmd.Args(), " ")
	}

	if strings.TrimSpace(*task) == "" {
		var err error
		*task, err = readTask(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
	}

	ctx, cancel := withTimeout(ctx, flags)
	defer cancel()

	if *remote != "" {
		return runRemote(ctx, flags, *remote, *task)
	}

	var emitters []core.EventEmitter
	if !*quiet && !flags.JSON && isTerminal(os.Stderr) {
		emitters = append(emitters, newProgressEmitter(os.Stderr))
	}
	a, err := newApp(cfg, appOptions{emitters: emitters})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()

	res, err := a.orch.Run(ctx, *task)
	if err != nil {
		return err
	}
	printRunResult(os.Stdout, flags.JSON, newRunResult(res))
	return nil
}

func runRemote(ctx context.Context, flags globalFlags, url, task string) error {
	opts := []ensemblemcp.ClientOption{}
	if flags.Timeout > 0 {
		opts = append(opts, ensemblemcp.WithTimeout(flags.Timeout))
	} else {
		// A run spans many completions; the client default is too short.
		opts = append(opts, ensemblemcp.WithTimeout(0))
	}
	client, err := ensemblemcp.NewClientWithStreamableHTTP(url, opts...)
	if err != nil {
		return WrapConnectionError(err, url)
	}
	defer client.Close()

	out, err := client.ExecuteTask(ctx, task)
	if err != nil {
		return err
	}
	printRunResult(os.Stdout, flags.JSON, runResult{Task: task, Output: out, Remote: url})
	return nil
}

// readTask prompts on out and reads a single line from in.
func readTask(in io.Reader, out io.Writer) (string, error) {
	fmt.Fprint(out, taskPrompt)
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", NewInvalidArgumentError("task", err.Error())
	}
	task := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(task) == "" {
		return "", NewInvalidArgumentError("task", "no task given")
	}
	return task, nil
}

func newRunResult(res *orchestrator.RunResult) runResult {
	roles := make([]string, 0, len(res.Roles))
	for _, r := range res.Roles {
		roles = append(roles, r.Role)
	}
	return runResult{
		RunID:      res.RunID,
		Task:       res.Task,
		Roles:      roles,
		Subtasks:   res.Subtasks,
		Output:     res.Output,
		Tokens:     res.Usage.TotalTokens,
		DurationMs: res.Duration.Milliseconds(),
	}
}

func printRunResult(w io.Writer, asJSON bool, res runResult) {
	if asJSON {
		writeJSON(w, res)
		return
	}
	fmt.Fprintf(w, "Final output: %s\n", res.Output)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressEmitter prints one line per pipeline step so interactive users can
// follow a long run.
type progressEmitter struct {
	w io.Writer
}

func newProgressEmitter(w io.Writer) *progressEmitter {
	return &progressEmitter{w: w}
}

func (p *progressEmitter) Emit(_ context.Context, ev core.Event) {
	if line := progressLine(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func progressLine(ev core.Event) string {
	switch ev.Type {
	case core.EventRolesAnalyzed:
		roles, _ := ev.Payload["roles"].([]string)
		return fmt.Sprintf("[analyze] roles: %s", strings.Join(roles, ", "))
	case core.EventSubtasksDecomposed:
		subtasks, _ := ev.Payload["subtasks"].([]string)
		return fmt.Sprintf("[decompose] %d subtasks", len(subtasks))
	case core.EventSubtaskAssigned:
		return fmt.Sprintf("[assign] #%d -> %s", ev.SubtaskIndex+1, ev.Role)
	case core.EventSubtaskCompleted:
		return fmt.Sprintf("[execute] #%d done by %s", ev.SubtaskIndex+1, ev.Role)
	case core.EventRunCompleted:
		return "[aggregate] done"
	case core.EventRunFailed:
		msg, _ := ev.Payload["error"].(string)
		return "[failed] " + msg
	default:
		return ""
	}
}
