// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/jllopis/ensemble/pkg/config"
	"github.com/jllopis/ensemble/pkg/errors"
	"github.com/jllopis/ensemble/pkg/journal"
)

func runRuns(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) error {
	cmd := flag.NewFlagSet("runs", flag.ContinueOnError)
	runID := cmd.String("run", "", "Show the journal entries of one run")
	limit := cmd.Int("limit", 20, "Maximum runs (or entries with --run) to show")
	if err := cmd.Parse(args); err != nil {
		return NewInvalidArgumentError("runs", err.Error())
	}
	if cmd.NArg() > 0 {
		return NewInvalidArgumentError("runs", fmt.Sprintf("unexpected args: %v", cmd.Args()))
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path == "" {
		return NewCLIError(
			errors.New(errors.CodeInvalidInput, "the run journal is not persisted", nil),
			"enable it with --set journal.enabled=true and a journal.path",
		)
	}

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := withTimeout(ctx, flags)
	defer cancel()

	if *runID != "" {
		return listEntries(ctx, os.Stdout, flags.JSON, store, *runID, *limit)
	}
	return listRuns(ctx, os.Stdout, flags.JSON, store, *limit)
}

func listRuns(ctx context.Context, w io.Writer, asJSON bool, store journal.Store, limit int) error {
	runs, err := store.Summaries(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		writeJSON(w, runs)
		return nil
	}
	writer := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	writeRow(writer, "RUN_ID", "STATUS", "ENTRIES", "STARTED", "TASK")
	for _, run := range runs {
		writeRow(writer, run.RunID, run.Status, strconv.Itoa(run.Entries), formatTime(run.StartedAt), truncateMessage(run.Task, 60))
	}
	return writer.Flush()
}

func listEntries(ctx context.Context, w io.Writer, asJSON bool, store journal.Store, runID string, limit int) error {
	entries, err := store.List(ctx, journal.Filter{RunID: runID, Limit: limit})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return NewNotFoundError("run", runID)
	}
	if asJSON {
		writeJSON(w, entries)
		return nil
	}
	writer := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	writeRow(writer, "TIME", "EVENT", "SUBTASK", "ROLE", "DETAIL")
	for _, e := range entries {
		index := "-"
		if e.SubtaskIndex >= 0 {
			index = strconv.Itoa(e.SubtaskIndex)
		}
		writeRow(writer, formatTime(e.Timestamp), string(e.Type), index, e.Role, truncateMessage(entryDetail(e), 60))
	}
	return writer.Flush()
}

// entryDetail picks the most telling payload field of an entry.
func entryDetail(e journal.Entry) string {
	for _, key := range []string{"error", "output", "result", "subtask", "task"} {
		if v, ok := e.Payload[key]; ok {
			return fmt.Sprint(v)
		}
	}
	if v, ok := e.Payload["roles"]; ok {
		return fmt.Sprint(v)
	}
	return ""
}
