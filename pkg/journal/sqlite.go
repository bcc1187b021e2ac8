// Copyright 2026 © The Ensemble Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/ensemble/pkg/core"
	"github.com/jllopis/ensemble/pkg/errors"
)

// SQLiteStore persists journal entries in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// NewSQLiteStore wraps an open database and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	if err := ensureSchema(db); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to create journal schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Open opens (or creates) the SQLite file at path. Close releases it.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to open journal", err).WithContext("path", path)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Record stores a single entry.
func (s *SQLiteStore) Record(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return errors.New(errors.CodeStorage, "failed to encode journal payload", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (run_id, event_type, role, subtask_index, payload_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.RunID,
		string(entry.Type),
		entry.Role,
		entry.SubtaskIndex,
		string(payload),
		ts.UTC().UnixNano(),
	)
	if err != nil {
		return errors.New(errors.CodeStorage, "failed to record journal entry", err).
			WithContext("run_id", entry.RunID)
	}
	return nil
}

// List returns entries matching the filter in recording order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `
		SELECT run_id, event_type, role, subtask_index, payload_json, recorded_at
		FROM journal_entries
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.Type != "" {
		addFilter("event_type = ?", string(filter.Type))
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to query journal", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry       Entry
			eventType   string
			payloadJSON string
			recordedAt  int64
		)
		if err := rows.Scan(&entry.RunID, &eventType, &entry.Role, &entry.SubtaskIndex, &payloadJSON, &recordedAt); err != nil {
			return nil, errors.New(errors.CodeStorage, "failed to scan journal entry", err)
		}
		entry.Type = core.EventType(eventType)
		entry.Timestamp = time.Unix(0, recordedAt).UTC()
		if payloadJSON != "" && payloadJSON != "null" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(payloadJSON), &payload); err == nil {
				entry.Payload = payload
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to read journal", err)
	}
	return entries, nil
}

// Summaries returns one summary per run, most recently started first.
func (s *SQLiteStore) Summaries(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT
			run_id,
			COALESCE(MAX(CASE WHEN event_type = ? THEN json_extract(payload_json, '$.task') END), ''),
			COALESCE(MAX(CASE WHEN event_type = ? THEN 'completed' WHEN event_type = ? THEN 'failed' END), 'running'),
			COUNT(*),
			MIN(recorded_at),
			MAX(recorded_at)
		FROM journal_entries
		GROUP BY run_id
		ORDER BY MIN(id) DESC
	`
	args := []any{string(core.EventRunStarted), string(core.EventRunCompleted), string(core.EventRunFailed)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to summarise journal", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			sum            RunSummary
			started, ended int64
		)
		if err := rows.Scan(&sum.RunID, &sum.Task, &sum.Status, &sum.Entries, &started, &ended); err != nil {
			return nil, errors.New(errors.CodeStorage, "failed to scan run summary", err)
		}
		sum.StartedAt = time.Unix(0, started).UTC()
		sum.FinishedAt = time.Unix(0, ended).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeStorage, "failed to read run summaries", err)
	}
	return out, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			role TEXT,
			subtask_index INTEGER NOT NULL DEFAULT -1,
			payload_json TEXT,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journal_run ON journal_entries(run_id);
		CREATE INDEX IF NOT EXISTS idx_journal_type ON journal_entries(event_type);
	`)
	return err
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
