package spool

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/probeops/warden/pkg/api"
)

// Spool is a SQLite-backed holding pen for results the controller has not
// acknowledged yet. Results are inserted when a task reaches a terminal
// state, deleted on acknowledgement, and replayed at startup so an agent
// restart does not lose finished work.
type Spool struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Spool{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Spool) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Put stores or replaces the pending result for a task. One result per
// task id; a retried completion overwrites its predecessor.
func (s *Spool) Put(ctx context.Context, res api.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_results (task_id, payload) VALUES (?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET payload = excluded.payload`,
		res.TaskID, string(payload))
	if err != nil {
		return fmt.Errorf("spool put: %w", err)
	}
	return nil
}

// Delete removes a task's pending result after acknowledgement.
func (s *Spool) Delete(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_results WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("spool delete: %w", err)
	}
	return nil
}

// List returns every unacknowledged result in insertion order.
func (s *Spool) List(ctx context.Context) ([]api.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM pending_results ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("spool list: %w", err)
	}
	defer rows.Close()
	var out []api.Result
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var res api.Result
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			// A corrupt row must not wedge the replay loop.
			continue
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Spool) Close() error { return s.db.Close() }
