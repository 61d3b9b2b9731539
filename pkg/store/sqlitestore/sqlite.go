// Package sqlitestore is a Gateway backed by a sqlite database with one row per task.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/tasktree"
)

type Store struct {
	database *sql.DB
	logger   *slog.Logger
}

var (
	_ store.Gateway      = (*Store)(nil)
	_ store.BatchUpdater = (*Store)(nil)
)

// Open opens (or creates) the sqlite database at path and ensures the schema exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.database.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS tasks (
		seq integer primary key autoincrement,
		id text not null unique,
		label text not null,
		is_complete integer not null default 0,
		parent_id text,
		list_id text not null,
		idx integer
		)`,
	); err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS tasks_list_id ON tasks (list_id, idx)`); err != nil {
		return fmt.Errorf("failed to create tasks index: %w", err)
	}
	s.logger.Info("Ensured task tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) FindByList(ctx context.Context, listID string) ([]tasktree.Task, error) {
	rows, err := s.database.QueryContext(ctx,
		`SELECT id, label, is_complete, parent_id, list_id, idx FROM tasks WHERE list_id = ? ORDER BY idx IS NULL, idx ASC, seq ASC`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make([]tasktree.Task, 0)
	for rows.Next() {
		var t tasktree.Task
		var parentID sql.NullString
		var idx sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Label, &t.IsComplete, &parentID, &t.ListID, &idx); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if parentID.Valid {
			t.ParentID = tasktree.StrPtr(parentID.String)
		}
		if idx.Valid {
			t.Index = tasktree.IntPtr(int(idx.Int64))
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, task tasktree.Task) (tasktree.Task, error) {
	task = tasktree.NormalizeParent(task)
	task.ID = uuid.NewString()
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO tasks (id, label, is_complete, parent_id, list_id, idx) VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.Label, task.IsComplete, nullString(task.ParentID), task.ListID, nullInt(task.Index),
	); err != nil {
		return tasktree.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateByID(ctx context.Context, db execer, id string, task tasktree.Task) error {
	task = tasktree.NormalizeParent(task)
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET label = ?, is_complete = ?, parent_id = ?, idx = ? WHERE id = ? AND list_id = ?`,
		task.Label, task.IsComplete, nullString(task.ParentID), nullInt(task.Index), id, task.ListID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	} else if r, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected by update of %s: %w", id, err)
	} else if r == 0 {
		return fmt.Errorf("%w: %s in list %s", store.ErrNotFound, id, task.ListID)
	}
	return nil
}

func (s *Store) UpdateByID(ctx context.Context, id string, task tasktree.Task) error {
	return updateByID(ctx, s.database, id, task)
}

// UpdateBatch updates every task inside one transaction.
func (s *Store) UpdateBatch(ctx context.Context, tasks []tasktree.Task) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()
	for _, t := range tasks {
		if err := updateByID(ctx, tx, t.ID, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
