package ctxsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
	_ "modernc.org/sqlite"
)

const (
	sqliteStateTableName      = "sync_state"
	sqliteStateKey            = "default"
	sqliteRetryQueueTableName = "retry_queue"
	sqliteOperationTimeout    = 5 * time.Second
)

func openSQLite(openDB sqlOpenFunc, path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	return db, nil
}

type SQLiteRetryQueue struct {
	path     string
	capacity int
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteRetryQueue(path string, capacity int) (RetryQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &SQLiteRetryQueue{
		path:     path,
		capacity: capacity,
		openDB:   sql.Open,
	}, nil
}

func (q *SQLiteRetryQueue) ensureReady() error {
	if q == nil {
		return errors.Errorf("%w: nil sqlite retry queue", ErrInvalidState)
	}
	q.initOnce.Do(func() {
		db, err := openSQLite(q.openDB, q.path)
		if err != nil {
			q.initErr = err
			return
		}
		query := `
			CREATE TABLE IF NOT EXISTS ` + sqliteRetryQueueTableName + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL UNIQUE,
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT (datetime('now'))
			)`
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *SQLiteRetryQueue) Enqueue(item RetryQueueItem) error {
	if strings.TrimSpace(item.TaskID) == "" {
		return errors.Errorf("%w: retry item requires a task id", ErrInvalidInput)
	}
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Duplicate before capacity: re-enqueueing a queued task is a state
	// error even when the queue is full.
	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM "+sqliteRetryQueueTableName+" WHERE task_id = ?", item.TaskID).Scan(&exists)
	if err == nil {
		return errors.Errorf("%w: task %q already queued", ErrInvalidState, item.TaskID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var depth int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqliteRetryQueueTableName).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return errors.Errorf("%w: retry queue at capacity %d", ErrQueueFull, q.capacity)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO "+sqliteRetryQueueTableName+" (task_id, payload) VALUES (?, ?)", item.TaskID, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *SQLiteRetryQueue) Update(item RetryQueueItem) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	result, err := q.db.ExecContext(ctx, "UPDATE "+sqliteRetryQueueTableName+" SET payload = ? WHERE task_id = ?", string(payload), item.TaskID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("%w: task %q", ErrNotFound, item.TaskID)
	}
	return nil
}

func (q *SQLiteRetryQueue) Remove(taskID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	result, err := q.db.ExecContext(ctx, "DELETE FROM "+sqliteRetryQueueTableName+" WHERE task_id = ?", taskID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	return nil
}

func (q *SQLiteRetryQueue) Get(taskID string) (RetryQueueItem, error) {
	if err := q.ensureReady(); err != nil {
		return RetryQueueItem{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := q.db.QueryRowContext(ctx, "SELECT payload FROM "+sqliteRetryQueueTableName+" WHERE task_id = ?", taskID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryQueueItem{}, errors.Errorf("%w: task %q", ErrNotFound, taskID)
	}
	if err != nil {
		return RetryQueueItem{}, err
	}
	var item RetryQueueItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return RetryQueueItem{}, err
	}
	return item, nil
}

func (q *SQLiteRetryQueue) List() ([]RetryQueueItem, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	rows, err := q.db.QueryContext(ctx, "SELECT payload FROM "+sqliteRetryQueueTableName+" ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]RetryQueueItem, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var item RetryQueueItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil || strings.TrimSpace(item.TaskID) == "" {
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *SQLiteRetryQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var depth int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqliteRetryQueueTableName).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *SQLiteRetryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *SQLiteRetryQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

type SQLiteStateBackend struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	return &SQLiteStateBackend{
		path:   path,
		openDB: sql.Open,
	}, nil
}

func (b *SQLiteStateBackend) ensureReady() error {
	if b == nil {
		return errors.Errorf("%w: nil sqlite state backend", ErrInvalidState)
	}
	b.initOnce.Do(func() {
		db, err := openSQLite(b.openDB, b.path)
		if err != nil {
			b.initErr = err
			return
		}
		query := `
			CREATE TABLE IF NOT EXISTS ` + sqliteStateTableName + ` (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			)`
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, "SELECT snapshot FROM "+sqliteStateTableName+" WHERE state_key = ?", sqliteStateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLiteStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	query := `
		INSERT INTO ` + sqliteStateTableName + ` (state_key, snapshot, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`
	_, err = b.db.ExecContext(ctx, query, sqliteStateKey, string(payload))
	return err
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
