package ctxsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"gitlab.com/tozd/go/errors"
)

const (
	postgresStateTableName      = "ctxsync_state"
	postgresStateKey            = "default"
	postgresRetryQueueTableName = "ctxsync_retry_queue"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
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

func (b *PostgresStateBackend) Save(state *persistedState) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return errors.Errorf("%w: nil postgres state backend", ErrInvalidState)
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

type PostgresRetryQueue struct {
	dsn       string
	tableName string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRetryQueue(dsn string, capacity int) (RetryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresRetryQueue{
		dsn:       dsn,
		tableName: postgresRetryQueueTableName,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (q *PostgresRetryQueue) ensureReady() error {
	if q == nil {
		return errors.Errorf("%w: nil postgres retry queue", ErrInvalidState)
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				task_id TEXT NOT NULL UNIQUE,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresRetryQueue) Enqueue(item RetryQueueItem) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
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

	lockKey := postgresQueueLockKey(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	// Duplicate before capacity: re-enqueueing a queued task is a state
	// error even when the queue is full.
	existsQuery := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE task_id = $1)", postgresQuoteIdentifier(q.tableName))
	var exists bool
	if err := tx.QueryRowContext(ctx, existsQuery, item.TaskID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return errors.Errorf("%w: task %q already queued", ErrInvalidState, item.TaskID)
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&depth); err != nil {
		return err
	}
	if depth >= q.capacity {
		return errors.Errorf("%w: retry queue at capacity %d", ErrQueueFull, q.capacity)
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (task_id, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, item.TaskID, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *PostgresRetryQueue) Update(item RetryQueueItem) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET payload = $2 WHERE task_id = $1", postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, item.TaskID, string(payload))
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

func (q *PostgresRetryQueue) Remove(taskID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE task_id = $1", postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, taskID)
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

func (q *PostgresRetryQueue) Get(taskID string) (RetryQueueItem, error) {
	if err := q.ensureReady(); err != nil {
		return RetryQueueItem{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE task_id = $1", postgresQuoteIdentifier(q.tableName))
	var payload string
	err := q.db.QueryRowContext(ctx, query, taskID).Scan(&payload)
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

func (q *PostgresRetryQueue) List() ([]RetryQueueItem, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY id ASC", postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query)
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

func (q *PostgresRetryQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresRetryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresRetryQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
