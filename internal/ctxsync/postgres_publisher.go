package ctxsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"
)

const postgresRecordsTableName = "context_records"

// PostgresPublisher writes records straight into a Postgres table,
// for deployments where the "remote" database is reachable directly
// instead of through the sync service API.
type PostgresPublisher struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresPublisher(dsn string) (*PostgresPublisher, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresPublisher{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresPublisher) ensureReady() error {
	if p == nil {
		return errors.Errorf("%w: nil postgres publisher", ErrInvalidState)
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				sync_status TEXT NOT NULL,
				payload TEXT NOT NULL,
				uploaded_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		indexName := p.tableName + "_project_id_idx"
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (project_id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(p.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *PostgresPublisher) PublishRecord(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.RecordID) == "" || strings.TrimSpace(rec.ProjectID) == "" {
		return errors.Errorf("%w: record requires record and project ids", ErrInvalidInput)
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (record_id, project_id, owner_id, sync_status, payload, uploaded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (record_id)
		DO UPDATE SET
			project_id = EXCLUDED.project_id,
			owner_id = EXCLUDED.owner_id,
			sync_status = EXCLUDED.sync_status,
			payload = EXCLUDED.payload,
			uploaded_at = EXCLUDED.uploaded_at,
			updated_at = NOW()`, postgresQuoteIdentifier(p.tableName))
	_, err = p.db.ExecContext(ctx, query, rec.RecordID, rec.ProjectID, rec.OwnerID, string(rec.SyncStatus), string(payload), rec.UploadedAt)
	return err
}

func (p *PostgresPublisher) MarkSynced(ctx context.Context, recordID string) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.Errorf("%w: record id is required", ErrInvalidInput)
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(
		"UPDATE %s SET sync_status = $2, updated_at = NOW() WHERE record_id = $1",
		postgresQuoteIdentifier(p.tableName),
	)
	result, err := p.db.ExecContext(ctx, query, recordID, string(SyncSynced))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("%w: record %q", ErrNotFound, recordID)
	}
	return nil
}

func (p *PostgresPublisher) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
