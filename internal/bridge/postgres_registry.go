package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRegistryTableName       = "wopibridge_openfiles"
	postgresRegistryOperationWindow = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRegistry keeps open-document telemetry in a shared table so /list
// reflects every bridge replica. Still non-authoritative: rows may outlive
// the locks they describe.
type PostgresRegistry struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRegistry(dsn string) (*PostgresRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRegistry{
		dsn:       dsn,
		tableName: postgresRegistryTableName,
		openDB:    sql.Open,
	}, nil
}

func (r *PostgresRegistry) Record(entry Entry) error {
	if entry.DocID == "" {
		return fmt.Errorf("%w: entry needs a document id", ErrInvalidInput)
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresRegistryOperationWindow)
	defer cancel()

	existing, err := r.load(ctx, entry.DocID)
	if err != nil {
		return err
	}
	merged := mergeEntry(existing, entry)
	payload, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (doc_id, entry, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (doc_id)
		DO UPDATE SET entry = EXCLUDED.entry, updated_at = NOW()`, r.tableName)
	_, err = r.db.ExecContext(ctx, query, merged.DocID, string(payload))
	return err
}

func (r *PostgresRegistry) Forget(docID string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresRegistryOperationWindow)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", r.tableName)
	_, err := r.db.ExecContext(ctx, query, docID)
	return err
}

func (r *PostgresRegistry) List() ([]Entry, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresRegistryOperationWindow)
	defer cancel()
	query := fmt.Sprintf("SELECT entry FROM %s ORDER BY doc_id", r.tableName)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *PostgresRegistry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRegistry) load(ctx context.Context, docID string) (Entry, error) {
	query := fmt.Sprintf("SELECT entry FROM %s WHERE doc_id = $1", r.tableName)
	var payload string
	err := r.db.QueryRowContext(ctx, query, docID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (r *PostgresRegistry) ensureReady() error {
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresRegistryOperationWindow)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				doc_id TEXT PRIMARY KEY,
				entry TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, r.tableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}
