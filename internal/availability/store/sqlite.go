package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"domainhunter/internal/availability/models"
	"domainhunter/pkg/platform/sentinel"
)

// SQLiteStore keeps cache rows in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database file and ensures the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent batch flushes.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS domain_cache (
	domain      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	source      TEXT NOT NULL,
	checked_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	data        TEXT
);
CREATE INDEX IF NOT EXISTS idx_domain_cache_expires_at ON domain_cache (expires_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const sqliteUpsert = `
INSERT INTO domain_cache (domain, status, source, checked_at, expires_at, data)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(domain) DO UPDATE SET
	status = excluded.status,
	source = excluded.source,
	checked_at = excluded.checked_at,
	expires_at = excluded.expires_at,
	data = excluded.data`

func (s *SQLiteStore) Get(ctx context.Context, domain string) (*models.Entry, error) {
	var (
		e         models.Entry
		checkedAt int64
		expiresAt int64
		data      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT domain, status, source, checked_at, expires_at, data FROM domain_cache WHERE domain = ?`,
		domain,
	).Scan(&e.Domain, &e.Status, &e.Source, &checkedAt, &expiresAt, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get cache row: %w", err)
	}
	e.CheckedAt = fromMillis(checkedAt)
	e.ExpiresAt = fromMillis(expiresAt)
	if data.Valid {
		e.Data = []byte(data.String)
	}
	return &e, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, entry models.Entry) error {
	return s.UpsertMany(ctx, []models.Entry{entry})
}

// UpsertMany writes all entries in one transaction.
func (s *SQLiteStore) UpsertMany(ctx context.Context, entries []models.Entry) error {
	entries = sanitize(entries)
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.Domain, string(e.Status), string(e.Source), millis(e.CheckedAt), millis(e.ExpiresAt), nullableJSON(e.Data),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", e.Domain, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, domain string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM domain_cache WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("delete cache row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM domain_cache WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM domain_cache`); err != nil {
		return fmt.Errorf("delete all rows: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
