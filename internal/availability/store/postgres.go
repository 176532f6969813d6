package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"domainhunter/internal/availability/models"
	"domainhunter/pkg/platform/sentinel"
)

// PostgresStore keeps cache rows in a shared PostgreSQL table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool and ensures the schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	s := &PostgresStore{db: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS domain_cache (
		domain      TEXT PRIMARY KEY,
		status      TEXT NOT NULL,
		source      TEXT NOT NULL,
		checked_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at  TIMESTAMPTZ NOT NULL,
		data        JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_domain_cache_expires_at ON domain_cache (expires_at);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

const postgresUpsert = `
	INSERT INTO domain_cache (domain, status, source, checked_at, expires_at, data)
	VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	ON CONFLICT (domain) DO UPDATE SET
		status = EXCLUDED.status,
		source = EXCLUDED.source,
		checked_at = EXCLUDED.checked_at,
		expires_at = EXCLUDED.expires_at,
		data = EXCLUDED.data`

func (s *PostgresStore) Get(ctx context.Context, domain string) (*models.Entry, error) {
	var (
		e      models.Entry
		status string
		source string
		data   []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT domain, status, source, checked_at, expires_at, data FROM domain_cache WHERE domain = $1`,
		domain,
	).Scan(&e.Domain, &status, &source, &e.CheckedAt, &e.ExpiresAt, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get cache row: %w", err)
	}
	e.Status = models.Status(status)
	e.Source = models.Source(source)
	e.Data = data
	return &e, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entry models.Entry) error {
	return s.UpsertMany(ctx, []models.Entry{entry})
}

// UpsertMany sends every row in a single pgx batch round trip.
func (s *PostgresStore) UpsertMany(ctx context.Context, entries []models.Entry) error {
	entries = sanitize(entries)
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(postgresUpsert,
			e.Domain, string(e.Status), string(e.Source), e.CheckedAt.UTC(), e.ExpiresAt.UTC(), nullableJSON(e.Data),
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert batch of %d: %w", len(entries), err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, domain string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM domain_cache WHERE domain = $1`, domain); err != nil {
		return fmt.Errorf("delete cache row: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM domain_cache WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `TRUNCATE domain_cache`); err != nil {
		return fmt.Errorf("truncate cache: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
