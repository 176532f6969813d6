// Package store provides the persistent tier implementations of the
// availability cache: SQLite (embedded default), PostgreSQL and Redis.
package store

import (
	"time"

	"domainhunter/internal/availability/cache"
	"domainhunter/internal/availability/models"
)

var (
	_ cache.Store = (*SQLiteStore)(nil)
	_ cache.Store = (*PostgresStore)(nil)
	_ cache.Store = (*RedisStore)(nil)
)

// Closer is implemented by every store so cmd/server can release it on shutdown.
type Closer interface {
	Close() error
}

// sanitize drops entries that cannot be keyed and normalizes their domain.
func sanitize(entries []models.Entry) []models.Entry {
	out := make([]models.Entry, 0, len(entries))
	for _, e := range entries {
		e.Domain = models.NormalizeDomain(e.Domain)
		if e.Domain == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
