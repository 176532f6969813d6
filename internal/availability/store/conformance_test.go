package store_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/suite"

	"domainhunter/internal/availability/cache"
	"domainhunter/internal/availability/models"
	"domainhunter/pkg/platform/sentinel"
)

// storeContract holds the behaviors every persistent tier must share. Backend
// suites embed it and set store in SetupTest.
type storeContract struct {
	suite.Suite
	store cache.Store
	// expiresNatively is true for backends that drop rows on their own
	// instead of through DeleteExpired.
	expiresNatively bool
}

func (s *storeContract) entry(domain string, status models.Status, ttl time.Duration) models.Entry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.Entry{
		Domain:    domain,
		Status:    status,
		Source:    models.SourceProtocol,
		CheckedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func (s *storeContract) TestMissIsNotFound() {
	_, err := s.store.Get(context.Background(), "missing.com")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContract) TestUpsertRoundTrip() {
	ctx := context.Background()
	e := s.entry("example.com", models.StatusTaken, time.Hour)
	e.Data = json.RawMessage(`{"ldhName":"EXAMPLE.COM"}`)

	s.Require().NoError(s.store.Upsert(ctx, e))

	got, err := s.store.Get(ctx, "example.com")
	s.Require().NoError(err)
	s.Equal(e.Domain, got.Domain)
	s.Equal(models.StatusTaken, got.Status)
	s.Equal(models.SourceProtocol, got.Source)
	s.True(e.CheckedAt.Equal(got.CheckedAt), "checked_at %s != %s", e.CheckedAt, got.CheckedAt)
	s.True(e.ExpiresAt.Equal(got.ExpiresAt), "expires_at %s != %s", e.ExpiresAt, got.ExpiresAt)
	s.JSONEq(string(e.Data), string(got.Data))
}

func (s *storeContract) TestUpsertReplaces() {
	ctx := context.Background()
	s.Require().NoError(s.store.Upsert(ctx, s.entry("flip.com", models.StatusAvailable, time.Hour)))
	s.Require().NoError(s.store.Upsert(ctx, s.entry("flip.com", models.StatusTaken, time.Hour)))

	got, err := s.store.Get(ctx, "flip.com")
	s.Require().NoError(err)
	s.Equal(models.StatusTaken, got.Status)
	s.Empty(got.Data)
}

func (s *storeContract) TestUpsertManyAndDeleteAll() {
	ctx := context.Background()
	entries := []models.Entry{
		s.entry("a.com", models.StatusAvailable, time.Hour),
		s.entry("b.com", models.StatusTaken, time.Hour),
		s.entry("", models.StatusTaken, time.Hour),
	}
	s.Require().NoError(s.store.UpsertMany(ctx, entries))

	for _, d := range []string{"a.com", "b.com"} {
		_, err := s.store.Get(ctx, d)
		s.NoError(err, d)
	}

	s.Require().NoError(s.store.DeleteAll(ctx))
	_, err := s.store.Get(ctx, "a.com")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContract) TestDelete() {
	ctx := context.Background()
	s.Require().NoError(s.store.Upsert(ctx, s.entry("gone.com", models.StatusTaken, time.Hour)))
	s.Require().NoError(s.store.Delete(ctx, "gone.com"))
	s.Require().NoError(s.store.Delete(ctx, "never-there.com"))

	_, err := s.store.Get(ctx, "gone.com")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *storeContract) TestDeleteExpired() {
	if s.expiresNatively {
		s.T().Skip("backend expires keys natively")
	}
	ctx := context.Background()
	s.Require().NoError(s.store.UpsertMany(ctx, []models.Entry{
		s.entry("old.com", models.StatusAvailable, -time.Minute),
		s.entry("new.com", models.StatusAvailable, time.Hour),
	}))

	n, err := s.store.DeleteExpired(ctx, time.Now())
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.store.Get(ctx, "old.com")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Get(ctx, "new.com")
	s.NoError(err)
}

func (s *storeContract) TestPing() {
	s.NoError(s.store.Ping(context.Background()))
}
