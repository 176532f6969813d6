package cache

import (
	"time"

	"domainhunter/internal/availability/models"
)

const (
	DefaultAvailableTTL = time.Hour
	DefaultTakenTTL     = 24 * time.Hour
	DefaultUnknownTTL   = 5 * time.Minute
)

// Policy assigns a lifetime to each status. Available names are re-checked
// sooner than taken ones since they can be registered at any moment.
type Policy struct {
	AvailableTTL time.Duration
	TakenTTL     time.Duration
	UnknownTTL   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		AvailableTTL: DefaultAvailableTTL,
		TakenTTL:     DefaultTakenTTL,
		UnknownTTL:   DefaultUnknownTTL,
	}
}

// TTL returns the lifetime for status, falling back to the defaults for
// zero-valued fields.
func (p Policy) TTL(status models.Status) time.Duration {
	switch status {
	case models.StatusAvailable:
		return orDefault(p.AvailableTTL, DefaultAvailableTTL)
	case models.StatusTaken:
		return orDefault(p.TakenTTL, DefaultTakenTTL)
	default:
		return orDefault(p.UnknownTTL, DefaultUnknownTTL)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
