package checker

import (
	"time"

	"domainhunter/internal/availability/models"
)

const (
	DefaultConcurrency      = 60
	MinConcurrency          = 1
	MaxConcurrency          = 80
	DefaultTimeout          = 2500 * time.Millisecond
	DefaultProgressInterval = 120 * time.Millisecond
	DefaultProgressEvery    = 25
)

// Options tunes one run.
type Options struct {
	Concurrency int
	UseCache    bool
	Timeout     time.Duration
	// A progress snapshot is emitted once ProgressInterval has elapsed or
	// ProgressEvery results have arrived since the last one, and always on the
	// final result.
	ProgressInterval time.Duration
	ProgressEvery    int
	Mode             models.Mode
}

func DefaultOptions() Options {
	return Options{
		Concurrency:      DefaultConcurrency,
		UseCache:         true,
		Timeout:          DefaultTimeout,
		ProgressInterval: DefaultProgressInterval,
		ProgressEvery:    DefaultProgressEvery,
		Mode:             models.ModeProtocolOnly,
	}
}

// ClampConcurrency bounds a caller-supplied concurrency. Zero selects the default.
func ClampConcurrency(n int) int {
	switch {
	case n == 0:
		return DefaultConcurrency
	case n < MinConcurrency:
		return MinConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	default:
		return n
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Concurrency > MaxConcurrency {
		o.Concurrency = MaxConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = DefaultProgressEvery
	}
	if o.Mode == "" {
		o.Mode = models.ModeProtocolOnly
	}
	return o
}
