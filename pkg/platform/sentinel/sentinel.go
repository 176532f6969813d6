package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Persistent cache stores return these
// (optionally wrapped) so the tiered cache can tell a miss from a backend failure.
//
// - ErrNotFound: no row/key for the domain
// - ErrExpired: a row exists but its expiry has passed
// - ErrUnavailable: backend not configured or temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrExpired     = errors.New("expired")
	ErrUnavailable = errors.New("unavailable")
)
