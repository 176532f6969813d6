package testutil

import (
	"net/http"
	"time"

	"domainhunter/pkg/requestcontext"
)

// WithRequestTime pins the request-scoped clock.
func WithRequestTime(req *http.Request, at time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), at))
}
