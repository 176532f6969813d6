// Package httpserver builds the process's single HTTP server.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"
)

// New returns a server whose request contexts derive from base, so cancelling
// base reaches every open check stream. WriteTimeout stays unset because a
// stream lasts as long as its run.
func New(base context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}
