// Package greeting implements the hello service: a single handler that
// answers every request with a fixed plaintext body.
package greeting

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Body is the fixed response payload. It never varies by request.
const Body = "Hello, World!\n"

const contentType = "text/plain; charset=utf-8"

// Config carries the service settings. The port is resolved by the caller,
// not read from the environment here.
type Config struct {
	Port int
}

// Service serves the greeting on a configured port.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a Service from explicit configuration.
func New(cfg Config, logger *slog.Logger) *Service {
	return &Service{cfg: cfg, logger: logger}
}

// Handler returns the request handler. Any method, any path, any body
// receives status 200 and the greeting.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, Body)
	})
}

// Addr returns the listen address derived from the configured port.
func (s *Service) Addr() string {
	return fmt.Sprintf(":%d", s.cfg.Port)
}

// Server returns an http.Server ready to listen on the configured port.
func (s *Service) Server() *http.Server {
	return &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
