// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arbormap/arbormap/internal/logging"
)

// httpServer is the subset of *http.Server the service needs, kept as
// an interface so tests can substitute a fake.
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts an HTTP server to the suture.Service
// contract with graceful shutdown.
type HTTPServerService struct {
	server          httpServer
	name            string
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps server for supervision. name appears in
// supervisor logs.
func NewHTTPServerService(server httpServer, name string, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, name: name, shutdownTimeout: shutdownTimeout}
}

// Serve runs the HTTP server until the context is cancelled, then shuts
// it down gracefully.
func (s *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Info().Str("service", s.name).Msg("shutting down HTTP server")

		// The serve context is already cancelled, so shutdown gets
		// its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Str("service", s.name).Msg("HTTP server shutdown failed")
			return err
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPServerService) String() string {
	return s.name
}
