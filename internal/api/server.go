// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package api exposes the admin HTTP API: domain status, sync triggers
// and domain clearing, plus health and metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbormap/arbormap/internal/auth"
	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/middleware"
	"github.com/arbormap/arbormap/internal/sync"
)

// Syncer is the part of the orchestrator the API drives.
type Syncer interface {
	Domains() []string
	Status(name string) (*sync.DomainStatus, error)
	RunFull(ctx context.Context, name string) (*sync.RunStats, error)
	RunUpdate(ctx context.Context, name string) (*sync.RunStats, error)
	RunComplement(ctx context.Context, name string) (*sync.RunStats, error)
	RunAuto(ctx context.Context, name string) (*sync.RunStats, error)
	ClearDomain(name string) error
}

// Server is the admin API server.
type Server struct {
	cfg    *config.Config
	syncer Syncer
	basic  *auth.BasicAuthManager
}

// NewServer creates the API server. Basic authentication is enabled when
// an admin username is configured.
func NewServer(cfg *config.Config, syncer Syncer) (*Server, error) {
	s := &Server{cfg: cfg, syncer: syncer}
	if cfg.Security.AdminUsername != "" {
		basic, err := auth.NewBasicAuthManager(cfg.Security.AdminUsername, cfg.Security.AdminPassword)
		if err != nil {
			return nil, fmt.Errorf("admin credentials: %w", err)
		}
		s.basic = basic
	}
	return s, nil
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.Security.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if !s.cfg.Security.RateLimitDisabled && s.cfg.Security.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(s.cfg.Security.RateLimitReqs, s.cfg.Security.RateLimitWindow))
		}
		r.Use(middleware.PrometheusMetrics)
		r.Use(s.authenticate)

		r.Get("/domains", s.handleDomains)
		r.Route("/domains/{domain}", func(r chi.Router) {
			r.Get("/", s.handleDomainStatus)
			r.Post("/sync", s.handleSync)
			r.Post("/update", s.handleUpdate)
			r.Post("/complement", s.handleComplement)
			r.Delete("/", s.handleClear)
		})
	})

	return r
}

// authenticate enforces basic auth when configured; otherwise it is a
// pass-through.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.basic == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.basic.ValidateCredentials(r.Header.Get("Authorization")); err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="arbormap"`)
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
