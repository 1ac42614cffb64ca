// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package api exposes the administrative HTTP surface: message inspection,
// bulk deletion, flushing, and subscription management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/flush"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/store"
)

// Flusher runs flush operations on behalf of the API.
type Flusher interface {
	Flush(ctx context.Context, opts flush.Options) (*flush.Result, error)
}

// Server is the admin API.
type Server struct {
	store   store.EventStore
	flusher Flusher
	cfg     config.APIConfig

	httpServer *http.Server
}

// NewServer wires the admin API against the store and flush orchestrator.
func NewServer(eventStore store.EventStore, flusher Flusher, cfg config.APIConfig) *Server {
	return &Server{
		store:   eventStore,
		flusher: flusher,
		cfg:     cfg,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	if s.cfg.RateLimit > 0 {
		window := s.cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, window))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/users", s.handleListUsers)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/messages", s.handleGetUserMessages)
		r.Delete("/messages", s.handleDeleteUserMessages)
		r.Get("/messages/{messageID}", s.handleGetUserMessage)
		r.Delete("/messages/{messageID}", s.handleDeleteUserMessage)

		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions", s.handleCreateSubscription)
		r.Get("/subscriptions/{subscriptionID}", s.handleGetSubscription)
		r.Put("/subscriptions/{subscriptionID}", s.handleUpdateSubscription)
		r.Delete("/subscriptions/{subscriptionID}", s.handleDeleteSubscription)
	})

	r.Get("/undelivered", s.handleListUndelivered)
	r.Get("/undelivered/stats", s.handleUndeliveredStats)
	r.Delete("/undelivered", s.handleDeleteUndelivered)

	r.Post("/flush", s.handleFlush)

	return r
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", s.cfg.Port).Msg("admin API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin API: %w", err)
		}
		return ctx.Err()
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("admin API: %w", err)
		}
		return nil
	}
}
