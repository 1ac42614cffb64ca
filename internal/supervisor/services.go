// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package supervisor

import (
	"context"

	"github.com/arxiv/messaging-service/internal/api"
	"github.com/arxiv/messaging-service/internal/ingest"
	"github.com/arxiv/messaging-service/internal/scheduler"
)

// BusService adapts the ingestion subscriber to suture.Service.
type BusService struct {
	subscriber *ingest.Subscriber
}

// NewBusService wraps the subscriber for supervision.
func NewBusService(subscriber *ingest.Subscriber) *BusService {
	return &BusService{subscriber: subscriber}
}

// Serve consumes the bus until the context is canceled. A non-context error
// makes suture restart the subscriber with backoff.
func (s *BusService) Serve(ctx context.Context) error {
	return s.subscriber.Run(ctx)
}

func (s *BusService) String() string { return "bus-subscriber" }

// SchedulerService adapts the digest scheduler to suture.Service.
type SchedulerService struct {
	scheduler *scheduler.Scheduler
}

// NewSchedulerService wraps the scheduler for supervision.
func NewSchedulerService(sched *scheduler.Scheduler) *SchedulerService {
	return &SchedulerService{scheduler: sched}
}

// Serve runs the scheduler loop until the context is canceled.
func (s *SchedulerService) Serve(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.scheduler.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *SchedulerService) String() string { return "digest-scheduler" }

// APIService adapts the admin HTTP server to suture.Service.
type APIService struct {
	server *api.Server
}

// NewAPIService wraps the admin server for supervision.
func NewAPIService(server *api.Server) *APIService {
	return &APIService{server: server}
}

// Serve runs the HTTP server; it shuts down gracefully on cancellation.
func (s *APIService) Serve(ctx context.Context) error {
	return s.server.Start(ctx)
}

func (s *APIService) String() string { return "admin-api" }
