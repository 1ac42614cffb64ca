// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Command server runs the messaging service: the bus consumer, the digest
// scheduler, and the admin API, supervised as one tree. The SERVICE_MODE
// setting selects which layers the process runs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/arxiv/messaging-service/internal/api"
	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/delivery"
	"github.com/arxiv/messaging-service/internal/flush"
	"github.com/arxiv/messaging-service/internal/ingest"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/scheduler"
	"github.com/arxiv/messaging-service/internal/store"
	"github.com/arxiv/messaging-service/internal/supervisor"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		logging.Error().Err(err).Msg("service terminated")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logging.Info().
		Str("mode", cfg.Mode).
		Str("bus_topic", cfg.Bus.Topic).
		Msg("starting arXiv messaging service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventStore, err := store.Open(store.Options{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := eventStore.Close(); err != nil {
			logging.Error().Err(err).Msg("failed to close event store")
		}
	}()

	deliverySvc := delivery.NewService(cfg.Delivery,
		delivery.NewEmailProvider(cfg.SMTP),
		delivery.NewWebhookProvider(cfg.Delivery.WebhookTimeout),
	)
	flusher := flush.New(eventStore, deliverySvc)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	runBus := cfg.Mode == config.ModeCombined || cfg.Mode == config.ModePubSubOnly
	runAPI := cfg.Mode == config.ModeCombined || cfg.Mode == config.ModeAPIOnly

	if runBus {
		busURL := cfg.Bus.URL
		if cfg.Bus.Embedded {
			embedded, err := ingest.NewEmbeddedServer(ingest.EmbeddedServerConfig{
				StoreDir: cfg.Bus.StoreDir,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := embedded.Shutdown(context.Background()); err != nil {
					logging.Error().Err(err).Msg("failed to stop embedded NATS server")
				}
			}()
			busURL = embedded.ClientURL()
			logging.Info().Str("url", busURL).Msg("embedded NATS server started")
		}

		busCfg := cfg.Bus
		busCfg.URL = busURL
		processor := ingest.NewProcessor(eventStore, deliverySvc)
		subscriber, err := ingest.NewSubscriber(busCfg, processor, logging.NewWatermillAdapter())
		if err != nil {
			return err
		}
		defer func() {
			if err := subscriber.Close(); err != nil {
				logging.Error().Err(err).Msg("failed to close bus subscriber")
			}
		}()
		tree.AddMessagingService(supervisor.NewBusService(subscriber))

		sched, err := scheduler.New(eventStore, deliverySvc, cfg.Scheduler, nil)
		if err != nil {
			return err
		}
		tree.AddSchedulingService(supervisor.NewSchedulerService(sched))
	}

	if runAPI {
		server := api.NewServer(eventStore, flusher, cfg.API)
		tree.AddAPIService(supervisor.NewAPIService(server))
	}

	err = tree.Serve(ctx)

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().
				Str("service", svc.Name).
				Msg("service did not stop within shutdown timeout")
		}
	}
	return err
}
