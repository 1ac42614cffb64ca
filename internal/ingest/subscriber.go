// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/logging"
)

// Subscriber wraps the Watermill NATS JetStream subscriber and drives the
// Processor with a bounded number of in-flight messages.
type Subscriber struct {
	subscriber message.Subscriber
	cfg        config.BusConfig
	processor  *Processor
}

// NewSubscriber creates a durable queue-group subscriber against JetStream.
func NewSubscriber(cfg config.BusConfig, processor *Processor, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Bus subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Bus subscriber reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxAckPending(cfg.MaxInFlight),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverAll(),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    true,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create bus subscriber: %w", err)
	}

	return &Subscriber{
		subscriber: sub,
		cfg:        cfg,
		processor:  processor,
	}, nil
}

// Run consumes the configured topic until the context is canceled. Messages
// are handled concurrently up to the in-flight cap; each in-flight handler
// acks or nacks before Run returns.
func (s *Subscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, err)
	}

	logging.Info().
		Str("topic", s.cfg.Topic).
		Str("queue_group", s.cfg.QueueGroup).
		Int("max_in_flight", s.cfg.MaxInFlight).
		Msg("bus subscriber started")

	sem := make(chan struct{}, s.cfg.MaxInFlight)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				wg.Wait()
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(msg *message.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				s.handle(ctx, msg)
			}(msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("message_uuid", msg.UUID).
				Interface("panic", r).
				Msg("message handler panicked, nacking")
			msg.Nack()
		}
	}()

	switch s.processor.Process(ctx, msg.Payload) {
	case DecisionAck:
		msg.Ack()
	case DecisionNack:
		msg.Nack()
	}
}

// Close shuts the underlying subscriber down.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
