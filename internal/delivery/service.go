// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/metrics"
	"github.com/arxiv/messaging-service/internal/models"
)

// Service dispatches delivery attempts to the provider matching the
// subscription's delivery method. Unknown methods are delivery failures,
// not errors; the caller's error strategy decides what that means.
type Service struct {
	providers map[models.DeliveryMethod]Provider
	breakers  map[models.DeliveryMethod]*gobreaker.CircuitBreaker[*Result]
}

// NewService builds the dispatch table. With the breaker enabled each
// provider is wrapped in its own circuit breaker so a dead SMTP relay
// fails fast instead of holding ingestion workers on dial timeouts.
func NewService(cfg config.DeliveryConfig, providers ...Provider) *Service {
	s := &Service{
		providers: make(map[models.DeliveryMethod]Provider, len(providers)),
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}

	if cfg.BreakerEnabled {
		s.breakers = make(map[models.DeliveryMethod]*gobreaker.CircuitBreaker[*Result], len(providers))
		for name := range s.providers {
			name := name
			s.breakers[name] = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
				Name:    string(name),
				Timeout: cfg.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
				},
				OnStateChange: func(cbName string, from, to gobreaker.State) {
					logging.Warn().
						Str("provider", cbName).
						Str("from", from.String()).
						Str("to", to.String()).
						Msg("delivery circuit breaker state changed")
				},
			})
		}
	}
	return s
}

// Deliver attempts one delivery and reports plain success or failure.
// Provider panics are contained and count as failures.
func (s *Service) Deliver(ctx context.Context, sub *models.Subscription, body, subject, sender, correlationID string) bool {
	provider, ok := s.providers[sub.DeliveryMethod]
	if !ok {
		logging.Ctx(ctx).Error().
			Str("delivery_method", string(sub.DeliveryMethod)).
			Str("subscription_id", sub.SubscriptionID).
			Str("correlation_id", correlationID).
			Msg("no provider registered for delivery method")
		metrics.DeliveryAttempts.WithLabelValues(string(sub.DeliveryMethod), "failure").Inc()
		return false
	}

	params := &SendParams{
		Subscription:  sub,
		Subject:       subject,
		Sender:        sender,
		Body:          body,
		CorrelationID: correlationID,
	}

	start := time.Now()
	result := s.send(ctx, provider, params)
	metrics.DeliveryDuration.WithLabelValues(string(sub.DeliveryMethod)).Observe(time.Since(start).Seconds())

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.DeliveryAttempts.WithLabelValues(string(sub.DeliveryMethod), outcome).Inc()
	return result.Success
}

func (s *Service) send(ctx context.Context, provider Provider, params *SendParams) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Ctx(ctx).Error().
				Str("delivery_method", string(provider.Name())).
				Str("subscription_id", params.Subscription.SubscriptionID).
				Str("correlation_id", params.CorrelationID).
				Interface("panic", r).
				Msg("delivery provider panicked")
			result = failure(ErrorCodeUnknown, fmt.Sprintf("provider panic: %v", r), false)
		}
	}()

	if s.breakers != nil {
		breaker := s.breakers[provider.Name()]
		result, err := breaker.Execute(func() (*Result, error) {
			r := provider.Send(ctx, params)
			if !r.Success && r.Transient {
				// Only transient failures feed the breaker; a bad
				// recipient is not a provider outage.
				return r, fmt.Errorf("%s: %s", r.ErrorCode, r.ErrorMessage)
			}
			return r, nil
		})
		if err != nil {
			if result != nil {
				return result
			}
			return failure(ErrorCodeConnectionFailed, err.Error(), true)
		}
		return result
	}

	return provider.Send(ctx, params)
}
