// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arxiv/messaging-service/internal/aggregator"
	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/metrics"
	"github.com/arxiv/messaging-service/internal/models"
	"github.com/arxiv/messaging-service/internal/store"
)

// Clock abstracts time for the scheduler so tests can drive ticks with a
// fake clock instead of sleeping.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Deliverer is the slice of the delivery service the scheduler needs.
type Deliverer interface {
	Deliver(ctx context.Context, sub *models.Subscription, body, subject, sender, correlationID string) bool
}

// job is one digest cadence: its cron schedule, the gathering window, and
// the next due instant.
type job struct {
	cadence models.AggregationFrequency
	expr    *CronExpression
	window  time.Duration
	next    time.Time
}

// Scheduler runs the three digest cadences. Ticks of the same cadence never
// overlap; the whole scheduler is single-threaded.
type Scheduler struct {
	store    store.EventStore
	delivery Deliverer
	clock    Clock
	loc      *time.Location
	cfg      config.SchedulerConfig
	jobs     []*job

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates the scheduler. A nil clock means wall-clock time.
func New(eventStore store.EventStore, deliverySvc Deliverer, cfg config.SchedulerConfig, clock Clock) (*Scheduler, error) {
	if clock == nil {
		clock = systemClock{}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = parsed
	}

	dailyTime := cfg.DailyTime
	if dailyTime == "" {
		dailyTime = "09:00"
	}
	daily, err := time.Parse("15:04", dailyTime)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler daily time %q: %w", dailyTime, err)
	}

	hourlyExpr, err := ParseCron("0 * * * *")
	if err != nil {
		return nil, err
	}
	dailyExpr, err := ParseCron(fmt.Sprintf("%d %d * * *", daily.Minute(), daily.Hour()))
	if err != nil {
		return nil, err
	}
	weeklyExpr, err := ParseCron(fmt.Sprintf("%d %d * * 1", daily.Minute(), daily.Hour()))
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		store:    eventStore,
		delivery: deliverySvc,
		clock:    clock,
		loc:      loc,
		cfg:      cfg,
		jobs: []*job{
			{cadence: models.FrequencyHourly, expr: hourlyExpr, window: time.Hour},
			{cadence: models.FrequencyDaily, expr: dailyExpr, window: 24 * time.Hour},
			{cadence: models.FrequencyWeekly, expr: weeklyExpr, window: 7 * 24 * time.Hour},
		},
	}

	now := clock.Now()
	for _, j := range s.jobs {
		j.next = j.expr.NextRun(now, loc)
	}
	return s, nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if !s.cfg.Enabled {
		logging.Info().Msg("digest scheduler disabled")
		go func() {
			defer close(s.doneCh)
			<-s.stopCh
		}()
		return nil
	}

	logging.Info().
		Dur("check_interval", s.cfg.CheckInterval).
		Str("timezone", s.loc.String()).
		Str("daily_time", s.cfg.DailyTime).
		Msg("starting digest scheduler")

	go s.run(ctx)
	return nil
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	logging.Info().Msg("digest scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.CheckDue(ctx)
		}
	}
}

// CheckDue runs every cadence whose next-run instant has passed, then
// reschedules it. Exported so tests can drive the scheduler with a fake
// clock.
func (s *Scheduler) CheckDue(ctx context.Context) {
	now := s.clock.Now()
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		s.runCadence(ctx, j.cadence, j.window, now)
		j.next = j.expr.NextRun(now, s.loc)
	}
}

// cadenceTitle renders the subject prefix ("hourly" → "Hourly").
func cadenceTitle(cadence models.AggregationFrequency) string {
	label := string(cadence)
	if label == "" {
		return label
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

// runCadence delivers one digest per matching enabled subscription.
// Failures retain the events; the next tick of the cadence retries them.
func (s *Scheduler) runCadence(ctx context.Context, cadence models.AggregationFrequency, window time.Duration, now time.Time) {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.ContextWithCorrelationID(ctx, correlationID)

	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		logging.Ctx(ctx).Error().
			Err(err).
			Str("cadence", string(cadence)).
			Msg("failed to list subscriptions for digest run")
		return
	}

	delivered, failed, skipped := 0, 0, 0
	for i := range subs {
		sub := &subs[i]
		if !sub.Enabled || sub.AggregationFrequency != cadence {
			continue
		}

		events, err := s.store.GetUserEvents(ctx, sub.UserID, now.Add(-window))
		if err != nil {
			logging.Ctx(ctx).Error().
				Err(err).
				Str("subscription_id", sub.SubscriptionID).
				Str("user_id", sub.UserID).
				Msg("failed to gather events for digest")
			failed++
			continue
		}
		if len(events) == 0 {
			skipped++
			continue
		}

		body := aggregator.Aggregate(sub.UserID, events, sub.AggregationMethod)
		subject := fmt.Sprintf("%s Summary - %d events", cadenceTitle(cadence), len(events))

		ok := s.delivery.Deliver(ctx, sub, body, subject, aggregator.SystemSender, correlationID)
		if !ok {
			logging.Ctx(ctx).Warn().
				Str("subscription_id", sub.SubscriptionID).
				Str("user_id", sub.UserID).
				Str("cadence", string(cadence)).
				Int("event_count", len(events)).
				Msg("digest delivery failed, events retained for next tick")
			metrics.AggregatesDelivered.WithLabelValues(string(cadence), "failure").Inc()
			failed++
			continue
		}

		metrics.AggregatesDelivered.WithLabelValues(string(cadence), "success").Inc()
		delivered++

		// Retention is watermark-scoped: record this subscription as
		// delivered through now, then purge only what every enabled
		// subscription of the user has digested.
		if err := s.store.SetDeliveryWatermark(ctx, sub.SubscriptionID, now); err != nil {
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("subscription_id", sub.SubscriptionID).
				Msg("failed to record delivery watermark")
			continue
		}
		purged, err := s.store.PurgeDeliveredEvents(ctx, sub.UserID)
		if err != nil {
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("user_id", sub.UserID).
				Msg("failed to purge delivered events, they may be re-delivered")
			continue
		}
		logging.Ctx(ctx).Info().
			Str("subscription_id", sub.SubscriptionID).
			Str("user_id", sub.UserID).
			Str("cadence", string(cadence)).
			Int("event_count", len(events)).
			Int("purged", purged).
			Msg("digest delivered")
	}

	if delivered+failed > 0 || skipped > 0 {
		logging.Ctx(ctx).Info().
			Str("cadence", string(cadence)).
			Int("delivered", delivered).
			Int("failed", failed).
			Int("skipped", skipped).
			Msg("digest cadence completed")
	}
}
