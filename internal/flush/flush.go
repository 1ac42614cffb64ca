// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package flush drains pending events on demand. Flushing aggregates each
// user's backlog per enabled subscription and delivers it with a synthetic
// subject, regardless of the subscription's normal cadence.
package flush

import (
	"context"
	"fmt"
	"time"

	"github.com/arxiv/messaging-service/internal/aggregator"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/metrics"
	"github.com/arxiv/messaging-service/internal/models"
	"github.com/arxiv/messaging-service/internal/store"
)

// Sender is the from-address stamped on flush deliveries.
const Sender = "arxiv-messaging-flush@arxiv.org"

// Options selects what a flush run covers.
type Options struct {
	// UserID limits the run to one user; empty means every user with
	// pending events.
	UserID string

	// DryRun reports what would be processed without delivering or
	// purging anything.
	DryRun bool

	// ForceDelivery purges a user's events even when every delivery
	// attempt for that user failed.
	ForceDelivery bool
}

// Result accumulates the outcome of one flush run. Errors never abort the
// run; they are collected here.
type Result struct {
	UsersProcessed    int      `json:"users_processed"`
	MessagesDelivered int      `json:"messages_delivered"`
	MessagesFailed    int      `json:"messages_failed"`
	EventsCleared     int      `json:"events_cleared"`
	DryRun            bool     `json:"dry_run,omitempty"`
	Errors            []string `json:"errors"`
}

// Deliverer is the slice of the delivery service the orchestrator needs.
type Deliverer interface {
	Deliver(ctx context.Context, sub *models.Subscription, body, subject, sender, correlationID string) bool
}

// Orchestrator runs flush operations against the store.
type Orchestrator struct {
	store    store.EventStore
	delivery Deliverer
}

// New creates a flush orchestrator.
func New(eventStore store.EventStore, deliverySvc Deliverer) *Orchestrator {
	return &Orchestrator{store: eventStore, delivery: deliverySvc}
}

// Flush drains pending events per Options and reports what happened.
func (o *Orchestrator) Flush(ctx context.Context, opts Options) (*Result, error) {
	metrics.FlushOperations.Inc()
	result := &Result{DryRun: opts.DryRun, Errors: []string{}}

	pending, err := o.gather(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, events := range pending {
		total += len(events)
	}
	logging.Ctx(ctx).Info().
		Int("total_users", len(pending)).
		Int("total_events", total).
		Str("target_user", opts.UserID).
		Bool("dry_run", opts.DryRun).
		Bool("force_delivery", opts.ForceDelivery).
		Msg("starting flush of undelivered messages")

	for userID, events := range pending {
		o.flushUser(ctx, userID, events, opts, result)
	}

	logging.Ctx(ctx).Info().
		Int("users_processed", result.UsersProcessed).
		Int("messages_delivered", result.MessagesDelivered).
		Int("messages_failed", result.MessagesFailed).
		Int("events_cleared", result.EventsCleared).
		Int("errors", len(result.Errors)).
		Msg("flush completed")
	return result, nil
}

func (o *Orchestrator) gather(ctx context.Context, userID string) (map[string][]models.Event, error) {
	if userID == "" {
		pending, err := o.store.GetUndeliveredEvents(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("gather undelivered events: %w", err)
		}
		return pending, nil
	}

	events, err := o.store.GetUndeliveredEventsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gather undelivered events for %s: %w", userID, err)
	}
	if len(events) == 0 {
		return map[string][]models.Event{}, nil
	}
	return map[string][]models.Event{userID: events}, nil
}

func (o *Orchestrator) flushUser(ctx context.Context, userID string, events []models.Event, opts Options, result *Result) {
	result.UsersProcessed++

	subs, err := o.store.GetUserSubscriptions(ctx, userID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("error processing user %s: %v", userID, err))
		return
	}
	if len(subs) == 0 {
		logging.Ctx(ctx).Warn().
			Str("user_id", userID).
			Int("undelivered_events", len(events)).
			Msg("no enabled subscriptions for user with pending events")
		return
	}

	delivered := 0
	for i := range subs {
		sub := &subs[i]

		body := aggregator.Aggregate(userID, events, sub.AggregationMethod)
		if body == "" {
			continue
		}
		subject := fmt.Sprintf("Undelivered Messages Summary for %s", userID)

		if opts.DryRun {
			logging.Ctx(ctx).Info().
				Str("user_id", userID).
				Str("subscription_id", sub.SubscriptionID).
				Int("event_count", len(events)).
				Msg("dry run, would flush undelivered messages")
			continue
		}

		correlationID := fmt.Sprintf("flush-%s-%d", userID, time.Now().Unix())
		logging.Ctx(ctx).Info().
			Str("user_id", userID).
			Str("subscription_id", sub.SubscriptionID).
			Int("event_count", len(events)).
			Str("delivery_method", string(sub.DeliveryMethod)).
			Str("correlation_id", correlationID).
			Msg("attempting to flush undelivered messages")

		if o.delivery.Deliver(ctx, sub, body, subject, Sender, correlationID) {
			result.MessagesDelivered++
			delivered++
		} else {
			result.MessagesFailed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to deliver flush message for user %s, subscription %s", userID, sub.SubscriptionID))
		}
	}

	if opts.DryRun {
		return
	}

	// Events are cleared when anything reached this user, or
	// unconditionally under force.
	if delivered > 0 || opts.ForceDelivery {
		cleared, err := o.store.ClearUserEvents(ctx, userID, time.Now().UTC().Add(time.Second))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to clear events for user %s: %v", userID, err))
			return
		}
		result.EventsCleared += cleared
		logging.Ctx(ctx).Info().
			Str("user_id", userID).
			Int("events_cleared", cleared).
			Msg("cleared undelivered events after flush")
	}
}
