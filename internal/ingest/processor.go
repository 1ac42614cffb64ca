// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package ingest consumes the notification bus. Each message is decoded,
// fanned out to its recipients, delivered immediately where subscriptions
// ask for that, and finally acked or nacked as a whole.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/metrics"
	"github.com/arxiv/messaging-service/internal/models"
	"github.com/arxiv/messaging-service/internal/store"
)

// Decision is the bus acknowledgement verdict for one message.
type Decision int

const (
	// DecisionAck acknowledges: the message is fully processed or
	// undeliverable in a way no redelivery can fix.
	DecisionAck Decision = iota

	// DecisionNack requests redelivery of the entire message.
	DecisionNack
)

// envelope is the bus message payload. UserID may be a JSON string or a
// list of strings, so it is decoded in a second step.
type envelope struct {
	EventID   string          `json:"event_id"`
	UserID    json.RawMessage `json:"user_id"`
	EmailTo   string          `json:"email_to"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message"`
	Sender    string          `json:"sender"`
	Subject   string          `json:"subject"`
	Timestamp string          `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata"`
}

// recipientOutcome is the explicit result of processing one recipient.
// Retry-marked delivery failures and store errors make the outcome
// retryable; the aggregate of outcomes decides ack versus nack.
type recipientOutcome struct {
	UserID              string
	Skipped             bool
	FailedSubscriptions []string
	Err                 error
}

func (o recipientOutcome) retryable() bool {
	return o.Err != nil || len(o.FailedSubscriptions) > 0
}

// Deliverer is the slice of the delivery service the processor needs.
type Deliverer interface {
	Deliver(ctx context.Context, sub *models.Subscription, body, subject, sender, correlationID string) bool
}

// gatewayDefaultSender is the from-address for gateway messages that carry
// no sender of their own.
const gatewayDefaultSender = "no-reply@arxiv.org"

// Processor turns bus payloads into stored events and immediate deliveries.
type Processor struct {
	store    store.EventStore
	delivery Deliverer
}

// NewProcessor creates the ingestion processor.
func NewProcessor(eventStore store.EventStore, deliverySvc Deliverer) *Processor {
	return &Processor{
		store:    eventStore,
		delivery: deliverySvc,
	}
}

// Process handles one bus payload and returns the acknowledgement verdict.
func (p *Processor) Process(ctx context.Context, payload []byte) Decision {
	metrics.MessagesReceived.Inc()

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Msg("malformed bus message, discarding")
		metrics.MessagesAcked.WithLabelValues("discarded").Inc()
		return DecisionAck
	}

	eventID := env.EventID
	if eventID == "" {
		eventID = "unknown"
	}

	userIDs, userIDPresent, err := decodeUserIDs(env.UserID)
	if err != nil {
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("event_id", eventID).
			Msg("invalid user_id format, discarding")
		metrics.MessagesAcked.WithLabelValues("discarded").Inc()
		return DecisionAck
	}

	// Gateway mode: email_to without user_id means a single best-effort
	// send with nothing persisted.
	if env.EmailTo != "" && !userIDPresent {
		p.processGateway(ctx, &env, eventID)
		metrics.MessagesAcked.WithLabelValues("gateway").Inc()
		return DecisionAck
	}

	if !userIDPresent || len(userIDs) == 0 {
		logging.Ctx(ctx).Warn().
			Str("event_id", eventID).
			Msg("message missing both user_id and email_to, discarding")
		metrics.MessagesAcked.WithLabelValues("discarded").Inc()
		return DecisionAck
	}

	correlationID := logging.GenerateCorrelationID()
	ctx = logging.ContextWithCorrelationID(ctx, correlationID)

	logging.Ctx(ctx).Info().
		Str("event_id", eventID).
		Int("user_count", len(userIDs)).
		Msg("processing bus event")

	outcomes := make([]recipientOutcome, 0, len(userIDs))
	for _, userID := range userIDs {
		outcomes = append(outcomes, p.processRecipient(ctx, &env, eventID, userID))
	}

	processed, failed := 0, 0
	for _, outcome := range outcomes {
		if outcome.retryable() {
			failed++
			logging.Ctx(ctx).Error().
				Str("event_id", eventID).
				Str("user_id", outcome.UserID).
				Strs("failed_subscriptions", outcome.FailedSubscriptions).
				AnErr("error", outcome.Err).
				Msg("recipient processing failed")
		} else {
			processed++
		}
	}

	logging.Ctx(ctx).Info().
		Str("event_id", eventID).
		Int("total_users", len(userIDs)).
		Int("processed", processed).
		Int("failed", failed).
		Msg("bus event processing completed")

	if failed > 0 {
		metrics.MessagesNacked.Inc()
		return DecisionNack
	}
	metrics.MessagesAcked.WithLabelValues("processed").Inc()
	return DecisionAck
}

// decodeUserIDs accepts a JSON string or list of strings. The second return
// reports whether user_id was present at all.
func decodeUserIDs(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, false, nil
		}
		return []string{single}, true, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, true, nil
	}
	return nil, true, fmt.Errorf("user_id must be a string or a list of strings")
}

// processGateway performs the fire-and-forget send for email_to messages.
// The outcome never affects acknowledgement.
func (p *Processor) processGateway(ctx context.Context, env *envelope, eventID string) {
	correlationID := logging.GenerateCorrelationID()
	ctx = logging.ContextWithCorrelationID(ctx, correlationID)

	logging.Ctx(ctx).Info().
		Str("email_to", env.EmailTo).
		Str("subject", env.Subject).
		Str("sender", env.Sender).
		Str("event_id", eventID).
		Msg("processing email gateway message")

	sender := env.Sender
	if sender == "" {
		sender = gatewayDefaultSender
	}

	sub := models.GatewaySubscription(env.EmailTo)
	p.delivery.Deliver(ctx, sub, env.Message, env.Subject, sender, correlationID)
}

// processRecipient handles one fan-out target end to end: persist, deliver
// immediate subscriptions, decide retention.
func (p *Processor) processRecipient(ctx context.Context, env *envelope, eventID, userID string) recipientOutcome {
	outcome := recipientOutcome{UserID: userID}
	correlationID := logging.CorrelationIDFromContext(ctx)

	subs, err := p.store.GetUserSubscriptions(ctx, userID)
	if err != nil {
		outcome.Err = fmt.Errorf("get subscriptions for %s: %w", userID, err)
		return outcome
	}
	if len(subs) == 0 {
		logging.Ctx(ctx).Warn().
			Str("user_id", userID).
			Str("event_id", eventID).
			Msg("no enabled subscriptions, skipping recipient")
		outcome.Skipped = true
		return outcome
	}

	event := p.buildEvent(ctx, env, eventID, userID)
	if err := p.store.StoreEvent(ctx, event); err != nil {
		outcome.Err = fmt.Errorf("store event %s: %w", event.EventID, err)
		return outcome
	}
	metrics.EventsStored.Inc()

	var immediate, aggregated, succeeded []string
	for i := range subs {
		sub := &subs[i]
		if !sub.Immediate() {
			aggregated = append(aggregated, sub.SubscriptionID)
			continue
		}
		immediate = append(immediate, sub.SubscriptionID)

		logging.Ctx(ctx).Info().
			Str("subscription_id", sub.SubscriptionID).
			Str("user_id", userID).
			Str("delivery_method", string(sub.DeliveryMethod)).
			Msg("processing immediate delivery")

		ok := p.delivery.Deliver(ctx, sub, event.Message, event.Subject, event.Sender, correlationID)
		if ok {
			succeeded = append(succeeded, sub.SubscriptionID)
			continue
		}

		if sub.DeliveryErrorStrategy == models.StrategyRetry {
			logging.Ctx(ctx).Warn().
				Str("subscription_id", sub.SubscriptionID).
				Str("user_id", userID).
				Str("event_id", event.EventID).
				Msg("immediate delivery failed, subscription requests retry")
			outcome.FailedSubscriptions = append(outcome.FailedSubscriptions, sub.SubscriptionID)
		} else {
			logging.Ctx(ctx).Warn().
				Str("subscription_id", sub.SubscriptionID).
				Str("user_id", userID).
				Str("event_id", event.EventID).
				Msg("immediate delivery failed, ignoring per subscription strategy")
			succeeded = append(succeeded, sub.SubscriptionID)
		}
	}

	if len(outcome.FailedSubscriptions) > 0 {
		return outcome
	}

	// Delete the just-stored event only when every immediate subscription
	// succeeded and nothing aggregated needs it later.
	if len(immediate) > 0 && len(succeeded) == len(immediate) && len(aggregated) == 0 {
		if _, err := p.store.ClearUserEvents(ctx, userID, event.Timestamp.Add(time.Second)); err != nil {
			logging.Ctx(ctx).Warn().
				Err(err).
				Str("user_id", userID).
				Str("event_id", event.EventID).
				Msg("failed to purge event after immediate delivery, it may be reprocessed")
		} else {
			logging.Ctx(ctx).Info().
				Str("user_id", userID).
				Str("event_id", event.EventID).
				Msg("event purged after successful immediate delivery")
		}
	}

	return outcome
}

func (p *Processor) buildEvent(ctx context.Context, env *envelope, eventID, userID string) *models.Event {
	eventType, known := models.ParseEventType(env.EventType)
	if !known && env.EventType != "" {
		logging.Ctx(ctx).Warn().
			Str("event_type", env.EventType).
			Str("event_id", eventID).
			Str("user_id", userID).
			Msg("unknown event_type, defaulting to NOTIFICATION")
	}

	ts := time.Now().UTC()
	if env.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			ts = parsed
		} else {
			logging.Ctx(ctx).Warn().
				Str("timestamp", env.Timestamp).
				Str("event_id", eventID).
				Msg("unparseable timestamp, using current time")
		}
	}

	return &models.Event{
		EventID:   models.RecipientEventID(eventID, userID),
		UserID:    userID,
		EventType: eventType,
		Message:   env.Message,
		Sender:    env.Sender,
		Subject:   env.Subject,
		Timestamp: ts,
		Metadata:  env.Metadata,
	}
}
