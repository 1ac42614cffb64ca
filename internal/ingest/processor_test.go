// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arxiv/messaging-service/internal/models"
	"github.com/arxiv/messaging-service/internal/store"
)

// fakeDeliverer records delivery attempts and answers per address.
type fakeDeliverer struct {
	failFor map[string]bool // keyed by email address or webhook URL
	sends   []fakeSend
}

type fakeSend struct {
	SubscriptionID string
	Address        string
	Body           string
	Subject        string
	Sender         string
}

func (d *fakeDeliverer) Deliver(_ context.Context, sub *models.Subscription, body, subject, sender, _ string) bool {
	address := sub.EmailAddress
	if sub.DeliveryMethod == models.DeliveryMethodWebhook {
		address = sub.WebhookURL
	}
	d.sends = append(d.sends, fakeSend{
		SubscriptionID: sub.SubscriptionID,
		Address:        address,
		Body:           body,
		Subject:        subject,
		Sender:         sender,
	})
	return !d.failFor[address]
}

func newTestProcessor(t *testing.T) (*Processor, *store.BadgerStore, *fakeDeliverer) {
	t.Helper()
	s, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	d := &fakeDeliverer{failFor: map[string]bool{}}
	return NewProcessor(s, d), s, d
}

func immediateEmailSub(id, userID, address string, strategy models.DeliveryErrorStrategy) *models.Subscription {
	sub := &models.Subscription{
		SubscriptionID:        id,
		UserID:                userID,
		DeliveryMethod:        models.DeliveryMethodEmail,
		AggregationFrequency:  models.FrequencyImmediate,
		DeliveryErrorStrategy: strategy,
		EmailAddress:          address,
		Enabled:               true,
	}
	return sub
}

func payload(fields string) []byte {
	return []byte(fields)
}

func TestProcessImmediateEmailSuccessPurges(t *testing.T) {
	p, s, d := newTestProcessor(t)
	ctx := context.Background()

	if err := s.StoreSubscription(ctx, immediateEmailSub("s1", "u1", "u1@x", models.StrategyRetry)); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}

	decision := p.Process(ctx, payload(`{"event_id":"e1","user_id":"u1","subject":"hi","message":"m","sender":"s@x","event_type":"INFO","timestamp":"2024-01-01T00:00:00Z"}`))
	if decision != DecisionAck {
		t.Fatalf("decision = %v, want ack", decision)
	}

	if len(d.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(d.sends))
	}
	if d.sends[0].Address != "u1@x" || d.sends[0].Subject != "hi" || d.sends[0].Body != "m" {
		t.Errorf("send = %+v", d.sends[0])
	}

	// Only immediate subscriptions exist, so the event is purged.
	events, err := s.GetUserEvents(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("GetUserEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events after purge = %d, want 0", len(events))
	}
}

func TestProcessImmediatePlusDailyRetainsEvent(t *testing.T) {
	p, s, d := newTestProcessor(t)
	ctx := context.Background()

	if err := s.StoreSubscription(ctx, immediateEmailSub("s1", "u1", "u1@x", models.StrategyRetry)); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}
	daily := &models.Subscription{
		SubscriptionID:       "s2",
		UserID:               "u1",
		DeliveryMethod:       models.DeliveryMethodEmail,
		AggregationFrequency: models.FrequencyDaily,
		AggregationMethod:    models.MethodHTML,
		EmailAddress:         "u1@x",
		Enabled:              true,
	}
	if err := s.StoreSubscription(ctx, daily); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}

	decision := p.Process(ctx, payload(`{"event_id":"e1","user_id":"u1","subject":"hi","message":"m","sender":"s@x","event_type":"INFO","timestamp":"2024-01-01T00:00:00Z"}`))
	if decision != DecisionAck {
		t.Fatalf("decision = %v, want ack", decision)
	}
	if len(d.sends) != 1 {
		t.Fatalf("sends = %d, want 1 (only the immediate subscription)", len(d.sends))
	}

	events, err := s.GetUserEvents(ctx, "u1", time.Time{})
	if err != nil {
		t.Fatalf("GetUserEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 retained for the daily digest", len(events))
	}
	if events[0].EventID != "e1-u1" {
		t.Errorf("event id = %s, want e1-u1", events[0].EventID)
	}
}

func TestProcessFanOutPartialFailureNacks(t *testing.T) {
	p, s, d := newTestProcessor(t)
	ctx := context.Background()

	if err := s.StoreSubscription(ctx, immediateEmailSub("s1", "u1", "u1@x", models.StrategyRetry)); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}
	if err := s.StoreSubscription(ctx, immediateEmailSub("s2", "u2", "u2@x", models.StrategyIgnore)); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}
	d.failFor["u1@x"] = true

	msg := payload(`{"event_id":"e1","user_id":["u1","u2"],"subject":"hi","message":"m","sender":"s@x","timestamp":"2024-01-01T00:00:00Z"}`)
	decision := p.Process(ctx, msg)
	if decision != DecisionNack {
		t.Fatalf("decision = %v, want nack (u1 requested retry)", decision)
	}

	// u1 fails with retry strategy; its event stays for the redelivery.
	u1Events, _ := s.GetUserEvents(ctx, "u1", time.Time{})
	if len(u1Events) != 1 || u1Events[0].EventID != "e1-u1" {
		t.Errorf("u1 events = %+v, want one e1-u1", u1Events)
	}
	// u2's ignore strategy treats the failure path as success; since u2
	// succeeded and has only immediate subscriptions, its copy is purged.
	u2Events, _ := s.GetUserEvents(ctx, "u2", time.Time{})
	if len(u2Events) != 0 {
		t.Errorf("u2 events = %d, want 0", len(u2Events))
	}

	// Redelivery: provider recovered for u1.
	d.failFor["u1@x"] = false
	decision = p.Process(ctx, msg)
	if decision != DecisionAck {
		t.Fatalf("redelivery decision = %v, want ack", decision)
	}
	u1Events, _ = s.GetUserEvents(ctx, "u1", time.Time{})
	if len(u1Events) != 0 {
		t.Errorf("u1 events after redelivery = %d, want 0", len(u1Events))
	}
}

func TestProcessGatewayMode(t *testing.T) {
	p, s, d := newTestProcessor(t)
	ctx := context.Background()

	decision := p.Process(ctx, payload(`{"event_id":"e2","email_to":"x@y","subject":"s","message":"m","sender":"a@b"}`))
	if decision != DecisionAck {
		t.Fatalf("decision = %v, want ack", decision)
	}
	if len(d.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(d.sends))
	}
	if d.sends[0].Address != "x@y" || d.sends[0].Sender != "a@b" {
		t.Errorf("send = %+v", d.sends[0])
	}

	// Gateway never persists.
	stats, err := s.GetUndeliveredStats(ctx)
	if err != nil {
		t.Fatalf("GetUndeliveredStats() error = %v", err)
	}
	if stats.TotalEvents != 0 {
		t.Errorf("stored events = %d, want 0", stats.TotalEvents)
	}
}

func TestProcessGatewayFailureStillAcks(t *testing.T) {
	p, _, d := newTestProcessor(t)
	d.failFor["x@y"] = true

	decision := p.Process(context.Background(), payload(`{"event_id":"e2","email_to":"x@y","message":"m"}`))
	if decision != DecisionAck {
		t.Errorf("decision = %v, want ack (gateway is best-effort)", decision)
	}
}

func TestProcessGatewayDefaultsSender(t *testing.T) {
	p, _, d := newTestProcessor(t)

	p.Process(context.Background(), payload(`{"event_id":"e2","email_to":"x@y","message":"m"}`))
	if len(d.sends) != 1 || d.sends[0].Sender != "no-reply@arxiv.org" {
		t.Errorf("sends = %+v, want default sender", d.sends)
	}
}

func TestProcessDiscardsUndeliverable(t *testing.T) {
	p, _, d := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  string
	}{
		{"malformed json", `{not json`},
		{"missing addressing", `{"event_id":"e1","message":"m"}`},
		{"empty user list", `{"event_id":"e1","user_id":[]}`},
		{"invalid user_id type", `{"event_id":"e1","user_id":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if decision := p.Process(ctx, payload(tt.msg)); decision != DecisionAck {
				t.Errorf("decision = %v, want ack-and-discard", decision)
			}
		})
	}
	if len(d.sends) != 0 {
		t.Errorf("sends = %d, want 0", len(d.sends))
	}
}

func TestProcessSkipsRecipientsWithoutSubscriptions(t *testing.T) {
	p, s, d := newTestProcessor(t)
	ctx := context.Background()

	if err := s.StoreSubscription(ctx, immediateEmailSub("s1", "u1", "u1@x", models.StrategyRetry)); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}

	// u2 has no subscriptions; that must not fail the message.
	decision := p.Process(ctx, payload(`{"event_id":"e1","user_id":["u1","u2"],"message":"m","timestamp":"2024-01-01T00:00:00Z"}`))
	if decision != DecisionAck {
		t.Fatalf("decision = %v, want ack", decision)
	}
	if len(d.sends) != 1 {
		t.Errorf("sends = %d, want 1", len(d.sends))
	}
	u2Events, _ := s.GetUserEvents(ctx, "u2", time.Time{})
	if len(u2Events) != 0 {
		t.Errorf("u2 events = %d, want 0 (skipped recipient stores nothing)", len(u2Events))
	}
}

func TestProcessUnknownEventTypeDegrades(t *testing.T) {
	p, s, _ := newTestProcessor(t)
	ctx := context.Background()

	// Daily-only subscription so the event is retained for inspection.
	daily := &models.Subscription{
		SubscriptionID:       "s1",
		UserID:               "u1",
		DeliveryMethod:       models.DeliveryMethodEmail,
		AggregationFrequency: models.FrequencyDaily,
		EmailAddress:         "u1@x",
		Enabled:              true,
	}
	if err := s.StoreSubscription(ctx, daily); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}

	decision := p.Process(ctx, payload(`{"event_id":"e1","user_id":"u1","message":"m","event_type":"BOGUS","timestamp":"2024-01-01T00:00:00Z"}`))
	if decision != DecisionAck {
		t.Fatalf("decision = %v, want ack", decision)
	}
	events, _ := s.GetUserEvents(ctx, "u1", time.Time{})
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].EventType != models.EventTypeNotification {
		t.Errorf("event type = %s, want NOTIFICATION", events[0].EventType)
	}
}

func TestProcessFanOutIsIdempotentAcrossRedeliveries(t *testing.T) {
	p, s, _ := newTestProcessor(t)
	ctx := context.Background()

	daily := &models.Subscription{
		SubscriptionID:       "s1",
		UserID:               "u1",
		DeliveryMethod:       models.DeliveryMethodEmail,
		AggregationFrequency: models.FrequencyDaily,
		EmailAddress:         "u1@x",
		Enabled:              true,
	}
	if err := s.StoreSubscription(ctx, daily); err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}

	msg := payload(`{"event_id":"e1","user_id":"u1","message":"m","timestamp":"2024-01-01T00:00:00Z"}`)
	for i := 0; i < 3; i++ {
		if decision := p.Process(ctx, msg); decision != DecisionAck {
			t.Fatalf("attempt %d decision = %v, want ack", i, decision)
		}
	}

	events, _ := s.GetUserEvents(ctx, "u1", time.Time{})
	if len(events) != 1 {
		t.Errorf("events after 3 redeliveries = %d, want 1 (upsert by id)", len(events))
	}
}

func TestDecodeUserIDs(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		want        []string
		wantPresent bool
		wantErr     bool
	}{
		{"absent", "", nil, false, false},
		{"null", "null", nil, false, false},
		{"empty string", `""`, nil, false, false},
		{"single", `"u1"`, []string{"u1"}, true, false},
		{"list", `["u1","u2"]`, []string{"u1", "u2"}, true, false},
		{"number", `42`, nil, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, present, err := decodeUserIDs([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if present != tt.wantPresent {
				t.Errorf("present = %v, want %v", present, tt.wantPresent)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}
