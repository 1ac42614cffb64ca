// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/flush"
	"github.com/arxiv/messaging-service/internal/models"
	"github.com/arxiv/messaging-service/internal/store"
)

type stubFlusher struct {
	lastOpts flush.Options
	result   *flush.Result
}

func (f *stubFlusher) Flush(_ context.Context, opts flush.Options) (*flush.Result, error) {
	f.lastOpts = opts
	if f.result != nil {
		return f.result, nil
	}
	return &flush.Result{Errors: []string{}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.BadgerStore, *stubFlusher) {
	t.Helper()
	s, err := store.Open(store.Options{InMemory: true})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	flusher := &stubFlusher{}
	srv := NewServer(s, flusher, config.APIConfig{Port: 0})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, s, flusher
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, buf.Bytes()
}

func seedEvent(t *testing.T, s *store.BadgerStore, id, userID string, eventType models.EventType, ts time.Time) {
	t.Helper()
	err := s.StoreEvent(context.Background(), &models.Event{
		EventID:   id,
		UserID:    userID,
		EventType: eventType,
		Message:   "message " + id,
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("StoreEvent() error = %v", err)
	}
}

func seedSubscription(t *testing.T, s *store.BadgerStore, id, userID string, enabled bool) {
	t.Helper()
	err := s.StoreSubscription(context.Background(), &models.Subscription{
		SubscriptionID:       id,
		UserID:               userID,
		DeliveryMethod:       models.DeliveryMethodEmail,
		AggregationFrequency: models.FrequencyDaily,
		EmailAddress:         userID + "@example.org",
		Enabled:              enabled,
	})
	if err != nil {
		t.Fatalf("StoreSubscription() error = %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["status"] != "healthy" || payload["service"] != "arxiv-messaging-api" {
		t.Errorf("payload = %v", payload)
	}
}

func TestListUsers(t *testing.T) {
	ts, s, _ := newTestServer(t)
	now := time.Now().UTC()

	seedSubscription(t, s, "sub-a1", "alice", true)
	seedSubscription(t, s, "sub-a2", "alice", false)
	seedEvent(t, s, "evt-1", "alice", models.EventTypeNotification, now)
	// bob has a subscription but no pending events.
	seedSubscription(t, s, "sub-b1", "bob", true)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var users []map[string]any
	if err := json.Unmarshal(body, &users); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %d, want 1 (bob has no pending events)", len(users))
	}
	if users[0]["user_id"] != "alice" ||
		users[0]["subscription_count"].(float64) != 2 ||
		users[0]["enabled_subscriptions"].(float64) != 1 ||
		users[0]["undelivered_count"].(float64) != 1 {
		t.Errorf("alice row = %v", users[0])
	}

	// include_empty brings bob in.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/users?include_empty=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &users); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("users with include_empty = %d, want 2", len(users))
	}
}

func TestGetUserMessagesFilters(t *testing.T) {
	ts, s, _ := newTestServer(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seedEvent(t, s, "evt-1", "alice", models.EventTypeNotification, base)
	seedEvent(t, s, "evt-2", "alice", models.EventTypeAlert, base.Add(time.Minute))
	seedEvent(t, s, "evt-3", "alice", models.EventTypeAlert, base.Add(2*time.Minute))

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by type", "?event_type=ALERT", 2},
		{"since", "?since=" + base.Add(time.Minute).Format(time.RFC3339), 2},
		{"limit", "?limit=1", 1},
		{"combined", "?event_type=ALERT&limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodGet, ts.URL+"/users/alice/messages"+tt.query, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var events []models.Event
			if err := json.Unmarshal(body, &events); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("events = %d, want %d", len(events), tt.want)
			}
		})
	}

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/users/alice/messages?since=garbage", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetAndDeleteSingleMessage(t *testing.T) {
	ts, s, _ := newTestServer(t)
	now := time.Now().UTC()
	seedEvent(t, s, "evt-1", "alice", models.EventTypeNotification, now)
	seedEvent(t, s, "evt-2", "bob", models.EventTypeNotification, now)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/users/alice/messages/evt-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var event models.Event
	if err := json.Unmarshal(body, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.EventID != "evt-1" {
		t.Errorf("event_id = %q", event.EventID)
	}

	// Cross-user access is a 404, not a leak.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/users/alice/messages/evt-2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-user get: status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/users/alice/messages/evt-2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-user delete: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/users/alice/messages/evt-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	events, _ := s.GetUserEvents(context.Background(), "alice", time.Time{})
	if len(events) != 0 {
		t.Errorf("alice events after delete = %d, want 0", len(events))
	}
	bobEvents, _ := s.GetUserEvents(context.Background(), "bob", time.Time{})
	if len(bobEvents) != 1 {
		t.Errorf("bob events = %d, want 1 untouched", len(bobEvents))
	}
}

func TestDeleteAllUserMessages(t *testing.T) {
	ts, s, _ := newTestServer(t)
	now := time.Now().UTC()
	seedEvent(t, s, "evt-1", "alice", models.EventTypeNotification, now.Add(-time.Hour))
	seedEvent(t, s, "evt-2", "alice", models.EventTypeNotification, now)

	resp, body := doJSON(t, http.MethodDelete, ts.URL+"/users/alice/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["events_deleted"].(float64) != 2 {
		t.Errorf("events_deleted = %v, want 2", payload["events_deleted"])
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	ts, s, _ := newTestServer(t)

	// Create without an id: the server generates one and fills defaults.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/users/alice/subscriptions", map[string]any{
		"delivery_method":       "email",
		"aggregation_frequency": "daily",
		"email_address":         "alice@example.org",
		"enabled":               true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", resp.StatusCode, body)
	}
	var created models.Subscription
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.SubscriptionID == "" || created.UserID != "alice" {
		t.Errorf("created = %+v", created)
	}
	if created.AggregationMethod != models.MethodPlain || created.Timezone != "UTC" {
		t.Errorf("defaults not applied: %+v", created)
	}

	subURL := ts.URL + "/users/alice/subscriptions/" + created.SubscriptionID

	resp, body = doJSON(t, http.MethodGet, subURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}

	// Partial update: only the flipped field changes.
	resp, body = doJSON(t, http.MethodPut, subURL, map[string]any{"enabled": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200: %s", resp.StatusCode, body)
	}
	var updated models.Subscription
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Enabled {
		t.Error("enabled not flipped")
	}
	if updated.EmailAddress != "alice@example.org" {
		t.Errorf("email changed unexpectedly: %q", updated.EmailAddress)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/users/alice/subscriptions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var subs []models.Subscription
	if err := json.Unmarshal(body, &subs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subs = %d, want 1", len(subs))
	}

	resp, _ = doJSON(t, http.MethodDelete, subURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	if _, err := s.GetSubscription(context.Background(), created.SubscriptionID); err == nil {
		t.Error("subscription still present after delete")
	}
}

func TestSubscriptionValidationAndOwnership(t *testing.T) {
	ts, s, _ := newTestServer(t)
	seedSubscription(t, s, "sub-bob", "bob", true)

	// Email subscriptions require an address.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/users/alice/subscriptions", map[string]any{
		"delivery_method":       "email",
		"aggregation_frequency": "daily",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing address: status = %d, want 400: %s", resp.StatusCode, body)
	}

	// Body user_id conflicting with the path is rejected.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/users/alice/subscriptions", map[string]any{
		"user_id":               "mallory",
		"delivery_method":       "email",
		"aggregation_frequency": "daily",
		"email_address":         "a@example.org",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("conflicting user_id: status = %d, want 400", resp.StatusCode)
	}

	// Another user's subscription is invisible under this user's path.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/users/alice/subscriptions/sub-bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-user get: status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/users/alice/subscriptions/sub-bob", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-user delete: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/users/alice/subscriptions/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing sub: status = %d, want 404", resp.StatusCode)
	}
}

func TestUndeliveredEndpoints(t *testing.T) {
	ts, s, _ := newTestServer(t)
	now := time.Now().UTC()
	seedEvent(t, s, "evt-1", "alice", models.EventTypeNotification, now)
	seedEvent(t, s, "evt-2", "alice", models.EventTypeAlert, now)
	seedEvent(t, s, "evt-3", "bob", models.EventTypeNotification, now)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/undelivered", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var events []models.Event
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("events = %d, want 3", len(events))
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/undelivered/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", resp.StatusCode)
	}
	var stats store.UndeliveredStats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalUsers != 2 || stats.TotalEvents != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.EventsByType["ALERT"] != 1 {
		t.Errorf("EventsByType = %v", stats.EventsByType)
	}
}

func TestDeleteUndelivered(t *testing.T) {
	ts, s, _ := newTestServer(t)
	now := time.Now().UTC()
	seedEvent(t, s, "evt-1", "alice", models.EventTypeNotification, now.Add(-2*time.Hour))
	seedEvent(t, s, "evt-2", "alice", models.EventTypeNotification, now)
	seedEvent(t, s, "evt-3", "bob", models.EventTypeNotification, now.Add(-2*time.Hour))

	// By event ids.
	resp, body := doJSON(t, http.MethodDelete, ts.URL+"/undelivered", map[string]any{
		"event_ids": []string{"evt-2"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	var delResp deleteResponse
	if err := json.Unmarshal(body, &delResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if delResp.EventsDeleted != 1 {
		t.Errorf("events_deleted = %d, want 1", delResp.EventsDeleted)
	}

	// By cutoff across all users.
	cutoff := now.Add(-time.Hour).Format(time.RFC3339)
	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/undelivered", map[string]any{
		"before_timestamp": cutoff,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &delResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if delResp.EventsDeleted != 2 || len(delResp.UsersAffected) != 2 {
		t.Errorf("response = %+v", delResp)
	}

	// No selector at all.
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/undelivered", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty selector: status = %d, want 400", resp.StatusCode)
	}
}

func TestFlushEndpoint(t *testing.T) {
	ts, _, flusher := newTestServer(t)
	flusher.result = &flush.Result{
		UsersProcessed:    2,
		MessagesDelivered: 2,
		EventsCleared:     5,
		Errors:            []string{},
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/flush", map[string]any{
		"user_id":        "alice",
		"force_delivery": true,
		"dry_run":        false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	if flusher.lastOpts.UserID != "alice" || !flusher.lastOpts.ForceDelivery || flusher.lastOpts.DryRun {
		t.Errorf("opts = %+v", flusher.lastOpts)
	}
	if !strings.Contains(string(body), `"events_cleared":5`) {
		t.Errorf("body = %s", body)
	}

	// Empty body is a full flush.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/flush", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty flush status = %d, want 200", resp.StatusCode)
	}
	if flusher.lastOpts.UserID != "" || flusher.lastOpts.ForceDelivery {
		t.Errorf("opts after empty flush = %+v", flusher.lastOpts)
	}
}
