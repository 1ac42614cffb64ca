// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/arxiv/messaging-service/internal/flush"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/models"
	"github.com/arxiv/messaging-service/internal/store"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "arxiv-messaging-api",
	})
}

// userStats is the per-user row of GET /users.
type userStats struct {
	UserID               string `json:"user_id"`
	SubscriptionCount    int    `json:"subscription_count"`
	UndeliveredCount     int    `json:"undelivered_count"`
	EnabledSubscriptions int    `json:"enabled_subscriptions"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	includeEmpty := r.URL.Query().Get("include_empty") == "true"

	stats, err := s.store.GetUndeliveredStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users: "+err.Error())
		return
	}
	subscribed, err := s.store.GetAllUsersWithSubscriptions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users: "+err.Error())
		return
	}

	seen := make(map[string]bool, len(subscribed))
	userIDs := make([]string, 0, len(subscribed))
	for _, userID := range subscribed {
		seen[userID] = true
		userIDs = append(userIDs, userID)
	}
	for userID := range stats.UsersWithCounts {
		if !seen[userID] {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs)

	result := make([]userStats, 0, len(userIDs))
	for _, userID := range userIDs {
		undelivered := stats.UsersWithCounts[userID]
		if undelivered == 0 && !includeEmpty {
			continue
		}
		subs, err := s.store.ListUserSubscriptions(ctx, userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list users: "+err.Error())
			return
		}
		enabled := 0
		for _, sub := range subs {
			if sub.Enabled {
				enabled++
			}
		}
		result = append(result, userStats{
			UserID:               userID,
			SubscriptionCount:    len(subs),
			UndeliveredCount:     undelivered,
			EnabledSubscriptions: enabled,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetUserMessages(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp: "+raw)
			return
		}
		since = parsed
	}

	events, err := s.store.GetUserEvents(r.Context(), userID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages: "+err.Error())
		return
	}

	if eventType := r.URL.Query().Get("event_type"); eventType != "" {
		filtered := events[:0]
		for _, event := range events {
			if string(event.EventType) == eventType {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		if limit < len(events) {
			events = events[:limit]
		}
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) findUserEvent(w http.ResponseWriter, r *http.Request) *models.Event {
	userID := chi.URLParam(r, "userID")
	messageID := chi.URLParam(r, "messageID")

	events, err := s.store.GetUserEvents(r.Context(), userID, time.Time{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get message: "+err.Error())
		return nil
	}
	for i := range events {
		if events[i].EventID == messageID {
			return &events[i]
		}
	}
	writeError(w, http.StatusNotFound, "message "+messageID+" not found for user "+userID)
	return nil
}

func (s *Server) handleGetUserMessage(w http.ResponseWriter, r *http.Request) {
	if event := s.findUserEvent(w, r); event != nil {
		writeJSON(w, http.StatusOK, event)
	}
}

func (s *Server) handleDeleteUserMessage(w http.ResponseWriter, r *http.Request) {
	// Ownership check before the delete; ids are global but the route is
	// scoped to one user.
	event := s.findUserEvent(w, r)
	if event == nil {
		return
	}

	if _, err := s.store.DeleteEventByID(r.Context(), event.EventID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete message: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "deleted",
		"event_id": event.EventID,
		"user_id":  event.UserID,
	})
}

func (s *Server) handleDeleteUserMessages(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	deleted, err := s.store.ClearUserEvents(r.Context(), userID, time.Now().UTC().Add(time.Second))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete messages: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "deleted",
		"user_id":        userID,
		"events_deleted": deleted,
	})
}

func (s *Server) handleListUndelivered(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = parsed
	}

	byUser, err := s.store.GetUndeliveredEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list undelivered messages: "+err.Error())
		return
	}

	userIDs := make([]string, 0, len(byUser))
	for userID := range byUser {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	events := []models.Event{}
	for _, userID := range userIDs {
		events = append(events, byUser[userID]...)
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUndeliveredStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetUndeliveredStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// deleteRequest selects events for DELETE /undelivered. At least one of the
// selectors must be set; event_ids takes precedence, then user_id (optionally
// bounded by before_timestamp), then before_timestamp alone across all users.
type deleteRequest struct {
	UserID          string     `json:"user_id,omitempty"`
	EventIDs        []string   `json:"event_ids,omitempty"`
	BeforeTimestamp *time.Time `json:"before_timestamp,omitempty"`
}

type deleteResponse struct {
	EventsDeleted int      `json:"events_deleted"`
	UsersAffected []string `json:"users_affected"`
}

func (s *Server) handleDeleteUndelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch {
	case len(req.EventIDs) > 0:
		result, err := s.store.DeleteEventsByIDs(ctx, req.EventIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete messages: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, deleteResponse{
			EventsDeleted: result.Deleted,
			UsersAffected: []string{},
		})

	case req.UserID != "":
		before := time.Now().UTC().Add(time.Second)
		if req.BeforeTimestamp != nil {
			before = *req.BeforeTimestamp
		}
		deleted, err := s.store.ClearUserEvents(ctx, req.UserID, before)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete messages: "+err.Error())
			return
		}
		affected := []string{}
		if deleted > 0 {
			affected = append(affected, req.UserID)
		}
		writeJSON(w, http.StatusOK, deleteResponse{
			EventsDeleted: deleted,
			UsersAffected: affected,
		})

	case req.BeforeTimestamp != nil:
		byUser, err := s.store.GetUndeliveredEvents(ctx, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete messages: "+err.Error())
			return
		}
		total := 0
		affected := []string{}
		for userID := range byUser {
			deleted, err := s.store.ClearUserEvents(ctx, userID, *req.BeforeTimestamp)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to delete messages: "+err.Error())
				return
			}
			if deleted > 0 {
				total += deleted
				affected = append(affected, userID)
			}
		}
		sort.Strings(affected)
		writeJSON(w, http.StatusOK, deleteResponse{
			EventsDeleted: total,
			UsersAffected: affected,
		})

	default:
		writeError(w, http.StatusBadRequest, "one of user_id, event_ids, or before_timestamp is required")
	}
}

// flushRequest is the body of POST /flush. An empty body flushes everything.
type flushRequest struct {
	UserID        string `json:"user_id,omitempty"`
	ForceDelivery bool   `json:"force_delivery"`
	DryRun        bool   `json:"dry_run"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	logging.Info().
		Str("user_id", req.UserID).
		Bool("force_delivery", req.ForceDelivery).
		Bool("dry_run", req.DryRun).
		Msg("flush requested via API")

	result, err := s.flusher.Flush(r.Context(), flush.Options{
		UserID:        req.UserID,
		DryRun:        req.DryRun,
		ForceDelivery: req.ForceDelivery,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to flush messages: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	subs, err := s.store.ListUserSubscriptions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscriptions: "+err.Error())
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var sub models.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// The path owns the user id; a conflicting body is rejected rather than
	// silently rebound.
	if sub.UserID != "" && sub.UserID != userID {
		writeError(w, http.StatusBadRequest, "user_id in body does not match path")
		return
	}
	sub.UserID = userID
	if sub.SubscriptionID == "" {
		sub.SubscriptionID = uuid.New().String()
	}
	sub.ApplyDefaults()
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.StoreSubscription(r.Context(), &sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create subscription: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) getOwnedSubscription(w http.ResponseWriter, r *http.Request) *models.Subscription {
	userID := chi.URLParam(r, "userID")
	subscriptionID := chi.URLParam(r, "subscriptionID")

	sub, err := s.store.GetSubscription(r.Context(), subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription "+subscriptionID+" not found")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription: "+err.Error())
		return nil
	}
	if sub.UserID != userID {
		writeError(w, http.StatusNotFound, "subscription "+subscriptionID+" not found for user "+userID)
		return nil
	}
	return sub
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	if sub := s.getOwnedSubscription(w, r); sub != nil {
		writeJSON(w, http.StatusOK, sub)
	}
}

// subscriptionUpdate is the PUT body; absent fields are left unchanged.
type subscriptionUpdate struct {
	DeliveryMethod        *models.DeliveryMethod        `json:"delivery_method,omitempty"`
	AggregationFrequency  *models.AggregationFrequency  `json:"aggregation_frequency,omitempty"`
	AggregationMethod     *models.AggregationMethod     `json:"aggregation_method,omitempty"`
	DeliveryErrorStrategy *models.DeliveryErrorStrategy `json:"delivery_error_strategy,omitempty"`
	DeliveryTime          *string                       `json:"delivery_time,omitempty"`
	Timezone              *string                       `json:"timezone,omitempty"`
	EmailAddress          *string                       `json:"email_address,omitempty"`
	WebhookURL            *string                       `json:"webhook_url,omitempty"`
	Enabled               *bool                         `json:"enabled,omitempty"`
}

func (u *subscriptionUpdate) apply(sub *models.Subscription) {
	if u.DeliveryMethod != nil {
		sub.DeliveryMethod = *u.DeliveryMethod
	}
	if u.AggregationFrequency != nil {
		sub.AggregationFrequency = *u.AggregationFrequency
	}
	if u.AggregationMethod != nil {
		sub.AggregationMethod = *u.AggregationMethod
	}
	if u.DeliveryErrorStrategy != nil {
		sub.DeliveryErrorStrategy = *u.DeliveryErrorStrategy
	}
	if u.DeliveryTime != nil {
		sub.DeliveryTime = *u.DeliveryTime
	}
	if u.Timezone != nil {
		sub.Timezone = *u.Timezone
	}
	if u.EmailAddress != nil {
		sub.EmailAddress = *u.EmailAddress
	}
	if u.WebhookURL != nil {
		sub.WebhookURL = *u.WebhookURL
	}
	if u.Enabled != nil {
		sub.Enabled = *u.Enabled
	}
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedSubscription(w, r)
	if sub == nil {
		return
	}

	var update subscriptionUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	update.apply(sub)

	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.StoreSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update subscription: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub := s.getOwnedSubscription(w, r)
	if sub == nil {
		return
	}

	if _, err := s.store.DeleteSubscription(r.Context(), sub.SubscriptionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete subscription: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "deleted",
		"subscription_id": sub.SubscriptionID,
		"user_id":         sub.UserID,
	})
}
