// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package store persists events and subscriptions. The service treats it as
// an abstract repository: document-per-key writes, range queries on the
// per-user time index, and bounded batch deletes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/arxiv/messaging-service/internal/models"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// writeBatchLimit bounds every bulk delete. Mirrors the 500-operation write
// batch cap of the hosted document store this layer was migrated from.
const writeBatchLimit = 500

// DeleteResult reports the outcome of a bulk event deletion.
type DeleteResult struct {
	Deleted   int      `json:"deleted_count"`
	FailedIDs []string `json:"failed_ids"`
	Requested int      `json:"total_requested"`
}

// UndeliveredStats summarizes events still awaiting delivery.
type UndeliveredStats struct {
	TotalUsers      int            `json:"total_users_with_undelivered"`
	TotalEvents     int            `json:"total_undelivered_events"`
	UsersWithCounts map[string]int `json:"users_with_counts"`
	EventsByType    map[string]int `json:"events_by_type"`
}

// EventStore is the repository contract consumed by ingestion, scheduling,
// flushing, and the administrative surface.
//
// Reads made after writes within a single process observe those writes.
// Events returned by range queries are ordered by timestamp ascending.
type EventStore interface {
	// StoreEvent upserts by event id. Idempotent by primary key.
	StoreEvent(ctx context.Context, event *models.Event) error

	// GetUserEvents returns the user's events with timestamp >= since
	// (all events when since is the zero time), ascending.
	GetUserEvents(ctx context.Context, userID string, since time.Time) ([]models.Event, error)

	// ClearUserEvents deletes the user's events with timestamp < before.
	// Returns the number of events deleted.
	ClearUserEvents(ctx context.Context, userID string, before time.Time) (int, error)

	// DeleteEventByID deletes one event. Returns false when it did not exist.
	DeleteEventByID(ctx context.Context, eventID string) (bool, error)

	// DeleteEventsByIDs deletes events in write-batch-bounded chunks.
	DeleteEventsByIDs(ctx context.Context, eventIDs []string) (DeleteResult, error)

	// StoreSubscription upserts by subscription id.
	StoreSubscription(ctx context.Context, sub *models.Subscription) error

	// GetSubscription fetches one subscription, ErrNotFound when absent.
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)

	// GetUserSubscriptions returns only enabled subscriptions; this is the
	// query the ingestion and scheduled paths use.
	GetUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)

	// ListUserSubscriptions returns all of the user's subscriptions,
	// disabled included. Administrative listing only.
	ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)

	// ListSubscriptions returns every subscription in the store.
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)

	// DeleteSubscription removes a subscription. Returns false when absent.
	DeleteSubscription(ctx context.Context, subscriptionID string) (bool, error)

	// GetUndeliveredEvents returns pending events grouped by user. A
	// positive limit caps the total number of events scanned.
	GetUndeliveredEvents(ctx context.Context, limit int) (map[string][]models.Event, error)

	// GetUndeliveredEventsByUser returns one user's pending events.
	GetUndeliveredEventsByUser(ctx context.Context, userID string) ([]models.Event, error)

	// GetUndeliveredStats summarizes pending events.
	GetUndeliveredStats(ctx context.Context) (*UndeliveredStats, error)

	// GetAllUsersWithSubscriptions returns distinct owner user ids.
	GetAllUsersWithSubscriptions(ctx context.Context) ([]string, error)

	// SetDeliveryWatermark records that everything older than t has been
	// delivered for the subscription.
	SetDeliveryWatermark(ctx context.Context, subscriptionID string, t time.Time) error

	// GetDeliveryWatermark returns the subscription's watermark, zero time
	// when none has been recorded.
	GetDeliveryWatermark(ctx context.Context, subscriptionID string) (time.Time, error)

	// PurgeDeliveredEvents deletes the user's events older than the minimum
	// delivery watermark across the user's enabled subscriptions. Events a
	// still-pending subscription has not digested are retained.
	PurgeDeliveredEvents(ctx context.Context, userID string) (int, error)

	// Close releases the underlying database.
	Close() error
}
