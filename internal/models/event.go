// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package models defines the core data model: events, subscriptions, and
// the enumerations that control delivery behavior.
package models

import (
	"fmt"
	"time"
)

// EventType classifies a notification event.
// Stored as its upper-case string label.
type EventType string

const (
	EventTypeNotification EventType = "NOTIFICATION"
	EventTypeAlert        EventType = "ALERT"
	EventTypeWarning      EventType = "WARNING"
	EventTypeInfo         EventType = "INFO"
)

// ParseEventType converts a string label to an EventType.
// Returns false for unknown labels; callers decide whether to coerce
// to EventTypeNotification or reject.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventTypeNotification, EventTypeAlert, EventTypeWarning, EventTypeInfo:
		return EventType(s), true
	default:
		return EventTypeNotification, false
	}
}

// Valid reports whether the event type is one of the known labels.
func (t EventType) Valid() bool {
	_, ok := ParseEventType(string(t))
	return ok
}

// Event is a single addressable notification record.
//
// EventID is globally unique across the store. When a bus message fans out
// to multiple recipients, the ingestion processor mints a per-recipient id
// of the form "{event_id}-{user_id}" so each recipient gets a distinct
// document and redeliveries deduplicate by upsert.
type Event struct {
	EventID   string         `json:"event_id"`
	UserID    string         `json:"user_id"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Sender    string         `json:"sender"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RecipientEventID derives the per-recipient event id used during fan-out.
func RecipientEventID(eventID, userID string) string {
	return fmt.Sprintf("%s-%s", eventID, userID)
}
