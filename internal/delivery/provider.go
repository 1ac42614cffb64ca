// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package delivery implements the outbound channels. Two providers exist:
// SMTP email and generic JSON webhooks. Providers never return Go errors to
// callers; every attempt produces a Result and the caller's error strategy
// decides what a failure means.
package delivery

import (
	"context"
	"time"

	"github.com/arxiv/messaging-service/internal/models"
)

// Error codes attached to failed delivery results.
const (
	ErrorCodeInvalidRecipient = "invalid_recipient"
	ErrorCodeInvalidConfig    = "invalid_config"
	ErrorCodeAuthFailed       = "auth_failed"
	ErrorCodeConnectionFailed = "connection_failed"
	ErrorCodeTimeout          = "timeout"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeServerError      = "server_error"
	ErrorCodeClientError      = "client_error"
	ErrorCodeUnknown          = "unknown"
)

// SendParams carries one delivery attempt.
type SendParams struct {
	// Subscription is the delivery target. For gateway sends this is a
	// transient pseudo-subscription, never a stored one.
	Subscription *models.Subscription

	// Subject and Sender are the display headers; Body is the rendered
	// content (plain text, an HTML document, or a raw MIME message).
	Subject string
	Sender  string
	Body    string

	// CorrelationID ties the attempt back to the bus message or scheduler
	// run that caused it.
	CorrelationID string
}

// Result reports one delivery attempt.
type Result struct {
	Success      bool
	ErrorCode    string
	ErrorMessage string

	// Transient marks failures worth retrying (timeouts, connection
	// resets, rate limits). Permanent failures (bad recipient, auth)
	// are not.
	Transient bool

	DeliveredAt time.Time
}

// Provider is a single outbound channel.
type Provider interface {
	// Name returns the delivery method this provider serves.
	Name() models.DeliveryMethod

	// Send performs one delivery attempt. Implementations capture all
	// failures in the Result rather than panicking or returning errors.
	Send(ctx context.Context, params *SendParams) *Result
}

func failure(code, message string, transient bool) *Result {
	return &Result{
		ErrorCode:    code,
		ErrorMessage: message,
		Transient:    transient,
	}
}

func success() *Result {
	return &Result{
		Success:     true,
		DeliveredAt: time.Now().UTC(),
	}
}
