// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/models"
)

// WebhookProvider delivers by POSTing a JSON payload to the subscription's
// webhook URL. Any 2xx response counts as delivered.
type WebhookProvider struct {
	client *http.Client
}

// NewWebhookProvider creates the webhook provider.
func NewWebhookProvider(timeout time.Duration) *WebhookProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookProvider{
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the delivery method identifier.
func (p *WebhookProvider) Name() models.DeliveryMethod {
	return models.DeliveryMethodWebhook
}

// WebhookPayload is the body POSTed to webhook endpoints.
type WebhookPayload struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// Send delivers one message to the subscription's webhook URL.
func (p *WebhookProvider) Send(ctx context.Context, params *SendParams) *Result {
	url := params.Subscription.WebhookURL
	if strings.TrimSpace(url) == "" {
		logging.Ctx(ctx).Error().
			Str("subscription_id", params.Subscription.SubscriptionID).
			Str("correlation_id", params.CorrelationID).
			Msg("webhook URL not configured for subscription")
		return failure(ErrorCodeInvalidConfig, "webhook URL not configured", false)
	}

	subject := params.Subject
	if subject == "" {
		subject = "Notification"
	}
	payload := WebhookPayload{
		Subject: subject,
		Message: params.Body,
		Sender:  params.Sender,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(ErrorCodeUnknown, fmt.Sprintf("failed to marshal payload: %v", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(ErrorCodeInvalidConfig, fmt.Sprintf("failed to create request: %v", err), false)
	}
	req.Header.Set("Content-Type", "application/json")

	logging.Ctx(ctx).Info().
		Str("webhook_url", truncateURL(url)).
		Str("subject", subject).
		Str("subscription_id", params.Subscription.SubscriptionID).
		Str("correlation_id", params.CorrelationID).
		Msg("attempting webhook delivery")

	resp, err := p.client.Do(req)
	if err != nil {
		code := ErrorCodeConnectionFailed
		if strings.Contains(err.Error(), "deadline") || strings.Contains(err.Error(), "timeout") {
			code = ErrorCodeTimeout
		}
		logging.Ctx(ctx).Error().
			Err(err).
			Str("webhook_url", truncateURL(url)).
			Str("subscription_id", params.Subscription.SubscriptionID).
			Str("correlation_id", params.CorrelationID).
			Msg("webhook delivery failed")
		return failure(code, err.Error(), true)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := classifyHTTPStatus(resp.StatusCode)
		msg := fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		logging.Ctx(ctx).Error().
			Int("status_code", resp.StatusCode).
			Str("webhook_url", truncateURL(url)).
			Str("subscription_id", params.Subscription.SubscriptionID).
			Str("correlation_id", params.CorrelationID).
			Msg("webhook delivery rejected")
		return failure(code, msg, isTransientHTTPStatus(resp.StatusCode))
	}

	logging.Ctx(ctx).Info().
		Int("status_code", resp.StatusCode).
		Str("webhook_url", truncateURL(url)).
		Str("subscription_id", params.Subscription.SubscriptionID).
		Str("correlation_id", params.CorrelationID).
		Msg("webhook delivered")
	return success()
}

// truncateURL shortens webhook URLs for logging; they often embed tokens.
func truncateURL(url string) string {
	if len(url) <= 50 {
		return url
	}
	return url[:50] + "..."
}

func classifyHTTPStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorCodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorCodeAuthFailed
	case status >= 500:
		return ErrorCodeServerError
	case status >= 400:
		return ErrorCodeClientError
	default:
		return ErrorCodeUnknown
	}
}

func isTransientHTTPStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
