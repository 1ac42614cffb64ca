// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DeliveryMethod selects the channel a subscription is delivered over.
// Stored as its lower-case string label.
type DeliveryMethod string

const (
	DeliveryMethodEmail   DeliveryMethod = "email"
	DeliveryMethodWebhook DeliveryMethod = "webhook"
)

// AggregationFrequency controls when a subscription is delivered.
// "immediate" delivers during ingestion; the others batch into digests.
type AggregationFrequency string

const (
	FrequencyImmediate AggregationFrequency = "immediate"
	FrequencyHourly    AggregationFrequency = "hourly"
	FrequencyDaily     AggregationFrequency = "daily"
	FrequencyWeekly    AggregationFrequency = "weekly"
)

// AggregationMethod selects the digest encoding.
type AggregationMethod string

const (
	MethodPlain AggregationMethod = "plain"
	MethodMIME  AggregationMethod = "mime"
	MethodHTML  AggregationMethod = "html"
)

// DeliveryErrorStrategy decides what an immediate-delivery failure does to
// the bus message: "retry" marks the recipient failed (the message is
// nacked and redelivered), "ignore" treats the failure as success.
type DeliveryErrorStrategy string

const (
	StrategyRetry  DeliveryErrorStrategy = "retry"
	StrategyIgnore DeliveryErrorStrategy = "ignore"
)

// Subscription is a user's named delivery contract: channel, cadence,
// digest format, and error policy.
type Subscription struct {
	SubscriptionID        string                `json:"subscription_id" validate:"required"`
	UserID                string                `json:"user_id" validate:"required"`
	DeliveryMethod        DeliveryMethod        `json:"delivery_method" validate:"required,oneof=email webhook"`
	AggregationFrequency  AggregationFrequency  `json:"aggregation_frequency" validate:"required,oneof=immediate hourly daily weekly"`
	AggregationMethod     AggregationMethod     `json:"aggregation_method" validate:"omitempty,oneof=plain mime html"`
	DeliveryErrorStrategy DeliveryErrorStrategy `json:"delivery_error_strategy" validate:"omitempty,oneof=retry ignore"`
	DeliveryTime          string                `json:"delivery_time" validate:"omitempty,len=5"`
	Timezone              string                `json:"timezone"`
	EmailAddress          string                `json:"email_address,omitempty" validate:"omitempty,email"`
	WebhookURL            string                `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Enabled               bool                  `json:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ApplyDefaults fills the optional fields the way the store and the
// administrative interface expect them.
func (s *Subscription) ApplyDefaults() {
	if s.AggregationMethod == "" {
		s.AggregationMethod = MethodPlain
	}
	if s.DeliveryErrorStrategy == "" {
		s.DeliveryErrorStrategy = StrategyRetry
	}
	if s.DeliveryTime == "" {
		s.DeliveryTime = "09:00"
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
}

// Validate checks structural integrity plus the channel-specific address
// requirement: email subscriptions need an email address, webhook
// subscriptions need a webhook URL.
func (s *Subscription) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}
	switch s.DeliveryMethod {
	case DeliveryMethodEmail:
		if strings.TrimSpace(s.EmailAddress) == "" {
			return fmt.Errorf("subscription %s: email_address is required for email delivery", s.SubscriptionID)
		}
	case DeliveryMethodWebhook:
		if strings.TrimSpace(s.WebhookURL) == "" {
			return fmt.Errorf("subscription %s: webhook_url is required for webhook delivery", s.SubscriptionID)
		}
	}
	return nil
}

// Immediate reports whether the subscription bypasses aggregation.
func (s *Subscription) Immediate() bool {
	return s.AggregationFrequency == FrequencyImmediate
}

// GatewaySubscription synthesizes the transient pseudo-subscription used
// when a bus message carries email_to but no user_id. It is never
// persisted; it only carries address, channel, and immediate frequency
// into the delivery service for a single best-effort send.
func GatewaySubscription(emailTo string) *Subscription {
	return &Subscription{
		SubscriptionID:        "gateway-" + emailTo,
		UserID:                "gateway-" + emailTo,
		DeliveryMethod:        DeliveryMethodEmail,
		AggregationFrequency:  FrequencyImmediate,
		AggregationMethod:     MethodPlain,
		DeliveryErrorStrategy: StrategyIgnore,
		DeliveryTime:          "09:00",
		Timezone:              "UTC",
		EmailAddress:          emailTo,
		Enabled:               true,
	}
}
