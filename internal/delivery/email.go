// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/arxiv/messaging-service/internal/config"
	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/models"
)

// EmailProvider delivers over SMTP. Implicit TLS is used when configured
// for port 465; any other port upgrades with STARTTLS when SSL is enabled.
type EmailProvider struct {
	cfg         config.SMTPConfig
	dialTimeout time.Duration
}

// NewEmailProvider creates the SMTP provider.
func NewEmailProvider(cfg config.SMTPConfig) *EmailProvider {
	return &EmailProvider{
		cfg:         cfg,
		dialTimeout: 30 * time.Second,
	}
}

// Name returns the delivery method identifier.
func (p *EmailProvider) Name() models.DeliveryMethod {
	return models.DeliveryMethodEmail
}

// Send delivers one message to the subscription's email address.
func (p *EmailProvider) Send(ctx context.Context, params *SendParams) *Result {
	recipient := params.Subscription.EmailAddress
	if strings.TrimSpace(recipient) == "" {
		logging.Ctx(ctx).Error().
			Str("subscription_id", params.Subscription.SubscriptionID).
			Str("correlation_id", params.CorrelationID).
			Msg("email address not configured for subscription")
		return failure(ErrorCodeInvalidRecipient, "email address not configured", false)
	}

	sender := params.Sender
	if sender == "" {
		sender = p.cfg.DefaultSender
	}

	msg, contentType := buildEmailMessage(sender, recipient, params.Subject, params.Body)

	logging.Ctx(ctx).Info().
		Str("smtp_server", p.cfg.Server).
		Int("smtp_port", p.cfg.Port).
		Str("recipient", recipient).
		Str("sender", sender).
		Str("subject", params.Subject).
		Str("content_type", contentType).
		Str("subscription_id", params.Subscription.SubscriptionID).
		Str("correlation_id", params.CorrelationID).
		Msg("attempting email delivery")

	if err := p.sendSMTP(ctx, sender, recipient, msg); err != nil {
		code := classifyEmailError(err)
		logging.Ctx(ctx).Error().
			Err(err).
			Str("recipient", recipient).
			Str("error_code", code).
			Str("subscription_id", params.Subscription.SubscriptionID).
			Str("correlation_id", params.CorrelationID).
			Msg("email delivery failed")
		return failure(code, err.Error(), isTransientEmailError(code))
	}

	logging.Ctx(ctx).Info().
		Str("recipient", recipient).
		Str("subject", params.Subject).
		Str("subscription_id", params.Subscription.SubscriptionID).
		Str("correlation_id", params.CorrelationID).
		Msg("email delivered")
	return success()
}

// buildEmailMessage renders the wire-format message and reports the chosen
// encoding for logging.
//
// Body content drives the shape:
//   - an HTML document is wrapped in a text/html part
//   - a raw multipart message (already carrying its own headers) is
//     relayed verbatim
//   - plain text is encoded with the simplest charset that fits:
//     US-ASCII 7bit, then ISO-8859-1 quoted-printable, then UTF-8 8bit
func buildEmailMessage(sender, recipient, subject, body string) (string, string) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "<!DOCTYPE html>") || strings.HasPrefix(trimmed, "<html") {
		return buildHTMLMessage(sender, recipient, subject, body), "text/html"
	}
	if strings.Contains(body, "Content-Type: multipart/mixed") {
		return body, "multipart (raw)"
	}
	return buildPlainMessage(sender, recipient, subject, body)
}

func buildHTMLMessage(sender, recipient, subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", sender))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

func buildPlainMessage(sender, recipient, subject, body string) (string, string) {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", sender))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case isASCII(body) && isASCII(subject):
		msg.WriteString("Content-Type: text/plain; charset=us-ascii\r\n")
		msg.WriteString("Content-Transfer-Encoding: 7bit\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(body)
		return msg.String(), "plain text (ASCII, 7-bit)"

	case isLatin1(body) && isLatin1(subject):
		msg.WriteString("Content-Type: text/plain; charset=iso-8859-1\r\n")
		msg.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(encodeQuotedPrintableLatin1(body))
		return msg.String(), "plain text (ISO-8859-1, quoted-printable)"

	default:
		msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(body)
		return msg.String(), "plain text (UTF-8, 8-bit)"
	}
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

func isLatin1(s string) bool {
	for _, r := range s {
		if r > 255 {
			return false
		}
	}
	return true
}

// encodeQuotedPrintableLatin1 transcodes to ISO-8859-1 bytes and applies
// quoted-printable. Callers guarantee every rune fits in Latin-1.
func encodeQuotedPrintableLatin1(s string) string {
	raw := make([]byte, 0, len(s))
	for _, r := range s {
		raw = append(raw, byte(r))
	}
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Write(raw)
	w.Close()
	return buf.String()
}

func (p *EmailProvider) sendSMTP(ctx context.Context, sender, recipient, msg string) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Server, p.cfg.Port)
	implicitTLS := p.cfg.UseSSL && p.cfg.Port == 465

	dialer := &net.Dialer{Timeout: p.dialTimeout}
	var conn net.Conn
	var err error
	if implicitTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config: &tls.Config{
				ServerName: p.cfg.Server,
				MinVersion: tls.VersionTLS12,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, p.cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if p.cfg.UseSSL && !implicitTLS {
		tlsConfig := &tls.Config{
			ServerName: p.cfg.Server,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if p.cfg.User != "" && p.cfg.Password != "" {
		auth := smtp.PlainAuth("", p.cfg.User, p.cfg.Password, p.cfg.Server)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// Quit failures after a completed DATA are ignored; the message is out.
	_ = client.Quit()
	return nil
}

func classifyEmailError(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "authentication") || strings.Contains(errStr, "auth") {
		return ErrorCodeAuthFailed
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect") {
		return ErrorCodeConnectionFailed
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "recipient") || strings.Contains(errStr, "mailbox") {
		return ErrorCodeInvalidRecipient
	}
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "limit") {
		return ErrorCodeRateLimited
	}
	return ErrorCodeUnknown
}

func isTransientEmailError(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
