// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package aggregator renders batches of events into digest bodies. Three
// encodings are supported: plain text, a MIME multipart message with one
// part per event type, and a standalone HTML document.
package aggregator

import (
	"bytes"
	"fmt"
	"html"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/arxiv/messaging-service/internal/models"
)

// plainPerTypeLimit caps the bullet list per event type in the plain
// encoding. MIME and HTML encodings list every event.
const plainPerTypeLimit = 5

// SystemSender is the display sender used on digest messages.
const SystemSender = "arXiv Messaging System"

// Aggregate renders the events into a single digest body using the given
// method. Events must be in chronological order. Returns "" for an empty
// batch; callers skip delivery in that case.
func Aggregate(userID string, events []models.Event, method models.AggregationMethod) string {
	if len(events) == 0 {
		return ""
	}
	switch method {
	case models.MethodMIME:
		return aggregateMIME(userID, events)
	case models.MethodHTML:
		return aggregateHTML(userID, events)
	default:
		return aggregatePlain(userID, events)
	}
}

// groupByType buckets events by type, preserving first-seen type order so
// digests are stable across renders of the same batch.
func groupByType(events []models.Event) ([]models.EventType, map[models.EventType][]models.Event) {
	var order []models.EventType
	byType := make(map[models.EventType][]models.Event)
	for _, event := range events {
		if _, seen := byType[event.EventType]; !seen {
			order = append(order, event.EventType)
		}
		byType[event.EventType] = append(byType[event.EventType], event)
	}
	return order, byType
}

func aggregatePlain(userID string, events []models.Event) string {
	order, byType := groupByType(events)

	parts := []string{
		fmt.Sprintf("Event Summary for User %s", userID),
		fmt.Sprintf("Period: %s to %s",
			events[0].Timestamp.Format("2006-01-02"),
			events[len(events)-1].Timestamp.Format("2006-01-02")),
		fmt.Sprintf("Total Events: %d", len(events)),
		strings.Repeat("-", 50),
	}

	for _, eventType := range order {
		typeEvents := byType[eventType]
		parts = append(parts,
			fmt.Sprintf("\n%s (%d events):", eventType, len(typeEvents)),
			strings.Repeat("-", 30),
		)

		// Only the most recent events per type make the bullet list.
		start := 0
		if len(typeEvents) > plainPerTypeLimit {
			start = len(typeEvents) - plainPerTypeLimit
		}
		for _, event := range typeEvents[start:] {
			parts = append(parts, fmt.Sprintf("• %s - %s", event.Timestamp.Format("15:04"), event.Message))
		}
		if len(typeEvents) > plainPerTypeLimit {
			parts = append(parts, fmt.Sprintf("... and %d more", len(typeEvents)-plainPerTypeLimit))
		}
	}

	return strings.Join(parts, "\n")
}

// aggregateMIME builds a complete multipart message: a summary part followed
// by one part per event type with the full event details. The result is a
// raw RFC 822 message; the email provider relays it verbatim.
func aggregateMIME(userID string, events []models.Event) string {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "Subject: Event Summary for User %s\r\n", userID)
	fmt.Fprintf(&msg, "From: %s\r\n", SystemSender)
	fmt.Fprintf(&msg, "To: %s\r\n", userID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n", writer.Boundary())
	msg.WriteString("\r\n")

	summary := fmt.Sprintf(
		"Event Summary for User %s\n"+
			"Period: %s to %s\n"+
			"Total Events: %d\n"+
			"%s\n\n",
		userID,
		events[0].Timestamp.Format("2006-01-02"),
		events[len(events)-1].Timestamp.Format("2006-01-02"),
		len(events),
		strings.Repeat("=", 50),
	)
	writePart(writer, "summary.txt", summary)

	order, byType := groupByType(events)
	for _, eventType := range order {
		typeEvents := byType[eventType]

		lines := []string{
			fmt.Sprintf("%s Events (%d total)", eventType, len(typeEvents)),
			strings.Repeat("=", 40),
			"",
		}
		for _, event := range typeEvents {
			lines = append(lines,
				fmt.Sprintf("Event ID: %s", event.EventID),
				fmt.Sprintf("Timestamp: %s", event.Timestamp.Format("2006-01-02 15:04:05")),
				fmt.Sprintf("Sender: %s", event.Sender),
				fmt.Sprintf("Subject: %s", event.Subject),
				fmt.Sprintf("Message: %s", event.Message),
				fmt.Sprintf("Metadata: %v", event.Metadata),
				strings.Repeat("-", 30),
				"",
			)
		}
		writePart(writer, fmt.Sprintf("%s_events.txt", eventType), strings.Join(lines, "\n"))
	}

	writer.Close()
	msg.Write(body.Bytes())
	return msg.String()
}

func writePart(writer *multipart.Writer, filename, content string) {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", `text/plain; charset="utf-8"`)
	header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	part, err := writer.CreatePart(header)
	if err != nil {
		// multipart.Writer only fails after Close; unreachable here.
		return
	}
	part.Write([]byte(content))
}

// aggregateHTML renders a full HTML document with one table per event type.
// All event-derived strings are escaped.
func aggregateHTML(userID string, events []models.Event) string {
	order, byType := groupByType(events)

	parts := []string{
		"<!DOCTYPE html>",
		"<html><head>",
		"<title>Event Summary</title>",
		"<style>",
		"body { font-family: Arial, sans-serif; margin: 20px; }",
		"h1 { color: #333; border-bottom: 2px solid #ddd; }",
		"h2 { color: #666; margin-top: 30px; }",
		".summary { background: #f5f5f5; padding: 15px; border-radius: 5px; margin-bottom: 20px; }",
		"table { border-collapse: collapse; width: 100%; margin-bottom: 30px; }",
		"th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }",
		"th { background-color: #f2f2f2; font-weight: bold; }",
		"tr:nth-child(even) { background-color: #f9f9f9; }",
		".timestamp { white-space: nowrap; }",
		".message { max-width: 300px; word-wrap: break-word; }",
		"</style>",
		"</head><body>",
		fmt.Sprintf("<h1>Event Summary for User %s</h1>", html.EscapeString(userID)),
		"<div class='summary'>",
		fmt.Sprintf("<strong>Period:</strong> %s to %s<br>",
			events[0].Timestamp.Format("2006-01-02"),
			events[len(events)-1].Timestamp.Format("2006-01-02")),
		fmt.Sprintf("<strong>Total Events:</strong> %d", len(events)),
		"</div>",
	}

	for _, eventType := range order {
		typeEvents := byType[eventType]
		parts = append(parts,
			fmt.Sprintf("<h2>%s Events (%d total)</h2>", html.EscapeString(string(eventType)), len(typeEvents)),
			"<table>",
			"<tr>",
			"<th>Timestamp</th>",
			"<th>Event ID</th>",
			"<th>Sender</th>",
			"<th>Subject</th>",
			"<th>Message</th>",
			"<th>Metadata</th>",
			"</tr>",
		)
		for _, event := range typeEvents {
			parts = append(parts,
				"<tr>",
				fmt.Sprintf("<td class='timestamp'>%s</td>", html.EscapeString(event.Timestamp.Format("2006-01-02 15:04:05"))),
				fmt.Sprintf("<td>%s</td>", html.EscapeString(event.EventID)),
				fmt.Sprintf("<td>%s</td>", html.EscapeString(event.Sender)),
				fmt.Sprintf("<td>%s</td>", html.EscapeString(event.Subject)),
				fmt.Sprintf("<td class='message'>%s</td>", html.EscapeString(event.Message)),
				fmt.Sprintf("<td>%s</td>", html.EscapeString(fmt.Sprintf("%v", event.Metadata))),
				"</tr>",
			)
		}
		parts = append(parts, "</table>")
	}

	parts = append(parts, "</body></html>")
	return strings.Join(parts, "\n")
}
