// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

// Package scheduler drives the hourly, daily, and weekly digest cadences.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpression is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
type CronExpression struct {
	minutes     map[int]bool // 0-59
	hours       map[int]bool // 0-23
	daysOfMonth map[int]bool // 1-31
	months      map[int]bool // 1-12
	daysOfWeek  map[int]bool // 0-6, 0 = Sunday

	domWildcard bool
	dowWildcard bool
}

// ParseCron parses a standard 5-field cron expression. Supported syntax per
// field: "*", "n", "n-m", "n,m,o", "*/s", and "n-m/s".
//
// Examples:
//   - "0 * * * *"  top of every hour
//   - "0 9 * * *"  daily at 09:00
//   - "0 9 * * 1"  Mondays at 09:00
func ParseCron(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}
	daysOfMonth, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}
	daysOfWeek, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	// Day 7 is an alias for Sunday.
	if daysOfWeek[7] {
		delete(daysOfWeek, 7)
		daysOfWeek[0] = true
	}

	return &CronExpression{
		minutes:     minutes,
		hours:       hours,
		daysOfMonth: daysOfMonth,
		months:      months,
		daysOfWeek:  daysOfWeek,
		domWildcard: fields[2] == "*",
		dowWildcard: fields[4] == "*",
	}, nil
}

// NextRun returns the first matching instant strictly after the given time,
// at minute granularity, in the given location (UTC when nil).
func (c *CronExpression) NextRun(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Add(time.Minute)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)

	// Bounded scan keeps malformed-but-parseable expressions from spinning
	// forever. Four years of minutes covers every valid expression.
	maxIterations := 4 * 365 * 24 * 60
	for i := 0; i < maxIterations; i++ {
		if c.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (c *CronExpression) matches(t time.Time) bool {
	if !c.minutes[t.Minute()] || !c.hours[t.Hour()] || !c.months[int(t.Month())] {
		return false
	}

	// Standard cron: when both day fields are restricted, either matching
	// is sufficient; a wildcard field defers to the other.
	domMatch := c.daysOfMonth[t.Day()]
	dowMatch := c.daysOfWeek[int(t.Weekday())]
	switch {
	case c.domWildcard && c.dowWildcard:
		return true
	case c.domWildcard:
		return dowMatch
	case c.dowWildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func parseField(field string, minVal, maxVal int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if err := parseFieldPart(part, minVal, maxVal, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parseFieldPart(part string, minVal, maxVal int, set map[int]bool) error {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		parsed, err := strconv.Atoi(part[idx+1:])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid step value: %s", part[idx+1:])
		}
		step = parsed
		part = part[:idx]
	}

	start, end := minVal, maxVal
	switch {
	case part == "*":
		// full range
	case strings.Contains(part, "-"):
		rangeParts := strings.SplitN(part, "-", 2)
		var err error
		if start, err = strconv.Atoi(rangeParts[0]); err != nil {
			return fmt.Errorf("invalid range start: %s", rangeParts[0])
		}
		if end, err = strconv.Atoi(rangeParts[1]); err != nil {
			return fmt.Errorf("invalid range end: %s", rangeParts[1])
		}
		if start > end || start < minVal || end > maxVal {
			return fmt.Errorf("invalid range %d-%d (allowed %d-%d)", start, end, minVal, maxVal)
		}
	default:
		val, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value: %s", part)
		}
		if val < minVal || val > maxVal {
			return fmt.Errorf("value out of range: %d (allowed %d-%d)", val, minVal, maxVal)
		}
		if step == 1 {
			set[val] = true
			return nil
		}
		// "n/s" steps from n to the field maximum.
		start = val
	}

	for i := start; i <= end; i += step {
		set[i] = true
	}
	return nil
}
