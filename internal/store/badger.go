// arXiv Messaging Service - Multi-Channel Notification Aggregation and Delivery
// Copyright 2026 arXiv.org
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/arxiv/messaging-service

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/arxiv/messaging-service/internal/logging"
	"github.com/arxiv/messaging-service/internal/metrics"
	"github.com/arxiv/messaging-service/internal/models"
)

// Key layout. Events are stored once under their primary key and indexed
// under a per-user time-ordered key so range queries and purges are prefix
// scans.
//
//	event:{event_id}                          -> event JSON
//	event_user:{user_id}:{ts}:{event_id}      -> event_id
//	sub:{subscription_id}                     -> subscription JSON
//	sub_user:{user_id}:{subscription_id}      -> subscription_id
//	watermark:{subscription_id}               -> unix nanos (decimal)
//
// {ts} is the event timestamp in unix nanoseconds, zero-padded to 20 digits
// so lexicographic order equals chronological order.
const (
	eventKeyPrefix     = "event:"
	eventUserKeyPrefix = "event_user:"
	subKeyPrefix       = "sub:"
	subUserKeyPrefix   = "sub_user:"
	watermarkKeyPrefix = "watermark:"
)

// BadgerStore implements EventStore on BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// Options configures Open.
type Options struct {
	// Path is the on-disk directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
}

// Open opens (creating if needed) the store.
func Open(opts Options) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewWithDB wraps an already-open BadgerDB. The caller keeps ownership.
func NewWithDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func encodeTimestamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func eventKey(eventID string) []byte {
	return []byte(eventKeyPrefix + eventID)
}

func eventUserKey(userID string, ts time.Time, eventID string) []byte {
	return []byte(eventUserKeyPrefix + userID + ":" + encodeTimestamp(ts) + ":" + eventID)
}

func subKey(subscriptionID string) []byte {
	return []byte(subKeyPrefix + subscriptionID)
}

func subUserKey(userID, subscriptionID string) []byte {
	return []byte(subUserKeyPrefix + userID + ":" + subscriptionID)
}

func watermarkKey(subscriptionID string) []byte {
	return []byte(watermarkKeyPrefix + subscriptionID)
}

// StoreEvent upserts the event document and its per-user index entry.
func (s *BadgerStore) StoreEvent(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(eventKey(event.EventID), data); err != nil {
			return fmt.Errorf("set event: %w", err)
		}
		if err := txn.Set(eventUserKey(event.UserID, event.Timestamp, event.EventID), []byte(event.EventID)); err != nil {
			return fmt.Errorf("set event index: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.StoreOperations.WithLabelValues("store_event", "failure").Inc()
		return err
	}

	metrics.StoreOperations.WithLabelValues("store_event", "success").Inc()
	logging.Ctx(ctx).Info().
		Str("event_id", event.EventID).
		Str("user_id", event.UserID).
		Str("event_type", string(event.EventType)).
		Msg("event stored")
	return nil
}

func decodeEvent(item *badger.Item) (*models.Event, error) {
	var event models.Event
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &event)
	})
	if err != nil {
		return nil, err
	}
	// Unknown labels written by older producers degrade to NOTIFICATION.
	if !event.EventType.Valid() {
		logging.Warn().
			Str("event_id", event.EventID).
			Str("event_type", string(event.EventType)).
			Msg("unknown event_type in store, defaulting to NOTIFICATION")
		event.EventType = models.EventTypeNotification
	}
	return &event, nil
}

func (s *BadgerStore) getEvent(txn *badger.Txn, eventID string) (*models.Event, error) {
	item, err := txn.Get(eventKey(eventID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return decodeEvent(item)
}

// GetUserEvents walks the user's time index, ascending.
func (s *BadgerStore) GetUserEvents(_ context.Context, userID string, since time.Time) ([]models.Event, error) {
	var events []models.Event
	prefix := []byte(eventUserKeyPrefix + userID + ":")

	// Seek directly to the since cursor within the user's index range.
	seek := prefix
	if !since.IsZero() {
		seek = []byte(eventUserKeyPrefix + userID + ":" + encodeTimestamp(since))
	}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var eventID string
			if err := it.Item().Value(func(val []byte) error {
				eventID = string(val)
				return nil
			}); err != nil {
				return err
			}

			event, err := s.getEvent(txn, eventID)
			if errors.Is(err, ErrNotFound) {
				continue // dangling index entry, skip
			}
			if err != nil {
				return err
			}
			events = append(events, *event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get events for user %s: %w", userID, err)
	}
	return events, nil
}

// ClearUserEvents deletes events below the cursor in chunks bounded by the
// write batch limit.
func (s *BadgerStore) ClearUserEvents(ctx context.Context, userID string, before time.Time) (int, error) {
	prefix := []byte(eventUserKeyPrefix + userID + ":")
	cutoff := eventUserKeyPrefix + userID + ":" + encodeTimestamp(before)

	var indexKeys []string
	var eventIDs []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			if key >= cutoff {
				break
			}
			var eventID string
			if err := it.Item().Value(func(val []byte) error {
				eventID = string(val)
				return nil
			}); err != nil {
				return err
			}
			indexKeys = append(indexKeys, key)
			eventIDs = append(eventIDs, eventID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan events for user %s: %w", userID, err)
	}

	deleted := 0
	for start := 0; start < len(indexKeys); start += writeBatchLimit {
		end := start + writeBatchLimit
		if end > len(indexKeys) {
			end = len(indexKeys)
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			for i := start; i < end; i++ {
				if err := txn.Delete([]byte(indexKeys[i])); err != nil {
					return err
				}
				if err := txn.Delete(eventKey(eventIDs[i])); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("clear events for user %s: %w", userID, err)
		}
		deleted = end
	}

	metrics.EventsPurged.Add(float64(deleted))
	logging.Ctx(ctx).Info().
		Str("user_id", userID).
		Int("events_cleared", deleted).
		Time("before", before).
		Msg("events cleared for user")
	return deleted, nil
}

// DeleteEventByID deletes the event document and its index entry.
func (s *BadgerStore) DeleteEventByID(_ context.Context, eventID string) (bool, error) {
	found := false
	err := s.db.Update(func(txn *badger.Txn) error {
		event, err := s.getEvent(txn, eventID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if err := txn.Delete(eventKey(eventID)); err != nil {
			return err
		}
		return txn.Delete(eventUserKey(event.UserID, event.Timestamp, eventID))
	})
	if err != nil {
		return false, fmt.Errorf("delete event %s: %w", eventID, err)
	}
	if !found {
		logging.Warn().Str("event_id", eventID).Msg("event not found for deletion")
	}
	return found, nil
}

// DeleteEventsByIDs deletes many events, accumulating per-id failures
// instead of aborting.
func (s *BadgerStore) DeleteEventsByIDs(ctx context.Context, eventIDs []string) (DeleteResult, error) {
	result := DeleteResult{Requested: len(eventIDs)}

	for start := 0; start < len(eventIDs); start += writeBatchLimit {
		end := start + writeBatchLimit
		if end > len(eventIDs) {
			end = len(eventIDs)
		}
		for _, id := range eventIDs[start:end] {
			ok, err := s.DeleteEventByID(ctx, id)
			if err != nil {
				result.FailedIDs = append(result.FailedIDs, id)
				continue
			}
			if ok {
				result.Deleted++
			} else {
				result.FailedIDs = append(result.FailedIDs, id)
			}
		}
	}

	logging.Ctx(ctx).Info().
		Int("total_requested", result.Requested).
		Int("deleted", result.Deleted).
		Int("failed", len(result.FailedIDs)).
		Msg("bulk event deletion completed")
	return result, nil
}

// StoreSubscription upserts the subscription document and its owner index.
func (s *BadgerStore) StoreSubscription(_ context.Context, sub *models.Subscription) error {
	sub.ApplyDefaults()
	if err := sub.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription %s: %w", sub.SubscriptionID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(subKey(sub.SubscriptionID), data); err != nil {
			return err
		}
		return txn.Set(subUserKey(sub.UserID, sub.SubscriptionID), []byte(sub.SubscriptionID))
	})
	if err != nil {
		return fmt.Errorf("store subscription %s: %w", sub.SubscriptionID, err)
	}

	logging.Info().
		Str("subscription_id", sub.SubscriptionID).
		Str("user_id", sub.UserID).
		Str("delivery_method", string(sub.DeliveryMethod)).
		Str("aggregation_frequency", string(sub.AggregationFrequency)).
		Bool("enabled", sub.Enabled).
		Msg("subscription stored")
	return nil
}

// GetSubscription fetches one subscription document.
func (s *BadgerStore) GetSubscription(_ context.Context, subscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subKey(subscriptionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return &sub, nil
}

func (s *BadgerStore) userSubscriptions(userID string, enabledOnly bool) ([]models.Subscription, error) {
	var subs []models.Subscription
	prefix := []byte(subUserKeyPrefix + userID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var subID string
			if err := it.Item().Value(func(val []byte) error {
				subID = string(val)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get(subKey(subID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var sub models.Subscription
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return err
			}
			if enabledOnly && !sub.Enabled {
				continue
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get subscriptions for user %s: %w", userID, err)
	}
	return subs, nil
}

// GetUserSubscriptions returns only enabled subscriptions. A disabled
// subscription is never a delivery target and never drives retention.
func (s *BadgerStore) GetUserSubscriptions(_ context.Context, userID string) ([]models.Subscription, error) {
	return s.userSubscriptions(userID, true)
}

// ListUserSubscriptions returns the user's subscriptions, disabled included.
func (s *BadgerStore) ListUserSubscriptions(_ context.Context, userID string) ([]models.Subscription, error) {
	return s.userSubscriptions(userID, false)
}

// ListSubscriptions returns every subscription document.
func (s *BadgerStore) ListSubscriptions(_ context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	prefix := []byte(subKeyPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sub models.Subscription
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			}); err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes the subscription, its owner index entry, and
// its delivery watermark.
func (s *BadgerStore) DeleteSubscription(_ context.Context, subscriptionID string) (bool, error) {
	found := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(subKey(subscriptionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var sub models.Subscription
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		}); err != nil {
			return err
		}
		found = true
		if err := txn.Delete(subKey(subscriptionID)); err != nil {
			return err
		}
		if err := txn.Delete(subUserKey(sub.UserID, subscriptionID)); err != nil {
			return err
		}
		err = txn.Delete(watermarkKey(subscriptionID))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete subscription %s: %w", subscriptionID, err)
	}
	if !found {
		logging.Warn().Str("subscription_id", subscriptionID).Msg("subscription not found for deletion")
	} else {
		logging.Info().Str("subscription_id", subscriptionID).Msg("subscription deleted")
	}
	return found, nil
}

// GetUndeliveredEvents scans all stored events grouped by user. Everything
// still in the store is by definition undelivered.
func (s *BadgerStore) GetUndeliveredEvents(_ context.Context, limit int) (map[string][]models.Event, error) {
	byUser := make(map[string][]models.Event)
	prefix := []byte(eventKeyPrefix)
	total := 0

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && total >= limit {
				break
			}
			event, err := decodeEvent(it.Item())
			if err != nil {
				return err
			}
			byUser[event.UserID] = append(byUser[event.UserID], *event)
			total++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get undelivered events: %w", err)
	}

	for userID := range byUser {
		events := byUser[userID]
		sort.Slice(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
		byUser[userID] = events
	}
	return byUser, nil
}

// GetUndeliveredEventsByUser returns one user's pending events.
func (s *BadgerStore) GetUndeliveredEventsByUser(ctx context.Context, userID string) ([]models.Event, error) {
	return s.GetUserEvents(ctx, userID, time.Time{})
}

// GetUndeliveredStats summarizes pending events by user and by type.
func (s *BadgerStore) GetUndeliveredStats(ctx context.Context) (*UndeliveredStats, error) {
	byUser, err := s.GetUndeliveredEvents(ctx, 0)
	if err != nil {
		return nil, err
	}

	stats := &UndeliveredStats{
		TotalUsers:      len(byUser),
		UsersWithCounts: make(map[string]int, len(byUser)),
		EventsByType:    make(map[string]int),
	}
	for userID, events := range byUser {
		stats.UsersWithCounts[userID] = len(events)
		stats.TotalEvents += len(events)
		for _, event := range events {
			stats.EventsByType[string(event.EventType)]++
		}
	}
	return stats, nil
}

// GetAllUsersWithSubscriptions returns distinct subscription owners.
func (s *BadgerStore) GetAllUsersWithSubscriptions(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	prefix := []byte(subUserKeyPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, subUserKeyPrefix)
			if idx := strings.LastIndex(rest, ":"); idx > 0 {
				seen[rest[:idx]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get users with subscriptions: %w", err)
	}

	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// SetDeliveryWatermark records the subscription's delivered-through instant.
func (s *BadgerStore) SetDeliveryWatermark(_ context.Context, subscriptionID string, t time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(watermarkKey(subscriptionID), []byte(strconv.FormatInt(t.UnixNano(), 10)))
	})
	if err != nil {
		return fmt.Errorf("set watermark for %s: %w", subscriptionID, err)
	}
	return nil
}

// GetDeliveryWatermark returns the recorded watermark, zero when absent.
func (s *BadgerStore) GetDeliveryWatermark(_ context.Context, subscriptionID string) (time.Time, error) {
	var t time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(watermarkKey(subscriptionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			nanos, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("parse watermark: %w", err)
			}
			t = time.Unix(0, nanos).UTC()
			return nil
		})
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("get watermark for %s: %w", subscriptionID, err)
	}
	return t, nil
}

// PurgeDeliveredEvents deletes events every enabled aggregated subscription
// of the user has delivered. The cursor is the minimum watermark, so a
// subscription that has not yet digested its window keeps the shared events
// alive. Immediate subscriptions are delivered at ingest and never carry a
// watermark, so they do not participate.
func (s *BadgerStore) PurgeDeliveredEvents(ctx context.Context, userID string) (int, error) {
	subs, err := s.GetUserSubscriptions(ctx, userID)
	if err != nil {
		return 0, err
	}

	var minWatermark time.Time
	aggregated := 0
	for _, sub := range subs {
		if sub.Immediate() {
			continue
		}
		wm, err := s.GetDeliveryWatermark(ctx, sub.SubscriptionID)
		if err != nil {
			return 0, err
		}
		if wm.IsZero() {
			// A subscription that has never delivered holds everything back.
			return 0, nil
		}
		if aggregated == 0 || wm.Before(minWatermark) {
			minWatermark = wm
		}
		aggregated++
	}
	if aggregated == 0 {
		return 0, nil
	}

	return s.ClearUserEvents(ctx, userID, minWatermark)
}
