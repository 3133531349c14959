// Package events implements the Event Store (spec.md §4.H): a per-
// subscription, monotonically-ordered record of Proposal and Agreement/
// Rejection events, consumed (and removed) via take_events. Grounded on
// original_source/core/market/src/db/dao/negotiation_events.rs and
// core/market/src/db/model/{agreement_events,negotiation_events}.rs: two
// classes sharing one ordering space, Agreement/Rejection events taking
// priority over same-timestamp Proposal events.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/market/store"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xmetrics"
	"github.com/golemcore/market/internal/xutil"
)

// SubscriptionStore is the subset of market/store.Store that TakeEvents
// needs to enforce spec.md §4.H's validate_subscription precondition: the
// subscription named by query_events must still exist and not have expired.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id ids.SubscriptionId) (store.Subscription, error)
}

// Class distinguishes a Proposal event from an Agreement/Rejection event.
// Agreement/Rejection events are delivered in strict order and take
// priority over Proposal events at the same subscription (spec.md §4.H).
type Class string

const (
	ClassProposal  Class = "proposal"
	ClassAgreement Class = "agreement"
)

// Event is one persisted, per-subscription notification.
type Event struct {
	ID             int64
	SubscriptionID string
	SessionID      string
	Class          Class
	Payload        json.RawMessage
	CreationTS     time.Time
}

// Store is the Event Store. It persists events durably and keeps a small
// LRU of subscription ids recently found to have no events, so that
// high-frequency take_events polling skips the query for them until Emit
// adds an event for that subscription.
type Store struct {
	db      *persistence.DB
	subs    SubscriptionStore
	metrics *xmetrics.Set
	clock   xutil.Clock

	mu          sync.Mutex
	recentEmpty *lru.Cache // subscriptionID -> time.Time last confirmed empty
}

// New constructs an event Store. subs is consulted by TakeEvents to enforce
// validate_subscription; it may be nil, in which case that precondition is
// skipped (e.g. in tests that exercise event ordering/GC in isolation).
// clock lets validate_subscription's expiration check be driven
// deterministically in tests, the same seam market/store and payment/batch
// use; nil defaults to the real clock. recentEmptyCacheSize bounds the
// "recently confirmed empty" cache used to short-circuit take_events polling
// against idle subscriptions.
func New(db *persistence.DB, subs SubscriptionStore, clock xutil.Clock, metrics *xmetrics.Set, recentEmptyCacheSize int) (*Store, error) {
	if clock == nil {
		clock = xutil.RealClock
	}
	cache, err := lru.New(recentEmptyCacheSize)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.Internal, err)
	}
	return &Store{db: db, subs: subs, clock: clock, metrics: metrics, recentEmpty: cache}, nil
}

// Emit persists a new event for subscriptionID. sessionID may be empty,
// meaning the event is visible regardless of the caller's app_session_id
// filter (spec.md §8's Open Question: session=None on take_events means
// "any session", so sessionID here is metadata about origin, not a filter
// to apply at write time).
func (s *Store) Emit(ctx context.Context, subscriptionID, sessionID string, class Class, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, marketerr.Wrap(marketerr.Internal, err)
	}

	ev := Event{
		SubscriptionID: subscriptionID,
		SessionID:      sessionID,
		Class:          class,
		Payload:        raw,
		CreationTS:     time.Now().UTC(),
	}

	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (subscription_id, session_id, class, payload, creation_ts)
			VALUES (?, ?, ?, ?, ?)`,
			subscriptionID, nullIfEmpty(sessionID), string(class), string(raw), ev.CreationTS)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		ev.ID = id
		return nil
	})
	if err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	s.recentEmpty.Remove(subscriptionID)
	s.mu.Unlock()
	return ev, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// validateSubscription enforces spec.md §4.H's validate_subscription
// precondition: subscriptionID must name a subscription that still exists
// and hasn't expired, else query_events must fail with NotFound/Expired
// rather than silently returning an empty event list. A nil subs (events
// exercised without a wired subscription store) skips the check.
func (s *Store) validateSubscription(ctx context.Context, subscriptionID string) error {
	if s.subs == nil {
		return nil
	}
	id, err := ids.ParseSubscriptionId(subscriptionID)
	if err != nil {
		return marketerr.Newf(marketerr.NotFound, "subscription %s not found", subscriptionID)
	}
	sub, err := s.subs.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if sub.UnsubscribedTS.Valid {
		return marketerr.Newf(marketerr.Unsubscribed, "subscription %s is unsubscribed", subscriptionID)
	}
	if !now.Before(sub.ExpirationTS) {
		return marketerr.Newf(marketerr.Expired, "subscription %s has expired", subscriptionID)
	}
	return nil
}

// TakeEvents atomically reads and removes up to maxEvents events for
// subscriptionID. session == "" means "any session" (decided Open
// Question, DESIGN.md); otherwise only events with a matching or empty
// session_id are returned. Agreement/Rejection events sort before Proposal
// events at equal timestamps, matching the priority spec.md §4.H assigns
// them; Proposal events among themselves have no further guaranteed
// ordering ("random order" per spec.md's class description).
func (s *Store) TakeEvents(ctx context.Context, subscriptionID string, session string, maxEvents int) ([]Event, error) {
	if err := s.validateSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.recentEmpty.Get(subscriptionID); ok {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	var out []Event
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		query := `SELECT id, subscription_id, session_id, class, payload, creation_ts
			FROM events WHERE subscription_id = ?`
		args := []any{subscriptionID}
		if session != "" {
			query += ` AND (session_id IS NULL OR session_id = ?)`
			args = append(args, session)
		}
		query += ` ORDER BY creation_ts ASC, id ASC`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		defer rows.Close()

		for rows.Next() {
			var ev Event
			var sessID sql.NullString
			var payload string
			if err := rows.Scan(&ev.ID, &ev.SubscriptionID, &sessID, &ev.Class, &payload, &ev.CreationTS); err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
			ev.SessionID = sessID.String
			ev.Payload = json.RawMessage(payload)
			out = append(out, ev)
		}
		if err := rows.Err(); err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}

		sortByClassPriority(out)
		if maxEvents > 0 && len(out) > maxEvents {
			out = out[:maxEvents]
		}
		if len(out) == 0 {
			return nil
		}

		deleteIDs := make([]any, 0, len(out))
		placeholders := ""
		for i, ev := range out {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			deleteIDs = append(deleteIDs, ev.ID)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (`+placeholders+`)`, deleteIDs...)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(out) == 0 {
		s.recentEmpty.Add(subscriptionID, time.Now())
	}
	s.mu.Unlock()
	return out, nil
}

// sortByClassPriority stable-sorts Agreement/Rejection events ahead of
// Proposal events sharing the same creation timestamp, per spec.md §4.H.
func sortByClassPriority(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreationTS.Equal(events[j].CreationTS) {
			return events[i].CreationTS.Before(events[j].CreationTS)
		}
		return classPriority(events[i].Class) < classPriority(events[j].Class)
	})
}

func classPriority(c Class) int {
	if c == ClassAgreement {
		return 0
	}
	return 1
}

// GC removes events older than retention, returning the count removed
// (spec.md §4.H retention sweep). The caller passes the retention; cmd/marketd
// does not call GC.
func (s *Store) GC(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	var removed int64
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE creation_ts < ?`, cutoff)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil && removed > 0 {
		s.metrics.EventStoreGCRemovedTotal.Add(float64(removed))
	}
	return removed, nil
}
