// Package store implements the Subscription Store (spec.md §4.A): creation,
// lookup, unsubscribe, eviction, and inbound save_offer/save_demand of Offers
// and Demands. Writer-lock protected in-memory indices mirror
// original_source/core/market/src/db/dao/subscription.rs's cached active-id
// sets; the durable copy lives in internal/persistence. Active-id sets are
// updated in place under the writer lock and copied out to a slice under
// the read lock, the same
// pattern the teacher's txpool uses for its pending-transaction snapshot
// (_examples/luxfi-evm/core/txpool/txpool.go's "pending" cache).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xutil"
)

// Kind distinguishes an Offer from a Demand.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindDemand Kind = "demand"
)

// Subscription is the common shape of an Offer or Demand (spec.md §3).
type Subscription struct {
	ID             ids.SubscriptionId
	Kind           Kind
	NodeID         string
	Properties     string
	Constraints    string
	CreationTS     time.Time
	ExpirationTS   time.Time
	UnsubscribedTS sql.NullTime
}

// Active reports whether s is neither expired nor unsubscribed as of now.
func (s Subscription) Active(now time.Time) bool {
	return !s.UnsubscribedTS.Valid && now.Before(s.ExpirationTS)
}

// Store is the Subscription Store. One Store instance owns both offers and
// demands; the Kind field keys them apart in the shared table and indices.
type Store struct {
	db    *persistence.DB
	clock xutil.Clock

	mu            sync.RWMutex
	activeOffers  mapset.Set[string]
	activeDemands mapset.Set[string]
	unsubOffers   mapset.Set[string]
}

// New constructs a Store and warms its in-memory active/unsubscribed id
// indices from the durable table.
func New(ctx context.Context, db *persistence.DB, clock xutil.Clock) (*Store, error) {
	if clock == nil {
		clock = xutil.RealClock
	}
	s := &Store{
		db:            db,
		clock:         clock,
		activeOffers:  mapset.NewThreadUnsafeSet[string](),
		activeDemands: mapset.NewThreadUnsafeSet[string](),
		unsubOffers:   mapset.NewThreadUnsafeSet[string](),
	}
	if err := s.warm(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) warm(ctx context.Context) error {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, kind, unsubscribed_ts, expiration_ts FROM subscriptions`)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id, kind string
		var unsub sql.NullTime
		var expiration time.Time
		if err := rows.Scan(&id, &kind, &unsub, &expiration); err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		if unsub.Valid {
			if kind == string(KindOffer) {
				s.unsubOffers.Add(id)
			}
			continue
		}
		if now.After(expiration) {
			continue
		}
		switch Kind(kind) {
		case KindOffer:
			s.activeOffers.Add(id)
		case KindDemand:
			s.activeDemands.Add(id)
		}
	}
	return rows.Err()
}

// CreateOffer persists a brand-new, locally-originated Offer.
func (s *Store) CreateOffer(ctx context.Context, nodeID, properties, constraints string, ttl time.Duration) (Subscription, error) {
	return s.create(ctx, KindOffer, nodeID, properties, constraints, ttl)
}

// CreateDemand persists a brand-new, locally-originated Demand.
func (s *Store) CreateDemand(ctx context.Context, nodeID, properties, constraints string, ttl time.Duration) (Subscription, error) {
	return s.create(ctx, KindDemand, nodeID, properties, constraints, ttl)
}

func (s *Store) create(ctx context.Context, kind Kind, nodeID, properties, constraints string, ttl time.Duration) (Subscription, error) {
	now := s.clock.Now()
	sub := Subscription{
		ID:           ids.NewSubscriptionId(properties, constraints, nodeID, now, now.Add(ttl)),
		Kind:         kind,
		NodeID:       nodeID,
		Properties:   properties,
		Constraints:  constraints,
		CreationTS:   now,
		ExpirationTS: now.Add(ttl),
	}
	if err := s.insert(ctx, sub); err != nil {
		return Subscription{}, err
	}
	s.mu.Lock()
	s.activeSetFor(kind).Add(sub.ID.String())
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) activeSetFor(kind Kind) mapset.Set[string] {
	if kind == KindOffer {
		return s.activeOffers
	}
	return s.activeDemands
}

func (s *Store) insert(ctx context.Context, sub Subscription) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (id, kind, node_id, properties, constraints, creation_ts, expiration_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sub.ID.String(), string(sub.Kind), sub.NodeID, sub.Properties, sub.Constraints,
			sub.CreationTS.UTC(), sub.ExpirationTS.UTC())
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

// GetOffer fetches an Offer by id. Returns a NotFound marketerr if absent.
func (s *Store) GetOffer(ctx context.Context, id ids.SubscriptionId) (Subscription, error) {
	return s.get(ctx, id, KindOffer)
}

// GetDemand fetches a Demand by id. Returns a NotFound marketerr if absent.
func (s *Store) GetDemand(ctx context.Context, id ids.SubscriptionId) (Subscription, error) {
	return s.get(ctx, id, KindDemand)
}

func (s *Store) get(ctx context.Context, id ids.SubscriptionId, kind Kind) (Subscription, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, kind, node_id, properties, constraints, creation_ts, expiration_ts, unsubscribed_ts
		FROM subscriptions WHERE id = ? AND kind = ?`, id.String(), string(kind))

	var sub Subscription
	var idStr, kindStr string
	if err := row.Scan(&idStr, &kindStr, &sub.NodeID, &sub.Properties, &sub.Constraints,
		&sub.CreationTS, &sub.ExpirationTS, &sub.UnsubscribedTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, marketerr.Newf(marketerr.NotFound, "%s %s not found", kind, id)
		}
		return Subscription{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	sub.ID = id
	sub.Kind = Kind(kindStr)
	return sub, nil
}

// GetSubscription fetches a Subscription by id regardless of whether it's
// an Offer or a Demand (the id is globally unique across both kinds), for
// callers like market/events that only ever hold a bare subscription id.
// Returns a NotFound marketerr if absent.
func (s *Store) GetSubscription(ctx context.Context, id ids.SubscriptionId) (Subscription, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, kind, node_id, properties, constraints, creation_ts, expiration_ts, unsubscribed_ts
		FROM subscriptions WHERE id = ?`, id.String())

	var sub Subscription
	var idStr, kindStr string
	if err := row.Scan(&idStr, &kindStr, &sub.NodeID, &sub.Properties, &sub.Constraints,
		&sub.CreationTS, &sub.ExpirationTS, &sub.UnsubscribedTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, marketerr.Newf(marketerr.NotFound, "subscription %s not found", id)
		}
		return Subscription{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	sub.ID = id
	sub.Kind = Kind(kindStr)
	return sub, nil
}

// SaveOffer is the inbound entry point used by gossip (spec.md §4.A/§4.C):
// it validates the id hash, then applies the Exists/Unsubscribed/Expired/
// WrongState failure contract so the caller can decide propagation via
// marketerr.SuppressesPropagation.
func (s *Store) SaveOffer(ctx context.Context, sub Subscription) error {
	if err := sub.ID.Validate(sub.Properties, sub.Constraints, sub.NodeID, sub.CreationTS, sub.ExpirationTS); err != nil {
		return marketerr.Wrap(marketerr.Protocol, err)
	}
	now := s.clock.Now()
	if now.After(sub.ExpirationTS) {
		return marketerr.New(marketerr.Expired, "offer already expired")
	}

	s.mu.RLock()
	alreadyUnsub := s.unsubOffers.Contains(sub.ID.String())
	alreadyActive := s.activeOffers.Contains(sub.ID.String())
	s.mu.RUnlock()
	if alreadyUnsub {
		return marketerr.New(marketerr.Unsubscribed, "offer was unsubscribed")
	}
	if alreadyActive {
		return marketerr.Wrap(marketerr.Protocol, marketerr.ErrExists)
	}

	if err := s.insert(ctx, sub); err != nil {
		if isUniqueViolation(err) {
			return marketerr.Wrap(marketerr.Protocol, marketerr.ErrExists)
		}
		return err
	}
	s.mu.Lock()
	s.activeOffers.Add(sub.ID.String())
	s.mu.Unlock()
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// UnsubscribeOffer tombstones an offer. byOwner distinguishes a local
// unsubscribe call from an inbound gossip tombstone for propagation logging
// purposes; both paths share the same WrongState semantics (spec.md §4.A):
// unsubscribing an already-unsubscribed or expired offer is WrongState.
func (s *Store) UnsubscribeOffer(ctx context.Context, id ids.SubscriptionId, byOwner bool, caller string) error {
	now := s.clock.Now()

	s.mu.RLock()
	alreadyUnsub := s.unsubOffers.Contains(id.String())
	s.mu.RUnlock()
	if alreadyUnsub {
		return marketerr.New(marketerr.Unsubscribed, "offer already unsubscribed")
	}

	sub, err := s.GetOffer(ctx, id)
	if err != nil {
		return err
	}
	if now.After(sub.ExpirationTS) {
		return marketerr.New(marketerr.Expired, "offer already expired")
	}
	if byOwner && sub.NodeID != caller {
		return marketerr.New(marketerr.Forbidden, "caller does not own offer")
	}

	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET unsubscribed_ts = ? WHERE id = ? AND kind = 'offer' AND unsubscribed_ts IS NULL`,
			now.UTC(), id.String())
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return marketerr.New(marketerr.Unsubscribed, "offer already unsubscribed")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.activeOffers.Remove(id.String())
	s.unsubOffers.Add(id.String())
	s.mu.Unlock()
	return nil
}

// GetActiveOfferIds returns the active offer-id snapshot, optionally
// filtered to the given owning node ids.
func (s *Store) GetActiveOfferIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error) {
	return s.snapshotFiltered(ctx, s.activeOffers, owners)
}

// GetActiveDemandIds returns the active demand-id snapshot.
func (s *Store) GetActiveDemandIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error) {
	return s.snapshotFiltered(ctx, s.activeDemands, owners)
}

// GetUnsubscribedOfferIds returns the tombstoned offer-id snapshot.
func (s *Store) GetUnsubscribedOfferIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error) {
	return s.snapshotFiltered(ctx, s.unsubOffers, owners)
}

func (s *Store) snapshotFiltered(ctx context.Context, set mapset.Set[string], owners []string) ([]ids.SubscriptionId, error) {
	s.mu.RLock()
	raw := set.ToSlice()
	s.mu.RUnlock()

	var byOwner mapset.Set[string]
	if len(owners) > 0 {
		byOwner = mapset.NewThreadUnsafeSet[string]()
		rows, err := s.db.Conn().QueryContext(ctx,
			`SELECT id FROM subscriptions WHERE node_id IN (`+placeholders(len(owners))+`)`,
			toAny(owners)...)
		if err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, marketerr.Wrap(marketerr.TransientIO, err)
			}
			byOwner.Add(id)
		}
		if err := rows.Err(); err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
	}

	out := make([]ids.SubscriptionId, 0, len(raw))
	for _, raw := range raw {
		if byOwner != nil && !byOwner.Contains(raw) {
			continue
		}
		parsed, err := ids.ParseSubscriptionId(raw)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Properties marshals a map into the canonical properties JSON string
// (spec.md §3: "properties: JSON object").
func Properties(m map[string]any) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", marketerr.Wrap(marketerr.Protocol, err)
	}
	return string(b), nil
}

// Evict sweeps expired, non-tombstoned subscriptions and drops unsubscribe
// tombstones whose expiration_ts has also elapsed (spec.md §4.A: "Unsubscribe
// tombstones for own offers are preserved at least until expiration_ts").
func (s *Store) Evict(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var removed int64
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE expiration_ts < ?`, now.UTC())
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Rebuild indices by re-warming from the now-swept table rather than
	// tracking individual expirations; eviction runs at a low, configured
	// cadence (spec.md §4.A), so a full rescan is cheap enough.
	s.mu.Lock()
	s.activeOffers = mapset.NewThreadUnsafeSet[string]()
	s.activeDemands = mapset.NewThreadUnsafeSet[string]()
	s.unsubOffers = mapset.NewThreadUnsafeSet[string]()
	s.mu.Unlock()

	if err := s.warm(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}
