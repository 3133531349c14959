package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xutil"
)

func newTestStore(t *testing.T) (*Store, *xutil.MockableClock) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &xutil.MockableClock{}
	clock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(ctx, db, clock)
	require.NoError(t, err)
	return s, clock
}

func TestStore_CreateAndGetOffer(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	offer, err := s.CreateOffer(ctx, "node-1", `{"golem.com":"1"}`, "()", time.Hour)
	require.NoError(t, err)

	got, err := s.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.NodeID, got.NodeID)
	assert.Equal(t, offer.Properties, got.Properties)

	active, err := s.GetActiveOfferIds(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, active, offer.ID)
}

func TestStore_GetOfferNotFound(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	now := clock.Now()

	unknown := ids.NewSubscriptionId("p", "c", "n", now, now.Add(time.Hour))
	_, err := s.GetOffer(ctx, unknown)
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.NotFound))
}

func TestStore_SaveOfferRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	now := clock.Now()

	sub := Subscription{
		ID:           ids.NewSubscriptionId("p", "c", "remote-node", now, now.Add(time.Hour)),
		Kind:         KindOffer,
		NodeID:       "remote-node",
		Properties:   "p",
		Constraints:  "c",
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
	}
	require.NoError(t, s.SaveOffer(ctx, sub))

	err := s.SaveOffer(ctx, sub)
	require.Error(t, err)
	assert.True(t, marketerr.SuppressesPropagation(err))
}

func TestStore_SaveOfferRejectsExpired(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	now := clock.Now()

	sub := Subscription{
		ID:           ids.NewSubscriptionId("p", "c", "remote-node", now.Add(-2*time.Hour), now.Add(-time.Hour)),
		Kind:         KindOffer,
		NodeID:       "remote-node",
		Properties:   "p",
		Constraints:  "c",
		CreationTS:   now.Add(-2 * time.Hour),
		ExpirationTS: now.Add(-time.Hour),
	}
	err := s.SaveOffer(ctx, sub)
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.Expired))
	assert.True(t, marketerr.SuppressesPropagation(err))
}

func TestStore_SaveOfferRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	now := clock.Now()

	sub := Subscription{
		ID:           ids.NewSubscriptionId("original-props", "c", "remote-node", now, now.Add(time.Hour)),
		Kind:         KindOffer,
		NodeID:       "remote-node",
		Properties:   "tampered-props",
		Constraints:  "c",
		CreationTS:   now,
		ExpirationTS: now.Add(time.Hour),
	}
	err := s.SaveOffer(ctx, sub)
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.Protocol))
}

func TestStore_UnsubscribeOfferLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	offer, err := s.CreateOffer(ctx, "node-1", "p", "c", time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.UnsubscribeOffer(ctx, offer.ID, true, "node-1"))

	err = s.UnsubscribeOffer(ctx, offer.ID, true, "node-1")
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.Unsubscribed))

	unsub, err := s.GetUnsubscribedOfferIds(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, unsub, offer.ID)

	active, err := s.GetActiveOfferIds(ctx, nil)
	require.NoError(t, err)
	assert.NotContains(t, active, offer.ID)
}

func TestStore_UnsubscribeOfferForbidsWrongOwner(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	offer, err := s.CreateOffer(ctx, "node-1", "p", "c", time.Hour)
	require.NoError(t, err)

	err = s.UnsubscribeOffer(ctx, offer.ID, true, "node-2")
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.Forbidden))
}

func TestStore_EvictRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.CreateOffer(ctx, "node-1", "p", "c", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	removed, err := s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	active, err := s.GetActiveOfferIds(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, active)
}
