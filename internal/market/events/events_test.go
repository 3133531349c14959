package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/market/store"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, nil, nil, nil, 128)
	require.NoError(t, err)
	return s
}

// newTestStoreWithSubscriptions wires a real market/store.Store into an
// events Store, the way cmd/marketd/main.go does, so validateSubscription
// has something to check against.
func newTestStoreWithSubscriptions(t *testing.T) (*Store, *store.Store, *xutil.MockableClock) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := xutil.NewMockableClock()
	subs, err := store.New(ctx, db, clock)
	require.NoError(t, err)

	s, err := New(db, subs, clock, nil, 128)
	require.NoError(t, err)
	return s, subs, clock
}

func TestStore_EmitAndTakeEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Emit(ctx, "sub-1", "", ClassProposal, map[string]string{"kind": "proposal"})
	require.NoError(t, err)

	evs, err := s.TakeEvents(ctx, "sub-1", "", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ClassProposal, evs[0].Class)

	// Consumed events are removed.
	evs, err = s.TakeEvents(ctx, "sub-1", "", 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestStore_TakeEventsSessionAnyMeansAllSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, sess := range []string{"s1", "s1", "s1", "s2"} {
		_, err := s.Emit(ctx, "sub-1", sess, ClassProposal, map[string]string{"session": sess})
		require.NoError(t, err)
	}

	evs, err := s.TakeEvents(ctx, "sub-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 4, "session=\"\" (any) must return events across all sessions")
}

func TestStore_TakeEventsFiltersBySession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Emit(ctx, "sub-1", "s1", ClassProposal, map[string]string{})
	require.NoError(t, err)
	_, err = s.Emit(ctx, "sub-1", "s2", ClassProposal, map[string]string{})
	require.NoError(t, err)

	evs, err := s.TakeEvents(ctx, "sub-1", "s1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "s1", evs[0].SessionID)
}

func TestStore_AgreementEventsPrioritizedOverProposalAtSameTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	events := []Event{
		{ID: 1, Class: ClassProposal, CreationTS: now},
		{ID: 2, Class: ClassAgreement, CreationTS: now},
	}
	sortByClassPriority(events)
	assert.Equal(t, ClassAgreement, events[0].Class)
	assert.Equal(t, ClassProposal, events[1].Class)
}

func TestStore_TakeEventsRejectsUnknownSubscription(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStoreWithSubscriptions(t)

	_, err := s.TakeEvents(ctx, "not-a-real-subscription-id", "", 10)
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.NotFound))
}

func TestStore_TakeEventsRejectsExpiredSubscription(t *testing.T) {
	ctx := context.Background()
	s, subs, clock := newTestStoreWithSubscriptions(t)

	sub, err := subs.CreateOffer(ctx, "node-1", "{}", "()", 5300*time.Millisecond)
	require.NoError(t, err)

	_, err = s.Emit(ctx, sub.ID.String(), "", ClassProposal, map[string]string{})
	require.NoError(t, err)

	clock.Advance(6 * time.Second)

	_, err = s.TakeEvents(ctx, sub.ID.String(), "", 10)
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.Expired))
}

func TestStore_TakeEventsRejectsUnsubscribedOffer(t *testing.T) {
	ctx := context.Background()
	s, subs, _ := newTestStoreWithSubscriptions(t)

	sub, err := subs.CreateOffer(ctx, "node-1", "{}", "()", time.Hour)
	require.NoError(t, err)
	require.NoError(t, subs.UnsubscribeOffer(ctx, sub.ID, true, "node-1"))

	_, err = s.TakeEvents(ctx, sub.ID.String(), "", 10)
	require.Error(t, err)
	assert.True(t, marketerr.Is(err, marketerr.Unsubscribed))
}

func TestStore_TakeEventsAllowsActiveSubscription(t *testing.T) {
	ctx := context.Background()
	s, subs, _ := newTestStoreWithSubscriptions(t)

	sub, err := subs.CreateDemand(ctx, "node-1", "{}", "()", time.Hour)
	require.NoError(t, err)

	_, err = s.Emit(ctx, sub.ID.String(), "", ClassProposal, map[string]string{})
	require.NoError(t, err)

	evs, err := s.TakeEvents(ctx, sub.ID.String(), "", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestStore_GCRemovesOldEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Emit(ctx, "sub-1", "", ClassProposal, map[string]string{})
	require.NoError(t, err)

	removed, err := s.GC(ctx, -time.Hour) // negative retention: everything is "older"
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
