package syncnotif

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/golemcore/market/internal/config"
	"github.com/golemcore/market/internal/payment/driver"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xutil"
)

// TestMain verifies Run's wake-on-Notify-or-deadline loop always exits once
// its context is cancelled, rather than leaking across tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestNotifier(t *testing.T, sender Sender) (*Notifier, *persistence.DB, *xutil.MockableClock) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := xutil.NewMockableClock()
	cfg := config.SyncNotif{BaseDelay: 30 * time.Second, Ratio: 6, MaxRetries: 7}
	return New(db, driver.NewFake(), sender, cfg, clock, nil, nil), db, clock
}

func seedBatchOrderForPeer(t *testing.T, db *persistence.DB, id, counterparty string) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO batch_orders (id, owner_id, platform, payer_addr, payee_addr, counterparty_id, total_amount, driver_order, creation_ts)
		VALUES (?, 'owner-1', 'erc20-mainnet', 'payer', 'payee', ?, '10', 'driver-order-1', datetime('now'))`, id, counterparty)
	require.NoError(t, err)
}

func TestNotifier_RecordMakesPeerImmediatelyDue(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	n, db, _ := newTestNotifier(t, fake)

	require.NoError(t, n.Record(ctx, "peer-1"))
	seedBatchOrderForPeer(t, db, "bo-1", "peer-1")

	sleepFor, err := n.processCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), sleepFor)
	assert.Contains(t, fake.Sent, "peer-1")
}

func TestNotifier_SuccessfulSendMarksSentAndDropsRow(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	n, db, _ := newTestNotifier(t, fake)

	require.NoError(t, n.Record(ctx, "peer-1"))
	seedBatchOrderForPeer(t, db, "bo-1", "peer-1")

	_, err := n.processCycle(ctx)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(1) FROM sync_notifs WHERE peer_id = 'peer-1'`).Scan(&count))
	assert.Equal(t, 0, count, "a delivered peer's row must be dropped")

	var syncedTS *string
	require.NoError(t, db.Conn().QueryRow(`SELECT synced_ts FROM batch_orders WHERE id = 'bo-1'`).Scan(&syncedTS))
	require.NotNil(t, syncedTS)
}

func TestNotifier_FailedSendIncrementsRetryAndKeepsRow(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	fake.FailWith["peer-1"] = assertSendError{}
	n, db, _ := newTestNotifier(t, fake)

	require.NoError(t, n.Record(ctx, "peer-1"))
	seedBatchOrderForPeer(t, db, "bo-1", "peer-1")

	_, err := n.processCycle(ctx)
	require.NoError(t, err, "a per-peer send failure must not fail the whole cycle")

	var retries int
	require.NoError(t, db.Conn().QueryRow(`SELECT retries FROM sync_notifs WHERE peer_id = 'peer-1'`).Scan(&retries))
	assert.Equal(t, 1, retries)
}

func TestNotifier_RetriesBeyondMaxAreNotAttempted(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	n, db, clock := newTestNotifier(t, fake)

	_, err := db.Conn().Exec(`
		INSERT INTO sync_notifs (peer_id, retries, last_attempt_ts) VALUES ('peer-1', 8, ?)`, clock.Now().Add(-time.Hour*999))
	require.NoError(t, err)
	seedBatchOrderForPeer(t, db, "bo-1", "peer-1")

	_, err = n.processCycle(ctx)
	require.NoError(t, err)
	assert.NotContains(t, fake.Sent, "peer-1")
}

func TestNotifier_NotDueYetReturnsPositiveSleepDuration(t *testing.T) {
	ctx := context.Background()
	fake := NewFake()
	n, db, clock := newTestNotifier(t, fake)

	_, err := db.Conn().Exec(`
		INSERT INTO sync_notifs (peer_id, retries, last_attempt_ts) VALUES ('peer-1', 0, ?)`, clock.Now())
	require.NoError(t, err)

	sleepFor, err := n.processCycle(ctx)
	require.NoError(t, err)
	assert.Greater(t, sleepFor, time.Duration(0))
	assert.Empty(t, fake.Sent)
}

func TestNotifier_RunStopsWhenContextCancelled(t *testing.T) {
	fake := NewFake()
	n, db, _ := newTestNotifier(t, fake)
	require.NoError(t, n.Record(context.Background(), "peer-1"))
	seedBatchOrderForPeer(t, db, "bo-1", "peer-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		var count int
		err := db.Conn().QueryRow(`SELECT COUNT(1) FROM sync_notifs WHERE peer_id = 'peer-1'`).Scan(&count)
		return err == nil && count == 0
	}, time.Second, time.Millisecond, "Run must process and drop the already-due peer without waiting for a Notify")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

type assertSendError struct{}

func (assertSendError) Error() string { return "simulated send failure" }
