package batch

import (
	"context"
	"database/sql"
	"math/big"
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

// TestMain verifies RunCycle's goroutine (started by EnsureCycle) always
// exits once its context is cancelled, rather than leaking across tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestController(t *testing.T, drv driver.Driver) (*Controller, *persistence.DB, *xutil.MockableClock) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := xutil.NewMockableClock()
	cfg := config.BatchCycle{Interval: time.Minute, MaxItems: 100}
	return New(db, drv, cfg, nil, nil, clock, 4), db, clock
}

func seedAllocation(t *testing.T, db *persistence.DB, id string) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO allocations (id, owner_id, address, platform, total_amount, creation_ts)
		VALUES (?, 'owner-1', 'addr', 'erc20-mainnet', '1000', datetime('now'))`, id)
	require.NoError(t, err)
}

func seedBatchOrder(t *testing.T, db *persistence.DB, orderID, ownerID, platform, payer, payee string) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO batch_orders (id, owner_id, platform, payer_addr, payee_addr, total_amount, creation_ts)
		VALUES (?, ?, ?, ?, ?, '0', datetime('now'))`, orderID, ownerID, platform, payer, payee)
	require.NoError(t, err)
}

func seedItem(t *testing.T, db *persistence.DB, batchOrderID, orderID, kind, amount string) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO batch_order_items (batch_order_id, order_id, order_kind, amount) VALUES (?, ?, ?, ?)`,
		batchOrderID, orderID, kind, amount)
	require.NoError(t, err)
}

func TestController_AcceptInvoiceEnqueuesItemAndDecrementsAllocation(t *testing.T) {
	ctx := context.Background()
	c, db, _ := newTestController(t, driver.NewFake())
	seedAllocation(t, db, "alloc-1")

	err := c.AcceptInvoice(ctx, "inv-1", Acceptance{Amount: big.NewRat(10, 1), AllocationID: "alloc-1"})
	require.NoError(t, err)

	var spent string
	err = db.Conn().QueryRow(`SELECT spent_amount FROM allocations WHERE id = 'alloc-1'`).Scan(&spent)
	require.NoError(t, err)
	assert.Equal(t, "10", spent)
}

func TestController_AcceptInvoiceThenProcessDispatchesItem(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFake()
	c, db, _ := newTestController(t, fake)
	seedAllocation(t, db, "alloc-1")

	err := c.AcceptInvoice(ctx, "inv-1", Acceptance{
		Amount: big.NewRat(10, 1), AllocationID: "alloc-1",
		OwnerID: "owner-1", Platform: "erc20-mainnet", PayerAddr: "payer-x", PayeeAddr: "payee-y",
	})
	require.NoError(t, err)

	require.NoError(t, c.ProcessOwnerPlatform(ctx, "owner-1", "erc20-mainnet"))
	require.Len(t, fake.Scheduled, 1, "accepting an invoice must enqueue a batch_orders row unsentItems can join against")
	assert.Equal(t, "10", fake.Scheduled[0].Amount.RatString())

	var driverOrder string
	err = db.Conn().QueryRow(`SELECT driver_order FROM batch_orders WHERE id = 'inv-1'`).Scan(&driverOrder)
	require.NoError(t, err)
	assert.NotEmpty(t, driverOrder)
}

func TestController_AcceptInvoiceWithDepositDispatchesIndividually(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFake()
	c, db, _ := newTestController(t, fake)
	seedAllocation(t, db, "alloc-1")
	seedAllocation(t, db, "alloc-2")

	require.NoError(t, c.AcceptInvoice(ctx, "inv-1", Acceptance{
		Amount: big.NewRat(10, 1), AllocationID: "alloc-1",
		OwnerID: "owner-1", Platform: "erc20-mainnet", PayerAddr: "payer-x", PayeeAddr: "payee-y",
		Deposit: &driver.Deposit{ContractAddress: "0xdead", ID: "dep-1"},
	}))
	require.NoError(t, c.AcceptInvoice(ctx, "inv-2", Acceptance{
		Amount: big.NewRat(5, 1), AllocationID: "alloc-2",
		OwnerID: "owner-1", Platform: "erc20-mainnet", PayerAddr: "payer-x", PayeeAddr: "payee-y",
	}))

	require.NoError(t, c.ProcessOwnerPlatform(ctx, "owner-1", "erc20-mainnet"))

	require.Len(t, fake.Scheduled, 2, "a deposit-backed item must dispatch on its own rather than being grouped with other items")
	var sawDeposit bool
	for _, req := range fake.Scheduled {
		if req.Deposit != nil {
			sawDeposit = true
			assert.Equal(t, "dep-1", req.Deposit.ID)
			assert.Equal(t, "10", req.Amount.RatString())
		}
	}
	assert.True(t, sawDeposit, "the deposit-backed item's Deposit must survive the round trip through the database")
}

func TestController_EnsureCycleStopsWhenContextCancelled(t *testing.T) {
	fake := driver.NewFake()
	c, db, _ := newTestController(t, fake)
	seedBatchOrder(t, db, "bo-1", "owner-1", "erc20-mainnet", "payer-x", "payee-y")
	seedItem(t, db, "bo-1", "order-1", "invoice", "5")

	ctx, cancel := context.WithCancel(context.Background())
	c.EnsureCycle(ctx, "owner-1", "erc20-mainnet")
	c.Notify("owner-1", "erc20-mainnet") // wake the loop so it runs at least one pass

	require.Eventually(t, func() bool {
		var driverOrder sql.NullString
		err := db.Conn().QueryRow(`SELECT driver_order FROM batch_orders WHERE id = 'bo-1'`).Scan(&driverOrder)
		return err == nil && driverOrder.Valid
	}, time.Second, time.Millisecond, "RunCycle must process the seeded item after being woken")

	cancel()
	require.Eventually(t, func() bool {
		c.wakersMu.Lock()
		_, running := c.wakers["owner-1|erc20-mainnet"]
		c.wakersMu.Unlock()
		return !running
	}, time.Second, time.Millisecond, "RunCycle's goroutine must exit once ctx is cancelled")
}

func TestController_ProcessOwnerPlatformGroupsItemsWithoutDeposit(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFake()
	c, db, _ := newTestController(t, fake)

	seedBatchOrder(t, db, "bo-1", "owner-1", "erc20-mainnet", "payer-x", "payee-y")
	seedItem(t, db, "bo-1", "order-1", "invoice", "5")
	seedItem(t, db, "bo-1", "order-1", "debit_note", "3")

	err := c.ProcessOwnerPlatform(ctx, "owner-1", "erc20-mainnet")
	require.NoError(t, err)

	require.Len(t, fake.Scheduled, 1, "items sharing the same group key must be summed into one dispatch")
	assert.Equal(t, "8", fake.Scheduled[0].Amount.RatString())
}

func TestController_ProcessOwnerPlatformMarksItemsSent(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFake()
	c, db, _ := newTestController(t, fake)

	seedBatchOrder(t, db, "bo-1", "owner-1", "erc20-mainnet", "payer-x", "payee-y")
	seedItem(t, db, "bo-1", "order-1", "invoice", "5")

	require.NoError(t, c.ProcessOwnerPlatform(ctx, "owner-1", "erc20-mainnet"))

	var driverOrder string
	err := db.Conn().QueryRow(`SELECT driver_order FROM batch_orders WHERE id = 'bo-1'`).Scan(&driverOrder)
	require.NoError(t, err)
	assert.NotEmpty(t, driverOrder)

	// Second pass must not re-dispatch already-sent orders.
	require.NoError(t, c.ProcessOwnerPlatform(ctx, "owner-1", "erc20-mainnet"))
	assert.Len(t, fake.Scheduled, 1)
}

func TestController_FailedDispatchDoesNotBlockOtherGroups(t *testing.T) {
	ctx := context.Background()
	fake := driver.NewFake()
	c, db, _ := newTestController(t, fake)

	seedBatchOrder(t, db, "bo-1", "owner-1", "erc20-mainnet", "payer-x", "payee-y")
	seedItem(t, db, "bo-1", "order-1", "invoice", "5")
	seedBatchOrder(t, db, "bo-2", "owner-1", "erc20-mainnet", "payer-a", "payee-b")
	seedItem(t, db, "bo-2", "order-2", "invoice", "7")

	fake.FailNext(assertError{})

	err := c.ProcessOwnerPlatform(ctx, "owner-1", "erc20-mainnet")
	require.NoError(t, err, "a single item failure must not abort the whole cycle")

	assert.Len(t, fake.Scheduled, 1, "the non-failing order must still have been dispatched")
}

type assertError struct{}

func (assertError) Error() string { return "simulated driver failure" }
