// Package batch implements the Payment Batch Controller (spec.md §4.F):
// accept_invoice/accept_debit_note entry points, deposit-vs-grouped item
// partitioning, per-order dispatch locking, and the per-(owner,platform)
// cycle loop. Grounded on original_source/core/payment/src/batch.rs (the
// deposit/grouped partitioning and per-order_id lock) and
// core/payment/src/cycle.rs (the BatchCycleTaskManager/BatchCycleTask
// sleep-until-next-process-or-wake loop).
package batch

import (
	"context"
	"database/sql"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/golemcore/market/internal/config"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/payment/driver"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xlog"
	"github.com/golemcore/market/internal/xmetrics"
	"github.com/golemcore/market/internal/xutil"
)

// Acceptance is the caller-provided decision recorded against an invoice or
// debit note (spec.md §4.F entry points). OwnerID/Platform/PayerAddr/PayeeAddr
// name the BatchOrderItem's counterparty tuple (spec.md §3's BatchOrderItem
// fields) the way the agreement the invoice/debit-note belongs to would
// supply them; they are not derivable from AllocationID alone since an
// allocation has no payee.
type Acceptance struct {
	Amount       *big.Rat
	AllocationID string
	OwnerID      string
	Platform     string
	PayerAddr    string
	PayeeAddr    string
	Deposit      *driver.Deposit
}

// Item is one pending dispatch unit — either deposit-backed (dispatched
// individually) or plain (grouped by key and summed), mirroring
// original_source's DbBatchOrderItemFullInfo.
type Item struct {
	BatchOrderID string
	OrderID      string
	OrderKind    string // "invoice" | "debit_note"
	OwnerID      string
	Platform     string
	PayerAddr    string
	PayeeAddr    string
	Amount       *big.Rat
	AllocationID string
	Deposit      *driver.Deposit
}

// groupKey is the grouping tuple for deposit-less items (original_source's
// BatchOrderItemKey): (order_id, platform, owner_id, payer_addr, payee_addr).
type groupKey struct {
	orderID   string
	platform  string
	ownerID   string
	payerAddr string
	payeeAddr string
}

// Controller is the Payment Batch Controller.
type Controller struct {
	db     *persistence.DB
	driver driver.Driver
	cfg    config.BatchCycle
	log    *xlog.Logger
	metrics *xmetrics.Set
	clock  xutil.Clock

	orderLocks sync.Map // order_id -> *sync.Mutex
	sem        *semaphore.Weighted

	wakersMu sync.Mutex
	wakers   map[string]chan struct{} // "ownerID|platform" -> wake channel
}

// New constructs a Controller. maxConcurrentDispatch bounds how many
// per-order dispatch critical sections may run at once across all cycles.
func New(db *persistence.DB, drv driver.Driver, cfg config.BatchCycle, log *xlog.Logger, metrics *xmetrics.Set, clock xutil.Clock, maxConcurrentDispatch int64) *Controller {
	if clock == nil {
		clock = xutil.RealClock
	}
	return &Controller{
		db:      db,
		driver:  drv,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		clock:   clock,
		sem:     semaphore.NewWeighted(maxConcurrentDispatch),
		wakers:  make(map[string]chan struct{}),
	}
}

// AcceptInvoice records an invoice acceptance, decrements the allocation's
// available amount, and enqueues a BatchOrderItem (spec.md §4.F).
func (c *Controller) AcceptInvoice(ctx context.Context, invoiceID string, acc Acceptance) error {
	return c.acceptOrder(ctx, invoiceID, "invoice", acc)
}

// AcceptDebitNote records a debit-note acceptance and enqueues a
// BatchOrderItem analogously to AcceptInvoice.
func (c *Controller) AcceptDebitNote(ctx context.Context, debitNoteID string, acc Acceptance) error {
	return c.acceptOrder(ctx, debitNoteID, "debit_note", acc)
}

func (c *Controller) acceptOrder(ctx context.Context, orderID, kind string, acc Acceptance) error {
	return c.db.Tx(ctx, func(tx *sql.Tx) error {
		var avail string
		err := tx.QueryRowContext(ctx, `SELECT total_amount - spent_amount FROM allocations WHERE id = ?`, acc.AllocationID).Scan(&avail)
		if err == sql.ErrNoRows {
			return marketerr.Newf(marketerr.NotFound, "allocation %s not found", acc.AllocationID)
		}
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE allocations SET spent_amount = spent_amount + ? WHERE id = ?`,
			acc.Amount.RatString(), acc.AllocationID)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}

		if err := c.ensureBatchOrder(ctx, tx, orderID, acc); err != nil {
			return err
		}

		var depositContract, depositID sql.NullString
		if acc.Deposit != nil {
			depositContract = sql.NullString{String: acc.Deposit.ContractAddress, Valid: true}
			depositID = sql.NullString{String: acc.Deposit.ID, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_order_items
				(batch_order_id, order_id, order_kind, amount, allocation_id, deposit_contract_addr, deposit_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			orderID, orderID, kind, acc.Amount.RatString(), acc.AllocationID, depositContract, depositID)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

// ensureBatchOrder creates the batch_orders parent row orderID's items are
// enqueued against if it doesn't already exist (an invoice and its
// corresponding debit note under the same order_id share one row, the way
// ProcessOwnerPlatform's group-then-sum step expects). Without this, a
// batch_order_items row would have no parent for unsentItems' INNER JOIN
// to find, and the item would never be dispatched.
func (c *Controller) ensureBatchOrder(ctx context.Context, tx *sql.Tx, orderID string, acc Acceptance) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM batch_orders WHERE id = ?`, orderID).Scan(&exists)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_orders (id, owner_id, platform, payer_addr, payee_addr, total_amount, creation_ts)
		VALUES (?, ?, ?, ?, ?, '0', ?)`, orderID, acc.OwnerID, acc.Platform, acc.PayerAddr, acc.PayeeAddr, c.clock.Now().UTC())
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	return nil
}

// Notify wakes the cycle loop for (ownerID, platform) ahead of its next
// scheduled run, e.g. when a fresh acceptance just landed.
func (c *Controller) Notify(ownerID, platform string) {
	c.wakersMu.Lock()
	ch, ok := c.wakers[ownerID+"|"+platform]
	c.wakersMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// EnsureCycle starts RunCycle for (ownerID, platform) in a new goroutine if
// one isn't already running, and is a no-op otherwise. Callers (acceptance
// handlers, startup recovery over existing batch_orders rows) use this
// instead of RunCycle directly since the set of active (owner, platform)
// pairs isn't known until an order naming them is first seen.
func (c *Controller) EnsureCycle(ctx context.Context, ownerID, platform string) {
	key := ownerID + "|" + platform
	c.wakersMu.Lock()
	_, running := c.wakers[key]
	c.wakersMu.Unlock()
	if running {
		return
	}
	go c.RunCycle(ctx, ownerID, platform)
}

// RunCycle runs the per-(owner,platform) cycle loop until ctx is cancelled
// (original_source's BatchCycleTask): sleep until next_process_at (or an
// earlier Notify wake), dispatch unsent items, repeat.
func (c *Controller) RunCycle(ctx context.Context, ownerID, platform string) {
	key := ownerID + "|" + platform
	wake := make(chan struct{}, 1)
	c.wakersMu.Lock()
	c.wakers[key] = wake
	c.wakersMu.Unlock()
	defer func() {
		c.wakersMu.Lock()
		delete(c.wakers, key)
		c.wakersMu.Unlock()
	}()

	for {
		next := c.clock.Now().Add(c.cfg.Interval)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(time.Until(next)):
		}

		if err := c.ProcessOwnerPlatform(ctx, ownerID, platform); err != nil {
			if c.log != nil {
				c.log.Warn("batch cycle failed", "owner", ownerID, "platform", platform, "error", err)
			}
		}
	}
}

// ProcessOwnerPlatform dispatches every unsent item for (ownerID, platform)
// in a single pass: deposit-backed items individually, deposit-less items
// grouped and summed (spec.md §4.F steps 2-4).
func (c *Controller) ProcessOwnerPlatform(ctx context.Context, ownerID, platform string) error {
	items, err := c.unsentItems(ctx, ownerID, platform)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	groups := make(map[groupKey][]Item)
	var depositItems []Item
	for _, item := range items {
		if item.Deposit != nil {
			depositItems = append(depositItems, item)
			continue
		}
		k := groupKey{orderID: item.OrderID, platform: item.Platform, ownerID: item.OwnerID, payerAddr: item.PayerAddr, payeeAddr: item.PayeeAddr}
		groups[k] = append(groups[k], item)
	}

	for _, item := range depositItems {
		if err := c.dispatchOne(ctx, item); err != nil {
			if c.metrics != nil {
				c.metrics.BatchDispatchFailuresTotal.WithLabelValues("deposit").Inc()
			}
			if c.log != nil {
				c.log.Warn("deposit dispatch failed, will retry next cycle", "order_id", item.OrderID, "error", err)
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.BatchItemsDispatchedTotal.WithLabelValues("deposit").Inc()
		}
	}

	for k, groupItems := range groups {
		sum := new(big.Rat)
		for _, it := range groupItems {
			sum.Add(sum, it.Amount)
		}
		if err := c.dispatchGroup(ctx, k, sum, groupItems); err != nil {
			if c.metrics != nil {
				c.metrics.BatchDispatchFailuresTotal.WithLabelValues("grouped").Inc()
			}
			if c.log != nil {
				c.log.Warn("grouped dispatch failed, will retry next cycle", "order_id", k.orderID, "error", err)
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.BatchItemsDispatchedTotal.WithLabelValues("grouped").Inc()
		}
	}
	return nil
}

// dispatchOne schedules a single deposit-backed payment under the
// per-order_id lock.
func (c *Controller) dispatchOne(ctx context.Context, item Item) error {
	return c.withOrderLock(ctx, item.OrderID, func() error {
		orderID, err := c.driver.SchedulePayment(ctx, driver.SchedulePaymentRequest{
			Amount:    item.Amount,
			PayerAddr: item.PayerAddr,
			PayeeAddr: item.PayeeAddr,
			Platform:  item.Platform,
			Deposit:   item.Deposit,
			Requested: c.clock.Now(),
		})
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return c.markSent(ctx, item.BatchOrderID, item.OrderID, orderID)
	})
}

// dispatchGroup schedules one summed payment for every item sharing k,
// under the per-order_id lock.
func (c *Controller) dispatchGroup(ctx context.Context, k groupKey, sum *big.Rat, items []Item) error {
	return c.withOrderLock(ctx, k.orderID, func() error {
		orderID, err := c.driver.SchedulePayment(ctx, driver.SchedulePaymentRequest{
			Amount:    sum,
			PayerAddr: k.payerAddr,
			PayeeAddr: k.payeeAddr,
			Platform:  k.platform,
			Requested: c.clock.Now(),
		})
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		for _, item := range items {
			if err := c.markSent(ctx, item.BatchOrderID, item.OrderID, orderID); err != nil {
				return err
			}
		}
		return nil
	})
}

// withOrderLock serializes dispatch for a single order_id (spec.md §4.F's
// "per-order async mutex"), bounded by the controller-wide semaphore so an
// unbounded number of concurrent orders cannot overrun the driver.
func (c *Controller) withOrderLock(ctx context.Context, orderID string, fn func() error) error {
	lockIface, _ := c.orderLocks.LoadOrStore(orderID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return marketerr.Wrap(marketerr.Timeout, err)
	}
	defer c.sem.Release(1)

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (c *Controller) markSent(ctx context.Context, batchOrderID, orderID string, driverOrderID driver.PaymentOrderID) error {
	return c.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE batch_orders SET driver_order = ?, paid_ts = ? WHERE id = ?`,
			string(driverOrderID), time.Now().UTC(), batchOrderID)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

func (c *Controller) unsentItems(ctx context.Context, ownerID, platform string) ([]Item, error) {
	rows, err := c.db.Conn().QueryContext(ctx, `
		SELECT bo.id, boi.order_id, boi.order_kind, bo.owner_id, bo.platform, bo.payer_addr, bo.payee_addr,
		       boi.amount, boi.allocation_id, boi.deposit_contract_addr, boi.deposit_id
		FROM batch_order_items boi
		JOIN batch_orders bo ON bo.id = boi.batch_order_id
		WHERE bo.owner_id = ? AND bo.platform = ? AND bo.driver_order IS NULL`, ownerID, platform)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var amount string
		var depositContract, depositID sql.NullString
		if err := rows.Scan(&it.BatchOrderID, &it.OrderID, &it.OrderKind, &it.OwnerID, &it.Platform, &it.PayerAddr, &it.PayeeAddr,
			&amount, &it.AllocationID, &depositContract, &depositID); err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		it.Amount = new(big.Rat)
		it.Amount.SetString(amount)
		if depositContract.Valid && depositID.Valid {
			it.Deposit = &driver.Deposit{ContractAddress: depositContract.String, ID: depositID.String}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	return items, nil
}
