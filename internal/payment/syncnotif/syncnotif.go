// Package syncnotif implements the Payment Sync Notifier (spec.md §4.I): a
// best-effort-reliable channel that tells a peer about payments and
// invoice/debit-note acceptances it might have missed (e.g. while offline).
// Grounded on original_source/core/payment/src/payment_sync.rs: the
// SyncNotifs table, the exponential-backoff due-time formula, and the
// wake-on-Notify-or-earliest-deadline loop (there: send_sync_notifs_job /
// SYNC_NOTIFS_NOTIFY).
package syncnotif

import (
	"context"
	"database/sql"
	"math"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/golemcore/market/internal/config"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/payment/driver"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xlog"
	"github.com/golemcore/market/internal/xmetrics"
	"github.com/golemcore/market/internal/xutil"
)

// sendRetryInitialInterval/sendRetryMaxAttempts bound the in-process retry
// attempted around a single Sender.Send call: a handful of quick, backed-off
// retries absorb one flaky RPC so it doesn't immediately burn a full step of
// the persisted, cross-restart backoff schedule computed by backoff()/cutoff
// below (that schedule, unlike this one, must survive a daemon restart,
// which is why it's a literal formula rather than this library's in-memory
// BackOff state).
const (
	sendRetryInitialInterval = 10 * time.Millisecond
	sendRetryMaxAttempts     = 3
)

// SentPayment is one already-dispatched, not-yet-synced payment
// (original_source's SendPayment: a Payment plus the driver's detached
// signature over it).
type SentPayment struct {
	OrderID   string
	PayerAddr string
	PayeeAddr string
	Platform  string
	Amount    *big.Rat
	Signature []byte
}

// AcceptedInvoice is one not-yet-synced invoice acceptance.
type AcceptedInvoice struct {
	InvoiceID string
	Amount    *big.Rat
}

// AcceptedDebitNote is one not-yet-synced debit-note acceptance.
type AcceptedDebitNote struct {
	DebitNoteID string
	Amount      *big.Rat
}

// Message is the aggregate PaymentSync payload sent to one peer.
type Message struct {
	Payments         []SentPayment
	InvoiceAccepts   []AcceptedInvoice
	DebitNoteAccepts []AcceptedDebitNote
}

func (m Message) empty() bool {
	return len(m.Payments) == 0 && len(m.InvoiceAccepts) == 0 && len(m.DebitNoteAccepts) == 0
}

// Sender delivers an assembled Message to a peer over the wire. internal/bus
// implements this against the overlay transport; tests use a Fake.
type Sender interface {
	Send(ctx context.Context, peerID string, msg Message) error
}

// Fake is an in-memory Sender for tests, mirroring payment/driver.Fake's shape.
type Fake struct {
	Sent     []string
	FailWith map[string]error
}

// NewFake builds a Fake sender that accepts every message by default.
func NewFake() *Fake {
	return &Fake{FailWith: make(map[string]error)}
}

// Send records the peer id and succeeds unless FailWith names that peer.
func (f *Fake) Send(ctx context.Context, peerID string, msg Message) error {
	if err, ok := f.FailWith[peerID]; ok {
		return err
	}
	f.Sent = append(f.Sent, peerID)
	return nil
}

// Notifier runs the per-peer sync-retry loop.
type Notifier struct {
	db     *persistence.DB
	driver driver.Driver
	sender Sender
	cfg    config.SyncNotif
	clock  xutil.Clock
	log    *xlog.Logger
	metrics *xmetrics.Set

	notify chan struct{}
}

// New constructs a Notifier.
func New(db *persistence.DB, drv driver.Driver, sender Sender, cfg config.SyncNotif, clock xutil.Clock, log *xlog.Logger, metrics *xmetrics.Set) *Notifier {
	if clock == nil {
		clock = xutil.RealClock
	}
	return &Notifier{
		db:      db,
		driver:  drv,
		sender:  sender,
		cfg:     cfg,
		clock:   clock,
		log:     log,
		metrics: metrics,
		notify:  make(chan struct{}, 1),
	}
}

// Notify wakes the loop ahead of its next scheduled retry, e.g. right after
// a fresh payment or acceptance is recorded for a peer.
func (n *Notifier) Notify() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

// Record schedules a due-immediately sync notification for peerID if none is
// pending; an existing row for peerID is left as it is, keeping its retry
// count and last attempt time. Callers (the batch controller, invoice/debit-note acceptance
// handlers) invoke this whenever they produce state the peer might not know
// about yet.
func (n *Notifier) Record(ctx context.Context, peerID string) error {
	_, err := n.db.Conn().ExecContext(ctx, `
		INSERT INTO sync_notifs (peer_id, retries, last_attempt_ts)
		VALUES (?, 0, ?)
		ON CONFLICT(peer_id) DO NOTHING`, peerID, n.epoch())
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	return nil
}

// epoch is far enough in the past that backoff(0) has already elapsed,
// making a freshly-Record'd peer immediately due.
func (n *Notifier) epoch() time.Time {
	return n.clock.Now().Add(-n.backoff(0) - time.Second)
}

// backoff computes base·ratio^retries (spec.md §4.I: base=30s, ratio=6).
func (n *Notifier) backoff(retries int) time.Duration {
	return time.Duration(float64(n.cfg.BaseDelay) * math.Pow(n.cfg.Ratio, float64(retries)))
}

// Run drives the wake-on-Notify-or-earliest-deadline loop until ctx is
// cancelled (original_source's send_sync_notifs_job).
func (n *Notifier) Run(ctx context.Context) {
	const defaultSleep = 30 * time.Second
	for {
		sleepFor, err := n.processCycle(ctx)
		if err != nil {
			if n.log != nil {
				n.log.Error("payment sync notifier cycle failed", "error", err)
			}
			sleepFor = defaultSleep
		} else if sleepFor <= 0 {
			sleepFor = defaultSleep
		}

		select {
		case <-ctx.Done():
			return
		case <-n.notify:
		case <-time.After(sleepFor):
		}
	}
}

type notifRow struct {
	peerID        string
	retries       int
	lastAttemptTS time.Time
}

// processCycle runs one pass of send_sync_notifs: it notifies every peer
// whose backoff deadline has passed, and returns how long to sleep until the
// next earliest deadline among the rest.
func (n *Notifier) processCycle(ctx context.Context) (time.Duration, error) {
	rows, err := n.listNotifs(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := n.clock.Now()
	var nextWakeup time.Duration
	haveWakeup := false
	var due []notifRow

	for _, r := range rows {
		deadline := r.lastAttemptTS.Add(n.backoff(r.retries))
		if deadline.After(cutoff) {
			if d := deadline.Sub(cutoff); !haveWakeup || d < nextWakeup {
				nextWakeup = d
				haveWakeup = true
			}
			continue
		}
		if r.retries <= n.cfg.MaxRetries {
			due = append(due, r)
		}
	}

	for _, r := range due {
		n.attempt(ctx, r.peerID, cutoff)
	}

	if !haveWakeup {
		return 0, nil
	}
	return nextWakeup, nil
}

func (n *Notifier) attempt(ctx context.Context, peerID string, cutoff time.Time) {
	msg, err := n.buildMessage(ctx, peerID)
	if err == nil && !msg.empty() {
		err = n.send(ctx, peerID, msg)
	}
	if err == nil {
		if markErr := n.markAllSent(ctx, peerID, msg); markErr != nil {
			if n.log != nil {
				n.log.Error("marking payment sync as sent failed", "peer", peerID, "error", markErr)
			}
			return
		}
		if n.metrics != nil {
			n.metrics.SyncNotifSentTotal.Inc()
		}
		if dropErr := n.dropNotif(ctx, peerID); dropErr != nil && n.log != nil {
			n.log.Error("dropping completed sync notif failed", "peer", peerID, "error", dropErr)
		}
		return
	}

	if n.metrics != nil {
		n.metrics.SyncNotifRetriesTotal.Inc()
	}
	if incErr := n.incrementRetry(ctx, peerID, cutoff, err); incErr != nil && n.log != nil {
		n.log.Error("incrementing sync notif retry failed", "peer", peerID, "error", incErr)
	}
}

// send delivers msg to peerID, making at most sendRetryMaxAttempts attempts
// in total with exponential backoff between them before giving up. A peer that's merely momentarily
// unreachable shouldn't cost a whole persisted retry/backoff step.
func (n *Notifier) send(ctx context.Context, peerID string, msg Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = sendRetryInitialInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.sender.Send(ctx, peerID, msg)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(sendRetryMaxAttempts))
	return err
}

func (n *Notifier) listNotifs(ctx context.Context) ([]notifRow, error) {
	rows, err := n.db.Conn().QueryContext(ctx, `SELECT peer_id, retries, last_attempt_ts FROM sync_notifs`)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	var out []notifRow
	for rows.Next() {
		var r notifRow
		if err := rows.Scan(&r.peerID, &r.retries, &r.lastAttemptTS); err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	return out, nil
}

func (n *Notifier) incrementRetry(ctx context.Context, peerID string, at time.Time, cause error) error {
	_, err := n.db.Conn().ExecContext(ctx,
		`UPDATE sync_notifs SET retries = retries + 1, last_attempt_ts = ?, last_error = ? WHERE peer_id = ?`,
		at, cause.Error(), peerID)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	return nil
}

func (n *Notifier) dropNotif(ctx context.Context, peerID string) error {
	_, err := n.db.Conn().ExecContext(ctx, `DELETE FROM sync_notifs WHERE peer_id = ?`, peerID)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	return nil
}

// buildMessage assembles the PaymentSync payload for peerID: every
// not-yet-synced dispatched payment where peerID is the counterparty, plus
// every not-yet-synced invoice/debit-note acceptance issued to peerID
// (original_source's payment_sync()).
func (n *Notifier) buildMessage(ctx context.Context, peerID string) (Message, error) {
	var msg Message

	payments, err := n.unsentPayments(ctx, peerID)
	if err != nil {
		return Message{}, err
	}
	msg.Payments = payments

	invoices, err := n.unsentInvoiceAccepts(ctx, peerID)
	if err != nil {
		return Message{}, err
	}
	msg.InvoiceAccepts = invoices

	debitNotes, err := n.unsentDebitNoteAccepts(ctx, peerID)
	if err != nil {
		return Message{}, err
	}
	msg.DebitNoteAccepts = debitNotes

	return msg, nil
}

func (n *Notifier) unsentPayments(ctx context.Context, peerID string) ([]SentPayment, error) {
	rows, err := n.db.Conn().QueryContext(ctx, `
		SELECT id, payer_addr, payee_addr, platform, total_amount
		FROM batch_orders
		WHERE counterparty_id = ? AND driver_order IS NOT NULL AND synced_ts IS NULL`, peerID)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	var out []SentPayment
	for rows.Next() {
		var p SentPayment
		var amount string
		if err := rows.Scan(&p.OrderID, &p.PayerAddr, &p.PayeeAddr, &p.Platform, &amount); err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		p.Amount, _ = new(big.Rat).SetString(amount)

		sig, err := n.driver.SignPayment(ctx, driver.SignRequest{NodeID: peerID, Payload: []byte(p.OrderID)})
		if err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		p.Signature = sig
		out = append(out, p)
	}
	return out, rows.Err()
}

func (n *Notifier) unsentInvoiceAccepts(ctx context.Context, peerID string) ([]AcceptedInvoice, error) {
	rows, err := n.db.Conn().QueryContext(ctx, `
		SELECT id, accepted_amount FROM invoices
		WHERE issuer_id = ? AND accepted_amount IS NOT NULL AND accept_synced_ts IS NULL`, peerID)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	var out []AcceptedInvoice
	for rows.Next() {
		var a AcceptedInvoice
		var amount string
		if err := rows.Scan(&a.InvoiceID, &amount); err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		a.Amount, _ = new(big.Rat).SetString(amount)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (n *Notifier) unsentDebitNoteAccepts(ctx context.Context, peerID string) ([]AcceptedDebitNote, error) {
	rows, err := n.db.Conn().QueryContext(ctx, `
		SELECT id, accepted_amount FROM debit_notes
		WHERE issuer_id = ? AND accepted_amount IS NOT NULL AND accept_synced_ts IS NULL`, peerID)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	var out []AcceptedDebitNote
	for rows.Next() {
		var a AcceptedDebitNote
		var amount string
		if err := rows.Scan(&a.DebitNoteID, &amount); err != nil {
			return nil, marketerr.Wrap(marketerr.TransientIO, err)
		}
		a.Amount, _ = new(big.Rat).SetString(amount)
		out = append(out, a)
	}
	return out, rows.Err()
}

// markAllSent flips every row referenced by msg to synced, in one
// transaction, mirroring original_source's mark_all_sent.
func (n *Notifier) markAllSent(ctx context.Context, peerID string, msg Message) error {
	return n.db.Tx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, p := range msg.Payments {
			if _, err := tx.ExecContext(ctx, `UPDATE batch_orders SET synced_ts = ? WHERE id = ?`, now, p.OrderID); err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
		}
		for _, a := range msg.InvoiceAccepts {
			if _, err := tx.ExecContext(ctx, `UPDATE invoices SET accept_synced_ts = ? WHERE id = ?`, now, a.InvoiceID); err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
		}
		for _, a := range msg.DebitNoteAccepts {
			if _, err := tx.ExecContext(ctx, `UPDATE debit_notes SET accept_synced_ts = ? WHERE id = ?`, now, a.DebitNoteID); err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
		}
		return nil
	})
}
