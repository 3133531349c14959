package persistence

import (
	"context"
	"fmt"
)

// schema is the full set of tables spec.md §5/§6 names as persisted state:
// subscriptions (offers/demands), proposals, negotiations (agreements),
// activities, allocations, invoices, debit notes, batch orders, sync
// notifications, and the one-shot post-migration job ledger supplemented
// from original_source's `migrations/` + `core/payment/dao/batch.rs`
// ("mark pre-existing accepted invoices for inclusion in the first batch
// cycle after upgrade").
var schema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id              TEXT PRIMARY KEY,
		kind            TEXT NOT NULL CHECK (kind IN ('offer','demand')),
		node_id         TEXT NOT NULL,
		properties      TEXT NOT NULL,
		constraints     TEXT NOT NULL,
		creation_ts     DATETIME NOT NULL,
		expiration_ts   DATETIME NOT NULL,
		unsubscribed_ts DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_kind_node ON subscriptions(kind, node_id)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_expiration ON subscriptions(expiration_ts)`,

	`CREATE TABLE IF NOT EXISTS proposals (
		id                TEXT PRIMARY KEY,
		owner             TEXT NOT NULL,
		offer_id          TEXT NOT NULL,
		demand_id         TEXT NOT NULL,
		prev_proposal_id  TEXT,
		properties        TEXT NOT NULL,
		constraints       TEXT NOT NULL,
		state             TEXT NOT NULL,
		creation_ts       DATETIME NOT NULL,
		FOREIGN KEY (offer_id) REFERENCES subscriptions(id),
		FOREIGN KEY (demand_id) REFERENCES subscriptions(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_offer ON proposals(offer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_demand ON proposals(demand_id)`,

	`CREATE TABLE IF NOT EXISTS agreements (
		id                  TEXT PRIMARY KEY,
		offer_id            TEXT NOT NULL,
		demand_id           TEXT NOT NULL,
		offer_proposal_id   TEXT NOT NULL,
		demand_proposal_id  TEXT NOT NULL,
		provider_id         TEXT NOT NULL,
		requestor_id        TEXT NOT NULL,
		state               TEXT NOT NULL,
		valid_to            DATETIME NOT NULL,
		approved_ts         DATETIME,
		terminated_ts       DATETIME,
		termination_reason  TEXT,
		app_session_id      TEXT,
		creation_ts         DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agreements_state ON agreements(state)`,

	`CREATE TABLE IF NOT EXISTS agreement_amounts (
		agreement_id           TEXT PRIMARY KEY,
		role                   TEXT NOT NULL,
		total_amount_due       TEXT NOT NULL DEFAULT '0',
		total_amount_accepted  TEXT NOT NULL DEFAULT '0',
		total_amount_paid      TEXT NOT NULL DEFAULT '0',
		FOREIGN KEY (agreement_id) REFERENCES agreements(id)
	)`,

	`CREATE TABLE IF NOT EXISTS activities (
		id               TEXT PRIMARY KEY,
		agreement_id     TEXT NOT NULL,
		state            TEXT NOT NULL,
		usage_vector     TEXT,
		amount_due       TEXT NOT NULL DEFAULT '0',
		amount_accepted  TEXT NOT NULL DEFAULT '0',
		amount_paid      TEXT NOT NULL DEFAULT '0',
		creation_ts      DATETIME NOT NULL,
		FOREIGN KEY (agreement_id) REFERENCES agreements(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_agreement ON activities(agreement_id)`,

	`CREATE TABLE IF NOT EXISTS allocations (
		id           TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		address      TEXT NOT NULL,
		platform     TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		spent_amount TEXT NOT NULL DEFAULT '0',
		creation_ts  DATETIME NOT NULL,
		expires_ts   DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS debit_notes (
		id                TEXT PRIMARY KEY,
		activity_id       TEXT NOT NULL,
		agreement_id      TEXT NOT NULL,
		previous_note_id  TEXT,
		total_amount_due  TEXT NOT NULL,
		usage_counter     TEXT,
		status            TEXT NOT NULL,
		payable           BOOLEAN NOT NULL DEFAULT 0,
		accepted_amount   TEXT,
		issuer_id         TEXT NOT NULL DEFAULT '',
		accept_synced_ts  DATETIME,
		creation_ts       DATETIME NOT NULL,
		FOREIGN KEY (activity_id) REFERENCES activities(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_debit_notes_status ON debit_notes(status, payable)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id                  TEXT PRIMARY KEY,
		agreement_id        TEXT NOT NULL,
		amount              TEXT NOT NULL,
		status              TEXT NOT NULL,
		payable             BOOLEAN NOT NULL DEFAULT 0,
		accepted_amount     TEXT,
		issuer_id           TEXT NOT NULL DEFAULT '',
		accept_synced_ts    DATETIME,
		creation_ts         DATETIME NOT NULL,
		FOREIGN KEY (agreement_id) REFERENCES agreements(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status, payable)`,

	`CREATE TABLE IF NOT EXISTS batch_orders (
		id               TEXT PRIMARY KEY,
		owner_id         TEXT NOT NULL,
		platform         TEXT NOT NULL,
		payer_addr       TEXT NOT NULL,
		payee_addr       TEXT NOT NULL,
		counterparty_id  TEXT NOT NULL DEFAULT '',
		total_amount     TEXT NOT NULL,
		driver_order     TEXT,
		paid_ts          DATETIME,
		synced_ts        DATETIME,
		creation_ts      DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batch_order_items (
		batch_order_id        TEXT NOT NULL,
		order_id              TEXT NOT NULL,
		order_kind            TEXT NOT NULL CHECK (order_kind IN ('invoice','debit_note')),
		amount                TEXT NOT NULL,
		allocation_id         TEXT NOT NULL DEFAULT '',
		deposit_contract_addr TEXT,
		deposit_id            TEXT,
		PRIMARY KEY (batch_order_id, order_id, order_kind),
		FOREIGN KEY (batch_order_id) REFERENCES batch_orders(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_orders_owner_platform ON batch_orders(owner_id, platform)`,

	`CREATE TABLE IF NOT EXISTS sync_notifs (
		peer_id         TEXT PRIMARY KEY,
		retries         INTEGER NOT NULL DEFAULT 0,
		last_attempt_ts DATETIME NOT NULL,
		last_error      TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id TEXT NOT NULL,
		session_id      TEXT,
		class           TEXT NOT NULL CHECK (class IN ('proposal','agreement')),
		payload         TEXT NOT NULL,
		creation_ts     DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_subscription ON events(subscription_id, creation_ts)`,

	// One-shot post-migration job ledger (original_source's migrations/ +
	// core/payment batch upgrade note): records which idempotent startup
	// jobs already ran, so a restarted daemon doesn't re-run them.
	`CREATE TABLE IF NOT EXISTS post_migration_jobs (
		name     TEXT PRIMARY KEY,
		ran_ts   DATETIME NOT NULL
	)`,
}

func (d *DB) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migration step %d: %w", i, err)
		}
	}
	return nil
}

// HasRunJob reports whether the named post-migration job already ran.
func (d *DB) HasRunJob(ctx context.Context, name string) (bool, error) {
	var count int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(1) FROM post_migration_jobs WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("persistence: checking job %q: %w", name, err)
	}
	return count > 0, nil
}

// MarkJobRun records that the named post-migration job completed.
func (d *DB) MarkJobRun(ctx context.Context, name string) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO post_migration_jobs (name, ran_ts) VALUES (?, CURRENT_TIMESTAMP)`, name)
	if err != nil {
		return fmt.Errorf("persistence: marking job %q run: %w", name, err)
	}
	return nil
}
