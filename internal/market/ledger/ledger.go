// Package ledger implements the Agreement / Activity Ledger (spec.md §4.G):
// pure transactional accounting over an agreement's due/accepted/paid
// amounts, the activity-level counters that roll up into them, the one-shot
// startup migration that sums historical activities into their parent
// agreement, and status_report. Grounded on
// original_source/core/payment/src/dao/agreement.rs (the increase_*/set_*
// operation shapes and their assert preconditions) and
// core/payment/src/post_migrations.rs ("sum_activities_into_agreement").
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/persistence"
)

// Role distinguishes which side of the agreement a ledger row accounts for.
type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequestor Role = "requestor"
)

// Counters is one agreement's or activity's due/accepted/paid triple.
// Amounts are decimal strings parsed through math/big.Rat: the pack carries
// no third-party decimal library (grounded search turned up none), and
// money amounts cannot tolerate float64 rounding, so this is the one
// concern this module intentionally serves with the standard library
// rather than an unvetted dependency (see DESIGN.md).
type Counters struct {
	Due      *big.Rat
	Accepted *big.Rat
	Paid     *big.Rat
}

// Ledger is the Agreement/Activity accounting component.
type Ledger struct {
	db *persistence.DB
}

// New constructs a Ledger.
func New(db *persistence.DB) *Ledger {
	return &Ledger{db: db}
}

func zeroIfNil(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return r
}

// IncreaseAmountDue adds delta (> 0) to agreementID's total_amount_due.
// delta <= 0 is a programmer error (spec.md §4.G: "assert(Δ > 0)... must
// not be reachable from the network") and panics rather than erroring.
func (l *Ledger) IncreaseAmountDue(ctx context.Context, agreementID string, delta *big.Rat) error {
	if delta.Sign() <= 0 {
		panic(fmt.Sprintf("ledger: increase_amount_due requires delta > 0, got %s", delta.RatString()))
	}
	return l.mutateAgreementAmount(ctx, agreementID, "total_amount_due", func(old *big.Rat) *big.Rat {
		return new(big.Rat).Add(old, delta)
	}, nil)
}

// SetAmountDue sets agreementID's total_amount_due to newTotal, requiring
// newTotal >= the current value (monotonic non-decreasing, spec.md §4.G).
func (l *Ledger) SetAmountDue(ctx context.Context, agreementID string, newTotal *big.Rat) error {
	return l.mutateAgreementAmount(ctx, agreementID, "total_amount_due", func(old *big.Rat) *big.Rat {
		if newTotal.Cmp(old) < 0 {
			panic(fmt.Sprintf("ledger: set_amount_due requires new >= old, got new=%s old=%s", newTotal.RatString(), old.RatString()))
		}
		return newTotal
	}, nil)
}

// IncreaseAmountAccepted adds delta (> 0) to total_amount_accepted.
func (l *Ledger) IncreaseAmountAccepted(ctx context.Context, agreementID string, delta *big.Rat) error {
	if delta.Sign() <= 0 {
		panic(fmt.Sprintf("ledger: increase_amount_accepted requires delta > 0, got %s", delta.RatString()))
	}
	return l.mutateAgreementAmount(ctx, agreementID, "total_amount_accepted", func(old *big.Rat) *big.Rat {
		return new(big.Rat).Add(old, delta)
	}, l.checkAcceptedWithinDue)
}

// SetAmountAccepted sets total_amount_accepted to newTotal (>= current).
func (l *Ledger) SetAmountAccepted(ctx context.Context, agreementID string, newTotal *big.Rat) error {
	return l.mutateAgreementAmount(ctx, agreementID, "total_amount_accepted", func(old *big.Rat) *big.Rat {
		if newTotal.Cmp(old) < 0 {
			panic(fmt.Sprintf("ledger: set_amount_accepted requires new >= old, got new=%s old=%s", newTotal.RatString(), old.RatString()))
		}
		return newTotal
	}, l.checkAcceptedWithinDue)
}

// IncreaseAmountPaid adds delta (> 0) to total_amount_paid.
func (l *Ledger) IncreaseAmountPaid(ctx context.Context, agreementID string, delta *big.Rat) error {
	if delta.Sign() <= 0 {
		panic(fmt.Sprintf("ledger: increase_amount_paid requires delta > 0, got %s", delta.RatString()))
	}
	return l.mutateAgreementAmount(ctx, agreementID, "total_amount_paid", func(old *big.Rat) *big.Rat {
		return new(big.Rat).Add(old, delta)
	}, l.checkPaidWithinAccepted)
}

// SetAmountPaid sets total_amount_paid to newTotal (>= current).
func (l *Ledger) SetAmountPaid(ctx context.Context, agreementID string, newTotal *big.Rat) error {
	return l.mutateAgreementAmount(ctx, agreementID, "total_amount_paid", func(old *big.Rat) *big.Rat {
		if newTotal.Cmp(old) < 0 {
			panic(fmt.Sprintf("ledger: set_amount_paid requires new >= old, got new=%s old=%s", newTotal.RatString(), old.RatString()))
		}
		return newTotal
	}, l.checkPaidWithinAccepted)
}

// mutateAgreementAmount reads the named column, applies fn to compute the
// new value, optionally validates the invariant against the other two
// counters, and writes it back — all inside one transaction, matching the
// teacher's find-then-update DAO shape.
func (l *Ledger) mutateAgreementAmount(ctx context.Context, agreementID, column string, fn func(old *big.Rat) *big.Rat, invariant func(tx *sql.Tx, agreementID string, column string, newVal *big.Rat) error) error {
	return l.db.Tx(ctx, func(tx *sql.Tx) error {
		counters, err := l.readAgreementCounters(ctx, tx, agreementID)
		if err != nil {
			return err
		}

		var old *big.Rat
		switch column {
		case "total_amount_due":
			old = counters.Due
		case "total_amount_accepted":
			old = counters.Accepted
		case "total_amount_paid":
			old = counters.Paid
		}

		newVal := fn(old)

		if invariant != nil {
			if err := invariant(tx, agreementID, column, newVal); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE agreement_amounts SET `+column+` = ? WHERE agreement_id = ?`,
			newVal.RatString(), agreementID)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

// checkAcceptedWithinDue enforces total_amount_due >= total_amount_accepted
// (spec.md §4.G's chained invariant).
func (l *Ledger) checkAcceptedWithinDue(tx *sql.Tx, agreementID, column string, newAccepted *big.Rat) error {
	var dueRaw string
	err := tx.QueryRow(`SELECT total_amount_due FROM agreement_amounts WHERE agreement_id = ?`, agreementID).Scan(&dueRaw)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	due := parseRat(dueRaw)
	if newAccepted.Cmp(due) > 0 {
		panic(fmt.Sprintf("ledger: total_amount_accepted %s would exceed total_amount_due %s", newAccepted.RatString(), due.RatString()))
	}
	return nil
}

// checkPaidWithinAccepted enforces total_amount_accepted >= total_amount_paid.
func (l *Ledger) checkPaidWithinAccepted(tx *sql.Tx, agreementID, column string, newPaid *big.Rat) error {
	var acceptedRaw string
	err := tx.QueryRow(`SELECT total_amount_accepted FROM agreement_amounts WHERE agreement_id = ?`, agreementID).Scan(&acceptedRaw)
	if err != nil {
		return marketerr.Wrap(marketerr.TransientIO, err)
	}
	accepted := parseRat(acceptedRaw)
	if newPaid.Cmp(accepted) > 0 {
		panic(fmt.Sprintf("ledger: total_amount_paid %s would exceed total_amount_accepted %s", newPaid.RatString(), accepted.RatString()))
	}
	return nil
}

func (l *Ledger) readAgreementCounters(ctx context.Context, tx *sql.Tx, agreementID string) (Counters, error) {
	var due, accepted, paid string
	err := tx.QueryRowContext(ctx, `
		SELECT total_amount_due, total_amount_accepted, total_amount_paid
		FROM agreement_amounts WHERE agreement_id = ?`, agreementID).Scan(&due, &accepted, &paid)
	if err == sql.ErrNoRows {
		return Counters{Due: new(big.Rat), Accepted: new(big.Rat), Paid: new(big.Rat)}, nil
	}
	if err != nil {
		return Counters{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	return Counters{Due: parseRat(due), Accepted: parseRat(accepted), Paid: parseRat(paid)}, nil
}

// EnsureAgreement inserts a zeroed accounting row for agreementID if one
// does not already exist (create_if_not_exists in original_source).
func (l *Ledger) EnsureAgreement(ctx context.Context, agreementID string, role Role) error {
	return l.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO agreement_amounts (agreement_id, role, total_amount_due, total_amount_accepted, total_amount_paid)
			VALUES (?, ?, '0', '0', '0')`, agreementID, string(role))
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

func parseRat(s string) *big.Rat {
	r := new(big.Rat)
	if s == "" {
		return r
	}
	if _, ok := r.SetString(s); !ok {
		return new(big.Rat)
	}
	return r
}

// StatusReport aggregates agreements for nodeID into (incoming, outgoing)
// role-folded totals (spec.md §4.G).
type StatusReport struct {
	Incoming RoleTotals
	Outgoing RoleTotals
}

// RoleTotals is the {requested, accepted, confirmed, rejected} fold spec.md
// §4.G names. "requested" == total_amount_due, "accepted" ==
// total_amount_accepted, "confirmed" == total_amount_paid; "rejected"
// counts agreements whose state reached Rejected/Cancelled.
type RoleTotals struct {
	Requested *big.Rat
	Accepted  *big.Rat
	Confirmed *big.Rat
	Rejected  int
}

func newRoleTotals() RoleTotals {
	return RoleTotals{Requested: new(big.Rat), Accepted: new(big.Rat), Confirmed: new(big.Rat)}
}

// Report folds every agreement_amounts row belonging to nodeID into a
// StatusReport, split by whether nodeID was the requestor (incoming) or the
// provider (outgoing) side.
func (l *Ledger) Report(ctx context.Context, nodeID string) (StatusReport, error) {
	report := StatusReport{Incoming: newRoleTotals(), Outgoing: newRoleTotals()}

	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT aa.role, aa.total_amount_due, aa.total_amount_accepted, aa.total_amount_paid, ag.state
		FROM agreement_amounts aa
		JOIN agreements ag ON ag.id = aa.agreement_id
		WHERE ag.provider_id = ? OR ag.requestor_id = ?`, nodeID, nodeID)
	if err != nil {
		return StatusReport{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	defer rows.Close()

	for rows.Next() {
		var role, due, accepted, paid, state string
		if err := rows.Scan(&role, &due, &accepted, &paid, &state); err != nil {
			return StatusReport{}, marketerr.Wrap(marketerr.TransientIO, err)
		}
		totals := &report.Outgoing
		if Role(role) == RoleRequestor {
			totals = &report.Incoming
		}
		totals.Requested.Add(totals.Requested, parseRat(due))
		totals.Accepted.Add(totals.Accepted, parseRat(accepted))
		totals.Confirmed.Add(totals.Confirmed, parseRat(paid))
		if state == "Rejected" || state == "Cancelled" {
			totals.Rejected++
		}
	}
	if err := rows.Err(); err != nil {
		return StatusReport{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	return report, nil
}

const postMigrationSumActivitiesJob = "sum_activities_into_agreement"

// RunPostMigrationJobs runs every idempotent one-shot startup job that has
// not yet run, recording completion in the post_migration_jobs ledger so a
// restarted daemon never re-runs them (spec.md §4.G).
func (l *Ledger) RunPostMigrationJobs(ctx context.Context) error {
	return l.sumActivitiesIntoAgreement(ctx)
}

// sumActivitiesIntoAgreement aggregates each agreement's activities'
// total_amount_paid into the parent agreement's counter exactly once,
// grounded on original_source/core/payment/src/post_migrations.rs's
// "sum_activities_into_agreement" job.
func (l *Ledger) sumActivitiesIntoAgreement(ctx context.Context) error {
	done, err := l.db.HasRunJob(ctx, postMigrationSumActivitiesJob)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	err = l.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT agreement_id, COALESCE(SUM(CAST(amount_paid AS REAL)), 0)
			FROM activities GROUP BY agreement_id`)
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		defer rows.Close()

		type agreementSum struct {
			agreementID string
			sum         float64
		}
		var sums []agreementSum
		for rows.Next() {
			var s agreementSum
			if err := rows.Scan(&s.agreementID, &s.sum); err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
			sums = append(sums, s)
		}
		if err := rows.Err(); err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}

		for _, s := range sums {
			delta := new(big.Rat).SetFloat64(s.sum)
			if delta == nil || delta.Sign() <= 0 {
				continue
			}
			var currentPaid string
			err := tx.QueryRowContext(ctx, `SELECT total_amount_paid FROM agreement_amounts WHERE agreement_id = ?`, s.agreementID).Scan(&currentPaid)
			if err == sql.ErrNoRows {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO agreement_amounts (agreement_id, role, total_amount_due, total_amount_accepted, total_amount_paid)
					VALUES (?, 'provider', ?, ?, ?)`, s.agreementID, delta.RatString(), delta.RatString(), delta.RatString())
				if err != nil {
					return marketerr.Wrap(marketerr.TransientIO, err)
				}
				continue
			}
			if err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
			newPaid := new(big.Rat).Add(parseRat(currentPaid), delta)
			_, err = tx.ExecContext(ctx, `UPDATE agreement_amounts SET total_amount_paid = ? WHERE agreement_id = ?`,
				newPaid.RatString(), s.agreementID)
			if err != nil {
				return marketerr.Wrap(marketerr.TransientIO, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return l.db.MarkJobRun(ctx, postMigrationSumActivitiesJob)
}
