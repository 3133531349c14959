// Package negotiation implements the Negotiation Engine (spec.md §4.D): the
// Proposal and Agreement state machines, their transition persistence, and
// the owner-tag translation every inbound protocol message goes through
// before being applied locally. Grounded on
// original_source/core/market/src/protocol/negotiation/messages.rs (wire
// message shapes and the translate()-on-receipt pattern) and
// core/market/decentralized/src/db/model/events.rs (per-transition event
// emission).
package negotiation

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/events"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xmetrics"
	"github.com/golemcore/market/internal/xutil"
)

// Issuer tags which side authored a Proposal (spec.md §3).
type Issuer string

const (
	IssuerUs   Issuer = "us"
	IssuerThem Issuer = "them"
)

// ProposalState is the Proposal state machine's node set (spec.md §4.D).
type ProposalState string

const (
	ProposalInitial  ProposalState = "Initial"
	ProposalDraft    ProposalState = "Draft"
	ProposalRejected ProposalState = "Rejected"
	ProposalAccepted ProposalState = "Accepted"
	ProposalExpired  ProposalState = "Expired"
)

// AgreementState is the Agreement state machine's node set (spec.md §4.D).
type AgreementState string

const (
	AgreementProposal  AgreementState = "Proposal"
	AgreementPending   AgreementState = "Pending"
	AgreementApproving AgreementState = "Approving"
	AgreementApproved  AgreementState = "Approved"
	AgreementCancelled AgreementState = "Cancelled"
	AgreementRejected  AgreementState = "Rejected"
	AgreementExpired   AgreementState = "Expired"
	AgreementTerminated AgreementState = "Terminated"
)

// Proposal is a single negotiated draft (spec.md §3).
type Proposal struct {
	ID             ids.ProposalId
	PrevProposalID *ids.ProposalId
	OfferID        ids.SubscriptionId
	DemandID       ids.SubscriptionId
	Issuer         Issuer
	Properties     string
	Constraints    string
	State          ProposalState
	CreationTS     time.Time
}

// Agreement is a finalized, state-tracked contract derived from an accepted
// proposal (spec.md §3).
type Agreement struct {
	ID                   ids.ProposalId
	OfferID              ids.SubscriptionId
	DemandID             ids.SubscriptionId
	OfferProposalID      ids.ProposalId
	DemandProposalID     ids.ProposalId
	ProviderID           string
	RequestorID          string
	State                AgreementState
	ValidTo              time.Time
	ApprovedTS           sql.NullTime
	TerminatedTS         sql.NullTime
	TerminationReason    string
	AppSessionID         string
	CreationTS           time.Time
}

// SignatureVerifier isolates agreement-termination signature verification
// behind a seam so tests can substitute a deterministic double, per spec.md
// §9 ("Signature verification... isolate in a trait-like seam"). The real
// implementation calls into the identity overlay (out of scope here, per
// spec.md §1).
type SignatureVerifier interface {
	VerifyTermination(ctx context.Context, agreementID ids.ProposalId, timestamp time.Time, reason, signature string) error
}

// Engine owns both halves of the Negotiation Engine (spec.md §4.D:
// "Two coordinated halves sharing the Event Store and Subscription Store").
// Provider-side and requestor-side logic share this single type; which
// transitions are legal for a given Owner is enforced by the state machine
// helpers below, not by separate types.
type Engine struct {
	db       *persistence.DB
	eventsDB *events.Store
	verifier SignatureVerifier
	clock    xutil.Clock
	metrics  *xmetrics.Set

	mu sync.Mutex // serializes tie-break decisions on concurrent terminal transitions

	waiters map[string][]chan AgreementState
}

// New constructs a negotiation Engine.
func New(db *persistence.DB, eventsDB *events.Store, verifier SignatureVerifier, clock xutil.Clock, metrics *xmetrics.Set) *Engine {
	if clock == nil {
		clock = xutil.RealClock
	}
	return &Engine{
		db:       db,
		eventsDB: eventsDB,
		verifier: verifier,
		clock:    clock,
		metrics:  metrics,
		waiters:  make(map[string][]chan AgreementState),
	}
}

// CreateInitialProposal persists the Initial proposal derived from a
// resolver match (spec.md §4.B/§4.D): no prev_proposal_id, issuer Us.
func (e *Engine) CreateInitialProposal(ctx context.Context, offerID, demandID ids.SubscriptionId, properties, constraints string, owner ids.Owner) (Proposal, error) {
	p := Proposal{
		ID:          ids.NewProposalId(offerID, demandID, e.clock.Now(), owner),
		OfferID:     offerID,
		DemandID:    demandID,
		Issuer:      IssuerUs,
		Properties:  properties,
		Constraints: constraints,
		State:       ProposalInitial,
		CreationTS:  e.clock.Now(),
	}
	if err := e.insertProposal(ctx, p); err != nil {
		return Proposal{}, err
	}
	if err := e.emitProposalEvent(ctx, p, "InitialProposalReceived"); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// Counter records a counter-offer: the new proposal references prev as its
// prev_proposal_id with the opposite issuer (spec.md §3: "issuer alternates
// along the chain"). prev must be in Initial or Draft(them) state.
func (e *Engine) Counter(ctx context.Context, prev Proposal, properties, constraints string, issuer Issuer) (Proposal, error) {
	if prev.State != ProposalInitial && prev.State != ProposalDraft {
		return Proposal{}, marketerr.Newf(marketerr.Protocol, "cannot counter proposal in state %s", prev.State)
	}
	if issuer == prev.Issuer {
		return Proposal{}, marketerr.New(marketerr.Protocol, "issuer must alternate along the proposal chain")
	}

	next := Proposal{
		ID:             ids.NewProposalId(prev.OfferID, prev.DemandID, e.clock.Now(), prev.ID.Owner()),
		PrevProposalID: proposalIDPtr(prev.ID),
		OfferID:        prev.OfferID,
		DemandID:       prev.DemandID,
		Issuer:         issuer,
		Properties:     properties,
		Constraints:    constraints,
		State:          ProposalDraft,
		CreationTS:     e.clock.Now(),
	}
	if err := e.markProposalState(ctx, prev.ID, ProposalDraft); err != nil {
		return Proposal{}, err
	}
	if err := e.insertProposal(ctx, next); err != nil {
		return Proposal{}, err
	}
	if err := e.emitProposalEvent(ctx, next, "ProposalReceived"); err != nil {
		return Proposal{}, err
	}
	return next, nil
}

// Reject transitions a proposal to Rejected from any non-terminal state.
func (e *Engine) Reject(ctx context.Context, p Proposal, reason string) error {
	if err := e.markProposalState(ctx, p.ID, ProposalRejected); err != nil {
		return err
	}
	return e.emitProposalEvent(ctx, p, "ProposalRejected")
}

// Expire transitions a proposal to Expired, a purely local clock event
// (spec.md §4.D: "expiry is a local clock event, not a network message").
func (e *Engine) Expire(ctx context.Context, p Proposal) error {
	return e.markProposalState(ctx, p.ID, ProposalExpired)
}

// Accept transitions a Draft(them) proposal to Accepted, the precondition
// for CreateAgreement.
func (e *Engine) Accept(ctx context.Context, p Proposal) error {
	if p.State != ProposalDraft {
		return marketerr.Newf(marketerr.Protocol, "cannot accept proposal in state %s", p.State)
	}
	return e.markProposalState(ctx, p.ID, ProposalAccepted)
}

// CreateAgreement derives a fresh Agreement from an Accepted proposal pair
// (spec.md §3/§4.D): `Accepted --create_agreement--> Agreement.Proposal`.
func (e *Engine) CreateAgreement(ctx context.Context, offerProposal, demandProposal Proposal, providerID, requestorID string, validTo time.Time) (Agreement, error) {
	if offerProposal.State != ProposalAccepted || demandProposal.State != ProposalAccepted {
		return Agreement{}, marketerr.New(marketerr.Protocol, "both proposals must be Accepted to create an agreement")
	}
	agr := Agreement{
		ID:               demandProposal.ID,
		OfferID:          offerProposal.OfferID,
		DemandID:         demandProposal.DemandID,
		OfferProposalID:  offerProposal.ID,
		DemandProposalID: demandProposal.ID,
		ProviderID:       providerID,
		RequestorID:      requestorID,
		State:            AgreementProposal,
		ValidTo:          validTo,
		CreationTS:       e.clock.Now(),
	}
	if err := e.insertAgreement(ctx, agr); err != nil {
		return Agreement{}, err
	}
	return agr, nil
}

// Confirm is the requestor-side `Proposal --confirm--> Pending` transition.
func (e *Engine) Confirm(ctx context.Context, a Agreement) error {
	return e.transitionAgreement(ctx, a, AgreementProposal, AgreementPending, "")
}

// Approve is the provider-side `Pending --approve(session)--> Approving`
// transition.
func (e *Engine) Approve(ctx context.Context, a Agreement, session string) error {
	if err := e.checkNotExpired(a); err != nil {
		return err
	}
	err := e.db.Tx(ctx, func(tx *sql.Tx) error {
		res, txErr := tx.ExecContext(ctx, `
			UPDATE agreements SET state = ?, app_session_id = ? WHERE id = ? AND state = ?`,
			string(AgreementApproving), session, a.ID.String(), string(AgreementPending))
		if txErr != nil {
			return marketerr.Wrap(marketerr.TransientIO, txErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return marketerr.Newf(marketerr.Protocol, "agreement %s not in Pending state", a.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.emitAgreementEvent(ctx, a, "AgreementApproved")
}

// Ack is the requestor-side `Approving --ack--> Approved` transition,
// completing the handshake and waking any wait_for_approval callers.
func (e *Engine) Ack(ctx context.Context, a Agreement) error {
	err := e.db.Tx(ctx, func(tx *sql.Tx) error {
		res, txErr := tx.ExecContext(ctx, `
			UPDATE agreements SET state = ?, approved_ts = ? WHERE id = ? AND state = ?`,
			string(AgreementApproved), e.clock.Now().UTC(), a.ID.String(), string(AgreementApproving))
		if txErr != nil {
			return marketerr.Wrap(marketerr.TransientIO, txErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return marketerr.Newf(marketerr.Protocol, "agreement %s not in Approving state", a.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.wake(a.ID, AgreementApproved)
	return nil
}

// RejectAgreement is the provider-side `Pending --reject--> Rejected`
// transition.
func (e *Engine) RejectAgreement(ctx context.Context, a Agreement, reason string) error {
	if err := e.transitionAgreement(ctx, a, AgreementPending, AgreementRejected, reason); err != nil {
		return err
	}
	e.wake(a.ID, AgreementRejected)
	return e.emitAgreementEvent(ctx, a, "AgreementRejected")
}

// Cancel is the requestor-side `Pending --cancel--> Cancelled` transition.
func (e *Engine) Cancel(ctx context.Context, a Agreement, reason string) error {
	if err := e.transitionAgreement(ctx, a, AgreementPending, AgreementCancelled, reason); err != nil {
		return err
	}
	e.wake(a.ID, AgreementCancelled)
	return e.emitAgreementEvent(ctx, a, "AgreementCancelled")
}

// Terminate is the `Approved --terminate(signed_reason)--> Terminated`
// transition, requiring a verified detached signature over
// (agreement_id, timestamp, reason) per spec.md §4.D.
func (e *Engine) Terminate(ctx context.Context, a Agreement, reason, signature string, timestamp time.Time) error {
	if e.verifier != nil {
		if err := e.verifier.VerifyTermination(ctx, a.ID, timestamp, reason, signature); err != nil {
			return marketerr.Wrap(marketerr.Forbidden, err)
		}
	}
	err := e.db.Tx(ctx, func(tx *sql.Tx) error {
		res, txErr := tx.ExecContext(ctx, `
			UPDATE agreements SET state = ?, termination_reason = ?, terminated_ts = ? WHERE id = ? AND state = ?`,
			string(AgreementTerminated), reason, timestamp.UTC(), a.ID.String(), string(AgreementApproved))
		if txErr != nil {
			return marketerr.Wrap(marketerr.TransientIO, txErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return marketerr.Newf(marketerr.Protocol, "agreement %s not in Approved state", a.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.wake(a.ID, AgreementTerminated)
	return e.emitAgreementEvent(ctx, a, "AgreementTerminated")
}

// checkNotExpired enforces that a Pending/Approving agreement past its
// valid_to is locally Expired before further manual transitions proceed —
// "market-internal expiration takes priority over external-overlay
// expiration" (spec.md §8 scenario 8).
func (e *Engine) checkNotExpired(a Agreement) error {
	if e.clock.Now().After(a.ValidTo) {
		return marketerr.Newf(marketerr.Expired, "agreement %s expired at %s", a.ID, a.ValidTo)
	}
	return nil
}

func (e *Engine) transitionAgreement(ctx context.Context, a Agreement, from, to AgreementState, reason string) error {
	return e.db.Tx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if reason != "" {
			res, err = tx.ExecContext(ctx, `
				UPDATE agreements SET state = ?, termination_reason = ? WHERE id = ? AND state = ?`,
				string(to), reason, a.ID.String(), string(from))
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE agreements SET state = ? WHERE id = ? AND state = ?`,
				string(to), a.ID.String(), string(from))
		}
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return marketerr.Newf(marketerr.Protocol, "agreement %s not in %s state", a.ID, from)
		}
		return nil
	})
}

// WaitForApproval blocks until a's state reaches a terminal value or ctx is
// cancelled. A call made after the agreement already reached a terminal
// state returns that cached status immediately rather than erroring
// (spec.md §4.D).
func (e *Engine) WaitForApproval(ctx context.Context, id ids.ProposalId) (AgreementState, error) {
	current, err := e.getAgreementState(ctx, id)
	if err != nil {
		return "", err
	}
	if isTerminal(current) {
		return current, nil
	}

	ch := make(chan AgreementState, 1)
	e.mu.Lock()
	e.waiters[id.String()] = append(e.waiters[id.String()], ch)
	e.mu.Unlock()

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return "", marketerr.Wrap(marketerr.Timeout, ctx.Err())
	}
}

func (e *Engine) wake(id ids.ProposalId, state AgreementState) {
	e.mu.Lock()
	chans := e.waiters[id.String()]
	delete(e.waiters, id.String())
	e.mu.Unlock()
	for _, ch := range chans {
		ch <- state
	}
}

func isTerminal(s AgreementState) bool {
	switch s {
	case AgreementApproved, AgreementRejected, AgreementCancelled, AgreementExpired, AgreementTerminated:
		return true
	default:
		return false
	}
}

// GetProposal loads a single Proposal by id, as needed by bus handlers
// translating an inbound wire message back to local state before applying a
// transition.
func (e *Engine) GetProposal(ctx context.Context, id ids.ProposalId) (Proposal, error) {
	row := e.db.Conn().QueryRowContext(ctx, `
		SELECT id, offer_id, demand_id, prev_proposal_id, properties, constraints, state, creation_ts
		FROM proposals WHERE id = ?`, id.String())

	var p Proposal
	var idStr, offerID, demandID string
	var prevID sql.NullString
	var state string
	if err := row.Scan(&idStr, &offerID, &demandID, &prevID, &p.Properties, &p.Constraints, &state, &p.CreationTS); err != nil {
		if err == sql.ErrNoRows {
			return Proposal{}, marketerr.Newf(marketerr.NotFound, "proposal %s not found", id)
		}
		return Proposal{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	p.ID = id
	p.State = ProposalState(state)
	if off, err := ids.ParseSubscriptionId(offerID); err == nil {
		p.OfferID = off
	}
	if dem, err := ids.ParseSubscriptionId(demandID); err == nil {
		p.DemandID = dem
	}
	if prevID.Valid {
		if parsed, err := ids.ParseProposalId(prevID.String); err == nil {
			p.PrevProposalID = &parsed
		}
	}
	return p, nil
}

// GetAgreement loads a single Agreement by id.
func (e *Engine) GetAgreement(ctx context.Context, id ids.ProposalId) (Agreement, error) {
	row := e.db.Conn().QueryRowContext(ctx, `
		SELECT offer_id, demand_id, offer_proposal_id, demand_proposal_id, provider_id, requestor_id,
			state, valid_to, approved_ts, terminated_ts, termination_reason, app_session_id, creation_ts
		FROM agreements WHERE id = ?`, id.String())

	var a Agreement
	var offerID, demandID, offerProposalID, demandProposalID, state string
	var terminationReason, appSessionID sql.NullString
	if err := row.Scan(&offerID, &demandID, &offerProposalID, &demandProposalID, &a.ProviderID, &a.RequestorID,
		&state, &a.ValidTo, &a.ApprovedTS, &a.TerminatedTS, &terminationReason, &appSessionID, &a.CreationTS); err != nil {
		if err == sql.ErrNoRows {
			return Agreement{}, marketerr.Newf(marketerr.NotFound, "agreement %s not found", id)
		}
		return Agreement{}, marketerr.Wrap(marketerr.TransientIO, err)
	}
	a.ID = id
	a.State = AgreementState(state)
	a.TerminationReason = terminationReason.String
	a.AppSessionID = appSessionID.String
	if off, err := ids.ParseSubscriptionId(offerID); err == nil {
		a.OfferID = off
	}
	if dem, err := ids.ParseSubscriptionId(demandID); err == nil {
		a.DemandID = dem
	}
	if op, err := ids.ParseProposalId(offerProposalID); err == nil {
		a.OfferProposalID = op
	}
	if dp, err := ids.ParseProposalId(demandProposalID); err == nil {
		a.DemandProposalID = dp
	}
	return a, nil
}

func (e *Engine) getAgreementState(ctx context.Context, id ids.ProposalId) (AgreementState, error) {
	var state string
	err := e.db.Conn().QueryRowContext(ctx, `SELECT state FROM agreements WHERE id = ?`, id.String()).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", marketerr.Newf(marketerr.NotFound, "agreement %s not found", id)
		}
		return "", marketerr.Wrap(marketerr.TransientIO, err)
	}
	return AgreementState(state), nil
}

func (e *Engine) insertProposal(ctx context.Context, p Proposal) error {
	return e.db.Tx(ctx, func(tx *sql.Tx) error {
		var prev any
		if p.PrevProposalID != nil {
			prev = p.PrevProposalID.String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (id, owner, offer_id, demand_id, prev_proposal_id, properties, constraints, state, creation_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.ID.Owner().String(), p.OfferID.String(), p.DemandID.String(), prev,
			p.Properties, p.Constraints, string(p.State), p.CreationTS.UTC())
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

func (e *Engine) markProposalState(ctx context.Context, id ids.ProposalId, state ProposalState) error {
	return e.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE proposals SET state = ? WHERE id = ?`, string(state), id.String())
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

func (e *Engine) insertAgreement(ctx context.Context, a Agreement) error {
	return e.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agreements (id, offer_id, demand_id, offer_proposal_id, demand_proposal_id,
				provider_id, requestor_id, state, valid_to, creation_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID.String(), a.OfferID.String(), a.DemandID.String(),
			a.OfferProposalID.String(), a.DemandProposalID.String(),
			a.ProviderID, a.RequestorID, string(a.State), a.ValidTo.UTC(), a.CreationTS.UTC())
		if err != nil {
			return marketerr.Wrap(marketerr.TransientIO, err)
		}
		return nil
	})
}

func (e *Engine) emitProposalEvent(ctx context.Context, p Proposal, kind string) error {
	if e.eventsDB == nil {
		return nil
	}
	if e.metrics != nil {
		e.metrics.ProposalTransitionsTotal.WithLabelValues(string(p.State)).Inc()
	}
	_, err := e.eventsDB.Emit(ctx, p.OfferID.String(), "", events.ClassProposal, proposalEventPayload(p, kind))
	return err
}

func (e *Engine) emitAgreementEvent(ctx context.Context, a Agreement, kind string) error {
	if e.eventsDB == nil {
		return nil
	}
	if e.metrics != nil {
		e.metrics.AgreementTransitionsTotal.WithLabelValues(string(a.State)).Inc()
	}
	_, err := e.eventsDB.Emit(ctx, a.DemandID.String(), a.AppSessionID, events.ClassAgreement, agreementEventPayload(a, kind))
	return err
}

func proposalIDPtr(id ids.ProposalId) *ids.ProposalId { return &id }

type proposalEventPayloadT struct {
	Kind       string `json:"kind"`
	ProposalID string `json:"proposal_id"`
	State      string `json:"state"`
}

func proposalEventPayload(p Proposal, kind string) proposalEventPayloadT {
	return proposalEventPayloadT{Kind: kind, ProposalID: p.ID.String(), State: string(p.State)}
}

type agreementEventPayloadT struct {
	Kind        string `json:"kind"`
	AgreementID string `json:"agreement_id"`
	State       string `json:"state"`
}

func agreementEventPayload(a Agreement, kind string) agreementEventPayloadT {
	return agreementEventPayloadT{Kind: kind, AgreementID: a.ID.String(), State: string(a.State)}
}
