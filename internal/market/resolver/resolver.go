// Package resolver implements the Resolver (spec.md §4.B): on every newly
// stored offer or demand it scans the opposing subscription set and emits a
// RawProposal for each matching pair into an unbounded queue, consumed by
// the requestor-side Negotiation Engine.
//
// The matching predicate is grounded on original_source's three-valued
// `MatchResult{True, False(refs), Undefined(refs)}` logic
// (core/market/resolver/tests/matching.rs), but constraint evaluation
// itself is reimplemented over github.com/hashicorp/go-bexpr rather than
// porting the original's bespoke LDAP-style filter grammar: bexpr evaluates
// a boolean expression string against a map[string]any of properties and
// reports a selector-not-found error for any field the expression
// references but the target doesn't carry, which is exactly the
// "unresolved reference" case the original's parser tracks explicitly.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-bexpr"

	"github.com/golemcore/market/internal/ids"
)

// MatchKind is the three-valued outcome of evaluating one side's
// constraints against the other side's properties.
type MatchKind int

const (
	// True: the expression evaluated and holds.
	True MatchKind = iota
	// False: the expression evaluated fully and does not hold.
	False
	// Undefined: the expression references at least one property absent
	// from the candidate's property set.
	Undefined
)

func (k MatchKind) String() string {
	switch k {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "undefined"
	}
}

// Subscription is the minimal view the resolver needs of an Offer or
// Demand; market/store.Subscription satisfies it via an adapter in the
// matcher wiring.
type Subscription struct {
	ID          ids.SubscriptionId
	NodeID      string
	Properties  map[string]any
	Constraints string
}

// RawProposal is a matched (offer, demand) pair, queued for the
// requestor-side Negotiation Engine to turn into an Initial proposal
// (spec.md §4.B/§4.D).
type RawProposal struct {
	Offer  Subscription
	Demand Subscription
}

// Resolver holds the unbounded proposal channel and is fed every freshly
// stored subscription via Receive. Matching runs only when a Demand
// arrives, scanning it against all currently active Offers — spec.md §4.B:
// "Matching is performed only on the requestor side ... the resolver on the
// provider side is idle for this purpose."
type Resolver struct {
	proposals chan RawProposal

	mu     sync.RWMutex
	offers map[string]Subscription
}

// New constructs a Resolver. The proposals channel is unbounded in spirit
// (spec.md: "unbounded queue"); Go has no built-in unbounded channel, so a
// large buffer models it. When the buffer is full, emit blocks until a
// reader drains it or ctx is done.
func New() *Resolver {
	return &Resolver{
		proposals: make(chan RawProposal, 4096),
		offers:    make(map[string]Subscription),
	}
}

// Proposals returns the channel the requestor-side Negotiation Engine
// drains.
func (r *Resolver) Proposals() <-chan RawProposal { return r.proposals }

// ReceiveOffer indexes a newly stored Offer for later matching against
// demands, and removes it once unsubscribed/evicted via Forget.
func (r *Resolver) ReceiveOffer(offer Subscription) {
	r.mu.Lock()
	r.offers[offer.ID.String()] = offer
	r.mu.Unlock()
}

// Forget drops an offer from the matching index (unsubscribe or eviction).
func (r *Resolver) Forget(offerID ids.SubscriptionId) {
	r.mu.Lock()
	delete(r.offers, offerID.String())
	r.mu.Unlock()
}

// ReceiveDemand scans the indexed offer set against demand and emits a
// RawProposal for every True match.
func (r *Resolver) ReceiveDemand(ctx context.Context, demand Subscription) error {
	r.mu.RLock()
	offers := make([]Subscription, 0, len(r.offers))
	for _, o := range r.offers {
		offers = append(offers, o)
	}
	r.mu.RUnlock()

	for _, offer := range offers {
		kind, _, err := Match(offer, demand)
		if err != nil {
			return fmt.Errorf("resolver: matching %s against %s: %w", offer.ID, demand.ID, err)
		}
		if kind != True {
			continue
		}
		if err := r.emit(ctx, RawProposal{Offer: offer, Demand: demand}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) emit(ctx context.Context, p RawProposal) error {
	select {
	case r.proposals <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Match evaluates both directions of the three-valued matching predicate
// (spec.md §4.B) and combines them: True only if both directions hold;
// Undefined if neither direction is conclusively False and at least one is
// Undefined; False otherwise. The returned refs name every property
// selector that caused an Undefined outcome, for diagnostics.
func Match(offer, demand Subscription) (MatchKind, []string, error) {
	offerHolds, offerRefs, err := evalConstraints(demand.Constraints, offer.Properties)
	if err != nil {
		return False, nil, fmt.Errorf("evaluating demand constraints: %w", err)
	}
	demandHolds, demandRefs, err := evalConstraints(offer.Constraints, demand.Properties)
	if err != nil {
		return False, nil, fmt.Errorf("evaluating offer constraints: %w", err)
	}

	refs := append(offerRefs, demandRefs...)
	switch {
	case offerHolds == False || demandHolds == False:
		return False, refs, nil
	case offerHolds == Undefined || demandHolds == Undefined:
		return Undefined, refs, nil
	default:
		return True, nil, nil
	}
}

// evalConstraints evaluates a single bexpr boolean expression against a
// property set, translating selector-not-found errors into Undefined
// rather than propagating them as evaluation failures.
func evalConstraints(constraints string, properties map[string]any) (MatchKind, []string, error) {
	constraints = strings.TrimSpace(constraints)
	if constraints == "" {
		return True, nil, nil
	}

	eval, err := bexpr.CreateEvaluator(constraints)
	if err != nil {
		return False, nil, fmt.Errorf("parsing constraint expression %q: %w", constraints, err)
	}

	ok, err := eval.Evaluate(properties)
	if err != nil {
		if ref, isMissing := missingSelector(err); isMissing {
			return Undefined, []string{ref}, nil
		}
		return False, nil, fmt.Errorf("evaluating constraint expression %q: %w", constraints, err)
	}
	if ok {
		return True, nil, nil
	}
	return False, nil, nil
}

// missingSelector detects go-bexpr's "unknown selector" evaluation error
// and extracts the offending field name.
func missingSelector(err error) (string, bool) {
	msg := err.Error()
	const marker = "Selector \""
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len(marker):]
	end := strings.Index(rest, "\"")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// ParseProperties decodes the Subscription Store's JSON properties string
// into the map[string]any bexpr evaluates selectors against.
func ParseProperties(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("resolver: invalid properties JSON: %w", err)
	}
	return m, nil
}
