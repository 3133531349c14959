// Package negotiator implements the Negotiator Pipeline (spec.md §4.E): a
// named, ordered collection of independent NegotiatorComponents composed
// sequentially over a cumulative offer. Grounded on
// original_source/agent/provider/src/market/negotiator/component.rs (the
// NegotiatorComponent trait and NegotiatorsPack composition) and its
// builtin/{manifest,note_interval}.rs components.
package negotiator

import (
	"fmt"

	"github.com/golemcore/market/internal/config"
)

// Verdict is the outcome of one component's negotiate_step.
type Verdict int

const (
	Ready Verdict = iota
	Negotiating
	Reject
)

// Offer is the mutable, cumulative property/constraint set components read
// from and write into as the pipeline runs (spec.md §4.E: "each receives the
// cumulative offer produced by its predecessors").
type Offer struct {
	Properties  map[string]any
	Constraints string
}

// Clone returns a deep-enough copy for a component to mutate without
// affecting the caller's reference until the pipeline commits the step.
func (o Offer) Clone() Offer {
	props := make(map[string]any, len(o.Properties))
	for k, v := range o.Properties {
		props[k] = v
	}
	return Offer{Properties: props, Constraints: o.Constraints}
}

// Demand is the read-only counterpart supplied to every component.
type Demand struct {
	Properties  map[string]any
	Constraints string
}

// Result is what a component (or the whole pipeline) returns from a step.
type Result struct {
	Verdict Verdict
	Offer   Offer
	Message string
	Final   bool
}

func ready(offer Offer) Result      { return Result{Verdict: Ready, Offer: offer} }
func negotiating(offer Offer) Result { return Result{Verdict: Negotiating, Offer: offer} }
func reject(msg string, final bool) Result {
	return Result{Verdict: Reject, Message: msg, Final: final}
}

// AgreementResult is passed to on_agreement_terminated so components can
// adjust future negotiation strategy (original_source's AgreementResult).
type AgreementResult int

const (
	AgreementResultApproved AgreementResult = iota
	AgreementResultRejected
	AgreementResultCancelled
	AgreementResultClosed
	AgreementResultBroken
)

// Component is one granular unit of negotiation responsibility (spec.md
// §4.E / original_source's NegotiatorComponent trait).
type Component interface {
	Name() string
	NegotiateStep(demand Demand, offer Offer) (Result, error)
	FillTemplate(offer Offer) (Offer, error)
	OnAgreementApproved(agreementID string) error
	OnAgreementTerminated(agreementID string, result AgreementResult) error
}

// Pipeline is a named, ordered collection of Components, composed per
// spec.md §4.E's rules: sequential, cumulative, short-circuit-on-Reject,
// Ready only if every component is Ready.
type Pipeline struct {
	components []Component
}

// New builds an empty Pipeline. Add appends components in negotiation
// order.
func New() *Pipeline {
	return &Pipeline{}
}

// Add appends c to the end of the pipeline, returning the Pipeline for
// chaining (mirrors NegotiatorsPack::add_component's builder style).
func (p *Pipeline) Add(c Component) *Pipeline {
	p.components = append(p.components, c)
	return p
}

// NegotiateStep runs every component in order against the cumulative offer,
// short-circuiting on the first Reject and otherwise combining verdicts:
// Ready iff all components are Ready, else Negotiating.
func (p *Pipeline) NegotiateStep(demand Demand, offer Offer) (Result, error) {
	allReady := true
	current := offer
	for _, c := range p.components {
		res, err := c.NegotiateStep(demand, current)
		if err != nil {
			return Result{}, fmt.Errorf("negotiator: component %q: %w", c.Name(), err)
		}
		if res.Verdict == Reject {
			return res, nil
		}
		if res.Verdict != Ready {
			allReady = false
		}
		current = res.Offer
	}
	if allReady {
		return ready(current), nil
	}
	return negotiating(current), nil
}

// FillTemplate is a left fold: each component contributes its own
// properties/constraints to the offer template in pipeline order; a
// component error aborts offer creation entirely.
func (p *Pipeline) FillTemplate(template Offer) (Offer, error) {
	current := template
	for _, c := range p.components {
		next, err := c.FillTemplate(current)
		if err != nil {
			return Offer{}, fmt.Errorf("negotiator: fill_template component %q: %w", c.Name(), err)
		}
		current = next
	}
	return current, nil
}

// OnAgreementApproved notifies every component, in order, that negotiation
// concluded in their favor. Components may no longer reject the agreement.
func (p *Pipeline) OnAgreementApproved(agreementID string) error {
	for _, c := range p.components {
		if err := c.OnAgreementApproved(agreementID); err != nil {
			return fmt.Errorf("negotiator: on_agreement_approved component %q: %w", c.Name(), err)
		}
	}
	return nil
}

// OnAgreementTerminated notifies every component of the final disposition so
// each can adjust its future negotiation strategy.
func (p *Pipeline) OnAgreementTerminated(agreementID string, result AgreementResult) error {
	for _, c := range p.components {
		if err := c.OnAgreementTerminated(agreementID, result); err != nil {
			return fmt.Errorf("negotiator: on_agreement_terminated component %q: %w", c.Name(), err)
		}
	}
	return nil
}

// boundComponent is the shared base for the numeric-bound reconcilers
// (spec.md §4.E: DebitNoteInterval, Expiration, PaymentTimeout,
// MaxAgreementExpiration), each differing only in property key and bound
// source.
type boundComponent struct {
	name         string
	property     string
	bound        config.NegotiatorBound
}

func (b *boundComponent) Name() string { return b.name }

// NegotiateStep reconciles the demand's requested value for b.property
// against [min, max]: out of bounds is a final Reject, otherwise the offer
// is updated to the demand's (clamped) value and the component is Ready.
func (b *boundComponent) NegotiateStep(demand Demand, offer Offer) (Result, error) {
	raw, present := demand.Properties[b.property]
	if !present {
		next := offer.Clone()
		next.Properties[b.property] = b.bound.Default
		return ready(next), nil
	}

	val, ok := toFloat(raw)
	if !ok {
		return reject(fmt.Sprintf("%s: demand value %v is not numeric", b.property, raw), true), nil
	}
	if val < b.bound.Min || val > b.bound.Max {
		return reject(fmt.Sprintf("%s: demand value %v outside bounds [%v, %v]", b.property, val, b.bound.Min, b.bound.Max), true), nil
	}

	next := offer.Clone()
	next.Properties[b.property] = val
	return ready(next), nil
}

func (b *boundComponent) FillTemplate(offer Offer) (Offer, error) {
	next := offer.Clone()
	next.Properties[b.property] = b.bound.Default
	return next, nil
}

func (b *boundComponent) OnAgreementApproved(string) error                    { return nil }
func (b *boundComponent) OnAgreementTerminated(string, AgreementResult) error { return nil }

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// NewDebitNoteInterval builds the DebitNoteInterval component: reads/writes
// `/golem/com/scheme/payu/debit-note/interval-sec` within cfg's bounds.
func NewDebitNoteInterval(cfg config.NegotiatorBound) Component {
	return &boundComponent{name: "debit-note-interval", property: "golem.com.scheme.payu.debit-note.interval-sec", bound: cfg}
}

// NewExpiration builds the Expiration component.
func NewExpiration(cfg config.NegotiatorBound) Component {
	return &boundComponent{name: "expiration", property: "golem.srv.comp.expiration", bound: cfg}
}

// NewPaymentTimeout builds the PaymentTimeout component.
func NewPaymentTimeout(cfg config.NegotiatorBound) Component {
	return &boundComponent{name: "payment-timeout", property: "golem.com.payment.timeout-sec", bound: cfg}
}

// NewMaxAgreementExpiration builds the MaxAgreementExpiration component.
func NewMaxAgreementExpiration(cfg config.NegotiatorBound) Component {
	return &boundComponent{name: "max-agreement-expiration", property: "golem.srv.comp.agreement-expiration-sec", bound: cfg}
}
