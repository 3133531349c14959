// Package driver defines the fixed payment-driver boundary (spec.md §1:
// "the payment driver... is a fixed interface; no chain-specific driver is
// implemented here") plus a hand-written in-memory fake used by tests and
// local development, in the style of the teacher's go.uber.org/mock-based
// generated fakes (hand-written here since mockgen cannot be run).
package driver

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golemcore/market/internal/ids"
)

// Deposit is the optional pre-funded deposit object a batch item may carry
// (original_source's ya_client_model::payment::allocation::Deposit,
// serialized opaquely here since the deposit's internal shape is chain
// driver specific and out of this module's scope).
type Deposit struct {
	ContractAddress string
	ID              string
}

// SchedulePaymentRequest is one driver dispatch, either for an individual
// deposit-backed item or a grouped sum (spec.md §4.F).
type SchedulePaymentRequest struct {
	Amount    *big.Rat
	PayerAddr string
	PayeeAddr string
	Platform  string
	Deposit   *Deposit
	Requested time.Time
}

// PaymentOrderID is the driver-assigned handle a dispatched payment is
// tracked by until confirmation.
type PaymentOrderID string

// SignRequest asks the driver to produce a signature over an opaque payload
// (used by negotiation.SignatureVerifier's chain-of-custody seam, and by
// the payment processor for payment confirmations).
type SignRequest struct {
	NodeID  string
	Payload []byte
}

// Driver is the fixed payment-driver interface every chain-specific
// implementation (out of scope here) must satisfy.
type Driver interface {
	SchedulePayment(ctx context.Context, req SchedulePaymentRequest) (PaymentOrderID, error)
	SignPayment(ctx context.Context, req SignRequest) ([]byte, error)
}

// Fake is an in-memory Driver used by tests and local development. It
// never fails unless configured to via FailNext, and assigns sequential
// order ids.
type Fake struct {
	mu        sync.Mutex
	next      int
	failNext  error
	Scheduled []SchedulePaymentRequest
}

// NewFake builds a Fake driver.
func NewFake() *Fake {
	return &Fake{}
}

// FailNext arranges for the next SchedulePayment call to return err.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *Fake) SchedulePayment(ctx context.Context, req SchedulePaymentRequest) (PaymentOrderID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}

	f.next++
	f.Scheduled = append(f.Scheduled, req)
	return PaymentOrderID(fmt.Sprintf("fake-order-%d", f.next)), nil
}

func (f *Fake) SignPayment(ctx context.Context, req SignRequest) ([]byte, error) {
	return []byte("fake-signature:" + req.NodeID), nil
}

// Verifier adapts a Driver into market/negotiation.SignatureVerifier:
// termination signatures are verified by asking the same driver to
// re-derive the expected signature over the terminating payload and
// comparing it to what the peer sent. original_source's termination
// protocol message (protocol/negotiation/messages.rs) never grew past a
// "TODO: we should send here signature" comment, so there is no existing
// wire format to match against; this round-trips through SignPayment the
// same way payment confirmations already do, rather than inventing an
// unrelated asymmetric signature scheme nothing in the corpus exercises.
type Verifier struct {
	Driver Driver
	NodeID string
}

// VerifyTermination recomputes the expected signature for the
// (agreementID, timestamp, reason) payload and rejects if it doesn't match
// the hex-encoded signature the peer supplied.
func (v *Verifier) VerifyTermination(ctx context.Context, agreementID ids.ProposalId, timestamp time.Time, reason, signature string) error {
	payload := []byte(agreementID.String() + "|" + timestamp.UTC().Format(time.RFC3339Nano) + "|" + reason)
	want, err := v.Driver.SignPayment(ctx, SignRequest{NodeID: v.NodeID, Payload: payload})
	if err != nil {
		return fmt.Errorf("driver: deriving expected termination signature: %w", err)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("driver: termination signature is not valid hex: %w", err)
	}
	if !hmac.Equal(want, got) {
		return fmt.Errorf("driver: termination signature mismatch")
	}
	return nil
}
