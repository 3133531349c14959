// Package marketerr implements the error taxonomy from spec.md §7 as a
// small set of sentinel kinds wrapped around an underlying cause, in the
// style of the teacher's fmt.Errorf("%w: …") chains (see
// metrics/prometheus/prometheus.go's errMetricSkip/errMetricTypeNotSupported
// pair). Callers branch on kind with errors.Is against the sentinels below,
// never on string matching.
package marketerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/propagation policy. The taxonomy is
// exactly spec.md §7's list.
type Kind int

const (
	// Protocol covers malformed ids, hash validation failures, and illegal
	// state transitions. Non-retried; reported to the peer as BadRequest.
	Protocol Kind = iota
	// NotFound covers subscriptions, proposals, agreements, invoices.
	NotFound
	// Expired marks a terminal-state violation where the subject's TTL has
	// elapsed. An idempotent response is allowed.
	Expired
	// Unsubscribed marks a terminal-state violation on a tombstoned offer.
	Unsubscribed
	// Cancelled marks a terminal-state violation on a cancelled agreement.
	Cancelled
	// Timeout covers network or DB timeouts. Retried at the gossip/sync
	// layer; surfaced as-is at the call layer.
	Timeout
	// Forbidden covers identity mismatch, signature failure, keystore
	// rejection. Non-retried.
	Forbidden
	// TransientIO covers DB-busy or peer-unreachable conditions. Retried
	// with backoff.
	TransientIO
	// Internal marks a programmer error: logged at Crit, connection
	// aborted, task restarted by the supervisor. Must never be reachable
	// from network input.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case NotFound:
		return "not_found"
	case Expired:
		return "expired"
	case Unsubscribed:
		return "unsubscribed"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	case Forbidden:
		return "forbidden"
	case TransientIO:
		return "transient_io"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a Kind-tagged error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs a Kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing cause.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err isn't a tagged Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether the gossip/sync-notifier/batch layers should
// retry this error with backoff rather than drop it.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, TransientIO:
		return true
	default:
		return false
	}
}

// SuppressesPropagation reports whether a save_offer failure of this kind
// should stop the gossip layer from forwarding the message further (spec.md
// §4.A: Exists/Unsubscribed/Expired suppress propagation; other errors do
// not).
func SuppressesPropagation(err error) bool {
	switch KindOf(err) {
	case Expired, Unsubscribed:
		return true
	default:
		return errors.Is(err, ErrExists)
	}
}

// ErrExists marks a duplicate save_offer/save_demand attempt. It is not a
// Kind because "already exists" is not a failure the caller should log loudly,
// but it must still suppress propagation per spec.md §4.A.
var ErrExists = errors.New("subscription already exists")
