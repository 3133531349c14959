// Package ids implements the self-validating identifiers of spec.md §3:
// SubscriptionId, ProposalId, and the Owner tag embedded in every
// negotiation-side identifier. Hash formulas, wire string formats, and parse
// error kinds are grounded on original_source/core/market/decentralized/src/
// db/models/subscription.rs and original_source/core/market/src/db/model/
// proposal_id.rs.
package ids

import "fmt"

// Owner tags which side of a negotiation an identifier belongs to. The same
// logical proposal/agreement has a distinct id on each side; Owner is what
// lets ProposalId.Translate convert between them.
type Owner int

const (
	Provider Owner = iota
	Requestor
)

// Swap returns the opposite owner.
func (o Owner) Swap() Owner {
	if o == Provider {
		return Requestor
	}
	return Provider
}

func (o Owner) String() string {
	switch o {
	case Provider:
		return "P"
	case Requestor:
		return "R"
	default:
		return "?"
	}
}

// ParseOwner parses the single-character wire representation ("P"/"R").
func ParseOwner(s string) (Owner, error) {
	switch s {
	case "P":
		return Provider, nil
	case "R":
		return Requestor, nil
	default:
		return 0, fmt.Errorf("ids: invalid owner tag %q", s)
	}
}
