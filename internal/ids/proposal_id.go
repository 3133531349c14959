package ids

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

const proposalTSLayout = "2006-01-02 15:04:05.000000"

// ProposalId is {owner, id: 256-bit hex} where
// id = SHA3-256(offer_id ‖ demand_id ‖ creation_ts_µs) (spec.md §3).
type ProposalId struct {
	owner Owner
	id    string
}

// NewProposalId derives a fresh ProposalId for the given (offer, demand)
// pair, creation timestamp, and owning side.
func NewProposalId(offerID, demandID SubscriptionId, creationTS time.Time, owner Owner) ProposalId {
	return ProposalId{owner: owner, id: hashProposal(offerID, demandID, creationTS)}
}

func hashProposal(offerID, demandID SubscriptionId, creationTS time.Time) string {
	h := sha3.New256()
	h.Write([]byte(offerID.String()))
	h.Write([]byte(demandID.String()))
	h.Write([]byte(creationTS.UTC().Format(proposalTSLayout)))
	return hex.EncodeToString(h.Sum(nil))
}

// Owner returns the side that owns this id.
func (p ProposalId) Owner() Owner { return p.owner }

// Translate returns the peer-side id for the same logical proposal: same
// hash, owner tag set to newOwner. Translate is an involution under repeated
// application to the same owner (spec.md §8):
// id.Translate(A).Translate(B).Translate(A) == id.Translate(A).
func (p ProposalId) Translate(newOwner Owner) ProposalId {
	p.owner = newOwner
	return p
}

// SwapOwner flips to the opposite owner tag.
func (p ProposalId) SwapOwner() ProposalId {
	p.owner = p.owner.Swap()
	return p
}

// Validate recomputes the hash from the (offer, demand, creation_ts) triple
// this id claims to derive from.
func (p ProposalId) Validate(offerID, demandID SubscriptionId, creationTS time.Time) error {
	want := hashProposal(offerID, demandID, creationTS)
	if want != p.id {
		return fmt.Errorf("ids: proposal id %s has unexpected hash %s", p, want)
	}
	return nil
}

// IntoClient returns the bare hash, shared verbatim by both sides on the
// wire (they each re-tag it with their own Owner on receipt).
func (p ProposalId) IntoClient() string { return p.id }

// FromClient builds a ProposalId from a peer-supplied bare hash plus the
// owner tag the local side should use for it.
func FromClient(hash string, owner Owner) (ProposalId, error) {
	if !isHex(hash) {
		return ProposalId{}, fmt.Errorf("ids: proposal id %q contains non hexadecimal characters", hash)
	}
	if len(hash) != hashHexLen {
		return ProposalId{}, fmt.Errorf("ids: proposal id %q has invalid hash length", hash)
	}
	return ProposalId{owner: owner, id: hash}, nil
}

func (p ProposalId) String() string {
	return p.owner.String() + "-" + p.id
}

// IsZero reports whether p is the zero value.
func (p ProposalId) IsZero() bool { return p.id == "" }

// ParseProposalId parses the "{owner}-{hex64}" wire format used in logs and
// persistence; peer-to-peer messages instead carry IntoClient()'s bare hash
// plus an owner field, translated on receipt via FromClient.
func ParseProposalId(s string) (ProposalId, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return ProposalId{}, fmt.Errorf("ids: proposal id %q has invalid format", s)
	}
	owner, err := ParseOwner(parts[0])
	if err != nil {
		return ProposalId{}, fmt.Errorf("ids: proposal id %q has invalid owner type", s)
	}
	return FromClient(parts[1], owner)
}

// MarshalJSON implements json.Marshaler.
func (p ProposalId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ProposalId) UnmarshalJSON(b []byte) error {
	parsed, err := ParseProposalId(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
