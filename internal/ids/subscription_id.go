package ids

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	randomIDHexLen = 32
	hashHexLen     = 64

	// subscriptionTSLayout is the exact timestamp format folded into the
	// content hash. It cannot change without breaking every recipient's
	// ability to recompute and validate the hash (original_source comment:
	// "We can't change format freely, because it is important to compute
	// hash").
	subscriptionTSLayout = "2006-01-02 15:04:05"
)

// SubscriptionId is the self-validating identifier of an Offer or Demand
// (spec.md §3). Hash is SHA3-256 over (properties ‖ constraints ‖ node_id ‖
// creation_ts ‖ expiration_ts), timestamps formatted as
// "%Y-%m-%d %H:%M:%S". Any recipient must recompute and reject mismatches.
type SubscriptionId struct {
	randomID string
	hash     string
}

// NewSubscriptionId derives a fresh id for locally-created content, with a
// random 128-bit prefix and the content hash as the suffix.
func NewSubscriptionId(properties, constraints, nodeID string, creationTS, expirationTS time.Time) SubscriptionId {
	return SubscriptionId{
		randomID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		hash:     subscriptionHash(properties, constraints, nodeID, creationTS, expirationTS),
	}
}

func subscriptionHash(properties, constraints, nodeID string, creationTS, expirationTS time.Time) string {
	h := sha3.New256()
	h.Write([]byte(properties))
	h.Write([]byte(constraints))
	h.Write([]byte(nodeID))
	h.Write([]byte(creationTS.UTC().Format(subscriptionTSLayout)))
	h.Write([]byte(expirationTS.UTC().Format(subscriptionTSLayout)))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate recomputes the content hash and rejects a mismatch. Every
// recipient of a gossiped or negotiated subscription id must call this
// before trusting it (spec.md §3, §4.A).
func (s SubscriptionId) Validate(properties, constraints, nodeID string, creationTS, expirationTS time.Time) error {
	want := subscriptionHash(properties, constraints, nodeID, creationTS, expirationTS)
	if want != s.hash {
		return fmt.Errorf("ids: subscription id %s has unexpected hash %s", s, want)
	}
	return nil
}

func (s SubscriptionId) String() string {
	return s.randomID + "-" + s.hash
}

// IsZero reports whether s is the zero value.
func (s SubscriptionId) IsZero() bool { return s.randomID == "" && s.hash == "" }

// ParseSubscriptionId parses the "{random32hex}-{hash64hex}" wire format.
func ParseSubscriptionId(s string) (SubscriptionId, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return SubscriptionId{}, fmt.Errorf("ids: subscription id %q has invalid format", s)
	}
	randomID, hash := parts[0], parts[1]
	if !isHex(randomID) || !isHex(hash) {
		return SubscriptionId{}, fmt.Errorf("ids: subscription id %q contains non hexadecimal characters", s)
	}
	if len(randomID) != randomIDHexLen {
		return SubscriptionId{}, fmt.Errorf("ids: subscription id %q has invalid length", s)
	}
	if len(hash) != hashHexLen {
		return SubscriptionId{}, fmt.Errorf("ids: subscription id %q has invalid length", s)
	}
	return SubscriptionId{randomID: randomID, hash: hash}, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// MarshalJSON implements json.Marshaler as the wire string form.
func (s SubscriptionId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SubscriptionId) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	parsed, err := ParseSubscriptionId(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
