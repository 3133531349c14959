// Package bus implements the peer overlay transport (spec.md §6): a
// JSON-RPC 2.0 service exposing every negotiation/discovery/payment
// endpoint the wire contract names, plus the client side used to call a
// peer's equivalent service. Grounded on the teacher's own
// utils/rpc/json.go (the gorilla/rpc/v2/json2 client-encode/decode
// pattern, copied here for the server leg too) and
// _examples/luxfi-evm/network/network.go's request/reply plus gossip-send
// shape (ported from p2p.Sender.SendRequest/SendGossip onto HTTP+JSON-RPC
// since nothing in the example pack exercises a raw websocket frame
// protocol).
package bus

import (
	"time"

	"github.com/golemcore/market/internal/ids"
)

// WireSubscription is an Offer/Demand as exchanged on the wire — renamed
// field-for-field from discovery.RemoteOffer so this package has no import
// dependency on market/discovery's internal Store seam.
type WireSubscription struct {
	ID           ids.SubscriptionId `json:"id"`
	NodeID       string             `json:"node_id"`
	Properties   string             `json:"properties"`
	Constraints  string             `json:"constraints"`
	CreationTS   time.Time          `json:"creation_ts"`
	ExpirationTS time.Time          `json:"expiration_ts"`
}

// ProposalInitialArgs is the `.../proposal/initial` request: the first,
// resolver-derived proposal pushed to the counterparty.
type ProposalInitialArgs struct {
	OfferID     ids.SubscriptionId `json:"offer_id"`
	DemandID    ids.SubscriptionId `json:"demand_id"`
	ProposalID  string             `json:"proposal_id"` // bare hash, ids.ProposalId.IntoClient()
	Properties  string             `json:"properties"`
	Constraints string             `json:"constraints"`
}

// ProposalArgs is the `.../proposal` (counter-proposal) request.
type ProposalArgs struct {
	PrevProposalID string `json:"prev_proposal_id"`
	ProposalID     string `json:"proposal_id"`
	Properties     string `json:"properties"`
	Constraints    string `json:"constraints"`
}

// ProposalRejectArgs is the `.../proposal/reject` request.
type ProposalRejectArgs struct {
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
}

// AgreementProposeArgs is the `.../agreement/propose` request: the
// requestor asking the provider to confirm the agreement derived from
// AgreementID's accepted proposal pair.
type AgreementProposeArgs struct {
	AgreementID string    `json:"agreement_id"`
	ValidTo     time.Time `json:"valid_to"`
}

// AgreementApproveArgs is the `.../agreement/approve` request (provider ->
// requestor) and its `ack` is delivered as the reply's Acknowledged flag —
// the requestor's Ack call itself loops back over `.../agreement/approve`'s
// reply channel rather than a distinct endpoint, mirroring how
// original_source's confirm-agreement protocol pairs a single request with
// a synchronous ack on the same round trip.
type AgreementApproveArgs struct {
	AgreementID string `json:"agreement_id"`
	Session     string `json:"session"`
}

// AgreementApproveReply carries the requestor's ack back to the provider in
// the same round trip AgreementApprove initiated.
type AgreementApproveReply struct {
	Acknowledged bool `json:"acknowledged"`
}

// AgreementRejectArgs is the `.../agreement/reject` request.
type AgreementRejectArgs struct {
	AgreementID string `json:"agreement_id"`
	Reason      string `json:"reason"`
}

// AgreementCancelArgs is the `.../agreement/cancel` request.
type AgreementCancelArgs struct {
	AgreementID string `json:"agreement_id"`
	Reason      string `json:"reason"`
}

// AgreementTerminateArgs is the `.../agreement/terminate` request, carrying
// the detached signature spec.md §4.D requires.
type AgreementTerminateArgs struct {
	AgreementID string    `json:"agreement_id"`
	Reason      string    `json:"reason"`
	Signature   string    `json:"signature"`
	Timestamp   time.Time `json:"timestamp"`
}

// DiscoveryOffersArgs is the `.../discovery/offers` gossip push.
type DiscoveryOffersArgs struct {
	Offers []WireSubscription `json:"offers"`
}

// DiscoveryOffersReply reports, per offer id, whether the receiver wants it
// propagated further — unused by the sender today but kept so a future
// gossip-suppression optimization has somewhere to land.
type DiscoveryOffersReply struct {
	Propagate map[string]bool `json:"propagate"`
}

// DiscoveryOffersGetArgs is the `.../discovery/offers/get` pull request:
// "send me the offers behind these ids".
type DiscoveryOffersGetArgs struct {
	OfferIDs []ids.SubscriptionId `json:"offer_ids"`
}

// DiscoveryOffersGetReply returns whichever requested offers the peer holds.
type DiscoveryOffersGetReply struct {
	Offers []WireSubscription `json:"offers"`
}

// DiscoveryUnsubscribesArgs is the `.../discovery/unsubscribes` gossip push.
type DiscoveryUnsubscribesArgs struct {
	UnsubscribedBy string               `json:"unsubscribed_by"`
	OfferIDs       []ids.SubscriptionId `json:"offer_ids"`
}

// WireSentPayment mirrors payment/syncnotif.SentPayment on the wire.
type WireSentPayment struct {
	OrderID   string `json:"order_id"`
	PayerAddr string `json:"payer_addr"`
	PayeeAddr string `json:"payee_addr"`
	Platform  string `json:"platform"`
	Amount    string `json:"amount"` // big.Rat.RatString()
	Signature []byte `json:"signature"`
}

// WireAcceptance mirrors an invoice or debit-note acceptance on the wire.
type WireAcceptance struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

// PaymentSyncArgs is the `.../payment/sync` request: one peer's aggregated
// unsent payments and acceptances (payment/syncnotif.Message, wire-encoded).
type PaymentSyncArgs struct {
	FromPeerID       string            `json:"from_peer_id"`
	Payments         []WireSentPayment `json:"payments"`
	InvoiceAccepts   []WireAcceptance  `json:"invoice_accepts"`
	DebitNoteAccepts []WireAcceptance  `json:"debit_note_accepts"`
}

// Ack is the trivial "received" reply shared by every endpoint with nothing
// else to report back.
type Ack struct {
	OK bool `json:"ok"`
}
