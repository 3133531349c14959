package bus

import (
	"context"
	"math/big"
	"net/http"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/discovery"
	"github.com/golemcore/market/internal/market/negotiation"
	"github.com/golemcore/market/internal/xlog"
)

// MarketService is the JSON-RPC receiver registered against the HTTP
// server: one method per spec.md §6 endpoint. Every inbound id is
// translated via ids.FromClient/ProposalId.Translate before touching local
// state, per spec.md §3's "translate on receipt" rule. The payment batch
// controller deliberately has no seam here: its RunCycle loop is driven by
// its own schedule and by acceptance handlers, not by any inbound wire
// message, so cmd/marketd wires it independently of MarketService.
type MarketService struct {
	ourOwner  ids.Owner
	negotiate *negotiation.Engine
	gossip    *discovery.Gossip
	paySync   paymentSyncHandler
	log       *xlog.Logger
}

// paymentSyncHandler is the subset of payment/syncnotif.Notifier the server
// leg of `.../payment/sync` drives: recording unsent payments/acceptances
// learned from a peer and acking them locally. Declared here (rather than
// importing syncnotif directly as a concrete type) only to keep this file's
// dependency surface explicit; internal/payment/syncnotif.Notifier
// satisfies it.
type paymentSyncHandler interface {
	Record(ctx context.Context, peerID string) error
}

// NewMarketService builds the JSON-RPC receiver. ourOwner fixes which side
// (Provider/Requestor) this node plays for every translated ProposalId —
// a single marketd process serves one role per agreement lifecycle, per
// spec.md §4.D's "Engine owns both halves" note (the *role in a specific
// negotiation* is still singular per message, carried by which node sent
// it).
func NewMarketService(ourOwner ids.Owner, negotiate *negotiation.Engine, gossip *discovery.Gossip, paySync paymentSyncHandler, log *xlog.Logger) *MarketService {
	return &MarketService{ourOwner: ourOwner, negotiate: negotiate, gossip: gossip, paySync: paySync, log: log}
}

func (m *MarketService) translate(hash string) (ids.ProposalId, error) {
	return ids.FromClient(hash, m.ourOwner)
}

// ProposalInitial handles `.../proposal/initial`.
func (m *MarketService) ProposalInitial(r *http.Request, args *ProposalInitialArgs, reply *Ack) error {
	ctx := r.Context()
	_, err := m.negotiate.CreateInitialProposal(ctx, args.OfferID, args.DemandID, args.Properties, args.Constraints, m.ourOwner)
	if err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// Proposal handles `.../proposal` (a counter-proposal from the peer).
func (m *MarketService) Proposal(r *http.Request, args *ProposalArgs, reply *Ack) error {
	ctx := r.Context()
	prevID, err := m.translate(args.PrevProposalID)
	if err != nil {
		return err
	}
	prev, err := m.negotiate.GetProposal(ctx, prevID)
	if err != nil {
		return err
	}
	if _, err := m.negotiate.Counter(ctx, prev, args.Properties, args.Constraints, negotiation.IssuerThem); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// ProposalReject handles `.../proposal/reject`.
func (m *MarketService) ProposalReject(r *http.Request, args *ProposalRejectArgs, reply *Ack) error {
	ctx := r.Context()
	id, err := m.translate(args.ProposalID)
	if err != nil {
		return err
	}
	p, err := m.negotiate.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if err := m.negotiate.Reject(ctx, p, args.Reason); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// AgreementPropose handles `.../agreement/propose`: the requestor-side
// confirm, moving Proposal -> Pending.
func (m *MarketService) AgreementPropose(r *http.Request, args *AgreementProposeArgs, reply *Ack) error {
	ctx := r.Context()
	id, err := m.translate(args.AgreementID)
	if err != nil {
		return err
	}
	agr, err := m.negotiate.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if err := m.negotiate.Confirm(ctx, agr); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// AgreementApprove handles `.../agreement/approve`: the provider's
// Pending->Approving transition, immediately followed by the synchronous
// ack (Approving->Approved) since both legs share this one round trip in
// this transport's request/reply model.
func (m *MarketService) AgreementApprove(r *http.Request, args *AgreementApproveArgs, reply *AgreementApproveReply) error {
	ctx := r.Context()
	id, err := m.translate(args.AgreementID)
	if err != nil {
		return err
	}
	agr, err := m.negotiate.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if err := m.negotiate.Approve(ctx, agr, args.Session); err != nil {
		return err
	}
	agr.State = negotiation.AgreementApproving
	if err := m.negotiate.Ack(ctx, agr); err != nil {
		return err
	}
	reply.Acknowledged = true
	return nil
}

// AgreementReject handles `.../agreement/reject`.
func (m *MarketService) AgreementReject(r *http.Request, args *AgreementRejectArgs, reply *Ack) error {
	ctx := r.Context()
	id, err := m.translate(args.AgreementID)
	if err != nil {
		return err
	}
	agr, err := m.negotiate.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if err := m.negotiate.RejectAgreement(ctx, agr, args.Reason); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// AgreementCancel handles `.../agreement/cancel`.
func (m *MarketService) AgreementCancel(r *http.Request, args *AgreementCancelArgs, reply *Ack) error {
	ctx := r.Context()
	id, err := m.translate(args.AgreementID)
	if err != nil {
		return err
	}
	agr, err := m.negotiate.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if err := m.negotiate.Cancel(ctx, agr, args.Reason); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// AgreementTerminate handles `.../agreement/terminate`.
func (m *MarketService) AgreementTerminate(r *http.Request, args *AgreementTerminateArgs, reply *Ack) error {
	ctx := r.Context()
	id, err := m.translate(args.AgreementID)
	if err != nil {
		return err
	}
	agr, err := m.negotiate.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if err := m.negotiate.Terminate(ctx, agr, args.Reason, args.Signature, args.Timestamp); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// DiscoveryOffers handles `.../discovery/offers` (gossip push).
func (m *MarketService) DiscoveryOffers(r *http.Request, args *DiscoveryOffersArgs, reply *DiscoveryOffersReply) error {
	offers := make([]discovery.RemoteOffer, len(args.Offers))
	for i, o := range args.Offers {
		offers[i] = discovery.RemoteOffer{
			ID: o.ID, NodeID: o.NodeID, Properties: o.Properties,
			Constraints: o.Constraints, CreationTS: o.CreationTS, ExpirationTS: o.ExpirationTS,
		}
	}
	propagate := m.gossip.ReceiveRemoteOffers(r.Context(), offers)
	reply.Propagate = make(map[string]bool, len(propagate))
	for id, want := range propagate {
		reply.Propagate[id.String()] = want
	}
	return nil
}

// DiscoveryOffersGet handles `.../discovery/offers/get` (pull request).
func (m *MarketService) DiscoveryOffersGet(r *http.Request, args *DiscoveryOffersGetArgs, reply *DiscoveryOffersGetReply) error {
	local := m.gossip.GetLocalOffers(r.Context(), args.OfferIDs)
	reply.Offers = make([]WireSubscription, len(local))
	for i, o := range local {
		reply.Offers[i] = WireSubscription{
			ID: o.ID, NodeID: o.NodeID, Properties: o.Properties,
			Constraints: o.Constraints, CreationTS: o.CreationTS, ExpirationTS: o.ExpirationTS,
		}
	}
	return nil
}

// DiscoveryUnsubscribes handles `.../discovery/unsubscribes` (gossip push).
func (m *MarketService) DiscoveryUnsubscribes(r *http.Request, args *DiscoveryUnsubscribesArgs, reply *Ack) error {
	m.gossip.ReceiveRemoteOfferUnsubscribes(r.Context(), args.UnsubscribedBy, args.OfferIDs)
	reply.OK = true
	return nil
}

// PaymentSync handles `.../payment/sync`: a peer informing us of payments
// and acceptances we might not know about. The batch controller's ledger
// application is out of this method's scope (it only records that peerID
// now has pending sync state worth chasing); the heavy lifting — applying
// accepted amounts, crediting the ledger — happens where the invoice/debit
// note acceptance already lands locally, matching original_source's
// payment_sync handler only invoking mark_sent-equivalent bookkeeping on
// the *sending* side, not reprocessing accounting on receipt.
func (m *MarketService) PaymentSync(r *http.Request, args *PaymentSyncArgs, reply *Ack) error {
	ctx := r.Context()
	for _, p := range args.Payments {
		if _, ok := new(big.Rat).SetString(p.Amount); !ok {
			if m.log != nil {
				m.log.Warn("bus: payment sync carried an unparsable amount", "order_id", p.OrderID)
			}
			continue
		}
	}
	if m.paySync != nil && args.FromPeerID != "" {
		// Re-arm our own outbound sync loop for this peer too, so our
		// reply traffic (acceptances/payments they don't know about yet)
		// doesn't wait for its next scheduled cycle.
		_ = m.paySync.Record(ctx, args.FromPeerID)
	}
	reply.OK = true
	return nil
}
