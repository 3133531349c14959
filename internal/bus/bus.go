package bus

import (
	"context"
	"math/big"
	"net/http"

	gorillarpc "github.com/gorilla/rpc/v2"
	json2 "github.com/gorilla/rpc/v2/json2"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/discovery"
	"github.com/golemcore/market/internal/payment/syncnotif"
)

// OfferStore is the subset of market/store.Store (via market/discovery.Store)
// Bus needs to resolve an offer id to its full body before pushing it —
// BroadcastOffers is only handed ids by discovery.Gossip's cyclic task.
type OfferStore interface {
	GetOffer(ctx context.Context, id ids.SubscriptionId) (discovery.RemoteOffer, error)
}

// Handler returns an http.Handler serving svc as JSON-RPC 2.0, ready to
// mount under cmd/marketd's HTTP server.
func Handler(svc *MarketService) (http.Handler, error) {
	server := gorillarpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(svc, "Market"); err != nil {
		return nil, err
	}
	return server, nil
}

// Bus is the outbound half of the overlay transport: it implements
// market/discovery.Peers and payment/syncnotif.Sender by calling every
// known peer's MarketService over Client.
type Bus struct {
	client    *Client
	dir       Directory
	store     OfferStore
	ourNodeID string
}

// New builds a Bus over dir, resolving offer bodies to broadcast from store
// and identifying ourselves to peers as ourNodeID (carried in
// DiscoveryUnsubscribesArgs.UnsubscribedBy and PaymentSyncArgs.FromPeerID so
// the receiving side knows which directory entry to re-arm).
func New(ourNodeID string, dir Directory, store OfferStore, httpClient *http.Client) *Bus {
	return &Bus{client: NewClient(dir, httpClient), dir: dir, store: store, ourNodeID: ourNodeID}
}

// BroadcastOffers implements market/discovery.Peers: it resolves each id to
// its full body (discovery.Gossip's cyclic task only selects ids) and pushes
// them as a `.../discovery/offers` gossip send, not a pull.
func (b *Bus) BroadcastOffers(ctx context.Context, offerIDs []ids.SubscriptionId) error {
	args := DiscoveryOffersArgs{Offers: make([]WireSubscription, 0, len(offerIDs))}
	for _, id := range offerIDs {
		offer, err := b.store.GetOffer(ctx, id)
		if err != nil {
			continue
		}
		args.Offers = append(args.Offers, WireSubscription{
			ID: offer.ID, NodeID: offer.NodeID, Properties: offer.Properties,
			Constraints: offer.Constraints, CreationTS: offer.CreationTS, ExpirationTS: offer.ExpirationTS,
		})
	}
	var lastErr error
	for _, peer := range b.dir.Peers() {
		var reply DiscoveryOffersReply
		if err := b.client.Call(ctx, peer, "Market.DiscoveryOffers", args, &reply); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// BroadcastUnsubscribes implements market/discovery.Peers.
func (b *Bus) BroadcastUnsubscribes(ctx context.Context, unsubIDs []ids.SubscriptionId) error {
	args := DiscoveryUnsubscribesArgs{UnsubscribedBy: b.ourNodeID, OfferIDs: unsubIDs}
	var lastErr error
	for _, peer := range b.dir.Peers() {
		var reply Ack
		if err := b.client.Call(ctx, peer, "Market.DiscoveryUnsubscribes", args, &reply); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Send implements payment/syncnotif.Sender: delivers one PaymentSync
// message to a single peer.
func (b *Bus) Send(ctx context.Context, peerID string, msg syncnotif.Message) error {
	args := PaymentSyncArgs{
		FromPeerID:       b.ourNodeID,
		Payments:         make([]WireSentPayment, len(msg.Payments)),
		InvoiceAccepts:   make([]WireAcceptance, len(msg.InvoiceAccepts)),
		DebitNoteAccepts: make([]WireAcceptance, len(msg.DebitNoteAccepts)),
	}
	for i, p := range msg.Payments {
		args.Payments[i] = WireSentPayment{
			OrderID: p.OrderID, PayerAddr: p.PayerAddr, PayeeAddr: p.PayeeAddr,
			Platform: p.Platform, Amount: ratString(p.Amount), Signature: p.Signature,
		}
	}
	for i, a := range msg.InvoiceAccepts {
		args.InvoiceAccepts[i] = WireAcceptance{ID: a.InvoiceID, Amount: ratString(a.Amount)}
	}
	for i, a := range msg.DebitNoteAccepts {
		args.DebitNoteAccepts[i] = WireAcceptance{ID: a.DebitNoteID, Amount: ratString(a.Amount)}
	}

	var reply Ack
	return b.client.Call(ctx, peerID, "Market.PaymentSync", args, &reply)
}

func ratString(r *big.Rat) string {
	if r == nil {
		return "0"
	}
	return r.RatString()
}
