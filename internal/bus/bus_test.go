package bus

import (
	"context"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/discovery"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/payment/syncnotif"
	"github.com/golemcore/market/internal/xlog"
)

type fakeStore struct {
	mu     sync.Mutex
	offers map[string]discovery.RemoteOffer
}

func newFakeStore() *fakeStore { return &fakeStore{offers: map[string]discovery.RemoteOffer{}} }

func (f *fakeStore) GetActiveOfferIds(context.Context, []string) ([]ids.SubscriptionId, error) {
	return nil, nil
}
func (f *fakeStore) GetUnsubscribedOfferIds(context.Context, []string) ([]ids.SubscriptionId, error) {
	return nil, nil
}
func (f *fakeStore) GetOffer(_ context.Context, id ids.SubscriptionId) (discovery.RemoteOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id.String()]
	if !ok {
		return discovery.RemoteOffer{}, marketerr.New(marketerr.NotFound, "not found")
	}
	return o, nil
}
func (f *fakeStore) SaveOffer(_ context.Context, offer discovery.RemoteOffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[offer.ID.String()] = offer
	return nil
}
func (f *fakeStore) UnsubscribeOffer(context.Context, ids.SubscriptionId, bool, string) error {
	return nil
}

type fakePaySync struct {
	mu      sync.Mutex
	Recorded []string
}

func (p *fakePaySync) Record(_ context.Context, peerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Recorded = append(p.Recorded, peerID)
	return nil
}

// newTestServer builds one marketd node's HTTP surface: a MarketService
// backed by a real discovery.Gossip (so DiscoveryOffers/Get round-trip
// for real) and a fakePaySync to observe PaymentSync's re-arm call.
func newTestServer(t *testing.T, owner ids.Owner) (*httptest.Server, *fakeStore, *fakePaySync) {
	t.Helper()
	store := newFakeStore()
	gossip := discovery.New("node-"+owner.String(), store, noopPeers{}, discovery.Config{
		MeanBcastOffersInterval:       time.Minute,
		MaxBcastedOffers:              10,
		MeanBcastUnsubscribesInterval: time.Minute,
		MaxBcastedUnsubscribes:        10,
	}, xlog.NewNop(), nil, 1<<16)
	paySync := &fakePaySync{}
	svc := NewMarketService(owner, nil, gossip, paySync, xlog.NewNop())
	h, err := Handler(svc)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store, paySync
}

type noopPeers struct{}

func (noopPeers) BroadcastOffers(context.Context, []ids.SubscriptionId) error      { return nil }
func (noopPeers) BroadcastUnsubscribes(context.Context, []ids.SubscriptionId) error { return nil }

func TestBus_DiscoveryOffersGet_RoundTripsStoredOffer(t *testing.T) {
	srv, store, _ := newTestServer(t, ids.Provider)

	now := time.Now()
	offerID := ids.NewSubscriptionId("props", "cons", "node-P", now, now.Add(time.Hour))
	require.NoError(t, store.SaveOffer(context.Background(), discovery.RemoteOffer{
		ID: offerID, NodeID: "node-P", Properties: "props", Constraints: "cons",
		CreationTS: now, ExpirationTS: now.Add(time.Hour),
	}))

	dir := NewStaticDirectory()
	dir.Set("peer-P", srv.URL)
	client := NewClient(dir, nil)

	var reply DiscoveryOffersGetReply
	err := client.Call(context.Background(), "peer-P", "Market.DiscoveryOffersGet",
		DiscoveryOffersGetArgs{OfferIDs: []ids.SubscriptionId{offerID}}, &reply)
	require.NoError(t, err)
	require.Len(t, reply.Offers, 1)
	require.Equal(t, "props", reply.Offers[0].Properties)
}

func TestBus_BroadcastOffers_FansOutToEveryKnownPeer(t *testing.T) {
	srvA, _, _ := newTestServer(t, ids.Provider)
	srvB, _, _ := newTestServer(t, ids.Requestor)

	dir := NewStaticDirectory()
	dir.Set("peer-A", srvA.URL)
	dir.Set("peer-B", srvB.URL)

	localStore := newFakeStore()
	now := time.Now()
	offerID := ids.NewSubscriptionId("p", "c", "node-X", now, now.Add(time.Hour))
	require.NoError(t, localStore.SaveOffer(context.Background(), discovery.RemoteOffer{
		ID: offerID, NodeID: "node-X", Properties: "p", Constraints: "c",
		CreationTS: now, ExpirationTS: now.Add(time.Hour),
	}))

	b := New("node-X", dir, localStore, nil)
	err := b.BroadcastOffers(context.Background(), []ids.SubscriptionId{offerID})
	require.NoError(t, err)
}

func TestBus_BroadcastUnsubscribes_ReturnsErrorWhenPeerUnreachable(t *testing.T) {
	srv, _, _ := newTestServer(t, ids.Provider)
	dir := NewStaticDirectory()
	dir.Set("peer-up", srv.URL)
	dir.Set("peer-down", "http://127.0.0.1:1") // nothing listens here

	b := New("node-X", dir, nil, nil)
	now := time.Now()
	offerID := ids.NewSubscriptionId("p", "c", "node-X", now, now.Add(time.Hour))

	err := b.BroadcastUnsubscribes(context.Background(), []ids.SubscriptionId{offerID})
	require.Error(t, err)
}

func TestBus_Send_DeliversPaymentSyncAndRearmsPeer(t *testing.T) {
	srv, _, paySync := newTestServer(t, ids.Requestor)
	dir := NewStaticDirectory()
	dir.Set("peer-R", srv.URL)

	b := New("node-X", dir, nil, nil)
	msg := syncnotif.Message{
		Payments: []syncnotif.SentPayment{
			{OrderID: "ord-1", PayerAddr: "0xabc", PayeeAddr: "0xdef", Platform: "erc20-mainnet",
				Amount: newRat(t, "10/1"), Signature: []byte("sig")},
		},
		InvoiceAccepts: []syncnotif.AcceptedInvoice{
			{InvoiceID: "inv-1", Amount: newRat(t, "5/1")},
		},
	}

	err := b.Send(context.Background(), "peer-R", msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		paySync.mu.Lock()
		defer paySync.mu.Unlock()
		return len(paySync.Recorded) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBus_Client_UnknownPeerReturnsNotFound(t *testing.T) {
	dir := NewStaticDirectory()
	client := NewClient(dir, nil)
	var reply Ack
	err := client.Call(context.Background(), "ghost", "Market.DiscoveryUnsubscribes", DiscoveryUnsubscribesArgs{}, &reply)
	require.Error(t, err)
	require.Equal(t, marketerr.NotFound, marketerr.KindOf(err))
}

func newRat(t *testing.T, s string) *big.Rat {
	t.Helper()
	r, ok := new(big.Rat).SetString(s)
	require.True(t, ok)
	return r
}
