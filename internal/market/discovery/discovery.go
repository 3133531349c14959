// Package discovery implements the Discovery Gossip component (spec.md
// §4.C): two periodic broadcast tasks plus four inbound handlers. The
// broadcast cadence and the our-ids-first-then-random-fill sampling
// algorithm are grounded on
// original_source/core/market/decentralized/src/matcher/cyclic.rs's
// `bcast_offers`/`bcast_unsubscribes`/`randomize_offers`/`randomize_interval`.
// Dedup of already-seen gossip ids uses a fastcache working set, the
// idiomatic bounded-memory stand-in for the original's in-memory HashSet;
// inbound handlers are additionally throttled with x/time/rate so a noisy
// peer can't monopolize the store's writer lock.
package discovery

import (
	"context"
	"math/rand"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/time/rate"

	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/marketerr"
	"github.com/golemcore/market/internal/xlog"
	"github.com/golemcore/market/internal/xmetrics"
)

// Peers is the outbound transport seam: broadcasting and requesting offers
// from the rest of the network (internal/bus implements this in
// production).
type Peers interface {
	BroadcastOffers(ctx context.Context, offerIDs []ids.SubscriptionId) error
	BroadcastUnsubscribes(ctx context.Context, unsubIDs []ids.SubscriptionId) error
}

// Store is the subset of market/store.Store the gossip layer drives.
type Store interface {
	GetActiveOfferIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error)
	GetUnsubscribedOfferIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error)
	GetOffer(ctx context.Context, id ids.SubscriptionId) (RemoteOffer, error)
	SaveOffer(ctx context.Context, offer RemoteOffer) error
	UnsubscribeOffer(ctx context.Context, id ids.SubscriptionId, byOwner bool, caller string) error
}

// RemoteOffer is the wire shape of an Offer exchanged with peers; it
// mirrors market/store.Subscription without importing that package, so
// discovery stays usable against any Store implementation that can
// translate to/from it.
type RemoteOffer struct {
	ID           ids.SubscriptionId
	NodeID       string
	Properties   string
	Constraints  string
	CreationTS   time.Time
	ExpirationTS time.Time
}

// Config is the subset of internal/config.Discovery this component needs.
type Config struct {
	MeanBcastOffersInterval       time.Duration
	MaxBcastedOffers              int
	MeanBcastUnsubscribesInterval time.Duration
	MaxBcastedUnsubscribes        int
}

// Gossip owns the two cyclic broadcast tasks and the inbound handlers.
type Gossip struct {
	ourNodeID string
	store     Store
	peers     Peers
	cfg       Config
	log       *xlog.Logger
	metrics   *xmetrics.Set
	rng       *rand.Rand

	seen    *fastcache.Cache
	limiter *rate.Limiter
}

// New constructs a Gossip instance. seenCacheBytes bounds the fastcache
// used to dedupe already-forwarded gossip ids; a few MB easily covers a
// busy node's working set of recently seen offer/unsubscribe ids.
func New(ourNodeID string, store Store, peers Peers, cfg Config, log *xlog.Logger, metrics *xmetrics.Set, seenCacheBytes int) *Gossip {
	return &Gossip{
		ourNodeID: ourNodeID,
		store:     store,
		peers:     peers,
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:      fastcache.New(seenCacheBytes),
		limiter:   rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
}

// RunBroadcastOffers runs the offer broadcast cycle until ctx is cancelled.
// spec.md §4.C: "sleep 0.5·T + rand·T before each cycle."
func (g *Gossip) RunBroadcastOffers(ctx context.Context) {
	for {
		if !g.sleepRandomInterval(ctx, g.cfg.MeanBcastOffersInterval) {
			return
		}
		start := time.Now()
		if err := g.broadcastOffersOnce(ctx); err != nil {
			g.log.Warn("discovery: offer broadcast cycle failed", "err", err)
			continue
		}
		if g.metrics != nil {
			g.metrics.OffersBroadcastTotal.Inc()
			g.metrics.OffersBroadcastDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// RunBroadcastUnsubscribes runs the unsubscribe broadcast cycle until ctx
// is cancelled.
func (g *Gossip) RunBroadcastUnsubscribes(ctx context.Context) {
	for {
		if !g.sleepRandomInterval(ctx, g.cfg.MeanBcastUnsubscribesInterval) {
			return
		}
		start := time.Now()
		if err := g.broadcastUnsubscribesOnce(ctx); err != nil {
			g.log.Warn("discovery: unsubscribe broadcast cycle failed", "err", err)
			continue
		}
		if g.metrics != nil {
			g.metrics.UnsubscribesBroadcastTotal.Inc()
			g.metrics.UnsubscribesBroadcastDur.Observe(time.Since(start).Seconds())
		}
	}
}

// sleepRandomInterval blocks for 0.5*mean + rand()*mean or until ctx is
// cancelled, returning false in the latter case so the caller's loop can
// exit cleanly — the cancellation contract spec.md §4.C requires ("gossip
// tasks must be cancellable without dropping in-flight inbound handlers").
func (g *Gossip) sleepRandomInterval(ctx context.Context, mean time.Duration) bool {
	d := randomizeInterval(g.rng, mean)
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func randomizeInterval(rng *rand.Rand, mean time.Duration) time.Duration {
	return time.Duration(float64(mean)/2 + rng.Float64()*float64(mean))
}

func (g *Gossip) broadcastOffersOnce(ctx context.Context) error {
	ourOffers, err := g.store.GetActiveOfferIds(ctx, []string{g.ourNodeID})
	if err != nil {
		return err
	}
	allOffers, err := g.store.GetActiveOfferIds(ctx, nil)
	if err != nil {
		return err
	}
	selected := randomizeIDs(g.rng, ourOffers, allOffers, g.cfg.MaxBcastedOffers)
	g.log.Debug("discovery: cyclic offer broadcast", "count", len(selected), "ours", len(ourOffers))
	return g.peers.BroadcastOffers(ctx, selected)
}

func (g *Gossip) broadcastUnsubscribesOnce(ctx context.Context) error {
	ourUnsub, err := g.store.GetUnsubscribedOfferIds(ctx, []string{g.ourNodeID})
	if err != nil {
		return err
	}
	allUnsub, err := g.store.GetUnsubscribedOfferIds(ctx, nil)
	if err != nil {
		return err
	}
	selected := randomizeIDs(g.rng, ourUnsub, allUnsub, g.cfg.MaxBcastedUnsubscribes)
	g.log.Debug("discovery: cyclic unsubscribe broadcast", "count", len(selected), "ours", len(ourUnsub))
	return g.peers.BroadcastUnsubscribes(ctx, selected)
}

// randomizeIDs picks a subset that always contains every id in ours, filled
// out to maxTotal with a uniform random sample of the remainder of all,
// ported from cyclic.rs's randomize_offers. Our ids are never dropped: when
// len(ours) exceeds maxTotal the result holds all of ours and is longer than
// maxTotal. The fill count maxTotal-len(ours) is clamped to [0, len(rest)],
// so it never goes negative.
func randomizeIDs(rng *rand.Rand, ours, all []ids.SubscriptionId, maxTotal int) []ids.SubscriptionId {
	ourSet := make(map[string]struct{}, len(ours))
	for _, id := range ours {
		ourSet[id.String()] = struct{}{}
	}

	rest := make([]ids.SubscriptionId, 0, len(all))
	for _, id := range all {
		if _, isOurs := ourSet[id.String()]; !isOurs {
			rest = append(rest, id)
		}
	}

	numToSelect := maxTotal - len(ours)
	if numToSelect < 0 {
		numToSelect = 0
	}
	if numToSelect > len(rest) {
		numToSelect = len(rest)
	}

	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	out := make([]ids.SubscriptionId, 0, len(ours)+numToSelect)
	out = append(out, rest[:numToSelect]...)
	out = append(out, ours...)
	return out
}

// FilterOutKnownOfferIds returns the subset of candidateIDs this node has
// not already seen, i.e. what the caller should push to us (spec.md §4.C).
func (g *Gossip) FilterOutKnownOfferIds(candidateIDs []ids.SubscriptionId) []ids.SubscriptionId {
	out := make([]ids.SubscriptionId, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if !g.seen.Has([]byte(id.String())) {
			out = append(out, id)
		}
	}
	return out
}

// MarkSeen records that id has now been processed locally, so a repeat
// gossip delivery of the same id is suppressed from further propagation
// ("a message is forwarded at most once per local processing", spec.md
// §4.C).
func (g *Gossip) MarkSeen(id ids.SubscriptionId) {
	g.seen.Set([]byte(id.String()), []byte{1})
}

// WasSeen reports whether id has already been processed locally.
func (g *Gossip) WasSeen(id ids.SubscriptionId) bool {
	return g.seen.Has([]byte(id.String()))
}

// GetLocalOffers returns the subset of requested ids we hold locally
// (spec.md §4.C: "return requested offers we hold").
func (g *Gossip) GetLocalOffers(ctx context.Context, requested []ids.SubscriptionId) []RemoteOffer {
	out := make([]RemoteOffer, 0, len(requested))
	for _, id := range requested {
		offer, err := g.store.GetOffer(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, offer)
	}
	return out
}

// ReceiveRemoteOffers saves each inbound offer and reports, per id, whether
// it should be propagated further — suppressed for Exists/Unsubscribed/
// Expired, forwarded otherwise (spec.md §4.A/§4.C). Each accepted id is
// marked seen so a later duplicate delivery of the same offer is not
// re-forwarded ("a message is forwarded at most once per local
// processing").
func (g *Gossip) ReceiveRemoteOffers(ctx context.Context, offers []RemoteOffer) map[ids.SubscriptionId]bool {
	propagate := make(map[ids.SubscriptionId]bool, len(offers))
	for _, offer := range offers {
		if err := g.limiter.Wait(ctx); err != nil {
			return propagate
		}
		if g.WasSeen(offer.ID) {
			propagate[offer.ID] = false
			continue
		}
		err := g.store.SaveOffer(ctx, offer)
		switch {
		case err == nil:
			g.MarkSeen(offer.ID)
			propagate[offer.ID] = true
		case marketerr.SuppressesPropagation(err):
			g.MarkSeen(offer.ID)
			propagate[offer.ID] = false
		default:
			g.log.Warn("discovery: rejecting remote offer", "id", offer.ID, "err", err)
			propagate[offer.ID] = false
		}
	}
	return propagate
}

// ReceiveRemoteOfferUnsubscribes applies a tombstone for each inbound
// unsubscribe id, reporting which ones were new (and so should be
// propagated further).
func (g *Gossip) ReceiveRemoteOfferUnsubscribes(ctx context.Context, unsubscribedBy string, unsubIDs []ids.SubscriptionId) map[ids.SubscriptionId]bool {
	propagate := make(map[ids.SubscriptionId]bool, len(unsubIDs))
	for _, id := range unsubIDs {
		if err := g.limiter.Wait(ctx); err != nil {
			return propagate
		}
		if g.WasSeen(id) {
			propagate[id] = false
			continue
		}
		err := g.store.UnsubscribeOffer(ctx, id, false, unsubscribedBy)
		switch {
		case err == nil:
			g.MarkSeen(id)
			propagate[id] = true
		case marketerr.Is(err, marketerr.Unsubscribed):
			g.MarkSeen(id)
			propagate[id] = false
		default:
			g.log.Warn("discovery: rejecting remote unsubscribe", "id", id, "err", err)
			propagate[id] = false
		}
	}
	return propagate
}
