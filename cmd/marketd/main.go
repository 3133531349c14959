// Command marketd runs the decentralized computation marketplace daemon:
// it wires every spec.md §4 component together and serves the spec.md §6
// peer overlay transport plus the background gossip/batch/sync-notif tasks,
// the way _examples/luxfi-evm/cmd/evm-node/main.go assembles its node out of
// independently constructed components behind a urfave/cli/v2 app.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/golemcore/market/internal/bus"
	"github.com/golemcore/market/internal/config"
	"github.com/golemcore/market/internal/ids"
	"github.com/golemcore/market/internal/market/discovery"
	"github.com/golemcore/market/internal/market/events"
	"github.com/golemcore/market/internal/market/ledger"
	"github.com/golemcore/market/internal/market/negotiation"
	"github.com/golemcore/market/internal/market/negotiator"
	"github.com/golemcore/market/internal/market/resolver"
	"github.com/golemcore/market/internal/market/store"
	"github.com/golemcore/market/internal/payment/batch"
	"github.com/golemcore/market/internal/payment/driver"
	"github.com/golemcore/market/internal/payment/syncnotif"
	"github.com/golemcore/market/internal/persistence"
	"github.com/golemcore/market/internal/xlog"
	"github.com/golemcore/market/internal/xmetrics"
)

func main() {
	fs := pflag.NewFlagSet("marketd", pflag.ContinueOnError)
	config.Flags(fs)

	app := &cli.App{
		Name:  "marketd",
		Usage: "decentralized computation marketplace daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a config file (viper-format)"},
			&cli.StringFlag{Name: "node-id", Value: "local", Usage: "this node's overlay peer id"},
			&cli.StringFlag{Name: "db", Value: "marketd.db", Usage: "sqlite DSN (use :memory: for ephemeral runs)"},
			&cli.StringFlag{Name: "listen", Value: ":7465", Usage: "address the overlay HTTP service listens on"},
			&cli.StringSliceFlag{Name: "peer", Usage: "known peer as node_id=base_url, repeatable"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace|debug|info|warn|error|crit"},
		},
		Action: run,
	}
	app.Flags = append(app.Flags, cliFlagsFromPflag(fs)...)

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliFlagsFromPflag is deliberately empty: config.Flags can register the
// domain knobs (discovery cadence, batch cycle, sync-notif retry schedule)
// on a pflag.FlagSet, but marketd neither parses such a set nor passes one to
// config.Load (run passes nil). It exposes only the handful of urfave/cli
// flags above at the process boundary — the rest come from --config,
// MARKET_ environment variables or config's built-in defaults, matching the
// teacher's own split between a small cli.Flags surface and a much larger
// viper-bound config object.
func cliFlagsFromPflag(*pflag.FlagSet) []cli.Flag { return nil }

func run(c *cli.Context) error {
	level, err := xlog.LvlFromString(c.String("log-level"))
	if err != nil {
		return err
	}
	lv := &slog.LevelVar{}
	lv.Set(level)
	log := xlog.New(xlog.NewTerminalHandler(os.Stderr, lv), level)
	xlog.SetRoot(log)

	cfg, err := config.Load(c.String("config"), nil)
	if err != nil {
		return fmt.Errorf("marketd: loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := persistence.Open(ctx, c.String("db"))
	if err != nil {
		return fmt.Errorf("marketd: opening database: %w", err)
	}
	defer db.Close()

	metrics := xmetrics.NewSet()
	nodeID := c.String("node-id")

	subs, err := store.New(ctx, db, nil)
	if err != nil {
		return fmt.Errorf("marketd: constructing subscription store: %w", err)
	}
	eventsDB, err := events.New(db, subs, nil, metrics, 1024)
	if err != nil {
		return fmt.Errorf("marketd: constructing event store: %w", err)
	}

	ledgerDB := ledger.New(db)
	if err := ledgerDB.RunPostMigrationJobs(ctx); err != nil {
		return fmt.Errorf("marketd: running ledger post-migration jobs: %w", err)
	}

	drv := driver.NewFake()
	verifier := &driver.Verifier{Driver: drv, NodeID: nodeID}
	negotiate := negotiation.New(db, eventsDB, verifier, nil, metrics)

	pipeline := buildNegotiatorPipeline(cfg)
	res := resolver.New()

	dir := bus.NewStaticDirectory()
	for _, kv := range c.StringSlice("peer") {
		id, addr, ok := splitPeer(kv)
		if !ok {
			log.Warn("marketd: ignoring malformed --peer entry", "value", kv)
			continue
		}
		dir.Set(id, addr)
	}
	outbound := bus.New(nodeID, dir, storeDiscoveryAdapter{subs}, nil)

	gossip := discovery.New(nodeID, storeDiscoveryAdapter{subs}, outbound, discovery.Config{
		MeanBcastOffersInterval:       cfg.Discovery.MeanCyclicBcastInterval,
		MaxBcastedOffers:              cfg.Discovery.MaxBcastedOffers,
		MeanBcastUnsubscribesInterval: cfg.Discovery.MeanCyclicUnsubscribesInterval,
		MaxBcastedUnsubscribes:        cfg.Discovery.MaxBcastedUnsubscribes,
	}, log.With("component", "discovery"), metrics, 1<<20)

	batchCtl := batch.New(db, drv, cfg.Payment.BatchCycle, log.With("component", "batch"), metrics, nil, 16)
	notifier := syncnotif.New(db, drv, outbound, cfg.SyncNotif, nil, log.With("component", "syncnotif"), metrics)

	svc := bus.NewMarketService(ownerForNode(nodeID), negotiate, gossip, notifier, log.With("component", "bus"))
	handler, err := bus.Handler(svc)
	if err != nil {
		return fmt.Errorf("marketd: building JSON-RPC handler: %w", err)
	}

	httpSrv := &http.Server{Addr: c.String("listen"), Handler: handler}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("marketd: overlay HTTP server stopped", "err", err)
		}
	}()

	if err := resumeBatchCycles(ctx, db, batchCtl); err != nil {
		log.Warn("marketd: resuming batch cycles", "err", err)
	}

	go gossip.RunBroadcastOffers(ctx)
	go gossip.RunBroadcastUnsubscribes(ctx)
	go notifier.Run(ctx)
	go bridgeResolverToNegotiation(ctx, log, res, pipeline, negotiate, ownerForNode(nodeID))

	log.Info("marketd: started", "node_id", nodeID, "listen", c.String("listen"))
	<-ctx.Done()
	log.Info("marketd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// resumeBatchCycles starts Controller.RunCycle for every (owner, platform)
// pair with a pre-existing allocation, so a restarted daemon picks back up
// dispatching instead of waiting for a fresh acceptance to first name the
// pair.
func resumeBatchCycles(ctx context.Context, db *persistence.DB, ctl *batch.Controller) error {
	rows, err := db.Conn().QueryContext(ctx, `SELECT DISTINCT owner_id, platform FROM allocations`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ownerID, platform string
		if err := rows.Scan(&ownerID, &platform); err != nil {
			return err
		}
		ctl.EnsureCycle(ctx, ownerID, platform)
	}
	return rows.Err()
}

func ownerForNode(nodeID string) ids.Owner {
	// A single marketd process plays one role (Provider offering compute, or
	// Requestor consuming it) for the lifetime of the process; which role is
	// an operational choice, not derivable from nodeID, so it defaults to
	// Provider and is meant to be overridden by a future --role flag once
	// dual-role operation is needed.
	_ = nodeID
	return ids.Provider
}

func splitPeer(kv string) (id, addr string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// storeDiscoveryAdapter satisfies market/discovery.Store over a
// *market/store.Store, translating between store.Subscription's wire-shape
// fields (Properties/Constraints as raw strings) and discovery.RemoteOffer —
// the two packages deliberately don't import each other (see each's package
// doc), so the adapter lives here at the wiring root.
type storeDiscoveryAdapter struct{ s *store.Store }

func (a storeDiscoveryAdapter) GetActiveOfferIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error) {
	return a.s.GetActiveOfferIds(ctx, owners)
}

func (a storeDiscoveryAdapter) GetUnsubscribedOfferIds(ctx context.Context, owners []string) ([]ids.SubscriptionId, error) {
	return a.s.GetUnsubscribedOfferIds(ctx, owners)
}

func (a storeDiscoveryAdapter) GetOffer(ctx context.Context, id ids.SubscriptionId) (discovery.RemoteOffer, error) {
	sub, err := a.s.GetOffer(ctx, id)
	if err != nil {
		return discovery.RemoteOffer{}, err
	}
	return discovery.RemoteOffer{
		ID: sub.ID, NodeID: sub.NodeID, Properties: sub.Properties,
		Constraints: sub.Constraints, CreationTS: sub.CreationTS, ExpirationTS: sub.ExpirationTS,
	}, nil
}

func (a storeDiscoveryAdapter) SaveOffer(ctx context.Context, offer discovery.RemoteOffer) error {
	return a.s.SaveOffer(ctx, store.Subscription{
		ID: offer.ID, Kind: store.KindOffer, NodeID: offer.NodeID, Properties: offer.Properties,
		Constraints: offer.Constraints, CreationTS: offer.CreationTS, ExpirationTS: offer.ExpirationTS,
	})
}

func (a storeDiscoveryAdapter) UnsubscribeOffer(ctx context.Context, id ids.SubscriptionId, byOwner bool, caller string) error {
	return a.s.UnsubscribeOffer(ctx, id, byOwner, caller)
}

// buildNegotiatorPipeline wires the built-in components spec.md §4.E names,
// bound to their configured (min, max, default) triples.
func buildNegotiatorPipeline(cfg *config.Config) *negotiator.Pipeline {
	p := negotiator.New()
	if b, ok := cfg.Negotiator["debit-note-interval"]; ok {
		p.Add(negotiator.NewDebitNoteInterval(b))
	}
	if b, ok := cfg.Negotiator["expiration"]; ok {
		p.Add(negotiator.NewExpiration(b))
	}
	if b, ok := cfg.Negotiator["payment-timeout"]; ok {
		p.Add(negotiator.NewPaymentTimeout(b))
	}
	if b, ok := cfg.Negotiator["max-agreement-expiration"]; ok {
		p.Add(negotiator.NewMaxAgreementExpiration(b))
	}
	return p
}

// bridgeResolverToNegotiation drains the Resolver's match queue (spec.md
// §4.B/§4.D: "the resolver emits RawProposals consumed by the
// requestor-side Negotiation Engine") and creates the Initial proposal for
// every match the negotiator pipeline fills a template for.
func bridgeResolverToNegotiation(ctx context.Context, log *xlog.Logger, res *resolver.Resolver, pipeline *negotiator.Pipeline, negotiate *negotiation.Engine, owner ids.Owner) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-res.Proposals():
			if !ok {
				return
			}
			offer, err := pipeline.FillTemplate(negotiator.Offer{Constraints: raw.Offer.Constraints})
			if err != nil {
				log.Warn("marketd: negotiator template fill rejected match", "offer_id", raw.Offer.ID, "err", err)
				continue
			}
			properties, err := json.Marshal(offer.Properties)
			if err != nil {
				log.Error("marketd: marshaling negotiator-filled properties", "err", err)
				continue
			}
			if _, err := negotiate.CreateInitialProposal(ctx, raw.Offer.ID, raw.Demand.ID, string(properties), offer.Constraints, owner); err != nil {
				log.Warn("marketd: creating initial proposal", "offer_id", raw.Offer.ID, "demand_id", raw.Demand.ID, "err", err)
			}
		}
	}
}
