// Package config loads the daemon's configuration from file and environment
// the way cmd/evm-node wires its flags: spf13/viper as the source of truth,
// pflag for CLI overrides, spf13/cast for tolerant type coercion. The field
// set mirrors spec.md §6 exactly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Discovery holds the gossip cadence knobs of spec.md §4.C / §6.
type Discovery struct {
	MeanCyclicBcastInterval       time.Duration
	MaxBcastedOffers              int
	MeanCyclicUnsubscribesInterval time.Duration
	MaxBcastedUnsubscribes        int
}

// NegotiatorBound is one `negotiator.<component>.{min,max,default}` block.
type NegotiatorBound struct {
	Min     float64
	Max     float64
	Default float64
}

// BatchCycle holds the payment batch controller's cadence (spec.md §4.F).
type BatchCycle struct {
	Interval time.Duration
	MaxItems int
}

// SyncNotif holds the payment sync notifier's retry schedule (spec.md §4.I).
type SyncNotif struct {
	BaseDelay  time.Duration
	Ratio      float64
	MaxRetries int
}

// Config is the full, validated configuration surface for the daemon.
type Config struct {
	SubscriptionDefaultTTL time.Duration
	Discovery              Discovery
	Negotiator             map[string]NegotiatorBound
	Payment                struct {
		BatchCycle BatchCycle
	}
	EventStoreRetentionDays int
	SyncNotif               SyncNotif
}

// defaultNegotiators matches the built-in components named in spec.md §4.E.
var defaultNegotiators = map[string]NegotiatorBound{
	"debit-note-interval":     {Min: 60, Max: 3600 * 24, Default: 120},
	"expiration":              {Min: 30, Max: 3600 * 24 * 365, Default: 1800},
	"payment-timeout":         {Min: 60, Max: 3600 * 24 * 30, Default: 120},
	"max-agreement-expiration": {Min: 3600, Max: 3600 * 24 * 365, Default: 3600 * 24 * 30},
}

// New returns a Config with spec.md §6's documented defaults.
func New() *Config {
	c := &Config{
		SubscriptionDefaultTTL: time.Hour,
		Discovery: Discovery{
			MeanCyclicBcastInterval:        5 * time.Second,
			MaxBcastedOffers:               50,
			MeanCyclicUnsubscribesInterval: 5 * time.Second,
			MaxBcastedUnsubscribes:         50,
		},
		Negotiator: cloneNegotiators(defaultNegotiators),
		EventStoreRetentionDays: 1,
		SyncNotif: SyncNotif{
			BaseDelay:  30 * time.Second,
			Ratio:      6,
			MaxRetries: 7,
		},
	}
	c.Payment.BatchCycle = BatchCycle{Interval: time.Minute, MaxItems: 100}
	return c
}

func cloneNegotiators(m map[string]NegotiatorBound) map[string]NegotiatorBound {
	out := make(map[string]NegotiatorBound, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Flags registers the CLI override surface onto fs; Load binds a non-nil fs
// into its viper instance with BindPFlags — the same two-step viper+pflag
// wiring the teacher's cmd packages use.
func Flags(fs *pflag.FlagSet) {
	fs.Duration("subscription.default-ttl", time.Hour, "default offer/demand TTL")
	fs.Duration("discovery.mean-cyclic-bcast-interval", 5*time.Second, "mean offer broadcast interval")
	fs.Int("discovery.max-bcasted-offers", 50, "max offer ids per broadcast")
	fs.Duration("discovery.mean-cyclic-unsubscribes-interval", 5*time.Second, "mean unsubscribe broadcast interval")
	fs.Int("discovery.max-bcasted-unsubscribes", 50, "max unsubscribe ids per broadcast")
	fs.Duration("payment.batch-cycle.interval", time.Minute, "payment batch cycle interval")
	fs.Int("payment.batch-cycle.max-items", 100, "max items dispatched per batch cycle")
	fs.Int("event-store.retention-days", 1, "event retention in days before GC")
	fs.Duration("sync-notif.base-delay", 30*time.Second, "payment sync notifier base retry delay")
	fs.Float64("sync-notif.ratio", 6, "payment sync notifier backoff ratio")
	fs.Int("sync-notif.max-retries", 7, "payment sync notifier max retries")
}

// Load reads configFile (if non-empty) plus MARKET_-prefixed environment
// variables and CLI flags already registered via Flags, in that ascending
// precedence order, and returns a validated Config.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	c := New()
	v.SetDefault("subscription.default-ttl", c.SubscriptionDefaultTTL)
	v.SetDefault("discovery.mean-cyclic-bcast-interval", c.Discovery.MeanCyclicBcastInterval)
	v.SetDefault("discovery.max-bcasted-offers", c.Discovery.MaxBcastedOffers)
	v.SetDefault("discovery.mean-cyclic-unsubscribes-interval", c.Discovery.MeanCyclicUnsubscribesInterval)
	v.SetDefault("discovery.max-bcasted-unsubscribes", c.Discovery.MaxBcastedUnsubscribes)
	v.SetDefault("payment.batch-cycle.interval", c.Payment.BatchCycle.Interval)
	v.SetDefault("payment.batch-cycle.max-items", c.Payment.BatchCycle.MaxItems)
	v.SetDefault("event-store.retention-days", c.EventStoreRetentionDays)
	v.SetDefault("sync-notif.base-delay", c.SyncNotif.BaseDelay)
	v.SetDefault("sync-notif.ratio", c.SyncNotif.Ratio)
	v.SetDefault("sync-notif.max-retries", c.SyncNotif.MaxRetries)
	c.SubscriptionDefaultTTL = v.GetDuration("subscription.default-ttl")
	c.Discovery.MeanCyclicBcastInterval = v.GetDuration("discovery.mean-cyclic-bcast-interval")
	c.Discovery.MaxBcastedOffers = v.GetInt("discovery.max-bcasted-offers")
	c.Discovery.MeanCyclicUnsubscribesInterval = v.GetDuration("discovery.mean-cyclic-unsubscribes-interval")
	c.Discovery.MaxBcastedUnsubscribes = v.GetInt("discovery.max-bcasted-unsubscribes")
	c.Payment.BatchCycle.Interval = v.GetDuration("payment.batch-cycle.interval")
	c.Payment.BatchCycle.MaxItems = v.GetInt("payment.batch-cycle.max-items")
	c.EventStoreRetentionDays = v.GetInt("event-store.retention-days")
	c.SyncNotif.BaseDelay = v.GetDuration("sync-notif.base-delay")
	c.SyncNotif.Ratio = cast.ToFloat64(v.Get("sync-notif.ratio"))
	if c.SyncNotif.Ratio == 0 {
		c.SyncNotif.Ratio = 6
	}
	c.SyncNotif.MaxRetries = v.GetInt("sync-notif.max-retries")

	if negotiators, ok := v.Get("negotiator").(map[string]any); ok {
		for name, raw := range negotiators {
			bound, exists := c.Negotiator[name]
			if !exists {
				bound = NegotiatorBound{}
			}
			if m, ok := raw.(map[string]any); ok {
				if val, ok := m["min"]; ok {
					bound.Min = cast.ToFloat64(val)
				}
				if val, ok := m["max"]; ok {
					bound.Max = cast.ToFloat64(val)
				}
				if val, ok := m["default"]; ok {
					bound.Default = cast.ToFloat64(val)
				}
			}
			c.Negotiator[name] = bound
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks min <= default <= max for each negotiator bound, a positive
// payment batch-cycle interval, and the sync-notif schedule (positive base
// delay, ratio > 1, max_retries >= 0). Discovery intervals and the
// subscription TTL are not checked.
func (c *Config) Validate() error {
	for name, b := range c.Negotiator {
		if b.Min > b.Max {
			return fmt.Errorf("config: negotiator %q has min %v > max %v", name, b.Min, b.Max)
		}
		if b.Default < b.Min || b.Default > b.Max {
			return fmt.Errorf("config: negotiator %q default %v outside [%v, %v]", name, b.Default, b.Min, b.Max)
		}
	}
	if c.Payment.BatchCycle.Interval <= 0 {
		return fmt.Errorf("config: payment.batch_cycle.interval must be positive")
	}
	if c.SyncNotif.BaseDelay <= 0 || c.SyncNotif.Ratio <= 1 || c.SyncNotif.MaxRetries < 0 {
		return fmt.Errorf("config: invalid sync_notif parameters")
	}
	return nil
}
