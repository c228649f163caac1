// Package feed runs one websocket session per configured platform and routes
// every adapter's events into a shared publisher.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/ratelimit"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/providers"
	"github.com/sawpanic/marketfeed/internal/providers/binance"
	"github.com/sawpanic/marketfeed/internal/providers/deribit"
	"github.com/sawpanic/marketfeed/internal/providers/okex"
)

// ErrNoFeeds is returned when no configured platform produced an adapter
var ErrNoFeeds = errors.New("feed: no platform could be started")

// DefaultRegistry registers every built-in adapter
func DefaultRegistry() *providers.Registry {
	r := providers.NewRegistry()
	r.Register(market.PlatformOKEx, okex.Factory)
	r.Register(market.PlatformBinance, binance.Factory)
	r.Register(market.PlatformDeribit, deribit.Factory)
	return r
}

// Options tunes the sessions the runner creates
type Options struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ReconnectEvery    time.Duration
}

// OptionsFrom reads session options from the transport section
func OptionsFrom(t config.TransportConfig) Options {
	return Options{
		HeartbeatInterval: t.HeartbeatInterval,
		HandshakeTimeout:  t.HandshakeTimeout,
		ReconnectEvery:    t.ReconnectEvery,
	}
}

// Feed pairs an adapter with the session driving it
type Feed struct {
	Adapter providers.Adapter
	Session *wsconn.Session
}

// Runner owns the feeds of one process
type Runner struct {
	mu    sync.RWMutex
	feeds map[market.Platform]*Feed
}

// New builds an adapter and session for each platform. Platforms whose
// adapter cannot be built are logged and skipped; ErrNoFeeds is returned
// only when nothing is left.
func New(settings []config.PlatformSettings, reg *providers.Registry, pub providers.Publisher, m *metrics.Collector, opts Options) (*Runner, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ReconnectEvery <= 0 {
		opts.ReconnectEvery = 2 * time.Second
	}
	// one limiter per runner; hosts get independent buckets
	limiter := ratelimit.NewLimiter(opts.ReconnectEvery, 1)

	r := &Runner{feeds: make(map[market.Platform]*Feed)}
	for _, ps := range settings {
		a, err := reg.New(ps.Platform, ps.Settings, pub, m)
		if err != nil {
			log.Warn().Err(err).Str("platform", ps.Platform.String()).Msg("platform skipped")
			continue
		}
		r.feeds[ps.Platform] = &Feed{
			Adapter: a,
			Session: wsconn.NewSession(wsconn.Config{
				Name:              ps.Platform.String(),
				URL:               a.Endpoint(),
				Heartbeat:         a.Heartbeat(),
				HeartbeatInterval: opts.HeartbeatInterval,
				HandshakeTimeout:  opts.HandshakeTimeout,
				Limiter:           limiter,
			}, a),
		}
		log.Info().Str("platform", ps.Platform.String()).Str("url", a.Endpoint()).Msg("platform configured")
	}
	if len(r.feeds) == 0 {
		return nil, ErrNoFeeds
	}
	return r, nil
}

// Run drives every session until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	r.mu.RLock()
	for p, f := range r.feeds {
		p, f := p, f
		g.Go(func() error {
			err := f.Session.Run(ctx)
			log.Info().Str("platform", p.String()).Msg("feed stopped")
			return err
		})
	}
	r.mu.RUnlock()
	return g.Wait()
}

// Statuses reports each feed's connection state
func (r *Runner) Statuses() map[market.Platform]wsconn.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[market.Platform]wsconn.Status, len(r.feeds))
	for p, f := range r.feeds {
		out[p] = f.Session.Status()
	}
	return out
}

// Feed returns the feed of p
func (r *Runner) Feed(p market.Platform) (*Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[p]
	return f, ok
}

// Platforms lists the running platforms in market.Platforms order
func (r *Runner) Platforms() []market.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []market.Platform
	for _, p := range market.Platforms() {
		if _, ok := r.feeds[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
