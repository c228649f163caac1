// Package stream fans normalized market events out to downstream sinks
// without ever blocking the ingestion path.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
)

// Common errors
var (
	ErrQueueFull = errors.New("stream: publish queue full")
	ErrNoSinks   = errors.New("stream: no sinks configured")
)

// Sink delivers envelopes to one downstream system
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e *Envelope) error
}

// BusConfig controls queueing and per-sink protection
type BusConfig struct {
	Buffer              int
	DeliverTimeout      time.Duration
	DrainTimeout        time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultBusConfig returns the defaults used when config leaves fields empty
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Buffer:              4096,
		DeliverTimeout:      2 * time.Second,
		DrainTimeout:        5 * time.Second,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

type guardedSink struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// Bus is a bounded, fire-and-forget publisher. Publish enqueues or drops;
// a single worker started by Run wraps each event in an Envelope and hands
// it to every sink through that sink's circuit breaker.
type Bus struct {
	cfg     BusConfig
	queue   chan market.Event
	sinks   []guardedSink
	metrics *metrics.Collector
	logger  zerolog.Logger

	dropMu   sync.Mutex
	dropLogs time.Time
}

// NewBus creates a bus delivering to sinks
func NewBus(cfg BusConfig, m *metrics.Collector, sinks ...Sink) *Bus {
	def := DefaultBusConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if m == nil {
		m = metrics.NewCollector()
	}

	b := &Bus{
		cfg:     cfg,
		queue:   make(chan market.Event, cfg.Buffer),
		metrics: m,
		logger:  log.With().Str("component", "stream").Logger(),
	}
	for _, s := range sinks {
		b.sinks = append(b.sinks, guardedSink{sink: s, cb: b.newBreaker(s.Name())})
	}
	return b
}

func (b *Bus) newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.MaxRequests = 1
	st.Timeout = b.cfg.OpenTimeout
	failures := b.cfg.ConsecutiveFailures
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= failures
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		b.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		b.logger.Warn().Str("sink", name).Str("from", from.String()).Str("to", to.String()).Msg("sink breaker state changed")
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Publish enqueues ev without blocking. When the queue is full the event is
// dropped and counted.
func (b *Bus) Publish(ev market.Event) {
	select {
	case b.queue <- ev:
		b.metrics.QueueDepth.Set(float64(len(b.queue)))
	default:
		b.metrics.QueueDropped.Inc()
		b.logDrop(ev)
	}
}

// logDrop warns at most once per second while the queue stays full
func (b *Bus) logDrop(ev market.Event) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	if time.Since(b.dropLogs) < time.Second {
		return
	}
	b.dropLogs = time.Now()
	b.logger.Warn().Err(ErrQueueFull).Str("platform", ev.Source().String()).Str("symbol", ev.Instrument().String()).Msg("event dropped")
}

// Run delivers queued events until ctx is cancelled, then drains whatever
// is still queued within DrainTimeout.
func (b *Bus) Run(ctx context.Context) error {
	if len(b.sinks) == 0 {
		b.logger.Warn().Err(ErrNoSinks).Msg("events will be discarded")
	}
	// in-flight deliveries are bounded by DeliverTimeout, not by shutdown
	dctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case ev := <-b.queue:
			b.metrics.QueueDepth.Set(float64(len(b.queue)))
			b.dispatch(dctx, ev)
		}
	}
}

func (b *Bus) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		default:
			b.metrics.QueueDepth.Set(0)
			return
		}
		if ctx.Err() != nil {
			b.logger.Warn().Int("remaining", len(b.queue)).Msg("drain timed out")
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev market.Event) {
	env, err := NewEnvelope(ev)
	if err != nil {
		b.logger.Error().Err(err).Msg("envelope build failed")
		return
	}
	env.SetHeader(HeaderPlatform, env.Source)
	env.SetHeader(HeaderChannel, string(env.Kind))
	env.SetHeader(HeaderDispatchedAt, time.Now().UTC().Format(time.RFC3339Nano))
	for _, gs := range b.sinks {
		b.deliver(ctx, gs, env)
	}
}

func (b *Bus) deliver(ctx context.Context, gs guardedSink, env *Envelope) {
	name := gs.sink.Name()
	start := time.Now()
	_, err := gs.cb.Execute(func() (interface{}, error) {
		dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliverTimeout)
		defer cancel()
		return nil, gs.sink.Deliver(dctx, env)
	})
	b.metrics.SinkLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	b.metrics.SinkErrors.WithLabelValues(name).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug().Str("sink", name).Msg("sink breaker open, envelope skipped")
		return
	}
	b.logger.Error().Err(err).Str("sink", name).Str("key", env.Key()).Msg("delivery failed")
}

// Pending is the number of queued events
func (b *Bus) Pending() int {
	return len(b.queue)
}

// SinkStates reports each sink's breaker state
func (b *Bus) SinkStates() map[string]string {
	out := make(map[string]string, len(b.sinks))
	for _, gs := range b.sinks {
		out[gs.sink.Name()] = gs.cb.State().String()
	}
	return out
}
