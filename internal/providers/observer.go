package providers

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
)

// crossedLogInterval bounds how often an inconsistent book is logged per symbol
const crossedLogInterval = 10 * time.Second

// Observer records what an adapter decided: logs and metrics only, never
// control flow. Like the adapter it belongs to, it is used from a single
// goroutine.
type Observer struct {
	platform string
	logger   zerolog.Logger
	metrics  *metrics.Collector
	crossed  map[market.Symbol]*rate.Sometimes
}

// NewObserver creates an observer for platform. A nil collector gets a
// private one so adapters never need nil checks.
func NewObserver(p market.Platform, m *metrics.Collector) *Observer {
	if m == nil {
		m = metrics.NewCollector()
	}
	return &Observer{
		platform: p.String(),
		logger:   log.With().Str("platform", p.String()).Logger(),
		metrics:  m,
		crossed:  make(map[market.Symbol]*rate.Sometimes),
	}
}

// Logger returns the platform-scoped logger
func (o *Observer) Logger() *zerolog.Logger {
	return &o.logger
}

func (o *Observer) Connected() {
	o.metrics.Connections.WithLabelValues(o.platform).Inc()
}

func (o *Observer) Frame() {
	o.metrics.FramesReceived.WithLabelValues(o.platform).Inc()
}

func (o *Observer) Heartbeat() {
	o.metrics.Heartbeats.WithLabelValues(o.platform).Inc()
}

// DecodeError records a frame that could not be inflated or parsed
func (o *Observer) DecodeError(err error) {
	o.metrics.Drop(o.platform, metrics.ReasonDecode)
	o.logger.Error().Err(err).Msg("frame decode failed")
}

// Unrecognized records a well-formed message with an unknown shape
func (o *Observer) Unrecognized(body json.RawMessage) {
	o.metrics.Drop(o.platform, metrics.ReasonUnrecognized)
	o.logger.Warn().RawJSON("msg", truncate(body)).Msg("unrecognized message")
}

// Unmapped records a message whose routing token was never subscribed
func (o *Observer) Unmapped(token string) {
	o.metrics.Drop(o.platform, metrics.ReasonUnmapped)
	o.logger.Warn().Str("token", token).Msg("unknown channel")
}

// ParseError records a message with the expected shape but bad field values
func (o *Observer) ParseError(symbol market.Symbol, err error) {
	o.metrics.Drop(o.platform, metrics.ReasonParse)
	o.logger.Error().Err(err).Str("symbol", symbol.String()).Msg("message parse failed")
}

// NotLive records an update that arrived before its snapshot
func (o *Observer) NotLive(symbol market.Symbol) {
	o.metrics.Drop(o.platform, metrics.ReasonNotLive)
	o.logger.Warn().Str("symbol", symbol.String()).Msg("update before snapshot dropped")
}

// Inconsistent records a suppressed order book publish. The warning is
// throttled per symbol; the counter is not.
func (o *Observer) Inconsistent(symbol market.Symbol, err error) {
	o.metrics.Drop(o.platform, metrics.ReasonInconsistent)
	o.metrics.InconsistentBooks.WithLabelValues(o.platform, symbol.String()).Inc()

	s, ok := o.crossed[symbol]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: crossedLogInterval}
		o.crossed[symbol] = s
	}
	s.Do(func() {
		o.logger.Warn().Err(err).Str("symbol", symbol.String()).Msg("inconsistent order book, publish suppressed")
	})
}

// Stale records a message dropped by a timestamp guard
func (o *Observer) Stale(ts, last int64) {
	o.metrics.Drop(o.platform, metrics.ReasonStale)
	o.logger.Debug().Int64("ts", ts).Int64("last", last).Msg("stale message dropped")
}

// Published records an event handed to the publisher
func (o *Observer) Published(ev market.Event) {
	o.metrics.EventsPublished.WithLabelValues(o.platform, string(ev.Kind())).Inc()
	o.logger.Debug().Str("kind", string(ev.Kind())).Str("symbol", ev.Instrument().String()).Int64("ts", ev.EventTime()).Msg("event published")
}

func truncate(body json.RawMessage) json.RawMessage {
	const maxLogged = 512
	if len(body) <= maxLogged {
		return body
	}
	// RawJSON needs valid JSON, so fall back to a quoted prefix
	b, _ := json.Marshal(string(body[:maxLogged]) + "...")
	return b
}
