// Package okex adapts the OKEx v3 spot websocket feed. Frames arrive raw
// deflated; order books are rebuilt locally from a partial snapshot plus
// incremental updates.
package okex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/frame"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/orderbook"
	"github.com/sawpanic/marketfeed/internal/providers"
)

const (
	DefaultWSS   = "wss://real.okex.com:10442"
	DefaultDepth = 20

	wsPath    = "/ws/v3"
	heartbeat = "ping"

	tableDepth  = "spot/depth"
	tableTrade  = "spot/trade"
	tableCandle = "spot/candle60s"
)

// Adapter is the OKEx spot adapter. It owns its order book engine.
type Adapter struct {
	wss    string
	depth  int
	subs   providers.Subscriptions
	engine *orderbook.Engine
	pub    providers.Publisher
	obs    *providers.Observer
}

// New builds an adapter from settings. It fails when no configured channel
// yields a subscription.
func New(s providers.Settings, pub providers.Publisher, m *metrics.Collector) (*Adapter, error) {
	obs := providers.NewObserver(market.PlatformOKEx, m)
	a := &Adapter{
		wss:    s.WSS,
		depth:  s.Depth,
		engine: orderbook.NewEngine(),
		pub:    pub,
		obs:    obs,
	}
	if a.wss == "" {
		a.wss = DefaultWSS
	}
	if a.depth <= 0 {
		a.depth = DefaultDepth
	}
	a.subs = providers.BuildSubscriptions(s.Symbols, s.Channels, channelName, *obs.Logger())
	if a.subs.Len() == 0 {
		return nil, fmt.Errorf("okex: %w", providers.ErrNoSubscriptions)
	}
	return a, nil
}

// Factory registers the adapter with a providers.Registry
func Factory(s providers.Settings, pub providers.Publisher, m *metrics.Collector) (providers.Adapter, error) {
	a, err := New(s, pub, m)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func channelName(c market.Channel, s market.Symbol) (string, error) {
	switch c {
	case market.ChannelOrderbook:
		return tableDepth + ":" + s.Hyphen(), nil
	case market.ChannelTrade:
		return tableTrade + ":" + s.Hyphen(), nil
	case market.ChannelKline:
		return tableCandle + ":" + s.Hyphen(), nil
	}
	return "", fmt.Errorf("%w: %s", providers.ErrUnsupportedChannel, c)
}

func (a *Adapter) Platform() market.Platform { return market.PlatformOKEx }

func (a *Adapter) Endpoint() string {
	return strings.TrimRight(a.wss, "/") + wsPath
}

func (a *Adapter) Heartbeat() any { return heartbeat }

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (a *Adapter) SubscriptionPayload() (any, error) {
	return subscribeRequest{Op: "subscribe", Args: a.subs.Tokens()}, nil
}

// OnConnected drops all book state, since a new connection starts with
// fresh partials, and resubscribes.
func (a *Adapter) OnConnected(ctx context.Context, s wsconn.Sender) error {
	a.engine.Reset()
	a.obs.Connected()
	if err := providers.SendSubscription(ctx, a, s); err != nil {
		return err
	}
	a.obs.Logger().Info().Strs("args", a.subs.Tokens()).Msg("subscribed")
	return nil
}

// OnMessage decodes one frame and dispatches it by table and action
func (a *Adapter) OnMessage(_ context.Context, f wsconn.Frame) {
	a.obs.Frame()

	msg, err := frame.Decode(f.Binary, f.Data)
	if err != nil {
		a.obs.DecodeError(err)
		return
	}
	if msg.Kind == frame.KindHeartbeat {
		a.obs.Heartbeat()
		return
	}

	var env envelope
	if err := env.decode(msg.Body); err != nil {
		a.obs.Unrecognized(msg.Body)
		return
	}

	switch {
	case env.Event != "":
		a.handleEvent(env)
	case env.Table == tableDepth && env.Action == "partial":
		a.eachRecord(env, a.handlePartial)
	case env.Table == tableDepth && env.Action == "update":
		a.eachRecord(env, a.handleUpdate)
	case env.Table == tableTrade:
		a.eachRecord(env, a.handleTrade)
	case env.Table == tableCandle:
		a.eachRecord(env, a.handleCandle)
	default:
		a.obs.Unrecognized(msg.Body)
	}
}

// eachRecord runs fn per data record so one malformed record never affects
// another symbol
func (a *Adapter) eachRecord(env envelope, fn func(table string, rec record)) {
	for _, raw := range env.Data {
		var rec record
		if err := rec.decode(raw); err != nil {
			a.obs.ParseError("", err)
			continue
		}
		fn(env.Table, rec)
	}
}

func (a *Adapter) route(table string, rec record) (market.Symbol, bool) {
	token := table + ":" + rec.InstrumentID
	r, ok := a.subs.Lookup(token)
	if !ok {
		a.obs.Unmapped(token)
		return "", false
	}
	return r.Symbol, true
}

func (a *Adapter) handlePartial(table string, rec record) {
	sym, ok := a.route(table, rec)
	if !ok {
		return
	}
	asks, bids, ts, err := rec.book()
	if err != nil {
		a.obs.ParseError(sym, err)
		return
	}
	a.engine.ApplySnapshot(sym, asks, bids, ts)
	a.publishBook(sym)
}

func (a *Adapter) handleUpdate(table string, rec record) {
	sym, ok := a.route(table, rec)
	if !ok {
		return
	}
	asks, bids, ts, err := rec.book()
	if err != nil {
		a.obs.ParseError(sym, err)
		return
	}
	if err := a.engine.ApplyUpdate(sym, asks, bids, ts); err != nil {
		a.obs.NotLive(sym)
		return
	}
	a.publishBook(sym)
}

func (a *Adapter) publishBook(sym market.Symbol) {
	d, err := a.engine.Publishable(sym, a.depth)
	if err != nil {
		if errors.Is(err, orderbook.ErrEmptySide) || errors.Is(err, orderbook.ErrCrossedBook) {
			a.obs.Inconsistent(sym, err)
			return
		}
		a.obs.NotLive(sym)
		return
	}
	providers.Emit(a.pub, a.obs, &market.Orderbook{
		Platform:  market.PlatformOKEx,
		Symbol:    sym,
		Asks:      d.Asks,
		Bids:      d.Bids,
		Timestamp: d.Timestamp,
	})
}

func (a *Adapter) handleTrade(table string, rec record) {
	sym, ok := a.route(table, rec)
	if !ok {
		return
	}
	ev, err := rec.trade(sym)
	if err != nil {
		a.obs.ParseError(sym, err)
		return
	}
	providers.Emit(a.pub, a.obs, ev)
}

func (a *Adapter) handleCandle(table string, rec record) {
	sym, ok := a.route(table, rec)
	if !ok {
		return
	}
	ev, err := rec.kline(sym)
	if err != nil {
		a.obs.ParseError(sym, err)
		return
	}
	providers.Emit(a.pub, a.obs, ev)
}

func (a *Adapter) handleEvent(env envelope) {
	logger := a.obs.Logger()
	switch env.Event {
	case "subscribe":
		logger.Info().Str("channel", env.Channel).Msg("subscription confirmed")
	case "error":
		logger.Error().Str("message", env.Message).Str("code", env.ErrorCode.String()).Msg("exchange error")
	default:
		logger.Debug().Str("event", env.Event).Msg("event ignored")
	}
}
