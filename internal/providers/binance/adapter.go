// Package binance adapts the Binance combined-stream websocket. Every push
// is self-contained, so no local book is kept.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/frame"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/providers"
)

const (
	DefaultWSS = "wss://stream.binance.com:9443"

	streamKline = "kline_1m"
	streamDepth = "depth20"
	streamTrade = "trade"
)

// Adapter is the Binance adapter
type Adapter struct {
	wss  string
	subs providers.Subscriptions
	pub  providers.Publisher
	obs  *providers.Observer
	now  func() time.Time
}

// New builds an adapter; subscriptions are encoded in the endpoint URL
func New(s providers.Settings, pub providers.Publisher, m *metrics.Collector) (*Adapter, error) {
	obs := providers.NewObserver(market.PlatformBinance, m)
	a := &Adapter{
		wss: s.WSS,
		pub: pub,
		obs: obs,
		now: time.Now,
	}
	if a.wss == "" {
		a.wss = DefaultWSS
	}
	a.subs = providers.BuildSubscriptions(s.Symbols, s.Channels, streamName, *obs.Logger())
	if a.subs.Len() == 0 {
		return nil, fmt.Errorf("binance: %w", providers.ErrNoSubscriptions)
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

func streamName(c market.Channel, s market.Symbol) (string, error) {
	switch c {
	case market.ChannelKline:
		return s.Concat() + "@" + streamKline, nil
	case market.ChannelOrderbook:
		return s.Concat() + "@" + streamDepth, nil
	case market.ChannelTrade:
		return s.Concat() + "@" + streamTrade, nil
	}
	return "", fmt.Errorf("%w: %s", providers.ErrUnsupportedChannel, c)
}

func (a *Adapter) Platform() market.Platform { return market.PlatformBinance }

func (a *Adapter) Endpoint() string {
	return strings.TrimRight(a.wss, "/") + "/stream?streams=" + strings.Join(a.subs.Tokens(), "/")
}

// Heartbeat is nil; the transport answers Binance's ping frames
func (a *Adapter) Heartbeat() any { return nil }

// SubscriptionPayload is nil; streams are selected by the URL
func (a *Adapter) SubscriptionPayload() (any, error) { return nil, nil }

func (a *Adapter) OnConnected(ctx context.Context, s wsconn.Sender) error {
	a.obs.Connected()
	a.obs.Logger().Info().Int("streams", a.subs.Len()).Msg("combined stream connected")
	return providers.SendSubscription(ctx, a, s)
}

type combined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// payload covers trade, kline and partial depth pushes. encoding/json
// matches keys case-insensitively, so keys differing only by case (e/E,
// t/T, m/M, q/Q, l/L) each get an exact-match field.
type payload struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`

	// trade
	TradeID  int64  `json:"t"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
	IsMaker  *bool  `json:"m"`
	Ignore   bool   `json:"M"`

	// kline
	Kline *klinePayload `json:"k"`

	// partial depth
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

type klinePayload struct {
	Start       int64  `json:"t"`
	End         int64  `json:"T"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	LastTradeID int64  `json:"L"`
	Close       string `json:"c"`
	Volume      string `json:"q"` // quote asset volume
	TakerQuote  string `json:"Q"`
	BaseVolume  string `json:"v"`
	TakerBase   string `json:"V"`
}

// OnMessage routes by the combined-stream name through the reverse table
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

	var c combined
	if err := json.Unmarshal(msg.Body, &c); err != nil || c.Stream == "" {
		a.obs.Unrecognized(msg.Body)
		return
	}
	route, ok := a.subs.Lookup(c.Stream)
	if !ok {
		a.obs.Unmapped(c.Stream)
		return
	}

	var p payload
	if err := json.Unmarshal(c.Data, &p); err != nil {
		a.obs.ParseError(route.Symbol, err)
		return
	}

	received := f.ReceivedAt
	if received.IsZero() {
		received = a.now()
	}

	var ev market.Event
	switch {
	case p.Event == "kline":
		ev, err = a.kline(route.Symbol, p)
	case strings.HasSuffix(c.Stream, streamDepth):
		ev, err = a.orderbook(route.Symbol, p, received.UnixMilli())
	case p.Event == "trade":
		ev, err = a.trade(route.Symbol, p)
	default:
		a.obs.Unrecognized(msg.Body)
		return
	}
	if err != nil {
		a.obs.ParseError(route.Symbol, err)
		return
	}
	providers.Emit(a.pub, a.obs, ev)
}

func (a *Adapter) kline(sym market.Symbol, p payload) (market.Event, error) {
	if p.Kline == nil {
		return nil, fmt.Errorf("kline event without k")
	}
	k := p.Kline
	return &market.Kline{
		Platform:  market.PlatformBinance,
		Symbol:    sym,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Timestamp: k.Start,
	}, nil
}

func (a *Adapter) orderbook(sym market.Symbol, p payload, ts int64) (market.Event, error) {
	asks, err := firstTwo(p.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	bids, err := firstTwo(p.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	return &market.Orderbook{
		Platform:  market.PlatformBinance,
		Symbol:    sym,
		Asks:      asks,
		Bids:      bids,
		Timestamp: ts,
	}, nil
}

// firstTwo keeps price and quantity of each level exactly as sent
func firstTwo(rows [][]string) ([][2]string, error) {
	out := make([][2]string, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(r))
		}
		out = append(out, [2]string{r[0], r[1]})
	}
	return out, nil
}

func (a *Adapter) trade(sym market.Symbol, p payload) (market.Event, error) {
	if p.IsMaker == nil {
		return nil, fmt.Errorf("trade without maker flag")
	}
	side := market.SideBuy
	if *p.IsMaker {
		// buyer was the maker, so the seller took liquidity
		side = market.SideSell
	}
	return &market.Trade{
		Platform:  market.PlatformBinance,
		Symbol:    sym,
		Action:    side,
		Price:     p.Price,
		Quantity:  p.Quantity,
		Timestamp: p.Time,
	}, nil
}
