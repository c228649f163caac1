// Package deribit adapts the Deribit v1 websocket API. The order book
// subscription is a signed private call; each push carries a complete top of
// book, so no local state beyond a timestamp watermark is kept.
package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/frame"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/providers"
)

const (
	DefaultWSS = "wss://www.deribit.com/ws/api/v1/"

	SubscribeURI = "/api/v1/private/subscribe"
	pingURI      = "/api/v1/public/ping"
	pongResult   = "pong"

	eventOrderBook   = "order_book"
	messageOrderBook = "order_book_event"

	// bookDepth is how many levels per side are taken from each push
	bookDepth = 10
)

// Adapter is the Deribit adapter
type Adapter struct {
	wss       string
	accessKey string
	secretKey string
	subs      providers.Subscriptions
	pub       providers.Publisher
	obs       *providers.Observer
	now       func() time.Time

	// lastAccepted is the arrival time in ms of the last published book
	lastAccepted int64
}

// Option customizes an Adapter
type Option func(*Adapter)

// WithClock replaces time.Now, used for nonces and arrival times
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New builds an adapter. Only the orderbook channel exists on Deribit.
func New(s providers.Settings, pub providers.Publisher, m *metrics.Collector, opts ...Option) (*Adapter, error) {
	obs := providers.NewObserver(market.PlatformDeribit, m)
	a := &Adapter{
		wss:       s.WSS,
		accessKey: s.AccessKey,
		secretKey: s.SecretKey,
		pub:       pub,
		obs:       obs,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.wss == "" {
		a.wss = DefaultWSS
	}
	a.subs = providers.BuildSubscriptions(s.Symbols, s.Channels, instrumentName, *obs.Logger())
	if a.subs.Len() == 0 {
		return nil, fmt.Errorf("deribit: %w", providers.ErrNoSubscriptions)
	}
	if a.accessKey == "" || a.secretKey == "" {
		obs.Logger().Warn().Msg("access_key or secret_key empty, private subscribe will be rejected")
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

func instrumentName(c market.Channel, s market.Symbol) (string, error) {
	if c != market.ChannelOrderbook {
		return "", fmt.Errorf("%w: %s", providers.ErrUnsupportedChannel, c)
	}
	return s.Hyphen(), nil
}

func (a *Adapter) Platform() market.Platform { return market.PlatformDeribit }

func (a *Adapter) Endpoint() string { return a.wss }

type actionRequest struct {
	Action string `json:"action"`
}

func (a *Adapter) Heartbeat() any {
	return actionRequest{Action: pingURI}
}

type subscribeRequest struct {
	ID        string              `json:"id"`
	Action    string              `json:"action"`
	Arguments map[string][]string `json:"arguments"`
	Sig       string              `json:"sig"`
}

// SubscriptionPayload signs a fresh subscribe call; the nonce is the
// current time in ms
func (a *Adapter) SubscriptionPayload() (any, error) {
	params := map[string][]string{
		"instrument": a.subs.Tokens(),
		"event":      {eventOrderBook},
	}
	nonce := a.now().UnixMilli()
	return subscribeRequest{
		ID:        uuid.NewString(),
		Action:    SubscribeURI,
		Arguments: params,
		Sig:       Sign(nonce, SubscribeURI, params, a.accessKey, a.secretKey),
	}, nil
}

func (a *Adapter) OnConnected(ctx context.Context, s wsconn.Sender) error {
	a.obs.Connected()
	if err := providers.SendSubscription(ctx, a, s); err != nil {
		return err
	}
	a.obs.Logger().Info().Strs("instruments", a.subs.Tokens()).Msg("subscribe orderbook sent")
	return nil
}

type inbound struct {
	ID            json.RawMessage `json:"id"`
	Success       *bool           `json:"success"`
	Result        json.RawMessage `json:"result"`
	Notifications []notification  `json:"notifications"`
}

type notification struct {
	Message string `json:"message"`
	Result  struct {
		Instrument string       `json:"instrument"`
		Bids       []priceLevel `json:"bids"`
		Asks       []priceLevel `json:"asks"`
	} `json:"result"`
}

type priceLevel struct {
	Price    json.Number `json:"price"`
	Quantity json.Number `json:"quantity"`
}

// OnMessage publishes order_book_event notifications. A message whose
// arrival ms is not strictly after the last published one is dropped before
// it is parsed; two pushes inside the same millisecond keep only the first.
func (a *Adapter) OnMessage(_ context.Context, f wsconn.Frame) {
	a.obs.Frame()

	received := f.ReceivedAt
	if received.IsZero() {
		received = a.now()
	}
	ts := received.UnixMilli()
	if ts <= a.lastAccepted {
		a.obs.Stale(ts, a.lastAccepted)
		return
	}

	msg, err := frame.Decode(f.Binary, f.Data)
	if err != nil {
		a.obs.DecodeError(err)
		return
	}
	if msg.Kind == frame.KindHeartbeat {
		a.obs.Heartbeat()
		return
	}

	var in inbound
	if err := json.Unmarshal(msg.Body, &in); err != nil {
		a.obs.Unrecognized(msg.Body)
		return
	}
	if len(in.Notifications) == 0 {
		a.handleResponse(in, msg.Body)
		return
	}

	n := in.Notifications[0]
	if n.Message != messageOrderBook {
		a.obs.Unrecognized(msg.Body)
		return
	}
	route, ok := a.subs.Lookup(n.Result.Instrument)
	if !ok {
		a.obs.Unmapped(n.Result.Instrument)
		return
	}

	asks, err := topLevels(n.Result.Asks)
	if err != nil {
		a.obs.ParseError(route.Symbol, fmt.Errorf("asks: %w", err))
		return
	}
	bids, err := topLevels(n.Result.Bids)
	if err != nil {
		a.obs.ParseError(route.Symbol, fmt.Errorf("bids: %w", err))
		return
	}

	a.lastAccepted = ts
	providers.Emit(a.pub, a.obs, &market.Orderbook{
		Platform:  market.PlatformDeribit,
		Symbol:    route.Symbol,
		Asks:      asks,
		Bids:      bids,
		Timestamp: ts,
	})
}

// handleResponse logs replies to our own calls; ping replies are heartbeats
func (a *Adapter) handleResponse(in inbound, body json.RawMessage) {
	if in.Success == nil {
		a.obs.Unrecognized(body)
		return
	}
	if !*in.Success {
		a.obs.Logger().Error().RawJSON("msg", body).Msg("request rejected")
		return
	}
	var result string
	if json.Unmarshal(in.Result, &result) == nil && result == pongResult {
		a.obs.Heartbeat()
		return
	}
	a.obs.Logger().Debug().Str("id", string(in.ID)).Msg("request acknowledged")
}

func topLevels(levels []priceLevel) ([][2]string, error) {
	if len(levels) > bookDepth {
		levels = levels[:bookDepth]
	}
	out := make([][2]string, 0, len(levels))
	for _, l := range levels {
		lv, err := market.ParseLevel(l.Price.String(), l.Quantity.String())
		if err != nil {
			return nil, err
		}
		out = append(out, [2]string{market.FormatDecimal(lv.Price), market.FormatDecimal(lv.Quantity)})
	}
	return out, nil
}
