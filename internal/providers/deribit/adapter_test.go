package deribit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/providers"
	"github.com/sawpanic/marketfeed/internal/providers/providertest"
)

func newAdapter(t *testing.T) (*Adapter, *providertest.Capture, *metrics.Collector) {
	t.Helper()
	pub := &providertest.Capture{}
	m := metrics.NewCollector()
	a, err := New(providers.Settings{
		Symbols:   []market.Symbol{"BTC/PERPETUAL", "ETH/PERPETUAL"},
		Channels:  []market.Channel{market.ChannelOrderbook, market.ChannelTrade},
		AccessKey: "2YZn85siaUf5A",
		SecretKey: "BTMSIAJ8IYQTAV4MLN88UAHLIUNYZ3HN",
	}, pub, m, WithClock(func() time.Time { return time.UnixMilli(1536569522277) }))
	require.NoError(t, err)
	return a, pub, m
}

func bookPush(instrument string, levels int) string {
	var bids, asks []string
	for i := 0; i < levels; i++ {
		bids = append(bids, fmt.Sprintf(`{"quantity":%d,"amount":10,"price":%d.5,"cm":1}`, i+1, 6000-i))
		asks = append(asks, fmt.Sprintf(`{"quantity":%d,"amount":10,"price":%d.5,"cm":1}`, i+1, 6001+i))
	}
	return `{"notifications":[{"success":true,"testnet":false,"message":"order_book_event","result":{` +
		`"instrument":"` + instrument + `","bids":[` + strings.Join(bids, ",") + `],"asks":[` + strings.Join(asks, ",") + `]}}]}`
}

func at(ms int64, body string) wsconn.Frame {
	return wsconn.Frame{Data: []byte(body), ReceivedAt: time.UnixMilli(ms)}
}

func TestSubscriptionPayloadIsSigned(t *testing.T) {
	a, _, _ := newAdapter(t)

	sender := &providertest.Sender{}
	require.NoError(t, a.OnConnected(context.Background(), sender))
	require.Len(t, sender.JSON, 1)

	var req struct {
		ID        string              `json:"id"`
		Action    string              `json:"action"`
		Arguments map[string][]string `json:"arguments"`
		Sig       string              `json:"sig"`
	}
	require.NoError(t, json.Unmarshal(sender.JSON[0], &req))
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "/api/v1/private/subscribe", req.Action)
	assert.Equal(t, []string{"BTC-PERPETUAL", "ETH-PERPETUAL"}, req.Arguments["instrument"])
	assert.Equal(t, []string{"order_book"}, req.Arguments["event"])
	assert.Equal(t, "2YZn85siaUf5A.1536569522277.tE9VzWLE6nJMp9TIcW/ANozB6MQWqbbK2Q9hCp0Q1nQ=", req.Sig)
}

func TestHeartbeatAndEndpoint(t *testing.T) {
	a, _, _ := newAdapter(t)
	b, err := json.Marshal(a.Heartbeat())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"/api/v1/public/ping"}`, string(b))
	assert.Equal(t, DefaultWSS, a.Endpoint())
}

func TestOrderBookTruncatedAndFormatted(t *testing.T) {
	a, pub, _ := newAdapter(t)
	a.OnMessage(context.Background(), at(1000, bookPush("BTC-PERPETUAL", 15)))

	require.Equal(t, 1, pub.Len())
	ob, ok := pub.Last().(*market.Orderbook)
	require.True(t, ok)
	assert.Equal(t, market.Symbol("BTC/PERPETUAL"), ob.Symbol)
	assert.Equal(t, market.PlatformDeribit, ob.Platform)
	assert.Len(t, ob.Bids, 10)
	assert.Len(t, ob.Asks, 10)
	assert.Equal(t, [2]string{"6000.50000000", "1.00000000"}, ob.Bids[0])
	assert.Equal(t, [2]string{"6001.50000000", "1.00000000"}, ob.Asks[0])
	assert.Equal(t, [2]string{"6010.50000000", "10.00000000"}, ob.Asks[9])
	assert.Equal(t, int64(1000), ob.Timestamp)
}

func TestDedupGuard(t *testing.T) {
	a, pub, m := newAdapter(t)
	ctx := context.Background()
	push := bookPush("ETH-PERPETUAL", 2)

	a.OnMessage(ctx, at(2000, push))
	require.Equal(t, 1, pub.Len())
	assert.Equal(t, int64(2000), a.lastAccepted)

	// identical and decreasing arrival times are both dropped
	a.OnMessage(ctx, at(2000, push))
	a.OnMessage(ctx, at(1999, push))
	assert.Equal(t, 1, pub.Len())
	assert.Equal(t, 2.0, metrics.CounterValue(m.DroppedMessages.WithLabelValues("deribit", metrics.ReasonStale)))

	a.OnMessage(ctx, at(2001, push))
	assert.Equal(t, 2, pub.Len())
	assert.Equal(t, int64(2001), pub.Last().EventTime())
}

func TestWatermarkOnlyAdvancesOnPublish(t *testing.T) {
	a, pub, _ := newAdapter(t)
	ctx := context.Background()

	a.OnMessage(ctx, at(3000, `{"id":"abc","success":true,"result":"pong"}`))
	a.OnMessage(ctx, at(3001, `{"notifications":[{"message":"trade_event","result":{}}]}`))
	assert.Equal(t, int64(0), a.lastAccepted)

	a.OnMessage(ctx, at(3001, bookPush("BTC-PERPETUAL", 1)))
	assert.Equal(t, 1, pub.Len())
	assert.Equal(t, int64(3001), a.lastAccepted)
}

func TestUnmappedAndMalformed(t *testing.T) {
	a, pub, m := newAdapter(t)
	ctx := context.Background()

	a.OnMessage(ctx, at(10, bookPush("BTC-28JUN24", 1)))
	assert.Equal(t, 1.0, metrics.CounterValue(m.DroppedMessages.WithLabelValues("deribit", metrics.ReasonUnmapped)))

	a.OnMessage(ctx, at(11, `{"notifications":[{"message":"order_book_event","result":{"instrument":"BTC-PERPETUAL","bids":[{"price":1}],"asks":[]}}]}`))
	assert.Equal(t, 1.0, metrics.CounterValue(m.DroppedMessages.WithLabelValues("deribit", metrics.ReasonParse)))

	a.OnMessage(ctx, at(12, `{"id":"x","success":false,"message":"not_authorized"}`))
	a.OnMessage(ctx, at(13, `[]`))
	assert.Equal(t, 1.0, metrics.CounterValue(m.DroppedMessages.WithLabelValues("deribit", metrics.ReasonUnrecognized)))

	assert.Equal(t, 0, pub.Len())
	assert.Equal(t, int64(0), a.lastAccepted)
}

func TestTradeChannelSkipped(t *testing.T) {
	_, err := New(providers.Settings{
		Symbols:  []market.Symbol{"BTC/PERPETUAL"},
		Channels: []market.Channel{market.ChannelTrade, market.ChannelKline},
	}, &providertest.Capture{}, nil)
	assert.ErrorIs(t, err, providers.ErrNoSubscriptions)
}

func TestPingReplyMatchedOnResult(t *testing.T) {
	a, pub, m := newAdapter(t)
	ctx := context.Background()

	a.OnMessage(ctx, at(100, `{"id":"p1","success":true,"result":"pong"}`))
	assert.Equal(t, 1.0, metrics.CounterValue(m.Heartbeats.WithLabelValues("deribit")))

	// "pong" appearing elsewhere is an ordinary acknowledgement
	a.OnMessage(ctx, at(101, `{"id":"pong","success":true,"result":["BTC-PERPETUAL"]}`))
	a.OnMessage(ctx, at(102, `{"id":"s1","success":true,"result":{"status":"pong"}}`))
	assert.Equal(t, 1.0, metrics.CounterValue(m.Heartbeats.WithLabelValues("deribit")))
	assert.Equal(t, 0, pub.Len())
}
