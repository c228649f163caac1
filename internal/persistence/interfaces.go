// Package persistence defines the storage contracts behind the market feed:
// a durable store for trades and candles and a short-lived cache holding the
// latest published order book per instrument.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/marketfeed/internal/market"
)

// Common errors
var (
	ErrDuplicate = errors.New("persistence: duplicate record")
	ErrNotFound  = errors.New("persistence: not found")
)

// TradeRecord is a trade row as stored
type TradeRecord struct {
	ID        int64     `json:"id" db:"id"`
	Timestamp time.Time `json:"ts" db:"ts"`
	Platform  string    `json:"platform" db:"platform"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Side      string    `json:"side" db:"side"`
	Price     string    `json:"price" db:"price"`
	Qty       string    `json:"qty" db:"qty"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// KlineRecord is a one-minute candle row, unique per (platform, symbol, ts)
type KlineRecord struct {
	Timestamp time.Time `json:"ts" db:"ts"`
	Platform  string    `json:"platform" db:"platform"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
}

// TradeFromEvent converts a published trade into its stored form
func TradeFromEvent(t *market.Trade) TradeRecord {
	return TradeRecord{
		Timestamp: time.UnixMilli(t.Timestamp).UTC(),
		Platform:  t.Platform.String(),
		Symbol:    t.Symbol.String(),
		Side:      string(t.Action),
		Price:     t.Price,
		Qty:       t.Quantity,
	}
}

// KlineFromEvent converts a published candle into its stored form
func KlineFromEvent(k *market.Kline) KlineRecord {
	return KlineRecord{
		Timestamp: time.UnixMilli(k.Timestamp).UTC(),
		Platform:  k.Platform.String(),
		Symbol:    k.Symbol.String(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
}

// TradeStore persists trades and candles
type TradeStore interface {
	// InsertTrade stores one trade; a replayed trade returns ErrDuplicate
	InsertTrade(ctx context.Context, t TradeRecord) error

	// UpsertKline stores a candle, replacing the same minute bucket
	UpsertKline(ctx context.Context, k KlineRecord) error

	// LatestTrades returns the newest trades for a symbol on a platform
	LatestTrades(ctx context.Context, platform, symbol string, limit int) ([]TradeRecord, error)

	// Ping tests basic connectivity
	Ping(ctx context.Context) error
}

// BookCache keeps the most recent order book per (platform, symbol)
type BookCache interface {
	Put(ctx context.Context, ob *market.Orderbook) error
	// Get returns ErrNotFound when nothing is cached or the entry expired
	Get(ctx context.Context, platform market.Platform, symbol market.Symbol) (*market.Orderbook, error)
}
