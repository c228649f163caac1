package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/marketfeed/internal/persistence"
)

const uniqueViolation = "23505"

// tradeStore implements persistence.TradeStore for PostgreSQL
type tradeStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradeStore creates a PostgreSQL trade store
func NewTradeStore(db *sqlx.DB, timeout time.Duration) persistence.TradeStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &tradeStore{db: db, timeout: timeout}
}

// InsertTrade adds a trade. Trades carry no exchange id, so the unique index
// on (platform, symbol, ts, side, price, qty) is what rejects replays.
func (s *tradeStore) InsertTrade(ctx context.Context, t persistence.TradeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (ts, platform, symbol, side, price, qty)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		t.Timestamp, t.Platform, t.Symbol, t.Side, t.Price, t.Qty)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("trade %s %s @%s: %w", t.Platform, t.Symbol, t.Timestamp.Format(time.RFC3339Nano), persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// UpsertKline writes a candle; later pushes for the same minute overwrite it
func (s *tradeStore) UpsertKline(ctx context.Context, k persistence.KlineRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO klines (ts, platform, symbol, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (platform, symbol, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`

	_, err := s.db.ExecContext(ctx, query,
		k.Timestamp, k.Platform, k.Symbol, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return fmt.Errorf("failed to upsert kline: %w", err)
	}
	return nil
}

// LatestTrades retrieves the newest trades for one instrument
func (s *tradeStore) LatestTrades(ctx context.Context, platform, symbol string, limit int) ([]persistence.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, ts, platform, symbol, side, price, qty, created_at
		FROM trades
		WHERE platform = $1 AND symbol = $2
		ORDER BY ts DESC
		LIMIT $3`

	var out []persistence.TradeRecord
	if err := s.db.SelectContext(ctx, &out, query, platform, symbol, limit); err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	return out, nil
}

func (s *tradeStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}
