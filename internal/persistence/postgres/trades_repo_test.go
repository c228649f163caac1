package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/persistence"
)

func newMockStore(t *testing.T) (persistence.TradeStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewTradeStore(sqlx.NewDb(mockDB, "postgres"), time.Second), mock
}

func sampleTrade() persistence.TradeRecord {
	return persistence.TradeFromEvent(&market.Trade{
		Platform:  market.PlatformBinance,
		Symbol:    "BTC/USDT",
		Action:    market.SideSell,
		Price:     "27000.10",
		Quantity:  "0.5",
		Timestamp: 1700000000123,
	})
}

func TestInsertTrade(t *testing.T) {
	store, mock := newMockStore(t)
	tr := sampleTrade()

	mock.ExpectExec("INSERT INTO trades").
		WithArgs(sqlmock.AnyArg(), "binance", "BTC/USDT", "SELL", "27000.10", "0.5").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.InsertTrade(context.Background(), tr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrade_Duplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO trades").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := store.InsertTrade(context.Background(), sampleTrade())
	assert.ErrorIs(t, err, persistence.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTrade_OtherError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO trades").WillReturnError(errors.New("connection reset"))

	err := store.InsertTrade(context.Background(), sampleTrade())
	require.Error(t, err)
	assert.NotErrorIs(t, err, persistence.ErrDuplicate)
	assert.Contains(t, err.Error(), "failed to insert trade")
}

func TestUpsertKline(t *testing.T) {
	store, mock := newMockStore(t)
	k := persistence.KlineFromEvent(&market.Kline{
		Platform: market.PlatformOKEx, Symbol: "ETH/USDT",
		Open: "1", High: "2", Low: "0.5", Close: "1.5", Volume: "100",
		Timestamp: 1557127140000,
	})
	assert.Equal(t, time.UnixMilli(1557127140000).UTC(), k.Timestamp)

	mock.ExpectExec("INSERT INTO klines .* ON CONFLICT").
		WithArgs(k.Timestamp, "okex", "ETH/USDT", "1", "2", "0.5", "1.5", "100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpsertKline(context.Background(), k))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestTrades(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "ts", "platform", "symbol", "side", "price", "qty", "created_at"}).
		AddRow(2, ts, "okex", "BTC/USDT", "BUY", "100", "1", ts).
		AddRow(1, ts.Add(-time.Second), "okex", "BTC/USDT", "SELL", "99", "2", ts)
	mock.ExpectQuery("SELECT .* FROM trades").
		WithArgs("okex", "BTC/USDT", 2).
		WillReturnRows(rows)

	got, err := store.LatestTrades(context.Background(), "okex", "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, "BUY", got[0].Side)
	assert.Equal(t, "99", got[1].Price)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)
	assert.Error(t, store.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAndOpen(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trades").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), sqlx.NewDb(mockDB, "postgres")))
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = Open(context.Background(), Config{})
	assert.ErrorContains(t, err, "DSN is required")
}
