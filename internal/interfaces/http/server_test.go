package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/interfaces/http/handlers"
	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/persistence"
)

type staticFeeds map[market.Platform]wsconn.Status

func (s staticFeeds) Statuses() map[market.Platform]wsconn.Status { return s }

type staticSinks map[string]string

func (s staticSinks) SinkStates() map[string]string { return s }

type memBooks struct {
	books map[string]*market.Orderbook
	err   error
}

func (m *memBooks) Put(_ context.Context, ob *market.Orderbook) error {
	m.books[ob.Platform.String()+ob.Symbol.String()] = ob
	return nil
}

func (m *memBooks) Get(_ context.Context, p market.Platform, s market.Symbol) (*market.Orderbook, error) {
	if m.err != nil {
		return nil, m.err
	}
	ob, ok := m.books[p.String()+s.String()]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return ob, nil
}

func newTestServer(feeds handlers.StatusSource, sinks handlers.SinkSource, books persistence.BookCache) *Server {
	h := handlers.NewHandlers(feeds, sinks, books)
	return NewServer(DefaultServerConfig(), h, metrics.NewCollector().Handler())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	feeds := staticFeeds{
		market.PlatformOKEx:    {Connected: true, Connects: 1, Frames: 10, LastMessage: time.Unix(1700000000, 0)},
		market.PlatformBinance: {Connected: false, Connects: 3, LastError: "dial tcp: timeout"},
	}
	s := newTestServer(feeds, staticSinks{"redis": "closed"}, nil)

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Platforms, 2)
	assert.Equal(t, "binance", resp.Platforms[0].Platform)
	assert.Equal(t, "dial tcp: timeout", resp.Platforms[0].LastError)
	assert.Equal(t, int64(10), resp.Platforms[1].Frames)
	assert.Equal(t, "closed", resp.Sinks["redis"])
}

func TestHealthStates(t *testing.T) {
	tests := []struct {
		name   string
		feeds  staticFeeds
		sinks  staticSinks
		status string
		code   int
	}{
		{"all_connected", staticFeeds{market.PlatformOKEx: {Connected: true}}, nil, "ok", http.StatusOK},
		{"none_connected", staticFeeds{market.PlatformOKEx: {}}, nil, "down", http.StatusServiceUnavailable},
		{"sink_open", staticFeeds{market.PlatformOKEx: {Connected: true}}, staticSinks{"kafka": "open"}, "degraded", http.StatusOK},
		{"no_feeds", staticFeeds{}, nil, "ok", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sinks handlers.SinkSource
			if tt.sinks != nil {
				sinks = tt.sinks
			}
			rec := get(t, newTestServer(tt.feeds, sinks, nil), "/health")
			assert.Equal(t, tt.code, rec.Code)
			var resp handlers.HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
		})
	}
}

func TestBooks(t *testing.T) {
	books := &memBooks{books: map[string]*market.Orderbook{}}
	require.NoError(t, books.Put(context.Background(), &market.Orderbook{
		Platform:  market.PlatformOKEx,
		Symbol:    "BTC/USDT",
		Asks:      [][2]string{{"101", "1"}},
		Bids:      [][2]string{{"100", "2"}},
		Timestamp: 1557127179348,
	}))
	s := newTestServer(staticFeeds{}, nil, books)

	rec := get(t, s, "/books/okex/btc/usdt")
	require.Equal(t, http.StatusOK, rec.Code)
	var ob market.Orderbook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ob))
	assert.Equal(t, market.Symbol("BTC/USDT"), ob.Symbol)
	assert.Equal(t, int64(1557127179348), ob.Timestamp)

	rec = get(t, s, "/books/okex/ETH/USDT")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, "book_not_found", e.Code)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), e.RequestID)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/books/bitmex/XBT/USD").Code)

	books.err = errors.New("redis: connection refused")
	assert.Equal(t, http.StatusBadGateway, get(t, s, "/books/okex/BTC/USDT").Code)
}

func TestBooksDisabled(t *testing.T) {
	rec := get(t, newTestServer(staticFeeds{}, nil, nil), "/books/okex/BTC/USDT")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAndNotFound(t *testing.T) {
	s := newTestServer(staticFeeds{}, nil, nil)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = get(t, s, "/candidates")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint_not_found")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(staticFeeds{}, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
