package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/market"
)

const sample = `
log:
  level: debug
http:
  addr: ":9090"
publisher:
  buffer: 128
  redis:
    enabled: true
    addr: "redis:6379"
    book_ttl: 1m
  kafka:
    enabled: true
    brokers: ["kafka-1:9092", "kafka-2:9092"]
  breaker:
    consecutive_failures: 3
transport:
  reconnect_every: 500ms
platforms:
  okex:
    symbols: [BTC/USDT, ETH/USDT]
    channels: [orderbook, trade, kline]
    depth: 5
  binance:
    symbols: [BTC/USDT, BTCUSDT]
    channels: [trade, ticker]
  deribit:
    wss: wss://test.deribit.com/ws/api/v1/
    symbols: [BTC/PERPETUAL]
    channels: [orderbook]
    access_key: ${DERIBIT_KEY}
    secret_key: ${DERIBIT_SECRET}
  bitmex:
    symbols: [XBT/USD]
    channels: [orderbook]
`

func TestLoad(t *testing.T) {
	t.Setenv("DERIBIT_KEY", "2YZn85siaUf5A")
	t.Setenv("DERIBIT_SECRET", "BTMSIAJ8IYQTAV4MLN88UAHLIUNYZ3HN")

	path := filepath.Join(t.TempDir(), "marketd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "auto", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "redis:6379", cfg.Publisher.Redis.Addr)
	assert.Equal(t, "market", cfg.Publisher.Redis.ChannelPrefix)
	assert.Equal(t, time.Minute, cfg.Publisher.Redis.BookTTL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Publisher.Kafka.Brokers)
	assert.Equal(t, "market-events", cfg.Publisher.Kafka.Topic)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.ReconnectEvery)
	assert.Equal(t, 10*time.Second, cfg.Transport.HeartbeatInterval)

	bus := cfg.Bus()
	assert.Equal(t, 128, bus.Buffer)
	assert.Equal(t, uint32(3), bus.ConsecutiveFailures)
	assert.Equal(t, 30*time.Second, bus.OpenTimeout)
}

func TestPlatformSettings(t *testing.T) {
	t.Setenv("DERIBIT_KEY", "key")
	t.Setenv("DERIBIT_SECRET", "secret")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	settings, problems := cfg.PlatformSettings()
	require.Len(t, settings, 3)

	// ordered by name
	assert.Equal(t, market.PlatformBinance, settings[0].Platform)
	assert.Equal(t, market.PlatformDeribit, settings[1].Platform)
	assert.Equal(t, market.PlatformOKEx, settings[2].Platform)

	binance := settings[0].Settings
	assert.Equal(t, []market.Symbol{"BTC/USDT"}, binance.Symbols)
	assert.Equal(t, []market.Channel{market.ChannelTrade}, binance.Channels)

	deribit := settings[1].Settings
	assert.Equal(t, "wss://test.deribit.com/ws/api/v1/", deribit.WSS)
	assert.Equal(t, "key", deribit.AccessKey)
	assert.Equal(t, "secret", deribit.SecretKey)

	assert.Equal(t, 5, settings[2].Settings.Depth)
	assert.Len(t, settings[2].Settings.Channels, 3)

	// BTCUSDT, ticker and bitmex
	require.Len(t, problems, 3)
	var platforms []string
	for _, p := range problems {
		platforms = append(platforms, p.Platform)
	}
	assert.ElementsMatch(t, []string{"binance", "binance", "bitmex"}, platforms)
	assert.ErrorIs(t, problems[1], market.ErrUnknownChannel)
	assert.ErrorIs(t, problems[2], market.ErrUnknownPlatform)
}

func TestPlatformWithNothingUsable(t *testing.T) {
	cfg, err := Parse([]byte(`
platforms:
  okex:
    symbols: [BTC/USDT]
    channels: [ticker]
`))
	require.NoError(t, err)
	settings, problems := cfg.PlatformSettings()
	assert.Empty(t, settings)
	require.Len(t, problems, 2)
	assert.ErrorIs(t, problems[1], ErrNothingToSubscribe)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", "log: [", "failed to parse config"},
		{"bad_duration", "transport:\n  reconnect_every: soon", "failed to parse config"},
		{"bad_level", "log:\n  level: loud", "log level"},
		{"bad_format", "log:\n  format: xml", "log format"},
		{"kafka_without_brokers", "publisher:\n  kafka:\n    enabled: true", "brokers"},
		{"postgres_without_dsn", "publisher:\n  postgres:\n    enabled: true", "dsn"},
		{"zero_buffer", "publisher:\n  buffer: 0", "buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
