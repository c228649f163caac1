package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownPlatform is returned for platform names with no adapter
	ErrUnknownPlatform = errors.New("market: unknown platform")
	// ErrUnknownChannel is returned for channel names outside orderbook, trade, kline
	ErrUnknownChannel = errors.New("market: unknown channel")
)

// Platform identifies a supported exchange feed
type Platform int

const (
	PlatformOKEx Platform = iota + 1
	PlatformBinance
	PlatformDeribit
)

var platformNames = map[Platform]string{
	PlatformOKEx:    "okex",
	PlatformBinance: "binance",
	PlatformDeribit: "deribit",
}

// Platforms lists every supported platform in a stable order
func Platforms() []Platform {
	return []Platform{PlatformOKEx, PlatformBinance, PlatformDeribit}
}

// ParsePlatform maps a configuration name to a Platform
func ParsePlatform(name string) (Platform, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for p, s := range platformNames {
		if s == n {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
}

func (p Platform) String() string {
	if s, ok := platformNames[p]; ok {
		return s
	}
	return fmt.Sprintf("platform(%d)", int(p))
}

// MarshalText renders the platform by name in JSON and YAML output
func (p Platform) MarshalText() ([]byte, error) {
	if _, ok := platformNames[p]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPlatform, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses a platform name
func (p *Platform) UnmarshalText(b []byte) error {
	v, err := ParsePlatform(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Channel is a logical market-data stream kind
type Channel string

const (
	ChannelOrderbook Channel = "orderbook"
	ChannelTrade     Channel = "trade"
	ChannelKline     Channel = "kline"
)

// ParseChannel validates a configured channel name
func ParseChannel(name string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(name))); c {
	case ChannelOrderbook, ChannelTrade, ChannelKline:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
}

// Side is the aggressor side of a trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Level is one price level of an order book. A zero quantity in an update
// means the level is removed.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ParseLevel builds a Level from exchange price and quantity strings
func ParseLevel(price, quantity string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return Level{}, fmt.Errorf("parse quantity %q: %w", quantity, err)
	}
	return Level{Price: p, Quantity: q}, nil
}

// PriceDecimals is the fixed number of decimals used in published books
const PriceDecimals = 8

// FormatDecimal renders d with exactly PriceDecimals decimals
func FormatDecimal(d decimal.Decimal) string {
	return d.StringFixed(PriceDecimals)
}
