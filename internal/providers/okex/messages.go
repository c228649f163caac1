package okex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sawpanic/marketfeed/internal/market"
)

type envelope struct {
	Event     string            `json:"event"`
	Channel   string            `json:"channel"`
	Message   string            `json:"message"`
	ErrorCode json.Number       `json:"errorCode"`
	Table     string            `json:"table"`
	Action    string            `json:"action"`
	Data      []json.RawMessage `json:"data"`
}

func (e *envelope) decode(body []byte) error {
	if err := json.Unmarshal(body, e); err != nil {
		return err
	}
	if e.Event == "" && e.Table == "" {
		return fmt.Errorf("neither event nor table set")
	}
	return nil
}

// num accepts a JSON number or a numeric string and keeps its text
type num string

func (n *num) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = num(s)
		return nil
	}
	var x json.Number
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	*n = num(x)
	return nil
}

type record struct {
	InstrumentID string  `json:"instrument_id"`
	Asks         [][]num `json:"asks"`
	Bids         [][]num `json:"bids"`
	Timestamp    string  `json:"timestamp"`

	// trades
	Side  string `json:"side"`
	Price num    `json:"price"`
	Size  num    `json:"size"`

	// candles: [time, open, high, low, close, volume]
	Candle []num `json:"candle"`
}

func (r *record) decode(raw json.RawMessage) error {
	if err := json.Unmarshal(raw, r); err != nil {
		return err
	}
	if r.InstrumentID == "" {
		return fmt.Errorf("missing instrument_id")
	}
	return nil
}

func (r *record) book() (asks, bids []market.Level, ts int64, err error) {
	if asks, err = levels(r.Asks); err != nil {
		return nil, nil, 0, fmt.Errorf("asks: %w", err)
	}
	if bids, err = levels(r.Bids); err != nil {
		return nil, nil, 0, fmt.Errorf("bids: %w", err)
	}
	if ts, err = parseTime(r.Timestamp); err != nil {
		return nil, nil, 0, err
	}
	return asks, bids, ts, nil
}

// levels reads [price, size, ...] rows; trailing fields such as order
// counts are ignored
func levels(rows [][]num) ([]market.Level, error) {
	out := make([]market.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(row))
		}
		l, err := market.ParseLevel(string(row[0]), string(row[1]))
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *record) trade(sym market.Symbol) (*market.Trade, error) {
	var side market.Side
	switch r.Side {
	case "buy":
		side = market.SideBuy
	case "sell":
		side = market.SideSell
	default:
		return nil, fmt.Errorf("unknown trade side %q", r.Side)
	}
	if r.Price == "" || r.Size == "" {
		return nil, fmt.Errorf("trade missing price or size")
	}
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return nil, err
	}
	return &market.Trade{
		Platform:  market.PlatformOKEx,
		Symbol:    sym,
		Action:    side,
		Price:     string(r.Price),
		Quantity:  string(r.Size),
		Timestamp: ts,
	}, nil
}

func (r *record) kline(sym market.Symbol) (*market.Kline, error) {
	if len(r.Candle) < 6 {
		return nil, fmt.Errorf("candle has %d fields", len(r.Candle))
	}
	ts, err := parseTime(string(r.Candle[0]))
	if err != nil {
		return nil, err
	}
	return &market.Kline{
		Platform:  market.PlatformOKEx,
		Symbol:    sym,
		Open:      string(r.Candle[1]),
		High:      string(r.Candle[2]),
		Low:       string(r.Candle[3]),
		Close:     string(r.Candle[4]),
		Volume:    string(r.Candle[5]),
		Timestamp: ts,
	}, nil
}

// parseTime accepts the ISO-8601 UTC timestamps OKEx sends, or epoch
// milliseconds
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}
