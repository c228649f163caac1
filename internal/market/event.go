package market

// EventKind discriminates the published event types
type EventKind string

const (
	KindOrderbook EventKind = "orderbook"
	KindTrade     EventKind = "trade"
	KindKline     EventKind = "kline"
)

// Event is a normalized market-data event ready for publishing
type Event interface {
	Kind() EventKind
	Source() Platform
	Instrument() Symbol
	// EventTime is the event timestamp in epoch milliseconds
	EventTime() int64
}

// Orderbook is a top-of-book snapshot. Asks ascend by price, bids descend.
type Orderbook struct {
	Platform  Platform    `json:"platform"`
	Symbol    Symbol      `json:"symbol"`
	Asks      [][2]string `json:"asks"`
	Bids      [][2]string `json:"bids"`
	Timestamp int64       `json:"timestamp"`
}

func (o *Orderbook) Kind() EventKind    { return KindOrderbook }
func (o *Orderbook) Source() Platform   { return o.Platform }
func (o *Orderbook) Instrument() Symbol { return o.Symbol }
func (o *Orderbook) EventTime() int64   { return o.Timestamp }

// Trade is a single executed trade
type Trade struct {
	Platform  Platform `json:"platform"`
	Symbol    Symbol   `json:"symbol"`
	Action    Side     `json:"action"`
	Price     string   `json:"price"`
	Quantity  string   `json:"quantity"`
	Timestamp int64    `json:"timestamp"`
}

func (t *Trade) Kind() EventKind    { return KindTrade }
func (t *Trade) Source() Platform   { return t.Platform }
func (t *Trade) Instrument() Symbol { return t.Symbol }
func (t *Trade) EventTime() int64   { return t.Timestamp }

// Kline is a one-minute OHLCV candle; Timestamp is the bucket open time
type Kline struct {
	Platform  Platform `json:"platform"`
	Symbol    Symbol   `json:"symbol"`
	Open      string   `json:"open"`
	High      string   `json:"high"`
	Low       string   `json:"low"`
	Close     string   `json:"close"`
	Volume    string   `json:"volume"`
	Timestamp int64    `json:"timestamp"`
}

func (k *Kline) Kind() EventKind    { return KindKline }
func (k *Kline) Source() Platform   { return k.Platform }
func (k *Kline) Instrument() Symbol { return k.Symbol }
func (k *Kline) EventTime() int64   { return k.Timestamp }
