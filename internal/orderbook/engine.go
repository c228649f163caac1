// Package orderbook reconstructs local order books from snapshot and
// incremental update messages.
//
// An Engine is not safe for concurrent use. Each exchange adapter owns one
// and only touches it from its own message loop.
package orderbook

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/market"
)

var (
	// ErrNotLive is returned when a symbol has not received a snapshot yet
	ErrNotLive = errors.New("orderbook: no snapshot for symbol")
	// ErrEmptySide is returned when asks or bids have no levels
	ErrEmptySide = errors.New("orderbook: empty side")
	// ErrCrossedBook is returned when the best ask is not above the best bid
	ErrCrossedBook = errors.New("orderbook: crossed book")
)

// Book is the live state of one symbol. Levels are keyed by the canonical
// decimal string of their price so "100" and "100.0" address the same level.
type Book struct {
	Asks         map[string]market.Level
	Bids         map[string]market.Level
	LastUpdateMs int64
}

func newBook() *Book {
	return &Book{
		Asks: make(map[string]market.Level),
		Bids: make(map[string]market.Level),
	}
}

// Depth is a publishable, sorted and truncated view of a book
type Depth struct {
	Asks      [][2]string
	Bids      [][2]string
	Timestamp int64
}

// Engine holds books for any number of symbols
type Engine struct {
	books map[market.Symbol]*Book
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{books: make(map[market.Symbol]*Book)}
}

// ApplySnapshot replaces any prior state for symbol with the given levels.
// Zero-quantity levels in a snapshot are not stored.
func (e *Engine) ApplySnapshot(symbol market.Symbol, asks, bids []market.Level, ts int64) {
	b := newBook()
	for _, l := range asks {
		upsert(b.Asks, l)
	}
	for _, l := range bids {
		upsert(b.Bids, l)
	}
	b.LastUpdateMs = ts
	e.books[symbol] = b
}

// ApplyUpdate merges incremental levels into a live book. A zero quantity
// removes the level, anything else inserts or replaces it.
func (e *Engine) ApplyUpdate(symbol market.Symbol, asks, bids []market.Level, ts int64) error {
	b, ok := e.books[symbol]
	if !ok {
		return ErrNotLive
	}
	for _, l := range asks {
		upsert(b.Asks, l)
	}
	for _, l := range bids {
		upsert(b.Bids, l)
	}
	if ts > b.LastUpdateMs {
		b.LastUpdateMs = ts
	}
	return nil
}

func upsert(side map[string]market.Level, l market.Level) {
	key := l.Price.String()
	if l.Quantity.IsZero() {
		delete(side, key)
		return
	}
	side[key] = l
}

// Publishable returns the top depth levels of a symbol's book, asks
// ascending and bids descending, formatted with fixed decimals. It fails
// when either side is empty or the book is crossed; the stored state is
// left untouched in both cases.
func (e *Engine) Publishable(symbol market.Symbol, depth int) (Depth, error) {
	b, ok := e.books[symbol]
	if !ok {
		return Depth{}, ErrNotLive
	}
	if len(b.Asks) == 0 || len(b.Bids) == 0 {
		return Depth{}, ErrEmptySide
	}

	asks := sortedLevels(b.Asks, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
	bids := sortedLevels(b.Bids, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	if asks[0].Price.LessThanOrEqual(bids[0].Price) {
		return Depth{}, ErrCrossedBook
	}

	return Depth{
		Asks:      format(asks, depth),
		Bids:      format(bids, depth),
		Timestamp: b.LastUpdateMs,
	}, nil
}

func sortedLevels(side map[string]market.Level, less func(a, b decimal.Decimal) bool) []market.Level {
	out := make([]market.Level, 0, len(side))
	for _, l := range side {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].Price, out[j].Price) })
	return out
}

func format(levels []market.Level, depth int) [][2]string {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{market.FormatDecimal(l.Price), market.FormatDecimal(l.Quantity)}
	}
	return out
}

// Live reports whether symbol has received a snapshot
func (e *Engine) Live(symbol market.Symbol) bool {
	_, ok := e.books[symbol]
	return ok
}

// Reset drops every book. The next snapshot per symbol re-seeds it.
func (e *Engine) Reset() {
	e.books = make(map[market.Symbol]*Book)
}
