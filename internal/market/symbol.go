package market

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSymbol is returned when a symbol is not of the form BASE/QUOTE
var ErrInvalidSymbol = errors.New("market: invalid symbol")

// Symbol is the canonical instrument identifier, "BASE/QUOTE"
type Symbol string

// ParseSymbol validates and normalizes a canonical symbol
func ParseSymbol(s string) (Symbol, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return Symbol(strings.ToUpper(base) + "/" + strings.ToUpper(quote)), nil
}

// FromHyphen converts an exchange identifier such as BTC-USDT to BTC/USDT.
// Identifiers with more than one hyphen keep everything after the first one
// as the quote part.
func FromHyphen(s string) Symbol {
	return Symbol(strings.Replace(s, "-", "/", 1))
}

// Base returns the part before the slash
func (s Symbol) Base() string {
	base, _, _ := strings.Cut(string(s), "/")
	return base
}

// Quote returns the part after the slash
func (s Symbol) Quote() string {
	_, quote, _ := strings.Cut(string(s), "/")
	return quote
}

// Hyphen returns the BASE-QUOTE form used by OKEx and Deribit
func (s Symbol) Hyphen() string {
	return strings.Replace(string(s), "/", "-", 1)
}

// Concat returns the lowercase concatenated form used by Binance, e.g. btcusdt
func (s Symbol) Concat() string {
	return strings.ToLower(strings.Replace(string(s), "/", "", 1))
}

func (s Symbol) String() string {
	return string(s)
}
