package providers

import (
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketfeed/internal/market"
)

// Route is what an exchange subscription token stands for
type Route struct {
	Symbol  market.Symbol
	Channel market.Channel
}

// ChannelNamer renders the exchange token for a channel and symbol, or
// returns ErrUnsupportedChannel
type ChannelNamer func(c market.Channel, s market.Symbol) (string, error)

// Subscriptions is the immutable set of tokens an adapter subscribes to and
// the reverse lookup from token to route
type Subscriptions struct {
	tokens []string
	routes map[string]Route
}

// BuildSubscriptions expands channels x symbols into exchange tokens, in
// channel-major order. Duplicate symbols are collapsed; channels the namer
// rejects are logged and skipped while the rest continue.
func BuildSubscriptions(symbols []market.Symbol, channels []market.Channel, namer ChannelNamer, logger zerolog.Logger) Subscriptions {
	subs := Subscriptions{routes: make(map[string]Route)}
	uniq := dedupe(symbols)

	for _, ch := range channels {
		for _, sym := range uniq {
			token, err := namer(ch, sym)
			if err != nil {
				logger.Error().Err(err).Str("channel", string(ch)).Str("symbol", sym.String()).Msg("channel skipped")
				break
			}
			if _, dup := subs.routes[token]; dup {
				continue
			}
			subs.tokens = append(subs.tokens, token)
			subs.routes[token] = Route{Symbol: sym, Channel: ch}
		}
	}
	return subs
}

func dedupe(symbols []market.Symbol) []market.Symbol {
	seen := make(map[market.Symbol]struct{}, len(symbols))
	out := make([]market.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Tokens returns the subscription tokens in build order
func (s Subscriptions) Tokens() []string {
	out := make([]string, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Lookup resolves a token back to its route
func (s Subscriptions) Lookup(token string) (Route, bool) {
	r, ok := s.routes[token]
	return r, ok
}

// Len is the number of tokens
func (s Subscriptions) Len() int {
	return len(s.tokens)
}
