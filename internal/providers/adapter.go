// Package providers holds the contract every exchange adapter implements,
// plus the pieces they share: subscription routing, observation and the
// platform registry.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
)

var (
	// ErrUnsupportedChannel is returned by a ChannelNamer for channels the exchange does not offer
	ErrUnsupportedChannel = errors.New("providers: channel not supported by platform")
	// ErrNoAdapter is returned when no factory is registered for a platform
	ErrNoAdapter = errors.New("providers: no adapter registered")
	// ErrNoSubscriptions is returned when configuration yields nothing to subscribe to
	ErrNoSubscriptions = errors.New("providers: no subscriptions")
)

// Publisher accepts normalized events. Implementations must not block.
type Publisher interface {
	Publish(ev market.Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ev market.Event)

// Publish calls f(ev)
func (f PublisherFunc) Publish(ev market.Event) { f(ev) }

// Adapter translates one exchange's wire protocol into market events. The
// transport calls OnConnected after every (re)connect and OnMessage for each
// frame, always from the same goroutine.
type Adapter interface {
	wsconn.Handler

	Platform() market.Platform
	// Endpoint is the websocket URL to dial
	Endpoint() string
	// Heartbeat is the periodic keep-alive payload, nil when the exchange needs none
	Heartbeat() any
	// SubscriptionPayload is the message sent after connecting, nil for URL-based subscription
	SubscriptionPayload() (any, error)
}

// Settings is the per-platform configuration handed to adapter factories
type Settings struct {
	WSS       string
	Symbols   []market.Symbol
	Channels  []market.Channel
	Depth     int
	AccessKey string
	SecretKey string
}

// Factory builds an adapter for one platform
type Factory func(s Settings, pub Publisher, m *metrics.Collector) (Adapter, error)

// Registry maps platforms to adapter factories. It is populated once at
// startup and only read afterwards.
type Registry struct {
	factories map[market.Platform]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[market.Platform]Factory)}
}

// Register adds or replaces the factory for p
func (r *Registry) Register(p market.Platform, f Factory) {
	r.factories[p] = f
}

// New builds the adapter for p
func (r *Registry) New(p market.Platform, s Settings, pub Publisher, m *metrics.Collector) (Adapter, error) {
	f, ok := r.factories[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, p)
	}
	return f(s, pub, m)
}

// Platforms lists the registered platforms in market.Platforms order
func (r *Registry) Platforms() []market.Platform {
	var out []market.Platform
	for _, p := range market.Platforms() {
		if _, ok := r.factories[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SendSubscription sends an adapter's subscription payload, if it has one
func SendSubscription(_ context.Context, a Adapter, s wsconn.Sender) error {
	payload, err := a.SubscriptionPayload()
	if err != nil {
		return fmt.Errorf("build subscription: %w", err)
	}
	if payload == nil {
		return nil
	}
	if err := s.SendJSON(payload); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}
	return nil
}

// Emit publishes ev and records it
func Emit(pub Publisher, obs *Observer, ev market.Event) {
	pub.Publish(ev)
	obs.Published(ev)
}
