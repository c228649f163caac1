// Package providertest has in-memory publishers and senders for adapter tests.
package providertest

import (
	"encoding/json"
	"sync"

	"github.com/sawpanic/marketfeed/internal/market"
)

// Capture records every published event
type Capture struct {
	mu     sync.Mutex
	events []market.Event
}

// Publish implements providers.Publisher
func (c *Capture) Publish(ev market.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a copy of everything published so far
func (c *Capture) Events() []market.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]market.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Last returns the most recent event, or nil
func (c *Capture) Last() market.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

// Len is the number of captured events
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Sender records outbound messages instead of writing to a socket
type Sender struct {
	mu   sync.Mutex
	JSON [][]byte
	Text []string
	Err  error
}

// SendJSON implements wsconn.Sender
func (s *Sender) SendJSON(v any) error {
	if s.Err != nil {
		return s.Err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.JSON = append(s.JSON, b)
	return nil
}

// SendText implements wsconn.Sender
func (s *Sender) SendText(text string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Text = append(s.Text, text)
	return nil
}
