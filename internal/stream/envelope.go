package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/marketfeed/internal/market"
)

// EnvelopeVersion is the current envelope format version
const EnvelopeVersion = 1

// Header keys stamped on every dispatched envelope
const (
	HeaderPlatform     = "platform"
	HeaderChannel      = "channel"
	HeaderDispatchedAt = "dispatched_at"
)

// Envelope wraps a normalized event with delivery metadata
type Envelope struct {
	Timestamp time.Time        `json:"ts"`       // event time
	Symbol    string           `json:"symbol"`   // canonical BASE/QUOTE
	Source    string           `json:"source"`   // platform name
	Kind      market.EventKind `json:"kind"`     // orderbook, trade or kline
	Payload   json.RawMessage  `json:"payload"`  // the event itself
	Checksum  string           `json:"checksum"` // sha256(payload||ts||symbol||source)
	Version   int              `json:"version"`

	MessageID string            `json:"message_id"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// NewEnvelope serializes ev and stamps it with a fresh message id and checksum
func NewEnvelope(ev market.Event) (*Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	e := &Envelope{
		Timestamp: time.UnixMilli(ev.EventTime()).UTC(),
		Symbol:    ev.Instrument().String(),
		Source:    ev.Source().String(),
		Kind:      ev.Kind(),
		Payload:   payload,
		Version:   EnvelopeVersion,
		MessageID: uuid.NewString(),
	}
	e.SetChecksum()
	if err := Validate(e); err != nil {
		return nil, fmt.Errorf("%s event: %w", ev.Kind(), err)
	}
	return e, nil
}

// ComputeChecksum hashes payload, timestamp, symbol and source
func (e *Envelope) ComputeChecksum() string {
	hashInput := fmt.Sprintf("%s||%d||%s||%s",
		string(e.Payload),
		e.Timestamp.UnixMilli(),
		e.Symbol,
		e.Source)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// SetChecksum computes and sets the checksum for the envelope
func (e *Envelope) SetChecksum() {
	e.Checksum = e.ComputeChecksum()
}

// Validate checks required fields and, when present, the checksum
func Validate(e *Envelope) error {
	if e.Symbol == "" {
		return fmt.Errorf("envelope symbol is empty")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope source is empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is empty")
	}
	if e.Version <= 0 {
		return fmt.Errorf("envelope version must be positive, got %d", e.Version)
	}
	if e.Checksum != "" {
		if expected := e.ComputeChecksum(); e.Checksum != expected {
			return fmt.Errorf("envelope checksum mismatch: expected %s, got %s", expected, e.Checksum)
		}
	}
	return nil
}

// Key identifies the instrument stream, used for partitioning and cache keys
func (e *Envelope) Key() string {
	return e.Source + ":" + e.Symbol
}

// Channel is the pub/sub channel name under prefix, e.g. market.orderbook.okex.BTC/USDT
func (e *Envelope) Channel(prefix string) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefix, e.Kind, e.Source, e.Symbol)
}

// SetHeader sets a header; headers are not covered by the checksum
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// ToJSON serializes envelope to JSON
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

