// Package frame turns raw websocket payloads into JSON documents or
// heartbeat acknowledgements.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
)

var (
	// ErrInflate is returned when a binary frame is not valid raw deflate
	ErrInflate = errors.New("frame: inflate failed")
	// ErrMalformedJSON is returned when a data frame is not valid JSON
	ErrMalformedJSON = errors.New("frame: malformed json")
	// ErrInvalidUTF8 is returned when an inflated frame is not UTF-8 text
	ErrInvalidUTF8 = errors.New("frame: invalid utf-8")
)

// Kind classifies a decoded frame
type Kind int

const (
	KindData Kind = iota
	KindHeartbeat
)

func (k Kind) String() string {
	if k == KindHeartbeat {
		return "heartbeat"
	}
	return "data"
}

// heartbeatAck is the literal text some exchanges answer a "ping" with
const heartbeatAck = "pong"

// Message is a decoded frame. Body is nil for heartbeats.
type Message struct {
	Kind Kind
	Body json.RawMessage
}

// Decode classifies a frame. Binary frames are inflated as raw deflate
// (no zlib header) before being treated as text.
func Decode(binary bool, data []byte) (Message, error) {
	if binary {
		text, err := Inflate(data)
		if err != nil {
			return Message{}, err
		}
		if !utf8.Valid(text) {
			return Message{}, ErrInvalidUTF8
		}
		data = text
	}

	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == heartbeatAck {
		return Message{Kind: KindHeartbeat}, nil
	}
	if !json.Valid(trimmed) {
		return Message{}, fmt.Errorf("%w: %.64q", ErrMalformedJSON, trimmed)
	}
	return Message{Kind: KindData, Body: json.RawMessage(trimmed)}, nil
}

// Inflate decompresses a raw deflate stream
func Inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}
	return out, nil
}

// Deflate compresses data as a raw deflate stream, the inverse of Inflate
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
