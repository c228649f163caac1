// Package wsconn maintains a reconnecting websocket session and hands every
// received frame to a Handler on a single goroutine.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/net/ratelimit"
)

// ErrNotConnected is returned by a Sender whose connection has gone away
var ErrNotConnected = errors.New("wsconn: not connected")

// Frame is one websocket message as received
type Frame struct {
	Binary     bool
	Data       []byte
	ReceivedAt time.Time
}

// Sender writes to the current connection. Safe for concurrent use.
type Sender interface {
	SendJSON(v any) error
	SendText(s string) error
}

// Handler receives connection lifecycle callbacks. OnConnected runs after
// every successful dial, including reconnects. OnMessage is never called
// concurrently with itself.
type Handler interface {
	OnConnected(ctx context.Context, s Sender) error
	OnMessage(ctx context.Context, f Frame)
}

// Config controls a Session
type Config struct {
	Name              string
	URL               string
	Heartbeat         any // string payloads go out as text, anything else as JSON; nil disables
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration // zero disables the read deadline
	Limiter           *ratelimit.Limiter
	Header            http.Header
}

// Status is a point-in-time view of a session
type Status struct {
	Connected   bool      `json:"connected"`
	Connects    int64     `json:"connects"`
	Frames      int64     `json:"frames"`
	LastMessage time.Time `json:"last_message,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Session owns one logical connection to an exchange endpoint
type Session struct {
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	connected atomic.Bool
	connects  atomic.Int64
	frames    atomic.Int64
	lastMsg   atomic.Int64 // unix nanos

	errMu   sync.Mutex
	lastErr string
}

// NewSession creates a session; nothing is dialed until Run
func NewSession(cfg Config, h Handler) *Session {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLimiter(2*time.Second, 1)
	}
	return &Session{
		cfg:     cfg,
		handler: h,
		logger:  log.With().Str("component", "wsconn").Str("session", cfg.Name).Logger(),
	}
}

// Run connects and reconnects until ctx is cancelled. Connection attempts
// are paced by the configured limiter.
func (s *Session) Run(ctx context.Context) error {
	host := ratelimit.HostOf(s.cfg.URL)
	for {
		// Wait also fails early when the next slot lies past ctx's deadline
		if err := s.cfg.Limiter.Wait(ctx, host); err != nil || ctx.Err() != nil {
			return nil
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.setErr(err)
		s.logger.Warn().Err(err).Str("url", s.cfg.URL).Msg("connection lost, reconnecting")
	}
}

// Status returns counters for health reporting
func (s *Session) Status() Status {
	st := Status{
		Connected: s.connected.Load(),
		Connects:  s.connects.Load(),
		Frames:    s.frames.Load(),
	}
	if ns := s.lastMsg.Load(); ns > 0 {
		st.LastMessage = time.Unix(0, ns)
	}
	s.errMu.Lock()
	st.LastError = s.lastErr
	s.errMu.Unlock()
	return st
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	s.lastErr = err.Error()
	s.errMu.Unlock()
}

func (s *Session) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sender := &connSender{conn: conn}
	defer sender.close()

	s.connected.Store(true)
	defer s.connected.Store(false)
	s.connects.Add(1)
	s.logger.Info().Str("url", s.cfg.URL).Msg("connected")

	// Unblocks ReadMessage on shutdown
	go func() {
		<-connCtx.Done()
		sender.close()
	}()

	if err := s.handler.OnConnected(connCtx, sender); err != nil {
		return fmt.Errorf("on connected: %w", err)
	}

	if s.cfg.Heartbeat != nil && s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop(connCtx, sender)
	}

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		now := time.Now()
		s.frames.Add(1)
		s.lastMsg.Store(now.UnixNano())
		s.handler.OnMessage(connCtx, Frame{
			Binary:     mt == websocket.BinaryMessage,
			Data:       data,
			ReceivedAt: now,
		})
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, sender *connSender) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if text, ok := s.cfg.Heartbeat.(string); ok {
				err = sender.SendText(text)
			} else {
				err = sender.SendJSON(s.cfg.Heartbeat)
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

type connSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *connSender) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.write(data)
}

func (c *connSender) SendText(s string) error {
	return c.write([]byte(s))
}

func (c *connSender) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *connSender) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
