// Package handlers implements the read-only HTTP endpoints of marketd.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/market"
	"github.com/sawpanic/marketfeed/internal/net/wsconn"
	"github.com/sawpanic/marketfeed/internal/persistence"
)

type ctxKey struct{}

// RequestIDKey is the context key holding the request id
var RequestIDKey = ctxKey{}

// WithRequestID stores id in ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the request id stored in ctx, or "unknown"
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// StatusSource reports the connection state of every running feed
type StatusSource interface {
	Statuses() map[market.Platform]wsconn.Status
}

// SinkSource reports the breaker state of each publishing sink
type SinkSource interface {
	SinkStates() map[string]string
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	feeds   StatusSource
	sinks   SinkSource
	books   persistence.BookCache
	started time.Time
	now     func() time.Time
}

// NewHandlers creates handlers. books and sinks may be nil.
func NewHandlers(feeds StatusSource, sinks SinkSource, books persistence.BookCache) *Handlers {
	return &Handlers{
		feeds:   feeds,
		sinks:   sinks,
		books:   books,
		started: time.Now(),
		now:     time.Now,
	}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// PlatformHealth is one feed's entry in the health report
type PlatformHealth struct {
	Platform string `json:"platform"`
	wsconn.Status
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string            `json:"status"`
	Uptime    string            `json:"uptime"`
	Platforms []PlatformHealth  `json:"platforms"`
	Sinks     map[string]string `json:"sinks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Health reports "ok" when every feed is connected, "degraded" when some
// are, and "down" with 503 when none are
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Uptime:    h.now().Sub(h.started).Truncate(time.Second).String(),
		Platforms: []PlatformHealth{},
		Timestamp: h.now().UTC(),
	}

	connected := 0
	if h.feeds != nil {
		for p, st := range h.feeds.Statuses() {
			resp.Platforms = append(resp.Platforms, PlatformHealth{Platform: p.String(), Status: st})
			if st.Connected {
				connected++
			}
		}
	}
	sort.Slice(resp.Platforms, func(i, j int) bool { return resp.Platforms[i].Platform < resp.Platforms[j].Platform })
	if h.sinks != nil {
		resp.Sinks = h.sinks.SinkStates()
	}

	status := http.StatusOK
	switch {
	case len(resp.Platforms) > 0 && connected == 0:
		resp.Status = "down"
		status = http.StatusServiceUnavailable
	case connected < len(resp.Platforms):
		resp.Status = "degraded"
	}
	for _, state := range resp.Sinks {
		if state != "closed" && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}
	h.writeJSON(w, status, resp)
}

// Book serves the latest cached order book for /books/{platform}/{base}/{quote}
func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	if h.books == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "book_cache_disabled",
			"Order book caching is not enabled")
		return
	}
	vars := mux.Vars(r)
	p, err := market.ParsePlatform(strings.ToLower(vars["platform"]))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "unknown_platform", err.Error())
		return
	}
	sym, err := market.ParseSymbol(vars["base"] + "/" + vars["quote"])
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_symbol", err.Error())
		return
	}

	ob, err := h.books.Get(r.Context(), p, sym)
	if errors.Is(err, persistence.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "book_not_found",
			"No recent order book for "+p.String()+" "+sym.String())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("book lookup failed")
		h.writeError(w, r, http.StatusBadGateway, "book_cache_error", "Order book cache unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, ob)
}
