package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces connection attempts per host using a token bucket. Sessions
// for different exchanges share one Limiter without slowing each other down.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration // minimum spacing between attempts
	burst    int
}

// NewLimiter allows burst attempts per host, then one per every
func NewLimiter(every time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
	}
}

func (l *Limiter) get(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Wait blocks until an attempt for host is allowed or ctx is done
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.get(host).Wait(ctx)
}

// HostOf extracts the host:port key of a websocket URL, falling back to the
// raw string when it does not parse.
func HostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
