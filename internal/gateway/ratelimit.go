package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter enforces a per-client token bucket across webhook clients.
// Clients are keyed by the first X-Forwarded-For hop, falling back to the
// connection's remote address.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	done    chan struct{}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClientLimiter derives a steady rate from maxRequests per windowSeconds
// and allows the full window as burst.
func newClientLimiter(maxRequests, windowSeconds int) *clientLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	l := &clientLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(maxRequests) / float64(windowSeconds)),
		burst:   maxRequests,
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow reports whether the request's client is within its budget.
func (l *clientLimiter) Allow(r *http.Request) bool {
	key := clientKey(r)

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

func (l *clientLimiter) Stop() {
	close(l.done)
}

// janitor evicts clients idle longer than ten minutes so the map doesn't
// grow with every address ever seen.
func (l *clientLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for key, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
