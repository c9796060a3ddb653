package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 10 * time.Minute

// clientLimiters hands out one token bucket per client identity. Entries for
// clients not seen recently are pruned on the allocation path, so no
// background goroutine is needed.
type clientLimiters struct {
	limit rate.Limit
	burst int

	mtx     sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(perMinute float64, burst int) *clientLimiters {
	return &clientLimiters{
		limit:   rate.Limit(perMinute / 60.0),
		burst:   burst,
		clients: map[string]*clientLimiter{},
	}
}

// allow consumes one token for the given client, creating its bucket on
// first sight.
func (l *clientLimiters) allow(client string) bool {
	now := time.Now()

	l.mtx.Lock()
	defer l.mtx.Unlock()

	c, ok := l.clients[client]
	if !ok {
		l.prune(now)
		c = &clientLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = c
	}
	c.lastSeen = now
	return c.lim.Allow()
}

func (l *clientLimiters) prune(now time.Time) {
	for client, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTimeout {
			delete(l.clients, client)
		}
	}
}
