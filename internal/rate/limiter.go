// Package rate holds per-client token buckets for the read API.
package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerClient keeps one token bucket per client address.
type PerClient struct {
	mu        sync.Mutex
	m         map[string]*limitEntry
	perSecond float64
	burst     int
	idle      time.Duration
	now       func() time.Time
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New creates a limiter allowing perSecond requests per client with the
// given burst.
func New(perSecond float64, burst int) *PerClient {
	return &PerClient{
		m:         make(map[string]*limitEntry),
		perSecond: perSecond,
		burst:     burst,
		idle:      time.Hour,
		now:       time.Now,
	}
}

// Allow reports whether client may make a request now.
func (p *PerClient) Allow(client string) bool {
	p.mu.Lock()
	now := p.now()
	entry, ok := p.m[client]
	if !ok {
		entry = &limitEntry{limiter: rate.NewLimiter(rate.Limit(p.perSecond), p.burst)}
		p.m[client] = entry
	}
	entry.lastUsed = now
	p.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (p *PerClient) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Evict drops clients idle for longer than the idle window.
func (p *PerClient) Evict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.idle)
	for client, entry := range p.m {
		if entry.lastUsed.Before(cutoff) {
			delete(p.m, client)
		}
	}
}

// Janitor evicts idle clients every interval until ctx is done.
func (p *PerClient) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Evict()
		}
	}
}
