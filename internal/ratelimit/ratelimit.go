// Package ratelimit implements a token-bucket limiter per WebSocket
// session, used by the gateway to cap how many frames one session may push
// onto the fan-out and publish paths per second.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token-bucket limiter.
type Bucket struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewBucket returns a Bucket starting full, so a session may burst up to
// burst frames immediately before the steady-state rate applies.
func NewBucket(rate float64, burst int) *Bucket {
	return &Bucket{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow reports whether one frame may proceed now, consuming a token if so.
func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN reports whether n frames may proceed now, consuming n tokens if so.
func (b *Bucket) AllowN(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refill(now)

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now

	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
}

// PerSession hands out one Bucket per session ID, lazily created on first
// use and reclaimed when the session closes.
type PerSession struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	rate     float64
	burst    int
	maxIdle  int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPerSession starts a background sweep that resets the table if it grows
// past maxEntries, guarding against leaked buckets from sessions that never
// called Remove (e.g. an abrupt process crash mid-connection elsewhere).
func NewPerSession(rate float64, burst, maxEntries int) *PerSession {
	p := &PerSession{
		buckets: make(map[string]*Bucket),
		rate:    rate,
		burst:   burst,
		maxIdle: maxEntries,
		stop:    make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Get returns the bucket for sessionID, creating it if this is the first
// frame seen from that session.
func (p *PerSession) Get(sessionID string) *Bucket {
	p.mu.RLock()
	b, ok := p.buckets[sessionID]
	p.mu.RUnlock()
	if ok {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.buckets[sessionID]; ok {
		return b
	}
	b = NewBucket(p.rate, p.burst)
	p.buckets[sessionID] = b
	return b
}

// Remove drops sessionID's bucket, called from the session's close path.
func (p *PerSession) Remove(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buckets, sessionID)
}

// Stop halts the background sweep.
func (p *PerSession) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *PerSession) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if len(p.buckets) > p.maxIdle {
				p.buckets = make(map[string]*Bucket)
			}
			p.mu.Unlock()
		}
	}
}
