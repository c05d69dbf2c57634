package transport

import (
	"sync"
	"time"
)

const (
	DefaultDedupeTTL  = 2 * time.Minute
	DefaultDedupeSize = 4096
)

// Dedupe remembers whisper envelope IDs for a TTL so a payload redelivered
// after a reconnect or a publisher retry reaches the handler once.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupe creates a cache. Non-positive arguments use the defaults.
func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultDedupeSize
	}
	return &Dedupe{
		seen:    make(map[string]time.Time, 64),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether id was already recorded within the TTL, recording
// it otherwise. Empty IDs are never duplicates.
func (d *Dedupe) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.pruneLocked(now)
	d.seen[id] = now
	return false
}

// pruneLocked drops expired IDs, then the oldest ones while over size.
func (d *Dedupe) pruneLocked(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
	for len(d.seen) >= d.maxSize {
		var oldest string
		var oldestAt time.Time
		for id, at := range d.seen {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = id, at
			}
		}
		delete(d.seen, oldest)
	}
}
