package scrape

import (
	"sync"
	"time"
)

// Cooldowns tracks per-domain exponential backoff after 403/429 responses.
// The table is process-wide and survives run boundaries.
type Cooldowns struct {
	mu   sync.Mutex
	m    map[string]*cooldownEntry
	base time.Duration
	max  time.Duration

	now func() time.Time
}

type cooldownEntry struct {
	until   time.Time
	strikes int
	status  int
}

func NewCooldowns(base, max time.Duration) *Cooldowns {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = time.Hour
	}
	return &Cooldowns{
		m:    map[string]*cooldownEntry{},
		base: base,
		max:  max,
		now:  time.Now,
	}
}

// Blocked reports whether domain is inside a cooldown, returning the HTTP
// status that triggered it so the source can echo the same error kind.
func (c *Cooldowns) Blocked(domain string) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[domain]
	if !ok {
		return false, 0
	}
	if c.now().Before(e.until) {
		return true, e.status
	}
	return false, 0
}

// Strike records a 403/429 from domain and doubles its cooldown.
func (c *Cooldowns) Strike(domain string, status int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[domain]
	if !ok {
		e = &cooldownEntry{}
		c.m[domain] = e
	}
	d := c.base << uint(e.strikes)
	if d > c.max {
		d = c.max
	}
	e.strikes++
	e.status = status
	e.until = c.now().Add(d)
	return d
}

// Clear forgets one domain after a successful fetch.
func (c *Cooldowns) Clear(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, domain)
}

// Reset drops the whole table.
func (c *Cooldowns) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = map[string]*cooldownEntry{}
}
