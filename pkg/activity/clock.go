// Package activity implements the Activity Clock (AC): a process-wide
// mapping from namespace to the last time a request was admitted for it.
// RGF calls Touch on every admitted request; REAP calls Snapshot to find
// idle namespaces and Evict once it has scaled one down.
package activity

import (
	"sync"
	"time"
)

// Clock is a concurrency-safe namespace -> last-seen-time map. The zero
// value is not usable; construct with NewClock.
type Clock struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewClock constructs an empty Clock using the wall-clock time source.
func NewClock() *Clock {
	return &Clock{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// SetNow overrides the Clock's time source, for deterministic tests.
func (c *Clock) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Touch records namespace as having just been accessed, moving its
// last-seen time forward. Touch never needs to check the existing value
// since time.Now() is itself monotonic for a single process.
func (c *Clock) Touch(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[namespace] = c.now()
}

// Snapshot returns a stable copy of the current namespace -> last-seen map,
// safe to range over without holding the Clock's lock (REAP iterates this
// while it may itself be calling Evict on other namespaces).
func (c *Clock) Snapshot() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.seen))
	for ns, t := range c.seen {
		out[ns] = t
	}
	return out
}

// Evict removes namespace's entry, used by REAP once its scale-down pass
// for that namespace has finished, whether or not every patch succeeded.
func (c *Clock) Evict(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, namespace)
}

// IdleSince reports how long namespace has been idle and whether it has an
// entry at all. REAP does not call it; it works from Snapshot.
func (c *Clock) IdleSince(namespace string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.seen[namespace]
	if !ok {
		return 0, false
	}
	return c.now().Sub(last), true
}
