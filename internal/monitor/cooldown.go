// Package monitor tracks when anomaly events were last announced so repeated
// deviations on the same sensor do not flood subscribers.
package monitor

import (
	"sync"
	"time"
)

func WithinCooldown(last, now time.Time, cooldown time.Duration) bool {
	return now.Sub(last) < cooldown
}

type key struct {
	network  string
	sensor   string
	severity string
}

// Cooldown remembers the last announcement per (network, sensor, severity).
// A zero window disables suppression.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[key]time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, last: map[key]time.Time{}}
}

// Allow reports whether an event may be announced at now and records it if so.
func (c *Cooldown) Allow(network, sensor, severity string, now time.Time) bool {
	if c == nil || c.window <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{network, sensor, severity}
	if last, ok := c.last[k]; ok && WithinCooldown(last, now, c.window) {
		return false
	}
	c.last[k] = now
	return true
}

// Forget drops every entry of a network, used when its session stops.
func (c *Cooldown) Forget(network string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.last {
		if k.network == network {
			delete(c.last, k)
		}
	}
}
