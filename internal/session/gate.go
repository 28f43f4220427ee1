package session

import (
	"sync"
	"time"
)

const (
	defaultTripThreshold = 5
	defaultCooloff       = 30 * time.Second
)

// Gate trips the control plane closed after consecutive failures so a crashed
// browser is not hammered with doomed requests. While tripped, readiness
// reports false and admission returns 503; recovery calls still pass through
// since they are the repair path.
type Gate struct {
	mu        sync.Mutex
	threshold int
	cooloff   time.Duration
	failures  int
	openUntil time.Time
}

// NewGate creates a gate that trips after threshold consecutive failures and
// stays tripped for the cooloff window.
func NewGate(threshold int, cooloff time.Duration) *Gate {
	if threshold <= 0 {
		threshold = defaultTripThreshold
	}
	if cooloff <= 0 {
		cooloff = defaultCooloff
	}
	return &Gate{threshold: threshold, cooloff: cooloff}
}

// Tripped reports whether the gate is currently open.
func (g *Gate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.openUntil)
}

// Record feeds one control-call outcome into the gate. A success closes the
// gate and resets the count; a failure counts toward the trip threshold.
func (g *Gate) Record(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if success {
		g.failures = 0
		g.openUntil = time.Time{}
		return
	}

	g.failures++
	if g.failures >= g.threshold {
		g.openUntil = time.Now().Add(g.cooloff)
		g.failures = 0
	}
}

// Failures returns the current consecutive-failure count.
func (g *Gate) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}
