// Package dedup provides the at-most-once claim on inbound Message-Ids.
//
// The gate is a process-wide concurrent map with per-entry expiry. The
// contract allows substituting a shared cache for multi-process deployments
// as long as the claim stays atomic.
package dedup

import (
	"sync"
	"time"

	"github.com/arganhr/mailroom/internal/mailctx"
)

// Verdict is the gate's decision for one message identifier.
type Verdict int

const (
	// Accepted means the identifier was claimed by this call.
	Accepted Verdict = iota
	// Duplicate means the identifier was already claimed within the TTL.
	Duplicate
)

// sweepInterval bounds how often the lazy sweeper walks the claim map.
const sweepInterval = 10 * time.Minute

// Gate tracks claimed message identifiers with a TTL.
type Gate struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	claims    map[string]time.Time
	lastSweep time.Time
}

// NewGate creates a Gate whose claims expire after ttl.
func NewGate(ttl time.Duration) *Gate {
	return newGate(ttl, time.Now)
}

func newGate(ttl time.Duration, now func() time.Time) *Gate {
	return &Gate{
		ttl:       ttl,
		now:       now,
		claims:    make(map[string]time.Time),
		lastSweep: now(),
	}
}

// Claim atomically claims messageID. Exactly one concurrent caller per
// identifier sees Accepted; the rest see Duplicate until the TTL expires.
// The unknown sentinel is always accepted: unknown identity is safer treated
// as a new arrival, and the loop guard and classifier run downstream.
func (g *Gate) Claim(messageID string) Verdict {
	if messageID == mailctx.UnknownMessageID || messageID == "" {
		return Accepted
	}

	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)

	if claimedAt, ok := g.claims[messageID]; ok && now.Sub(claimedAt) < g.ttl {
		return Duplicate
	}
	g.claims[messageID] = now
	return Accepted
}

// Len reports the number of live claims. Expired entries may be counted
// until the next sweep.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claims)
}

// sweepLocked evicts expired claims at most once per sweepInterval.
// Callers hold g.mu.
func (g *Gate) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < sweepInterval {
		return
	}
	g.lastSweep = now
	for id, claimedAt := range g.claims {
		if now.Sub(claimedAt) >= g.ttl {
			delete(g.claims, id)
		}
	}
}
