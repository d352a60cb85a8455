// Package cluster implements server-side cluster-health change detection
// and the multinode pool-size coordinators that keep a backend pool's
// declared capacity in step with how many peer servers are currently
// healthy.
package cluster

import (
	"strings"
	"sync"
)

// HealthTracker detects changes in the opaque cluster-health string each
// request carries, per ConnHash, so cluster-health processing only
// recomputes allocation when something actually changed.
type HealthTracker struct {
	mu       sync.Mutex
	lastSeen map[string]string // connHash -> last cluster-health string
}

// NewHealthTracker builds an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{lastSeen: make(map[string]string)}
}

// Changed reports whether clusterHealth differs from the last value seen
// for connHash, and records the new value as a side effect. The very
// first observation for a ConnHash always reports changed.
func (t *HealthTracker) Changed(connHash, clusterHealth string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.lastSeen[connHash]
	t.lastSeen[connHash] = clusterHealth
	return !seen || prev != clusterHealth
}

// HealthyPeerCount counts the healthy peers encoded in a cluster-health
// string. The wire encoding is a comma-separated list of
// "endpoint:status" pairs where status is "up" or "down"; any other
// structural encoding a client sends is treated as opaque and every
// non-empty token counts as healthy; this keeps the server from having to
// share the client's exact endpoint model, only the count it implies.
func HealthyPeerCount(clusterHealth string) int {
	if strings.TrimSpace(clusterHealth) == "" {
		return 1
	}
	tokens := strings.Split(clusterHealth, ",")
	count := 0
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(tok), ":down") {
			continue
		}
		count++
	}
	if count == 0 {
		return 1
	}
	return count
}
