package cluster

import (
	"sync"
)

// PoolSizes is the (maxPoolSize, minIdle) pair a coordinator derives for
// one ConnHash given the currently healthy peer count.
type PoolSizes struct {
	MaxPoolSize int
	MinIdle     int
}

// ceilDiv computes ceil(a/b) with a floor of 1,
// invariant: "after a cluster-health change that shrinks healthy peers
// from N to M, the applied local pool slice is ceil(declared/M)".
func ceilDiv(declared, healthyPeers int) int {
	if healthyPeers <= 0 {
		healthyPeers = 1
	}
	v := (declared + healthyPeers - 1) / healthyPeers
	if v < 1 {
		v = 1
	}
	return v
}

type coordinatorState struct {
	declaredMax int
	declaredMin int
	endpoints   []string
	applied     PoolSizes
}

// PoolCoordinator derives each ConnHash's local share of its declared
// non-XA pool size from the current healthy-peer count.
type PoolCoordinator struct {
	mu    sync.Mutex
	state map[string]*coordinatorState
}

// NewPoolCoordinator builds an empty coordinator.
func NewPoolCoordinator() *PoolCoordinator {
	return &PoolCoordinator{state: make(map[string]*coordinatorState)}
}

// CalculatePoolSizes records declaredMax/declaredMin/endpoints for
// connHash and returns the allocation for the current healthy peer count.
func (c *PoolCoordinator) CalculatePoolSizes(connHash string, declaredMax, declaredMin, healthyPeers int, endpoints []string) PoolSizes {
	c.mu.Lock()
	defer c.mu.Unlock()

	sizes := PoolSizes{
		MaxPoolSize: ceilDiv(declaredMax, healthyPeers),
		MinIdle:     ceilDiv(declaredMin, healthyPeers),
	}
	c.state[connHash] = &coordinatorState{
		declaredMax: declaredMax,
		declaredMin: declaredMin,
		endpoints:   append([]string(nil), endpoints...),
		applied:     sizes,
	}
	return sizes
}

// UpdateHealthyServers recomputes the allocation for a previously recorded
// ConnHash using its last declared sizes, for a new healthy-peer count.
// Returns the new sizes and whether the endpoint set itself changed
// (signalling the caller should recreate rather than live-resize the pool,
// per the recreate-vs-resize decision).
func (c *PoolCoordinator) UpdateHealthyServers(connHash string, healthyPeers int, endpoints []string) (PoolSizes, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[connHash]
	if !ok {
		return PoolSizes{}, false, false
	}

	endpointSetChanged := !equalEndpointSets(st.endpoints, endpoints)
	st.endpoints = append([]string(nil), endpoints...)

	sizes := PoolSizes{
		MaxPoolSize: ceilDiv(st.declaredMax, healthyPeers),
		MinIdle:     ceilDiv(st.declaredMin, healthyPeers),
	}
	st.applied = sizes
	return sizes, endpointSetChanged, true
}

func equalEndpointSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, e := range a {
		seen[e]++
	}
	for _, e := range b {
		seen[e]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// XaCoordinator is the XA-transaction-limit analogue of PoolCoordinator;
// kept as a distinct type since XA pools carry different
// default sizes and a different minIdle semantics (no minIdle concept,
// only a max concurrent branch limit).
type XaCoordinator struct {
	mu    sync.Mutex
	state map[string]*coordinatorState
}

// NewXaCoordinator builds an empty XA coordinator.
func NewXaCoordinator() *XaCoordinator {
	return &XaCoordinator{state: make(map[string]*coordinatorState)}
}

// CalculateXaLimits derives the local max XA branch allocation for
// connHash given the current healthy peer count.
func (c *XaCoordinator) CalculateXaLimits(connHash string, declaredMax, healthyPeers int, endpoints []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	max := ceilDiv(declaredMax, healthyPeers)
	c.state[connHash] = &coordinatorState{
		declaredMax: declaredMax,
		endpoints:   append([]string(nil), endpoints...),
		applied:     PoolSizes{MaxPoolSize: max},
	}
	return max
}

// UpdateHealthyServers recomputes the XA limit for a previously recorded
// ConnHash, mirroring PoolCoordinator.UpdateHealthyServers.
func (c *XaCoordinator) UpdateHealthyServers(connHash string, healthyPeers int, endpoints []string) (int, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.state[connHash]
	if !ok {
		return 0, false, false
	}

	endpointSetChanged := !equalEndpointSets(st.endpoints, endpoints)
	st.endpoints = append([]string(nil), endpoints...)

	max := ceilDiv(st.declaredMax, healthyPeers)
	st.applied = PoolSizes{MaxPoolSize: max}
	return max, endpointSetChanged, true
}
