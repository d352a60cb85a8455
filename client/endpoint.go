package client

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// endpointState is the per-ServerEndpoint bookkeeping the connection
// manager keeps: liveness, when it was last observed to flip, and how many
// AMQP-level connections are currently considered force-invalid (pending
// cooperative closure, "balanced closure plan").
type endpointState struct {
	healthy        bool
	since          time.Time // when the current healthy/unhealthy state began
	forceInvalid   int       // count of in-flight connections marked for shedding
}

// EndpointRegistry tracks the health of every peer OJP server endpoint
// known to this client, and renders that state as the opaque
// cluster-health string carried on every request.
type EndpointRegistry struct {
	mu    sync.RWMutex
	state map[string]*endpointState
	order []string // stable iteration/round-robin order
}

// NewEndpointRegistry builds a registry with every endpoint initially
// marked healthy; failures observed on first use flip them unhealthy.
func NewEndpointRegistry(endpoints []string) *EndpointRegistry {
	r := &EndpointRegistry{
		state: make(map[string]*endpointState, len(endpoints)),
		order: append([]string(nil), endpoints...),
	}
	now := time.Now()
	for _, ep := range endpoints {
		r.state[ep] = &endpointState{healthy: true, since: now}
	}
	return r
}

// Endpoints returns every known endpoint in stable order.
func (r *EndpointRegistry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Healthy returns every endpoint currently marked healthy, in stable
// order.
func (r *EndpointRegistry) Healthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, ep := range r.order {
		if st := r.state[ep]; st != nil && st.healthy {
			out = append(out, ep)
		}
	}
	return out
}

// Unhealthy returns every endpoint marked unhealthy for at least
// threshold, the set the health checker should attempt to recover.
func (r *EndpointRegistry) Unhealthy(threshold time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var out []string
	for _, ep := range r.order {
		st := r.state[ep]
		if st != nil && !st.healthy && now.Sub(st.since) >= threshold {
			out = append(out, ep)
		}
	}
	return out
}

// IsHealthy reports a single endpoint's current health.
func (r *EndpointRegistry) IsHealthy(endpoint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.state[endpoint]
	return st != nil && st.healthy
}

// MarkUnhealthy flips endpoint unhealthy if it was healthy. Returns
// whether a transition actually occurred.
func (r *EndpointRegistry) MarkUnhealthy(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state[endpoint]
	if st == nil {
		st = &endpointState{}
		r.state[endpoint] = st
		r.order = append(r.order, endpoint)
	}
	if !st.healthy {
		return false
	}
	st.healthy = false
	st.since = time.Now()
	return true
}

// MarkHealthy flips endpoint healthy if it was unhealthy. Returns whether
// a transition actually occurred (the recovery event the health checker
// reacts to).
func (r *EndpointRegistry) MarkHealthy(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state[endpoint]
	if st == nil {
		st = &endpointState{healthy: true, since: time.Now()}
		r.state[endpoint] = st
		r.order = append(r.order, endpoint)
		return false
	}
	if st.healthy {
		return false
	}
	st.healthy = true
	st.since = time.Now()
	return true
}

// MarkForShedding increments endpoint's pending-shed counter, used by the
// balanced closure plan computed on recovery.
func (r *EndpointRegistry) MarkForShedding(endpoint string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.state[endpoint]; st != nil {
		st.forceInvalid += n
	}
}

// TakeShed reports and clears endpoint's pending-shed counter. A pooled
// Conn calls this (indirectly, via the connection manager) when deciding
// whether to report itself invalid on the next database/sql validity
// check.
func (r *EndpointRegistry) TakeShed(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state[endpoint]
	if st == nil || st.forceInvalid <= 0 {
		return false
	}
	st.forceInvalid--
	return true
}

// ClusterHealthString renders the current health state in the
// "endpoint:status,..." wire encoding that cluster.HealthyPeerCount on
// the server side parses. The server treats the string as opaque beyond
// counting healthy tokens and detecting change.
func (r *EndpointRegistry) ClusterHealthString() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parts := make([]string, 0, len(r.order))
	for _, ep := range r.order {
		status := "up"
		if st := r.state[ep]; st == nil || !st.healthy {
			status = "down"
		}
		parts = append(parts, fmt.Sprintf("%s:%s", ep, status))
	}
	return strings.Join(parts, ",")
}
