package client

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ojp-io/ojp/wire"
)

// HealthCheckConfig controls the periodic health check loop, matching
// the client-visible ojp.health.check.interval/threshold/timeout/query
// configuration keys.
type HealthCheckConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	Timeout   time.Duration
	Query     string
}

// DefaultHealthCheckConfig returns the documented defaults: 5s interval,
// threshold and timeout, SELECT 1 as the probe query.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:  5 * time.Second,
		Threshold: 5 * time.Second,
		Timeout:   5 * time.Second,
		Query:     "SELECT 1",
	}
}

// RoutingConfig toggles the client routing policies: load-aware selection
// for XA endpoint assignment, and unified mode for non-XA (connect to
// every healthy endpoint rather than one).
type RoutingConfig struct {
	RedistributionEnabled     bool
	LoadAwareSelectionEnabled bool
	UnifiedConnectionEnabled  bool
}

// DefaultRoutingConfig enables all three policies.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		RedistributionEnabled:     true,
		LoadAwareSelectionEnabled: true,
		UnifiedConnectionEnabled:  true,
	}
}

// MultinodeConnectionManager is the client-side multinode coordinator:
// it owns the set of peer OJP server endpoints, their health, session
// stickiness for XA, load-aware/round-robin XA routing, unified-mode
// non-XA fan-out, and the periodic health check that detects recovery and
// invalidates stale connections/sessions.
type MultinodeConnectionManager struct {
	registry  *EndpointRegistry
	sessions  *SessionTracker
	transport *Transport
	routing   RoutingConfig
	hcConfig  HealthCheckConfig

	rrCounter uint64

	checkInFlight int32 // CAS gate: only one health-check pass at a time
	stop          chan struct{}

	validate func(ctx context.Context, endpoint string, timeout time.Duration) error
}

// NewMultinodeConnectionManager builds a manager for the given endpoints.
// validate performs one health-check probe against endpoint (typically: a
// validation AMQP connection plus a round-trip of hcConfig.Query); nil
// uses a no-op that always reports healthy, useful for routing-only unit
// tests that never exercise the network path.
func NewMultinodeConnectionManager(endpoints []string, transport *Transport, routing RoutingConfig, hc HealthCheckConfig, validate func(ctx context.Context, endpoint string, timeout time.Duration) error) *MultinodeConnectionManager {
	if validate == nil {
		validate = func(context.Context, string, time.Duration) error { return nil }
	}
	return &MultinodeConnectionManager{
		registry:  NewEndpointRegistry(endpoints),
		sessions:  NewSessionTracker(),
		transport: transport,
		routing:   routing,
		hcConfig:  hc,
		validate:  validate,
		stop:      make(chan struct{}),
	}
}

// ClusterHealth renders the current endpoint health as the opaque string
// carried on every request's SessionInfo.ClusterHealth.
func (m *MultinodeConnectionManager) ClusterHealth() string {
	return m.registry.ClusterHealthString()
}

// Endpoints returns every known peer endpoint.
func (m *MultinodeConnectionManager) Endpoints() []string {
	return m.registry.Endpoints()
}

// Sessions exposes the session tracker for stickiness bookkeeping by the
// higher-level Conn/OJPClient.
func (m *MultinodeConnectionManager) Sessions() *SessionTracker { return m.sessions }

// SelectForXA picks the target endpoint for a new XA session: load-aware
// (fewest currently-bound sessions) when enabled, else round-robin over
// healthy endpoints.
func (m *MultinodeConnectionManager) SelectForXA() (string, bool) {
	healthy := m.registry.Healthy()
	if len(healthy) == 0 {
		return "", false
	}

	if !m.routing.LoadAwareSelectionEnabled {
		idx := atomic.AddUint64(&m.rrCounter, 1) - 1
		return healthy[int(idx%uint64(len(healthy)))], true
	}

	sort.Slice(healthy, func(i, j int) bool {
		ci, cj := m.sessions.SessionCount(healthy[i]), m.sessions.SessionCount(healthy[j])
		if ci != cj {
			return ci < cj
		}
		return healthy[i] < healthy[j]
	})
	return healthy[0], true
}

// UnifiedTargets returns the endpoints a non-XA operation may be routed
// to. In unified mode this is every healthy endpoint, since
// any of them can serve any non-XA operation and distribution is a
// client-side pool concern; otherwise it is the single load-aware/
// round-robin pick, same policy as XA.
func (m *MultinodeConnectionManager) UnifiedTargets() []string {
	if m.routing.UnifiedConnectionEnabled {
		return m.registry.Healthy()
	}
	ep, ok := m.SelectForXA()
	if !ok {
		return nil
	}
	return []string{ep}
}

// BindSession records session->endpoint stickiness for an XA session just
// created or rebound.
func (m *MultinodeConnectionManager) BindSession(sessionUUID, endpoint string) {
	m.sessions.Bind(sessionUUID, endpoint)
}

// EndpointFor resolves the sticky endpoint for an existing session,
// falling back to a fresh XA routing decision if unbound (the initial
// connect hasn't happened yet, or stickiness was dropped on recovery).
func (m *MultinodeConnectionManager) EndpointFor(sessionUUID string) (string, bool) {
	if ep, ok := m.sessions.Lookup(sessionUUID); ok && m.registry.IsHealthy(ep) {
		return ep, true
	}
	return m.SelectForXA()
}

// ShouldShed reports whether the connection currently bound to endpoint
// should close itself cooperatively on its next validity check, as part
// of a balanced closure plan following a recovery. Intended to back a
// database/sql driver.Validator implementation.
func (m *MultinodeConnectionManager) ShouldShed(endpoint string) bool {
	return m.registry.TakeShed(endpoint)
}

// Start launches the periodic health check loop. Call
// Stop to terminate it.
func (m *MultinodeConnectionManager) Start(ctx context.Context) {
	go m.healthLoop(ctx)
}

// Stop terminates the health check loop.
func (m *MultinodeConnectionManager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *MultinodeConnectionManager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.hcConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.runHealthCheck(ctx)
		}
	}
}

// runHealthCheck is one health-check pass, gated so only one runs at a
// time (compare-and-set on checkInFlight, explicit
// requirement), attempting recovery of every endpoint unhealthy for at
// least hcConfig.Threshold.
func (m *MultinodeConnectionManager) runHealthCheck(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.checkInFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.checkInFlight, 0)

	for _, ep := range m.registry.Unhealthy(m.hcConfig.Threshold) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.probeAndRecover(ctx, ep)
	}
}

func (m *MultinodeConnectionManager) probeAndRecover(ctx context.Context, endpoint string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.hcConfig.Timeout)
	defer cancel()

	if err := m.validate(probeCtx, endpoint, m.hcConfig.Timeout); err != nil {
		return
	}
	if !m.registry.MarkHealthy(endpoint) {
		return
	}
	log.Printf("[client] endpoint %s recovered", endpoint)

	removed := m.sessions.UnbindAll(endpoint)
	for _, sess := range removed {
		log.Printf("[client] invalidated session %s bound to recovering fallback endpoint", sess)
	}

	m.planBalancedClosure(endpoint)
}

// planBalancedClosure sheds connections from overloaded healthy endpoints
// so the next acquisitions land on the just-recovered endpoint "compute a balanced closure plan". The plan is a simple
// equalization: each endpoint currently carrying more sessions than the
// post-recovery fair share gets that many connections marked for
// cooperative closure.
func (m *MultinodeConnectionManager) planBalancedClosure(recovered string) {
	if !m.routing.RedistributionEnabled {
		return
	}
	healthy := m.registry.Healthy()
	if len(healthy) == 0 {
		return
	}

	total := 0
	for _, ep := range healthy {
		total += m.sessions.SessionCount(ep)
	}
	fairShare := total / len(healthy)

	for _, ep := range healthy {
		if ep == recovered {
			continue
		}
		over := m.sessions.SessionCount(ep) - fairShare
		if over > 0 {
			m.registry.MarkForShedding(ep, over)
		}
	}
}

// MarkFailed records a transport-observed failure against endpoint
// (publish error, dial error, RPC timeout), transitioning it to unhealthy
// so the health checker starts probing for recovery. This is how
// connection failures discovered mid-RPC feed back into routing.
func (m *MultinodeConnectionManager) MarkFailed(endpoint string) {
	if m.registry.MarkUnhealthy(endpoint) {
		log.Printf("[client] endpoint %s marked unhealthy", endpoint)
		m.transport.Invalidate(endpoint)
	}
}

// wireConnectDetails builds the ConnectionDetails payload carrying every
// known endpoint plus the current cluster health snapshot.
func (m *MultinodeConnectionManager) wireConnectDetails(url, user, password string, isXA bool, props map[string]string) wire.ConnectionDetails {
	return wire.ConnectionDetails{
		URL:             url,
		User:            user,
		Password:        password,
		IsXA:            isXA,
		ServerEndpoints: m.Endpoints(),
		ClusterHealth:   m.ClusterHealth(),
		Properties:      props,
	}
}
