package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DSNConfig is the parsed form of an OJP database/sql DSN: the multinode
// endpoint list, the isXA flag, and the connection-pool properties the
// connect operation accepts.
type DSNConfig struct {
	Queue     string   // shared AMQP queue name every OJP server declares
	Endpoints []string // one AMQP broker URL per peer OJP server
	URL       string   // backend database URL to proxy
	User      string
	Password  string
	IsXA      bool
	Timeout   time.Duration
	Debug     bool

	Properties map[string]string

	Reconnect ReconnectConfig
	Routing   RoutingConfig
	Health    HealthCheckConfig
}

// parseDSN parses a DSN of the form
//
//	queue=<name>&endpoints=<amqp-url>,<amqp-url>,...&url=<backend-url>&user=<u>&password=<p>&isXA=<bool>&timeout=<dur>&debug=<bool>
//
// with endpoints as a comma-separated list of broker URLs and an isXA
// flag selecting the XA session mode.
func parseDSN(dsn string) (*DSNConfig, error) {
	u, err := url.Parse("?" + dsn)
	if err != nil {
		return nil, fmt.Errorf("ojp: invalid DSN format: %w", err)
	}
	values := u.Query()

	queue := values.Get("queue")
	if queue == "" {
		return nil, fmt.Errorf("ojp: missing required parameter 'queue' in DSN")
	}

	endpointsRaw := values.Get("endpoints")
	if endpointsRaw == "" {
		return nil, fmt.Errorf("ojp: missing required parameter 'endpoints' in DSN")
	}
	var endpoints []string
	for _, ep := range strings.Split(endpointsRaw, ",") {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		if !strings.HasPrefix(ep, "amqp://") && !strings.HasPrefix(ep, "amqps://") {
			return nil, fmt.Errorf("ojp: invalid endpoint %q: must start with amqp:// or amqps://", ep)
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("ojp: endpoints list is empty")
	}

	backendURL := values.Get("url")
	if backendURL == "" {
		return nil, fmt.Errorf("ojp: missing required parameter 'url' in DSN")
	}

	timeout := 30 * time.Second
	if v := values.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ojp: invalid timeout %q: %w", v, err)
		}
		timeout = d
	}

	isXA := parseBoolDefault(values.Get("isXA"), false)
	debug := parseBoolDefault(values.Get("debug"), false)

	props := make(map[string]string)
	for key, vals := range values {
		if strings.HasPrefix(key, "prop.") && len(vals) > 0 {
			props[strings.TrimPrefix(key, "prop.")] = vals[0]
		}
	}

	cfg := &DSNConfig{
		Queue:      queue,
		Endpoints:  endpoints,
		URL:        backendURL,
		User:       values.Get("user"),
		Password:   values.Get("password"),
		IsXA:       isXA,
		Timeout:    timeout,
		Debug:      debug,
		Properties: props,
		Reconnect:  DefaultReconnectConfig(),
		Routing:    DefaultRoutingConfig(),
		Health:     DefaultHealthCheckConfig(),
	}

	cfg.Routing.LoadAwareSelectionEnabled = parseBoolDefault(values.Get("loadAwareSelectionEnabled"), cfg.Routing.LoadAwareSelectionEnabled)
	cfg.Routing.UnifiedConnectionEnabled = parseBoolDefault(values.Get("unifiedConnectionEnabled"), cfg.Routing.UnifiedConnectionEnabled)
	cfg.Routing.RedistributionEnabled = parseBoolDefault(values.Get("redistributionEnabled"), cfg.Routing.RedistributionEnabled)

	if v := values.Get("healthCheckInterval"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Interval = d
		}
	}
	if v := values.Get("healthCheckThreshold"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Threshold = d
		}
	}
	if v := values.Get("healthCheckTimeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Timeout = d
		}
	}
	if v := values.Get("healthCheckQuery"); v != "" {
		cfg.Health.Query = v
	}

	return cfg, nil
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
