package client

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/ojp-io/ojp/wire"
)

func init() {
	sql.Register("ojp", &Driver{})
}

// Driver implements database/sql/driver.Driver.
type Driver struct{}

// Open parses dsn and returns a Conn wired to a fresh
// MultinodeConnectionManager.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	transport := NewTransport(cfg.Queue, cfg.Reconnect)
	details := func() wire.ConnectionDetails {
		return wire.ConnectionDetails{
			URL:        cfg.URL,
			User:       cfg.User,
			Password:   cfg.Password,
			Properties: cfg.Properties,
		}
	}
	mgr := NewMultinodeConnectionManager(cfg.Endpoints, transport, cfg.Routing, cfg.Health, NewHealthValidator(transport, details, cfg.Health.Query))
	mgr.Start(context.Background())

	c := &Conn{
		cfg:       cfg,
		transport: transport,
		mgr:       mgr,
		details:   details,
	}
	if err := c.connect(context.Background()); err != nil {
		mgr.Stop()
		transport.Close()
		return nil, fmt.Errorf("ojp: connect failed: %w", err)
	}
	return c, nil
}
