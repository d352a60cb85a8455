package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSNMinimal(t *testing.T) {
	cfg, err := parseDSN("queue=ojp&endpoints=amqp://localhost:5672/&url=ojp:ojp@tcp(localhost:3306)/ojp")
	require.NoError(t, err)
	assert.Equal(t, "ojp", cfg.Queue)
	assert.Equal(t, []string{"amqp://localhost:5672/"}, cfg.Endpoints)
	assert.False(t, cfg.IsXA)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestParseDSNMultipleEndpointsAndOverrides(t *testing.T) {
	dsn := "queue=ojp&endpoints=amqp://a:5672/,amqp://b:5672/&url=u&isXA=true&timeout=2s&debug=true" +
		"&loadAwareSelectionEnabled=false&healthCheckInterval=1s&prop.charset=utf8"
	cfg, err := parseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, []string{"amqp://a:5672/", "amqp://b:5672/"}, cfg.Endpoints)
	assert.True(t, cfg.IsXA)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.False(t, cfg.Routing.LoadAwareSelectionEnabled)
	assert.Equal(t, time.Second, cfg.Health.Interval)
	assert.Equal(t, "utf8", cfg.Properties["charset"])
}

func TestParseDSNMissingRequiredFields(t *testing.T) {
	_, err := parseDSN("endpoints=amqp://localhost:5672/&url=u")
	assert.Error(t, err, "missing queue")

	_, err = parseDSN("queue=ojp&url=u")
	assert.Error(t, err, "missing endpoints")

	_, err = parseDSN("queue=ojp&endpoints=amqp://localhost:5672/")
	assert.Error(t, err, "missing url")
}

func TestParseDSNRejectsNonAMQPEndpoint(t *testing.T) {
	_, err := parseDSN("queue=ojp&endpoints=http://localhost:5672/&url=u")
	assert.Error(t, err)
}
