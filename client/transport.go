package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/wire"
)

// ReconnectConfig controls per-endpoint AMQP reconnection behavior; the
// same backoff policy applies independently to every broker connection.
type ReconnectConfig struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
}

// DefaultReconnectConfig enables up to ten redial attempts with
// exponential backoff capped at a minute.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:           true,
		MaxAttempts:       10,
		InitialInterval:   1 * time.Second,
		MaxInterval:       60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// endpointLink is one peer server's AMQP connection, dialed lazily and
// redialed on close.
type endpointLink struct {
	mu           sync.Mutex
	endpoint     string
	amqpURL      string
	conn         *amqp.Connection
	reconfig     ReconnectConfig
	nextInterval time.Duration
	attempts     int
}

func newEndpointLink(endpoint, amqpURL string, rc ReconnectConfig) *endpointLink {
	return &endpointLink{
		endpoint:     endpoint,
		amqpURL:      amqpURL,
		reconfig:     rc,
		nextInterval: rc.InitialInterval,
	}
}

// get returns a live connection, dialing or redialing as needed. Redial
// is a blocking exponential-backoff loop since the RPC layer is
// synchronous per request.
func (l *endpointLink) get() (*amqp.Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil && !l.conn.IsClosed() {
		return l.conn, nil
	}

	var lastErr error
	maxAttempts := l.reconfig.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	interval := l.reconfig.InitialInterval
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err := amqp.Dial(l.amqpURL)
		if err == nil {
			l.conn = conn
			l.attempts = 0
			l.nextInterval = l.reconfig.InitialInterval
			return conn, nil
		}
		lastErr = err
		if !l.reconfig.Enabled || attempt == maxAttempts-1 {
			break
		}
		time.Sleep(interval)
		interval = time.Duration(float64(interval) * l.reconfig.BackoffMultiplier)
		if interval > l.reconfig.MaxInterval {
			interval = l.reconfig.MaxInterval
		}
	}
	return nil, fmt.Errorf("ojp client: dial %s (%s) failed: %w", l.endpoint, l.amqpURL, lastErr)
}

func (l *endpointLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// Transport sends wire.Envelope requests to OJP server endpoints over
// AMQP and collects their OpResult reply (or reply stream), one endpoint
// link per server: requests publish to the shared server queue with a
// correlation id and an exclusive reply queue.
type Transport struct {
	mu    sync.Mutex
	links map[string]*endpointLink
	rc    ReconnectConfig
	queue string // shared OJP server queue name, same across every endpoint/broker
}

// NewTransport builds a Transport with the given reconnection policy.
// queue is the AMQP queue name every OJP server instance declares: each
// node runs its own broker hosting a server under the same logical queue
// name, so a client never needs a per-node queue name — only a per-node
// broker URL, the `endpoint` parameter everywhere else in this package.
func NewTransport(queue string, rc ReconnectConfig) *Transport {
	return &Transport{links: make(map[string]*endpointLink), rc: rc, queue: queue}
}

func (t *Transport) linkFor(endpoint string) *endpointLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[endpoint]
	if !ok {
		l = newEndpointLink(endpoint, endpoint, t.rc)
		t.links[endpoint] = l
	}
	return l
}

// Close closes every endpoint link.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.links {
		l.close()
	}
}

// Invalidate force-closes the AMQP connection to endpoint so the next
// call redials. Used by MultinodeConnectionManager.MarkFailed when an RPC
// to endpoint fails.
func (t *Transport) Invalidate(endpoint string) {
	t.linkFor(endpoint).close()
}

// Call sends one request and waits for its single OpResult reply.
func (t *Transport) Call(ctx context.Context, endpoint, action string, payload any) (wire.OpResult, error) {
	var final wire.OpResult
	err := t.CallStream(ctx, endpoint, action, payload, func(res wire.OpResult) bool {
		final = res
		return true
	})
	return final, err
}

// CallStream sends one request and invokes onResult for every reply
// message sharing its correlation id, stopping when a message with
// Final=true arrives or onResult itself returns false. This is the
// server-streaming shape executeQuery/fetchNextRows/LOB download use: a
// bounded sequence of replies terminated by a Final message.
func (t *Transport) CallStream(ctx context.Context, endpoint, action string, payload any, onResult func(wire.OpResult) bool) error {
	conn, err := t.linkFor(endpoint).get()
	if err != nil {
		return errs.TransientInfra("ojp client: no connection to "+endpoint, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return errs.TransientInfra("ojp client: channel open failed", err)
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return errs.TransientInfra("ojp client: reply queue declare failed", err)
	}

	corrID := fmt.Sprintf("%d", time.Now().UnixNano())
	body, err := json.Marshal(wire.Envelope{Action: action, Payload: payload})
	if err != nil {
		return errs.Protocol("ojp client: marshaling request failed: " + err.Error())
	}

	err = ch.PublishWithContext(ctx, "", t.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	})
	if err != nil {
		return errs.TransientInfra("ojp client: publish failed", err)
	}

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return errs.TransientInfra("ojp client: consume failed", err)
	}

	for {
		select {
		case <-ctx.Done():
			return errs.TransientInfra("ojp client: timeout waiting for "+action+" reply", ctx.Err())
		case msg, ok := <-msgs:
			if !ok {
				return errs.TransientInfra("ojp client: reply channel closed", nil)
			}
			if msg.CorrelationId != corrID {
				continue
			}
			var res wire.OpResult
			if err := json.Unmarshal(msg.Body, &res); err != nil {
				return errs.Protocol("ojp client: malformed reply: " + err.Error())
			}
			keepGoing := onResult(res)
			if res.Final || !keepGoing {
				return nil
			}
		}
	}
}
