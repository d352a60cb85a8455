// Package breaker implements per-statement-hash circuit breaking: a run of
// backend failures for a given statement trips the breaker, which then
// refuses execution until a cooldown lets one trial call back through.
package breaker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Allow when the breaker for a statement is open.
var ErrOpen = errors.New("breaker: statement circuit is open")

// Config tunes every per-statement breaker this StatementBreaker creates.
type Config struct {
	MaxFailures         uint32
	OpenTimeout         time.Duration
	HalfOpenMaxRequests uint32
}

// DefaultConfig mirrors common gobreaker defaults: trip after 5 consecutive
// failures, stay open 30s, allow one trial request in half-open.
func DefaultConfig() Config {
	return Config{
		MaxFailures:         5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// StatementHash normalizes and hashes a SQL statement's text into the
// key used to address its breaker.
func StatementHash(sql string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(sql)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// StatementBreaker owns one gobreaker.CircuitBreaker per statement hash,
// created lazily on first use.
type StatementBreaker struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewStatementBreaker builds an empty StatementBreaker.
func NewStatementBreaker(cfg Config) *StatementBreaker {
	return &StatementBreaker{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *StatementBreaker) get(hash string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[hash]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        hash,
		MaxRequests: b.cfg.HalfOpenMaxRequests,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.MaxFailures
		},
	})
	b.breakers[hash] = cb
	return cb
}

// Execute runs fn through the breaker for the given SQL statement. If the
// breaker is open, fn is never called and ErrOpen is returned.
func (b *StatementBreaker) Execute(sql string, fn func() (any, error)) (any, error) {
	hash := StatementHash(sql)
	cb := b.get(hash)

	result, err := cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, ErrOpen
	}
	return result, err
}

// State reports the current breaker state for a statement, for monitoring.
func (b *StatementBreaker) State(sql string) gobreaker.State {
	hash := StatementHash(sql)
	b.mu.Lock()
	cb, ok := b.breakers[hash]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
