// Package connhash computes the deterministic identity of "the same
// effective client configuration" that lets OJP share one server-side
// backend pool across clients requesting identical connection properties,
// and holds the parsed Datasource/XA Configuration those pools are built
// from.
package connhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
)

// hashInput is the normalized set of fields that determine pool identity:
// JSON-marshal a small struct of normalized fields, then SHA-256 the
// bytes.
type hashInput struct {
	URL      string
	User     string
	Password string
	Pool     Configuration
}

// Compute returns the deterministic ConnHash for one effective client
// configuration. rawURL is normalized (scheme/host lowercased, query
// params sorted) before hashing so that equivalent but differently-spelled
// URLs collide to the same hash.
func Compute(rawURL, user, password string, cfg Configuration) string {
	input := hashInput{
		URL:      normalizeURL(rawURL),
		User:     user,
		Password: password,
		Pool:     cfg,
	}
	data, _ := json.Marshal(input)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	normalized := url.Values{}
	for k, v := range q {
		normalized[strings.ToLower(k)] = v
	}
	u.RawQuery = normalized.Encode()
	return u.String()
}
