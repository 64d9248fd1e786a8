// Package auth provides API-key authentication and per-key rate
// limiting for the broker's HTTP and WebSocket surfaces.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/relaymq/relaymq/internal/broker"
)

// Scope is a capability granted to an API key.
type Scope string

const (
	ScopePublish   Scope = "publish"
	ScopeSubscribe Scope = "subscribe"
	ScopeAdmin     Scope = "admin"
)

// APIKey identifies and authorizes a client.
type APIKey struct {
	// Key is the secret token presented by the client.
	Key string `json:"key"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// Scopes are the capabilities granted to the key.
	Scopes []Scope `json:"scopes"`
	// CreatedAt is when the key was issued.
	CreatedAt time.Time `json:"created_at"`
	// LastUsed is refreshed on each authenticated request.
	LastUsed time.Time `json:"last_used,omitempty"`
	// Disabled blocks the key without deleting it.
	Disabled bool `json:"disabled"`
}

// HasScope reports whether the key grants the scope. Admin implies
// everything.
func (k *APIKey) HasScope(s Scope) bool {
	for _, scope := range k.Scopes {
		if scope == s || scope == ScopeAdmin {
			return true
		}
	}
	return false
}

// Store persists API keys across restarts. The storage backends
// implement it alongside the broker's store interface.
type Store interface {
	SaveAPIKey(key *APIKey) error
	ListAPIKeys() ([]*APIKey, error)
	TouchAPIKey(token string, at time.Time) error
	DeleteAPIKey(token string) error
}

// KeyStore holds API keys and their rate limiters in memory, with
// optional write-through persistence.
type KeyStore struct {
	mu       sync.RWMutex
	keys     map[string]*APIKey
	limiters map[string]*rate.Limiter

	limit   rate.Limit
	burst   int
	persist Store
	logger  *logrus.Entry
}

// NewKeyStore creates an empty store. Every key shares the same
// per-key rate: limit requests per second with the given burst.
func NewKeyStore(limit float64, burst int) *KeyStore {
	if limit <= 0 {
		limit = 100
	}
	if burst <= 0 {
		burst = int(limit) * 2
	}
	return &KeyStore{
		keys:     make(map[string]*APIKey),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(limit),
		burst:    burst,
	}
}

// Attach loads persisted keys into memory and enables write-through
// for subsequent changes. Writes after the initial load are
// best-effort: failures are logged and do not block the in-memory
// operation.
func (s *KeyStore) Attach(persist Store, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	saved, err := persist.ListAPIKeys()
	if err != nil {
		return err
	}
	for _, key := range saved {
		s.mu.Lock()
		s.keys[key.Key] = key
		s.limiters[key.Key] = rate.NewLimiter(s.limit, s.burst)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.persist = persist
	s.logger = logger.WithField("component", "auth")
	s.mu.Unlock()
	return nil
}

// Issue creates and registers a new key with a random token.
func (s *KeyStore) Issue(name string, scopes ...Scope) *APIKey {
	key := &APIKey{
		Key:       newToken(),
		Name:      name,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	s.Add(key)
	return key
}

// Add registers an existing key, replacing any key with the same token.
func (s *KeyStore) Add(key *APIKey) {
	s.mu.Lock()
	s.keys[key.Key] = key
	s.limiters[key.Key] = rate.NewLimiter(s.limit, s.burst)
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		if err := persist.SaveAPIKey(key); err != nil {
			s.logPersistError("save", key.Name, err)
		}
	}
}

// Revoke removes the key entirely.
func (s *KeyStore) Revoke(token string) bool {
	s.mu.Lock()
	if _, ok := s.keys[token]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.keys, token)
	delete(s.limiters, token)
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		if err := persist.DeleteAPIKey(token); err != nil {
			s.logPersistError("delete", token, err)
		}
	}
	return true
}

// List returns copies of all keys with the secret truncated for
// display.
func (s *KeyStore) List() []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		cp := *key
		out = append(out, &cp)
	}
	return out
}

// Authenticate validates the token, enforces the rate limit, and
// returns the key. It fails with UNAUTHENTICATED for unknown or
// disabled keys and RATE_LIMITED when the limiter rejects the request.
func (s *KeyStore) Authenticate(token string) (*APIKey, error) {
	s.mu.Lock()
	key, ok := s.keys[token]
	if !ok || key.Disabled {
		s.mu.Unlock()
		return nil, broker.NewBrokerError(broker.ErrCodeUnauthenticated, "invalid api key", nil)
	}
	limiter := s.limiters[token]
	key.LastUsed = time.Now()
	cp := *key
	persist := s.persist
	s.mu.Unlock()

	if !limiter.Allow() {
		return nil, broker.NewBrokerError(broker.ErrCodeRateLimited, "rate limit exceeded", nil).
			WithDetail("key", cp.Name)
	}
	if persist != nil {
		if err := persist.TouchAPIKey(token, cp.LastUsed); err != nil {
			s.logPersistError("touch", cp.Name, err)
		}
	}
	return &cp, nil
}

func (s *KeyStore) logPersistError(op, key string, err error) {
	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()
	if logger == nil {
		return
	}
	logger.WithError(err).WithFields(logrus.Fields{"op": op, "key": key}).
		Warn("api key persistence failed")
}

// DemoKeys seeds well-known keys for local development and returns
// them. They carry fixed tokens so example clients work out of the box.
func (s *KeyStore) DemoKeys() []*APIKey {
	demo := []*APIKey{
		{Key: "demo-publisher", Name: "demo publisher", Scopes: []Scope{ScopePublish}, CreatedAt: time.Now()},
		{Key: "demo-subscriber", Name: "demo subscriber", Scopes: []Scope{ScopeSubscribe}, CreatedAt: time.Now()},
		{Key: "demo-admin", Name: "demo admin", Scopes: []Scope{ScopeAdmin}, CreatedAt: time.Now()},
	}
	for _, key := range demo {
		s.Add(key)
	}
	return demo
}

func newToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return "rmq_" + hex.EncodeToString(buf)
}
