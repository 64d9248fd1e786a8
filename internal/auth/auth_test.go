package auth

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/internal/broker"
)

// stubStore is a map-backed Store for exercising write-through.
type stubStore struct {
	mu   sync.Mutex
	keys map[string]*APIKey
}

func newStubStore() *stubStore {
	return &stubStore{keys: make(map[string]*APIKey)}
}

func (s *stubStore) SaveAPIKey(key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.Key] = &cp
	return nil
}

func (s *stubStore) ListAPIKeys() ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		cp := *key
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubStore) TouchAPIKey(token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[token]
	if !ok {
		return broker.ErrNotFound
	}
	key.LastUsed = at
	return nil
}

func (s *stubStore) DeleteAPIKey(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, token)
	return nil
}

func TestIssueAndAuthenticate(t *testing.T) {
	s := NewKeyStore(100, 200)
	key := s.Issue("ci", ScopePublish)

	assert.True(t, strings.HasPrefix(key.Key, "rmq_"))

	got, err := s.Authenticate(key.Key)
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)
	assert.False(t, got.LastUsed.IsZero())
}

func TestAuthenticateUnknownKey(t *testing.T) {
	s := NewKeyStore(100, 200)
	_, err := s.Authenticate("nope")
	require.Error(t, err)
	assert.Equal(t, broker.ErrCodeUnauthenticated, broker.GetBrokerError(err).Code)
}

func TestAuthenticateDisabledKey(t *testing.T) {
	s := NewKeyStore(100, 200)
	key := &APIKey{Key: "k", Name: "off", Disabled: true}
	s.Add(key)
	_, err := s.Authenticate("k")
	require.Error(t, err)
}

func TestRevoke(t *testing.T) {
	s := NewKeyStore(100, 200)
	key := s.Issue("temp", ScopePublish)
	assert.True(t, s.Revoke(key.Key))
	assert.False(t, s.Revoke(key.Key))
	_, err := s.Authenticate(key.Key)
	require.Error(t, err)
}

func TestScopes(t *testing.T) {
	pub := &APIKey{Scopes: []Scope{ScopePublish}}
	assert.True(t, pub.HasScope(ScopePublish))
	assert.False(t, pub.HasScope(ScopeSubscribe))

	admin := &APIKey{Scopes: []Scope{ScopeAdmin}}
	assert.True(t, admin.HasScope(ScopePublish))
	assert.True(t, admin.HasScope(ScopeSubscribe))
	assert.True(t, admin.HasScope(ScopeAdmin))
}

func TestRateLimit(t *testing.T) {
	// 1 rps with burst 2: the third immediate request is rejected.
	s := NewKeyStore(1, 2)
	key := s.Issue("limited", ScopePublish)

	_, err := s.Authenticate(key.Key)
	require.NoError(t, err)
	_, err = s.Authenticate(key.Key)
	require.NoError(t, err)

	_, err = s.Authenticate(key.Key)
	require.Error(t, err)
	assert.Equal(t, broker.ErrCodeRateLimited, broker.GetBrokerError(err).Code)
}

func TestRateLimitIsPerKey(t *testing.T) {
	s := NewKeyStore(1, 1)
	a := s.Issue("a", ScopePublish)
	b := s.Issue("b", ScopePublish)

	_, err := s.Authenticate(a.Key)
	require.NoError(t, err)
	// Key a is exhausted, key b is not.
	_, err = s.Authenticate(a.Key)
	require.Error(t, err)
	_, err = s.Authenticate(b.Key)
	require.NoError(t, err)
}

func TestAttachLoadsAndWritesThrough(t *testing.T) {
	persist := newStubStore()
	require.NoError(t, persist.SaveAPIKey(&APIKey{Key: "k-old", Name: "survivor", Scopes: []Scope{ScopeAdmin}, CreatedAt: time.Now()}))

	s := NewKeyStore(100, 200)
	require.NoError(t, s.Attach(persist, nil))

	// Persisted keys are usable after a restart.
	got, err := s.Authenticate("k-old")
	require.NoError(t, err)
	assert.Equal(t, "survivor", got.Name)

	// New keys are written through.
	issued := s.Issue("fresh", ScopePublish)
	saved, err := persist.ListAPIKeys()
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	// Authenticate refreshes last-used in the backing store.
	_, err = s.Authenticate(issued.Key)
	require.NoError(t, err)
	persist.mu.Lock()
	assert.False(t, persist.keys[issued.Key].LastUsed.IsZero())
	persist.mu.Unlock()

	// Revoke deletes from the backing store.
	assert.True(t, s.Revoke(issued.Key))
	saved, err = persist.ListAPIKeys()
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestDemoKeys(t *testing.T) {
	s := NewKeyStore(100, 200)
	keys := s.DemoKeys()
	require.Len(t, keys, 3)

	admin, err := s.Authenticate("demo-admin")
	require.NoError(t, err)
	assert.True(t, admin.HasScope(ScopeAdmin))

	pub, err := s.Authenticate("demo-publisher")
	require.NoError(t, err)
	assert.True(t, pub.HasScope(ScopePublish))
	assert.False(t, pub.HasScope(ScopeAdmin))
}
