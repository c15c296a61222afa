package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Key prefixes inside the persistent key-value store
const (
	tokenKeyPrefix  = "token:"
	secretKeyPrefix = "secret:"
)

// Margin applied when deciding whether a cached token is still usable; a
// token about to expire is not worth presenting to the remote service
const tokenExpiryMargin = 5 * time.Minute

// TokenStore persists per-account session tokens and auxiliary secrets on
// top of a PersistentKeyValueStore
type TokenStore struct {
	store PersistentKeyValueStore
}

// NewTokenStore creates a token store over the given backend
func NewTokenStore(store PersistentKeyValueStore) *TokenStore {
	return &TokenStore{store: store}
}

// GetToken retrieves the cached token for an account. Returns nil when no
// token is cached or the cached record cannot be decoded.
func (s *TokenStore) GetToken(accountName string) (*SessionToken, error) {
	raw, ok, err := s.store.Get(tokenKeyPrefix + accountName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	expiresAt, err := decodeTokenExpiry(raw)
	if err != nil {
		LogWarning("Cached token for %s is not decodable, discarding: %v", accountName, err)
		if delErr := s.store.Delete(tokenKeyPrefix + accountName); delErr != nil {
			LogWarning("Failed to discard undecodable token for %s: %v", accountName, delErr)
		}
		return nil, nil
	}

	return &SessionToken{
		AccountName: accountName,
		Token:       raw,
		ExpiresAt:   expiresAt,
	}, nil
}

// SaveToken persists a new or renewed token, overwriting any previous one
func (s *TokenStore) SaveToken(accountName, token string) error {
	return s.store.Upsert(tokenKeyPrefix+accountName, token)
}

// InvalidateToken removes a cached token the remote service reported as stale
func (s *TokenStore) InvalidateToken(accountName string) error {
	return s.store.Delete(tokenKeyPrefix + accountName)
}

// GetSecret retrieves an auxiliary secret (guard data, parental unlock code)
func (s *TokenStore) GetSecret(accountName, kind string) (string, error) {
	v, ok, err := s.store.Get(secretKeyPrefix + accountName + ":" + kind)
	if err != nil || !ok {
		return "", err
	}
	return v, nil
}

// SaveSecret persists an auxiliary secret for an account
func (s *TokenStore) SaveSecret(accountName, kind, value string) error {
	return s.store.Upsert(secretKeyPrefix+accountName+":"+kind, value)
}

// decodeTokenExpiry extracts the expiry claim embedded in a token. Tokens are
// JWT shaped: header.payload.signature with a base64url-encoded JSON payload
// carrying an "exp" unix timestamp.
func decodeTokenExpiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("token is not JWT shaped (%d segments)", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid token payload encoding: %v", err)
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return time.Time{}, fmt.Errorf("invalid token payload: %v", err)
	}
	if claims.Exp == 0 {
		return time.Time{}, fmt.Errorf("token payload has no expiry claim")
	}

	return time.Unix(claims.Exp, 0), nil
}

// MemoryStore is an in-memory PersistentKeyValueStore. It is the default
// backend when no database is configured and the backend used in tests.
type MemoryStore struct {
	mutex  sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value for a key and whether it exists
func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Upsert stores a value under a key
func (m *MemoryStore) Upsert(key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.values[key] = value
	return nil
}

// Delete removes a key
func (m *MemoryStore) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.values, key)
	return nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() error {
	return nil
}
