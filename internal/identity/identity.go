// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity resolves the caller of an HTTP request to a user ID.
//
// Two resolvers are provided:
//   - TokenResolver verifies bearer tokens against bcrypt hashes
//   - StaticResolver maps every request to one fixed user (auth disabled)
//
// Plaintext tokens are never stored. Use HashToken to produce the hash that
// goes into the config file.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned when a request carries no valid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Resolver maps a request to the user it acts for.
type Resolver interface {
	Resolve(r *http.Request) (userID string, err error)
}

// =============================================================================
// STATIC RESOLVER
// =============================================================================

// DefaultLocalUser is the user ID used when authentication is disabled.
const DefaultLocalUser = "local"

// StaticResolver resolves every request to UserID.
type StaticResolver struct {
	UserID string
}

// Resolve implements Resolver.
func (s StaticResolver) Resolve(r *http.Request) (string, error) {
	if s.UserID == "" {
		return DefaultLocalUser, nil
	}
	return s.UserID, nil
}

// =============================================================================
// TOKEN RESOLVER
// =============================================================================

const (
	// DefaultCacheTTL is how long a verified token skips bcrypt.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheSize bounds the verified-token cache.
	DefaultCacheSize = 256
)

// Credential pairs a user with the bcrypt hash of their bearer token.
type Credential struct {
	UserID    string `toml:"user"`
	TokenHash string `toml:"token_hash"`
}

type cacheEntry struct {
	userID  string
	expires time.Time
}

// TokenResolver authenticates "Authorization: Bearer <token>" headers.
type TokenResolver struct {
	creds []Credential
	ttl   time.Duration
	size  int
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry // sha256(token) -> user
}

// NewTokenResolver creates a resolver over creds. Entries with an empty
// user or hash are rejected.
func NewTokenResolver(creds []Credential) (*TokenResolver, error) {
	for i, c := range creds {
		if strings.TrimSpace(c.UserID) == "" {
			return nil, fmt.Errorf("credential %d: user is required", i)
		}
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			return nil, fmt.Errorf("credential %d (%s): invalid token hash: %w", i, c.UserID, err)
		}
	}
	return &TokenResolver{
		creds: append([]Credential(nil), creds...),
		ttl:   DefaultCacheTTL,
		size:  DefaultCacheSize,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}, nil
}

// Len returns the number of configured credentials.
func (t *TokenResolver) Len() int {
	return len(t.creds)
}

// Resolve implements Resolver.
func (t *TokenResolver) Resolve(r *http.Request) (string, error) {
	token, ok := BearerToken(r)
	if !ok {
		return "", ErrUnauthorized
	}

	key := fingerprint(token)
	if user, ok := t.cached(key); ok {
		return user, nil
	}

	for _, c := range t.creds {
		if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(token)) == nil {
			t.remember(key, c.UserID)
			return c.UserID, nil
		}
	}

	log.Printf("AUTH_DENIED | reason=invalid_token fingerprint=%s", key[:8])
	return "", ErrUnauthorized
}

func (t *TokenResolver) cached(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.cache[key]
	if !ok {
		return "", false
	}
	if t.now().After(e.expires) {
		delete(t.cache, key)
		return "", false
	}
	return e.userID, true
}

func (t *TokenResolver) remember(key, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if len(t.cache) >= t.size {
		// Drop expired entries first, then anything, to make room.
		for k, e := range t.cache {
			if now.After(e.expires) {
				delete(t.cache, k)
			}
		}
		for k := range t.cache {
			if len(t.cache) < t.size {
				break
			}
			delete(t.cache, k)
		}
	}
	t.cache[key] = cacheEntry{userID: userID, expires: now.Add(t.ttl)}
}

// =============================================================================
// HELPERS
// =============================================================================

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

// HashToken returns the bcrypt hash of token for storing in config.
func HashToken(token string) (string, error) {
	return hashTokenCost(token, bcrypt.DefaultCost)
}

func hashTokenCost(token string, cost int) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
